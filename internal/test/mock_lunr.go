// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/respondwith"
)

// LunrHost is the host name under which tests reach the Backend.
const LunrHost = "lunr.example.com"

// LunrURL is the base URL that tests give to client.New().
const LunrURL = "http://" + LunrHost + "/v1.0"

// RecordedRequest is a request that was received by Backend.
type RecordedRequest struct {
	Method string
	// relative to the project, e.g. "volumes/vol1"
	Path      string
	ProjectID string
	Query     url.Values
	RequestID string
}

type scriptedResponse struct {
	Method string
	Path   string
	Status int
	Body   any
}

// Backend is an in-memory implementation of the Lunr API. It keeps volumes,
// exports, backups and volume types as plain JSON objects.
type Backend struct {
	mu            sync.Mutex
	objects       map[string]map[string]any // key = "<collection>/<id>"
	statusQueues  map[string][]string
	scripts       []scriptedResponse
	requests      []RecordedRequest
	VolumeTypes   []map[string]any
	InitialStatus string
	NodeID        string
	CinderHost    string
	router        http.Handler
}

// RawBody can be given to Backend.Enqueue() to send a non-JSON response body.
type RawBody string

// NewBackend builds an empty Backend with one volume type called "vtype".
func NewBackend() *Backend {
	b := &Backend{
		objects:      make(map[string]map[string]any),
		statusQueues: make(map[string][]string),
		VolumeTypes: []map[string]any{
			{"name": "vtype", "status": "ACTIVE", "min_size": 1, "max_size": 1024},
		},
		InitialStatus: "ACTIVE",
		NodeID:        "node1",
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/v1.0/{project}").Subrouter()
	api.Path("/volumes/{id}/export").HandlerFunc(b.handleExport)
	api.Path("/{collection}/{id}").HandlerFunc(b.handleObject)
	api.Path("/{collection}").HandlerFunc(b.handleList)
	b.router = router
	return b
}

// Enqueue makes the next request with this method and path (e.g. "volumes/vol1")
// return the given response, regardless of the backend's state. Scripted
// responses are consumed in order.
func (b *Backend) Enqueue(method, path string, status int, body any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts = append(b.scripts, scriptedResponse{method, path, status, body})
}

// SetStatusSequence makes consecutive GETs of the given object report the
// given statuses. The last status sticks.
func (b *Backend) SetStatusSequence(collection, id string, statuses ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusQueues[collection+"/"+id] = statuses
}

// Put stores an object directly, bypassing the API.
func (b *Backend) Put(collection, id string, obj map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj["id"] = id
	b.objects[collection+"/"+id] = obj
}

// Object returns a stored object, or nil.
func (b *Backend) Object(collection, id string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[collection+"/"+id]
}

// Requests returns all requests received so far.
func (b *Backend) Requests() []RecordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RecordedRequest(nil), b.requests...)
}

// CountRequests counts the received requests with this method and path.
func (b *Backend) CountRequests(method, path string) int {
	count := 0
	for _, r := range b.Requests() {
		if r.Method == method && r.Path == path {
			count++
		}
	}
	return count
}

// ServeHTTP implements the http.Handler interface.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

func respondScripted(w http.ResponseWriter, s *scriptedResponse) {
	if raw, ok := s.Body.(RawBody); ok {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(s.Status)
		w.Write([]byte(raw))
		return
	}
	respondwith.JSON(w, s.Status, s.Body)
}

func (b *Backend) record(r *http.Request) (path string, scripted *scriptedResponse) {
	vars := mux.Vars(r)
	path = vars["collection"]
	if path == "" {
		path = "volumes"
	}
	if id := vars["id"]; id != "" {
		path += "/" + id
	}
	if vars["collection"] == "" {
		path += "/export"
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, RecordedRequest{
		Method:    r.Method,
		Path:      path,
		ProjectID: vars["project"],
		Query:     r.URL.Query(),
		RequestID: r.Header.Get("X-Request-Id"),
	})
	for idx, s := range b.scripts {
		if s.Method == r.Method && s.Path == path {
			b.scripts = append(b.scripts[:idx:idx], b.scripts[idx+1:]...)
			return path, &s
		}
	}
	return path, nil
}

func respondWithReason(w http.ResponseWriter, status int, format string, args ...any) {
	respondwith.JSON(w, status, map[string]string{"reason": fmt.Sprintf(format, args...)})
}

func (b *Backend) handleList(w http.ResponseWriter, r *http.Request) {
	_, scripted := b.record(r)
	if scripted != nil {
		respondScripted(w, scripted)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	collection := mux.Vars(r)["collection"]
	if collection == "volume_types" {
		respondwith.JSON(w, http.StatusOK, b.VolumeTypes)
		return
	}
	result := []map[string]any{}
	for key, obj := range b.objects {
		if len(key) > len(collection) && key[:len(collection)+1] == collection+"/" {
			result = append(result, obj)
		}
	}
	respondwith.JSON(w, http.StatusOK, result)
}

func (b *Backend) handleObject(w http.ResponseWriter, r *http.Request) {
	path, scripted := b.record(r)
	if scripted != nil {
		respondScripted(w, scripted)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	vars := mux.Vars(r)
	collection, id := vars["collection"], vars["id"]

	if collection == "volume_types" {
		for _, vtype := range b.VolumeTypes {
			if vtype["name"] == id {
				respondwith.JSON(w, http.StatusOK, vtype)
				return
			}
		}
		respondWithReason(w, http.StatusNotFound, "volume type %s not found", id)
		return
	}

	obj, exists := b.objects[path]
	query := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		if !exists {
			respondWithReason(w, http.StatusNotFound, "%s not found", path)
			return
		}
		if queue := b.statusQueues[path]; len(queue) > 0 {
			obj["status"] = queue[0]
			if len(queue) > 1 {
				b.statusQueues[path] = queue[1:]
			}
		}
		respondwith.JSON(w, http.StatusOK, obj)

	case http.MethodPut:
		if exists {
			respondWithReason(w, http.StatusConflict, "%s already exists", path)
			return
		}
		obj = map[string]any{"id": id, "account_id": vars["project"], "status": b.InitialStatus}
		for key := range query {
			obj[key] = query.Get(key)
		}
		if collection == "volumes" {
			size, err := strconv.Atoi(query.Get("size"))
			if err != nil {
				respondWithReason(w, http.StatusPreconditionFailed, "invalid size: %q", query.Get("size"))
				return
			}
			obj["size"] = size
			obj["node_id"] = b.NodeID
			if b.CinderHost != "" {
				obj["cinder_host"] = b.CinderHost
			}
		}
		b.objects[path] = obj
		respondwith.JSON(w, http.StatusOK, obj)

	case http.MethodPost:
		if !exists {
			respondWithReason(w, http.StatusNotFound, "%s not found", path)
			return
		}
		for key := range query {
			obj[key] = query.Get(key)
		}
		respondwith.JSON(w, http.StatusOK, obj)

	case http.MethodDelete:
		if !exists {
			respondWithReason(w, http.StatusNotFound, "%s not found", path)
			return
		}
		if collection == "backups" {
			// deleted backups stay visible for auditing
			obj["status"] = "DELETED"
		} else {
			delete(b.objects, path)
			obj["status"] = "DELETING"
		}
		respondwith.JSON(w, http.StatusOK, obj)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (b *Backend) handleExport(w http.ResponseWriter, r *http.Request) {
	path, scripted := b.record(r)
	if scripted != nil {
		respondScripted(w, scripted)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id := mux.Vars(r)["id"]
	if _, exists := b.objects["volumes/"+id]; !exists {
		respondWithReason(w, http.StatusNotFound, "volume %s not found", id)
		return
	}

	obj, exists := b.objects[path]
	query := r.URL.Query()
	switch r.Method {
	case http.MethodPut:
		obj = map[string]any{
			"id":            id,
			"status":        "ATTACHING",
			"target_name":   "iqn.2010-11.com.rackspace:" + id,
			"target_portal": "127.0.0.1:3260",
		}
		for key := range query {
			obj[key] = query.Get(key)
		}
		b.objects[path] = obj
		respondwith.JSON(w, http.StatusOK, obj)
	case http.MethodGet, http.MethodPost, http.MethodDelete:
		if !exists {
			respondWithReason(w, http.StatusNotFound, "no export for volume %s", id)
			return
		}
		if r.Method == http.MethodDelete {
			delete(b.objects, path)
		}
		for key := range query {
			obj[key] = query.Get(key)
		}
		respondwith.JSON(w, http.StatusOK, obj)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
