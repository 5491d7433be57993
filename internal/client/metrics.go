// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BackendRequestsCounter is a prometheus.CounterVec.
var BackendRequestsCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lunrgate_backend_requests",
		Help: "Counts requests sent to the Lunr API, by result (HTTP status code or \"error\").",
	},
	[]string{"method", "collection", "code"},
)

func init() {
	prometheus.MustRegister(BackendRequestsCounter)
}

func countBackendRequest(r request, code string) {
	BackendRequestsCounter.With(prometheus.Labels{
		"method":     r.Method,
		"collection": r.Collection,
		"code":       code,
	}).Inc()
}
