// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package driver translates the volume lifecycle operations of an
// orchestration layer into calls to the Lunr API.
package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/majewsky/gg/option"
	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/lunrgate/internal/client"
	"github.com/sapcc/lunrgate/internal/lunr"
)

// Driver executes volume lifecycle operations against the Lunr API.
type Driver struct {
	cfg        lunr.Configuration
	clientOpts []client.Option
	sleep      lunr.Sleeper
	lookupHost func(host string) ([]string, error)
	newID      func() string
}

// New builds a Driver.
func New(cfg lunr.Configuration, opts ...client.Option) *Driver {
	return &Driver{
		cfg:        cfg,
		clientOpts: opts,
		sleep:      lunr.SleepContext,
		lookupHost: net.LookupHost,
		newID:      func() string { return uuid.Must(uuid.NewV4()).String() },
	}
}

// OverrideSleeper replaces the function used for waiting between polls and
// retries. This is used by tests.
func (d *Driver) OverrideSleeper(sleep lunr.Sleeper) *Driver {
	d.sleep = sleep
	d.clientOpts = append(d.clientOpts, client.WithSleeper(sleep))
	return d
}

// OverrideLookupHost replaces net.LookupHost. This is used by tests.
func (d *Driver) OverrideLookupHost(lookupHost func(string) ([]string, error)) *Driver {
	d.lookupHost = lookupHost
	return d
}

// OverrideIDGenerator replaces the function that generates replacement volume IDs. This is used by tests.
func (d *Driver) OverrideIDGenerator(newID func() string) *Driver {
	d.newID = newID
	return d
}

func (d *Driver) client(scope lunr.ProjectScope) *client.Client {
	return client.New(d.cfg.BackendURL, scope, d.clientOpts...)
}

// pollContext applies the configured poll timeout, if any.
func (d *Driver) pollContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.PollTimeout > 0 {
		return context.WithTimeout(ctx, d.cfg.PollTimeout)
	}
	return context.WithCancel(ctx)
}

type volumeResponse struct {
	Size       int    `json:"size"`
	Status     string `json:"status"`
	NodeID     string `json:"node_id"`
	CinderHost string `json:"cinder_host"`
}

func (d *Driver) createVolume(ctx context.Context, vol Volume, extraParams url.Values) (ModelUpdate, error) {
	if vol.VolumeTypeName == "" {
		return ModelUpdate{}, fmt.Errorf("volume %s has no volume type; is a default volume type configured?", vol.ID)
	}

	params := url.Values{
		"name":             {vol.ID},
		"size":             {strconv.Itoa(vol.Size)},
		"volume_type_name": {vol.VolumeTypeName},
	}
	for key, values := range extraParams {
		params[key] = values
	}
	metadata := make(map[string]string, len(vol.Metadata)+1)
	var affinity string
	for _, item := range vol.Metadata {
		metadata[item.Key] = item.Value
		// the backend calls racks "groups"; last one wins
		switch item.Key {
		case "different_node":
			affinity = "different_node:" + item.Value
		case "different_rack":
			affinity = "different_group:" + item.Value
		}
	}
	if affinity != "" {
		params.Set("affinity", affinity)
	}

	c := d.client(vol)
	id := vol.BackendID()
	retried := false

	// if a previous attempt left a volume with this ID behind, do not clobber it
	_, err := c.Volumes.Get(ctx, id)
	switch {
	case err == nil:
		newID := d.newID()
		logg.Info("volume %s already exists in the backend, creating as %s instead", id, newID)
		id = newID
		retried = true
	case !lunr.IsNotFound(err):
		return ModelUpdate{}, err
	}

	resp, err := c.Volumes.Create(ctx, id, params)
	if err != nil && lunr.IsConflict(err) && !retried {
		newID := d.newID()
		logg.Info("creation of volume %s conflicted, retrying as %s", id, newID)
		id = newID
		resp, err = c.Volumes.Create(ctx, id, params)
	}
	if err != nil {
		return ModelUpdate{}, err
	}

	var body volumeResponse
	err = resp.Decode(&body)
	if err != nil {
		return ModelUpdate{}, err
	}

	update := ModelUpdate{ProviderID: id, Host: body.CinderHost}
	if body.Size != vol.Size {
		update.Size = option.Some(body.Size)
	}
	if body.NodeID != "" {
		metadata["storage-node"] = body.NodeID
	}
	if len(metadata) > 0 {
		update.Metadata = metadata
	}
	return update, nil
}

// CreateVolume creates an empty volume.
func (d *Driver) CreateVolume(ctx context.Context, vol Volume) (ModelUpdate, error) {
	return d.createVolume(ctx, vol, nil)
}

// createAndWait creates the volume, then waits until it is in one of the given statuses.
func (d *Driver) createAndWait(ctx context.Context, vol Volume, params url.Values, statuses ...string) (ModelUpdate, error) {
	update, err := d.createVolume(ctx, vol, params)
	if err != nil {
		return ModelUpdate{}, err
	}

	ctx, cancel := d.pollContext(ctx)
	defer cancel()
	_, err = d.client(vol).Volumes.WaitOnStatus(ctx, update.ProviderID, statuses...)
	if err != nil {
		return ModelUpdate{}, fmt.Errorf("while waiting for volume %s: %w", update.ProviderID, err)
	}
	return update, nil
}

// CreateClonedVolume creates a volume that contains a copy of the source volume.
func (d *Driver) CreateClonedVolume(ctx context.Context, vol, source Volume) (ModelUpdate, error) {
	params := url.Values{}
	if d.cfg.VolumeCloneEnabled {
		params.Set("source_volume", source.BackendID())
	} else {
		logg.Info("volume cloning is disabled, creating volume %s without copying from %s", vol.ID, source.ID)
	}
	return d.createAndWait(ctx, vol, params, "ACTIVE")
}

// CreateVolumeFromSnapshot creates a volume that contains the data from the snapshot.
func (d *Driver) CreateVolumeFromSnapshot(ctx context.Context, vol Volume, snapshot Snapshot) (ModelUpdate, error) {
	return d.createAndWait(ctx, vol, url.Values{"backup": {snapshot.ID}}, "ACTIVE")
}

// CloneImage creates a volume containing the given image. If copying images
// is disabled, nothing is created and false is returned, so that the caller
// can fall back to a different method.
func (d *Driver) CloneImage(ctx context.Context, vol Volume, imageID string) (ModelUpdate, bool, error) {
	if !d.cfg.CopyImageEnabled {
		return ModelUpdate{}, false, nil
	}
	update, err := d.createAndWait(ctx, vol, url.Values{"image_id": {imageID}}, "ACTIVE", "IMAGING_SCRUB")
	if err != nil {
		return ModelUpdate{}, false, err
	}
	return update, true, nil
}

// DeleteVolume deletes the volume. A volume that does not exist counts as deleted.
func (d *Driver) DeleteVolume(ctx context.Context, vol Volume) error {
	_, err := d.client(vol).Volumes.Delete(ctx, vol.BackendID())
	if lunr.IsNotFound(err) {
		logg.Debug("volume %s: already deleted", vol.BackendID())
		return nil
	}
	return err
}

// CreateSnapshot creates a backup of the snapshot's volume and waits for it to become available.
func (d *Driver) CreateSnapshot(ctx context.Context, snapshot Snapshot) error {
	c := d.client(snapshot)
	_, err := c.Backups.Create(ctx, snapshot.ID, url.Values{"volume": {snapshot.VolumeID}})
	if err != nil {
		return err
	}

	ctx, cancel := d.pollContext(ctx)
	defer cancel()
	_, err = c.Backups.WaitOnStatus(ctx, snapshot.ID, "AVAILABLE")
	return err
}

// DeleteSnapshot deletes the backup for this snapshot and waits until the
// deletion went through. A snapshot that does not exist counts as deleted.
func (d *Driver) DeleteSnapshot(ctx context.Context, snapshot Snapshot) error {
	c := d.client(snapshot)
	_, err := c.Backups.Delete(ctx, snapshot.ID)
	if err == nil {
		pollCtx, cancel := d.pollContext(ctx)
		defer cancel()
		_, err = c.Backups.WaitOnStatus(pollCtx, snapshot.ID, "DELETED", "AUDITING")
	}
	if lunr.IsNotFound(err) {
		return nil
	}
	return err
}

type exportResponse struct {
	TargetName   string `json:"target_name"`
	TargetPortal string `json:"target_portal"`
}

// InitializeConnection creates an export for the volume and returns the
// information that the connector needs to attach it.
func (d *Driver) InitializeConnection(ctx context.Context, vol Volume, connector Connector) (ConnectionInfo, error) {
	params := url.Values{}
	if connector.IP != "" {
		params.Set("ip", connector.IP)
	}
	resp, err := d.client(vol).Exports.Create(ctx, vol.BackendID(), params)
	if err != nil {
		return ConnectionInfo{}, err
	}
	var body exportResponse
	err = resp.Decode(&body)
	if err != nil {
		return ConnectionInfo{}, err
	}

	return ConnectionInfo{
		DriverVolumeType: "iscsi",
		Data: ConnectionData{
			TargetDiscovered: false,
			TargetIQN:        body.TargetName,
			TargetPortal:     d.resolvePortal(body.TargetPortal),
			VolumeID:         vol.ID,
		},
	}, nil
}

// resolvePortal replaces a bare hostname in a "host:port" portal by its IP,
// since iscsiadm does not handle /etc/hosts entries well. If the lookup
// fails, the portal is returned unchanged.
func (d *Driver) resolvePortal(portal string) string {
	if strings.Contains(portal, ".") {
		return portal
	}
	host, port, err := net.SplitHostPort(portal)
	if err != nil {
		return portal
	}
	addrs, err := d.lookupHost(host)
	if err != nil || len(addrs) == 0 {
		logg.Debug("cannot resolve portal host %q, passing it through", host)
		return portal
	}
	return net.JoinHostPort(addrs[0], port)
}

// TerminateConnection removes the export for the given connector.
func (d *Driver) TerminateConnection(ctx context.Context, vol Volume, connector Connector, force bool) error {
	params := url.Values{}
	if connector.Initiator != "" {
		params.Set("initiator", connector.Initiator)
	}
	_, err := d.client(vol).Exports.Delete(ctx, vol.BackendID(), force, params)
	return err
}

// AttachVolume records on the export which instance the volume is attached to.
func (d *Driver) AttachVolume(ctx context.Context, vol Volume, instanceID, mountpoint string) error {
	_, err := d.client(vol).Exports.Update(ctx, vol.BackendID(), url.Values{
		"instance_id": {instanceID},
		"mountpoint":  {mountpoint},
		"status":      {"ATTACHED"},
	})
	return err
}

// DetachVolume clears the instance from the export.
func (d *Driver) DetachVolume(ctx context.Context, vol Volume) error {
	_, err := d.client(vol).Exports.Update(ctx, vol.BackendID(), url.Values{"instance_id": {""}})
	return err
}

const volumeTypeAttempts = 3

// ListActiveVolumeTypes lists the volume types that the backend offers. This
// is done once on startup, so failures are retried a few times.
func (d *Driver) ListActiveVolumeTypes(ctx context.Context) ([]VolumeType, error) {
	c := d.client(lunr.AdminProject)

	var (
		resp *client.Response
		err  error
	)
	for attempt := 1; ; attempt++ {
		resp, err = c.Types.List(ctx, nil)
		if err == nil {
			break
		}
		if attempt >= volumeTypeAttempts {
			return nil, fmt.Errorf("cannot read volume types from %s after %d attempts: %w", d.cfg.BackendURL, attempt, err)
		}
		logg.Error("failed attempt %d to retrieve volume types from %s, will retry: %s", attempt, d.cfg.BackendURL, err.Error())
		err = d.sleep(ctx, time.Duration(attempt*attempt)*time.Second)
		if err != nil {
			return nil, err
		}
	}

	var all []VolumeType
	err = resp.Decode(&all)
	if err != nil {
		return nil, err
	}
	var result []VolumeType
	for _, vtype := range all {
		if vtype.Status != "ACTIVE" {
			logg.Debug("ignoring volume type %s with status %s", vtype.Name, vtype.Status)
			continue
		}
		result = append(result, vtype)
	}
	return result, nil
}

// ErrInvalidSize is returned by ValidateVolumeType.
var ErrInvalidSize = errors.New("invalid volume size")

// ValidateVolumeType checks that the volume type exists and allows volumes of the given size.
func (d *Driver) ValidateVolumeType(ctx context.Context, name string, size int) error {
	resp, err := d.client(lunr.AdminProject).Types.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("unable to fetch volume type %q: %w", name, err)
	}
	var vtype VolumeType
	err = resp.Decode(&vtype)
	if err != nil {
		return err
	}
	if size < vtype.MinSize || size > vtype.MaxSize {
		return fmt.Errorf("%w: 'size' parameter must be between %d and %d", ErrInvalidSize, vtype.MinSize, vtype.MaxSize)
	}
	return nil
}

// VolumeStats reports capabilities. The backend manages its own capacity, so there are no real numbers here.
func (d *Driver) VolumeStats() Stats {
	return Stats{
		DriverVersion:      "0.0.12",
		FreeCapacityGB:     "infinite",
		ReservedPercentage: 0,
		StorageProtocol:    "lunr",
		TotalCapacityGB:    "infinite",
		VendorName:         "Rackspace",
		VolumeBackendName:  "lunr",
	}
}
