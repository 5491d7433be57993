// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"github.com/majewsky/gg/option"
)

// MetadataItem is a key-value pair attached to a volume by its owner.
type MetadataItem struct {
	Key   string
	Value string
}

// Volume is a volume as seen by the orchestration layer.
type Volume struct {
	ID             string
	AuthTenantID   string
	Size           int
	VolumeTypeName string
	// in the order in which the owner specified them
	Metadata []MetadataItem
	// the identifier under which the backend knows this volume, if it differs from ID
	ProviderID string
}

// ProjectID implements the lunr.ProjectScope interface.
func (v Volume) ProjectID() string {
	return v.AuthTenantID
}

// BackendID returns the identifier under which the backend knows this volume.
func (v Volume) BackendID() string {
	if v.ProviderID != "" {
		return v.ProviderID
	}
	return v.ID
}

// Snapshot is a snapshot of a volume, which the backend stores as a backup.
type Snapshot struct {
	ID           string
	VolumeID     string
	AuthTenantID string
}

// ProjectID implements the lunr.ProjectScope interface.
func (s Snapshot) ProjectID() string {
	return s.AuthTenantID
}

// ModelUpdate describes the changes that the orchestration layer shall apply
// to its volume record after a volume was created.
type ModelUpdate struct {
	// only set if the backend chose a different size than requested
	Size     option.Option[int]
	Host     string
	Metadata map[string]string
	// the identifier that the backend knows the volume by
	ProviderID string
}

// Connector describes the host that wants to connect to a volume.
type Connector struct {
	IP        string
	Initiator string
}

// ConnectionInfo tells the connecting host how to reach the volume.
type ConnectionInfo struct {
	DriverVolumeType string         `json:"driver_volume_type"`
	Data             ConnectionData `json:"data"`
}

// ConnectionData appears in type ConnectionInfo.
type ConnectionData struct {
	TargetDiscovered bool   `json:"target_discovered"`
	TargetIQN        string `json:"target_iqn"`
	TargetPortal     string `json:"target_portal"`
	VolumeID         string `json:"volume_id"`
}

// VolumeType is a volume type as reported by the backend.
type VolumeType struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	MinSize int    `json:"min_size"`
	MaxSize int    `json:"max_size"`
}

// Stats is the capability report for the orchestration layer's scheduler.
type Stats struct {
	DriverVersion      string `json:"driver_version"`
	FreeCapacityGB     string `json:"free_capacity_gb"`
	ReservedPercentage int    `json:"reserved_percentage"`
	StorageProtocol    string `json:"storage_protocol"`
	TotalCapacityGB    string `json:"total_capacity_gb"`
	VendorName         string `json:"vendor_name"`
	VolumeBackendName  string `json:"volume_backend_name"`
}
