// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package volumecmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/spf13/cobra"

	"github.com/sapcc/lunrgate/internal/client"
	"github.com/sapcc/lunrgate/internal/driver"
	"github.com/sapcc/lunrgate/internal/lunr"
)

var (
	projectID      string
	volumeSize     int
	volumeTypeName string
	sourceVolumeID string
	snapshotID     string
	imageID        string
	metadataStrs   []string
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "volume",
		Short: "Operator commands for managing volumes in the Lunr backend.",
		Long:  "Operator commands for managing volumes in the Lunr backend. The backend is located through the LUNRGATE_BACKEND_URL environment variable, and LUNRGATE_POLL_TIMEOUT limits how long commands wait for status changes.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help() //nolint:errcheck
		},
	}
	cmd.PersistentFlags().StringVar(&projectID, "project", "", "ID of the project that owns the volumes (required).")

	createCmd := &cobra.Command{
		Use:     "create [<volume-id>]",
		Example: "  lunrgate volume create --project p1 --size 10 --type ssd",
		Short:   "Creates a volume and waits until it is usable.",
		Long:    "Creates a volume and waits until it is usable. If no volume ID is given, a random one is generated. At most one of --source, --snapshot and --image may be given.",
		Args:    cobra.MaximumNArgs(1),
		Run:     runCreate,
	}
	createCmd.Flags().IntVar(&volumeSize, "size", 1, "Size of the volume in GiB.")
	createCmd.Flags().StringVar(&volumeTypeName, "type", "", "Name of the volume type (required).")
	createCmd.Flags().StringVar(&sourceVolumeID, "source", "", "Create the volume as a clone of this volume.")
	createCmd.Flags().StringVar(&snapshotID, "snapshot", "", "Create the volume from this snapshot.")
	createCmd.Flags().StringVar(&imageID, "image", "", "Create the volume with the contents of this image.")
	createCmd.Flags().StringArrayVar(&metadataStrs, "metadata", nil, "Metadata for the volume as key=value (can be given multiple times), e.g. different_node=vol2.")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <volume-id>",
		Short: "Shows a volume as reported by the backend.",
		Args:  cobra.ExactArgs(1),
		Run:   runShow,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <volume-id>",
		Short: "Deletes a volume. Deleting a nonexistent volume is not an error.",
		Args:  cobra.ExactArgs(1),
		Run:   runDelete,
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "wait <volume-id> <status>...",
		Example: "  lunrgate volume wait --project p1 vol1 ACTIVE",
		Short:   "Waits until a volume enters one of the given statuses.",
		Long:    "Waits until a volume enters one of the given statuses. Fails when the volume enters a different non-transient status.",
		Args:    cobra.MinimumNArgs(2),
		Run:     runWait,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "types",
		Short: "Lists the active volume types.",
		Args:  cobra.NoArgs,
		Run:   runTypes,
	})

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Commands for managing snapshots.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help() //nolint:errcheck
		},
	}
	snapshotCmd.AddCommand(&cobra.Command{
		Use:   "create <volume-id> [<snapshot-id>]",
		Short: "Creates a snapshot of a volume and waits until it is available.",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runSnapshotCreate,
	})
	snapshotCmd.AddCommand(&cobra.Command{
		Use:   "delete <snapshot-id>",
		Short: "Deletes a snapshot and waits until the deletion went through.",
		Args:  cobra.ExactArgs(1),
		Run:   runSnapshotDelete,
	})
	cmd.AddCommand(snapshotCmd)

	parent.AddCommand(cmd)
}

var (
	errMissingProject    = errors.New("missing required flag: --project")
	errMultipleSources   = errors.New("at most one of --source, --snapshot and --image may be given")
	errImageCopyDisabled = errors.New("copying images is disabled (set LUNRGATE_COPY_IMAGE_ENABLED=true to enable it)")
)

func setup(cmd *cobra.Command) (context.Context, *driver.Driver, lunr.Configuration) {
	lunr.SetTaskName("volume")
	if projectID == "" {
		logg.Fatal(errMissingProject.Error())
	}
	cfg := lunr.ParseConfiguration()
	ctx := lunr.WithNewRequestID(cmd.Context())
	return ctx, driver.New(cfg), cfg
}

func printJSON(data any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	must.Succeed(enc.Encode(data))
}

// ParseMetadata parses "key=value" pairs in the order given.
func ParseMetadata(in []string) ([]driver.MetadataItem, error) {
	result := make([]driver.MetadataItem, 0, len(in))
	for _, str := range in {
		key, value, ok := strings.Cut(str, "=")
		if !ok || key == "" {
			return nil, malformedMetadataError(str)
		}
		result = append(result, driver.MetadataItem{Key: key, Value: value})
	}
	return result, nil
}

type malformedMetadataError string

func (e malformedMetadataError) Error() string {
	return `expected metadata in the form "key=value", but got ` + string(e)
}

// createRequest holds the arguments of `lunrgate volume create`.
type createRequest struct {
	ProjectID      string
	VolumeID       string
	Size           int
	VolumeTypeName string
	SourceVolumeID string
	SnapshotID     string
	ImageID        string
	Metadata       []string
}

func (r createRequest) Execute(ctx context.Context, d *driver.Driver) (driver.ModelUpdate, error) {
	if r.ProjectID == "" {
		return driver.ModelUpdate{}, errMissingProject
	}
	sources := 0
	for _, s := range []string{r.SourceVolumeID, r.SnapshotID, r.ImageID} {
		if s != "" {
			sources++
		}
	}
	if sources > 1 {
		return driver.ModelUpdate{}, errMultipleSources
	}
	metadata, err := ParseMetadata(r.Metadata)
	if err != nil {
		return driver.ModelUpdate{}, err
	}

	vol := driver.Volume{
		ID:             r.VolumeID,
		AuthTenantID:   r.ProjectID,
		Size:           r.Size,
		VolumeTypeName: r.VolumeTypeName,
		Metadata:       metadata,
	}
	if vol.ID == "" {
		vol.ID = must.Return(uuid.NewV4()).String()
	}

	if r.VolumeTypeName != "" {
		err = d.ValidateVolumeType(ctx, r.VolumeTypeName, r.Size)
		if err != nil {
			return driver.ModelUpdate{}, err
		}
	}

	var update driver.ModelUpdate
	switch {
	case r.SourceVolumeID != "":
		source := driver.Volume{ID: r.SourceVolumeID, AuthTenantID: r.ProjectID}
		update, err = d.CreateClonedVolume(ctx, vol, source)
	case r.SnapshotID != "":
		snapshot := driver.Snapshot{ID: r.SnapshotID, AuthTenantID: r.ProjectID}
		update, err = d.CreateVolumeFromSnapshot(ctx, vol, snapshot)
	case r.ImageID != "":
		var ok bool
		update, ok, err = d.CloneImage(ctx, vol, r.ImageID)
		if err == nil && !ok {
			return driver.ModelUpdate{}, errImageCopyDisabled
		}
	default:
		update, err = d.CreateVolume(ctx, vol)
	}
	if err != nil {
		return driver.ModelUpdate{}, fmt.Errorf("cannot create volume %s: %w", vol.ID, err)
	}
	return update, nil
}

func runCreate(cmd *cobra.Command, args []string) {
	ctx, d, _ := setup(cmd)
	req := createRequest{
		ProjectID:      projectID,
		Size:           volumeSize,
		VolumeTypeName: volumeTypeName,
		SourceVolumeID: sourceVolumeID,
		SnapshotID:     snapshotID,
		ImageID:        imageID,
		Metadata:       metadataStrs,
	}
	if len(args) > 0 {
		req.VolumeID = args[0]
	}
	update, err := req.Execute(ctx, d)
	if err != nil {
		logg.Fatal(err.Error())
	}
	printJSON(update)
}

func runShow(cmd *cobra.Command, args []string) {
	ctx, _, cfg := setup(cmd)
	resp, err := client.New(cfg.BackendURL, lunr.Project(projectID)).Volumes.Get(ctx, args[0])
	if err != nil {
		logg.Fatal(err.Error())
	}
	printJSON(resp.Body)
}

func runDelete(cmd *cobra.Command, args []string) {
	ctx, d, _ := setup(cmd)
	err := d.DeleteVolume(ctx, driver.Volume{ID: args[0], AuthTenantID: projectID})
	if err != nil {
		logg.Fatal(err.Error())
	}
	logg.Info("deleted volume %s", args[0])
}

func runWait(cmd *cobra.Command, args []string) {
	ctx, _, cfg := setup(cmd)
	resp, err := waitForVolume(ctx, cfg, lunr.Project(projectID), args[0], args[1:])
	if err != nil {
		logg.Fatal(err.Error())
	}
	printJSON(resp.Body)
}

func waitForVolume(ctx context.Context, cfg lunr.Configuration, scope lunr.ProjectScope, volumeID string, statuses []string, opts ...client.Option) (*client.Response, error) {
	if cfg.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.PollTimeout)
		defer cancel()
	}
	return client.New(cfg.BackendURL, scope, opts...).Volumes.WaitOnStatus(ctx, volumeID, statuses...)
}

func runTypes(cmd *cobra.Command, args []string) {
	ctx, d, _ := setup(cmd)
	vtypes, err := d.ListActiveVolumeTypes(ctx)
	if err != nil {
		logg.Fatal(err.Error())
	}
	printJSON(vtypes)
}

func runSnapshotCreate(cmd *cobra.Command, args []string) {
	ctx, d, _ := setup(cmd)
	snapshot := driver.Snapshot{VolumeID: args[0], AuthTenantID: projectID}
	if len(args) > 1 {
		snapshot.ID = args[1]
	} else {
		snapshot.ID = must.Return(uuid.NewV4()).String()
	}
	err := d.CreateSnapshot(ctx, snapshot)
	if err != nil {
		logg.Fatal("cannot create snapshot of volume %s: %s", args[0], err.Error())
	}
	printJSON(map[string]string{"id": snapshot.ID, "volume_id": snapshot.VolumeID})
}

func runSnapshotDelete(cmd *cobra.Command, args []string) {
	ctx, d, _ := setup(cmd)
	err := d.DeleteSnapshot(ctx, driver.Snapshot{ID: args[0], AuthTenantID: projectID})
	if err != nil {
		logg.Fatal(err.Error())
	}
	logg.Info("deleted snapshot %s", args[0])
}
