package engine

import (
	"context"
)

// StorageBackend is the array side of the engine.
// Every mutating method takes dryRun and must not change state when it is true.
// Lookups of a missing object return nil and no error.
type StorageBackend interface {
	// GetVolume returns the named volume, or nil if the array has none.
	GetVolume(ctx context.Context, name string) (*VolumeSpec, error)

	// ListVolumes returns every volume on the array.
	ListVolumes(ctx context.Context) ([]VolumeSpec, error)

	// CreateVolume creates a volume with the given name, capacity and performance policy.
	CreateVolume(ctx context.Context, spec VolumeSpec, dryRun bool) (*VolumeSpec, error)

	// CloneVolume snapshots source and clones the snapshot into a new volume.
	CloneVolume(ctx context.Context, source, name string, dryRun bool) (*VolumeSpec, error)

	// GrowVolume sets the capacity of the named volume.
	GrowVolume(ctx context.Context, name string, sizeBytes int64, dryRun bool) (*VolumeSpec, error)

	// DeleteVolume takes the named volume offline and deletes it.
	DeleteVolume(ctx context.Context, name string, dryRun bool) error

	// ListInitiatorGroups returns every initiator group.
	ListInitiatorGroups(ctx context.Context) ([]InitiatorGroup, error)

	// ListAccessRecords returns the access records of a volume, or of every volume when volume is empty.
	ListAccessRecords(ctx context.Context, volume string) ([]AccessRecord, error)

	// GrantAccess exposes the volume to the initiator group.
	GrantAccess(ctx context.Context, volume, group string, dryRun bool) (*AccessRecord, error)

	// RevokeAccess removes an access record by ID.
	RevokeAccess(ctx context.Context, recordID string, dryRun bool) error

	// ListSnapshots returns every snapshot on the array.
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
}

// HypervisorBackend is the cluster side of the engine.
// Every mutating method takes dryRun and must not change state when it is true.
type HypervisorBackend interface {
	// ListClusters returns the cluster names of the inventory.
	ListClusters(ctx context.Context) ([]string, error)

	// ClusterHosts returns the hosts of the named cluster.
	ClusterHosts(ctx context.Context, cluster string) ([]Host, error)

	// RescanHost rescans storage adapters and VMFS volumes on a host.
	RescanHost(ctx context.Context, host string, dryRun bool) error

	// ListLuns returns the disk devices a host currently sees.
	ListLuns(ctx context.Context, host string) ([]LunView, error)

	// GetDatastore returns the named datastore, or nil if none exists.
	GetDatastore(ctx context.Context, name string) (*DatastoreView, error)

	// ListDatastores returns the datastores mounted in the named cluster.
	ListDatastores(ctx context.Context, cluster string) ([]DatastoreView, error)

	// FormatVMFS creates a VMFS datastore on the device from the given host.
	FormatVMFS(ctx context.Context, host, deviceID, name string, dryRun bool) (*DatastoreView, error)

	// ResignatureVMFS assigns a new signature to an unresolved VMFS copy on the device
	// and names the resulting datastore.
	ResignatureVMFS(ctx context.Context, host, deviceID, name string, force, dryRun bool) (*DatastoreView, error)

	// GrowVMFS expands the datastore's extent to fill its device.
	GrowVMFS(ctx context.Context, host, datastore string, dryRun bool) (*DatastoreView, error)

	// UnmountVMFS unmounts the datastore from a host.
	UnmountVMFS(ctx context.Context, host, datastore string, dryRun bool) error

	// AddToDatastoreCluster moves the datastore into a Storage DRS pod.
	AddToDatastoreCluster(ctx context.Context, datastore, pod string, dryRun bool) error
}

// Recorder receives every transition and the final result of an execution.
// Implementations must not fail the execution; errors are logged and dropped.
type Recorder interface {
	RecordTransition(ctx context.Context, t Transition) error
	RecordResult(ctx context.Context, r *Result) error
}

// Admission decides whether a request may run before any backend call.
type Admission interface {
	// Admit returns a validation error when the request violates policy.
	// Warnings are returned for non-blocking violations.
	Admit(ctx context.Context, req Request) (warnings []string, err error)
}
