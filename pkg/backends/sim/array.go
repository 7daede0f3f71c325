package sim

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/openfroyo/dsctl/pkg/engine"
)

var _ engine.StorageBackend = (*Environment)(nil)

// SeedVolume adds a volume directly, bypassing the call log.
func (e *Environment) SeedVolume(name string, sizeBytes int64) engine.VolumeSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.newVolumeLocked(name, roundMiB(sizeBytes), "default", "")
	return *v
}

// SeedSnapshot adds a snapshot of a volume with the given creation time.
func (e *Environment) SeedSnapshot(volume, name string, createdAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	e.snapshots = append(e.snapshots, engine.Snapshot{
		ID:         fmt.Sprintf("snap-%04d", e.seq),
		Name:       name,
		VolumeName: volume,
		CreatedAt:  createdAt,
	})
}

// Volume returns a copy of the named volume.
func (e *Environment) Volume(name string) (engine.VolumeSpec, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.volumes[name]
	if !ok {
		return engine.VolumeSpec{}, false
	}
	return *v, true
}

func (e *Environment) newVolumeLocked(name string, sizeBytes int64, policy, source string) *engine.VolumeSpec {
	serial := e.nextSerial()
	v := &engine.VolumeSpec{
		ID:                fmt.Sprintf("06%040d", e.seq),
		Name:              name,
		SizeBytes:         sizeBytes,
		PerformancePolicy: policy,
		SourceVolume:      source,
		DeviceID:          "eui." + serial,
		Online:            true,
	}
	e.volumes[name] = v
	return v
}

// GetVolume implements engine.StorageBackend.
func (e *Environment) GetVolume(ctx context.Context, name string) (*engine.VolumeSpec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("GetVolume", false, name); err != nil {
		return nil, err
	}
	v, ok := e.volumes[name]
	if !ok {
		return nil, nil
	}
	out := *v
	return &out, nil
}

// ListVolumes implements engine.StorageBackend.
func (e *Environment) ListVolumes(ctx context.Context) ([]engine.VolumeSpec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ListVolumes", false); err != nil {
		return nil, err
	}
	out := make([]engine.VolumeSpec, 0, len(e.volumes))
	for _, v := range e.volumes {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateVolume implements engine.StorageBackend.
func (e *Environment) CreateVolume(ctx context.Context, spec engine.VolumeSpec, dryRun bool) (*engine.VolumeSpec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("CreateVolume", dryRun, spec.Name, fmt.Sprint(spec.SizeBytes)); err != nil {
		return nil, err
	}
	if _, ok := e.volumes[spec.Name]; ok {
		return nil, engine.NewValidationError("volume already exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(spec.Name)
	}
	policy := spec.PerformancePolicy
	if policy == "" {
		policy = "default"
	}
	if !e.policies[policy] {
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown performance policy %q", policy), nil)
	}
	spec.SizeBytes = roundMiB(spec.SizeBytes)
	if dryRun {
		out := spec
		out.PerformancePolicy = policy
		out.Online = true
		return &out, nil
	}
	out := *e.newVolumeLocked(spec.Name, spec.SizeBytes, policy, "")
	return &out, nil
}

// CloneVolume implements engine.StorageBackend. The clone's device carries an
// unresolved copy of the source datastore's VMFS signature.
func (e *Environment) CloneVolume(ctx context.Context, source, name string, dryRun bool) (*engine.VolumeSpec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("CloneVolume", dryRun, source, name); err != nil {
		return nil, err
	}
	src, ok := e.volumes[source]
	if !ok {
		return nil, engine.NewValidationError("clone source not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(source)
	}
	if _, ok := e.volumes[name]; ok {
		return nil, engine.NewValidationError("volume already exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(name)
	}
	if dryRun {
		return &engine.VolumeSpec{
			Name:              name,
			SizeBytes:         src.SizeBytes,
			PerformancePolicy: src.PerformancePolicy,
			SourceVolume:      source,
			Online:            true,
		}, nil
	}

	e.seq++
	e.snapshots = append(e.snapshots, engine.Snapshot{
		ID:         fmt.Sprintf("snap-%04d", e.seq),
		Name:       "clone-" + name,
		VolumeName: source,
		CreatedAt:  e.now(),
	})
	v := e.newVolumeLocked(name, src.SizeBytes, src.PerformancePolicy, source)
	for _, ds := range e.datastores {
		for _, dev := range ds.view.BackingDevices {
			if dev == src.DeviceID {
				e.unresolved[v.DeviceID] = ds.view.UUID
			}
		}
	}
	out := *v
	return &out, nil
}

// GrowVolume implements engine.StorageBackend.
func (e *Environment) GrowVolume(ctx context.Context, name string, sizeBytes int64, dryRun bool) (*engine.VolumeSpec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("GrowVolume", dryRun, name, fmt.Sprint(sizeBytes)); err != nil {
		return nil, err
	}
	v, ok := e.volumes[name]
	if !ok {
		return nil, engine.NewValidationError("volume not found", nil).WithCode(engine.ErrCodeNotFound).WithResource(name)
	}
	sizeBytes = roundMiB(sizeBytes)
	if sizeBytes < v.SizeBytes {
		return nil, engine.NewValidationError("volumes cannot shrink", nil).WithCode(engine.ErrCodeSizeNotGrowing).WithResource(name)
	}
	out := *v
	out.SizeBytes = sizeBytes
	if !dryRun {
		v.SizeBytes = sizeBytes
	}
	return &out, nil
}

// DeleteVolume implements engine.StorageBackend.
func (e *Environment) DeleteVolume(ctx context.Context, name string, dryRun bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("DeleteVolume", dryRun, name); err != nil {
		return err
	}
	if _, ok := e.volumes[name]; !ok {
		return engine.NewValidationError("volume not found", nil).WithCode(engine.ErrCodeNotFound).WithResource(name)
	}
	// A dry run assumes the preceding revocations were previewed too.
	if dryRun {
		return nil
	}
	for _, rec := range e.records {
		if rec.VolumeName == name {
			return engine.NewValidationError("volume still has access records", nil).WithResource(name)
		}
	}
	delete(e.volumes, name)
	return nil
}

// ListInitiatorGroups implements engine.StorageBackend.
func (e *Environment) ListInitiatorGroups(ctx context.Context) ([]engine.InitiatorGroup, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ListInitiatorGroups", false); err != nil {
		return nil, err
	}
	out := make([]engine.InitiatorGroup, len(e.groups))
	copy(out, e.groups)
	return out, nil
}

// ListAccessRecords implements engine.StorageBackend.
func (e *Environment) ListAccessRecords(ctx context.Context, volume string) ([]engine.AccessRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ListAccessRecords", false, volume); err != nil {
		return nil, err
	}
	var out []engine.AccessRecord
	for _, rec := range e.records {
		if volume == "" || rec.VolumeName == volume {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GrantAccess implements engine.StorageBackend.
func (e *Environment) GrantAccess(ctx context.Context, volume, group string, dryRun bool) (*engine.AccessRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("GrantAccess", dryRun, volume, group); err != nil {
		return nil, err
	}
	found := false
	for _, g := range e.groups {
		if g.Name == group {
			found = true
		}
	}
	if !found {
		return nil, engine.NewConfigurationError("initiator group not found", nil).
			WithCode(engine.ErrCodeGroupNotFound).
			WithResource(group)
	}
	rec := engine.AccessRecord{VolumeName: volume, InitiatorGroup: group, Mode: engine.AccessModeBoth}
	if dryRun {
		return &rec, nil
	}
	if _, ok := e.volumes[volume]; !ok {
		return nil, engine.NewValidationError("volume not found", nil).WithCode(engine.ErrCodeNotFound).WithResource(volume)
	}
	e.seq++
	rec.ID = fmt.Sprintf("acr-%04d", e.seq)
	e.records[rec.ID] = rec
	return &rec, nil
}

// RevokeAccess implements engine.StorageBackend.
func (e *Environment) RevokeAccess(ctx context.Context, recordID string, dryRun bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("RevokeAccess", dryRun, recordID); err != nil {
		return err
	}
	if _, ok := e.records[recordID]; !ok {
		return engine.NewValidationError("access record not found", nil).WithCode(engine.ErrCodeNotFound).WithResource(recordID)
	}
	if !dryRun {
		delete(e.records, recordID)
	}
	return nil
}

// ListSnapshots implements engine.StorageBackend.
func (e *Environment) ListSnapshots(ctx context.Context) ([]engine.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ListSnapshots", false); err != nil {
		return nil, err
	}
	out := make([]engine.Snapshot, len(e.snapshots))
	copy(out, e.snapshots)
	return out, nil
}

// Ping reports a fixed session latency.
func (e *Environment) Ping(ctx context.Context) (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("Ping", false); err != nil {
		return 0, err
	}
	return time.Millisecond, nil
}
