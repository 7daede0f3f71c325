package sim

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/openfroyo/dsctl/pkg/engine"
)

var _ engine.HypervisorBackend = (*Environment)(nil)

// Datastore returns a copy of the named datastore.
func (e *Environment) Datastore(name string) (engine.DatastoreView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, ok := e.datastores[name]
	if !ok {
		return engine.DatastoreView{}, false
	}
	return copyView(ds.view), true
}

// RegisterVM registers a virtual machine on a datastore.
func (e *Environment) RegisterVM(datastore, vm string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ds, ok := e.datastores[datastore]; ok {
		ds.view.VirtualMachines = append(ds.view.VirtualMachines, vm)
	}
}

// SetFreeBytes overrides a datastore's free space.
func (e *Environment) SetFreeBytes(datastore string, free int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ds, ok := e.datastores[datastore]; ok {
		ds.view.FreeBytes = free
	}
}

// SetPathPolicy overrides the multipath policy a host reports for a device.
func (e *Environment) SetPathPolicy(hostName, device, policy string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.hosts[hostName]; ok {
		h.policy[device] = policy
	}
}

// DatastoreCluster returns the members of a Storage DRS pod.
func (e *Environment) DatastoreCluster(pod string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.pods[pod]...)
}

// AddDatastoreCluster creates an empty Storage DRS pod.
func (e *Environment) AddDatastoreCluster(pod string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pods[pod]; !ok {
		e.pods[pod] = []string{}
	}
}

func copyView(v engine.DatastoreView) engine.DatastoreView {
	out := v
	out.Mounts = make(map[string]bool, len(v.Mounts))
	for k, m := range v.Mounts {
		out.Mounts[k] = m
	}
	out.VirtualMachines = append([]string(nil), v.VirtualMachines...)
	out.BackingDevices = append([]string(nil), v.BackingDevices...)
	return out
}

func (e *Environment) hostLocked(name string) (*host, error) {
	h, ok := e.hosts[name]
	if !ok {
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown host %q", name), nil).WithResource(name)
	}
	return h, nil
}

// ListClusters implements engine.HypervisorBackend.
func (e *Environment) ListClusters(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ListClusters", false); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(e.clusters))
	for name := range e.clusters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// ClusterHosts implements engine.HypervisorBackend.
func (e *Environment) ClusterHosts(ctx context.Context, cluster string) ([]engine.Host, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ClusterHosts", false, cluster); err != nil {
		return nil, err
	}
	names, ok := e.clusters[cluster]
	if !ok {
		return nil, engine.NewConfigurationError(fmt.Sprintf("cluster %q not found", cluster), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(cluster)
	}
	out := make([]engine.Host, 0, len(names))
	for _, n := range names {
		out = append(out, engine.Host{Name: n, Cluster: cluster})
	}
	return out, nil
}

// RescanHost implements engine.HypervisorBackend. It refreshes the devices the host
// sees, mounts VMFS volumes found on them and drops datastores whose device is gone.
func (e *Environment) RescanHost(ctx context.Context, hostName string, dryRun bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("RescanHost", dryRun, hostName); err != nil {
		return err
	}
	h, err := e.hostLocked(hostName)
	if err != nil {
		return err
	}
	if dryRun {
		return nil
	}

	granted := e.devicesForGroupLocked(h.group)
	for dev := range h.visible {
		if _, ok := granted[dev]; !ok {
			delete(h.visible, dev)
		}
	}
	for dev := range h.pending {
		if _, ok := granted[dev]; !ok {
			delete(h.pending, dev)
		}
	}
	for dev, size := range granted {
		if _, ok := h.visible[dev]; ok || e.lag == 0 {
			h.visible[dev] = size
			continue
		}
		if _, ok := h.pending[dev]; !ok {
			h.pending[dev] = e.lag
		}
	}

	e.refreshMountsLocked()
	return nil
}

// refreshMountsLocked mounts datastores on every host that sees their device and
// has not explicitly unmounted them, and removes datastores no host can see.
func (e *Environment) refreshMountsLocked() {
	for name, ds := range e.datastores {
		seen := false
		for _, h := range e.hosts {
			sees := false
			for _, dev := range ds.view.BackingDevices {
				if _, ok := h.visible[dev]; ok {
					sees = true
				}
			}
			if sees {
				seen = true
			}
			if sees && !ds.unmounted[h.name] {
				ds.view.Mounts[h.name] = true
			} else if !sees {
				delete(ds.view.Mounts, h.name)
			}
		}
		if !seen {
			delete(e.datastores, name)
		}
	}
}

// ListLuns implements engine.HypervisorBackend.
func (e *Environment) ListLuns(ctx context.Context, hostName string) ([]engine.LunView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ListLuns", false, hostName); err != nil {
		return nil, err
	}
	h, err := e.hostLocked(hostName)
	if err != nil {
		return nil, err
	}

	for dev, left := range h.pending {
		if left <= 1 {
			delete(h.pending, dev)
			for _, v := range e.volumes {
				if v.DeviceID == dev {
					h.visible[dev] = v.SizeBytes
				}
			}
			continue
		}
		h.pending[dev] = left - 1
	}
	e.refreshMountsLocked()

	out := make([]engine.LunView, 0, len(h.visible))
	for dev, size := range h.visible {
		policy := h.policy[dev]
		if policy == "" {
			policy = engine.DefaultExpectedPathPolicy
		}
		out = append(out, engine.LunView{
			Host:          hostName,
			DeviceID:      dev,
			Vendor:        Vendor,
			CapacityBytes: size,
			PathPolicy:    policy,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// GetDatastore implements engine.HypervisorBackend.
func (e *Environment) GetDatastore(ctx context.Context, name string) (*engine.DatastoreView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("GetDatastore", false, name); err != nil {
		return nil, err
	}
	ds, ok := e.datastores[name]
	if !ok {
		return nil, nil
	}
	v := copyView(ds.view)
	return &v, nil
}

// ListDatastores implements engine.HypervisorBackend.
func (e *Environment) ListDatastores(ctx context.Context, cluster string) ([]engine.DatastoreView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ListDatastores", false, cluster); err != nil {
		return nil, err
	}
	members := map[string]bool{}
	for _, h := range e.clusters[cluster] {
		members[h] = true
	}
	var out []engine.DatastoreView
	for _, ds := range e.datastores {
		for h, mounted := range ds.view.Mounts {
			if mounted && members[h] {
				out = append(out, copyView(ds.view))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// unseenDevice mirrors the error vCenter returns for a device the host has not discovered.
func unseenDevice(host, device string) error {
	return engine.NewValidationError(fmt.Sprintf("host %s does not see device %s", host, device), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(device)
}

// vmfsSizeLocked is the filesystem capacity a format or grow produces on a device.
func (e *Environment) vmfsSizeLocked(deviceBytes int64) int64 {
	n := vmfsCapacity(deviceBytes) - e.shortfall
	if n < 0 {
		return 0
	}
	return n
}

// FormatVMFS implements engine.HypervisorBackend.
func (e *Environment) FormatVMFS(ctx context.Context, hostName, deviceID, name string, dryRun bool) (*engine.DatastoreView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("FormatVMFS", dryRun, hostName, deviceID, name); err != nil {
		return nil, err
	}
	h, err := e.hostLocked(hostName)
	if err != nil {
		return nil, err
	}
	if _, ok := e.datastores[name]; ok {
		return nil, engine.NewValidationError("datastore name already in use", nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(name)
	}
	size, ok := h.visible[deviceID]
	if !ok {
		return nil, unseenDevice(hostName, deviceID)
	}
	if dryRun {
		return &engine.DatastoreView{Name: name, CapacityBytes: vmfsCapacity(size), BackingDevices: []string{deviceID}}, nil
	}

	ds := &datastore{
		view: engine.DatastoreView{
			Name:           name,
			UUID:           uuid.NewString(),
			CapacityBytes:  e.vmfsSizeLocked(size),
			FreeBytes:      e.vmfsSizeLocked(size),
			Mounts:         map[string]bool{hostName: true},
			BackingDevices: []string{deviceID},
		},
		unmounted: map[string]bool{},
	}
	e.datastores[name] = ds
	v := copyView(ds.view)
	return &v, nil
}

// ResignatureVMFS implements engine.HypervisorBackend.
func (e *Environment) ResignatureVMFS(ctx context.Context, hostName, deviceID, name string, force, dryRun bool) (*engine.DatastoreView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ResignatureVMFS", dryRun, hostName, deviceID, name, fmt.Sprint(force)); err != nil {
		return nil, err
	}
	h, err := e.hostLocked(hostName)
	if err != nil {
		return nil, err
	}
	if e.ResignatureNeedsForce && !force {
		return nil, fmt.Errorf("device %s carries a duplicate VMFS signature; resignature requires force", deviceID)
	}
	if _, ok := e.datastores[name]; ok {
		return nil, engine.NewValidationError("datastore name already in use", nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(name)
	}
	size, ok := h.visible[deviceID]
	if !ok {
		return nil, unseenDevice(hostName, deviceID)
	}
	if _, ok := e.unresolved[deviceID]; !ok {
		return nil, engine.NewValidationError(fmt.Sprintf("host %s sees no unresolved VMFS copy on %s", hostName, deviceID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(deviceID)
	}
	if dryRun {
		return &engine.DatastoreView{Name: name, CapacityBytes: vmfsCapacity(size), BackingDevices: []string{deviceID}}, nil
	}
	delete(e.unresolved, deviceID)

	ds := &datastore{
		view: engine.DatastoreView{
			Name:           name,
			UUID:           uuid.NewString(),
			CapacityBytes:  e.vmfsSizeLocked(size),
			FreeBytes:      e.vmfsSizeLocked(size) / 2,
			Mounts:         map[string]bool{hostName: true},
			BackingDevices: []string{deviceID},
		},
		unmounted: map[string]bool{},
	}
	e.datastores[name] = ds
	v := copyView(ds.view)
	return &v, nil
}

// GrowVMFS implements engine.HypervisorBackend.
func (e *Environment) GrowVMFS(ctx context.Context, hostName, name string, dryRun bool) (*engine.DatastoreView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("GrowVMFS", dryRun, hostName, name); err != nil {
		return nil, err
	}
	h, err := e.hostLocked(hostName)
	if err != nil {
		return nil, err
	}
	ds, ok := e.datastores[name]
	if !ok {
		return nil, engine.NewValidationError("datastore not found", nil).WithCode(engine.ErrCodeNotFound).WithResource(name)
	}
	if dryRun {
		v := copyView(ds.view)
		return &v, nil
	}
	size, ok := h.visible[ds.view.BackingDevices[0]]
	if !ok {
		return nil, fmt.Errorf("host %s does not see the datastore's device", hostName)
	}
	grown := e.vmfsSizeLocked(size)
	if grown > ds.view.CapacityBytes {
		ds.view.FreeBytes += grown - ds.view.CapacityBytes
		ds.view.CapacityBytes = grown
	}
	v := copyView(ds.view)
	return &v, nil
}

// UnmountVMFS implements engine.HypervisorBackend.
func (e *Environment) UnmountVMFS(ctx context.Context, hostName, name string, dryRun bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("UnmountVMFS", dryRun, hostName, name); err != nil {
		return err
	}
	if _, err := e.hostLocked(hostName); err != nil {
		return err
	}
	ds, ok := e.datastores[name]
	if !ok {
		return engine.NewValidationError("datastore not found", nil).WithCode(engine.ErrCodeNotFound).WithResource(name)
	}
	if dryRun || e.IgnoreUnmount {
		return nil
	}
	ds.view.Mounts[hostName] = false
	ds.unmounted[hostName] = true
	return nil
}

// AddToDatastoreCluster implements engine.HypervisorBackend.
func (e *Environment) AddToDatastoreCluster(ctx context.Context, name, pod string, dryRun bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("AddToDatastoreCluster", dryRun, name, pod); err != nil {
		return err
	}
	members, ok := e.pods[pod]
	if !ok {
		return fmt.Errorf("datastore cluster %q not found", pod)
	}
	if dryRun {
		return nil
	}
	for _, m := range members {
		if m == name {
			return nil
		}
	}
	e.pods[pod] = append(members, name)
	return nil
}
