package vsphere

import (
	"context"
	"fmt"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/openfroyo/dsctl/pkg/engine"
)

func (c *Client) storageInfo(ctx context.Context, h *mo.HostSystem) (*types.HostStorageDeviceInfo, error) {
	var hss mo.HostStorageSystem
	err := property.DefaultCollector(c.vim).RetrieveOne(ctx, *h.ConfigManager.StorageSystem, []string{"storageDeviceInfo"}, &hss)
	if err != nil {
		return nil, connectivity("RetrieveOne storageDeviceInfo", err).WithResource(h.Name)
	}
	return hss.StorageDeviceInfo, nil
}

func (c *Client) datastoreRef(ctx context.Context, name string) (*types.ManagedObjectReference, error) {
	ref, err := c.find(ctx, "Datastore", name)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, engine.NewValidationError(fmt.Sprintf("datastore %q not found", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}
	return ref, nil
}

func (c *Client) view(ctx context.Context, ref types.ManagedObjectReference) (*engine.DatastoreView, error) {
	views, err := c.datastoreViews(ctx, []types.ManagedObjectReference{ref})
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return nil, engine.NewTransientError("datastore vanished after the operation", nil).WithResource(ref.Value)
	}
	return &views[0], nil
}

// RescanHost implements engine.HypervisorBackend.
func (c *Client) RescanHost(ctx context.Context, host string, dryRun bool) error {
	h, err := c.host(ctx, host)
	if err != nil {
		return err
	}
	if dryRun {
		return nil
	}
	ss := *h.ConfigManager.StorageSystem
	if _, err := methods.RescanAllHba(ctx, c.vim, &types.RescanAllHba{This: ss}); err != nil {
		return connectivity("RescanAllHba", err).WithResource(host)
	}
	if _, err := methods.RescanVmfs(ctx, c.vim, &types.RescanVmfs{This: ss}); err != nil {
		return connectivity("RescanVmfs", err).WithResource(host)
	}
	c.logger.Debug().Str("host", host).Msg("Storage rescanned")
	return nil
}

// ListLuns implements engine.HypervisorBackend.
func (c *Client) ListLuns(ctx context.Context, host string) ([]engine.LunView, error) {
	h, err := c.host(ctx, host)
	if err != nil {
		return nil, err
	}
	info, err := c.storageInfo(ctx, h)
	if err != nil {
		return nil, err
	}
	return lunViews(host, info), nil
}

// FormatVMFS implements engine.HypervisorBackend using the host's default create options.
func (c *Client) FormatVMFS(ctx context.Context, host, deviceID, name string, dryRun bool) (*engine.DatastoreView, error) {
	h, err := c.host(ctx, host)
	if err != nil {
		return nil, err
	}
	info, err := c.storageInfo(ctx, h)
	if err != nil {
		return nil, err
	}
	disk := findDisk(info, deviceID)
	if disk == nil {
		return nil, engine.NewValidationError(fmt.Sprintf("host %s does not see device %s", host, deviceID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(deviceID)
	}
	if dryRun {
		return &engine.DatastoreView{
			Name:           name,
			CapacityBytes:  disk.Capacity.Block * int64(disk.Capacity.BlockSize),
			BackingDevices: []string{deviceID},
		}, nil
	}

	dss := *h.ConfigManager.DatastoreSystem
	opts, err := methods.QueryVmfsDatastoreCreateOptions(ctx, c.vim, &types.QueryVmfsDatastoreCreateOptions{
		This:       dss,
		DevicePath: disk.DevicePath,
	})
	if err != nil {
		return nil, connectivity("QueryVmfsDatastoreCreateOptions", err)
	}
	if len(opts.Returnval) == 0 {
		return nil, engine.NewValidationError(fmt.Sprintf("device %s offers no VMFS create options; it may be in use", deviceID), nil).
			WithResource(deviceID)
	}
	spec, ok := opts.Returnval[0].Spec.(*types.VmfsDatastoreCreateSpec)
	if !ok {
		return nil, engine.NewValidationError(fmt.Sprintf("unexpected create spec %T", opts.Returnval[0].Spec), nil).
			WithResource(deviceID)
	}
	spec.Vmfs.VolumeName = name

	res, err := methods.CreateVmfsDatastore(ctx, c.vim, &types.CreateVmfsDatastore{This: dss, Spec: *spec})
	if err != nil {
		return nil, connectivity("CreateVmfsDatastore", err).WithResource(name)
	}
	c.logger.Debug().Str("host", host).Str("device", deviceID).Str("datastore", name).Msg("VMFS created")
	return c.view(ctx, res.Returnval)
}

// ResignatureVMFS implements engine.HypervisorBackend.
func (c *Client) ResignatureVMFS(ctx context.Context, host, deviceID, name string, force, dryRun bool) (*engine.DatastoreView, error) {
	h, err := c.host(ctx, host)
	if err != nil {
		return nil, err
	}
	unresolved, err := methods.QueryUnresolvedVmfsVolumes(ctx, c.vim, &types.QueryUnresolvedVmfsVolumes{
		This: *h.ConfigManager.StorageSystem,
	})
	if err != nil {
		return nil, connectivity("QueryUnresolvedVmfsVolumes", err)
	}
	vol := findUnresolved(unresolved.Returnval, deviceID)
	if vol == nil {
		return nil, engine.NewValidationError(fmt.Sprintf("host %s sees no unresolved VMFS copy on %s", host, deviceID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(deviceID)
	}
	if reason := resignatureBlocker(vol, force); reason != "" {
		return nil, engine.NewValidationError(reason, nil).
			WithResource(deviceID).
			WithDetail("vmfs_label", vol.VmfsLabel)
	}
	if dryRun {
		return &engine.DatastoreView{Name: name, BackingDevices: []string{deviceID}}, nil
	}

	task, err := methods.ResignatureUnresolvedVmfsVolume_Task(ctx, c.vim, &types.ResignatureUnresolvedVmfsVolume_Task{
		This:           *h.ConfigManager.DatastoreSystem,
		ResolutionSpec: types.HostUnresolvedVmfsResignatureSpec{ExtentDevicePath: extentPaths(vol)},
	})
	if err != nil {
		return nil, connectivity("ResignatureUnresolvedVmfsVolume", err)
	}
	info, err := object.NewTask(c.vim, task.Returnval).WaitForResult(ctx, nil)
	if err != nil {
		return nil, engine.NewTransientError("resignature task failed", err).WithResource(deviceID)
	}

	var ref types.ManagedObjectReference
	switch r := info.Result.(type) {
	case types.HostResignatureRescanResult:
		ref = r.Result
	case *types.HostResignatureRescanResult:
		ref = r.Result
	default:
		return nil, engine.NewTransientError(fmt.Sprintf("unexpected resignature result %T", info.Result), nil).
			WithResource(deviceID)
	}

	rename, err := object.NewDatastore(c.vim, ref).Rename(ctx, name)
	if err != nil {
		return nil, connectivity("Rename_Task", err)
	}
	if err := rename.Wait(ctx); err != nil {
		return nil, engine.NewTransientError("renaming the resignatured datastore failed", err).WithResource(name)
	}
	c.logger.Debug().Str("host", host).Str("device", deviceID).Str("datastore", name).Msg("VMFS resignatured")
	return c.view(ctx, ref)
}

// GrowVMFS implements engine.HypervisorBackend. A datastore that already fills
// its device is returned unchanged.
func (c *Client) GrowVMFS(ctx context.Context, host, datastore string, dryRun bool) (*engine.DatastoreView, error) {
	h, err := c.host(ctx, host)
	if err != nil {
		return nil, err
	}
	ref, err := c.datastoreRef(ctx, datastore)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return c.view(ctx, *ref)
	}

	dss := *h.ConfigManager.DatastoreSystem
	opts, err := methods.QueryVmfsDatastoreExpandOptions(ctx, c.vim, &types.QueryVmfsDatastoreExpandOptions{
		This:      dss,
		Datastore: *ref,
	})
	if err != nil {
		return nil, connectivity("QueryVmfsDatastoreExpandOptions", err)
	}
	if len(opts.Returnval) == 0 {
		c.logger.Debug().Str("datastore", datastore).Msg("No expand options; extent already fills the device")
		return c.view(ctx, *ref)
	}
	spec, ok := opts.Returnval[0].Spec.(*types.VmfsDatastoreExpandSpec)
	if !ok {
		return nil, engine.NewValidationError(fmt.Sprintf("unexpected expand spec %T", opts.Returnval[0].Spec), nil).
			WithResource(datastore)
	}
	if _, err := methods.ExpandVmfsDatastore(ctx, c.vim, &types.ExpandVmfsDatastore{
		This:      dss,
		Datastore: *ref,
		Spec:      *spec,
	}); err != nil {
		return nil, connectivity("ExpandVmfsDatastore", err).WithResource(datastore)
	}
	return c.view(ctx, *ref)
}

// UnmountVMFS implements engine.HypervisorBackend.
func (c *Client) UnmountVMFS(ctx context.Context, host, datastore string, dryRun bool) error {
	h, err := c.host(ctx, host)
	if err != nil {
		return err
	}
	ref, err := c.datastoreRef(ctx, datastore)
	if err != nil {
		return err
	}
	view, err := c.view(ctx, *ref)
	if err != nil {
		return err
	}
	if view.UUID == "" {
		return engine.NewValidationError(fmt.Sprintf("datastore %q is not VMFS", datastore), nil).WithResource(datastore)
	}
	if dryRun {
		return nil
	}
	if _, err := methods.UnmountVmfsVolume(ctx, c.vim, &types.UnmountVmfsVolume{
		This:     *h.ConfigManager.StorageSystem,
		VmfsUuid: view.UUID,
	}); err != nil {
		return connectivity("UnmountVmfsVolume", err).WithResource(host)
	}
	c.logger.Debug().Str("host", host).Str("datastore", datastore).Msg("VMFS unmounted")
	return nil
}

// AddToDatastoreCluster implements engine.HypervisorBackend.
func (c *Client) AddToDatastoreCluster(ctx context.Context, datastore, pod string, dryRun bool) error {
	podRef, err := c.find(ctx, "StoragePod", pod)
	if err != nil {
		return err
	}
	if podRef == nil {
		return engine.NewConfigurationError(fmt.Sprintf("datastore cluster %q not found", pod), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(pod)
	}
	ref, err := c.datastoreRef(ctx, datastore)
	if err != nil {
		return err
	}
	if dryRun {
		return nil
	}
	task, err := object.NewStoragePod(c.vim, *podRef).MoveInto(ctx, []types.ManagedObjectReference{*ref})
	if err != nil {
		return connectivity("MoveIntoFolder_Task", err)
	}
	if err := task.Wait(ctx); err != nil {
		return engine.NewTransientError("moving datastore into datastore cluster failed", err).WithResource(datastore)
	}
	return nil
}
