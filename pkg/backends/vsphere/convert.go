package vsphere

import (
	"sort"
	"strings"

	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/openfroyo/dsctl/pkg/engine"
)

// lunViews converts a host's storage device info to LUN observations.
// Only SCSI disks are reported.
func lunViews(host string, info *types.HostStorageDeviceInfo) []engine.LunView {
	if info == nil {
		return nil
	}
	policies := map[string]string{}
	if info.MultipathInfo != nil {
		for _, lu := range info.MultipathInfo.Lun {
			if lu.Policy != nil {
				policies[lu.Lun] = lu.Policy.GetHostMultipathInfoLogicalUnitPolicy().Policy
			}
		}
	}

	var out []engine.LunView
	for _, base := range info.ScsiLun {
		disk, ok := base.(*types.HostScsiDisk)
		if !ok {
			continue
		}
		out = append(out, engine.LunView{
			Host:          host,
			DeviceID:      disk.CanonicalName,
			Vendor:        strings.TrimSpace(disk.Vendor),
			CapacityBytes: disk.Capacity.Block * int64(disk.Capacity.BlockSize),
			PathPolicy:    policies[disk.Key],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func findDisk(info *types.HostStorageDeviceInfo, deviceID string) *types.HostScsiDisk {
	if info == nil {
		return nil
	}
	for _, base := range info.ScsiLun {
		if disk, ok := base.(*types.HostScsiDisk); ok && disk.CanonicalName == deviceID {
			return disk
		}
	}
	return nil
}

// datastoreView converts a datastore. names resolves host and VM references.
func datastoreView(ds mo.Datastore, names map[string]string) engine.DatastoreView {
	view := engine.DatastoreView{
		Name:          ds.Name,
		CapacityBytes: ds.Summary.Capacity,
		FreeBytes:     ds.Summary.FreeSpace,
		Mounts:        map[string]bool{},
	}
	if info, ok := ds.Info.(*types.VmfsDatastoreInfo); ok && info.Vmfs != nil {
		view.UUID = info.Vmfs.Uuid
		for _, ext := range info.Vmfs.Extent {
			view.BackingDevices = append(view.BackingDevices, ext.DiskName)
		}
	}
	for _, m := range ds.Host {
		name := names[m.Key.Value]
		if name == "" {
			name = m.Key.Value
		}
		view.Mounts[name] = mounted(m.MountInfo)
	}
	for _, ref := range ds.Vm {
		name := names[ref.Value]
		if name == "" {
			name = ref.Value
		}
		view.VirtualMachines = append(view.VirtualMachines, name)
	}
	sort.Strings(view.VirtualMachines)
	return view
}

// mounted reports a mount as usable. Inaccessible mounts count as unmounted.
func mounted(info types.HostMountInfo) bool {
	if info.Mounted == nil || !*info.Mounted {
		return false
	}
	return info.Accessible == nil || *info.Accessible
}

// findUnresolved returns the unresolved VMFS volume whose head extent lives on deviceID.
func findUnresolved(vols []types.HostUnresolvedVmfsVolume, deviceID string) *types.HostUnresolvedVmfsVolume {
	for i := range vols {
		for _, ext := range vols[i].Extent {
			if ext.Device.DiskName == deviceID {
				return &vols[i]
			}
		}
	}
	return nil
}

// resignatureBlocker explains why an unresolved volume may not be resignatured, or returns "".
func resignatureBlocker(vol *types.HostUnresolvedVmfsVolume, force bool) string {
	status := vol.ResolveStatus
	if !status.Resolvable {
		if status.IncompleteExtents != nil && *status.IncompleteExtents {
			return "VMFS copy has missing extents"
		}
		if !(force && status.MultipleCopies != nil && *status.MultipleCopies) {
			return "VMFS copy is not resolvable"
		}
	}
	if !force && status.MultipleCopies != nil && *status.MultipleCopies {
		return "several copies of this VMFS volume are visible; rerun with force"
	}
	return ""
}

func extentPaths(vol *types.HostUnresolvedVmfsVolume) []string {
	paths := make([]string, 0, len(vol.Extent))
	for _, ext := range vol.Extent {
		paths = append(paths, ext.DevicePath)
	}
	return paths
}
