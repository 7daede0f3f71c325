package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Probe derives the ReconciledState of a volume across the array and every host of a cluster.
// It never mutates and never caches: every call queries both backends.
type Probe struct {
	storage  StorageBackend
	hyper    HypervisorBackend
	settings Settings
	logger   zerolog.Logger
	now      func() time.Time
}

// NewProbe creates a probe over the two backends.
func NewProbe(storage StorageBackend, hyper HypervisorBackend, settings Settings, logger zerolog.Logger) *Probe {
	return &Probe{
		storage:  storage,
		hyper:    hyper,
		settings: settings.withDefaults(),
		logger:   logger.With().Str("component", "probe").Logger(),
		now:      time.Now,
	}
}

// Probe returns the state of the named volume in the named cluster.
// A missing volume or datastore is reported as nil fields, not as an error.
func (p *Probe) Probe(ctx context.Context, volumeName, clusterName string) (*ReconciledState, error) {
	vol, err := p.storage.GetVolume(ctx, volumeName)
	if err != nil {
		return nil, asConnectivity("failed to query volume", err)
	}

	dsName := p.settings.DatastoreName(volumeName, clusterName)
	ds, err := p.hyper.GetDatastore(ctx, dsName)
	if err != nil {
		return nil, asConnectivity("failed to query datastore", err)
	}

	return p.reconcile(ctx, volumeName, dsName, clusterName, vol, ds)
}

// ProbeDatastore returns the state of the volume backing the named datastore.
// The volume is found through the datastore's backing device. When the datastore
// does not exist, a volume of the same name is probed instead.
func (p *Probe) ProbeDatastore(ctx context.Context, datastoreName, clusterName string) (*ReconciledState, error) {
	ds, err := p.hyper.GetDatastore(ctx, datastoreName)
	if err != nil {
		return nil, asConnectivity("failed to query datastore", err)
	}

	var vol *VolumeSpec
	if ds != nil && len(ds.BackingDevices) > 0 {
		vols, err := p.storage.ListVolumes(ctx)
		if err != nil {
			return nil, asConnectivity("failed to list volumes", err)
		}
		for i := range vols {
			if ds.BackedBy(vols[i].DeviceID) {
				vol = &vols[i]
				break
			}
		}
	} else {
		vol, err = p.storage.GetVolume(ctx, datastoreName)
		if err != nil {
			return nil, asConnectivity("failed to query volume", err)
		}
	}

	volumeName := datastoreName
	if vol != nil {
		volumeName = vol.Name
	}
	return p.reconcile(ctx, volumeName, datastoreName, clusterName, vol, ds)
}

func (p *Probe) reconcile(
	ctx context.Context,
	volumeName, dsName, clusterName string,
	vol *VolumeSpec,
	ds *DatastoreView,
) (*ReconciledState, error) {
	hosts, err := p.hyper.ClusterHosts(ctx, clusterName)
	if err != nil {
		return nil, asConnectivity("failed to list cluster hosts", err)
	}

	state := &ReconciledState{
		Cluster:       clusterName,
		VolumeName:    volumeName,
		DatastoreName: dsName,
		Volume:        vol,
		ProbedAt:      p.now(),
	}

	// A datastore of the right name on another device is not bound to this volume.
	if ds != nil && vol != nil && vol.DeviceID != "" && len(ds.BackingDevices) > 0 && !ds.BackedBy(vol.DeviceID) {
		p.logger.Warn().
			Str("datastore", ds.Name).
			Str("device", vol.DeviceID).
			Strs("backing", ds.BackingDevices).
			Msg("Datastore name is bound to another device")
		ds = nil
	}
	state.Datastore = ds

	if ds == nil && vol != nil && vol.DeviceID != "" {
		others, err := p.hyper.ListDatastores(ctx, clusterName)
		if err != nil {
			return nil, asConnectivity("failed to list datastores", err)
		}
		for i := range others {
			if others[i].BackedBy(vol.DeviceID) {
				state.BoundElsewhere = append(state.BoundElsewhere, others[i].Name)
			}
		}
	}

	devices := map[string]bool{}
	if vol != nil && vol.DeviceID != "" {
		devices[strings.ToLower(vol.DeviceID)] = true
	} else if ds != nil {
		for _, d := range ds.BackingDevices {
			devices[strings.ToLower(d)] = true
		}
	}

	names := make([]string, 0, len(hosts))
	for _, h := range hosts {
		names = append(names, h.Name)
	}
	sort.Strings(names)
	state.Hosts = names

	for _, host := range names {
		if len(devices) == 0 {
			state.MissingHosts = append(state.MissingHosts, host)
			continue
		}
		luns, err := p.hyper.ListLuns(ctx, host)
		if err != nil {
			if state.HostErrors == nil {
				state.HostErrors = map[string]string{}
			}
			state.HostErrors[host] = err.Error()
			state.MissingHosts = append(state.MissingHosts, host)
			p.logger.Debug().Err(err).Str("host", host).Msg("LUN query failed")
			continue
		}
		found := false
		for _, lun := range luns {
			if devices[strings.ToLower(lun.DeviceID)] {
				lun.Host = host
				state.Luns = append(state.Luns, lun)
				found = true
				break
			}
		}
		if !found {
			state.MissingHosts = append(state.MissingHosts, host)
		}
	}

	state.Verdict = classify(state)

	p.logger.Debug().
		Str("volume", volumeName).
		Str("datastore", dsName).
		Str("cluster", clusterName).
		Int("visible", len(state.Luns)).
		Int("hosts", len(state.Hosts)).
		Str("verdict", string(state.Verdict)).
		Msg("Probe complete")

	return state, nil
}

// classify applies the verdict rules in order.
func classify(s *ReconciledState) Verdict {
	visible := len(s.Luns)
	switch {
	case s.Volume == nil && visible == 0 && s.Datastore == nil:
		return VerdictAbsent
	case s.Volume == nil:
		return VerdictOrphanedOnHosts
	case visible == 0:
		return VerdictOrphanedOnArray
	case visible < len(s.Hosts):
		return VerdictPartiallyVisible
	case s.Datastore == nil:
		return VerdictUnformatted
	}

	mounted := 0
	for _, h := range s.Hosts {
		if s.Datastore.Mounts[h] {
			mounted++
		}
	}
	if mounted < visible {
		return VerdictPartiallyVisible
	}
	return VerdictConsistent
}
