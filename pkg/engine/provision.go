package engine

import (
	"context"
	"fmt"
	"strings"
)

// provision creates a volume, grants the cluster access and formats a datastore on it.
// Every step is skipped when its effect is already present, so re-running a failed
// provision resumes where it stopped.
func (e *Executor) provision(ctx context.Context, r *run) error {
	req := r.req
	dsName := e.settings.DatastoreName(req.Volume, req.Cluster)
	probe := func(ctx context.Context) (*ReconciledState, error) {
		return e.probe.Probe(ctx, req.Volume, req.Cluster)
	}

	state, err := probe(ctx)
	if err != nil {
		return err
	}
	r.observe(state)

	if err := preconditionHosts(state); err != nil {
		return err
	}

	switch state.Verdict {
	case VerdictConsistent:
		if !e.settings.CapacityMatches(req.SizeBytes, state.Volume.SizeBytes) {
			return NewValidationError(fmt.Sprintf("volume exists with capacity %s, requested %s",
				FormatBytes(state.Volume.SizeBytes), FormatBytes(req.SizeBytes)), nil).
				WithCode(ErrCodeAlreadyExists).
				WithResource(req.Volume)
		}
		r.result.Outcome = OutcomeAlreadySatisfied
		r.done(ctx, "Volume and datastore already present on every host")
		return nil
	case VerdictOrphanedOnHosts:
		return NewValidationError("hosts see a datastore or LUN with no matching array volume", nil).
			WithCode(ErrCodeNotConsistent).
			WithResource(req.Volume).
			WithState(state)
	}

	if err := rejectBoundElsewhere(state); err != nil {
		return err
	}

	group, err := resolveClusterGroup(ctx, e.storage, e.settings, req.Cluster)
	if err != nil {
		return err
	}

	vol := state.Volume
	if vol != nil {
		if !e.settings.CapacityMatches(req.SizeBytes, vol.SizeBytes) {
			return NewValidationError(fmt.Sprintf("volume exists with capacity %s, requested %s",
				FormatBytes(vol.SizeBytes), FormatBytes(req.SizeBytes)), nil).
				WithCode(ErrCodeAlreadyExists).
				WithResource(req.Volume)
		}
		r.plan(StageVolumeCreated, "create volume", req.Volume, false)
		r.transition(ctx, StageVolumeCreated, SeverityLevelInfo, "Volume already exists", "volume", vol.Name)
	} else {
		policy := req.PerformancePolicy
		if policy == "" {
			policy = e.settings.Clusters[req.Cluster].PerformancePolicy
		}
		r.plan(StageVolumeCreated, "create volume", req.Volume, true)
		cctx, span := r.stage(ctx, StageVolumeCreated)
		vol, err = e.storage.CreateVolume(cctx, VolumeSpec{
			Name:              req.Volume,
			SizeBytes:         req.SizeBytes,
			PerformancePolicy: policy,
		}, req.DryRun)
		span.End()
		if err != nil {
			return asConnectivity("failed to create volume", err)
		}
		r.mutate()
		r.transition(ctx, StageVolumeCreated, SeverityLevelInfo, "Volume created",
			"volume", vol.Name, "size", FormatBytes(vol.SizeBytes))
	}

	if err := e.ensureAccess(ctx, r, vol.Name, group.Name); err != nil {
		return err
	}
	if err := e.rescanAll(ctx, r, state.Hosts); err != nil {
		return err
	}

	if req.DryRun {
		host := state.Hosts[0]
		r.plan(StageDatastoreFormatted, "format VMFS", dsName, state.Datastore == nil)
		// A device the preview has not created or rescanned cannot be evaluated by the host.
		if state.Datastore == nil && deviceVisible(state, vol, host) {
			if _, err := e.hyper.FormatVMFS(ctx, host, vol.DeviceID, dsName, true); err != nil {
				return asConnectivity("failed to evaluate VMFS format", err)
			}
		}
		e.joinDatastoreCluster(ctx, r, dsName)
		r.done(ctx, "Dry run complete")
		return nil
	}

	state, err = e.waitUntil(ctx, r, "LUN visibility", probe, (*ReconciledState).VisibleOnAllHosts)
	if err != nil {
		return err
	}
	r.transition(ctx, StageLunVisible, SeverityLevelInfo, "LUN visible on every host",
		"device", state.Volume.DeviceID)

	if state.Datastore == nil {
		formatHost := state.Hosts[0]
		fctx, span := r.stage(ctx, StageDatastoreFormatted)
		_, err := e.hyper.FormatVMFS(fctx, formatHost, state.Volume.DeviceID, dsName, false)
		span.End()
		if err != nil {
			return asConnectivity(fmt.Sprintf("failed to format VMFS on %s", formatHost), err)
		}
		r.mutate()
		if err := e.rescanOthers(ctx, r, state.Hosts, formatHost); err != nil {
			return err
		}
	}

	state, err = e.verifyDatastore(ctx, r, probe, state.Volume.SizeBytes)
	if err != nil {
		return err
	}
	r.transition(ctx, StageDatastoreFormatted, SeverityLevelInfo, "Datastore formatted and mounted",
		"datastore", dsName, "capacity", FormatBytes(state.Datastore.CapacityBytes))

	e.joinDatastoreCluster(ctx, r, dsName)
	r.done(ctx, "Datastore provisioned")
	return nil
}

// deviceVisible reports whether host already sees the volume's device.
func deviceVisible(state *ReconciledState, vol *VolumeSpec, host string) bool {
	if vol == nil || vol.DeviceID == "" {
		return false
	}
	lun := state.LunOn(host)
	return lun != nil && strings.EqualFold(lun.DeviceID, vol.DeviceID)
}

// rejectBoundElsewhere refuses to act on a volume whose device already carries a
// datastore under a name other than the one the request resolves to.
func rejectBoundElsewhere(state *ReconciledState) error {
	if len(state.BoundElsewhere) == 0 {
		return nil
	}
	return NewValidationError(fmt.Sprintf("volume %s backs datastore %s, not %s",
		state.VolumeName, strings.Join(state.BoundElsewhere, ", "), state.DatastoreName), nil).
		WithCode(ErrCodeNameMismatch).
		WithResource(state.DatastoreName).
		WithDetail("datastores", state.BoundElsewhere).
		WithState(state)
}

// preconditionHosts rejects a cluster with no hosts before anything else happens.
func preconditionHosts(state *ReconciledState) error {
	if len(state.Hosts) == 0 {
		return NewConfigurationError(fmt.Sprintf("cluster %q has no hosts", state.Cluster), nil).
			WithResource(state.Cluster)
	}
	return nil
}
