package engine

import (
	"context"
	"fmt"
)

// clone makes a zero-copy array clone of a Consistent source and resignatures the
// copied VMFS into a datastore of its own.
func (e *Executor) clone(ctx context.Context, r *run) error {
	if r.req.Volume == "" {
		r.req.Volume = e.settings.CloneName(r.req.SourceVolume, r.req.Cluster, e.now())
		if LooksLikeObjectID(r.req.Volume) || r.req.Volume == r.req.SourceVolume {
			return NewConfigurationError("clone naming template produced an unusable name", nil).
				WithResource(r.req.Volume)
		}
		r.transition(ctx, StageRequested, SeverityLevelInfo, "Clone name generated", "volume", r.req.Volume)
	}
	req := r.req
	dsName := e.settings.DatastoreName(req.Volume, req.Cluster)

	src, err := e.probe.Probe(ctx, req.SourceVolume, req.Cluster)
	if err != nil {
		return err
	}
	r.observe(src)
	if src.Verdict != VerdictConsistent {
		return NewValidationError(fmt.Sprintf("clone source is %s, expected %s", src.Verdict, VerdictConsistent), nil).
			WithCode(ErrCodeNotConsistent).
			WithResource(req.SourceVolume).
			WithState(src)
	}
	r.transition(ctx, StageSourceVerified, SeverityLevelInfo, "Clone source is consistent",
		"source", req.SourceVolume)

	probe := func(ctx context.Context) (*ReconciledState, error) {
		return e.probe.Probe(ctx, req.Volume, req.Cluster)
	}
	state, err := probe(ctx)
	if err != nil {
		return err
	}
	r.observe(state)

	if state.Volume != nil && state.Volume.SourceVolume != req.SourceVolume {
		msg := fmt.Sprintf("volume %s exists and is not a clone", req.Volume)
		if state.Volume.SourceVolume != "" {
			msg = fmt.Sprintf("volume %s exists and is a clone of %s", req.Volume, state.Volume.SourceVolume)
		}
		return NewValidationError(msg, nil).
			WithCode(ErrCodeAlreadyExists).
			WithResource(req.Volume).
			WithState(state)
	}
	switch state.Verdict {
	case VerdictConsistent:
		r.result.Outcome = OutcomeAlreadySatisfied
		r.done(ctx, "Clone and datastore already present on every host")
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
		r.plan(StageVolumeCloned, "clone volume", req.SourceVolume+" -> "+req.Volume, false)
		r.transition(ctx, StageVolumeCloned, SeverityLevelInfo, "Clone already exists", "volume", vol.Name)
	} else {
		r.plan(StageVolumeCloned, "clone volume", req.SourceVolume+" -> "+req.Volume, true)
		cctx, span := r.stage(ctx, StageVolumeCloned)
		vol, err = e.storage.CloneVolume(cctx, req.SourceVolume, req.Volume, req.DryRun)
		span.End()
		if err != nil {
			return asConnectivity("failed to clone volume", err)
		}
		r.mutate()
		r.transition(ctx, StageVolumeCloned, SeverityLevelInfo, "Volume cloned",
			"volume", vol.Name, "source", req.SourceVolume)
	}

	if err := e.ensureAccess(ctx, r, vol.Name, group.Name); err != nil {
		return err
	}
	if err := e.rescanAll(ctx, r, state.Hosts); err != nil {
		return err
	}

	if req.DryRun {
		host := state.Hosts[0]
		r.plan(StageDatastoreResignatured, "resignature VMFS", dsName, state.Datastore == nil)
		if state.Datastore == nil && deviceVisible(state, vol, host) {
			if _, err := e.hyper.ResignatureVMFS(ctx, host, vol.DeviceID, dsName, req.ForceResignature, true); err != nil {
				return asConnectivity("failed to evaluate VMFS resignature", err)
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
		host := state.Hosts[0]
		rctx, span := r.stage(ctx, StageDatastoreResignatured)
		_, err := e.hyper.ResignatureVMFS(rctx, host, state.Volume.DeviceID, dsName, req.ForceResignature, false)
		span.End()
		if err != nil {
			return asConnectivity(fmt.Sprintf("failed to resignature VMFS on %s", host), err)
		}
		r.mutate()
		if err := e.rescanOthers(ctx, r, state.Hosts, host); err != nil {
			return err
		}
	}
	r.transition(ctx, StageDatastoreResignatured, SeverityLevelInfo, "Datastore resignatured", "datastore", dsName)

	state, err = e.verifyDatastore(ctx, r, probe, state.Volume.SizeBytes)
	if err != nil {
		return err
	}
	r.transition(ctx, StageDatastoreFormatted, SeverityLevelInfo, "Datastore mounted on every host",
		"datastore", dsName, "capacity", FormatBytes(state.Datastore.CapacityBytes))

	e.joinDatastoreCluster(ctx, r, dsName)
	r.done(ctx, "Clone provisioned")
	return nil
}
