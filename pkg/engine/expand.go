package engine

import (
	"context"
	"fmt"
)

// probeTarget probes by datastore name when one is given, by volume name otherwise.
func (e *Executor) probeTarget(req Request) probeFunc {
	if req.Datastore != "" {
		return func(ctx context.Context) (*ReconciledState, error) {
			return e.probe.ProbeDatastore(ctx, req.Datastore, req.Cluster)
		}
	}
	return func(ctx context.Context) (*ReconciledState, error) {
		return e.probe.Probe(ctx, req.Volume, req.Cluster)
	}
}

// expand grows a Consistent volume and then its datastore, online.
func (e *Executor) expand(ctx context.Context, r *run) error {
	req := r.req
	probe := e.probeTarget(req)

	state, err := probe(ctx)
	if err != nil {
		return err
	}
	r.observe(state)
	if state.Verdict != VerdictConsistent {
		return NewValidationError(fmt.Sprintf("target is %s, expected %s", state.Verdict, VerdictConsistent), nil).
			WithCode(ErrCodeNotConsistent).
			WithResource(req.Target()).
			WithState(state)
	}

	current := state.Volume.SizeBytes
	if req.SizeBytes <= current {
		return NewValidationError(fmt.Sprintf("requested size %s is not larger than current size %s",
			FormatBytes(req.SizeBytes), FormatBytes(current)), nil).
			WithCode(ErrCodeSizeNotGrowing).
			WithResource(state.Volume.Name).
			WithState(state)
	}

	volName := state.Volume.Name
	dsName := state.Datastore.Name
	oldCapacity := state.Datastore.CapacityBytes
	delta := req.SizeBytes - current

	// Further probes follow the resolved volume.
	probe = func(ctx context.Context) (*ReconciledState, error) {
		return e.probe.ProbeDatastore(ctx, dsName, req.Cluster)
	}

	r.plan(StageVolumeGrown, "grow volume", volName, true)
	gctx, span := r.stage(ctx, StageVolumeGrown)
	_, err = e.storage.GrowVolume(gctx, volName, req.SizeBytes, req.DryRun)
	span.End()
	if err != nil {
		return asConnectivity("failed to grow volume", err)
	}
	r.mutate()
	r.transition(ctx, StageVolumeGrown, SeverityLevelInfo, "Volume grown",
		"volume", volName, "from", FormatBytes(current), "to", FormatBytes(req.SizeBytes))

	if err := e.rescanAll(ctx, r, state.Hosts); err != nil {
		return err
	}

	if req.DryRun {
		r.plan(StageDatastoreGrown, "grow VMFS", dsName, true)
		if _, err := e.hyper.GrowVMFS(ctx, state.Hosts[0], dsName, true); err != nil {
			return asConnectivity("failed to evaluate VMFS grow", err)
		}
		r.done(ctx, "Dry run complete")
		return nil
	}

	state, err = e.waitUntil(ctx, r, "LUN capacity", probe, func(s *ReconciledState) bool {
		if !s.VisibleOnAllHosts() {
			return false
		}
		for _, lun := range s.Luns {
			if lun.CapacityBytes < req.SizeBytes {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	r.transition(ctx, StageLunGrown, SeverityLevelInfo, "Every host reports the new LUN capacity")

	host := state.Hosts[0]
	vctx, span := r.stage(ctx, StageDatastoreGrown)
	_, err = e.hyper.GrowVMFS(vctx, host, dsName, false)
	span.End()
	if err != nil {
		return asConnectivity(fmt.Sprintf("failed to grow VMFS on %s", host), err)
	}
	if err := e.rescanOthers(ctx, r, state.Hosts, host); err != nil {
		return err
	}

	state, err = e.waitUntil(ctx, r, "datastore growth", probe, func(s *ReconciledState) bool {
		return s.Verdict == VerdictConsistent && s.Datastore.CapacityBytes > oldCapacity
	})
	if err != nil {
		return err
	}
	grown := state.Datastore.CapacityBytes - oldCapacity
	if !e.settings.CapacityMatches(delta, grown) {
		return NewValidationError(fmt.Sprintf("datastore grew by %s, expected %s",
			FormatBytes(grown), FormatBytes(delta)), nil).
			WithCode(ErrCodeCapacityDrift).
			WithResource(dsName).
			WithState(state)
	}
	r.transition(ctx, StageDatastoreGrown, SeverityLevelInfo, "Datastore grown",
		"datastore", dsName, "capacity", FormatBytes(state.Datastore.CapacityBytes))

	r.done(ctx, "Datastore expanded")
	return nil
}
