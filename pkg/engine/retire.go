package engine

import (
	"context"
	"fmt"
)

// retire unmounts a datastore from every host, revokes access and deletes the volume.
// Access is only revoked after a probe confirms no host mounts the datastore.
func (e *Executor) retire(ctx context.Context, r *run) error {
	req := r.req
	dsName := req.Datastore
	if dsName == "" {
		dsName = e.settings.DatastoreName(req.Volume, req.Cluster)
	}

	if !req.Confirmation.Valid(dsName) {
		msg := "retire requires a confirmation for datastore " + dsName
		if req.Confirmation != nil {
			msg = fmt.Sprintf("confirmation was issued for %q, not %q", req.Confirmation.Datastore(), dsName)
		}
		return NewValidationError(msg, nil).
			WithCode(ErrCodeNotConfirmed).
			WithResource(dsName)
	}

	probe := func(ctx context.Context) (*ReconciledState, error) {
		return e.probe.ProbeDatastore(ctx, dsName, req.Cluster)
	}
	state, err := probe(ctx)
	if err != nil {
		return err
	}
	r.observe(state)

	if state.Verdict == VerdictAbsent {
		r.result.Outcome = OutcomeAlreadySatisfied
		r.done(ctx, "Nothing to retire")
		return nil
	}

	// Revoking access under a mounted datastore of another name would cut its hosts off.
	if err := rejectBoundElsewhere(state); err != nil {
		return err
	}

	// The post-unmount probe may no longer resolve the volume through the datastore.
	vol := state.Volume
	hosts := state.Hosts
	ds := state.Datastore
	if ds != nil && len(ds.VirtualMachines) > 0 {
		if !req.Force {
			return NewValidationError(fmt.Sprintf("datastore has %d registered virtual machines", len(ds.VirtualMachines)), nil).
				WithCode(ErrCodeInUse).
				WithResource(dsName).
				WithDetail("virtual_machines", ds.VirtualMachines).
				WithState(state)
		}
		r.warn(ctx, fmt.Sprintf("retiring datastore with %d registered virtual machines", len(ds.VirtualMachines)))
	}
	r.transition(ctx, StageEmptinessVerified, SeverityLevelInfo, "Datastore emptiness verified",
		"datastore", dsName, "forced", fmt.Sprint(req.Force))

	if ds != nil {
		uctx, span := r.stage(ctx, StageUnmounted)
		for _, host := range state.Hosts {
			if !ds.Mounts[host] {
				r.plan(StageUnmounted, "unmount VMFS", dsName+" @ "+host, false)
				continue
			}
			r.plan(StageUnmounted, "unmount VMFS", dsName+" @ "+host, true)
			if err := e.hyper.UnmountVMFS(uctx, host, dsName, req.DryRun); err != nil {
				span.End()
				return asConnectivity(fmt.Sprintf("failed to unmount datastore from %s", host), err)
			}
			r.mutate()
			r.transition(ctx, StageUnmounted, SeverityLevelInfo, "Datastore unmounted", "host", host)
		}
		span.End()

		if !req.DryRun {
			state, err = probe(ctx)
			if err != nil {
				return err
			}
			r.observe(state)
			if mounted := state.Datastore.MountedHosts(); len(mounted) > 0 {
				return NewValidationError(fmt.Sprintf("datastore still mounted on %d hosts", len(mounted)), nil).
					WithCode(ErrCodeStillMounted).
					WithResource(dsName).
					WithDetail("hosts", mounted).
					WithState(state)
			}
		}
		r.transition(ctx, StageUnmounted, SeverityLevelInfo, "No host mounts the datastore")
	}

	if vol == nil {
		r.warn(ctx, "no array volume backs the datastore, skipping access revocation and deletion")
	} else {
		records, err := e.storage.ListAccessRecords(ctx, vol.Name)
		if err != nil {
			return asConnectivity("failed to list access records", err)
		}
		for _, rec := range records {
			r.plan(StageAccessRevoked, "revoke access", vol.Name+" -> "+rec.InitiatorGroup, true)
			if err := e.storage.RevokeAccess(ctx, rec.ID, req.DryRun); err != nil {
				return asConnectivity("failed to revoke access", err)
			}
			r.mutate()
		}
		r.transition(ctx, StageAccessRevoked, SeverityLevelInfo, "Access revoked",
			"records", fmt.Sprint(len(records)))

		r.plan(StageVolumeDeleted, "delete volume", vol.Name, true)
		dctx, span := r.stage(ctx, StageVolumeDeleted)
		err = e.storage.DeleteVolume(dctx, vol.Name, req.DryRun)
		span.End()
		if err != nil {
			return asConnectivity("failed to delete volume", err)
		}
		r.mutate()
		r.transition(ctx, StageVolumeDeleted, SeverityLevelInfo, "Volume deleted", "volume", vol.Name)
	}

	// Clear dead paths left behind by the deleted device.
	for _, host := range hosts {
		r.plan(StageDone, "rescan storage", host, true)
		if err := e.hyper.RescanHost(ctx, host, req.DryRun); err != nil {
			r.warn(ctx, fmt.Sprintf("post-retire rescan of %s failed: %v", host, err), "host", host)
		}
	}

	r.done(ctx, "Datastore retired")
	return nil
}
