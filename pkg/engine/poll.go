package engine

import (
	"context"
	"fmt"
	"time"
)

type probeFunc func(ctx context.Context) (*ReconciledState, error)

// waitUntil re-probes until cond holds. Attempt n waits n times the visibility interval.
// Exhaustion is a transient error carrying the last observed state.
func (e *Executor) waitUntil(ctx context.Context, r *run, what string, probe probeFunc, cond func(*ReconciledState) bool) (*ReconciledState, error) {
	attempts := e.settings.VisibilityAttempts
	var last *ReconciledState

	for attempt := 1; attempt <= attempts; attempt++ {
		state, err := probe(ctx)
		if err != nil {
			return last, err
		}
		last = state
		r.observe(state)

		if cond(state) {
			r.logger.Debug().Str("wait", what).Int("attempt", attempt).Msg("Condition met")
			return state, nil
		}
		if attempt == attempts {
			break
		}

		delay := e.settings.VisibilityInterval * time.Duration(attempt)
		r.logger.Debug().
			Str("wait", what).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Strs("missing_hosts", state.MissingHosts).
			Dur("delay", delay).
			Msg("Condition not met, retrying")

		if err := e.sleep(ctx, delay); err != nil {
			return last, NewTransientError(fmt.Sprintf("cancelled while waiting for %s", what), err).
				WithCode(ErrCodeCancelled).
				WithState(last)
		}
	}

	return last, NewTransientError(fmt.Sprintf("%s not reached after %d attempts", what, attempts), nil).
		WithState(last).
		WithDetail("missing_hosts", last.MissingHosts)
}

// rescanAll rescans every host. A failed rescan aborts the intent.
func (e *Executor) rescanAll(ctx context.Context, r *run, hosts []string) error {
	ctx, span := r.stage(ctx, StageHostsRescanned)
	defer span.End()

	for _, host := range hosts {
		r.plan(StageHostsRescanned, "rescan storage", host, true)
		if err := e.hyper.RescanHost(ctx, host, r.req.DryRun); err != nil {
			return asConnectivity(fmt.Sprintf("failed to rescan host %s", host), err)
		}
	}
	r.transition(ctx, StageHostsRescanned, SeverityLevelInfo, "Hosts rescanned", "hosts", fmt.Sprint(len(hosts)))
	return nil
}

// rescanOthers refreshes VMFS on every host except the one that performed a VMFS operation.
func (e *Executor) rescanOthers(ctx context.Context, r *run, hosts []string, skip string) error {
	for _, host := range hosts {
		if host == skip {
			continue
		}
		if err := e.hyper.RescanHost(ctx, host, false); err != nil {
			return asConnectivity(fmt.Sprintf("failed to rescan host %s", host), err)
		}
	}
	return nil
}

// ensureAccess grants the group access to the volume unless a record already exists.
func (e *Executor) ensureAccess(ctx context.Context, r *run, volume, group string) error {
	records, err := e.storage.ListAccessRecords(ctx, volume)
	if err != nil {
		return asConnectivity("failed to list access records", err)
	}
	for _, rec := range records {
		if rec.InitiatorGroup == group {
			r.plan(StageAccessGranted, "grant access", volume+" -> "+group, false)
			r.transition(ctx, StageAccessGranted, SeverityLevelInfo, "Access already granted", "group", group)
			return nil
		}
	}

	r.plan(StageAccessGranted, "grant access", volume+" -> "+group, true)
	if _, err := e.storage.GrantAccess(ctx, volume, group, r.req.DryRun); err != nil {
		return asConnectivity("failed to grant access", err)
	}
	r.mutate()
	r.transition(ctx, StageAccessGranted, SeverityLevelInfo, "Access granted", "group", group)
	return nil
}

// verifyDatastore waits until the datastore is bound and mounted on every host,
// then checks its capacity against the volume.
func (e *Executor) verifyDatastore(ctx context.Context, r *run, probe probeFunc, expectedBytes int64) (*ReconciledState, error) {
	state, err := e.waitUntil(ctx, r, "datastore mount", probe, func(s *ReconciledState) bool {
		return s.Verdict == VerdictConsistent
	})
	if err != nil {
		return state, err
	}
	if !e.settings.CapacityMatches(expectedBytes, state.Datastore.CapacityBytes) {
		return state, NewValidationError(
			fmt.Sprintf("datastore capacity %s does not match volume capacity %s",
				FormatBytes(state.Datastore.CapacityBytes), FormatBytes(expectedBytes)), nil).
			WithCode(ErrCodeCapacityDrift).
			WithResource(state.DatastoreName).
			WithState(state)
	}
	return state, nil
}

// joinDatastoreCluster moves the datastore into its Storage DRS pod. Failure is a warning.
func (e *Executor) joinDatastoreCluster(ctx context.Context, r *run, datastore string) {
	pod := r.req.DatastoreCluster
	if pod == "" {
		pod = e.settings.Clusters[r.req.Cluster].DatastoreCluster
	}
	if pod == "" {
		return
	}
	r.plan(StageDRSJoined, "join datastore cluster", datastore+" -> "+pod, true)
	if err := e.hyper.AddToDatastoreCluster(ctx, datastore, pod, r.req.DryRun); err != nil {
		r.warn(ctx, fmt.Sprintf("failed to add datastore to datastore cluster %s: %v", pod, err), "pod", pod)
		return
	}
	r.transition(ctx, StageDRSJoined, SeverityLevelInfo, "Datastore joined datastore cluster", "pod", pod)
}
