// Package engine is the intent execution engine of dsctl.
//
// # Overview
//
// An operator states an outcome and the engine performs the ordered array-side and
// hypervisor-side operations that realize it, verifying state after each step:
//
//  1. Provision - create a volume, grant the cluster access, format a datastore
//  2. Clone - clone a Consistent volume and resignature the copy
//  3. Expand - grow a volume and its datastore online
//  4. Audit - report drift without changing anything (Auditor)
//  5. Retire - unmount, unmap and delete a datastore and its volume
//
// # Backends
//
// The engine talks to two independently failing systems through interfaces:
//
//   - StorageBackend: volumes, initiator groups, access records and snapshots on the array
//   - HypervisorBackend: hosts, LUNs and VMFS datastores in the cluster
//
// Every mutating backend method takes a dryRun flag. In dry-run mode the executor
// records a PlannedChange per step and skips post-mutation verification.
//
// # State
//
// The engine keeps no state of its own. The Probe re-derives a ReconciledState from
// both backends on every call and classifies it with a Verdict:
//
//	Absent -> OrphanedOnHosts -> OrphanedOnArray -> PartiallyVisible -> Unformatted -> Consistent
//
// # Error Classification
//
// Errors are classified so callers can tell a refused request from a half-done one:
//
//   - Connectivity: a backend could not be reached
//   - Configuration: a setting or name resolved to nothing or to more than one object
//   - Transient: LUN visibility lag, retried only by the visibility poll
//   - Validation: a precondition failed before any mutation
//   - Partial: a mutating intent failed after its first mutation
//
// Every error returned by Execute carries the stage reached and the last
// ReconciledState:
//
//	res, err := executor.Execute(ctx, req)
//	if ee := engine.AsEngineError(err); ee != nil {
//	    log.Printf("stopped at %s: %v", ee.Stage, ee.State.Verdict)
//	}
//
// # Example Usage
//
//	exec := engine.NewExecutor(array, vcenter,
//	    engine.WithSettings(settings),
//	    engine.WithLogger(logger))
//
//	res, err := exec.Execute(ctx, engine.Request{
//	    Intent:    engine.IntentProvision,
//	    Cluster:   "Prod",
//	    Volume:    "prod-ds-01",
//	    SizeBytes: engine.GiB(2048),
//	})
//	os.Exit(engine.ExitCode(res, err))
//
// # Concurrency
//
// An Executor runs one intent at a time per call and does no locking. Callers
// serialize invocations per resource.
package engine
