package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/openfroyo/dsctl/pkg/engine"
)

func retireRequest(ds string) engine.Request {
	return engine.Request{
		Intent:       engine.IntentRetire,
		Cluster:      testCluster,
		Datastore:    ds,
		Confirmation: engine.NewConfirmation(ds),
	}
}

func TestExecutor_Retire_RequiresConfirmation(t *testing.T) {
	tests := []struct {
		name         string
		confirmation *engine.Confirmation
	}{
		{name: "missing", confirmation: nil},
		{name: "other datastore", confirmation: engine.NewConfirmation("vol2")},
		{name: "zero value", confirmation: &engine.Confirmation{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 2)
			exec := newTestExecutor(env)
			provisionForTest(t, exec, "vol1", engine.GiB(10))
			env.ResetCalls()

			res, err := exec.Execute(context.Background(), engine.Request{
				Intent:       engine.IntentRetire,
				Cluster:      testCluster,
				Datastore:    "vol1",
				Confirmation: tt.confirmation,
			})
			if !engine.IsValidation(err) {
				t.Fatalf("Expected validation error, got: %v", err)
			}
			if ee := engine.AsEngineError(err); ee.Code != engine.ErrCodeNotConfirmed {
				t.Errorf("Expected code %s, got %s", engine.ErrCodeNotConfirmed, ee.Code)
			}
			if res.Outcome != engine.OutcomeRejected {
				t.Errorf("Expected Rejected, got %s", res.Outcome)
			}
			if calls := env.Calls(); len(calls) != 0 {
				t.Errorf("Expected no backend calls at all, got %v", calls)
			}
		})
	}
}

func TestExecutor_Retire_RefusesRegisteredVMs(t *testing.T) {
	env := newTestEnv(t, 2)
	exec := newTestExecutor(env)
	provisionForTest(t, exec, "vol1", engine.GiB(10))
	env.RegisterVM("vol1", "web01")
	env.ResetCalls()

	res, err := exec.Execute(context.Background(), retireRequest("vol1"))
	if !engine.IsValidation(err) {
		t.Fatalf("Expected validation error, got: %v", err)
	}
	if ee := engine.AsEngineError(err); ee.Code != engine.ErrCodeInUse {
		t.Errorf("Expected code %s, got %s", engine.ErrCodeInUse, ee.Code)
	}
	if res.Outcome != engine.OutcomeRejected {
		t.Errorf("Expected Rejected, got %s", res.Outcome)
	}
	if calls := mutatingMethods(env); len(calls) != 0 {
		t.Errorf("Expected no mutating calls, got %v", calls)
	}
	if _, ok := env.Volume("vol1"); !ok {
		t.Error("Expected volume to survive")
	}
}

func TestExecutor_Retire_ForceWithRegisteredVMs(t *testing.T) {
	env := newTestEnv(t, 2)
	exec := newTestExecutor(env)
	provisionForTest(t, exec, "vol1", engine.GiB(10))
	env.RegisterVM("vol1", "web01")

	req := retireRequest("vol1")
	req.Force = true
	res, err := exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected forced retire to succeed, got: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Error("Expected a warning about registered VMs")
	}
	if _, ok := env.Volume("vol1"); ok {
		t.Error("Expected volume to be deleted")
	}
}

func TestExecutor_Retire_Ordering(t *testing.T) {
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("%d hosts", n), func(t *testing.T) {
			env := newTestEnv(t, n)
			exec := newTestExecutor(env)
			provisionForTest(t, exec, "vol1", engine.GiB(10))
			env.ResetCalls()

			res, err := exec.Execute(context.Background(), retireRequest("vol1"))
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if res.Outcome != engine.OutcomeSucceeded {
				t.Errorf("Expected Succeeded, got %s", res.Outcome)
			}

			unmounts, lastUnmount, firstRevoke, deleteAt := 0, -1, -1, -1
			for i, c := range env.MutatingCalls() {
				switch c.Method {
				case "UnmountVMFS":
					unmounts++
					lastUnmount = i
				case "RevokeAccess":
					if firstRevoke < 0 {
						firstRevoke = i
					}
				case "DeleteVolume":
					deleteAt = i
				}
			}
			if unmounts != n {
				t.Errorf("Expected %d unmounts, got %d", n, unmounts)
			}
			if firstRevoke < 0 || lastUnmount > firstRevoke {
				t.Errorf("Expected every unmount before access revocation (last unmount %d, first revoke %d)", lastUnmount, firstRevoke)
			}
			if deleteAt < firstRevoke {
				t.Errorf("Expected deletion after revocation (delete %d, revoke %d)", deleteAt, firstRevoke)
			}
			if _, ok := env.Volume("vol1"); ok {
				t.Error("Expected volume deleted")
			}
			if _, ok := env.Datastore("vol1"); ok {
				t.Error("Expected datastore gone after the post-retire rescan")
			}
		})
	}
}

func TestExecutor_Retire_StopsWhenUnmountFails(t *testing.T) {
	env := newTestEnv(t, 3)
	exec := newTestExecutor(env)
	provisionForTest(t, exec, "vol1", engine.GiB(10))
	env.Fail("UnmountVMFS:"+hostNames(3)[1], errors.New("resource busy"))
	env.ResetCalls()

	res, err := exec.Execute(context.Background(), retireRequest("vol1"))
	if err == nil {
		t.Fatal("Expected unmount failure")
	}
	if !engine.IsPartial(err) {
		t.Errorf("Expected partial error, got: %v", err)
	}
	for _, c := range env.MutatingCalls() {
		if c.Method == "RevokeAccess" || c.Method == "DeleteVolume" {
			t.Errorf("Expected no %s after a failed unmount", c.Method)
		}
	}
	if res.Outcome != engine.OutcomeFailed {
		t.Errorf("Expected Failed, got %s", res.Outcome)
	}
}

func TestExecutor_Retire_Absent(t *testing.T) {
	env := newTestEnv(t, 2)
	exec := newTestExecutor(env)

	res, err := exec.Execute(context.Background(), retireRequest("gone"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.Outcome != engine.OutcomeAlreadySatisfied {
		t.Errorf("Expected AlreadySatisfied, got %s", res.Outcome)
	}
}

func TestExecutor_Retire_PostRescanFailureIsWarning(t *testing.T) {
	env := newTestEnv(t, 2)
	exec := newTestExecutor(env)
	provisionForTest(t, exec, "vol1", engine.GiB(10))
	env.Fail("RescanHost", errors.New("adapter busy"))

	res, err := exec.Execute(context.Background(), retireRequest("vol1"))
	if err != nil {
		t.Fatalf("Expected rescan failures not to fail the retire, got: %v", err)
	}
	if len(res.Warnings) != 2 {
		t.Errorf("Expected one warning per host, got %v", res.Warnings)
	}
	if _, ok := env.Volume("vol1"); ok {
		t.Error("Expected volume deleted")
	}
}

func TestExecutor_Retire_DryRun(t *testing.T) {
	env := newTestEnv(t, 2)
	exec := newTestExecutor(env)
	provisionForTest(t, exec, "vol1", engine.GiB(10))
	env.ResetCalls()

	req := retireRequest("vol1")
	req.DryRun = true
	res, err := exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.Outcome != engine.OutcomePreviewed {
		t.Errorf("Expected Previewed, got %s", res.Outcome)
	}
	if calls := mutatingMethods(env); len(calls) != 0 {
		t.Errorf("Expected no mutating calls, got %v", calls)
	}
	if _, ok := env.Datastore("vol1"); !ok {
		t.Error("Expected datastore to survive a dry run")
	}
}

func TestExecutor_Retire_RefusesDatastoreBoundUnderAnotherName(t *testing.T) {
	env := newTestEnv(t, 2)
	exec := newTestExecutor(env, engine.WithSettings(suffixedSettings()))
	provisionForTest(t, exec, "vol-A", engine.GiB(10))
	env.RegisterVM("vol-A-ds", "vm1")
	env.ResetCalls()

	// The datastore name is given as the volume name, which no datastore carries.
	res, err := exec.Execute(context.Background(), retireRequest("vol-A"))
	if !engine.IsValidation(err) {
		t.Fatalf("Expected validation error, got: %v", err)
	}
	if !hasCode(err, engine.ErrCodeNameMismatch) {
		t.Errorf("Expected code %s, got: %v", engine.ErrCodeNameMismatch, err)
	}
	if res.Outcome != engine.OutcomeRejected {
		t.Errorf("Expected Rejected, got %s", res.Outcome)
	}
	if calls := mutatingMethods(env); len(calls) != 0 {
		t.Errorf("Expected no mutating calls, got %v", calls)
	}
	if _, ok := env.Volume("vol-A"); !ok {
		t.Error("Expected volume to survive")
	}
	ds, ok := env.Datastore("vol-A-ds")
	if !ok || len(ds.MountedHosts()) != 2 {
		t.Errorf("Expected vol-A-ds to stay mounted on both hosts, got %+v", ds)
	}
	if res.State == nil || len(res.State.BoundElsewhere) != 1 || res.State.BoundElsewhere[0] != "vol-A-ds" {
		t.Errorf("Expected state to name vol-A-ds, got %+v", res.State)
	}
}

func TestExecutor_Retire_ByTemplateName(t *testing.T) {
	env := newTestEnv(t, 2)
	exec := newTestExecutor(env, engine.WithSettings(suffixedSettings()))
	provisionForTest(t, exec, "vol-A", engine.GiB(10))

	res, err := exec.Execute(context.Background(), retireRequest("vol-A-ds"))
	if err != nil {
		t.Fatalf("Expected retire to succeed, got: %v", err)
	}
	if res.Outcome != engine.OutcomeSucceeded {
		t.Errorf("Expected Succeeded, got %s", res.Outcome)
	}
	if _, ok := env.Volume("vol-A"); ok {
		t.Error("Expected volume to be deleted")
	}
}

func TestExecutor_Retire_StillMountedAfterUnmount(t *testing.T) {
	env := newTestEnv(t, 2)
	exec := newTestExecutor(env)
	provisionForTest(t, exec, "vol1", engine.GiB(10))
	env.IgnoreUnmount = true
	env.ResetCalls()

	res, err := exec.Execute(context.Background(), retireRequest("vol1"))
	if err == nil {
		t.Fatal("Expected retire to stop while the datastore is still mounted")
	}
	if !hasCode(err, engine.ErrCodeStillMounted) {
		t.Errorf("Expected code %s, got: %v", engine.ErrCodeStillMounted, err)
	}
	if !engine.IsPartial(err) {
		t.Errorf("Expected partial error after unmount calls, got: %v", err)
	}
	if res.Outcome != engine.OutcomeFailed {
		t.Errorf("Expected Failed, got %s", res.Outcome)
	}
	for _, c := range env.MutatingCalls() {
		if c.Method == "RevokeAccess" || c.Method == "DeleteVolume" {
			t.Errorf("Expected no %s while the datastore is mounted", c.Method)
		}
	}
	if _, ok := env.Volume("vol1"); !ok {
		t.Error("Expected volume to survive")
	}
}
