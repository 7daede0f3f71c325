package engine_test

import (
	"context"
	"testing"

	"github.com/openfroyo/dsctl/pkg/engine"
)

func TestExecutor_Expand_Success(t *testing.T) {
	env := newTestEnv(t, 3)
	exec := newTestExecutor(env)
	provisionForTest(t, exec, "vol1", engine.GiB(100))
	before, _ := env.Datastore("vol1")

	res, err := exec.Execute(context.Background(), engine.Request{
		Intent:    engine.IntentExpand,
		Cluster:   testCluster,
		Datastore: "vol1",
		SizeBytes: engine.GiB(150),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.Outcome != engine.OutcomeSucceeded {
		t.Errorf("Expected Succeeded, got %s", res.Outcome)
	}

	vol, _ := env.Volume("vol1")
	if vol.SizeBytes != engine.GiB(150) {
		t.Errorf("Expected volume size %d, got %d", engine.GiB(150), vol.SizeBytes)
	}
	after, _ := env.Datastore("vol1")
	if after.CapacityBytes <= before.CapacityBytes {
		t.Errorf("Expected datastore to grow from %d, got %d", before.CapacityBytes, after.CapacityBytes)
	}
	for _, lun := range res.State.Luns {
		if lun.CapacityBytes != engine.GiB(150) {
			t.Errorf("Expected host %s to report the new capacity, got %d", lun.Host, lun.CapacityBytes)
		}
	}
	for _, stage := range []engine.Stage{engine.StageVolumeGrown, engine.StageLunGrown, engine.StageDatastoreGrown, engine.StageDone} {
		if !hasStage(res, stage) {
			t.Errorf("Expected stage %s in trace", stage)
		}
	}
}

func TestExecutor_Expand_RejectsNonGrowingSize(t *testing.T) {
	tests := []struct {
		name string
		size int64
	}{
		{name: "same size", size: engine.GiB(100)},
		{name: "smaller", size: engine.GiB(50)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 2)
			exec := newTestExecutor(env)
			provisionForTest(t, exec, "vol1", engine.GiB(100))
			env.ResetCalls()

			res, err := exec.Execute(context.Background(), engine.Request{
				Intent:    engine.IntentExpand,
				Cluster:   testCluster,
				Volume:    "vol1",
				SizeBytes: tt.size,
			})
			if !engine.IsValidation(err) {
				t.Fatalf("Expected validation error, got: %v", err)
			}
			if ee := engine.AsEngineError(err); ee.Code != engine.ErrCodeSizeNotGrowing {
				t.Errorf("Expected code %s, got %s", engine.ErrCodeSizeNotGrowing, ee.Code)
			}
			if code := engine.ExitCode(res, err); code != 1 {
				t.Errorf("Expected exit code 1, got %d", code)
			}
			if calls := mutatingMethods(env); len(calls) != 0 {
				t.Errorf("Expected no mutating calls, got %v", calls)
			}
			vol, _ := env.Volume("vol1")
			if vol.SizeBytes != engine.GiB(100) {
				t.Errorf("Expected size unchanged, got %d", vol.SizeBytes)
			}
		})
	}
}

func TestExecutor_Expand_RequiresConsistentTarget(t *testing.T) {
	env := newTestEnv(t, 2)
	exec := newTestExecutor(env)

	res, err := exec.Execute(context.Background(), engine.Request{
		Intent:    engine.IntentExpand,
		Cluster:   testCluster,
		Datastore: "nope",
		SizeBytes: engine.GiB(10),
	})
	if !engine.IsValidation(err) {
		t.Fatalf("Expected validation error, got: %v", err)
	}
	if res.Outcome != engine.OutcomeRejected {
		t.Errorf("Expected Rejected, got %s", res.Outcome)
	}
}

func TestExecutor_Expand_DryRun(t *testing.T) {
	env := newTestEnv(t, 2)
	exec := newTestExecutor(env)
	provisionForTest(t, exec, "vol1", engine.GiB(100))
	env.ResetCalls()

	res, err := exec.Execute(context.Background(), engine.Request{
		Intent:    engine.IntentExpand,
		Cluster:   testCluster,
		Volume:    "vol1",
		SizeBytes: engine.GiB(200),
		DryRun:    true,
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.Outcome != engine.OutcomePreviewed {
		t.Errorf("Expected Previewed, got %s", res.Outcome)
	}
	if calls := mutatingMethods(env); len(calls) != 0 {
		t.Errorf("Expected no mutating calls, got %v", calls)
	}
	vol, _ := env.Volume("vol1")
	if vol.SizeBytes != engine.GiB(100) {
		t.Errorf("Expected size unchanged after dry run, got %d", vol.SizeBytes)
	}
}

func TestExecutor_Expand_CapacityMismatchAfterGrow(t *testing.T) {
	env := newTestEnv(t, 2)
	exec := newTestExecutor(env)
	provisionForTest(t, exec, "vol1", engine.GiB(10))
	env.SetVMFSShortfall(engine.GiB(5))

	res, err := exec.Execute(context.Background(), engine.Request{
		Intent:    engine.IntentExpand,
		Cluster:   testCluster,
		Datastore: "vol1",
		SizeBytes: engine.GiB(20),
	})
	if err == nil {
		t.Fatal("Expected a capacity mismatch")
	}
	if !hasCode(err, engine.ErrCodeCapacityDrift) {
		t.Errorf("Expected code %s, got: %v", engine.ErrCodeCapacityDrift, err)
	}
	if !engine.IsPartial(err) {
		t.Errorf("Expected partial error, got: %v", err)
	}
	if res.Outcome != engine.OutcomeFailed {
		t.Errorf("Expected Failed, got %s", res.Outcome)
	}
	if hasStage(res, engine.StageDone) {
		t.Error("Expected no Done stage")
	}
}
