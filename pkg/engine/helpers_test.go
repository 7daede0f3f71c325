package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openfroyo/dsctl/pkg/backends/sim"
	"github.com/openfroyo/dsctl/pkg/engine"
)

const (
	testCluster = "Prod"
	testGroup   = "prod-esx-igroup"
)

// fixedNow is the clock used by every test executor.
var fixedNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func hostNames(n int) []string {
	hosts := make([]string, n)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("esx%02d.example.net", i+1)
	}
	return hosts
}

func testSettings() engine.Settings {
	s := engine.DefaultSettings()
	s.Clusters = map[string]engine.ClusterSettings{
		testCluster: {InitiatorGroupPattern: "^prod-esx"},
	}
	s.VisibilityAttempts = 5
	s.VisibilityInterval = time.Millisecond
	return s
}

// newTestEnv builds a simulated array and a cluster of n hosts.
func newTestEnv(t *testing.T, hosts int) *sim.Environment {
	t.Helper()
	env := sim.New()
	env.SetClock(func() time.Time { return fixedNow })
	env.AddCluster(testCluster, testGroup, hostNames(hosts)...)
	return env
}

// newTestExecutor wires an executor to env without real delays.
func newTestExecutor(env *sim.Environment, opts ...engine.Option) *engine.Executor {
	base := []engine.Option{
		engine.WithSettings(testSettings()),
		engine.WithClock(func() time.Time { return fixedNow }),
		engine.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	}
	return engine.NewExecutor(env, env, append(base, opts...)...)
}

// provisionForTest provisions a datastore and fails the test if it does not succeed.
func provisionForTest(t *testing.T, exec *engine.Executor, volume string, size int64) *engine.Result {
	t.Helper()
	res, err := exec.Execute(context.Background(), engine.Request{
		Intent:    engine.IntentProvision,
		Cluster:   testCluster,
		Volume:    volume,
		SizeBytes: size,
	})
	if err != nil {
		t.Fatalf("Provision of %s failed: %v", volume, err)
	}
	return res
}

// mutatingMethods returns the method names of every non-dry-run mutating call.
func mutatingMethods(env *sim.Environment) []string {
	var out []string
	for _, c := range env.MutatingCalls() {
		out = append(out, c.Method)
	}
	return out
}

// hasCode reports whether any engine error in the chain carries code.
func hasCode(err error, code string) bool {
	for err != nil {
		var ee *engine.EngineError
		if !errors.As(err, &ee) {
			return false
		}
		if ee.Code == code {
			return true
		}
		err = ee.Err
	}
	return false
}

// suffixedSettings names datastores "<volume>-ds".
func suffixedSettings() engine.Settings {
	s := testSettings()
	s.DatastoreNameTemplate = "{volume}-ds"
	return s
}

// plans reports whether the dry-run plan contains a changing step with action.
func plans(res *engine.Result, action string) bool {
	for _, p := range res.Plan {
		if p.Action == action && p.WouldChange {
			return true
		}
	}
	return false
}

func stagesOf(res *engine.Result) []engine.Stage {
	var out []engine.Stage
	for _, tr := range res.Trace {
		out = append(out, tr.Stage)
	}
	return out
}

func hasStage(res *engine.Result, stage engine.Stage) bool {
	for _, s := range stagesOf(res) {
		if s == stage {
			return true
		}
	}
	return false
}
