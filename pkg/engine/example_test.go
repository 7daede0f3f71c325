package engine_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/dsctl/pkg/backends/sim"
	"github.com/openfroyo/dsctl/pkg/engine"
)

// Example_provision provisions a datastore on a simulated two-host cluster
// and then retires it again.
func Example_provision() {
	env := sim.New()
	env.AddCluster("Prod", "prod-esx-igroup", "esx01.example.net", "esx02.example.net")

	settings := engine.DefaultSettings()
	settings.Clusters["Prod"] = engine.ClusterSettings{InitiatorGroupPattern: "^prod-esx"}
	settings.VisibilityInterval = time.Millisecond

	exec := engine.NewExecutor(env, env, engine.WithSettings(settings))
	ctx := context.Background()

	res, err := exec.Execute(ctx, engine.Request{
		Intent:    engine.IntentProvision,
		Cluster:   "Prod",
		Volume:    "prod-ds-01",
		SizeBytes: engine.GiB(100),
	})
	if err != nil {
		fmt.Println("provision failed:", err)
		return
	}
	fmt.Println(res.Outcome, res.State.Verdict, res.State.Datastore.MountedHosts())

	// Running the same intent again changes nothing.
	res, _ = exec.Execute(ctx, engine.Request{
		Intent:    engine.IntentProvision,
		Cluster:   "Prod",
		Volume:    "prod-ds-01",
		SizeBytes: engine.GiB(100),
	})
	fmt.Println(res.Outcome)

	res, err = exec.Execute(ctx, engine.Request{
		Intent:       engine.IntentRetire,
		Cluster:      "Prod",
		Datastore:    "prod-ds-01",
		Confirmation: engine.NewConfirmation("prod-ds-01"),
	})
	if err != nil {
		fmt.Println("retire failed:", err)
		return
	}
	_, exists := env.Volume("prod-ds-01")
	fmt.Println(res.Outcome, exists)

	// Output:
	// Succeeded Consistent [esx01.example.net esx02.example.net]
	// AlreadySatisfied
	// Succeeded false
}
