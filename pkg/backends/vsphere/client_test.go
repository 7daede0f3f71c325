package vsphere_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/vmware/govmomi/simulator"
	"github.com/vmware/govmomi/vim25"

	"github.com/openfroyo/dsctl/pkg/backends/vsphere"
	"github.com/openfroyo/dsctl/pkg/engine"
)

// The default simulator inventory has cluster DC0_C0 with hosts
// DC0_C0_H0..H2 and the shared datastore LocalDS_0.

func TestClient_Inventory(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		c := vsphere.NewFromVim(vc, zerolog.Nop())

		clusters, err := c.ListClusters(ctx)
		if err != nil {
			t.Fatalf("ListClusters failed: %v", err)
		}
		if len(clusters) != 1 || clusters[0] != "DC0_C0" {
			t.Errorf("Expected [DC0_C0], got %v", clusters)
		}

		hosts, err := c.ClusterHosts(ctx, "DC0_C0")
		if err != nil {
			t.Fatalf("ClusterHosts failed: %v", err)
		}
		if len(hosts) != 3 {
			t.Fatalf("Expected 3 hosts, got %d", len(hosts))
		}
		if hosts[0].Name != "DC0_C0_H0" || hosts[0].Cluster != "DC0_C0" {
			t.Errorf("Unexpected first host: %+v", hosts[0])
		}

		_, err = c.ClusterHosts(ctx, "nope")
		if !engine.IsConfiguration(err) {
			t.Errorf("Expected configuration error for unknown cluster, got %v", err)
		}
	})
}

func TestClient_GetDatastore(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		c := vsphere.NewFromVim(vc, zerolog.Nop())

		ds, err := c.GetDatastore(ctx, "LocalDS_0")
		if err != nil {
			t.Fatalf("GetDatastore failed: %v", err)
		}
		if ds == nil {
			t.Fatal("Expected LocalDS_0 to exist")
		}
		if ds.CapacityBytes <= 0 {
			t.Errorf("Expected positive capacity, got %d", ds.CapacityBytes)
		}

		missing, err := c.GetDatastore(ctx, "absent-ds")
		if err != nil {
			t.Fatalf("GetDatastore failed: %v", err)
		}
		if missing != nil {
			t.Errorf("Expected nil for missing datastore, got %+v", missing)
		}

		all, err := c.ListDatastores(ctx, "DC0_C0")
		if err != nil {
			t.Fatalf("ListDatastores failed: %v", err)
		}
		for _, d := range all {
			if d.Name == "" {
				t.Errorf("Expected named datastores, got %+v", d)
			}
		}
	})
}

func TestClient_HostLookups(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		c := vsphere.NewFromVim(vc, zerolog.Nop())

		if err := c.RescanHost(ctx, "DC0_C0_H0", true); err != nil {
			t.Errorf("Dry-run rescan failed: %v", err)
		}
		if err := c.RescanHost(ctx, "missing-host", true); !engine.IsConfiguration(err) {
			t.Errorf("Expected configuration error for unknown host, got %v", err)
		}

		if _, err := c.ListLuns(ctx, "DC0_C0_H0"); err != nil {
			t.Errorf("ListLuns failed: %v", err)
		}

		_, err := c.FormatVMFS(ctx, "DC0_C0_H0", "eui.doesnotexist", "new-ds", true)
		if !engine.IsValidation(err) {
			t.Errorf("Expected validation error for an unseen device, got %v", err)
		}

		err = c.UnmountVMFS(ctx, "DC0_C0_H0", "absent-ds", true)
		if !engine.IsValidation(err) {
			t.Errorf("Expected validation error for a missing datastore, got %v", err)
		}

		err = c.AddToDatastoreCluster(ctx, "LocalDS_0", "no-such-pod", true)
		if !engine.IsConfiguration(err) {
			t.Errorf("Expected configuration error for a missing pod, got %v", err)
		}
	})
}

func TestClient_GrowVMFS_DryRun(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		c := vsphere.NewFromVim(vc, zerolog.Nop())

		view, err := c.GrowVMFS(ctx, "DC0_C0_H0", "LocalDS_0", true)
		if err != nil {
			t.Fatalf("GrowVMFS dry run failed: %v", err)
		}
		if view.Name != "LocalDS_0" {
			t.Errorf("Expected LocalDS_0, got %s", view.Name)
		}
	})
}

func TestDial_InvalidConfig(t *testing.T) {
	_, err := vsphere.Dial(context.Background(), &vsphere.Config{URL: "vc.example.net"}, zerolog.Nop())
	if !engine.IsConfiguration(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}
