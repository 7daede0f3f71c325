package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/dsctl/pkg/engine"
)

const minimal = `
array:
  endpoint: https://nimble.example.net:5392
  username: dsctl
vcenter:
  endpoint: vcenter.example.net
  username: dsctl@vsphere.local
clusters:
  Prod:
    initiator_group_pattern: "^prod-esx"
`

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvArrayEndpoint, "")
	t.Setenv(EnvVCenterEndpoint, "")
}

func TestParse_Minimal(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Array.PasswordEnv != "DSCTL_ARRAY_PASSWORD" {
		t.Errorf("Expected default password env, got %s", cfg.Array.PasswordEnv)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default level info, got %s", cfg.Logging.Level)
	}
	if cfg.Clusters["Prod"].InitiatorGroupPattern != "^prod-esx" {
		t.Errorf("Unexpected cluster settings: %+v", cfg.Clusters["Prod"])
	}
}

func TestParse_Sample(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte(Sample))
	if err != nil {
		t.Fatalf("Sample does not parse: %v", err)
	}
	if len(cfg.Clusters) != 2 {
		t.Errorf("Expected 2 clusters, got %d", len(cfg.Clusters))
	}
	if cfg.Defaults.SnapshotMaxAge != 168*time.Hour {
		t.Errorf("Expected 168h, got %s", cfg.Defaults.SnapshotMaxAge)
	}
}

func TestParse_JSON(t *testing.T) {
	clearEnv(t)
	doc := `{"array": {"endpoint": "https://nimble.example.net", "username": "dsctl"}, ` +
		`"vcenter": {"endpoint": "vc", "username": "u"}, ` +
		`"clusters": {"Prod": {"initiator_group_pattern": "^prod"}}}`
	if _, err := Parse([]byte(doc)); err != nil {
		t.Fatalf("JSON document does not parse: %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{
			name:  "no clusters",
			doc:   strings.Replace(minimal, "clusters:\n  Prod:\n    initiator_group_pattern: \"^prod-esx\"\n", "", 1),
			field: "clusters",
		},
		{
			name:  "bad endpoint",
			doc:   strings.Replace(minimal, "https://nimble.example.net:5392", "nimble", 1),
			field: "array.endpoint",
		},
		{
			name:  "bad pattern",
			doc:   strings.Replace(minimal, "^prod-esx", "^prod-(esx", 1),
			field: "clusters.Prod.initiator_group_pattern",
		},
		{
			name:  "bad level",
			doc:   minimal + "logging:\n  level: verbose\n",
			field: "logging.level",
		},
		{
			name:  "bad size",
			doc:   minimal + "defaults:\n  empty_large_min: lots\n",
			field: "defaults.empty_large_min",
		},
		{
			name:  "bad path policy",
			doc:   minimal + "defaults:\n  expected_path_policy: round-robin\n",
			field: "defaults.expected_path_policy",
		},
		{
			name:  "bad password env",
			doc:   strings.Replace(minimal, "username: dsctl@vsphere.local", "username: dsctl@vsphere.local\n  password_env: lower-case", 1),
			field: "vcenter.password_env",
		},
		{
			name:  "sampling out of range",
			doc:   minimal + "tracing:\n  sampling_rate: 2\n",
			field: "tracing.sampling_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("Expected *Error, got %v", err)
			}
			found := false
			for _, p := range cerr.Errors {
				if strings.HasPrefix(p.Field, tt.field) {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected a problem at %s, got %v", tt.field, cerr)
			}
		})
	}
}

func TestParse_UnknownKey(t *testing.T) {
	clearEnv(t)
	_, err := Parse([]byte(minimal + "arrays: {}\n"))
	if err == nil {
		t.Fatal("Expected unknown key to be rejected")
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		t.Errorf("Expected a decode error, got validation error %v", cerr)
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvArrayEndpoint, "https://nimble-b.example.net")
	t.Setenv(EnvVCenterEndpoint, "vcenter-b.example.net")

	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Array.Endpoint != "https://nimble-b.example.net" {
		t.Errorf("Expected array endpoint override, got %s", cfg.Array.Endpoint)
	}
	if cfg.VCenter.Endpoint != "vcenter-b.example.net" {
		t.Errorf("Expected vCenter endpoint override, got %s", cfg.VCenter.Endpoint)
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "dsctl.yaml")
	if err := os.WriteFile(path, []byte(minimal), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Errorf("Load failed: %v", err)
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !engine.IsConfiguration(err) {
		t.Errorf("Expected configuration error for missing file, got %v", err)
	}
}

func TestToEngineSettings(t *testing.T) {
	clearEnv(t)
	doc := minimal + `defaults:
  snapshot_max_age: 336h
  empty_large_min: 1 TiB
  capacity_tolerance_floor: 128 MiB
  visibility_interval: 2s
naming:
  datastore: "{cluster}-{volume}"
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	s := cfg.ToEngineSettings()

	if s.SnapshotMaxAge != 336*time.Hour {
		t.Errorf("Expected 336h, got %s", s.SnapshotMaxAge)
	}
	if s.EmptyLargeMinBytes != 1<<40 {
		t.Errorf("Expected 1 TiB, got %d", s.EmptyLargeMinBytes)
	}
	if s.CapacityToleranceFloorBytes != 128<<20 {
		t.Errorf("Expected 128 MiB, got %d", s.CapacityToleranceFloorBytes)
	}
	if s.VisibilityInterval != 2*time.Second {
		t.Errorf("Expected 2s, got %s", s.VisibilityInterval)
	}
	if got := s.DatastoreName("vol1", "Prod"); got != "Prod-vol1" {
		t.Errorf("Expected Prod-vol1, got %s", got)
	}
	if s.Clusters["Prod"].InitiatorGroupPattern != "^prod-esx" {
		t.Errorf("Cluster settings not carried over: %+v", s.Clusters)
	}
	if s.ExpectedPathPolicy != engine.DefaultExpectedPathPolicy {
		t.Errorf("Expected default path policy, got %s", s.ExpectedPathPolicy)
	}
}

func TestSecret(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "SET" {
			return "s3cret", true
		}
		return "", false
	}
	if v, err := Secret("SET", lookup); err != nil || v != "s3cret" {
		t.Errorf("Expected s3cret, got %q, %v", v, err)
	}
	if _, err := Secret("UNSET", lookup); !engine.IsConfiguration(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()
	if _, ok := sr.GetSchema("config"); !ok {
		t.Error("Expected the config schema to be registered")
	}
	if err := sr.RegisterSchema("broken", "#Schema: {"); err == nil {
		t.Error("Expected compile error")
	}
	if err := sr.RegisterSchema("nodef", "x: 1"); err == nil {
		t.Error("Expected error for schema without #Schema")
	}
	if err := sr.RegisterSchema("custom", "#Schema: {name: string & !=\"\"}"); err != nil {
		t.Fatalf("RegisterSchema failed: %v", err)
	}

	if problems := sr.ValidateAgainstSchema(context.Background(), "custom", map[string]string{"name": "x"}); len(problems) != 0 {
		t.Errorf("Expected no problems, got %v", problems)
	}
	if problems := sr.ValidateAgainstSchema(context.Background(), "custom", map[string]string{"name": ""}); len(problems) == 0 {
		t.Error("Expected a problem for an empty name")
	}
	if problems := sr.ValidateAgainstSchema(context.Background(), "missing", nil); len(problems) != 1 {
		t.Errorf("Expected one problem for an unknown schema, got %v", problems)
	}
}
