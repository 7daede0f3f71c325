package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoader_JSONPolicy(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "clones.json", `{"name": "json-clones", "severity": "error", "rego": "package j\n\nimport rego.v1\n\ndeny contains \"x\" if input.force\n"}`)

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}
	p := policies[0]
	if p.Name != "json-clones" || p.Severity != SeverityError || !p.Enabled {
		t.Errorf("Unexpected policy: %+v", p)
	}
}

func TestLoader_JSONPolicy_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{"},
		{"no name", `{"rego": "package x"}`},
		{"no rego", `{"name": "x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "p.json", tt.content)
			if _, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{path}); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestLoader_Cache(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.rego", "package a\n")
	l := NewLoader(zerolog.Nop())

	first, err := l.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	writeFile(t, dir, "a.rego", "# changed\npackage a\n")

	second, _ := l.LoadFromPaths(context.Background(), []string{path})
	if second[0].Rego != first[0].Rego {
		t.Error("Expected cached content on the second load")
	}

	fresh, _ := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{path})
	if fresh[0].Description != "changed" {
		t.Errorf("Expected a new loader to read the changed file, got %q", fresh[0].Description)
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{"# one\n# two\npackage x", "one two"},
		{"package x\n# later", ""},
		{"\n#\n# spaced\n\npackage x", "spaced"},
	}
	for _, tt := range tests {
		if got := extractDescription(tt.content); got != tt.want {
			t.Errorf("extractDescription(%q): expected %q, got %q", tt.content, tt.want, got)
		}
	}
}
