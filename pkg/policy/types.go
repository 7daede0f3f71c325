package policy

import (
	"time"

	"github.com/openfroyo/dsctl/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is reported and never blocks.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported as a run warning and never blocks.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the request.
	SeverityError Severity = "error"

	// SeverityCritical blocks the request.
	SeverityCritical Severity = "critical"
)

// Blocks returns true if a violation of this severity denies the request.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module. Violations are read from its deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists the non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of the enabled policies, sorted.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Intent           engine.Intent `json:"intent"`
	Cluster          string        `json:"cluster,omitempty"`
	Volume           string        `json:"volume,omitempty"`
	SourceVolume     string        `json:"source_volume,omitempty"`
	Datastore        string        `json:"datastore,omitempty"`
	Target           string        `json:"target,omitempty"`
	SizeBytes        int64         `json:"size_bytes,omitempty"`
	DatastoreCluster string        `json:"datastore_cluster,omitempty"`
	Force            bool          `json:"force"`
	ForceResignature bool          `json:"force_resignature"`
	DryRun           bool          `json:"dry_run"`
	Timestamp        time.Time     `json:"timestamp"`
}

// Limits are exposed to policies as data.dsctl.limits.
type Limits struct {
	// MaxNameLength is the longest datastore name accepted.
	MaxNameLength int `json:"max_name_length"`

	// MaxSizeBytes is the largest volume accepted.
	MaxSizeBytes int64 `json:"max_size_bytes"`
}

// DefaultLimits returns the VMFS 6 limits.
func DefaultLimits() Limits {
	return Limits{
		MaxNameLength: 42,
		MaxSizeBytes:  64 << 40,
	}
}

// BuildInput derives the policy input for a request. Names the executor would
// generate from templates are filled in so naming policies see them.
func BuildInput(req engine.Request, settings engine.Settings, now time.Time) *Input {
	in := &Input{
		Intent:           req.Intent,
		Cluster:          req.Cluster,
		Volume:           req.Volume,
		SourceVolume:     req.SourceVolume,
		Datastore:        req.Datastore,
		SizeBytes:        req.SizeBytes,
		DatastoreCluster: req.DatastoreCluster,
		Force:            req.Force,
		ForceResignature: req.ForceResignature,
		DryRun:           req.DryRun,
		Timestamp:        now.UTC(),
	}
	if req.Intent == engine.IntentClone && in.Volume == "" && req.SourceVolume != "" {
		in.Volume = settings.CloneName(req.SourceVolume, req.Cluster, now)
	}
	if in.Datastore == "" && in.Volume != "" && (req.Intent == engine.IntentProvision || req.Intent == engine.IntentClone) {
		in.Datastore = settings.DatastoreName(in.Volume, req.Cluster)
	}
	in.Target = in.Datastore
	if in.Target == "" {
		in.Target = in.Volume
	}
	return in
}
