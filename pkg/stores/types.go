package stores

import (
	"context"
	"time"

	"github.com/openfroyo/dsctl/pkg/engine"
)

// Run is one journaled intent execution.
type Run struct {
	ID         string         `json:"id"`
	Intent     engine.Intent  `json:"intent"`
	Cluster    string         `json:"cluster,omitempty"`
	Target     string         `json:"target,omitempty"`
	DryRun     bool           `json:"dry_run"`
	Outcome    engine.Outcome `json:"outcome,omitempty"`
	Stage      engine.Stage   `json:"stage,omitempty"`
	Verdict    engine.Verdict `json:"verdict,omitempty"`
	Error      *string        `json:"error,omitempty"`
	Request    string         `json:"request"` // JSON-encoded engine.Request
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Finished reports whether the run's result was recorded.
// A run without a result was interrupted mid-execution.
func (r *Run) Finished() bool {
	return r.FinishedAt != nil
}

// Transition is one journaled state transition.
type Transition struct {
	ID       int64           `json:"id"`
	RunID    string          `json:"run_id"`
	Stage    engine.Stage    `json:"stage"`
	Severity engine.Severity `json:"severity"`
	Message  string          `json:"message"`
	At       time.Time       `json:"at"`
	Elapsed  time.Duration   `json:"elapsed"`
	Fields   *string         `json:"fields,omitempty"` // JSON-encoded map
}

// Finding is one journaled audit finding.
type Finding struct {
	ID       int64                  `json:"id"`
	RunID    string                 `json:"run_id"`
	Category engine.FindingCategory `json:"category"`
	Severity engine.FindingSeverity `json:"severity"`
	Entity   string                 `json:"entity"`
	Cluster  string                 `json:"cluster,omitempty"`
	Detail   string                 `json:"detail,omitempty"`
}

// RunFilter selects runs for history queries. Zero fields match everything.
type RunFilter struct {
	Intent engine.Intent
	Target string
	Limit  int
	Offset int
}

// Journal is the append-only run history.
type Journal interface {
	engine.Recorder

	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// Queries
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	ListTransitions(ctx context.Context, runID string) ([]*Transition, error)
	ListFindings(ctx context.Context, runID string) ([]*Finding, error)

	// Retention
	Prune(ctx context.Context, before time.Time) (int64, error)
}
