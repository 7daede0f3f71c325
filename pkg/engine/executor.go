package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/dsctl/pkg/engine"

// Option configures an Executor.
type Option func(*Executor)

// WithSettings sets the engine settings.
func WithSettings(s Settings) Option {
	return func(e *Executor) { e.settings = s }
}

// WithLogger sets the logger used for transitions.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithRecorder adds a transition and result recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) {
		if r != nil {
			e.recorders = append(e.recorders, r)
		}
	}
}

// WithAdmission sets the admission check run before any backend call.
func WithAdmission(a Admission) Option {
	return func(e *Executor) { e.admission = a }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithSleep overrides how the visibility poll waits between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// Executor maps intents onto ordered, verified backend operations.
// It holds no state between executions; callers serialize invocations per resource.
type Executor struct {
	storage   StorageBackend
	hyper     HypervisorBackend
	settings  Settings
	logger    zerolog.Logger
	recorders []Recorder
	admission Admission
	tracer    trace.Tracer
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	probe     *Probe
	auditor   *Auditor
}

// NewExecutor creates an executor over the two backends.
func NewExecutor(storage StorageBackend, hyper HypervisorBackend, opts ...Option) *Executor {
	e := &Executor{
		storage:  storage,
		hyper:    hyper,
		settings: DefaultSettings(),
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.settings = e.settings.withDefaults()
	e.probe = NewProbe(storage, hyper, e.settings, e.logger)
	e.probe.now = e.now
	e.auditor = NewAuditor(storage, hyper, e.settings, e.logger)
	e.auditor.now = e.now
	return e
}

// Settings returns the effective settings.
func (e *Executor) Settings() Settings {
	return e.settings
}

// Probe returns the executor's state probe.
func (e *Executor) Probe() *Probe {
	return e.probe
}

// Auditor returns the executor's drift auditor.
func (e *Executor) Auditor() *Auditor {
	return e.auditor
}

// Execute runs one intent to completion or to its first failure.
// The returned Result is never nil; it carries the stage reached and the full transition trace.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "intent."+strings.ToLower(string(req.Intent)),
		trace.WithAttributes(
			attribute.String("dsctl.intent", string(req.Intent)),
			attribute.String("dsctl.cluster", req.Cluster),
			attribute.String("dsctl.target", req.Target()),
			attribute.Bool("dsctl.dry_run", req.DryRun),
		))
	defer span.End()

	r := e.newRun(req)
	span.SetAttributes(attribute.String("dsctl.run_id", r.result.RunID))

	r.transition(ctx, StageRequested, SeverityLevelInfo, "Intent requested")

	err := e.validateRequest(&r.req)
	if err == nil {
		err = e.admit(ctx, r)
	}
	if err == nil {
		switch r.req.Intent {
		case IntentProvision:
			err = e.provision(ctx, r)
		case IntentClone:
			err = e.clone(ctx, r)
		case IntentExpand:
			err = e.expand(ctx, r)
		case IntentRetire:
			err = e.retire(ctx, r)
		case IntentAudit:
			err = e.audit(ctx, r)
		}
	}

	res, err := r.finish(ctx, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("dsctl.outcome", string(res.Outcome)))
	return res, err
}

// ExitCode maps an execution to the process exit status.
func ExitCode(res *Result, err error) int {
	if err != nil {
		return 1
	}
	return res.ExitCode()
}

func (e *Executor) admit(ctx context.Context, r *run) error {
	if e.admission == nil {
		return nil
	}
	warnings, err := e.admission.Admit(ctx, r.req)
	for _, w := range warnings {
		r.warn(ctx, w)
	}
	if err != nil {
		if AsEngineError(err) == nil {
			return NewValidationError("request denied by policy", err).WithCode(ErrCodePolicyViolation)
		}
		return err
	}
	return nil
}

// run is the per-execution bookkeeping.
type run struct {
	e       *Executor
	req     Request
	result  *Result
	logger  zerolog.Logger
	mutated bool
	last    time.Time
}

func (e *Executor) newRun(req Request) *run {
	now := e.now()
	id := uuid.NewString()
	return &run{
		e:   e,
		req: req,
		result: &Result{
			RunID:     id,
			Request:   req,
			Stage:     StageRequested,
			StartedAt: now,
		},
		logger: e.logger.With().
			Str("run_id", id).
			Str("intent", string(req.Intent)).
			Logger(),
		last: now,
	}
}

// transition records a stage change and emits it to the log, the span and every recorder.
func (r *run) transition(ctx context.Context, stage Stage, sev Severity, msg string, kv ...string) {
	now := r.e.now()
	t := Transition{
		RunID:    r.result.RunID,
		Intent:   r.req.Intent,
		Stage:    stage,
		Severity: sev,
		Message:  msg,
		At:       now,
		Elapsed:  now.Sub(r.last),
	}
	r.last = now
	if len(kv) > 1 {
		t.Fields = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			t.Fields[kv[i]] = kv[i+1]
		}
	}

	if stage != StageFailed && sev != SeverityLevelWarning {
		r.result.Stage = stage
	}
	r.result.Trace = append(r.result.Trace, t)

	var ev *zerolog.Event
	switch sev {
	case SeverityLevelWarning:
		ev = r.logger.Warn()
	case SeverityLevelError:
		ev = r.logger.Error()
	default:
		ev = r.logger.Info()
	}
	ev = ev.Str("stage", string(stage)).Str("severity", string(sev))
	for k, v := range t.Fields {
		ev = ev.Str(k, v)
	}
	ev.Msg(msg)

	attrs := []attribute.KeyValue{
		attribute.String("dsctl.stage", string(stage)),
		attribute.String("dsctl.severity", string(sev)),
	}
	trace.SpanFromContext(ctx).AddEvent(msg, trace.WithAttributes(attrs...))

	for _, rec := range r.e.recorders {
		if err := rec.RecordTransition(ctx, t); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to record transition")
		}
	}
}

// stage opens a child span for one stage of the intent.
func (r *run) stage(ctx context.Context, stage Stage) (context.Context, trace.Span) {
	return r.e.tracer.Start(ctx, "stage."+string(stage),
		trace.WithAttributes(attribute.String("dsctl.run_id", r.result.RunID)))
}

func (r *run) warn(ctx context.Context, msg string, kv ...string) {
	r.result.Warnings = append(r.result.Warnings, msg)
	r.transition(ctx, r.result.Stage, SeverityLevelWarning, msg, kv...)
}

func (r *run) done(ctx context.Context, msg string) {
	r.transition(ctx, StageDone, SeverityLevelSuccess, msg)
}

func (r *run) observe(state *ReconciledState) {
	if state != nil {
		r.result.State = state
	}
}

// plan records a mutating step in dry-run mode.
func (r *run) plan(stage Stage, action, target string, wouldChange bool) {
	if !r.req.DryRun {
		return
	}
	r.result.Plan = append(r.result.Plan, PlannedChange{
		Stage:       stage,
		Action:      action,
		Target:      target,
		WouldChange: wouldChange,
	})
}

// mutated marks that the intent changed state on a backend.
func (r *run) mutate() {
	if !r.req.DryRun {
		r.mutated = true
	}
}

func (r *run) finish(ctx context.Context, err error) (*Result, error) {
	res := r.result
	res.Request = r.req

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if AsEngineError(err) == nil {
				err = NewTransientError("intent cancelled", err).WithCode(ErrCodeCancelled)
			}
		} else if AsEngineError(err) == nil {
			err = NewConnectivityError("backend call failed", err)
		}
		if r.mutated && !IsPartial(err) {
			err = NewPartialError(fmt.Sprintf("%s failed after changing state", strings.ToLower(string(r.req.Intent))), err)
		}

		ee := AsEngineError(err)
		if ee.Stage == "" {
			ee.Stage = res.Stage
		}
		if ee.State == nil {
			ee.State = res.State
		}
		if ee.Resource == "" {
			ee.Resource = r.req.Target()
		}

		if !r.mutated && (IsValidation(err) || IsConfiguration(err)) {
			res.Outcome = OutcomeRejected
		} else {
			res.Outcome = OutcomeFailed
		}
		res.Error = err.Error()
		r.transition(ctx, StageFailed, SeverityLevelError, err.Error(), "at_stage", string(res.Stage))
	} else if res.Outcome == "" {
		if r.req.DryRun && r.req.Intent.IsMutating() {
			res.Outcome = OutcomePreviewed
		} else {
			res.Outcome = OutcomeSucceeded
		}
	}

	res.Duration = r.e.now().Sub(res.StartedAt)

	for _, rec := range r.e.recorders {
		if rerr := rec.RecordResult(ctx, res); rerr != nil {
			r.logger.Warn().Err(rerr).Msg("Failed to record result")
		}
	}

	r.logger.Info().
		Str("outcome", string(res.Outcome)).
		Str("stage", string(res.Stage)).
		Dur("duration", res.Duration).
		Int("exit_code", ExitCode(res, err)).
		Msg("Intent finished")

	return res, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
