package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/openfroyo/dsctl/pkg/engine"
)

// Telemetry bundles the logger, tracer and metrics of one dsctl process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
// traceOut receives spans when the stdout exporter is selected.
func NewTelemetry(cfg *Config, traceOut io.Writer) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger, traceOut)
}

func newTelemetry(cfg *Config, logger *Logger, traceOut io.Writer) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, traceOut)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// EngineOptions returns the executor options that wire telemetry into the engine.
func (t *Telemetry) EngineOptions() []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(t.Logger.NewComponentLogger("engine")),
		engine.WithTracer(t.Tracer.Tracer()),
	}
	if t.Metrics.Enabled() {
		opts = append(opts, engine.WithRecorder(t.Metrics))
	}
	return opts
}

// Shutdown writes the metrics textfile, flushes spans and closes the log file.
// Every step runs; the errors are joined.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Metrics.WriteTextfile(); err != nil {
		errs = append(errs, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
