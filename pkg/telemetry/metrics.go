package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/dsctl/pkg/engine"
)

// Metrics collects Prometheus metrics for intent executions.
// It implements engine.Recorder.
type Metrics struct {
	config MetricsConfig

	intents        *prometheus.CounterVec
	intentDuration *prometheus.HistogramVec
	stageDuration  *prometheus.HistogramVec
	findings       *prometheus.GaugeVec
	verdicts       *prometheus.CounterVec
	lastRun        *prometheus.GaugeVec

	registry *prometheus.Registry
}

var _ engine.Recorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		intents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intents_total",
				Help:      "Total number of intent executions by outcome",
			},
			[]string{"intent", "outcome"},
		),
		intentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "intent_duration_seconds",
				Help:      "Duration of intent executions in seconds",
				Buckets:   buckets,
			},
			[]string{"intent"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time taken to reach each stage in seconds",
				Buckets:   buckets,
			},
			[]string{"intent", "stage"},
		),
		findings: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "findings",
				Help:      "Findings reported by the last audit",
			},
			[]string{"category", "severity"},
		),
		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_verdicts_total",
				Help:      "Final reconciled-state verdicts of intent executions",
			},
			[]string{"verdict"},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last finished execution per intent",
			},
			[]string{"intent"},
		),
	}

	registry.MustRegister(
		m.intents,
		m.intentDuration,
		m.stageDuration,
		m.findings,
		m.verdicts,
		m.lastRun,
	)

	return m, nil
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// RecordTransition observes the time taken to reach a stage.
// Warnings repeat the current stage and are not observed.
func (m *Metrics) RecordTransition(_ context.Context, t engine.Transition) error {
	if !m.Enabled() || t.Severity == engine.SeverityLevelWarning {
		return nil
	}
	m.stageDuration.WithLabelValues(string(t.Intent), string(t.Stage)).Observe(t.Elapsed.Seconds())
	return nil
}

// RecordResult counts the execution, its verdict and, for audits, its findings.
func (m *Metrics) RecordResult(_ context.Context, r *engine.Result) error {
	if !m.Enabled() || r == nil {
		return nil
	}
	intent := string(r.Request.Intent)
	m.intents.WithLabelValues(intent, string(r.Outcome)).Inc()
	m.intentDuration.WithLabelValues(intent).Observe(r.Duration.Seconds())
	m.lastRun.WithLabelValues(intent).Set(float64(r.StartedAt.Add(r.Duration).Unix()))

	if r.State != nil && r.State.Verdict != "" {
		m.verdicts.WithLabelValues(string(r.State.Verdict)).Inc()
	}

	if r.Request.Intent == engine.IntentAudit && r.Outcome != engine.OutcomeFailed && r.Outcome != engine.OutcomeRejected {
		m.findings.Reset()
		for _, f := range r.Findings {
			m.findings.WithLabelValues(string(f.Category), string(f.Severity)).Inc()
		}
	}
	return nil
}

// Gatherer returns the registry, or nil when metrics are disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if !m.Enabled() {
		return nil
	}
	return m.registry
}

// WriteTextfile writes the registry to the configured textfile path.
// It does nothing when metrics are disabled or no path is set.
func (m *Metrics) WriteTextfile() error {
	if !m.Enabled() || m.config.TextfilePath == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.config.TextfilePath, m.registry)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes /metrics on the configured listen address until ctx is done.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.Enabled() || m.config.ListenAddress == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", m.config.ListenAddress).Msg("Serving metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
