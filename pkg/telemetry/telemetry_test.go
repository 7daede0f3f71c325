package telemetry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/dsctl/pkg/engine"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "default", modify: func(*Config) {}},
		{name: "no service", modify: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", modify: func(c *Config) { c.Logging.Level = "fatal" }, wantErr: true},
		{name: "bad format", modify: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name:    "bad exporter",
			modify:  func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" },
			wantErr: true,
		},
		{
			name:    "otlp without endpoint",
			modify:  func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" },
			wantErr: true,
		},
		{name: "sampling", modify: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{
			name:    "metrics without namespace",
			modify:  func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Namespace = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "info", Format: "json"})

	logger.WithRunID("run-1").Zerolog().Info().Msg("hello")
	logger.Zerolog().Debug().Msg("hidden")
	component := logger.NewComponentLogger("nimble")
	component.Warn().Msg("slow")

	out := buf.String()
	if !strings.Contains(out, `"run_id":"run-1"`) {
		t.Errorf("Expected run_id field, got %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected debug line to be filtered, got %s", out)
	}
	if !strings.Contains(out, `"component":"nimble"`) {
		t.Errorf("Expected component field, got %s", out)
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dsctl.log")
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Zerolog().Debug().Msg("to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("Expected log line in file, got %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug").String() != "debug" {
		t.Error("Expected debug level")
	}
	if ParseLevel("bogus").String() != "info" {
		t.Error("Expected info as fallback")
	}
}

func sampleResult(intent engine.Intent, outcome engine.Outcome) *engine.Result {
	return &engine.Result{
		RunID:     "run-1",
		Request:   engine.Request{Intent: intent, Cluster: "Prod", Volume: "vol1"},
		Outcome:   outcome,
		Stage:     engine.StageDone,
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:  3 * time.Second,
	}
}

// gathered returns the value of the metric with the given name and labels.
func gathered(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false, TextfilePath: filepath.Join(t.TempDir(), "x.prom")})
	if err != nil {
		t.Fatal(err)
	}
	if m.Enabled() {
		t.Error("Expected metrics to be disabled")
	}
	if err := m.RecordResult(context.Background(), sampleResult(engine.IntentProvision, engine.OutcomeSucceeded)); err != nil {
		t.Errorf("RecordResult failed: %v", err)
	}
	if err := m.WriteTextfile(); err != nil {
		t.Errorf("WriteTextfile failed: %v", err)
	}
	if m.Gatherer() != nil {
		t.Error("Expected no gatherer")
	}
}

func TestMetrics_RecordResult(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "dsctl"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	res := sampleResult(engine.IntentProvision, engine.OutcomeSucceeded)
	res.State = &engine.ReconciledState{Verdict: engine.VerdictConsistent}
	_ = m.RecordResult(ctx, res)
	_ = m.RecordResult(ctx, res)

	if v, ok := gathered(t, m.Gatherer(), "dsctl_intents_total", map[string]string{"intent": "Provision", "outcome": "Succeeded"}); !ok || v != 2 {
		t.Errorf("Expected 2 provisions, got %v (found %v)", v, ok)
	}
	if v, ok := gathered(t, m.Gatherer(), "dsctl_probe_verdicts_total", map[string]string{"verdict": "Consistent"}); !ok || v != 2 {
		t.Errorf("Expected 2 Consistent verdicts, got %v", v)
	}
	if v, _ := gathered(t, m.Gatherer(), "dsctl_intent_duration_seconds", map[string]string{"intent": "Provision"}); v != 2 {
		t.Errorf("Expected 2 duration samples, got %v", v)
	}
}

func TestMetrics_Findings(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "dsctl"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first := sampleResult(engine.IntentAudit, engine.OutcomeFindingsPresent)
	first.Findings = []engine.Finding{
		{Category: engine.CategoryZombieVolume, Severity: engine.SeverityWarning, Entity: "a"},
		{Category: engine.CategoryZombieVolume, Severity: engine.SeverityWarning, Entity: "b"},
		{Category: engine.CategoryLowSpace, Severity: engine.SeverityCritical, Entity: "ds1"},
	}
	_ = m.RecordResult(ctx, first)

	labels := map[string]string{"category": "zombie-volume", "severity": "warning"}
	if v, _ := gathered(t, m.Gatherer(), "dsctl_findings", labels); v != 2 {
		t.Errorf("Expected 2 zombie findings, got %v", v)
	}

	// A clean audit clears the previous findings.
	_ = m.RecordResult(ctx, sampleResult(engine.IntentAudit, engine.OutcomeSucceeded))
	if _, ok := gathered(t, m.Gatherer(), "dsctl_findings", labels); ok {
		t.Error("Expected findings to be reset")
	}

	// A failed audit leaves the gauges alone.
	_ = m.RecordResult(ctx, first)
	_ = m.RecordResult(ctx, sampleResult(engine.IntentAudit, engine.OutcomeFailed))
	if v, _ := gathered(t, m.Gatherer(), "dsctl_findings", labels); v != 2 {
		t.Errorf("Expected findings to survive a failed audit, got %v", v)
	}
}

func TestMetrics_RecordTransition(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "dsctl"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	_ = m.RecordTransition(ctx, engine.Transition{
		Intent: engine.IntentExpand, Stage: engine.StageVolumeGrown, Severity: engine.SeverityLevelInfo, Elapsed: time.Second,
	})
	_ = m.RecordTransition(ctx, engine.Transition{
		Intent: engine.IntentExpand, Stage: engine.StageVolumeGrown, Severity: engine.SeverityLevelWarning, Elapsed: time.Second,
	})

	if v, _ := gathered(t, m.Gatherer(), "dsctl_stage_duration_seconds", map[string]string{"intent": "Expand", "stage": "VolumeGrown"}); v != 1 {
		t.Errorf("Expected 1 stage sample, got %v", v)
	}
}

func TestMetrics_WriteTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dsctl.prom")
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "dsctl", TextfilePath: path})
	if err != nil {
		t.Fatal(err)
	}
	_ = m.RecordResult(context.Background(), sampleResult(engine.IntentRetire, engine.OutcomeAlreadySatisfied))

	if err := m.WriteTextfile(); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `dsctl_intents_total{intent="Retire",outcome="AlreadySatisfied"} 1`) {
		t.Errorf("Unexpected textfile content:\n%s", data)
	}
}

func TestMetrics_Serve(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "dsctl", ListenAddress: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, NewLoggerTo(&bytes.Buffer{}, LoggingConfig{Format: "json"}).Zerolog()) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestTracer(t *testing.T) {
	var buf bytes.Buffer
	tr, err := NewTracer(TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, "dsctl", "test", &buf)
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}

	ctx, span := tr.Tracer().Start(context.Background(), "intent.provision")
	if !trace.SpanFromContext(ctx).SpanContext().IsValid() {
		t.Error("Expected a sampled span")
	}
	span.End()

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !strings.Contains(buf.String(), "intent.provision") {
		t.Errorf("Expected exported span, got %s", buf.String())
	}

	if _, err := NewTracer(TracingConfig{Enabled: true, Exporter: "zipkin"}, "dsctl", "test", nil); err == nil {
		t.Error("Expected error for unsupported exporter")
	}
}

func TestTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.TextfilePath = filepath.Join(t.TempDir(), "dsctl.prom")

	cfg.Logging.Output = filepath.Join(t.TempDir(), "dsctl.log")

	tel, err := NewTelemetry(cfg, nil)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	if got := len(tel.EngineOptions()); got != 3 {
		t.Errorf("Expected 3 engine options, got %d", got)
	}

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := os.Stat(cfg.Metrics.TextfilePath); err != nil {
		t.Errorf("Expected textfile to be written: %v", err)
	}

	bad := DefaultConfig()
	bad.Logging.Level = "loud"
	if _, err := NewTelemetry(bad, nil); err == nil {
		t.Error("Expected invalid config to be rejected")
	}
}
