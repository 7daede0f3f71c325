// Package telemetry provides the observability stack of dsctl.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry) and
// metrics (Prometheus). Metrics implements engine.Recorder, so every
// transition and result of an intent execution feeds it directly.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//	cfg.Metrics.TextfilePath = "/var/lib/node_exporter/textfile/dsctl.prom"
//
//	tel, err := telemetry.NewTelemetry(cfg, os.Stderr)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	exec := engine.NewExecutor(array, vc, tel.EngineOptions()...)
//
// # Metrics
//
//	dsctl_intents_total{intent,outcome}
//	dsctl_intent_duration_seconds{intent}
//	dsctl_stage_duration_seconds{intent,stage}
//	dsctl_findings{category,severity}
//	dsctl_probe_verdicts_total{verdict}
//	dsctl_last_run_timestamp_seconds{intent}
//
// A one-shot command writes them to the textfile on Shutdown. Watch mode
// serves them over HTTP with Serve.
//
// # Tracing
//
// The engine opens one span per intent and one per stage. Exporters are
// stdout (pretty-printed JSON) and OTLP over gRPC. With the none exporter
// spans are created but dropped.
package telemetry
