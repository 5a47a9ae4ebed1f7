// Package observability provides the hub's tracing, metrics, structured
// logging, and health-check infrastructure.
//
// # Overview
//
//   - Distributed tracing (OpenTelemetry, exported over OTLP/gRPC)
//   - Metrics collection (Prometheus, via the OTel Prometheus exporter)
//   - Structured logging (log/slog), tagged with the active span and counted
//   - HTTP health and readiness endpoints
//
// cmd/hub builds one Observability value and hands its *slog.Logger, a
// *TraceManager, and a *MetricsManager to hubserver.New. The registry and
// dispatcher receive all three, the fan-out manager a logger and metrics,
// the dependency manager a logger only; the event log takes none. The
// dispatcher opens one span per dispatch attempt, ending when the task
// frame is queued to the agent; the trace context is not sent to agents.
//
// # Quick Start
//
//	obs, err := observability.NewObservability(observability.DefaultConfig("hub"))
//	if err != nil { ... }
//	defer obs.Shutdown(context.Background())
//
//	mm, _ := observability.NewMetricsManager(obs.Meter)
//	tm := observability.NewTraceManager("hub")
//
// # Logging
//
// LogHandler implements slog.Handler and forwards every record
// through a bounded buffer to both a logs_total counter and, when the
// calling goroutine holds an active span, that span's trace/span ID. A
// full buffer drops the log entry rather than blocking the caller — the
// same back-pressure philosophy the hub applies to agent outbound queues.
//
// # Tracing conventions
//
// The hub's own dispatch span is named "dispatch.send" and carries the
// task id, action, agent id and attempt. The generic helpers use the names
// "process_event", "publish_event" and "consume_event"; a "hub.component"
// attribute is set only where AddComponentAttribute is called.
//
// # Health checks
//
// HealthServer exposes /health, /ready, and /metrics. cmd/hub registers a
// single HealthChecker, the registry-connectivity check from
// internal/hubserver; /ready runs the same checks as /health.
package observability
