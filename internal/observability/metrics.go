package observability

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsManager owns every Prometheus series the hub exports, grouped
// by the subsystem that records them: agent registry, dispatch, fan-out,
// the Go runtime, and the log bridge.
type MetricsManager struct {
	meter metric.Meter

	// Registry metrics
	agentsConnected metric.Int64UpDownCounter
	agentsRegisteredTotal metric.Int64Counter

	// Dispatch metrics
	tasksSubmittedTotal  metric.Int64Counter
	tasksDispatchedTotal metric.Int64Counter
	tasksCompletedTotal  metric.Int64Counter
	taskDispatchDuration metric.Float64Histogram
	taskRetriesTotal     metric.Int64Counter
	readyQueueDepth      metric.Int64UpDownCounter

	// Fan-out metrics
	fanoutTasksTotal metric.Int64Counter

	// System metrics
	processCPUSecondsTotal     metric.Float64Counter
	processResidentMemoryBytes metric.Int64UpDownCounter
	goGoroutines               metric.Int64UpDownCounter
	goMemstatsAllocBytes       metric.Int64UpDownCounter

	// Previous samples, so each UpdateSystemMetrics call adds only the
	// change to the up-down counters above.
	lastGoroutines int64
	lastAllocBytes int64
	lastSysBytes   int64

	// Log bridge metrics
	logsTotal metric.Int64Counter
}

// NewMetricsManager registers every series on meter. It returns an error
// if any instrument name collides or the meter rejects the description.
func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	var err error

	mm.agentsConnected, err = meter.Int64UpDownCounter(
		"hub_agents_connected",
		metric.WithDescription("Number of agents currently connected and ready"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.agentsRegisteredTotal, err = meter.Int64Counter(
		"hub_agents_registered_total",
		metric.WithDescription("Total number of agent registration handshakes accepted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.tasksSubmittedTotal, err = meter.Int64Counter(
		"hub_tasks_submitted_total",
		metric.WithDescription("Total number of tasks submitted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.tasksDispatchedTotal, err = meter.Int64Counter(
		"hub_tasks_dispatched_total",
		metric.WithDescription("Total number of task dispatch attempts sent to an agent"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.tasksCompletedTotal, err = meter.Int64Counter(
		"hub_tasks_completed_total",
		metric.WithDescription("Total number of tasks reaching a terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.taskDispatchDuration, err = meter.Float64Histogram(
		"hub_task_dispatch_duration_seconds",
		metric.WithDescription("Time from dispatch to terminal resolution"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.taskRetriesTotal, err = meter.Int64Counter(
		"hub_task_retries_total",
		metric.WithDescription("Total number of task retry attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.readyQueueDepth, err = meter.Int64UpDownCounter(
		"hub_ready_queue_depth",
		metric.WithDescription("Number of tasks currently waiting in the ready queue"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.fanoutTasksTotal, err = meter.Int64Counter(
		"hub_fanout_subtasks_total",
		metric.WithDescription("Total number of sub-tasks produced by fan-out splits"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.processCPUSecondsTotal, err = meter.Float64Counter(
		"process_cpu_seconds_total",
		metric.WithDescription("Total user and system CPU time spent in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.processResidentMemoryBytes, err = meter.Int64UpDownCounter(
		"process_resident_memory_bytes",
		metric.WithDescription("Resident memory size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	mm.goGoroutines, err = meter.Int64UpDownCounter(
		"go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goMemstatsAllocBytes, err = meter.Int64UpDownCounter(
		"go_memstats_alloc_bytes",
		metric.WithDescription("Number of bytes allocated and still in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	mm.logsTotal, err = meter.Int64Counter(
		"hub_logs_total",
		metric.WithDescription("Total number of log records emitted, by level"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

// IncAgentsConnected records a newly registered agent.
func (mm *MetricsManager) IncAgentsConnected() {
	ctx := context.Background()
	mm.agentsConnected.Add(ctx, 1)
	mm.agentsRegisteredTotal.Add(ctx, 1)
}

// DecAgentsConnected records an agent leaving the connected set.
func (mm *MetricsManager) DecAgentsConnected() {
	mm.agentsConnected.Add(context.Background(), -1)
}

// IncTasksSubmitted records one task entering the hub via the submission API.
func (mm *MetricsManager) IncTasksSubmitted(ctx context.Context, action string) {
	mm.tasksSubmittedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// IncTasksDispatched records one dispatch attempt to an agent.
func (mm *MetricsManager) IncTasksDispatched(ctx context.Context, action string, attempt int) {
	mm.tasksDispatchedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Int("attempt", attempt),
	))
}

// IncTasksCompleted records a task reaching a terminal state.
func (mm *MetricsManager) IncTasksCompleted(ctx context.Context, action, state string) {
	mm.tasksCompletedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("state", state),
	))
}

// RecordTaskDispatchDuration records the wall-clock time from dispatch to
// terminal resolution.
func (mm *MetricsManager) RecordTaskDispatchDuration(ctx context.Context, action string, d time.Duration) {
	mm.taskDispatchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("action", action)))
}

// IncTaskRetries records one retry attempt being armed.
func (mm *MetricsManager) IncTaskRetries(ctx context.Context, action string) {
	mm.taskRetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// SetReadyQueueDepth adjusts the ready queue depth gauge by delta.
func (mm *MetricsManager) SetReadyQueueDepth(delta int64) {
	mm.readyQueueDepth.Add(context.Background(), delta)
}

// IncFanoutSubtasks records n sub-tasks produced by a fan-out split.
func (mm *MetricsManager) IncFanoutSubtasks(ctx context.Context, action string, n int) {
	mm.fanoutTasksTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("action", action)))
}

// IncLogsTotal records one log record at the given level.
func (mm *MetricsManager) IncLogsTotal(ctx context.Context, level string) {
	mm.logsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

// UpdateSystemMetrics samples Go runtime stats. Call periodically from a
// MetricsTicker.
func (mm *MetricsManager) UpdateSystemMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines, alloc, sys := int64(runtime.NumGoroutine()), int64(m.Alloc), int64(m.Sys)
	mm.goGoroutines.Add(ctx, goroutines-mm.lastGoroutines)
	mm.goMemstatsAllocBytes.Add(ctx, alloc-mm.lastAllocBytes)
	mm.processResidentMemoryBytes.Add(ctx, sys-mm.lastSysBytes)
	mm.lastGoroutines, mm.lastAllocBytes, mm.lastSysBytes = goroutines, alloc, sys
}

// StartTimer returns a function that records the elapsed duration onto
// RecordTaskDispatchDuration when called.
func (mm *MetricsManager) StartTimer() func(ctx context.Context, action string) {
	start := time.Now()
	return func(ctx context.Context, action string) {
		mm.RecordTaskDispatchDuration(ctx, action, time.Since(start))
	}
}
