package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// LogHandler is a slog.Handler that tags every record with the active
// span's trace/span id, counts records by level as an OTel metric, and
// buffers entries through a background goroutine so a slow writer never
// blocks the caller.
type LogHandler struct {
	opts        HandlerOptions
	tracer      trace.Tracer
	meter       metric.Meter
	serviceName string

	logCounter   metric.Int64Counter
	bufferErrors metric.Int64Counter

	buffer   chan logEntry
	shutdown chan struct{}
	wg       sync.WaitGroup
}

type HandlerOptions struct {
	Level       slog.Level
	Writer      io.Writer
	ReplaceAttr func(groups []string, a slog.Attr) slog.Attr
	BufferSize  int
}

type logEntry struct {
	time  time.Time
	level slog.Level
	msg   string
	attrs []slog.Attr
	ctx   context.Context
}

func NewObservabilityHandler(tracer trace.Tracer, meter metric.Meter, serviceName string) (*LogHandler, error) {
	return NewObservabilityHandlerWithOptions(tracer, meter, serviceName, HandlerOptions{
		Level:      slog.LevelInfo,
		BufferSize: 1000,
	})
}

func NewObservabilityHandlerWithOptions(tracer trace.Tracer, meter metric.Meter, serviceName string, opts HandlerOptions) (*LogHandler, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}

	logCounter, err := meter.Int64Counter(
		"logs_total",
		metric.WithDescription("Total number of log entries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	bufferErrors, err := meter.Int64Counter(
		"log_buffer_errors_total",
		metric.WithDescription("Total number of log entries dropped for a full buffer"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	h := &LogHandler{
		opts:         opts,
		tracer:       tracer,
		meter:        meter,
		serviceName:  serviceName,
		logCounter:   logCounter,
		bufferErrors: bufferErrors,
		buffer:       make(chan logEntry, opts.BufferSize),
		shutdown:     make(chan struct{}),
	}

	h.wg.Add(1)
	go h.processLogs()

	return h, nil
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}

	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(attr slog.Attr) bool {
		attrs = append(attrs, attr)
		return true
	})

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		attrs = append(attrs,
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	attrs = append(attrs,
		slog.String("service", h.serviceName),
		slog.String("source", getSource()),
	)

	entry := logEntry{
		time:  r.Time,
		level: r.Level,
		msg:   r.Message,
		attrs: attrs,
		ctx:   ctx,
	}

	select {
	case h.buffer <- entry:
	default:
		// Buffer full; drop the entry rather than block the caller.
		h.bufferErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("service", h.serviceName),
		))
	}

	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandler, _ := NewObservabilityHandlerWithOptions(h.tracer, h.meter, h.serviceName, h.opts)
	return newHandler
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return h
}

func (h *LogHandler) processLogs() {
	defer h.wg.Done()

	for {
		select {
		case entry := <-h.buffer:
			h.processLogEntry(entry)
		case <-h.shutdown:
			for {
				select {
				case entry := <-h.buffer:
					h.processLogEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (h *LogHandler) processLogEntry(entry logEntry) {
	h.logCounter.Add(entry.ctx, 1, metric.WithAttributes(
		attribute.String("level", entry.level.String()),
		attribute.String("service", h.serviceName),
	))

	if h.opts.Writer == nil {
		return
	}

	logData := map[string]interface{}{
		"time":    entry.time.Format(time.RFC3339),
		"level":   entry.level.String(),
		"msg":     entry.msg,
		"service": h.serviceName,
	}
	for _, attr := range entry.attrs {
		logData[attr.Key] = attr.Value.Any()
	}
	fmt.Fprintf(h.opts.Writer, "%v\n", logData)
}

func (h *LogHandler) Shutdown(ctx context.Context) error {
	close(h.shutdown)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func getSource() string {
	_, file, line, ok := runtime.Caller(4)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}
