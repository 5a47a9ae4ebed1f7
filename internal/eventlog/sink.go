package eventlog

import (
	"encoding/json"
	"io"
	"log/slog"
)

// WriterSink writes every event as one JSON line to w. It is grounded on
// the line-delimited event posting the teacher's observability handler
// uses for its log-to-event bridge. It is attached with Log.AddSink; the
// hub does not construct one from the configured event_log_sinks, so
// that setting has no effect on its own.
type WriterSink struct {
	w      io.Writer
	logger *slog.Logger
}

// NewWriterSink wraps w as a Sink. A write error is logged and dropped —
// event log sinks are best-effort, never a back-pressure source for the
// hub's hot path.
func NewWriterSink(w io.Writer, logger *slog.Logger) *WriterSink {
	return &WriterSink{w: w, logger: logger}
}

func (s *WriterSink) Write(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to marshal event for sink", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := s.w.Write(data); err != nil {
		s.logger.Error("failed to write event to sink", "error", err)
	}
}
