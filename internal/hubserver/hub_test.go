package hubserver

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mcphub/hub/internal/config"
	"github.com/mcphub/hub/internal/observability"
	"github.com/mcphub/hub/internal/protocol"
	"github.com/mcphub/hub/internal/registry"
	"github.com/mcphub/hub/internal/task"

	"google.golang.org/protobuf/types/known/structpb"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	cfg := &config.AppConfig{
		ListenAddress:                    ":0",
		MaxConcurrentDispatches:          2,
		DefaultTaskTimeoutMs:             2000,
		DefaultMaxRetries:                0,
		RetryBaseBackoffMs:               5,
		RetryMaxBackoffMs:                50,
		HeartbeatIntervalMs:              60_000,
		MissedHeartbeatsBeforeDisconnect: 3,
		AgentOutboundQueueSize:           16,
		DispatchQuiescenceMs:             10,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracer := observability.NewTraceManager("test")
	return New(cfg, logger, tracer, nil)
}

// TestSubmitRejectsUnknownDependency reproduces a malformed workflow
// where a task declares a dependency outside the submission.
func TestSubmitRejectsUnknownDependency(t *testing.T) {
	h := testHub(t)
	_, err := h.Submit(SubmitRequest{Tasks: []TaskSpec{
		{TaskID: "a", Action: "step", Dependencies: []string{"ghost"}},
	}})
	if err == nil {
		t.Fatal("expected validation error for unknown dependency")
	}
}

// TestSubmitDispatchesAndStatusReflectsCompletion exercises the full
// submit -> dispatch -> agent result -> status round-trip (S1-style).
func TestSubmitDispatchesAndStatusReflectsCompletion(t *testing.T) {
	h := testHub(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := registry.NewConn("a1", nil, 16, h.logger)
	if _, err := h.Registry.Register(protocol.RegisterPayload{AgentID: "a1", Capabilities: []string{"step"}}, conn); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, err := h.Submit(SubmitRequest{Tasks: []TaskSpec{
		{Action: "step", Payload: map[string]any{"x": 1.0}},
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(resp.TaskIDs) != 1 {
		t.Fatalf("want 1 task id, got %d", len(resp.TaskIDs))
	}
	taskID := resp.TaskIDs[0]

	var env *protocol.Envelope
	select {
	case env = <-conn.Outbound():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	if env.Kind != protocol.KindTask || env.Task.TaskID != taskID {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	h.Dispatcher.HandleResult("a1", protocol.ResultPayload{
		TaskID: taskID,
		Result: &structpb.Struct{Fields: map[string]*structpb.Value{"ok": structpb.NewBoolValue(true)}},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		statuses, err := h.Status(taskID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if statuses[0].State == task.StateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed, last state %s", statuses[0].State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestCancelContextCancelsAllItsTasks reproduces cancelling a workflow
// before any task in it has been dispatched.
func TestCancelContextCancelsAllItsTasks(t *testing.T) {
	h := testHub(t)

	resp, err := h.Submit(SubmitRequest{Tasks: []TaskSpec{
		{Action: "noop"},
		{Action: "noop"},
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := h.Cancel(resp.ContextID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	statuses, err := h.Status(resp.ContextID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, s := range statuses {
		if s.State != task.StateCancelled {
			t.Fatalf("want all tasks cancelled, got %s for %s", s.State, s.TaskID)
		}
	}
}

// TestCancelUnknownIDReturnsNotFound checks the Submission API's
// not-found behavior for both malformed context and task ids.
func TestCancelUnknownIDReturnsNotFound(t *testing.T) {
	h := testHub(t)
	if _, err := h.Cancel("does-not-exist"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
