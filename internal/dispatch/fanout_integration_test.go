package dispatch_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mcphub/hub/internal/config"
	"github.com/mcphub/hub/internal/dependency"
	"github.com/mcphub/hub/internal/dispatch"
	"github.com/mcphub/hub/internal/eventlog"
	"github.com/mcphub/hub/internal/fanout"
	"github.com/mcphub/hub/internal/observability"
	"github.com/mcphub/hub/internal/protocol"
	"github.com/mcphub/hub/internal/registry"
	"github.com/mcphub/hub/internal/task"

	"google.golang.org/protobuf/types/known/structpb"
)

// TestBroadcastFanoutSerializesOnSingleAgent reproduces testable property
// 10: a broadcast fan-out of size N to an agent pool of size 1 serializes
// strictly on that agent's FIFO, and every sub-task still completes and
// the parent aggregates once all of them have.
func TestBroadcastFanoutSerializesOnSingleAgent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger, nil, nil, time.Hour, 100)
	depMgr := dependency.New(logger)
	log := eventlog.New(1000)
	cfg := &config.AppConfig{
		DefaultTaskTimeoutMs: 2000,
		DefaultMaxRetries:    0,
		RetryBaseBackoffMs:   5,
		RetryMaxBackoffMs:    50,
		DispatchQuiescenceMs: 10,
	}
	tm := observability.NewTraceManager("test")
	d := dispatch.New(reg, depMgr, log, cfg, logger, tm, nil)

	fd := fanout.New(d, log, logger)
	d.SetFanoutHandler(fd.Split)
	d.OnTerminal(fd.HandleTerminal)

	conn := registry.NewConn("a1", nil, 16, logger)
	reg.Register(protocol.RegisterPayload{AgentID: "a1", Capabilities: []string{"step"}}, conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, 1)

	done := make(chan *task.Task, 1)
	d.OnTerminal(func(tk *task.Task) {
		if tk.TaskID == "P1" {
			done <- tk
		}
	})

	payload := &structpb.Struct{Fields: map[string]*structpb.Value{
		"items": structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
			structpb.NewStringValue("x"),
		}}),
	}}
	parent := &task.Task{
		TaskID: "P1", ContextID: "ctx1", Action: "step", Payload: payload,
		Timeout: time.Minute, MaxRetries: 0,
		Parallelism: 3, FanoutStrategy: task.FanoutBroadcast, Aggregator: task.AggregatorConcat,
		State: task.StatePending,
	}
	d.Track(parent)
	d.Enqueue(parent.TaskID)

	// Reply to each sub-task as it arrives on the single agent's outbound
	// queue, one at a time — nothing about this loop depends on ordering
	// beyond "one at a time, FIFO", which is all property 10 asserts.
	replied := 0
	for replied < 3 {
		select {
		case env := <-conn.Outbound():
			if env.Kind != protocol.KindTask {
				continue
			}
			d.HandleResult("a1", protocol.ResultPayload{
				TaskID: env.Task.TaskID,
				Result: &structpb.Struct{Fields: map[string]*structpb.Value{
					"v": structpb.NewStringValue(env.Task.TaskID),
				}},
			})
			replied++
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for sub-task %d/3", replied+1)
		}
	}

	select {
	case resolved := <-done:
		if resolved.State != task.StateCompleted {
			t.Fatalf("want parent completed, got %s", resolved.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for parent aggregation")
	}

	results := log.Tail(50)
	dispatchedCount := 0
	for _, e := range results {
		if e.EventType == "task_dispatched" {
			dispatchedCount++
		}
	}
	if dispatchedCount != 3 {
		t.Fatalf("want 3 task_dispatched events (one per sub-task), got %d", dispatchedCount)
	}
}
