package registry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mcphub/hub/internal/protocol"
	"github.com/mcphub/hub/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry() *Registry {
	return New(testLogger(), nil, nil, time.Second, 2)
}

func testConn(agentID string) *Conn {
	return NewConn(agentID, nil, 8, testLogger())
}

func TestRegisterRejectsDuplicateAgentID(t *testing.T) {
	r := newTestRegistry()
	reg := protocol.RegisterPayload{AgentID: "a1", Capabilities: []string{"summarize"}}

	if _, err := r.Register(reg, testConn("a1")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := r.Register(reg, testConn("a1")); err != ErrAgentIDConflict {
		t.Fatalf("want ErrAgentIDConflict, got %v", err)
	}
}

func TestRegisterAllowsReuseAfterDisconnect(t *testing.T) {
	r := newTestRegistry()
	reg := protocol.RegisterPayload{AgentID: "a1", Capabilities: []string{"summarize"}}

	if _, err := r.Register(reg, testConn("a1")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	r.MarkDisconnected("a1")
	if _, err := r.Register(reg, testConn("a1")); err != nil {
		t.Fatalf("reconnect after disconnect: %v", err)
	}
}

func TestAgentsWithFiltersByCapabilityAndAvailability(t *testing.T) {
	r := newTestRegistry()
	r.Register(protocol.RegisterPayload{AgentID: "a1", Capabilities: []string{"summarize"}}, testConn("a1"))
	r.Register(protocol.RegisterPayload{AgentID: "a2", Capabilities: []string{"translate"}}, testConn("a2"))
	r.Register(protocol.RegisterPayload{AgentID: "a3", Capabilities: []string{"summarize"}, MaxConcurrency: 1}, testConn("a3"))

	r.MarkDispatched("a3") // a3 now at its cap of 1

	ids := r.AgentsWith("summarize")
	if len(ids) != 1 || ids[0] != "a1" {
		t.Fatalf("want [a1], got %v", ids)
	}
}

func TestAgentsWithOrdersBySmallestInFlightThenLeastRecentlyDispatched(t *testing.T) {
	r := newTestRegistry()
	r.Register(protocol.RegisterPayload{AgentID: "a1", Capabilities: []string{"x"}}, testConn("a1"))
	r.Register(protocol.RegisterPayload{AgentID: "a2", Capabilities: []string{"x"}}, testConn("a2"))

	r.MarkDispatched("a1")
	r.MarkCompleted("a1") // a1 back to in_flight 0, but lastDispatched is set
	r.MarkDispatched("a2")
	r.MarkCompleted("a2")

	ids := r.AgentsWith("x")
	if len(ids) != 2 || ids[0] != "a1" {
		t.Fatalf("want a1 first (dispatched earlier, so least-recently-dispatched), got %v", ids)
	}
}

func TestSelectOneReturnsErrAgentUnavailable(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.SelectOne("nonexistent"); err != ErrAgentUnavailable {
		t.Fatalf("want ErrAgentUnavailable, got %v", err)
	}
}

func TestHeartbeatSweeperDisconnectsStaleAgents(t *testing.T) {
	fixed := time.Now()
	now = func() time.Time { return fixed }
	defer func() { now = time.Now }()

	r := newTestRegistry()
	r.Register(protocol.RegisterPayload{AgentID: "a1", Capabilities: []string{"x"}}, testConn("a1"))

	r.sweepOnce(500 * time.Millisecond) // well within deadline, should survive
	a, _ := r.Get("a1")
	if a.Status != task.AgentReady {
		t.Fatalf("agent disconnected too early: %v", a.Status)
	}

	now = func() time.Time { return fixed.Add(time.Second) }
	r.sweepOnce(500 * time.Millisecond)
	a, _ = r.Get("a1")
	if a.Status != task.AgentDisconnected {
		t.Fatalf("want agent disconnected after missed deadline, got %v", a.Status)
	}
}
