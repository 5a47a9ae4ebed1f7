// Package registry tracks connected agents: their advertised
// capabilities, liveness, and in-flight load, and answers the
// dispatcher's capability queries.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mcphub/hub/internal/observability"
	"github.com/mcphub/hub/internal/protocol"
	"github.com/mcphub/hub/internal/task"
)

// ErrAgentIDConflict is returned by Register when agent_id is already
// connected.
var ErrAgentIDConflict = errors.New("registry: agent_id already connected")

// ErrAgentUnavailable is returned when no connected agent can currently
// accept a dispatch for the requested action.
var ErrAgentUnavailable = errors.New("registry: no agent available for action")

// entry bundles the domain-model Agent with its live connection. All
// access is guarded by Registry.mu.
type entry struct {
	agent *task.Agent
	conn  *Conn
	// lastDispatched breaks agent-selection ties (equal in_flight) in
	// favor of the agent least recently given work.
	lastDispatched time.Time
}

// Registry is the hub's connected-agent directory. One Registry exists
// per hub process.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*entry
	logger  *slog.Logger
	tracer  *observability.TraceManager
	metrics *observability.MetricsManager

	heartbeatInterval time.Duration
	missedBeforeDrop  int
}

// New creates an empty Registry.
func New(logger *slog.Logger, tracer *observability.TraceManager, metrics *observability.MetricsManager, heartbeatInterval time.Duration, missedBeforeDrop int) *Registry {
	return &Registry{
		agents:            make(map[string]*entry),
		logger:            logger,
		tracer:            tracer,
		metrics:           metrics,
		heartbeatInterval: heartbeatInterval,
		missedBeforeDrop:  missedBeforeDrop,
	}
}

// Register admits a newly connected agent. It returns ErrAgentIDConflict
// if agent_id is already present with a live connection.
func (r *Registry) Register(reg protocol.RegisterPayload, conn *Conn) (*task.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[reg.AgentID]; ok && existing.agent.Status != task.AgentDisconnected {
		return nil, ErrAgentIDConflict
	}

	caps := make(map[string]struct{}, len(reg.Capabilities))
	for _, c := range reg.Capabilities {
		caps[c] = struct{}{}
	}

	a := &task.Agent{
		AgentID:        reg.AgentID,
		Capabilities:   caps,
		Description:    reg.Description,
		MaxConcurrency: reg.MaxConcurrency,
		Status:         task.AgentReady,
		LastHeartbeat:  now(),
		ConnectedAt:    now(),
	}
	r.agents[reg.AgentID] = &entry{agent: a, conn: conn}
	r.logger.Info("agent registered", "agent_id", a.AgentID, "capabilities", reg.Capabilities)
	if r.metrics != nil {
		r.metrics.IncAgentsConnected()
	}
	return a, nil
}

// Unregister removes agentID from the directory entirely (used on
// explicit disconnect-and-forget; a heartbeat timeout instead marks the
// agent disconnected so in-flight task bookkeeping survives).
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// MarkDisconnected flips an agent to the disconnected status without
// removing its record, so the dispatcher's in-flight accounting for
// tasks it was running can still resolve.
func (r *Registry) MarkDisconnected(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.agent.Status = task.AgentDisconnected
		r.logger.Info("agent disconnected", "agent_id", agentID)
		if r.metrics != nil {
			r.metrics.DecAgentsConnected()
		}
	}
}

// Heartbeat records liveness for agentID.
func (r *Registry) Heartbeat(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.agent.LastHeartbeat = now()
	}
}

// Get returns a snapshot of the named agent's domain record.
func (r *Registry) Get(agentID string) (*task.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return e.agent.Clone(), true
}

// Conn returns the live connection for agentID, if any.
func (r *Registry) Conn(agentID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok || e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// AgentsWith returns the agent_ids that advertise action, available for
// dispatch (ready, under their concurrency cap), ordered by smallest
// in_flight, then least recently dispatched.
func (r *Registry) AgentsWith(action string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*entry
	for _, e := range r.agents {
		if e.agent.HasCapability(action) && e.agent.Available() {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].agent.InFlight != candidates[j].agent.InFlight {
			return candidates[i].agent.InFlight < candidates[j].agent.InFlight
		}
		return candidates[i].lastDispatched.Before(candidates[j].lastDispatched)
	})

	ids := make([]string, len(candidates))
	for i, e := range candidates {
		ids[i] = e.agent.AgentID
	}
	return ids
}

// SelectOne returns the single best agent for action by the tie-break
// used throughout the hub: smallest in_flight, then least-recently-
// dispatched. It returns ErrAgentUnavailable if none qualify. The
// dispatcher itself never calls this: selecting and booking an agent
// must happen in one critical section (TryAssign), which this can't
// provide since it doesn't book. Kept as the read-only half of that
// tie-break for tests to exercise in isolation.
func (r *Registry) SelectOne(action string) (string, error) {
	ids := r.AgentsWith(action)
	if len(ids) == 0 {
		return "", ErrAgentUnavailable
	}
	return ids[0], nil
}

// TryAssign selects the best agent for action and marks it dispatched in
// the same critical section, so two concurrent dispatcher workers can
// never both believe they booked an agent already at its concurrency cap.
func (r *Registry) TryAssign(action string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *entry
	for _, e := range r.agents {
		if !e.agent.HasCapability(action) || !e.agent.Available() {
			continue
		}
		if best == nil ||
			e.agent.InFlight < best.agent.InFlight ||
			(e.agent.InFlight == best.agent.InFlight && e.lastDispatched.Before(best.lastDispatched)) {
			best = e
		}
	}
	if best == nil {
		return "", ErrAgentUnavailable
	}
	best.agent.InFlight++
	best.lastDispatched = now()
	return best.agent.AgentID, nil
}

// MarkDispatched increments in_flight for agentID and records the
// dispatch time used for agent-selection tie-breaking. The production
// dispatch path never calls this separately — TryAssign does the same
// bookkeeping atomically with selection. Exported for tests that need
// to set up an agent's in_flight count without going through a full
// dispatch.
func (r *Registry) MarkDispatched(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.agent.InFlight++
		e.lastDispatched = now()
	}
}

// MarkCompleted decrements in_flight for agentID after a task reaches a
// terminal state.
func (r *Registry) MarkCompleted(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok && e.agent.InFlight > 0 {
		e.agent.InFlight--
	}
}

// Snapshot returns a copy of every known agent, for the status endpoint
// and health checks.
func (r *Registry) Snapshot() []*task.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*task.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.agent.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// RunHeartbeatSweeper periodically scans for agents that have missed
// missedBeforeDrop consecutive heartbeat intervals and marks them
// disconnected. Run it once per Registry in its own goroutine.
func (r *Registry) RunHeartbeatSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	threshold := time.Duration(r.missedBeforeDrop) * r.heartbeatInterval

	for {
		select {
		case <-ticker.C:
			r.sweepOnce(threshold)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) sweepOnce(threshold time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now().Add(-threshold)
	for id, e := range r.agents {
		if e.agent.Status == task.AgentDisconnected {
			continue
		}
		if e.agent.LastHeartbeat.Before(cutoff) {
			e.agent.Status = task.AgentDisconnected
			r.logger.Warn("agent missed heartbeat deadline, disconnecting", "agent_id", id)
			if r.metrics != nil {
				r.metrics.DecAgentsConnected()
			}
		}
	}
}

// now is a seam for tests; production code always uses wall-clock time.
var now = time.Now
