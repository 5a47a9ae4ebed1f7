// Package dispatch runs the hub's ready queue and the per-task dispatch,
// timeout, and retry state machine described in SPEC_FULL §4.3. It owns
// no agent connection state directly — it asks the registry to assign an
// agent and asks the registry's Conn to deliver the task frame.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcphub/hub/internal/config"
	"github.com/mcphub/hub/internal/dependency"
	"github.com/mcphub/hub/internal/eventlog"
	"github.com/mcphub/hub/internal/observability"
	"github.com/mcphub/hub/internal/protocol"
	"github.com/mcphub/hub/internal/registry"
	"github.com/mcphub/hub/internal/task"
)

// Dispatcher owns the ready queue and every in-flight task's timer.
type Dispatcher struct {
	mu     sync.Mutex
	tasks  map[string]*task.Task
	timers map[string]*time.Timer
	queue  *readyQueue
	wake   chan struct{}

	registry *registry.Registry
	depMgr   *dependency.Manager
	log      *eventlog.Log
	cfg      *config.AppConfig
	logger   *slog.Logger
	tracer   *observability.TraceManager
	metrics  *observability.MetricsManager

	terminalListeners []func(*task.Task)
	fanoutHandler     func(*task.Task)

	msgSeq uint64
}

// New creates a Dispatcher. Call Run once per process in its own
// goroutine (it spawns its own worker pool internally), and Submit or
// Enqueue to feed it tasks.
func New(
	reg *registry.Registry,
	depMgr *dependency.Manager,
	log *eventlog.Log,
	cfg *config.AppConfig,
	logger *slog.Logger,
	tracer *observability.TraceManager,
	metrics *observability.MetricsManager,
) *Dispatcher {
	return &Dispatcher{
		tasks:    make(map[string]*task.Task),
		timers:   make(map[string]*time.Timer),
		queue:    newReadyQueue(),
		wake:     make(chan struct{}, 1),
		registry: reg,
		depMgr:   depMgr,
		log:      log,
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
	}
}

// OnTerminal registers fn to be called, outside the dispatcher's lock,
// every time a task reaches a terminal state. The fan-out manager and
// the submission API both listen here rather than the dispatcher
// importing either.
func (d *Dispatcher) OnTerminal(fn func(*task.Task)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminalListeners = append(d.terminalListeners, fn)
}

// SetFanoutHandler registers the callback invoked, instead of a normal
// agent dispatch, whenever a ready task is a fan-out parent
// (Parallelism>1, ParentTaskID==""). The fan-out manager is the only
// intended caller; wiring it as a function value keeps this package
// from importing fanout.
func (d *Dispatcher) SetFanoutHandler(fn func(*task.Task)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fanoutHandler = fn
}

// Task returns a snapshot of the named task, if known.
func (d *Dispatcher) Task(taskID string) (*task.Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Track registers a newly-submitted task (state pending or, if it has no
// unmet dependencies, ready) without yet placing it on the ready queue;
// Enqueue does that once the dependency manager confirms readiness.
func (d *Dispatcher) Track(t *task.Task) {
	d.mu.Lock()
	d.tasks[t.TaskID] = t
	d.mu.Unlock()
}

// Enqueue transitions a tracked task to ready and places it on the
// scheduling queue.
func (d *Dispatcher) Enqueue(taskID string) {
	d.mu.Lock()
	t, ok := d.tasks[taskID]
	if !ok || t.State.Terminal() {
		d.mu.Unlock()
		return
	}
	t.State = task.StateReady
	d.queue.push(t)
	if d.metrics != nil {
		d.metrics.SetReadyQueueDepth(1)
	}
	d.mu.Unlock()

	d.log.Append(eventlog.Event{
		Component: "dependency", EventType: "task_ready", TaskID: t.TaskID, ContextID: t.ContextID,
		Level: eventlog.LevelInfo,
	})
	d.wakeOne()
}

func (d *Dispatcher) wakeOne() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run starts n worker goroutines pulling from the ready queue until ctx
// is cancelled.
func (d *Dispatcher) Run(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		t, ok := d.popReady()
		if !ok {
			select {
			case <-d.wake:
			case <-ctx.Done():
				return
			}
			continue
		}

		d.mu.Lock()
		handler := d.fanoutHandler
		d.mu.Unlock()
		if t.IsFanoutParent() && handler != nil {
			d.mu.Lock()
			t.State = task.StateDispatched
			d.mu.Unlock()
			d.log.Append(eventlog.Event{
				Component: "fanout", EventType: "fanout_split", TaskID: t.TaskID,
				ContextID: t.ContextID, Level: eventlog.LevelInfo,
			})
			handler(t)
			continue
		}

		agentID, err := d.registry.TryAssign(t.Action)
		if err != nil {
			d.parkUnavailable(t)
			select {
			case <-time.After(d.cfg.DispatchQuiescence()):
			case <-d.wake:
			case <-ctx.Done():
				return
			}
			continue
		}

		d.dispatchTo(ctx, t, agentID)
	}
}

func (d *Dispatcher) popReady() (*task.Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		id, ok := d.queue.pop()
		if !ok {
			return nil, false
		}
		if d.metrics != nil {
			d.metrics.SetReadyQueueDepth(-1)
		}
		// A task cancelled while queued stays cancelled.
		if t := d.tasks[id]; !t.State.Terminal() {
			return t, true
		}
	}
}

func (d *Dispatcher) parkUnavailable(t *task.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue.pushFront(t)
	if d.metrics != nil {
		d.metrics.SetReadyQueueDepth(1)
	}
}

// dispatchTo performs the four dispatch steps of SPEC_FULL §4.3: mark
// dispatched, emit the event, arm the timeout, and hand the frame to the
// agent's connection. A write failure is treated exactly like a
// transient in-flight failure.
func (d *Dispatcher) dispatchTo(ctx context.Context, t *task.Task, agentID string) {
	ctx, span := d.tracer.StartDispatchSpan(ctx, t.TaskID, t.Action, agentID, t.Attempt)
	defer span.End()

	d.mu.Lock()
	t.State = task.StateDispatched
	t.AssignedAgentID = agentID
	d.armTimerLocked(t)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.IncTasksDispatched(ctx, t.Action, t.Attempt)
	}
	d.log.Append(eventlog.Event{
		Component: "dispatch", EventType: "task_dispatched", TaskID: t.TaskID,
		ContextID: t.ContextID, AgentID: agentID, Level: eventlog.LevelInfo,
		Data: map[string]any{"attempt": t.Attempt},
	})

	conn, ok := d.registry.Conn(agentID)
	if !ok {
		d.registry.MarkCompleted(agentID)
		d.resolveRetryable(t.TaskID, task.ErrorKindAgentUnavailable, "agent connection missing")
		return
	}

	d.mu.Lock()
	d.msgSeq++
	msgID := envelopeID(d.msgSeq)
	d.mu.Unlock()

	env := protocol.NewTaskEnvelope(msgID, protocol.TaskPayload{
		TaskID:         t.TaskID,
		ContextID:      t.ContextID,
		Action:         t.Action,
		Payload:        t.Payload,
		Attempt:        t.Attempt,
		DeadlineUnixMs: time.Now().Add(t.Timeout).UnixMilli(),
	})
	if !conn.Send(env) {
		d.registry.MarkCompleted(agentID)
		d.resolveRetryable(t.TaskID, task.ErrorKindTransient, "agent outbound queue full")
	}
}

func envelopeID(seq uint64) string {
	return "m" + itoa(seq)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func (d *Dispatcher) armTimerLocked(t *task.Task) {
	if old, ok := d.timers[t.TaskID]; ok {
		old.Stop()
	}
	taskID := t.TaskID
	d.timers[taskID] = time.AfterFunc(t.Timeout, func() {
		d.handleTimeout(taskID)
	})
}

func (d *Dispatcher) stopTimerLocked(taskID string) {
	if tm, ok := d.timers[taskID]; ok {
		tm.Stop()
		delete(d.timers, taskID)
	}
}

// HandleResult processes an agent's result frame. A result for a task
// that is no longer dispatched to that agent (already timed out,
// retried elsewhere, or cancelled) is a late result: logged and
// discarded, never delivered as a completion.
func (d *Dispatcher) HandleResult(agentID string, p protocol.ResultPayload) {
	d.mu.Lock()
	t, ok := d.tasks[p.TaskID]
	if !ok || t.State != task.StateDispatched || t.AssignedAgentID != agentID {
		d.mu.Unlock()
		d.logLateArrival(p.TaskID, agentID, "result")
		return
	}
	d.stopTimerLocked(t.TaskID)
	t.State = task.StateCompleted
	t.Result = p.Result
	d.mu.Unlock()

	d.registry.MarkCompleted(agentID)
	d.finishTerminal(t, "task_completed")
}

// HandleError processes an agent's error frame per the resolution rules
// in SPEC_FULL §4.3.
func (d *Dispatcher) HandleError(agentID string, p protocol.ErrorPayload) {
	d.mu.Lock()
	t, ok := d.tasks[p.TaskID]
	if !ok || t.State != task.StateDispatched || t.AssignedAgentID != agentID {
		d.mu.Unlock()
		d.logLateArrival(p.TaskID, agentID, "error")
		return
	}
	d.mu.Unlock()

	d.registry.MarkCompleted(agentID)

	kind := task.ErrorKind(p.Kind)
	switch kind {
	case task.ErrorKindPermanent, task.ErrorKindValidation:
		d.resolveTerminalFailure(p.TaskID, kind, p.Message)
	default:
		d.resolveRetryable(p.TaskID, task.ErrorKindTransient, p.Message)
	}
}

func (d *Dispatcher) handleTimeout(taskID string) {
	d.mu.Lock()
	t, ok := d.tasks[taskID]
	if !ok || t.State != task.StateDispatched {
		d.mu.Unlock()
		return
	}
	agentID := t.AssignedAgentID
	d.mu.Unlock()

	d.log.Append(eventlog.Event{
		Component: "dispatch", EventType: "task_timed_out", TaskID: taskID,
		ContextID: t.ContextID, AgentID: agentID, Level: eventlog.LevelWarn,
	})
	if agentID != "" {
		d.registry.MarkCompleted(agentID)
	}
	d.resolveRetryable(taskID, task.ErrorKindTimeout, "dispatch deadline exceeded")
}

// HandleDisconnect treats every task currently assigned to agentID as a
// retryable in-flight failure (reassignment).
func (d *Dispatcher) HandleDisconnect(agentID string) {
	d.mu.Lock()
	var affected []string
	for id, t := range d.tasks {
		if t.State == task.StateDispatched && t.AssignedAgentID == agentID {
			affected = append(affected, id)
		}
	}
	d.mu.Unlock()

	for _, id := range affected {
		d.resolveRetryable(id, task.ErrorKindTransient, "agent disconnected")
	}
}

// resolveRetryable applies the shared retry-or-fail resolution for
// transient errors, timeouts, and disconnects.
func (d *Dispatcher) resolveRetryable(taskID string, kind task.ErrorKind, message string) {
	d.mu.Lock()
	t, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return
	}
	d.stopTimerLocked(taskID)

	if t.Attempt >= t.MaxRetries {
		finalState := task.StateFailed
		eventType := "task_failed"
		if kind == task.ErrorKindTimeout {
			finalState = task.StateTimedOut
			eventType = "task_timed_out"
		}
		t.State = finalState
		t.Error = &task.TaskError{Kind: kind, Message: message}
		d.mu.Unlock()
		d.finishTerminal(t, eventType)
		return
	}

	delay := backoffDelay(d.cfg.RetryBaseBackoff(), d.cfg.RetryMaxBackoff(), t.Attempt)
	t.Attempt++
	t.State = task.StatePending
	t.AssignedAgentID = ""
	attempt := t.Attempt
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.IncTaskRetries(context.Background(), t.Action)
	}
	d.log.Append(eventlog.Event{
		Component: "dispatch", EventType: "task_retry", TaskID: t.TaskID, ContextID: t.ContextID,
		Level: eventlog.LevelWarn, Data: map[string]any{"attempt": attempt, "reason": string(kind), "backoff_ms": delay.Milliseconds()},
	})

	time.AfterFunc(delay, func() {
		d.Enqueue(t.TaskID)
	})
}

func (d *Dispatcher) resolveTerminalFailure(taskID string, kind task.ErrorKind, message string) {
	d.mu.Lock()
	t, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return
	}
	d.stopTimerLocked(taskID)
	t.State = task.StateFailed
	t.Error = &task.TaskError{Kind: kind, Message: message}
	d.mu.Unlock()
	d.finishTerminal(t, "task_failed")
}

// Cancel marks a task cancelled, best-effort notifies its agent, and
// releases dependents per the tolerate-on-cancel policy without waiting
// for any acknowledgement.
func (d *Dispatcher) Cancel(taskID string) {
	d.mu.Lock()
	t, ok := d.tasks[taskID]
	if !ok || t.State.Terminal() {
		d.mu.Unlock()
		return
	}
	d.stopTimerLocked(taskID)
	wasDispatched := t.State == task.StateDispatched
	agentID := t.AssignedAgentID
	t.State = task.StateCancelled
	d.mu.Unlock()

	if wasDispatched {
		if conn, ok := d.registry.Conn(agentID); ok {
			d.mu.Lock()
			d.msgSeq++
			msgID := envelopeID(d.msgSeq)
			d.mu.Unlock()
			conn.Send(protocol.NewCancelEnvelope(msgID, taskID))
		}
		d.registry.MarkCompleted(agentID)
	}

	d.finishTerminal(t, "task_cancelled")
}

// CompleteDirect resolves a task as completed without an agent round-trip.
// The fan-out manager uses this to settle a parent once its children's
// results have been aggregated.
func (d *Dispatcher) CompleteDirect(taskID string, result *structpb.Struct) {
	d.mu.Lock()
	t, ok := d.tasks[taskID]
	if !ok || t.State.Terminal() {
		d.mu.Unlock()
		return
	}
	d.stopTimerLocked(taskID)
	t.State = task.StateCompleted
	t.Result = result
	d.mu.Unlock()
	d.finishTerminal(t, "task_completed")
}

// FailDirect resolves a task as failed without an agent round-trip.
func (d *Dispatcher) FailDirect(taskID string, kind task.ErrorKind, message string) {
	d.mu.Lock()
	t, ok := d.tasks[taskID]
	if !ok || t.State.Terminal() {
		d.mu.Unlock()
		return
	}
	d.stopTimerLocked(taskID)
	t.State = task.StateFailed
	t.Error = &task.TaskError{Kind: kind, Message: message}
	d.mu.Unlock()
	d.finishTerminal(t, "task_failed")
}

func (d *Dispatcher) finishTerminal(t *task.Task, eventType string) {
	d.log.Append(eventlog.Event{
		Component: "dispatch", EventType: eventType, TaskID: t.TaskID,
		ContextID: t.ContextID, AgentID: t.AssignedAgentID, Level: eventlog.LevelInfo,
	})
	if d.metrics != nil {
		d.metrics.IncTasksCompleted(context.Background(), t.Action, string(t.State))
	}

	var newlyReady []string
	switch t.State {
	case task.StateCompleted:
		newlyReady = d.depMgr.OnComplete(t.TaskID)
	case task.StateCancelled:
		newlyReady = d.depMgr.OnCancel(t.TaskID)
	case task.StateFailed, task.StateTimedOut:
		toFail, toRelease := d.depMgr.OnFailure(t.TaskID)
		newlyReady = toRelease
		for _, id := range toFail {
			d.resolveTerminalFailure(id, task.ErrorKindDependencyFailed, "dependency failed")
		}
	}
	for _, id := range newlyReady {
		d.Enqueue(id)
	}

	d.mu.Lock()
	listeners := append([]func(*task.Task){}, d.terminalListeners...)
	d.mu.Unlock()
	snapshot := t.Clone()
	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (d *Dispatcher) logLateArrival(taskID, agentID, kind string) {
	d.log.Append(eventlog.Event{
		Component: "dispatch", EventType: "late_arrival_discarded", TaskID: taskID,
		AgentID: agentID, Level: eventlog.LevelWarn, Data: map[string]any{"kind": kind},
	})
	d.logger.Debug("discarding late arrival", "task_id", taskID, "agent_id", agentID, "kind", kind)
}
