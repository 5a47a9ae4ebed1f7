// Package hubserver wires the registry, dispatcher, dependency manager,
// and fan-out manager into one running hub, and exposes the Submission
// API (submit/cancel/status/subscribe) and the agent WebSocket endpoint
// over HTTP.
package hubserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcphub/hub/internal/config"
	"github.com/mcphub/hub/internal/dependency"
	"github.com/mcphub/hub/internal/dispatch"
	"github.com/mcphub/hub/internal/eventlog"
	"github.com/mcphub/hub/internal/fanout"
	"github.com/mcphub/hub/internal/observability"
	"github.com/mcphub/hub/internal/registry"
	"github.com/mcphub/hub/internal/task"
)

// ErrValidation wraps a submission request malformed per SPEC_FULL §6:
// an unknown action is not validated here (the registry doesn't know
// actions in advance), but a missing action, bad dependency edge, or
// unknown fan-out/aggregator name is rejected before anything is tracked.
var ErrValidation = errors.New("hubserver: invalid request")

// ErrNotFound is returned by Status/Cancel for an unknown task or context id.
var ErrNotFound = errors.New("hubserver: not found")

// Hub owns every in-process component and the workflow-context index
// the Submission API needs that no lower package tracks on its own.
type Hub struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Deps       *dependency.Manager
	Fanout     *fanout.Manager
	Log        *eventlog.Log
	Cfg        *config.AppConfig
	logger     *slog.Logger
	metrics    *observability.MetricsManager

	mu       sync.Mutex
	contexts map[string]*task.Context
	seq      uint64
}

// New builds a Hub with every component wired: the fan-out manager is
// hooked into the dispatcher's fan-out-parent and terminal-event seams,
// and the dependency manager's released task_ids flow back into the
// dispatcher's ready queue via the dispatcher's own finishTerminal path.
func New(cfg *config.AppConfig, logger *slog.Logger, tracer *observability.TraceManager, metrics *observability.MetricsManager) *Hub {
	reg := registry.New(logger, tracer, metrics, cfg.HeartbeatInterval(), cfg.MissedHeartbeatsBeforeDisconnect)
	depMgr := dependency.New(logger)
	log := eventlog.New(10_000)
	d := dispatch.New(reg, depMgr, log, cfg, logger, tracer, metrics)
	fm := fanout.New(d, log, logger)
	fm.SetMetrics(metrics)

	d.SetFanoutHandler(fm.Split)
	d.OnTerminal(fm.HandleTerminal)

	return &Hub{
		Registry:   reg,
		Dispatcher: d,
		Deps:       depMgr,
		Fanout:     fm,
		Log:        log,
		Cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		contexts:   make(map[string]*task.Context),
	}
}

// Run starts the dispatcher worker pool and the registry's heartbeat
// sweeper; both run until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	go h.Registry.RunHeartbeatSweeper(ctx)
	h.Dispatcher.Run(ctx, h.Cfg.MaxConcurrentDispatches)
}

func (h *Hub) nextSeq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	return h.seq
}

// Submit admits a new workflow per SPEC_FULL §6's submit(workflow)
// operation: it validates every task spec, runs dependency admission as
// one batch (so a cycle anywhere in the submission rejects the whole
// thing), tracks every task with the dispatcher, and enqueues the ones
// with no unmet dependency.
func (h *Hub) Submit(req SubmitRequest) (*SubmitResponse, error) {
	if len(req.Tasks) == 0 {
		return nil, fmt.Errorf("%w: workflow has no tasks", ErrValidation)
	}

	contextID := req.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}

	now := time.Now()
	tasks := make([]*task.Task, 0, len(req.Tasks))
	ids := make([]string, 0, len(req.Tasks))
	seen := make(map[string]struct{}, len(req.Tasks))

	for _, spec := range req.Tasks {
		if spec.Action == "" {
			return nil, fmt.Errorf("%w: task is missing action", ErrValidation)
		}
		taskID := spec.TaskID
		if taskID == "" {
			taskID = uuid.NewString()
		}
		if _, dup := seen[taskID]; dup {
			return nil, fmt.Errorf("%w: duplicate task_id %q in one submission", ErrValidation, taskID)
		}
		seen[taskID] = struct{}{}

		var payload *structpb.Struct
		if spec.Payload != nil {
			p, err := structpb.NewStruct(spec.Payload)
			if err != nil {
				return nil, fmt.Errorf("%w: task %q payload: %v", ErrValidation, taskID, err)
			}
			payload = p
		}

		timeout := h.Cfg.DefaultTaskTimeout()
		if spec.TimeoutMs > 0 {
			timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
		}
		maxRetries := h.Cfg.DefaultMaxRetries
		if spec.MaxRetries != nil {
			maxRetries = *spec.MaxRetries
		}

		policy := task.DependencyPropagate
		if spec.DependencyPolicy == string(task.DependencyTolerate) {
			policy = task.DependencyTolerate
		} else if spec.DependencyPolicy != "" && spec.DependencyPolicy != string(task.DependencyPropagate) {
			return nil, fmt.Errorf("%w: task %q has unknown dependency_policy %q", ErrValidation, taskID, spec.DependencyPolicy)
		}

		strategy := task.FanoutStrategy(spec.FanoutStrategy)
		switch strategy {
		case "", task.FanoutRoundRobin, task.FanoutLoadBalanced, task.FanoutBroadcast, task.FanoutCustom:
		default:
			return nil, fmt.Errorf("%w: task %q has unknown fanout_strategy %q", ErrValidation, taskID, spec.FanoutStrategy)
		}
		aggregator := task.Aggregator(spec.Aggregator)
		switch aggregator {
		case "", task.AggregatorConcat, task.AggregatorMerge, task.AggregatorFirstSuccess, task.AggregatorCustom:
		default:
			return nil, fmt.Errorf("%w: task %q has unknown aggregator %q", ErrValidation, taskID, spec.Aggregator)
		}
		if spec.Parallelism > 1 && strategy == "" {
			strategy = task.FanoutRoundRobin
		}
		if spec.Parallelism > 1 && aggregator == "" {
			aggregator = task.AggregatorConcat
		}

		deps := make(map[string]struct{}, len(spec.Dependencies))
		for _, dep := range spec.Dependencies {
			deps[dep] = struct{}{}
		}

		t := &task.Task{
			TaskID:           taskID,
			ContextID:        contextID,
			Action:           spec.Action,
			Payload:          payload,
			Priority:         task.ParsePriority(spec.Priority),
			Timeout:          timeout,
			MaxRetries:       maxRetries,
			Dependencies:     deps,
			DependencyPolicy: policy,
			Parallelism:      spec.Parallelism,
			FanoutStrategy:   strategy,
			Aggregator:       aggregator,
			State:            task.StatePending,
			SubmittedAt:      now,
			SubmitSeq:        h.nextSeq(),
		}
		tasks = append(tasks, t)
		ids = append(ids, taskID)
	}

	for _, t := range tasks {
		for dep := range t.Dependencies {
			if _, ok := seen[dep]; !ok {
				return nil, fmt.Errorf("%w: task %q depends on %q, which is not in this submission", ErrValidation, t.TaskID, dep)
			}
		}
	}

	ready, err := h.Deps.AddBatch(tasks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	h.mu.Lock()
	h.contexts[contextID] = &task.Context{ContextID: contextID, TaskIDs: ids}
	h.mu.Unlock()

	readySet := make(map[string]struct{}, len(ready))
	for _, id := range ready {
		readySet[id] = struct{}{}
	}
	for _, t := range tasks {
		h.Dispatcher.Track(t)
		h.Log.Append(eventlog.Event{
			Component: "hub", EventType: "task_submitted", TaskID: t.TaskID,
			ContextID: t.ContextID, Level: eventlog.LevelInfo,
			Data: map[string]any{"action": t.Action, "priority": t.Priority.String()},
		})
	}
	for _, t := range tasks {
		if _, ok := readySet[t.TaskID]; ok {
			h.Dispatcher.Enqueue(t.TaskID)
		}
	}

	return &SubmitResponse{ContextID: contextID, TaskIDs: ids}, nil
}

// Cancel implements SPEC_FULL §6's cancel(context_id | task_id): a
// context_id cancels every task_id submitted under it; a task_id cancels
// just that task. Both are idempotent against already-terminal tasks.
func (h *Hub) Cancel(id string) (*CancelResponse, error) {
	h.mu.Lock()
	ctxRec, isContext := h.contexts[id]
	h.mu.Unlock()

	if isContext {
		h.mu.Lock()
		ctxRec.Cancelled = true
		ids := append([]string(nil), ctxRec.TaskIDs...)
		h.mu.Unlock()
		for _, taskID := range ids {
			h.Dispatcher.Cancel(taskID)
		}
		return &CancelResponse{Acknowledged: true, ContextID: id}, nil
	}

	if _, ok := h.Dispatcher.Task(id); !ok {
		return nil, ErrNotFound
	}
	h.Dispatcher.Cancel(id)
	return &CancelResponse{Acknowledged: true, TaskID: id}, nil
}

// Status implements SPEC_FULL §6's status(task_id | context_id),
// returning either a single task's view or every task in a context.
func (h *Hub) Status(id string) ([]TaskStatus, error) {
	h.mu.Lock()
	ctxRec, isContext := h.contexts[id]
	h.mu.Unlock()

	if isContext {
		out := make([]TaskStatus, 0, len(ctxRec.TaskIDs))
		for _, taskID := range ctxRec.TaskIDs {
			if t, ok := h.Dispatcher.Task(taskID); ok {
				out = append(out, taskStatusView(t))
			}
		}
		return out, nil
	}

	t, ok := h.Dispatcher.Task(id)
	if !ok {
		return nil, ErrNotFound
	}
	return []TaskStatus{taskStatusView(t)}, nil
}

func taskStatusView(t *task.Task) TaskStatus {
	ts := TaskStatus{
		TaskID:          t.TaskID,
		ContextID:       t.ContextID,
		Action:          t.Action,
		State:           t.State,
		Attempt:         t.Attempt,
		AssignedAgentID: t.AssignedAgentID,
	}
	if t.Result != nil {
		ts.Result = t.Result.AsMap()
	}
	if t.Error != nil {
		ts.Error = &TaskErrorView{Kind: string(t.Error.Kind), Message: t.Error.Message}
	}
	return ts
}
