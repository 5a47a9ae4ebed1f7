package hubserver

import (
	"github.com/mcphub/hub/internal/task"
)

// TaskSpec is the wire shape of one task within a submitted workflow.
// TaskID is optional; the hub assigns one if omitted.
type TaskSpec struct {
	TaskID           string                 `json:"task_id,omitempty"`
	Action           string                 `json:"action"`
	Payload          map[string]any         `json:"payload,omitempty"`
	Priority         string                 `json:"priority,omitempty"`
	TimeoutMs        int64                  `json:"timeout_ms,omitempty"`
	MaxRetries       *int                   `json:"max_retries,omitempty"`
	Dependencies     []string               `json:"dependencies,omitempty"`
	DependencyPolicy string                 `json:"dependency_policy,omitempty"`
	Parallelism      int                    `json:"parallelism,omitempty"`
	FanoutStrategy   string                 `json:"fanout_strategy,omitempty"`
	Aggregator       string                 `json:"aggregator,omitempty"`
}

// SubmitRequest is the body of POST /v1/workflows: a set of tasks with
// optional dependency edges and fan-out declarations, per spec.md §6's
// `submit(workflow)` operation.
type SubmitRequest struct {
	ContextID string     `json:"context_id,omitempty"`
	Tasks     []TaskSpec `json:"tasks"`
}

// SubmitResponse echoes the assigned context and task identifiers.
type SubmitResponse struct {
	ContextID string   `json:"context_id"`
	TaskIDs   []string `json:"task_ids"`
}

// CancelResponse acknowledges a cancel request.
type CancelResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	ContextID    string `json:"context_id,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
}

// TaskStatus is the wire shape of status(task_id).
type TaskStatus struct {
	TaskID          string         `json:"task_id"`
	ContextID       string         `json:"context_id"`
	Action          string         `json:"action"`
	State           task.State     `json:"state"`
	Attempt         int            `json:"attempt"`
	AssignedAgentID string         `json:"assigned_agent_id,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           *TaskErrorView `json:"error,omitempty"`
}

// TaskErrorView is the wire shape of a terminal task.Error.
type TaskErrorView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// EventView is the wire shape of one eventlog.Event sent to a subscriber.
type EventView struct {
	Seq       uint64         `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	EventType string         `json:"event_type"`
	TaskID    string         `json:"task_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	ContextID string         `json:"context_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}
