// Package task defines the hub's core data model: tasks, workflow
// contexts, and the state machines that govern them. It has no
// dependency on transport, dispatch, or storage — those packages depend
// on it, not the reverse.
package task

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// State is a task's position in its state machine.
//
//	pending -> ready -> dispatched -> {completed | failed | cancelled | timed_out}
//
// dispatched -> pending is allowed exactly on retry (attempt is
// incremented at that transition); dispatched -> dispatched is allowed
// exactly on retry re-dispatch. All other transitions are forward-only;
// terminal states are absorbing.
type State string

const (
	StatePending    State = "pending"
	StateReady      State = "ready"
	StateDispatched State = "dispatched"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
	StateTimedOut   State = "timed_out"
)

// Terminal reports whether s is an absorbing state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

// Priority is the scheduling class used for strict-priority, FIFO-within-
// priority ready-queue ordering.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// ParsePriority maps the wire string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// DependencyPolicy governs how a task reacts to a failed dependency.
type DependencyPolicy string

const (
	// DependencyPropagate fails the dependent with error_kind=dependency_failed. Default.
	DependencyPropagate DependencyPolicy = "propagate"
	// DependencyTolerate lets the dependent proceed despite a failed dependency.
	DependencyTolerate DependencyPolicy = "tolerate"
)

// FanoutStrategy names how a parallelism>1 task's payload is split.
type FanoutStrategy string

const (
	FanoutNone         FanoutStrategy = ""
	FanoutRoundRobin   FanoutStrategy = "round_robin"
	FanoutLoadBalanced FanoutStrategy = "load_balanced"
	FanoutBroadcast    FanoutStrategy = "broadcast"
	FanoutCustom       FanoutStrategy = "custom"
)

// Aggregator names how fanned-out sub-results are combined into one
// logical parent result.
type Aggregator string

const (
	AggregatorConcat       Aggregator = "concat"
	AggregatorMerge        Aggregator = "merge"
	AggregatorFirstSuccess Aggregator = "first_success"
	AggregatorCustom       Aggregator = "custom"
)

// ErrorKind classifies a terminal or retryable error, per SPEC_FULL §7.
type ErrorKind string

const (
	ErrorKindValidation       ErrorKind = "validation"
	ErrorKindTransient        ErrorKind = "transient"
	ErrorKindPermanent        ErrorKind = "permanent"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindTimeoutAgent     ErrorKind = "timeout_agent"
	ErrorKindAgentUnavailable ErrorKind = "agent_unavailable"
	ErrorKindCancelled        ErrorKind = "cancelled"
	ErrorKindDependencyFailed ErrorKind = "dependency_failed"
	ErrorKindHostRestart      ErrorKind = "host_restart"
)

// Retryable reports whether a fresh attempt should be made for this kind,
// subject to attempt < max_retries.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindTransient, ErrorKindTimeout, ErrorKindTimeoutAgent:
		return true
	default:
		return false
	}
}

// TaskError is the structured terminal error surfaced to a submitter.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// Task is one unit of work addressed to one action.
type Task struct {
	TaskID      string
	ContextID   string
	Action      string
	Payload     *structpb.Struct
	Priority    Priority
	Timeout     time.Duration
	MaxRetries  int
	Attempt     int
	Dependencies map[string]struct{}
	DependencyPolicy DependencyPolicy

	Parallelism    int
	FanoutStrategy FanoutStrategy
	Aggregator     Aggregator
	ParentTaskID   string

	State           State
	AssignedAgentID string

	Result *structpb.Struct
	Error  *TaskError

	SubmittedAt time.Time
	// SubmitSeq is assigned at submission time (fan-out children inherit
	// their parent's) and used to preserve
	// submission order among tasks of equal priority becoming ready
	// at the same time (§4.4 ordering tie-break).
	SubmitSeq uint64

	// ChildTaskIDs is populated on a fan-out parent, ordered by
	// sub-task index.
	ChildTaskIDs []string
	ChildIndex   int // valid when ParentTaskID != ""
}

// IsFanoutParent reports whether t was split into sub-tasks.
func (t *Task) IsFanoutParent() bool {
	return t.Parallelism > 1 && t.ParentTaskID == ""
}

// IsSubtask reports whether t is a child produced by fan-out.
func (t *Task) IsSubtask() bool {
	return t.ParentTaskID != ""
}

// Clone returns a deep-enough copy for safe concurrent read access outside
// the owning component's lock (pointers to Payload/Result/Error are not
// mutated in place once set, so a shallow copy of the struct is sufficient
// other than the Dependencies set).
func (t *Task) Clone() *Task {
	c := *t
	if t.Dependencies != nil {
		c.Dependencies = make(map[string]struct{}, len(t.Dependencies))
		for k := range t.Dependencies {
			c.Dependencies[k] = struct{}{}
		}
	}
	if t.ChildTaskIDs != nil {
		c.ChildTaskIDs = append([]string(nil), t.ChildTaskIDs...)
	}
	return &c
}

// Context groups the tasks of one workflow submission.
type Context struct {
	ContextID string
	TaskIDs   []string
	Cancelled bool
}

// AgentStatus is an agent's position in its connection lifecycle.
type AgentStatus string

const (
	AgentConnecting   AgentStatus = "connecting"
	AgentReady        AgentStatus = "ready"
	AgentBusy         AgentStatus = "busy"
	AgentDraining     AgentStatus = "draining"
	AgentDisconnected AgentStatus = "disconnected"
)

// Agent is the domain-model view of a connected worker: identity,
// advertised capabilities, and liveness. The registry package owns the
// transport-level connection this record is attached to.
type Agent struct {
	AgentID        string
	Capabilities   map[string]struct{}
	Description    string
	MaxConcurrency int // 0 = unbounded

	Status        AgentStatus
	InFlight      int
	LastHeartbeat time.Time
	ConnectedAt   time.Time
}

// HasCapability reports whether the agent advertises action.
func (a *Agent) HasCapability(action string) bool {
	_, ok := a.Capabilities[action]
	return ok
}

// AtCapacity reports whether the agent has no more room for a new
// dispatch under its advertised concurrency cap.
func (a *Agent) AtCapacity() bool {
	return a.MaxConcurrency > 0 && a.InFlight >= a.MaxConcurrency
}

// Available reports whether the agent can currently accept a dispatch.
func (a *Agent) Available() bool {
	return a.Status == AgentReady && !a.AtCapacity()
}

// Clone returns a copy safe for a caller to read without holding the
// registry's lock.
func (a *Agent) Clone() *Agent {
	c := *a
	if a.Capabilities != nil {
		c.Capabilities = make(map[string]struct{}, len(a.Capabilities))
		for k := range a.Capabilities {
			c.Capabilities[k] = struct{}{}
		}
	}
	return &c
}
