// Package fanout implements the hub's fan-out/fan-in manager: splitting a
// parallelism>1 task into sub-tasks, dispatching them through the ordinary
// task lifecycle, and aggregating their results back into one parent
// result once every child has reached a terminal state (or, for
// first_success, as soon as one succeeds).
//
// The manager owns no agent or ready-queue state of its own. It hooks into
// a *dispatch.Dispatcher two ways: SetFanoutHandler so it is asked to
// split a ready fan-out parent instead of the dispatcher trying to assign
// it to an agent directly, and OnTerminal so it learns when a child
// (or any other task) reaches a terminal state.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcphub/hub/internal/eventlog"
	"github.com/mcphub/hub/internal/observability"
	"github.com/mcphub/hub/internal/task"
)

// Dispatcher is the subset of *dispatch.Dispatcher the manager needs. It
// is expressed as an interface here, rather than importing the dispatch
// package's concrete type, purely so the two packages can be wired
// together at the call site (internal/hubserver) without a cyclic import.
type Dispatcher interface {
	Track(t *task.Task)
	Enqueue(taskID string)
	Cancel(taskID string)
	CompleteDirect(taskID string, result *structpb.Struct)
	FailDirect(taskID string, kind task.ErrorKind, message string)
}

// Splitter divides payload into n sub-payloads.
type Splitter func(payload *structpb.Struct, n int) ([]*structpb.Struct, error)

// Reducer combines the completed children's results, in sub-task index
// order, into one parent result.
type Reducer func(results []*structpb.Struct) (*structpb.Struct, error)

// tracking is the manager's bookkeeping for one in-flight fan-out parent.
type tracking struct {
	parent     *task.Task
	childIDs   []string
	aggregator task.Aggregator
	results    []*structpb.Struct
	terminal   []bool
	failed     []bool
	remaining  int
	resolved   bool
}

// Manager splits fan-out parents and aggregates their children's results.
type Manager struct {
	mu   sync.Mutex
	disp Dispatcher
	log  *eventlog.Log
	logger *slog.Logger

	byParent map[string]*tracking
	byChild  map[string]string // child task_id -> parent task_id

	customSplitters   map[string]Splitter
	customAggregators map[string]Reducer

	metrics *observability.MetricsManager
}

// SetMetrics attaches a metrics sink for fan-out-specific instruments.
// Optional: a Manager with no metrics attached simply skips recording.
func (m *Manager) SetMetrics(metrics *observability.MetricsManager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// New creates a Manager wired to disp. Call SetFanoutHandler(m.Split) and
// OnTerminal(m.HandleTerminal) on the dispatcher to complete the wiring.
func New(disp Dispatcher, log *eventlog.Log, logger *slog.Logger) *Manager {
	return &Manager{
		disp:              disp,
		log:               log,
		logger:            logger,
		byParent:          make(map[string]*tracking),
		byChild:           make(map[string]string),
		customSplitters:   make(map[string]Splitter),
		customAggregators: make(map[string]Reducer),
	}
}

// RegisterSplitter installs a custom splitter for action, used when a
// fan-out parent declares FanoutCustom.
func (m *Manager) RegisterSplitter(action string, fn Splitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customSplitters[action] = fn
}

// RegisterAggregator installs a custom reducer for action, used when a
// fan-out parent declares AggregatorCustom.
func (m *Manager) RegisterAggregator(action string, fn Reducer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customAggregators[action] = fn
}

// Split divides parent into Parallelism sub-tasks and hands each to the
// dispatcher. Called by the dispatcher's worker loop in place of a normal
// agent dispatch once parent is popped off the ready queue.
func (m *Manager) Split(parent *task.Task) {
	n := parent.Parallelism
	if n < 1 {
		n = 1
	}

	subPayloads, err := m.split(parent, n)
	if err != nil {
		m.disp.FailDirect(parent.TaskID, task.ErrorKindValidation, err.Error())
		return
	}

	children := make([]*task.Task, len(subPayloads))
	childIDs := make([]string, len(subPayloads))
	for i, p := range subPayloads {
		childID := fmt.Sprintf("%s#%d", parent.TaskID, i)
		children[i] = &task.Task{
			TaskID:       childID,
			ContextID:    parent.ContextID,
			Action:       parent.Action,
			Payload:      p,
			Priority:     parent.Priority,
			Timeout:      parent.Timeout,
			MaxRetries:   parent.MaxRetries,
			ParentTaskID: parent.TaskID,
			ChildIndex:   i,
			State:        task.StatePending,
			SubmittedAt:  parent.SubmittedAt,
			SubmitSeq:    parent.SubmitSeq,
		}
		childIDs[i] = childID
	}

	parent.ChildTaskIDs = childIDs

	m.mu.Lock()
	metrics := m.metrics
	m.mu.Unlock()
	if metrics != nil {
		metrics.IncFanoutSubtasks(context.Background(), parent.Action, len(children))
	}

	t := &tracking{
		parent:     parent,
		childIDs:   childIDs,
		aggregator: parent.Aggregator,
		results:    make([]*structpb.Struct, len(children)),
		terminal:   make([]bool, len(children)),
		failed:     make([]bool, len(children)),
		remaining:  len(children),
	}

	m.mu.Lock()
	m.byParent[parent.TaskID] = t
	for _, id := range childIDs {
		m.byChild[id] = parent.TaskID
	}
	m.mu.Unlock()

	m.log.Append(eventlog.Event{
		Component: "fanout", EventType: "fanout_children_created", TaskID: parent.TaskID,
		ContextID: parent.ContextID, Level: eventlog.LevelInfo,
		Data: map[string]any{"child_count": len(children), "strategy": string(parent.FanoutStrategy)},
	})

	for _, c := range children {
		m.disp.Track(c)
		m.disp.Enqueue(c.TaskID)
	}
}

func (m *Manager) split(parent *task.Task, n int) ([]*structpb.Struct, error) {
	switch parent.FanoutStrategy {
	case task.FanoutRoundRobin:
		return splitRoundRobin(parent.Payload, n)
	case task.FanoutLoadBalanced:
		return splitLoadBalanced(parent.Payload, n)
	case task.FanoutBroadcast:
		return splitBroadcast(parent.Payload, n), nil
	case task.FanoutCustom:
		m.mu.Lock()
		fn, ok := m.customSplitters[parent.Action]
		m.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("fanout: no custom splitter registered for action %q", parent.Action)
		}
		return fn(parent.Payload, n)
	default:
		return nil, fmt.Errorf("fanout: unknown strategy %q", parent.FanoutStrategy)
	}
}

// HandleTerminal is registered as a dispatcher OnTerminal listener. It
// ignores every task that is not a fan-out child.
func (m *Manager) HandleTerminal(child *task.Task) {
	if !child.IsSubtask() {
		return
	}

	m.mu.Lock()
	parentID, ok := m.byChild[child.TaskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	t, ok := m.byParent[parentID]
	if !ok {
		m.mu.Unlock()
		return
	}

	if t.resolved {
		m.mu.Unlock()
		return
	}

	idx := child.ChildIndex
	t.terminal[idx] = true
	switch child.State {
	case task.StateCompleted:
		t.results[idx] = child.Result
	default:
		t.failed[idx] = true
	}
	t.remaining--

	if t.aggregator == task.AggregatorFirstSuccess && child.State == task.StateCompleted {
		t.resolved = true
		siblings := append([]string(nil), t.childIDs...)
		delete(m.byParent, parentID)
		for _, id := range siblings {
			delete(m.byChild, id)
		}
		m.mu.Unlock()

		for _, id := range siblings {
			if id != child.TaskID {
				m.disp.Cancel(id)
			}
		}
		m.disp.CompleteDirect(parentID, child.Result)
		return
	}

	allTerminal := t.remaining == 0
	if !allTerminal {
		m.mu.Unlock()
		return
	}

	t.resolved = true
	childIDs := append([]string(nil), t.childIDs...)
	aggregator := t.aggregator
	results := append([]*structpb.Struct(nil), t.results...)
	anyFailed := false
	for _, f := range t.failed {
		if f {
			anyFailed = true
			break
		}
	}
	action := t.parent.Action
	delete(m.byParent, parentID)
	for _, id := range childIDs {
		delete(m.byChild, id)
	}
	m.mu.Unlock()

	if anyFailed {
		if aggregator == task.AggregatorFirstSuccess {
			m.disp.FailDirect(parentID, task.ErrorKindPermanent, "all fan-out children failed")
		} else {
			m.disp.FailDirect(parentID, task.ErrorKindDependencyFailed, "one or more fan-out children failed")
		}
		return
	}

	result, err := m.aggregate(aggregator, action, results)
	if err != nil {
		m.disp.FailDirect(parentID, task.ErrorKindPermanent, err.Error())
		return
	}
	m.disp.CompleteDirect(parentID, result)
}

func (m *Manager) aggregate(aggregator task.Aggregator, action string, results []*structpb.Struct) (*structpb.Struct, error) {
	switch aggregator {
	case task.AggregatorConcat:
		return aggregateConcat(results)
	case task.AggregatorMerge:
		return aggregateMerge(results)
	case task.AggregatorCustom:
		m.mu.Lock()
		fn, ok := m.customAggregators[action]
		m.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("fanout: no custom aggregator registered for action %q", action)
		}
		return fn(results)
	case task.AggregatorFirstSuccess:
		// Reached only if every child happened to fail after a
		// first_success fan-out with no early success — handled by
		// the anyFailed branch in HandleTerminal, never here.
		return nil, fmt.Errorf("fanout: first_success aggregator reached aggregate() unexpectedly")
	default:
		return nil, fmt.Errorf("fanout: unknown aggregator %q", aggregator)
	}
}
