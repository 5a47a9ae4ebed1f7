package fanout

import (
	"io"
	"log/slog"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcphub/hub/internal/eventlog"
	"github.com/mcphub/hub/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDispatcher is a minimal, single-goroutine stand-in for
// *dispatch.Dispatcher that records every call a test needs to assert on.
type fakeDispatcher struct {
	tracked   map[string]*task.Task
	enqueued  []string
	cancelled []string
	completed map[string]*structpb.Struct
	failed    map[string]task.ErrorKind
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		tracked:   make(map[string]*task.Task),
		completed: make(map[string]*structpb.Struct),
		failed:    make(map[string]task.ErrorKind),
	}
}

func (f *fakeDispatcher) Track(t *task.Task)      { f.tracked[t.TaskID] = t }
func (f *fakeDispatcher) Enqueue(taskID string)    { f.enqueued = append(f.enqueued, taskID) }
func (f *fakeDispatcher) Cancel(taskID string)     { f.cancelled = append(f.cancelled, taskID) }
func (f *fakeDispatcher) CompleteDirect(taskID string, result *structpb.Struct) {
	f.completed[taskID] = result
}
func (f *fakeDispatcher) FailDirect(taskID string, kind task.ErrorKind, message string) {
	f.failed[taskID] = kind
}

func listPayload(t *testing.T, items ...string) *structpb.Struct {
	t.Helper()
	vals := make([]*structpb.Value, len(items))
	for i, s := range items {
		vals[i] = structpb.NewStringValue(s)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		itemsField: structpb.NewListValue(&structpb.ListValue{Values: vals}),
	}}
}

func itemStrings(t *testing.T, p *structpb.Struct) []string {
	t.Helper()
	lv := p.Fields[itemsField].GetListValue()
	out := make([]string, len(lv.Values))
	for i, v := range lv.Values {
		out[i] = v.GetStringValue()
	}
	return out
}

// TestSplitRoundRobinMatchesScenario reproduces S5: payload [x,y,z,w,u]
// split round_robin across 3 sub-tasks yields [x,w], [y,u], [z].
func TestSplitRoundRobinMatchesScenario(t *testing.T) {
	fd := newFakeDispatcher()
	m := New(fd, eventlog.New(100), testLogger())

	parent := &task.Task{
		TaskID: "T1", ContextID: "ctx1", Action: "summarize",
		Payload: listPayload(t, "x", "y", "z", "w", "u"),
		Parallelism: 3, FanoutStrategy: task.FanoutRoundRobin, Aggregator: task.AggregatorConcat,
	}

	m.Split(parent)

	if len(fd.enqueued) != 3 {
		t.Fatalf("want 3 children enqueued, got %d", len(fd.enqueued))
	}
	want := [][]string{{"x", "w"}, {"y", "u"}, {"z"}}
	for i, id := range parent.ChildTaskIDs {
		child, ok := fd.tracked[id]
		if !ok {
			t.Fatalf("child %s not tracked", id)
		}
		got := itemStrings(t, child.Payload)
		if len(got) != len(want[i]) {
			t.Fatalf("child %d: want %v, got %v", i, want[i], got)
		}
		for j := range got {
			if got[j] != want[i][j] {
				t.Fatalf("child %d: want %v, got %v", i, want[i], got)
			}
		}
		if child.ParentTaskID != "T1" || child.ChildIndex != i {
			t.Fatalf("child %d: wrong parent linkage: %+v", i, child)
		}
	}
}

// TestConcatAggregatesInIndexOrder completes all three S5 children out of
// order and checks the parent's result lists them back in index order.
func TestConcatAggregatesInIndexOrder(t *testing.T) {
	fd := newFakeDispatcher()
	m := New(fd, eventlog.New(100), testLogger())

	parent := &task.Task{
		TaskID: "T1", ContextID: "ctx1", Action: "summarize",
		Payload: listPayload(t, "x", "y", "z", "w", "u"),
		Parallelism: 3, FanoutStrategy: task.FanoutRoundRobin, Aggregator: task.AggregatorConcat,
	}
	m.Split(parent)

	mkResult := func(v string) *structpb.Struct {
		return &structpb.Struct{Fields: map[string]*structpb.Value{"v": structpb.NewStringValue(v)}}
	}

	children := parent.ChildTaskIDs
	m.HandleTerminal(&task.Task{TaskID: children[1], ParentTaskID: "T1", ChildIndex: 1, State: task.StateCompleted, Result: mkResult("r1")})
	m.HandleTerminal(&task.Task{TaskID: children[0], ParentTaskID: "T1", ChildIndex: 0, State: task.StateCompleted, Result: mkResult("r0")})
	m.HandleTerminal(&task.Task{TaskID: children[2], ParentTaskID: "T1", ChildIndex: 2, State: task.StateCompleted, Result: mkResult("r2")})

	result, ok := fd.completed["T1"]
	if !ok {
		t.Fatal("parent was never completed")
	}
	lv := result.Fields[resultsField].GetListValue()
	if len(lv.Values) != 3 {
		t.Fatalf("want 3 results, got %d", len(lv.Values))
	}
	for i, want := range []string{"r0", "r1", "r2"} {
		got := lv.Values[i].GetStructValue().Fields["v"].GetStringValue()
		if got != want {
			t.Fatalf("result[%d]: want %s, got %s", i, want, got)
		}
	}
}

// TestFirstSuccessCancelsSiblings reproduces S6: a broadcast fan-out of 3
// resolves the parent on the first success and cancels the other two.
func TestFirstSuccessCancelsSiblings(t *testing.T) {
	fd := newFakeDispatcher()
	m := New(fd, eventlog.New(100), testLogger())

	parent := &task.Task{
		TaskID: "T1", ContextID: "ctx1", Action: "summarize",
		Payload: listPayload(t, "x"),
		Parallelism: 3, FanoutStrategy: task.FanoutBroadcast, Aggregator: task.AggregatorFirstSuccess,
	}
	m.Split(parent)
	children := parent.ChildTaskIDs

	winner := &structpb.Struct{Fields: map[string]*structpb.Value{"v": structpb.NewStringValue("won")}}
	m.HandleTerminal(&task.Task{TaskID: children[1], ParentTaskID: "T1", ChildIndex: 1, State: task.StateCompleted, Result: winner})

	if len(fd.cancelled) != 2 {
		t.Fatalf("want 2 siblings cancelled, got %d: %v", len(fd.cancelled), fd.cancelled)
	}
	for _, c := range fd.cancelled {
		if c == children[1] {
			t.Fatalf("winner must not be cancelled: %v", fd.cancelled)
		}
	}
	result, ok := fd.completed["T1"]
	if !ok {
		t.Fatal("parent was never completed")
	}
	if result.Fields["v"].GetStringValue() != "won" {
		t.Fatalf("parent result should be the winning child's result, got %+v", result)
	}

	// A late terminal notification for an already-cancelled sibling must
	// not re-trigger resolution or a panic on double-delete.
	m.HandleTerminal(&task.Task{TaskID: children[0], ParentTaskID: "T1", ChildIndex: 0, State: task.StateCancelled})
}

// TestAllChildrenFailFailsParent checks the non-first_success case where
// every child fails: the parent fails rather than hanging forever.
func TestAllChildrenFailFailsParent(t *testing.T) {
	fd := newFakeDispatcher()
	m := New(fd, eventlog.New(100), testLogger())

	parent := &task.Task{
		TaskID: "T1", ContextID: "ctx1", Action: "summarize",
		Payload: listPayload(t, "x", "y"),
		Parallelism: 2, FanoutStrategy: task.FanoutBroadcast, Aggregator: task.AggregatorConcat,
	}
	m.Split(parent)
	children := parent.ChildTaskIDs

	m.HandleTerminal(&task.Task{TaskID: children[0], ParentTaskID: "T1", ChildIndex: 0, State: task.StateFailed})
	m.HandleTerminal(&task.Task{TaskID: children[1], ParentTaskID: "T1", ChildIndex: 1, State: task.StateFailed})

	if _, ok := fd.completed["T1"]; ok {
		t.Fatal("parent should not complete when all children failed")
	}
	if _, ok := fd.failed["T1"]; !ok {
		t.Fatal("parent should be failed when all children failed")
	}
}

// TestMergeLastWriterWinsByIndex checks the documented deterministic
// conflict rule: later sub-task index overwrites earlier on key clash.
func TestMergeLastWriterWinsByIndex(t *testing.T) {
	fd := newFakeDispatcher()
	m := New(fd, eventlog.New(100), testLogger())

	parent := &task.Task{
		TaskID: "T1", ContextID: "ctx1", Action: "summarize",
		Payload: listPayload(t, "x", "y"),
		Parallelism: 2, FanoutStrategy: task.FanoutBroadcast, Aggregator: task.AggregatorMerge,
	}
	m.Split(parent)
	children := parent.ChildTaskIDs

	r0 := &structpb.Struct{Fields: map[string]*structpb.Value{"k": structpb.NewStringValue("first")}}
	r1 := &structpb.Struct{Fields: map[string]*structpb.Value{"k": structpb.NewStringValue("second")}}
	m.HandleTerminal(&task.Task{TaskID: children[0], ParentTaskID: "T1", ChildIndex: 0, State: task.StateCompleted, Result: r0})
	m.HandleTerminal(&task.Task{TaskID: children[1], ParentTaskID: "T1", ChildIndex: 1, State: task.StateCompleted, Result: r1})

	result := fd.completed["T1"]
	if result.Fields["k"].GetStringValue() != "second" {
		t.Fatalf("want last-writer (index 1) to win, got %+v", result)
	}
}

// TestMergeDeepMergesNestedStructsByKey checks that a struct-valued key
// shared by two sub-results merges field by field instead of the later
// sub-task's value replacing the earlier one wholesale: disjoint nested
// keys from both sides must survive, and only the clashing leaf key
// resolves by last-writer-wins.
func TestMergeDeepMergesNestedStructsByKey(t *testing.T) {
	fd := newFakeDispatcher()
	m := New(fd, eventlog.New(100), testLogger())

	parent := &task.Task{
		TaskID: "T1", ContextID: "ctx1", Action: "summarize",
		Payload: listPayload(t, "x", "y"),
		Parallelism: 2, FanoutStrategy: task.FanoutBroadcast, Aggregator: task.AggregatorMerge,
	}
	m.Split(parent)
	children := parent.ChildTaskIDs

	r0 := &structpb.Struct{Fields: map[string]*structpb.Value{
		"stats": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"count": structpb.NewNumberValue(1),
			"shape": structpb.NewStringValue("first"),
		}}),
	}}
	r1 := &structpb.Struct{Fields: map[string]*structpb.Value{
		"stats": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"count": structpb.NewNumberValue(2),
			"color": structpb.NewStringValue("blue"),
		}}),
	}}
	m.HandleTerminal(&task.Task{TaskID: children[0], ParentTaskID: "T1", ChildIndex: 0, State: task.StateCompleted, Result: r0})
	m.HandleTerminal(&task.Task{TaskID: children[1], ParentTaskID: "T1", ChildIndex: 1, State: task.StateCompleted, Result: r1})

	stats := fd.completed["T1"].Fields["stats"].GetStructValue()
	if stats.Fields["count"].GetNumberValue() != 2 {
		t.Fatalf("want last-writer (index 1) count to win, got %+v", stats.Fields["count"])
	}
	if stats.Fields["shape"].GetStringValue() != "first" {
		t.Fatalf("want index 0's disjoint nested key preserved, got %+v", stats.Fields["shape"])
	}
	if stats.Fields["color"].GetStringValue() != "blue" {
		t.Fatalf("want index 1's disjoint nested key preserved, got %+v", stats.Fields["color"])
	}
}

// TestLoadBalancedMinimizesMaxWeight checks heavy items land in separate
// buckets rather than piling onto one.
func TestLoadBalancedMinimizesMaxWeight(t *testing.T) {
	payload := &structpb.Struct{Fields: map[string]*structpb.Value{
		itemsField: structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
			structpb.NewStringValue("heavy1"),
			structpb.NewStringValue("heavy2"),
			structpb.NewStringValue("light1"),
			structpb.NewStringValue("light2"),
		}}),
		weightsField: structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
			structpb.NewNumberValue(10),
			structpb.NewNumberValue(10),
			structpb.NewNumberValue(1),
			structpb.NewNumberValue(1),
		}}),
	}}

	out, err := splitLoadBalanced(payload, 2)
	if err != nil {
		t.Fatalf("splitLoadBalanced: %v", err)
	}
	for _, p := range out {
		lv := p.Fields[itemsField].GetListValue()
		heavyCount := 0
		for _, v := range lv.Values {
			s := v.GetStringValue()
			if s == "heavy1" || s == "heavy2" {
				heavyCount++
			}
		}
		if heavyCount > 1 {
			t.Fatalf("both heavy items landed in the same bucket: %+v", lv.Values)
		}
	}
}

// TestParallelismOneIsNotAFanoutParent documents property 9: a task with
// Parallelism<=1 never qualifies as a fan-out parent, so the dispatcher's
// worker loop dispatches it exactly like any ordinary task instead of
// calling into this package at all.
func TestParallelismOneIsNotAFanoutParent(t *testing.T) {
	tk := &task.Task{TaskID: "T1", Parallelism: 1}
	if tk.IsFanoutParent() {
		t.Fatal("parallelism=1 must not be treated as a fan-out parent")
	}
}
