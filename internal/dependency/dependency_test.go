package dependency

import (
	"io"
	"log/slog"
	"testing"

	"github.com/mcphub/hub/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkTask(id, ctx string, seq uint64, deps ...string) *task.Task {
	depSet := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		depSet[d] = struct{}{}
	}
	return &task.Task{
		TaskID:       id,
		ContextID:    ctx,
		Dependencies: depSet,
		SubmitSeq:    seq,
	}
}

func TestAddBatchReturnsTasksWithNoDependenciesReady(t *testing.T) {
	m := New(testLogger())
	a := mkTask("a", "c1", 1)
	b := mkTask("b", "c1", 2, "a")

	ready, err := m.AddBatch([]*task.Task{a, b})
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("want [a] ready, got %v", ready)
	}
}

func TestAddBatchDetectsCycle(t *testing.T) {
	m := New(testLogger())
	a := mkTask("a", "c1", 1, "b")
	b := mkTask("b", "c1", 2, "a")

	_, err := m.AddBatch([]*task.Task{a, b})
	if err != ErrDependencyCycle {
		t.Fatalf("want ErrDependencyCycle, got %v", err)
	}
}

func TestOnCompleteReleasesDependentWhenAllDepsSatisfied(t *testing.T) {
	m := New(testLogger())
	a := mkTask("a", "c1", 1)
	b := mkTask("b", "c1", 2, "a")
	c := mkTask("c", "c1", 3, "a")

	ready, err := m.AddBatch([]*task.Task{a, b, c})
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("want [a], got %v", ready)
	}

	newlyReady := m.OnComplete("a")
	if len(newlyReady) != 2 || newlyReady[0] != "b" || newlyReady[1] != "c" {
		t.Fatalf("want [b c] in submit order, got %v", newlyReady)
	}
}

func TestOnCompleteRequiresAllDependencies(t *testing.T) {
	m := New(testLogger())
	a := mkTask("a", "c1", 1)
	b := mkTask("b", "c1", 2)
	c := mkTask("c", "c1", 3, "a", "b")

	_, err := m.AddBatch([]*task.Task{a, b, c})
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	if got := m.OnComplete("a"); len(got) != 0 {
		t.Fatalf("want no release until b also completes, got %v", got)
	}
	got := m.OnComplete("b")
	if len(got) != 1 || got[0] != "c" {
		t.Fatalf("want [c] released once both deps complete, got %v", got)
	}
}

func TestOnFailurePropagatesByDefault(t *testing.T) {
	m := New(testLogger())
	a := mkTask("a", "c1", 1)
	b := mkTask("b", "c1", 2, "a")
	b.DependencyPolicy = task.DependencyPropagate

	_, err := m.AddBatch([]*task.Task{a, b})
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	toFail, toRelease := m.OnFailure("a")
	if len(toFail) != 1 || toFail[0] != "b" {
		t.Fatalf("want [b] to fail, got %v", toFail)
	}
	if len(toRelease) != 0 {
		t.Fatalf("want nothing released, got %v", toRelease)
	}
}

func TestOnFailureTolerateReleasesDependent(t *testing.T) {
	m := New(testLogger())
	a := mkTask("a", "c1", 1)
	b := mkTask("b", "c1", 2, "a")
	b.DependencyPolicy = task.DependencyTolerate

	_, err := m.AddBatch([]*task.Task{a, b})
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	toFail, toRelease := m.OnFailure("a")
	if len(toFail) != 0 {
		t.Fatalf("want nothing failed, got %v", toFail)
	}
	if len(toRelease) != 1 || toRelease[0] != "b" {
		t.Fatalf("want [b] released under tolerate policy, got %v", toRelease)
	}
}

func TestOnFailureCascadesTransitively(t *testing.T) {
	m := New(testLogger())
	a := mkTask("a", "c1", 1)
	b := mkTask("b", "c1", 2, "a")
	c := mkTask("c", "c1", 3, "b")

	_, err := m.AddBatch([]*task.Task{a, b, c})
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	toFail, _ := m.OnFailure("a")
	if len(toFail) != 2 {
		t.Fatalf("want both b and c to cascade-fail, got %v", toFail)
	}
}

func TestCancelContextReturnsTrackedTasks(t *testing.T) {
	m := New(testLogger())
	a := mkTask("a", "c1", 1)
	b := mkTask("b", "c1", 2, "a")

	if _, err := m.AddBatch([]*task.Task{a, b}); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	ids := m.CancelContext("c1")
	if len(ids) != 2 {
		t.Fatalf("want 2 tasks cancelled, got %v", ids)
	}
}
