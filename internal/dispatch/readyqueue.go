package dispatch

import "github.com/mcphub/hub/internal/task"

// readyQueue is a stable priority queue: strict priority order with FIFO
// within each priority class, implemented as one plain FIFO slice per
// priority rather than a heap, since there are only four classes.
type readyQueue struct {
	lanes [4][]string // indexed by task.Priority
}

func newReadyQueue() *readyQueue {
	return &readyQueue{}
}

func (q *readyQueue) push(t *task.Task) {
	q.lanes[t.Priority] = append(q.lanes[t.Priority], t.TaskID)
}

// pushFront re-parks a task at the head of its lane, used when it is
// pulled but no capable agent is currently available — it keeps its
// place rather than losing its position behind newer arrivals.
func (q *readyQueue) pushFront(t *task.Task) {
	q.lanes[t.Priority] = append([]string{t.TaskID}, q.lanes[t.Priority]...)
}

// pop returns the next task_id in strict-priority, FIFO-within-priority
// order: critical, high, normal, low.
func (q *readyQueue) pop() (string, bool) {
	for p := task.PriorityCritical; p >= task.PriorityLow; p-- {
		lane := q.lanes[p]
		if len(lane) > 0 {
			id := lane[0]
			q.lanes[p] = lane[1:]
			return id, true
		}
	}
	return "", false
}

func (q *readyQueue) len() int {
	n := 0
	for _, l := range q.lanes {
		n += len(l)
	}
	return n
}
