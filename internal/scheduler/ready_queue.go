package scheduler

import (
	"container/heap"
)

// readyQueue is a priority queue of pending tasks keyed by
// (priority, submission order): lower priority values dispatch first, ties
// dispatch FIFO. Not safe for concurrent use; the scheduler's mutex guards
// it.
type readyQueue struct {
	items []*Task
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq < b.seq
}

func (q *readyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *readyQueue) Push(x any) {
	q.items = append(q.items, x.(*Task))
}

func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // avoid memory leak
	q.items = old[:n-1]
	return t
}

// push enqueues a task. Requeued tasks keep their original seq, so a task
// bounced for unmet dependencies or resources retains its FIFO position.
func (q *readyQueue) push(t *Task) {
	heap.Push(q, t)
}

// pop removes and returns the most urgent task, or nil when empty.
func (q *readyQueue) pop() *Task {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(q).(*Task)
}
