// Package queue implements the bounded work-distribution queues used by the
// executor: one FIFO ring per registered worker plus a shared global ring.
// Idle workers pop locally, then steal from the global queue or from the
// tail of a peer's local queue.
package queue

import (
	"sync"
	"time"
)

// Item is the unit held in the queues. Ownership transfers from the producer
// to exactly one consuming worker: an item popped or stolen is gone from the
// queues, and a rejected push leaves the queues untouched.
type Item struct {
	TaskID     string
	Payload    any
	EnqueuedAt time.Time
}

const (
	// DefaultLocalSize bounds each worker's local ring.
	DefaultLocalSize = 64
	// DefaultGlobalSize bounds the shared global ring.
	DefaultGlobalSize = 1024
)

// StealQueue holds the per-worker local rings and the global ring.
// A single mutex guards all rings: steal operations cross rings, and one
// lock keeps the conservation invariant trivially airtight.
type StealQueue struct {
	mu        sync.Mutex
	global    *ring
	locals    map[int]*ring
	order     []int // registered worker IDs, steal scan order
	localSize int
}

// NewStealQueue creates the queues. Non-positive sizes use the defaults.
func NewStealQueue(localSize, globalSize int) *StealQueue {
	if localSize <= 0 {
		localSize = DefaultLocalSize
	}
	if globalSize <= 0 {
		globalSize = DefaultGlobalSize
	}
	return &StealQueue{
		global:    newRing(globalSize),
		locals:    make(map[int]*ring),
		localSize: localSize,
	}
}

// RegisterWorker creates the local ring for a worker ID. Registering the
// same ID twice is a no-op so a restarted worker keeps its queued items.
func (q *StealQueue) RegisterWorker(id int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.locals[id]; ok {
		return
	}
	q.locals[id] = newRing(q.localSize)
	q.order = append(q.order, id)
}

// PushLocal appends to a worker's local ring. Returns false if the worker is
// unregistered or its ring is full; the caller should fall back to the
// global queue or apply backpressure to the producer.
func (q *StealQueue) PushLocal(worker int, it *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	local, ok := q.locals[worker]
	if !ok {
		return false
	}
	return local.pushTail(it)
}

// PushGlobal appends to the global ring. Returns false on overflow.
func (q *StealQueue) PushGlobal(it *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.global.pushTail(it)
}

// PopLocal removes the oldest item from the worker's own ring, or nil.
func (q *StealQueue) PopLocal(worker int) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	local, ok := q.locals[worker]
	if !ok {
		return nil
	}
	return local.popHead()
}

// PopGlobal removes the oldest item from the global ring, or nil.
func (q *StealQueue) PopGlobal() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.global.popHead()
}

// Steal finds work for an idle worker. The global queue is preferred first
// (oldest item); then the other workers' rings are scanned and the item is
// taken from the tail, the most recently pushed work. Tail theft favors
// fresh work and keeps contention off any single victim's head.
func (q *StealQueue) Steal(worker int) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it := q.global.popHead(); it != nil {
		return it
	}

	// Rotate the scan start by thief ID so concurrent thieves spread out.
	n := len(q.order)
	for i := 0; i < n; i++ {
		victim := q.order[(worker+1+i)%n]
		if victim == worker {
			continue
		}
		if it := q.locals[victim].popTail(); it != nil {
			return it
		}
	}
	return nil
}

// Len returns the total number of queued items across all rings.
func (q *StealQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := q.global.len()
	for _, local := range q.locals {
		total += local.len()
	}
	return total
}

// Sizes returns the global ring length and the per-worker ring lengths.
func (q *StealQueue) Sizes() (global int, locals map[int]int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	locals = make(map[int]int, len(q.locals))
	for id, local := range q.locals {
		locals[id] = local.len()
	}
	return q.global.len(), locals
}

// ring is a fixed-capacity circular buffer of items.
type ring struct {
	buf   []*Item
	head  int // index of oldest item
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*Item, capacity)}
}

func (r *ring) len() int { return r.count }

func (r *ring) pushTail(it *Item) bool {
	if r.count == len(r.buf) {
		return false
	}
	r.buf[(r.head+r.count)%len(r.buf)] = it
	r.count++
	return true
}

func (r *ring) popHead() *Item {
	if r.count == 0 {
		return nil
	}
	it := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return it
}

func (r *ring) popTail() *Item {
	if r.count == 0 {
		return nil
	}
	idx := (r.head + r.count - 1) % len(r.buf)
	it := r.buf[idx]
	r.buf[idx] = nil
	r.count--
	return it
}
