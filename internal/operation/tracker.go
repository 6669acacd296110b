package operation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alowprice23/Triangulum1-sub002/internal/events"
	"github.com/alowprice23/Triangulum1-sub002/internal/persistence"
)

// DefaultSweepInterval is how often the background sweep checks for
// timed-out operations when the caller does not configure one.
const DefaultSweepInterval = time.Second

// SubscriberFunc receives tracker notifications. Callbacks run synchronously
// in call order; a panicking subscriber is logged and isolated so it cannot
// block other subscribers or the tracker.
type SubscriberFunc func(event string, op Operation)

// Tracker is a registry of long-lived operations with timeout detection.
type Tracker struct {
	mu      sync.Mutex
	ops     map[string]*tracked
	subs    map[int]SubscriberFunc
	nextSub int

	// emitMu serializes notification delivery so events from one mutating
	// call are seen in call order by every subscriber.
	emitMu sync.Mutex

	sweepInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
	startOnce     sync.Once
	stopOnce      sync.Once

	bus   *events.Bus       // optional mirror of notifications onto the event bus
	store persistence.Store // optional terminal-record sink
	log   zerolog.Logger
}

// NewTracker creates a Tracker. The bus may be nil; sweepInterval defaults
// to DefaultSweepInterval when non-positive. Call Start to begin the
// timeout sweep and Stop to halt it.
func NewTracker(sweepInterval time.Duration, bus *events.Bus, logger zerolog.Logger) *Tracker {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Tracker{
		ops:           make(map[string]*tracked),
		subs:          make(map[int]SubscriberFunc),
		sweepInterval: sweepInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		bus:           bus,
		log:           logger,
	}
}

// SetStore wires an optional persistence store for terminal operation
// records. Must be called before operations start finishing.
func (t *Tracker) SetStore(store persistence.Store) {
	t.store = store
}

// Start launches the background timeout sweep. Safe to call once; further
// calls are no-ops.
func (t *Tracker) Start() {
	t.startOnce.Do(func() {
		go t.sweepLoop()
	})
}

// Stop halts the background sweep and waits for it to exit. Idempotent.
// Operations stay queryable after Stop.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	t.Start() // ensure done is eventually closed even if Start was never called
	<-t.done
}

// Create registers a new operation in NOT_STARTED. An empty id gets a
// generated UUID. cancelCallback may be nil; it is invoked at most once, by
// Cancel or by the timeout sweep.
func (t *Tracker) Create(opType string, totalSteps int, timeout time.Duration, parentID string, cancelCallback func()) string {
	id := uuid.NewString()

	t.mu.Lock()
	rec := &tracked{
		op: Operation{
			ID:         id,
			Type:       opType,
			ParentID:   parentID,
			TotalSteps: totalSteps,
			Status:     StatusNotStarted,
			Timeout:    timeout,
			CreatedAt:  time.Now(),
		},
		cancelFn: cancelCallback,
	}
	t.ops[id] = rec
	snap := rec.snapshot()
	t.mu.Unlock()

	t.emit(EventCreated, snap)
	return id
}

// Start transitions an operation to IN_PROGRESS. No-op if already started
// or terminal.
func (t *Tracker) StartOperation(id string) error {
	t.mu.Lock()
	rec, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("operation %q not found", id)
	}
	if rec.op.Status != StatusNotStarted {
		t.mu.Unlock()
		return nil
	}
	rec.op.Status = StatusInProgress
	rec.op.StartedAt = time.Now()
	snap := rec.snapshot()
	t.mu.Unlock()

	t.emit(EventStarted, snap)
	return nil
}

// Update advances an operation's step counter and merges details. Terminal
// operations are never changed (terminal-state idempotence).
func (t *Tracker) Update(id string, currentStep int, details map[string]any) error {
	t.mu.Lock()
	rec, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("operation %q not found", id)
	}
	if rec.op.Status.Terminal() {
		t.mu.Unlock()
		return nil
	}
	if rec.op.Status == StatusNotStarted {
		rec.op.Status = StatusInProgress
		rec.op.StartedAt = time.Now()
	}
	rec.op.CurrentStep = currentStep
	rec.op.Percentage = percentage(currentStep, rec.op.TotalSteps)
	mergeDetails(rec, details)
	snap := rec.snapshot()
	t.mu.Unlock()

	t.emit(EventUpdated, snap)
	return nil
}

// Complete transitions an operation to COMPLETED at 100%.
func (t *Tracker) Complete(id string, details map[string]any) error {
	return t.finish(id, StatusCompleted, EventCompleted, "", details)
}

// Fail transitions an operation to FAILED with a reason.
func (t *Tracker) Fail(id string, reason string) error {
	return t.finish(id, StatusFailed, EventFailed, reason, nil)
}

// Cancel transitions an operation to CANCELLED and invokes its cancel
// callback if it has not fired yet.
func (t *Tracker) Cancel(id string, reason string) error {
	t.mu.Lock()
	rec, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("operation %q not found", id)
	}
	if rec.op.Status.Terminal() {
		t.mu.Unlock()
		return nil
	}
	rec.op.Status = StatusCancelled
	rec.op.Reason = reason
	rec.op.EndedAt = time.Now()
	cb := t.takeCancelLocked(rec)
	snap := rec.snapshot()
	t.mu.Unlock()

	t.invokeCancel(snap.ID, cb)
	t.emit(EventCancelled, snap)
	t.persistOperation(snap)
	return nil
}

// Get returns a snapshot of an operation.
func (t *Tracker) Get(id string) (Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.ops[id]
	if !ok {
		return Operation{}, false
	}
	return rec.snapshot(), true
}

// List returns snapshots of every tracked operation.
func (t *Tracker) List() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Operation, 0, len(t.ops))
	for _, rec := range t.ops {
		out = append(out, rec.snapshot())
	}
	return out
}

// Remove evicts a terminal operation from the registry. Returns false if
// the operation is unknown or still live.
func (t *Tracker) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.ops[id]
	if !ok || !rec.op.Status.Terminal() {
		return false
	}
	delete(t.ops, id)
	return true
}

// Subscribe registers a notification callback and returns its handle.
func (t *Tracker) Subscribe(fn SubscriberFunc) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextSub++
	t.subs[t.nextSub] = fn
	return t.nextSub
}

// Unsubscribe removes a previously registered callback.
func (t *Tracker) Unsubscribe(handle int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, handle)
}

// Sweep runs one timeout pass immediately. Exposed for callers that drive
// their own cadence (and for tests); the background loop calls it too.
func (t *Tracker) Sweep() {
	now := time.Now()

	t.mu.Lock()
	var expired []string
	for id, rec := range t.ops {
		if rec.hasTimedOut(now) {
			expired = append(expired, id)
		}
	}
	t.mu.Unlock()

	for _, id := range expired {
		// Re-check under the lock: the operation may have finished between
		// the scan and now.
		t.mu.Lock()
		rec, ok := t.ops[id]
		if !ok || !rec.hasTimedOut(time.Now()) {
			t.mu.Unlock()
			continue
		}
		rec.op.Status = StatusTimedOut
		rec.op.Reason = fmt.Sprintf("exceeded timeout of %s", rec.op.Timeout)
		rec.op.EndedAt = time.Now()
		cb := t.takeCancelLocked(rec)
		snap := rec.snapshot()
		t.mu.Unlock()

		t.log.Warn().
			Str("operation", snap.ID).
			Str("type", snap.Type).
			Dur("timeout", snap.Timeout).
			Msg("operation timed out")

		t.invokeCancel(snap.ID, cb)
		t.emit(EventTimeout, snap)
		t.persistOperation(snap)
	}
}

func (t *Tracker) finish(id string, status Status, event string, reason string, details map[string]any) error {
	t.mu.Lock()
	rec, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("operation %q not found", id)
	}
	if rec.op.Status.Terminal() {
		t.mu.Unlock()
		return nil
	}
	rec.op.Status = status
	rec.op.Reason = reason
	rec.op.EndedAt = time.Now()
	if status == StatusCompleted {
		rec.op.CurrentStep = rec.op.TotalSteps
		rec.op.Percentage = 100
	}
	mergeDetails(rec, details)
	snap := rec.snapshot()
	t.mu.Unlock()

	t.emit(event, snap)
	t.persistOperation(snap)
	return nil
}

// takeCancelLocked claims the cancel callback, enforcing exactly-once.
func (t *Tracker) takeCancelLocked(rec *tracked) func() {
	if rec.cancelInvoked || rec.cancelFn == nil {
		return nil
	}
	rec.cancelInvoked = true
	return rec.cancelFn
}

// invokeCancel runs a claimed cancel callback, swallowing panics: a bad
// callback must never take down the tracker or the sweep loop.
func (t *Tracker) invokeCancel(opID string, cb func()) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Str("operation", opID).Any("panic", r).Msg("cancel callback panicked")
		}
	}()
	cb()
}

// emit delivers one notification to every subscriber, in subscriber order,
// and mirrors it onto the event bus. Panicking subscribers are isolated.
func (t *Tracker) emit(event string, op Operation) {
	t.mu.Lock()
	handles := make([]int, 0, len(t.subs))
	for h := range t.subs {
		handles = append(handles, h)
	}
	sort.Ints(handles) // deliver in subscription order
	fns := make([]SubscriberFunc, 0, len(handles))
	for _, h := range handles {
		fns = append(fns, t.subs[h])
	}
	t.mu.Unlock()

	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	for i, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.log.Error().
						Str("operation", op.ID).
						Str("event", event).
						Int("subscriber", handles[i]).
						Any("panic", r).
						Msg("subscriber panicked")
				}
			}()
			fn(event, op)
		}()
	}

	if t.bus != nil {
		t.bus.Publish(events.TopicOperation, events.OperationEvent{
			Name:        event,
			OperationID: op.ID,
			Status:      op.Status.String(),
			Percentage:  op.Percentage,
			Timestamp:   time.Now(),
		})
	}
}

// persistOperation writes a terminal record to the store, if one is wired.
// Persistence failures are logged and never propagate to callers.
func (t *Tracker) persistOperation(op Operation) {
	if t.store == nil {
		return
	}

	rec := persistence.OperationRecord{
		ID:          op.ID,
		Type:        op.Type,
		ParentID:    op.ParentID,
		Status:      op.Status.String(),
		Percentage:  op.Percentage,
		TotalSteps:  op.TotalSteps,
		CurrentStep: op.CurrentStep,
		Reason:      op.Reason,
		CreatedAt:   op.CreatedAt,
		EndedAt:     op.EndedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.SaveOperation(ctx, rec); err != nil {
		t.log.Error().Err(err).Str("operation", op.ID).Msg("failed to persist operation record")
	}
}

func (t *Tracker) sweepLoop() {
	defer close(t.done)

	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func mergeDetails(rec *tracked, details map[string]any) {
	if len(details) == 0 {
		return
	}
	if rec.op.Details == nil {
		rec.op.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		rec.op.Details[k] = v
	}
}
