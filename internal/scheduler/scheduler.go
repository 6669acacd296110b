// Package scheduler implements the resource-aware task executor: a priority
// and dependency queue feeding a bounded, adaptively sized worker pool with
// work stealing, stall detection, and best-effort cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/alowprice23/Triangulum1-sub002/internal/events"
	"github.com/alowprice23/Triangulum1-sub002/internal/operation"
	"github.com/alowprice23/Triangulum1-sub002/internal/persistence"
	"github.com/alowprice23/Triangulum1-sub002/internal/queue"
	"github.com/alowprice23/Triangulum1-sub002/internal/resource"
)

var (
	// ErrNilPayload is returned by AddTask when the submission has no body.
	ErrNilPayload = errors.New("task payload is nil")
	// ErrShutdown is returned for submissions after Shutdown.
	ErrShutdown = errors.New("scheduler is shut down")
)

// Scheduler owns all scheduling state. Step is the only mutator of the
// queues and task maps and is not re-entrant; task bodies run concurrently
// on the worker pool and report back through the completion path.
type Scheduler struct {
	cfg Config
	log zerolog.Logger
	res *resource.Manager
	qs  *queue.StealQueue
	bus *events.Bus

	store   persistence.Store  // optional terminal-record sink
	tracker *operation.Tracker // optional, drives bug operations

	// stepMu serializes Step against itself.
	stepMu sync.Mutex

	mu           sync.Mutex
	ready        readyQueue
	pending      map[string]*Task
	running      map[string]*Task
	done         map[string]*Task
	completedSet map[string]struct{}
	dependents   map[string][]string // dep ID -> IDs of tasks waiting on it
	nextSeq      uint64

	// Worker pool state, also under mu.
	liveWorkers  []int
	targetCount  int
	nextWorkerID int
	rr           int // round-robin cursor for local-queue dispatch
	lastAdjust   time.Time

	// Counters, under mu.
	submitted      int
	completedCount int
	failedCount    int
	timeoutCount   int
	cancelledCount int
	ranCount       int           // tasks that actually started executing
	totalRunTime   time.Duration // accumulated across tasks that ran

	paused   atomic.Bool
	shutdown atomic.Bool

	poolCtx    context.Context
	poolCancel context.CancelFunc
	group      *errgroup.Group
	breakers   *breakerRegistry

	startedAt time.Time
}

// New creates a Scheduler and starts its worker pool. The bus may be nil.
// Call Shutdown to stop the pool.
func New(cfg Config, res *resource.Manager, bus *events.Bus, logger zerolog.Logger) *Scheduler {
	cfg = cfg.sanitize()

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	s := &Scheduler{
		cfg:          cfg,
		log:          logger,
		res:          res,
		qs:           queue.NewStealQueue(cfg.LocalQueueSize, cfg.GlobalQueueSize),
		bus:          bus,
		pending:      make(map[string]*Task),
		running:      make(map[string]*Task),
		done:         make(map[string]*Task),
		completedSet: make(map[string]struct{}),
		dependents:   make(map[string][]string),
		poolCtx:      gctx,
		poolCancel:   cancel,
		group:        group,
		breakers:     newBreakerRegistry(logger),
		startedAt:    time.Now(),
	}

	initial := cfg.MinWorkers
	if !cfg.AdaptiveScaling {
		initial = cfg.MaxWorkers
	}
	s.mu.Lock()
	s.targetCount = initial
	for i := 0; i < initial; i++ {
		s.spawnWorkerLocked()
	}
	s.mu.Unlock()

	return s
}

// SetStore wires an optional persistence store for terminal task records.
// Must be called before tasks start finishing.
func (s *Scheduler) SetStore(store persistence.Store) {
	s.store = store
}

// SetTracker wires an optional operation tracker used for bug submissions.
// Must be called before AddBug.
func (s *Scheduler) SetTracker(tr *operation.Tracker) {
	s.tracker = tr
}

// AddTask enqueues a task. Never blocks. Fails only on a nil payload, a
// duplicate ID, or a scheduler that has been shut down.
func (s *Scheduler) AddTask(spec TaskSpec) (string, error) {
	return s.addTask(spec, "")
}

// addTask inserts the task with its operation link already set, so a task
// is never dispatchable before its tracker operation is attached.
func (s *Scheduler) addTask(spec TaskSpec, operationID string) (string, error) {
	if spec.Payload == nil {
		return "", ErrNilPayload
	}
	if s.shutdown.Load() {
		return "", ErrShutdown
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	t := &Task{
		ID:           id,
		Priority:     spec.Priority,
		Payload:      spec.Payload,
		Requirements: spec.Requirements,
		Timeout:      spec.Timeout,
		DependsOn:    append([]string(nil), spec.DependsOn...),
		Status:       TaskPending,
		SubmittedAt:  time.Now(),
		onProgress:   spec.OnProgress,
		operationID:  operationID,
	}

	s.mu.Lock()
	if s.taskKnownLocked(id) {
		s.mu.Unlock()
		return "", fmt.Errorf("task with ID %q already exists", id)
	}

	s.nextSeq++
	t.seq = s.nextSeq

	// Dependencies already completed are satisfied on entry; anything else
	// (unknown, pending, running, or failed) must still reach COMPLETED.
	t.pendingDeps = make(map[string]struct{})
	for _, depID := range t.DependsOn {
		if _, ok := s.completedSet[depID]; ok {
			continue
		}
		t.pendingDeps[depID] = struct{}{}
		s.dependents[depID] = append(s.dependents[depID], id)
	}

	s.pending[id] = t
	s.ready.push(t)
	s.submitted++

	cyclic := len(t.pendingDeps) > 0 && s.hasCycleLocked()
	s.mu.Unlock()

	if cyclic {
		// The task can never run; surface it loudly but keep the AddTask
		// contract (submission itself does not fail).
		s.log.Warn().Str("task", id).Msg("dependency cycle detected; task will never become eligible")
	}

	s.publish(events.TopicTask, events.TaskSubmittedEvent{
		ID:        id,
		Priority:  t.Priority,
		DependsOn: t.DependsOn,
		Timestamp: time.Now(),
	})
	return id, nil
}

// AddBug submits a steppable bug payload. If a tracker is wired, a
// bug_processing operation is created and started before the task is
// enqueued, so even a stepper that finishes on its first tick carries the
// operation link into its terminal transition. The operation's cancel
// callback cancels the task.
func (s *Scheduler) AddBug(stepper Stepper, priority int) (string, error) {
	if stepper == nil {
		return "", ErrNilPayload
	}

	id := uuid.NewString()
	var opID string
	if s.tracker != nil {
		opID = s.tracker.Create("bug_processing", 100, 0, "", func() {
			s.CancelTask(id)
		})
		_ = s.tracker.StartOperation(opID)
	}

	if _, err := s.addTask(TaskSpec{
		ID:       id,
		Priority: priority,
		Payload:  StepPayload{Stepper: stepper, TickInterval: s.cfg.BugTickInterval},
	}, opID); err != nil {
		if opID != "" {
			_ = s.tracker.Cancel(opID, "submission failed")
		}
		return "", err
	}
	return id, nil
}

// CancelTask moves a PENDING or RUNNING task to CANCELLED, releases its
// resources, and detaches it from the dependency graph. Idempotent:
// cancelling an unknown or already-terminal task returns false.
func (s *Scheduler) CancelTask(id string) bool {
	return s.cancelTask(id, "cancelled by caller")
}

func (s *Scheduler) cancelTask(id, reason string) bool {
	s.mu.Lock()

	var t *Task
	wasRunning := false
	if pt, ok := s.pending[id]; ok {
		t = pt
		delete(s.pending, id)
	} else if rt, ok := s.running[id]; ok {
		t = rt
		wasRunning = true
		delete(s.running, id)
	} else {
		s.mu.Unlock()
		return false
	}

	t.Status = TaskCancelled
	t.Err = fmt.Errorf("task cancelled: %s", reason)
	t.EndedAt = time.Now()
	s.done[id] = t
	s.cancelledCount++
	if wasRunning && !t.StartedAt.IsZero() {
		s.ranCount++
		s.totalRunTime += t.EndedAt.Sub(t.StartedAt)
	}
	s.detachLocked(t)
	cancelFn := t.cancel
	opID := t.operationID
	s.mu.Unlock()

	if wasRunning {
		s.res.Release(id)
		if cancelFn != nil {
			// Best-effort: interrupts the context; a body that ignores it
			// keeps running until it returns, at which point its result is
			// discarded.
			cancelFn()
		}
	}

	s.log.Info().Str("task", id).Str("reason", reason).Msg("task cancelled")
	s.publish(events.TopicTask, events.TaskCancelledEvent{ID: id, Reason: reason, Timestamp: time.Now()})
	s.persistTask(t)
	if opID != "" && s.tracker != nil {
		_ = s.tracker.Cancel(opID, reason)
	}
	return true
}

// Pause stops dispatching new tasks; running tasks continue.
func (s *Scheduler) Pause() { s.paused.Store(true) }

// Resume restarts dispatch after a Pause.
func (s *Scheduler) Resume() { s.paused.Store(false) }

// Shutdown stops the worker pool. With wait, it blocks until every worker
// has exited; in-flight task bodies see their contexts cancelled first.
func (s *Scheduler) Shutdown(wait bool) {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	s.poolCancel()
	if wait {
		_ = s.group.Wait()
	}
}

// GetTaskStatus returns a task's status.
func (s *Scheduler) GetTaskStatus(id string) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := s.lookupLocked(id); t != nil {
		return t.Status, true
	}
	return 0, false
}

// GetTaskResult returns the result of a completed task.
func (s *Scheduler) GetTaskResult(id string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.done[id]
	if !ok || t.Status != TaskCompleted {
		return nil, false
	}
	return t.Result, true
}

// GetTaskErr returns the captured error of a failed, timed-out, or
// cancelled task.
func (s *Scheduler) GetTaskErr(id string) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.lookupLocked(id)
	if t == nil || t.Err == nil {
		return nil, false
	}
	return t.Err, true
}

// GetTask returns a read-only view of a task.
func (s *Scheduler) GetTask(id string) (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := s.lookupLocked(id); t != nil {
		return t.view(), true
	}
	return View{}, false
}

// EvictTask removes a terminal task from the scheduler's maps, typically
// after the caller has read its result. Returns false for unknown or
// still-live tasks.
func (s *Scheduler) EvictTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.done[id]; !ok {
		return false
	}
	delete(s.done, id)
	return true
}

// Reconfigure applies live tunables, typically from a config reload.
// Worker-count bounds take effect on the next adjustment tick.
func (s *Scheduler) Reconfigure(maxWorkers, minWorkers int, stallThreshold time.Duration, maxRetries int, adaptive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxWorkers > 0 {
		s.cfg.MaxWorkers = maxWorkers
	}
	if minWorkers > 0 {
		s.cfg.MinWorkers = minWorkers
	}
	if s.cfg.MinWorkers > s.cfg.MaxWorkers {
		s.cfg.MinWorkers = s.cfg.MaxWorkers
	}
	if stallThreshold > 0 {
		s.cfg.StallThreshold = stallThreshold
	}
	if maxRetries >= 0 {
		s.cfg.MaxRetries = maxRetries
	}
	s.cfg.AdaptiveScaling = adaptive
	if s.targetCount > s.cfg.MaxWorkers {
		s.targetCount = s.cfg.MaxWorkers
	}
	if s.targetCount < s.cfg.MinWorkers {
		s.targetCount = s.cfg.MinWorkers
	}
	s.log.Info().
		Int("max_workers", s.cfg.MaxWorkers).
		Int("min_workers", s.cfg.MinWorkers).
		Dur("stall_threshold", s.cfg.StallThreshold).
		Bool("adaptive", adaptive).
		Msg("scheduler reconfigured")
}

func (s *Scheduler) lookupLocked(id string) *Task {
	if t, ok := s.pending[id]; ok {
		return t
	}
	if t, ok := s.running[id]; ok {
		return t
	}
	if t, ok := s.done[id]; ok {
		return t
	}
	return nil
}

func (s *Scheduler) taskKnownLocked(id string) bool {
	return s.lookupLocked(id) != nil
}

// detachLocked removes a task from the dependency graph: its own pending
// set and its entries in the dependents index.
func (s *Scheduler) detachLocked(t *Task) {
	for depID := range t.pendingDeps {
		waiters := s.dependents[depID]
		for i, id := range waiters {
			if id == t.ID {
				s.dependents[depID] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(s.dependents[depID]) == 0 {
			delete(s.dependents, depID)
		}
	}
	t.pendingDeps = nil
}

func (s *Scheduler) publish(topic string, ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, ev)
	}
}

// persistTask writes a terminal record to the store, if one is wired.
// Persistence failures are logged and never propagate into scheduling.
func (s *Scheduler) persistTask(t *Task) {
	if s.store == nil {
		return
	}

	s.mu.Lock()
	rec := persistence.TaskRecord{
		ID:          t.ID,
		Priority:    t.Priority,
		Status:      t.Status.String(),
		StallCount:  t.StallCount,
		SubmittedAt: t.SubmittedAt,
		StartedAt:   t.StartedAt,
		EndedAt:     t.EndedAt,
	}
	if t.Err != nil {
		rec.Error = t.Err.Error()
	}
	if t.Result != nil {
		rec.Result = fmt.Sprintf("%v", t.Result)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveTask(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("task", t.ID).Msg("failed to persist task record")
	}
}
