package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rs/zerolog"

	"github.com/alowprice23/Triangulum1-sub002/internal/events"
)

// Dispatch lanes for the circuit breakers guarding queue submission.
const (
	laneLocal  = "local"
	laneGlobal = "global"
)

var errQueueSaturated = errors.New("dispatch queues saturated")

// breakerRegistry manages per-lane circuit breakers around queue pushes.
// Repeated saturation trips a breaker, which converts every dispatch
// attempt into immediate backpressure until the queues have had time to
// drain.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	log      zerolog.Logger
}

func newBreakerRegistry(logger zerolog.Logger) *breakerRegistry {
	return &breakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      logger,
	}
}

func (r *breakerRegistry) get(lane string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[lane]; ok {
		return cb
	}

	log := r.log
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        lane,
		MaxRequests: 3, // test requests allowed in half-open state
		Interval:    0,
		Timeout:     2 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("lane", name).Stringer("from", from).Stringer("to", to).Msg("dispatch breaker state change")
		},
	})
	r.breakers[lane] = cb
	return cb
}

// do runs one push through the lane's breaker. Returns nil on success,
// errQueueSaturated on overflow, or the breaker's open-state error.
func (r *breakerRegistry) do(lane string, push func() bool) error {
	_, err := r.get(lane).Execute(func() (any, error) {
		if !push() {
			return nil, errQueueSaturated
		}
		return nil, nil
	})
	return err
}

// spawnWorkerLocked registers a new worker with the steal queues and starts
// its loop under the pool errgroup. Caller holds s.mu.
func (s *Scheduler) spawnWorkerLocked() {
	id := s.nextWorkerID
	s.nextWorkerID++
	s.qs.RegisterWorker(id)
	s.liveWorkers = append(s.liveWorkers, id)
	s.group.Go(func() error {
		return s.workerLoop(id)
	})
	s.log.Debug().Int("worker", id).Int("pool_size", len(s.liveWorkers)).Msg("worker started")
}

// workerLoop pops local work first, then steals (global queue, then peer
// tails). An idle worker retires itself when the pool is above its target.
func (s *Scheduler) workerLoop(id int) error {
	for {
		select {
		case <-s.poolCtx.Done():
			return nil
		default:
		}

		if s.paused.Load() {
			if !s.sleep(s.cfg.PollInterval) {
				return nil
			}
			continue
		}

		it := s.qs.PopLocal(id)
		if it == nil {
			if s.cfg.WorkStealing {
				it = s.qs.Steal(id)
			} else {
				it = s.qs.PopGlobal()
			}
		}
		if it == nil {
			if s.maybeRetire(id) {
				return nil
			}
			if !s.sleep(s.cfg.PollInterval) {
				return nil
			}
			continue
		}

		s.runTask(id, it.Payload.(*Task))
	}
}

// sleep waits for d or pool shutdown; false means shut down.
func (s *Scheduler) sleep(d time.Duration) bool {
	select {
	case <-s.poolCtx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// maybeRetire removes this worker from the pool if it is surplus. Only the
// most recently spawned worker retires, one per call, so the pool shrinks
// gradually and older workers keep their queues warm.
func (s *Scheduler) maybeRetire(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.liveWorkers)
	if n <= s.targetCount || n == 0 || s.liveWorkers[n-1] != id {
		return false
	}
	s.liveWorkers = s.liveWorkers[:n-1]
	if s.rr >= len(s.liveWorkers) {
		s.rr = 0
	}
	s.log.Debug().Int("worker", id).Int("pool_size", n-1).Msg("worker retired")
	return true
}

// runTask executes one dispatched task body on this worker.
func (s *Scheduler) runTask(workerID int, t *Task) {
	s.mu.Lock()
	if t.Status != TaskRunning {
		// Cancelled while queued; resources were already released.
		s.mu.Unlock()
		return
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		ctx, cancel = context.WithTimeout(s.poolCtx, t.Timeout)
	} else {
		ctx, cancel = context.WithCancel(s.poolCtx)
	}
	t.cancel = cancel
	t.StartedAt = time.Now()
	t.LastProgress = t.StartedAt
	t.WorkerID = workerID
	pin := s.pinToThread(t)
	s.mu.Unlock()
	defer cancel()

	report := s.progressFunc(t)

	type outcome struct {
		result any
		err    error
	}
	out := make(chan outcome, 1)
	go func() {
		if pin {
			// Process-style isolation: the payload owns an OS thread for
			// its whole run.
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
		}
		result, err := runPayload(ctx, t.Payload, report)
		out <- outcome{result, err}
	}()

	// The deadline, not the body, decides TIMEOUT. A body that ignores its
	// context is abandoned when the context ends and its late result is
	// discarded; cancellation of the body itself stays best-effort.
	select {
	case o := <-out:
		s.finishTask(t, o.result, o.err, ctx.Err())
	case <-ctx.Done():
		select {
		case o := <-out:
			// The body finished in the same instant; keep its result.
			s.finishTask(t, o.result, o.err, ctx.Err())
		default:
			s.finishTask(t, nil, ctx.Err(), ctx.Err())
		}
	}
}

// progressFunc builds the report callback handed to the task body: it
// refreshes the stall clock, records progress, forwards to the caller's
// callback, and publishes a progress event.
func (s *Scheduler) progressFunc(t *Task) ProgressFunc {
	return func(percent float64, message string) {
		s.mu.Lock()
		if t.Status != TaskRunning {
			// Abandoned or already-terminal body; its reports are discarded.
			s.mu.Unlock()
			return
		}
		t.LastProgress = time.Now()
		if percent >= 0 {
			p := percent / 100
			if p > 1 {
				p = 1
			}
			t.Progress = p
		}
		cb := t.onProgress
		opID := t.operationID
		s.mu.Unlock()

		if cb != nil {
			cb(percent, message)
		}
		if opID != "" && s.tracker != nil {
			step := int(percent)
			if step < 0 {
				step = 0
			}
			_ = s.tracker.Update(opID, step, nil)
		}
		s.publish(events.TopicTask, events.TaskProgressEvent{
			ID:        t.ID,
			Percent:   percent,
			Message:   message,
			Timestamp: time.Now(),
		})
	}
}

// pinToThread decides the isolation strategy for a task per the configured
// execution mode.
func (s *Scheduler) pinToThread(t *Task) bool {
	switch s.cfg.ExecutionMode {
	case ModeProcess:
		return true
	case ModeHybrid:
		return t.Requirements["cpu"] >= 1.0
	default:
		return false
	}
}

// runPayload executes a task body, converting panics into errors so a bad
// payload can never take down a worker.
func runPayload(ctx context.Context, p Payload, report ProgressFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return p.Execute(ctx, report)
}

// finishTask records a terminal state for a task that ran: releases its
// resources, unblocks dependents on success, and emits the matching event.
// A task already terminalized by CancelTask or the stall sweep is left
// untouched and its late result discarded.
func (s *Scheduler) finishTask(t *Task, result any, err error, ctxErr error) {
	now := time.Now()

	s.mu.Lock()
	if t.Status != TaskRunning {
		s.mu.Unlock()
		return
	}

	var status TaskStatus
	switch {
	case err == nil:
		status = TaskCompleted
	case t.Timeout > 0 && errors.Is(ctxErr, context.DeadlineExceeded):
		status = TaskTimeout
		err = fmt.Errorf("task exceeded timeout of %s: %w", t.Timeout, err)
	case errors.Is(ctxErr, context.Canceled):
		// Pool shutdown interrupted the body.
		status = TaskCancelled
	default:
		status = TaskFailed
	}

	t.Status = status
	t.Result = result
	t.Err = err
	t.EndedAt = now
	if status == TaskCompleted {
		t.Progress = 1
	}
	delete(s.running, t.ID)
	s.done[t.ID] = t
	s.ranCount++
	s.totalRunTime += now.Sub(t.StartedAt)

	switch status {
	case TaskCompleted:
		s.completedCount++
		s.completedSet[t.ID] = struct{}{}
		// Unblock dependents; they are rediscovered by the next Step scan.
		for _, waiterID := range s.dependents[t.ID] {
			if wt, ok := s.pending[waiterID]; ok {
				delete(wt.pendingDeps, t.ID)
			}
		}
		delete(s.dependents, t.ID)
	case TaskFailed:
		s.failedCount++
	case TaskTimeout:
		s.timeoutCount++
	case TaskCancelled:
		s.cancelledCount++
	}

	duration := now.Sub(t.StartedAt)
	opID := t.operationID
	s.mu.Unlock()

	s.res.Release(t.ID)

	switch status {
	case TaskCompleted:
		s.log.Debug().Str("task", t.ID).Dur("duration", duration).Msg("task completed")
		s.publish(events.TopicTask, events.TaskCompletedEvent{ID: t.ID, Duration: duration, Timestamp: now})
	case TaskFailed:
		s.log.Warn().Err(err).Str("task", t.ID).Dur("duration", duration).Msg("task failed")
		s.publish(events.TopicTask, events.TaskFailedEvent{ID: t.ID, Err: err, Duration: duration, Timestamp: now})
	case TaskTimeout:
		s.log.Warn().Str("task", t.ID).Dur("timeout", t.Timeout).Msg("task timed out")
		s.publish(events.TopicTask, events.TaskTimedOutEvent{ID: t.ID, Timeout: t.Timeout, Timestamp: now})
	case TaskCancelled:
		s.publish(events.TopicTask, events.TaskCancelledEvent{ID: t.ID, Reason: "pool shutdown", Timestamp: now})
	}

	s.persistTask(t)

	if opID != "" && s.tracker != nil {
		switch status {
		case TaskCompleted:
			_ = s.tracker.Complete(opID, nil)
		case TaskFailed, TaskTimeout:
			reason := "task failed"
			if err != nil {
				reason = err.Error()
			}
			_ = s.tracker.Fail(opID, reason)
		case TaskCancelled:
			_ = s.tracker.Cancel(opID, "pool shutdown")
		}
	}
}
