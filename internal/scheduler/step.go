package scheduler

import (
	"time"

	"github.com/alowprice23/Triangulum1-sub002/internal/events"
	"github.com/alowprice23/Triangulum1-sub002/internal/queue"
)

// Snapshot is the counter view returned by Step.
type Snapshot struct {
	Queued     int // tasks awaiting dispatch (including blocked ones)
	Running    int // dispatched, not yet terminal
	Workers    int
	Target     int
	Dispatched int // dispatched by this Step

	Submitted int
	Completed int
	Failed    int
	TimedOut  int
	Cancelled int

	ResourceUtilization map[string]float64
}

// Terminal returns the number of tasks in any terminal state.
func (s Snapshot) Terminal() int {
	return s.Completed + s.Failed + s.TimedOut + s.Cancelled
}

// Step runs one scheduling iteration: sample resource usage, adjust the
// worker target, dispatch eligible tasks while free slots remain, and sweep
// for stalled tasks. Step is serialized against itself; task bodies run
// concurrently on the pool.
func (s *Scheduler) Step() Snapshot {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	now := time.Now()
	usage := s.res.Snapshot()
	s.adjustWorkers(now, usage.Utilization)

	dispatched := 0
	if !s.paused.Load() && !s.shutdown.Load() {
		dispatched = s.dispatchEligible()
	}

	s.sweepStalls(now)

	snap := s.snapshot(dispatched, usage.Utilization)
	s.publish(events.TopicScheduler, events.SchedulerStepEvent{
		Queued:     snap.Queued,
		Running:    snap.Running,
		Workers:    snap.Workers,
		Dispatched: dispatched,
		Timestamp:  time.Now(),
	})
	return snap
}

// dispatchEligible pops ready tasks in (priority, FIFO) order while free
// worker slots remain. The scan stops at the first task that is blocked on
// dependencies or resources: it is re-enqueued at the same priority (and
// original FIFO position) with no penalty, and is simply retried on the
// next Step.
func (s *Scheduler) dispatchEligible() int {
	dispatched := 0
	for {
		s.mu.Lock()
		if len(s.running) >= len(s.liveWorkers) {
			s.mu.Unlock()
			return dispatched
		}

		t := s.popReadyLocked()
		if t == nil {
			s.mu.Unlock()
			return dispatched
		}

		if len(t.pendingDeps) > 0 {
			s.ready.push(t)
			s.mu.Unlock()
			return dispatched
		}

		// Admission: a single atomic check-and-reserve.
		if !s.res.Allocate(t.ID, t.Requirements) {
			s.ready.push(t)
			s.mu.Unlock()
			return dispatched
		}

		t.Status = TaskRunning
		t.LastProgress = time.Now()
		delete(s.pending, t.ID)
		s.running[t.ID] = t
		worker := s.pickWorkerLocked()
		s.mu.Unlock()

		if !s.submit(worker, t) {
			// Queue saturated or breaker open: undo the admission and
			// leave the task queued. Backpressure, not failure.
			s.res.Release(t.ID)
			s.mu.Lock()
			t.Status = TaskPending
			delete(s.running, t.ID)
			s.pending[t.ID] = t
			s.ready.push(t)
			s.mu.Unlock()
			return dispatched
		}

		dispatched++
		s.publish(events.TopicTask, events.TaskStartedEvent{
			ID:        t.ID,
			Priority:  t.Priority,
			Timestamp: time.Now(),
		})
	}
}

// popReadyLocked returns the most urgent pending task, skipping entries
// whose task was cancelled while queued.
func (s *Scheduler) popReadyLocked() *Task {
	for {
		t := s.ready.pop()
		if t == nil {
			return nil
		}
		if t.Status != TaskPending {
			continue
		}
		if _, ok := s.pending[t.ID]; !ok {
			continue
		}
		return t
	}
}

// submit hands a dispatched task to the worker queues: the chosen worker's
// local ring when work stealing is on, falling back to the global ring.
// The push runs through a per-lane circuit breaker so a saturated pool
// backs producers off instead of being hammered every Step.
func (s *Scheduler) submit(worker int, t *Task) bool {
	it := &queue.Item{TaskID: t.ID, Payload: t, EnqueuedAt: time.Now()}

	lane := laneGlobal
	push := func() bool { return s.qs.PushGlobal(it) }
	if s.cfg.WorkStealing {
		lane = laneLocal
		push = func() bool {
			if s.qs.PushLocal(worker, it) {
				return true
			}
			return s.qs.PushGlobal(it)
		}
	}

	if err := s.breakers.do(lane, push); err != nil {
		s.log.Debug().Err(err).Str("task", t.ID).Str("lane", lane).Msg("dispatch backpressure")
		return false
	}
	return true
}

// pickWorkerLocked round-robins dispatch across live workers.
func (s *Scheduler) pickWorkerLocked() int {
	if len(s.liveWorkers) == 0 {
		return 0
	}
	s.rr = (s.rr + 1) % len(s.liveWorkers)
	return s.liveWorkers[s.rr]
}

// sweepStalls counts a stall against every running task whose last progress
// is older than StallThreshold (scaled by stalls already observed, so each
// threshold period is counted once), and cancels tasks past MaxRetries.
// This is failure isolation: a stalled task is removed from the pool, never
// resubmitted.
func (s *Scheduler) sweepStalls(now time.Time) {
	s.mu.Lock()
	var toCancel []string
	for id, t := range s.running {
		frozen := now.Sub(t.LastProgress)
		if frozen <= s.cfg.StallThreshold*time.Duration(t.StallCount+1) {
			continue
		}
		t.StallCount++
		s.log.Warn().
			Str("task", id).
			Int("stall_count", t.StallCount).
			Dur("frozen", frozen).
			Msg("task stalled")
		if t.StallCount > s.cfg.MaxRetries {
			toCancel = append(toCancel, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toCancel {
		s.cancelTask(id, "stalled beyond retry limit")
	}
}

// adjustWorkers applies the adaptive-scaling policy at most once per
// adjustment interval: grow by one when backlog exceeds in-flight work and
// cpu/memory are both under 80%; shrink by one when in-flight work is less
// than half the pool. The live count chases the target by at most one
// worker per tick, which damps oscillation under bursty load.
func (s *Scheduler) adjustWorkers(now time.Time, util map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.AdaptiveScaling {
		// Fixed pool: keep it at MaxWorkers (Reconfigure may have moved it).
		s.targetCount = s.cfg.MaxWorkers
		if len(s.liveWorkers) < s.targetCount {
			s.spawnWorkerLocked()
		}
		return
	}

	if now.Sub(s.lastAdjust) < s.cfg.WorkerAdjustmentInterval {
		return
	}
	s.lastAdjust = now

	backlog := s.ready.Len()
	inflight := len(s.running)
	workers := len(s.liveWorkers)

	switch {
	case backlog > inflight && util["cpu"] < 0.8 && util["memory"] < 0.8 && s.targetCount < s.cfg.MaxWorkers:
		s.targetCount++
		s.log.Debug().Int("target", s.targetCount).Int("backlog", backlog).Msg("scaling worker target up")
	case inflight*2 < workers && s.targetCount > s.cfg.MinWorkers:
		s.targetCount--
		s.log.Debug().Int("target", s.targetCount).Int("inflight", inflight).Msg("scaling worker target down")
	}

	if len(s.liveWorkers) < s.targetCount {
		s.spawnWorkerLocked()
	}
	// Shrinking happens in the worker loops: an idle surplus worker
	// retires itself.
}

func (s *Scheduler) snapshot(dispatched int, util map[string]float64) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Queued:              len(s.pending),
		Running:             len(s.running),
		Workers:             len(s.liveWorkers),
		Target:              s.targetCount,
		Dispatched:          dispatched,
		Submitted:           s.submitted,
		Completed:           s.completedCount,
		Failed:              s.failedCount,
		TimedOut:            s.timeoutCount,
		Cancelled:           s.cancelledCount,
		ResourceUtilization: util,
	}
}
