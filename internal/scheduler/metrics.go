package scheduler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Summary aggregates the outcome of a scheduling run.
type Summary struct {
	Submitted int
	Completed int
	Failed    int
	Cancelled int
	TimedOut  int

	// SuccessRate is Completed over all terminal tasks, 0-1.
	SuccessRate float64
	// Elapsed is wall time since the scheduler was created.
	Elapsed time.Duration
	// AvgTaskDuration is mean execution time across tasks that ran; tasks
	// cancelled before they started do not dilute it.
	AvgTaskDuration time.Duration

	ResourceUtilization map[string]float64
}

// Metrics is a point-in-time reading of the scheduler's internals.
type Metrics struct {
	Uptime time.Duration

	Workers       int
	TargetWorkers int

	QueuedGlobal int
	QueuedLocal  map[int]int
	Pending      int
	Running      int

	Submitted int
	Completed int
	Failed    int
	TimedOut  int
	Cancelled int

	ResourceUtilization map[string]float64
	ResourceAvailable   map[string]float64

	Tasks []View
}

// RunUntilComplete drives Step until every submitted task has reached a
// terminal state or ctx is cancelled. Idle intervals back off exponentially
// and reset whenever a step dispatches or completes work, so a drained
// scheduler polls gently while a busy one steps tightly.
func (s *Scheduler) RunUntilComplete(ctx context.Context) Summary {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.IdleInterval
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 0 // retry indefinitely; ctx bounds the run
	bo.Reset()

	prevDone := -1
	for {
		snap := s.Step()
		if snap.Queued == 0 && snap.Running == 0 {
			break
		}

		done := snap.Terminal()
		if snap.Dispatched > 0 || done != prevDone {
			bo.Reset()
		}
		prevDone = done

		select {
		case <-ctx.Done():
			return s.Summarize()
		case <-time.After(bo.NextBackOff()):
		}
	}
	return s.Summarize()
}

// Summarize builds a Summary from the current counters.
func (s *Scheduler) Summarize() Summary {
	util := s.res.Utilization()

	s.mu.Lock()
	defer s.mu.Unlock()

	terminal := s.completedCount + s.failedCount + s.timeoutCount + s.cancelledCount
	sum := Summary{
		Submitted:           s.submitted,
		Completed:           s.completedCount,
		Failed:              s.failedCount,
		Cancelled:           s.cancelledCount,
		TimedOut:            s.timeoutCount,
		Elapsed:             time.Since(s.startedAt),
		ResourceUtilization: util,
	}
	if terminal > 0 {
		sum.SuccessRate = float64(s.completedCount) / float64(terminal)
	}
	if s.ranCount > 0 {
		sum.AvgTaskDuration = s.totalRunTime / time.Duration(s.ranCount)
	}
	return sum
}

// GetAllMetrics returns a full reading of pool, queue, counter, resource,
// and per-task state.
func (s *Scheduler) GetAllMetrics() Metrics {
	util := s.res.Utilization()
	avail := s.res.Available()
	global, locals := s.qs.Sizes()

	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{
		Uptime:              time.Since(s.startedAt),
		Workers:             len(s.liveWorkers),
		TargetWorkers:       s.targetCount,
		QueuedGlobal:        global,
		QueuedLocal:         locals,
		Pending:             len(s.pending),
		Running:             len(s.running),
		Submitted:           s.submitted,
		Completed:           s.completedCount,
		Failed:              s.failedCount,
		TimedOut:            s.timeoutCount,
		Cancelled:           s.cancelledCount,
		ResourceUtilization: util,
		ResourceAvailable:   avail,
	}

	m.Tasks = make([]View, 0, len(s.pending)+len(s.running)+len(s.done))
	for _, t := range s.pending {
		m.Tasks = append(m.Tasks, t.view())
	}
	for _, t := range s.running {
		m.Tasks = append(m.Tasks, t.view())
	}
	for _, t := range s.done {
		m.Tasks = append(m.Tasks, t.view())
	}
	return m
}
