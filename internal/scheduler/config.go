package scheduler

import (
	"time"
)

// Execution modes select the isolation strategy for task bodies.
const (
	// ModeThread runs every payload on a pooled worker goroutine.
	ModeThread = "thread"
	// ModeProcess pins every payload to a dedicated OS thread for its
	// lifetime.
	ModeProcess = "process"
	// ModeHybrid pins payloads whose declared cpu requirement is at least
	// 1.0 and pools the rest.
	ModeHybrid = "hybrid"
)

// Config holds the scheduler's tunables.
type Config struct {
	// MaxWorkers and MinWorkers bound the pool size.
	MaxWorkers int
	MinWorkers int
	// ExecutionMode is one of ModeThread, ModeProcess, ModeHybrid.
	ExecutionMode string
	// AdaptiveScaling enables the worker-count adjustment policy. When
	// disabled the pool runs fixed at MaxWorkers.
	AdaptiveScaling bool
	// WorkStealing enables per-worker local queues with stealing; when
	// disabled all dispatch goes through the global queue.
	WorkStealing bool
	// StallThreshold is how long a running task may go without progress
	// before a stall is counted against it.
	StallThreshold time.Duration
	// MaxRetries is the number of stall observations tolerated before the
	// task is cancelled. It gates cancellation only; stalled tasks are
	// never resubmitted.
	MaxRetries int
	// LocalQueueSize and GlobalQueueSize bound the dispatch rings.
	LocalQueueSize  int
	GlobalQueueSize int
	// WorkerAdjustmentInterval is the minimum time between adaptive-scaling
	// evaluations.
	WorkerAdjustmentInterval time.Duration
	// PollInterval is how long an idle worker sleeps between queue checks.
	PollInterval time.Duration
	// IdleInterval is the initial sleep between Step calls in
	// RunUntilComplete; the sleep backs off exponentially while no work
	// moves and resets when it does.
	IdleInterval time.Duration
	// BugTickInterval is the tick cadence for steppable payloads submitted
	// via AddBug.
	BugTickInterval time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:               8,
		MinWorkers:               2,
		ExecutionMode:            ModeHybrid,
		AdaptiveScaling:          true,
		WorkStealing:             true,
		StallThreshold:           30 * time.Second,
		MaxRetries:               3,
		LocalQueueSize:           64,
		GlobalQueueSize:          1024,
		WorkerAdjustmentInterval: 5 * time.Second,
		PollInterval:             5 * time.Millisecond,
		IdleInterval:             2 * time.Millisecond,
		BugTickInterval:          50 * time.Millisecond,
	}
}

// sanitize clamps nonsense values to workable defaults.
func (c Config) sanitize() Config {
	def := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = def.MaxWorkers
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MinWorkers > c.MaxWorkers {
		c.MinWorkers = c.MaxWorkers
	}
	switch c.ExecutionMode {
	case ModeThread, ModeProcess, ModeHybrid:
	default:
		c.ExecutionMode = def.ExecutionMode
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = def.StallThreshold
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.LocalQueueSize <= 0 {
		c.LocalQueueSize = def.LocalQueueSize
	}
	if c.GlobalQueueSize <= 0 {
		c.GlobalQueueSize = def.GlobalQueueSize
	}
	if c.WorkerAdjustmentInterval <= 0 {
		c.WorkerAdjustmentInterval = def.WorkerAdjustmentInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = def.IdleInterval
	}
	if c.BugTickInterval <= 0 {
		c.BugTickInterval = def.BugTickInterval
	}
	return c
}
