package scheduler

import (
	"context"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Queued, waiting for dependencies/resources/a slot
	TaskRunning                     // Dispatched to the worker pool
	TaskCompleted                   // Finished successfully
	TaskFailed                      // Task body returned an error
	TaskTimeout                     // Exceeded its declared timeout
	TaskCancelled                   // Cancelled by the caller or the stall sweep
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskTimeout:
		return "timeout"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can occur.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimeout, TaskCancelled:
		return true
	}
	return false
}

// ProgressFunc receives progress reports from a running task body.
// percent is 0-100; message is free-form.
type ProgressFunc func(percent float64, message string)

// Payload is the executable body of a task. Implementations must honor
// context cancellation: the scheduler's cancellation is cooperative, it
// never pre-empts a body that ignores its context.
type Payload interface {
	Execute(ctx context.Context, report ProgressFunc) (any, error)
}

// TaskFunc is the signature of a one-shot task body.
type TaskFunc func(ctx context.Context, args []any, kwargs map[string]any, report ProgressFunc) (any, error)

// FuncPayload wraps a one-shot function with its arguments.
type FuncPayload struct {
	Fn     TaskFunc
	Args   []any
	Kwargs map[string]any
}

func (p FuncPayload) Execute(ctx context.Context, report ProgressFunc) (any, error) {
	return p.Fn(ctx, p.Args, p.Kwargs, report)
}

// Stepper is the protocol for long-lived "bug" payloads that advance one
// tick at a time instead of running to completion in a single call.
// progress is 0.0-1.0; done ends the task.
type Stepper interface {
	ProcessTick(ctx context.Context) (done bool, progress float64, err error)
}

// StepPayload drives a Stepper until it reports done, ticking at
// TickInterval and reporting progress after every tick. The stepper itself
// is returned as the task result so callers can read its final state.
type StepPayload struct {
	Stepper      Stepper
	TickInterval time.Duration
}

func (p StepPayload) Execute(ctx context.Context, report ProgressFunc) (any, error) {
	interval := p.TickInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}

	for {
		if err := ctx.Err(); err != nil {
			return p.Stepper, err
		}

		done, progress, err := p.Stepper.ProcessTick(ctx)
		if err != nil {
			return p.Stepper, err
		}
		report(progress*100, "tick")
		if done {
			return p.Stepper, nil
		}

		select {
		case <-ctx.Done():
			return p.Stepper, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// TaskSpec describes a task submission.
type TaskSpec struct {
	// ID is optional; a UUID is generated when empty.
	ID string
	// Priority orders dispatch: lower values are more urgent. Ties are
	// broken by submission order (FIFO).
	Priority int
	// Payload is the task body. Required.
	Payload Payload
	// Requirements maps resource names to amounts reserved for the task's
	// lifetime, e.g. {cpu: 1.0, memory: 200.0, io: 10.0}.
	Requirements map[string]float64
	// Timeout bounds execution time; zero means none.
	Timeout time.Duration
	// DependsOn lists task IDs that must reach COMPLETED before this task
	// becomes eligible for dispatch.
	DependsOn []string
	// OnProgress, when set, is invoked for every progress report.
	OnProgress ProgressFunc
}

// Task is the scheduler's record of one unit of work. All fields are owned
// by the scheduler; callers see copies via the query API.
type Task struct {
	ID           string
	Priority     int
	Payload      Payload
	Requirements map[string]float64
	Timeout      time.Duration
	DependsOn    []string

	Status     TaskStatus
	Result     any
	Err        error
	Progress   float64 // 0.0-1.0
	StallCount int
	WorkerID   int

	SubmittedAt  time.Time
	StartedAt    time.Time // execution start on a worker
	EndedAt      time.Time
	LastProgress time.Time

	// Scheduler-internal bookkeeping.
	seq         uint64              // FIFO tie-break within a priority
	pendingDeps map[string]struct{} // dependency IDs not yet completed
	onProgress  ProgressFunc
	cancel      context.CancelFunc // set while executing
	operationID string             // linked tracker operation, if any
}

// View is a read-only copy of a task's externally visible state.
type View struct {
	ID           string
	Priority     int
	Status       TaskStatus
	Progress     float64
	StallCount   int
	Err          error
	DependsOn    []string
	Requirements map[string]float64
	SubmittedAt  time.Time
	StartedAt    time.Time
	EndedAt      time.Time
}

func (t *Task) view() View {
	v := View{
		ID:          t.ID,
		Priority:    t.Priority,
		Status:      t.Status,
		Progress:    t.Progress,
		StallCount:  t.StallCount,
		Err:         t.Err,
		SubmittedAt: t.SubmittedAt,
		StartedAt:   t.StartedAt,
		EndedAt:     t.EndedAt,
	}
	if t.DependsOn != nil {
		v.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Requirements != nil {
		v.Requirements = make(map[string]float64, len(t.Requirements))
		for k, amt := range t.Requirements {
			v.Requirements[k] = amt
		}
	}
	return v
}

// Duration returns wall time from execution start to end, zero if the task
// never started or has not finished.
func (v View) Duration() time.Duration {
	if v.StartedAt.IsZero() || v.EndedAt.IsZero() {
		return 0
	}
	return v.EndedAt.Sub(v.StartedAt)
}
