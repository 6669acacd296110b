// Package operation tracks long-lived, caller-visible units of progress
// ("operations") independently of how many scheduler tasks implement them.
// A background sweep detects operations that exceed their timeout and fires
// their cancel callback exactly once.
package operation

import (
	"time"
)

// Status is the lifecycle state of an operation.
type Status int

const (
	StatusNotStarted Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Event names emitted to subscribers, one per mutating call.
const (
	EventCreated   = "operation_created"
	EventStarted   = "operation_started"
	EventUpdated   = "operation_updated"
	EventCompleted = "operation_completed"
	EventFailed    = "operation_failed"
	EventCancelled = "operation_cancelled"
	EventTimeout   = "operation_timeout"
)

// Operation is a snapshot of one tracked operation. Subscribers and callers
// always receive copies; internal state is mutated only through the Tracker.
type Operation struct {
	ID          string
	Type        string
	ParentID    string
	TotalSteps  int
	CurrentStep int
	Percentage  float64
	Status      Status
	Timeout     time.Duration // 0 means no timeout
	Details     map[string]any
	Reason      string // failure or cancellation reason
	CreatedAt   time.Time
	StartedAt   time.Time
	EndedAt     time.Time
}

// tracked is the mutable record behind an Operation snapshot.
type tracked struct {
	op            Operation
	cancelFn      func()
	cancelInvoked bool
}

// hasTimedOut is true only while the operation is non-terminal and running
// past its timeout.
func (t *tracked) hasTimedOut(now time.Time) bool {
	if t.op.Status != StatusInProgress || t.op.Timeout <= 0 {
		return false
	}
	return now.Sub(t.op.StartedAt) > t.op.Timeout
}

// snapshot copies the operation, including its details map.
func (t *tracked) snapshot() Operation {
	cp := t.op
	if t.op.Details != nil {
		cp.Details = make(map[string]any, len(t.op.Details))
		for k, v := range t.op.Details {
			cp.Details[k] = v
		}
	}
	return cp
}

// percentage clamps currentStep/totalSteps to 0-100.
func percentage(currentStep, totalSteps int) float64 {
	if totalSteps <= 0 {
		return 0
	}
	pct := float64(currentStep) / float64(totalSteps) * 100
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}
