package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	SubjectID() string
}

// Topic constants
const (
	TopicTask      = "task"
	TopicOperation = "operation"
	TopicScheduler = "scheduler"
)

// Event type constants
const (
	EventTypeTaskSubmitted = "task.submitted"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskProgress  = "task.progress"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskTimedOut  = "task.timed_out"
	EventTypeTaskCancelled = "task.cancelled"

	EventTypeSchedulerStep = "scheduler.step"
)

// TaskSubmittedEvent is published when a task enters the scheduler queue.
type TaskSubmittedEvent struct {
	ID        string
	Priority  int
	DependsOn []string
	Timestamp time.Time
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) SubjectID() string { return e.ID }

// TaskStartedEvent is published when a task is dispatched to a worker.
type TaskStartedEvent struct {
	ID        string
	Priority  int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) SubjectID() string { return e.ID }

// TaskProgressEvent is published when a running task reports progress.
type TaskProgressEvent struct {
	ID        string
	Percent   float64
	Message   string
	Timestamp time.Time
}

func (e TaskProgressEvent) EventType() string { return EventTypeTaskProgress }
func (e TaskProgressEvent) SubjectID() string { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) SubjectID() string { return e.ID }

// TaskFailedEvent is published when a task body returns an error.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) SubjectID() string { return e.ID }

// TaskTimedOutEvent is published when a task exceeds its declared timeout.
type TaskTimedOutEvent struct {
	ID        string
	Timeout   time.Duration
	Timestamp time.Time
}

func (e TaskTimedOutEvent) EventType() string { return EventTypeTaskTimedOut }
func (e TaskTimedOutEvent) SubjectID() string { return e.ID }

// TaskCancelledEvent is published when a task is cancelled, either by the
// caller or by the stall sweep.
type TaskCancelledEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) SubjectID() string { return e.ID }

// OperationEvent mirrors an operation tracker notification onto the bus.
// Name is one of the tracker's event names (operation_created, _started,
// _updated, _completed, _failed, _cancelled, _timeout).
type OperationEvent struct {
	Name        string
	OperationID string
	Status      string
	Percentage  float64
	Timestamp   time.Time
}

func (e OperationEvent) EventType() string { return e.Name }
func (e OperationEvent) SubjectID() string { return e.OperationID }

// SchedulerStepEvent is published after a scheduling iteration.
type SchedulerStepEvent struct {
	Queued     int
	Running    int
	Workers    int
	Dispatched int
	Timestamp  time.Time
}

func (e SchedulerStepEvent) EventType() string { return EventTypeSchedulerStep }
func (e SchedulerStepEvent) SubjectID() string { return "" }
