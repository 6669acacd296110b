package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so config files can use strings like "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SchedulerConfig tunes the worker pool and dispatch behavior.
type SchedulerConfig struct {
	MaxWorkers      int      `json:"max_workers"`
	MinWorkers      int      `json:"min_workers"`
	ExecutionMode   string   `json:"execution_mode"` // "thread", "process", or "hybrid"
	AdaptiveScaling bool     `json:"adaptive_scaling"`
	WorkStealing    bool     `json:"work_stealing"`
	StallThreshold  Duration `json:"stall_threshold"`
	MaxRetries      int      `json:"max_retries"` // stall observations tolerated before cancellation
	LocalQueueSize  int      `json:"local_queue_size"`
	GlobalQueueSize int      `json:"global_queue_size"`
}

// OperationsConfig tunes the operation tracker.
type OperationsConfig struct {
	SweepInterval  Duration `json:"sweep_interval"`
	DefaultTimeout Duration `json:"default_timeout"` // applied when an operation declares none
}

// StorageConfig locates the history database.
type StorageConfig struct {
	Path     string `json:"path"`
	InMemory bool   `json:"in_memory"`
}

// Config is the top-level configuration.
type Config struct {
	Scheduler  SchedulerConfig    `json:"scheduler"`
	Resources  map[string]float64 `json:"resources"`
	Operations OperationsConfig   `json:"operations"`
	Storage    StorageConfig      `json:"storage"`
	LogLevel   string             `json:"log_level"`
}
