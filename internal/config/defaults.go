package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxWorkers:      8,
			MinWorkers:      2,
			ExecutionMode:   "hybrid",
			AdaptiveScaling: true,
			WorkStealing:    true,
			StallThreshold:  Duration(30 * time.Second),
			MaxRetries:      3,
			LocalQueueSize:  64,
			GlobalQueueSize: 1024,
		},
		Resources: map[string]float64{
			"cpu":    8,
			"memory": 8192,
			"io":     1000,
		},
		Operations: OperationsConfig{
			SweepInterval:  Duration(time.Second),
			DefaultTimeout: Duration(10 * time.Minute),
		},
		Storage: StorageConfig{
			Path: ".triangulum/history.db",
		},
		LogLevel: "info",
	}
}
