package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/alowprice23/Triangulum1-sub002/internal/config"
	"github.com/alowprice23/Triangulum1-sub002/internal/events"
	"github.com/alowprice23/Triangulum1-sub002/internal/operation"
	"github.com/alowprice23/Triangulum1-sub002/internal/persistence"
	"github.com/alowprice23/Triangulum1-sub002/internal/resource"
	"github.com/alowprice23/Triangulum1-sub002/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("getting home directory: %w", err)
	}
	globalPath := filepath.Join(homeDir, ".triangulum", "config.json")
	projectPath := filepath.Join(".triangulum", "config.json")

	bus := events.NewBus()
	defer bus.Close()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer store.Close()

	tracker := operation.NewTracker(cfg.Operations.SweepInterval.Std(), bus, logger)
	tracker.SetStore(store)
	tracker.Start()
	defer tracker.Stop()

	res := resource.NewManager(cfg.Resources, logger)
	sched := scheduler.New(schedulerConfig(cfg), res, bus, logger)
	sched.SetStore(store)
	sched.SetTracker(tracker)
	defer sched.Shutdown(true)

	// Live reload: worker bounds and stall tunables apply without a restart.
	watcher, err := config.NewWatcher(globalPath, projectPath, func(next *config.Config) {
		sched.Reconfigure(
			next.Scheduler.MaxWorkers,
			next.Scheduler.MinWorkers,
			next.Scheduler.StallThreshold.Std(),
			next.Scheduler.MaxRetries,
			next.Scheduler.AdaptiveScaling,
		)
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("config watcher unavailable; live reload disabled")
	} else {
		defer watcher.Close()
	}

	// Log lifecycle events as they flow through the bus.
	sub := bus.Subscribe(events.TopicTask, 256)
	defer sub.Cancel()
	go func() {
		for ev := range sub.C() {
			logger.Info().Str("event", ev.EventType()).Str("task", ev.SubjectID()).Msg("task event")
		}
	}()

	logger.Info().
		Int("max_workers", cfg.Scheduler.MaxWorkers).
		Str("execution_mode", cfg.Scheduler.ExecutionMode).
		Msg("executor started")

	if err := submitDemoWorkload(sched); err != nil {
		return fmt.Errorf("submitting workload: %w", err)
	}

	sum := sched.RunUntilComplete(ctx)
	if ctx.Err() != nil {
		logger.Info().Msg("shutdown signal received")
	}

	logger.Info().
		Int("submitted", sum.Submitted).
		Int("completed", sum.Completed).
		Int("failed", sum.Failed).
		Int("timed_out", sum.TimedOut).
		Int("cancelled", sum.Cancelled).
		Float64("success_rate", sum.SuccessRate).
		Dur("elapsed", sum.Elapsed).
		Dur("avg_task_duration", sum.AvgTaskDuration).
		Msg("run complete")
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

func openStore(ctx context.Context, sc config.StorageConfig) (persistence.Store, error) {
	if sc.InMemory {
		return persistence.NewMemoryStore(ctx)
	}
	return persistence.NewSQLiteStore(ctx, sc.Path)
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.MaxWorkers = cfg.Scheduler.MaxWorkers
	sc.MinWorkers = cfg.Scheduler.MinWorkers
	sc.ExecutionMode = cfg.Scheduler.ExecutionMode
	sc.AdaptiveScaling = cfg.Scheduler.AdaptiveScaling
	sc.WorkStealing = cfg.Scheduler.WorkStealing
	sc.StallThreshold = cfg.Scheduler.StallThreshold.Std()
	sc.MaxRetries = cfg.Scheduler.MaxRetries
	sc.LocalQueueSize = cfg.Scheduler.LocalQueueSize
	sc.GlobalQueueSize = cfg.Scheduler.GlobalQueueSize
	return sc
}

// submitDemoWorkload exercises the executor with a small dependent batch:
// a fetch feeding two analyses feeding a report.
func submitDemoWorkload(sched *scheduler.Scheduler) error {
	work := func(d time.Duration) scheduler.Payload {
		return scheduler.FuncPayload{Fn: func(ctx context.Context, args []any, kwargs map[string]any, report scheduler.ProgressFunc) (any, error) {
			steps := 4
			for i := 1; i <= steps; i++ {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(d / time.Duration(steps)):
					report(float64(i)/float64(steps)*100, "working")
				}
			}
			return "ok", nil
		}}
	}

	if _, err := sched.AddTask(scheduler.TaskSpec{
		ID:           "fetch",
		Priority:     1,
		Payload:      work(200 * time.Millisecond),
		Requirements: map[string]float64{"cpu": 1, "io": 100},
	}); err != nil {
		return err
	}
	for _, id := range []string{"analyze-a", "analyze-b"} {
		if _, err := sched.AddTask(scheduler.TaskSpec{
			ID:           id,
			Priority:     2,
			DependsOn:    []string{"fetch"},
			Payload:      work(300 * time.Millisecond),
			Requirements: map[string]float64{"cpu": 2, "memory": 512},
		}); err != nil {
			return err
		}
	}
	if _, err := sched.AddTask(scheduler.TaskSpec{
		ID:        "report",
		Priority:  3,
		DependsOn: []string{"analyze-a", "analyze-b"},
		Payload:   work(100 * time.Millisecond),
		Timeout:   30 * time.Second,
	}); err != nil {
		return err
	}

	if _, err := sched.ValidateGraph(); err != nil {
		return err
	}
	return nil
}
