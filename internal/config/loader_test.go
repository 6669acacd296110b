package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}

	if cfg.Scheduler.MaxWorkers != 8 || cfg.Scheduler.MinWorkers != 2 {
		t.Errorf("unexpected default worker bounds: %+v", cfg.Scheduler)
	}
	if !cfg.Scheduler.AdaptiveScaling || !cfg.Scheduler.WorkStealing {
		t.Errorf("adaptive scaling and work stealing should default on")
	}
	if cfg.Scheduler.StallThreshold.Std() != 30*time.Second {
		t.Errorf("unexpected default stall threshold: %v", cfg.Scheduler.StallThreshold.Std())
	}
	if cfg.Resources["cpu"] != 8 {
		t.Errorf("unexpected default cpu limit: %v", cfg.Resources["cpu"])
	}
}

func TestLoadMissingFilesNotError(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "nope.json"), filepath.Join(dir, "also-nope.json"))
	if err != nil {
		t.Fatalf("missing files should not error: %v", err)
	}
	if cfg.Scheduler.MaxWorkers != 8 {
		t.Errorf("defaults not applied: %+v", cfg.Scheduler)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "global.json")
	writeFile(t, global, `{
		"scheduler": {"max_workers": 16, "stall_threshold": "5s"},
		"resources": {"gpu": 2},
		"log_level": "debug"
	}`)

	cfg, err := Load(global, "")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if cfg.Scheduler.MaxWorkers != 16 {
		t.Errorf("max_workers not overridden: %d", cfg.Scheduler.MaxWorkers)
	}
	if cfg.Scheduler.MinWorkers != 2 {
		t.Errorf("absent min_workers should keep default: %d", cfg.Scheduler.MinWorkers)
	}
	if cfg.Scheduler.StallThreshold.Std() != 5*time.Second {
		t.Errorf("stall_threshold not overridden: %v", cfg.Scheduler.StallThreshold.Std())
	}
	// Map keys merge; the file adds gpu without dropping the defaults.
	if cfg.Resources["gpu"] != 2 || cfg.Resources["cpu"] != 8 {
		t.Errorf("resources merge mismatch: %+v", cfg.Resources)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level not overridden: %s", cfg.LogLevel)
	}
}

func TestProjectOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "global.json")
	project := filepath.Join(dir, "project.json")
	writeFile(t, global, `{"scheduler": {"max_workers": 16, "min_workers": 4}}`)
	writeFile(t, project, `{"scheduler": {"max_workers": 32}}`)

	cfg, err := Load(global, project)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if cfg.Scheduler.MaxWorkers != 32 {
		t.Errorf("project should win: %d", cfg.Scheduler.MaxWorkers)
	}
	if cfg.Scheduler.MinWorkers != 4 {
		t.Errorf("global value should survive where project is silent: %d", cfg.Scheduler.MinWorkers)
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{"scheduler": `)

	if _, err := Load(bad, ""); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestBadDurationString(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{"scheduler": {"stall_threshold": "soon"}}`)

	if _, err := Load(bad, ""); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.Scheduler.MaxWorkers = 12
	cfg.Operations.SweepInterval = Duration(250 * time.Millisecond)

	if err := Save(cfg, path); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if loaded.Scheduler.MaxWorkers != 12 {
		t.Errorf("max_workers did not round-trip: %d", loaded.Scheduler.MaxWorkers)
	}
	if loaded.Operations.SweepInterval.Std() != 250*time.Millisecond {
		t.Errorf("sweep_interval did not round-trip: %v", loaded.Operations.SweepInterval.Std())
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"scheduler": {"max_workers": 4}}`)

	var mu sync.Mutex
	var got *Config
	changed := make(chan struct{}, 1)

	w, err := NewWatcher(path, "", func(cfg *Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	}, testLogger())
	if err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Close()

	writeFile(t, path, `{"scheduler": {"max_workers": 6}}`)

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.Scheduler.MaxWorkers != 6 {
		t.Errorf("reloaded config mismatch: %+v", got)
	}
}
