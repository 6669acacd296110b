package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads configuration when either config file changes and hands
// the merged result to a callback. Parent directories are watched rather
// than the files themselves, since editors typically replace files by
// rename.
type Watcher struct {
	globalPath  string
	projectPath string
	onChange    func(*Config)
	log         zerolog.Logger

	fw   *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
}

// NewWatcher starts watching the given config paths. Either path may be
// empty. onChange runs on the watcher goroutine with the freshly merged
// config; a reload that fails to parse is logged and dropped, keeping the
// previous configuration in effect.
func NewWatcher(globalPath, projectPath string, onChange func(*Config), logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		globalPath:  globalPath,
		projectPath: projectPath,
		onChange:    onChange,
		log:         logger,
		fw:          fw,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	seen := make(map[string]bool)
	for _, p := range []string{globalPath, projectPath} {
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	go w.loop()
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	close(w.stop)
	err := w.fw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	// Editors emit bursts of events per save; coalesce them with a short
	// debounce before reloading.
	const debounce = 100 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("config watcher error")
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	for _, p := range []string{w.globalPath, w.projectPath} {
		if p != "" && filepath.Clean(ev.Name) == filepath.Clean(p) {
			return true
		}
	}
	return false
}

func (w *Watcher) reload() {
	cfg, err := Load(w.globalPath, w.projectPath)
	if err != nil {
		w.log.Error().Err(err).Msg("config reload failed; keeping previous configuration")
		return
	}
	w.log.Info().Msg("configuration reloaded")
	w.onChange(cfg)
}
