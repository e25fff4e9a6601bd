package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/log"
)

// Watcher reloads the config file on change and announces the new
// concurrency cap on the bus.
type Watcher struct {
	projectRoot string
	eventBus    *bus.Bus
	fsWatcher   *fsnotify.Watcher

	mu      sync.Mutex
	current Config
	done    chan struct{}
}

// NewWatcher creates a Watcher seeded with the given config.
func NewWatcher(projectRoot string, eventBus *bus.Bus, current Config) *Watcher {
	return &Watcher{
		projectRoot: projectRoot,
		eventBus:    eventBus,
		current:     current,
		done:        make(chan struct{}),
	}
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins watching the config directory. Watching the directory
// rather than the file survives editors that replace the file on save.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Join(w.projectRoot, Dir)); err != nil {
		_ = fsw.Close()
		return err
	}
	w.fsWatcher = fsw

	log.SafeGo("config-watcher", w.loop)
	return nil
}

// Stop ends the watch.
func (w *Watcher) Stop() {
	close(w.done)
	if w.fsWatcher != nil {
		_ = w.fsWatcher.Close()
	}
}

func (w *Watcher) loop() {
	target := Path(w.projectRoot)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(target) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatConfig, "Config watch error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.projectRoot)
	if err != nil {
		log.ErrorErr(log.CatConfig, "Config reload failed, keeping previous", err)
		return
	}

	w.mu.Lock()
	changed := cfg != w.current
	w.current = cfg
	w.mu.Unlock()
	if !changed {
		return
	}

	log.Info(log.CatConfig, "Config reloaded",
		"maxConcurrentTasks", cfg.MaxConcurrentTasks)
	w.eventBus.Emit(bus.ConfigReloaded, bus.ConfigReloadedPayload{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
	})
}
