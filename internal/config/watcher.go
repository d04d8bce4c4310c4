package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/pipelined/internal/bus"
)

// ReloadEvent reports that the config file changed and has been re-parsed.
type ReloadEvent struct {
	Path         string
	WatchedRepos []WatchedRepo
}

// Watcher live-reloads the WATCHED_REPOS section of the YAML config file
// (spec.md §6/SPEC_FULL §4.10): env vars are read once at startup, but a
// change to the file itself is picked up without a restart.
type Watcher struct {
	path   string
	logger *slog.Logger
	bus    *bus.Bus
	events chan ReloadEvent
}

// NewWatcher builds a watcher over the YAML file at path. bus may be nil.
func NewWatcher(path string, b *bus.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:   path,
		logger: logger,
		bus:    b,
		events: make(chan ReloadEvent, 16),
	}
}

// Events returns the channel reload notifications are delivered on.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching. It returns once the underlying fsnotify watcher is
// registered; delivery happens on a background goroutine until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				w.reload(ev.Name)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(path string) {
	var fresh Config
	if err := loadYAMLFile(path, &fresh); err != nil {
		w.logger.Error("config reload failed", "path", path, "error", err)
		return
	}
	w.logger.Info("config file changed, watched repos reloaded", "path", path, "repo_count", len(fresh.WatchedRepos))

	if w.bus != nil {
		w.bus.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{Path: path})
	}

	select {
	case w.events <- ReloadEvent{Path: path, WatchedRepos: fresh.WatchedRepos}:
	default:
	}
}
