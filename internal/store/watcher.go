package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Op describes what happened to a key.
type Op int

const (
	// OpSet means the key was written or overwritten.
	OpSet Op = iota
	// OpRemoved means the key was deleted.
	OpRemoved
)

// Event is a change notification for a single key.
type Event struct {
	Key string
	Op  Op
}

// Watcher delivers change notifications for a Store's keys. Events
// produced by this process's own writes are delivered too; consumers
// that only care about sibling processes filter by value.
type Watcher struct {
	store  *Store
	logger *slog.Logger

	events chan Event
}

// NewWatcher creates a watcher for the given store.
func NewWatcher(store *Store, logger *slog.Logger) *Watcher {
	return &Watcher{
		store:  store,
		logger: logger,
		events: make(chan Event, 64),
	}
}

// Events returns the channel change notifications are delivered on.
// Notifications are dropped, not blocked on, when the consumer lags:
// every consumer re-reads the current value anyway, so a missed
// intermediate event is harmless.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Watch observes the store directory until the context is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating store watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.store.Dir()); err != nil {
		return fmt.Errorf("watching store dir: %w", err)
	}

	w.logger.Debug("store watcher started", slog.String("dir", w.store.Dir()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			key := filepath.Base(event.Name)
			if strings.HasPrefix(key, tmpPrefix) {
				continue
			}

			var op Op
			switch {
			case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
				op = OpSet
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				op = OpRemoved
			default:
				continue
			}

			select {
			case w.events <- Event{Key: key, Op: op}:
			default:
				w.logger.Warn("store event dropped, consumer lagging",
					slog.String("key", key),
				)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("store watcher error", slog.String("error", err.Error()))
		}
	}
}
