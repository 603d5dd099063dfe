// Package presence maintains the set of currently online users. The set
// is seeded with a REST fetch and kept current by user-online and
// user-offline push events; every reconnect triggers exactly one reload
// to re-baseline across the offline gap.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/relaymsg/relay-client/internal/conn"
)

// onlineFetcher is the REST surface the tracker needs. *api.Client
// satisfies it.
type onlineFetcher interface {
	OnlineUsers(ctx context.Context) ([]string, error)
}

// eventSource is the push-event surface the tracker subscribes to.
// *conn.Manager satisfies it.
type eventSource interface {
	On(op string, h conn.EventHandler) func()
	OnStateChange(h conn.StateHandler) func()
}

// Snapshot is the tracker state published to change listeners.
type Snapshot struct {
	Online      []string
	Loaded      bool
	LastUpdated time.Time
}

// Tracker tracks which users are online.
type Tracker struct {
	logger *slog.Logger
	api    onlineFetcher
	events eventSource

	mu          sync.RWMutex
	online      map[string]struct{}
	loaded      bool
	loading     bool
	lastUpdated time.Time
	wasReady    bool
	nextID      int
	listeners   map[int]func(Snapshot)
	unsubs      []func()
}

func NewTracker(api onlineFetcher, events eventSource, logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:    logger,
		api:       api,
		events:    events,
		online:    make(map[string]struct{}),
		listeners: make(map[int]func(Snapshot)),
	}
}

// Start subscribes to presence push events and connection-state changes.
// The initial load happens on the first server-ready transition, and
// again after every reconnect. ctx bounds the background fetches.
func (t *Tracker) Start(ctx context.Context) {
	t.unsubs = append(t.unsubs,
		t.events.On(conn.OpUserOnline, func(data []byte) {
			t.applyEvent(data, true)
		}),
		t.events.On(conn.OpUserOffline, func(data []byte) {
			t.applyEvent(data, false)
		}),
		t.events.OnStateChange(func(st conn.State) {
			t.mu.Lock()
			reload := st.ServerReady && !t.wasReady
			t.wasReady = st.ServerReady
			t.mu.Unlock()

			// The fetch must not block the event loop.
			if reload {
				go t.Initialize(ctx)
			}
		}),
	)
}

// Close detaches every subscription taken out by Start.
func (t *Tracker) Close() {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil
}

// Initialize fetches the full online set. A failed fetch still marks the
// tracker loaded: an empty presence set is a usable answer, a permanent
// loading state is not. Push events received while the fetch is in
// flight are merged by the handlers as they arrive.
func (t *Tracker) Initialize(ctx context.Context) {
	t.mu.Lock()
	t.loading = true
	t.mu.Unlock()

	ids, err := t.api.OnlineUsers(ctx)

	t.mu.Lock()
	t.loading = false
	t.loaded = true
	if err == nil {
		t.online = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			t.online[id] = struct{}{}
		}
		t.lastUpdated = time.Now()
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("fetching online users", slog.String("error", err.Error()))
	}

	t.notify()
}

// applyEvent handles a user-online or user-offline frame. Duplicate
// events are no-ops and do not notify.
func (t *Tracker) applyEvent(data []byte, online bool) {
	var ev conn.PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.UserID == "" {
		t.logger.Debug("malformed presence event, dropping", slog.Int("bytes", len(data)))
		return
	}

	t.mu.Lock()
	_, present := t.online[ev.UserID]
	if online == present {
		t.mu.Unlock()
		return
	}
	if online {
		t.online[ev.UserID] = struct{}{}
	} else {
		delete(t.online, ev.UserID)
	}
	t.lastUpdated = time.Now()
	t.mu.Unlock()

	t.notify()
}

// IsOnline reports whether the user is currently online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// AllOnline returns the online user IDs in sorted order.
func (t *Tracker) AllOnline() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// IsLoading reports whether an initial or reconnect fetch is in flight.
func (t *Tracker) IsLoading() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loading
}

// Loaded reports whether at least one initialize attempt has completed.
func (t *Tracker) Loaded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loaded
}

// OnChange registers a listener for presence snapshots and returns its
// unsubscribe function.
func (t *Tracker) OnChange(h func(Snapshot)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.listeners[id] = h

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Tracker) notify() {
	t.mu.RLock()
	snap := Snapshot{
		Online:      make([]string, 0, len(t.online)),
		Loaded:      t.loaded,
		LastUpdated: t.lastUpdated,
	}
	for id := range t.online {
		snap.Online = append(snap.Online, id)
	}
	hs := make([]func(Snapshot), 0, len(t.listeners))
	for _, h := range t.listeners {
		hs = append(hs, h)
	}
	t.mu.RUnlock()

	sort.Strings(snap.Online)
	for _, h := range hs {
		h(snap)
	}
}
