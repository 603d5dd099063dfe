package conn

import (
	"log/slog"
	"sync"
)

// EventHandler receives the raw JSON payload of a push event.
type EventHandler func(data []byte)

// StateHandler receives a snapshot of the connection state on every
// transition.
type StateHandler func(st State)

// registry is the observer registry for push events and connection-state
// transitions. Attach/detach is deterministic: every subscription returns
// an unsubscribe function, so listeners cannot leak across reconnect
// cycles. A handler that panics is isolated; it never takes down the
// event loop or its sibling handlers.
type registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]EventHandler
	states   map[int]StateHandler
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		logger:   logger,
		handlers: make(map[string]map[int]EventHandler),
		states:   make(map[int]StateHandler),
	}
}

// on registers a handler for the named push event and returns its
// unsubscribe function.
func (r *registry) on(op string, h EventHandler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID

	if r.handlers[op] == nil {
		r.handlers[op] = make(map[int]EventHandler)
	}
	r.handlers[op][id] = h

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers[op], id)
	}
}

// onState registers a connection-state listener.
func (r *registry) onState(h StateHandler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.states[id] = h

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.states, id)
	}
}

// dispatch invokes every handler registered for op.
func (r *registry) dispatch(op string, data []byte) {
	r.mu.Lock()
	hs := make([]EventHandler, 0, len(r.handlers[op]))
	for _, h := range r.handlers[op] {
		hs = append(hs, h)
	}
	r.mu.Unlock()

	for _, h := range hs {
		r.safeCall(op, h, data)
	}
}

// dispatchState invokes every connection-state listener.
func (r *registry) dispatchState(st State) {
	r.mu.Lock()
	hs := make([]StateHandler, 0, len(r.states))
	for _, h := range r.states {
		hs = append(hs, h)
	}
	r.mu.Unlock()

	for _, h := range hs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("state handler panicked", slog.Any("panic", p))
				}
			}()
			h(st)
		}()
	}
}

func (r *registry) safeCall(op string, h EventHandler, data []byte) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event handler panicked",
				slog.String("op", op),
				slog.Any("panic", p),
			)
		}
	}()
	h(data)
}
