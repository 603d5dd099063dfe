// Package delivery is the reducer for per-message delivery state. It
// merges three sources into one cache partitioned by conversation:
// optimistic local transitions, message-status push events, and
// acknowledgement responses. All three reduce with a monotone max-merge
// over sent < delivered < read, so arrival order does not matter and
// optimistic state is never rolled back.
package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/relaymsg/relay-client/internal/conn"
)

// Message is one cached message's delivery state.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Status         Status
	// SentAt is the server send time in unix milliseconds.
	SentAt int64
	// System marks a locally synthesized notice (membership or metadata
	// change). System messages are self-authored and born read, so they
	// never count as unread and are never acknowledged.
	System bool
	Body   string
}

// ackAPI is the REST surface the reducer needs. *api.Client satisfies
// it.
type ackAPI interface {
	MarkDelivered(ctx context.Context, conversationID string, messageIDs []string) error
}

// cursorStore persists per-conversation read cursors across restarts.
// *state.Cache satisfies it.
type cursorStore interface {
	ReadCursor(conversationID string) (int64, error)
	AdvanceReadCursor(conversationID string, sentAt int64) error
}

// eventSource is the push-event surface. *conn.Manager satisfies it.
type eventSource interface {
	On(op string, h conn.EventHandler) func()
}

// UnreadHandler receives the recomputed unread count for a conversation
// after any mutation that changed it.
type UnreadHandler func(conversationID string, unread int)

// Reducer owns the delivery-state cache.
type Reducer struct {
	logger  *slog.Logger
	api     ackAPI
	cursors cursorStore
	events  eventSource
	selfID  func() string

	mu        sync.RWMutex
	convs     map[string]map[string]*Message
	nextID    int
	listeners map[int]UnreadHandler
	unsubs    []func()
}

func NewReducer(api ackAPI, cursors cursorStore, events eventSource, selfID func() string, logger *slog.Logger) *Reducer {
	return &Reducer{
		logger:    logger,
		api:       api,
		cursors:   cursors,
		events:    events,
		selfID:    selfID,
		convs:     make(map[string]map[string]*Message),
		listeners: make(map[int]UnreadHandler),
	}
}

// Start subscribes to the push events the reducer consumes.
func (r *Reducer) Start() {
	r.unsubs = append(r.unsubs,
		r.events.On(conn.OpMessageStatus, r.handleStatusEvent),
		r.events.On(conn.OpMemberAdded, func(data []byte) {
			r.handleMemberEvent(data, "joined")
		}),
		r.events.On(conn.OpMemberRemoved, func(data []byte) {
			r.handleMemberEvent(data, "was removed")
		}),
		r.events.On(conn.OpMemberLeft, func(data []byte) {
			r.handleMemberEvent(data, "left")
		}),
		r.events.On(conn.OpConversationUpdated, r.handleConversationUpdated),
	)
}

// Close detaches every subscription taken out by Start.
func (r *Reducer) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

// AddMessage ingests a message into the cache. If the message is
// already present its status max-merges; fields of an existing entry are
// otherwise left alone. A non-self message at or below the persisted
// read cursor enters as read, so restarted clients do not re-count or
// re-acknowledge history.
func (r *Reducer) AddMessage(msg Message) {
	if msg.ID == "" || msg.ConversationID == "" {
		r.logger.Debug("message without id, dropping")
		return
	}

	if msg.SenderID != r.selfID() && msg.Status < StatusRead {
		cursor, err := r.cursors.ReadCursor(msg.ConversationID)
		if err != nil {
			r.logger.Warn("reading cursor", slog.String("error", err.Error()))
		} else if msg.SentAt > 0 && msg.SentAt <= cursor {
			msg.Status = StatusRead
		}
	}

	r.mu.Lock()
	conv := r.convFor(msg.ConversationID)
	if existing, ok := conv[msg.ID]; ok {
		existing.Status = merge(existing.Status, msg.Status)
	} else {
		m := msg
		conv[msg.ID] = &m
	}
	unread := r.unreadLocked(msg.ConversationID)
	r.mu.Unlock()

	r.notify(msg.ConversationID, unread)
}

// ApplyStatus max-merges a status onto a cached message. Statuses for
// messages the cache has never seen are dropped, not guessed.
func (r *Reducer) ApplyStatus(conversationID, messageID string, status Status) {
	r.mu.Lock()
	msg, ok := r.convs[conversationID][messageID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("status for unknown message, dropping",
			slog.String("conversation_id", conversationID),
			slog.String("message_id", messageID),
		)
		return
	}
	before := msg.Status
	msg.Status = merge(msg.Status, status)
	changed := msg.Status != before
	unread := r.unreadLocked(conversationID)
	r.mu.Unlock()

	if changed {
		r.notify(conversationID, unread)
	}
}

// MarkConversationDelivered acknowledges every undelivered message in a
// conversation, called when the conversation is opened. The local cache
// advances optimistically first; the REST call is bulk (no per-message
// enumeration) and a failure leaves the optimistic state in place with
// one immediate retry.
func (r *Reducer) MarkConversationDelivered(ctx context.Context, conversationID string) {
	self := r.selfID()

	r.mu.Lock()
	advanced := false
	for _, msg := range r.convs[conversationID] {
		if msg.SenderID == self || msg.Status >= StatusDelivered {
			continue
		}
		msg.Status = StatusDelivered
		advanced = true
	}
	unread := r.unreadLocked(conversationID)
	r.mu.Unlock()

	if advanced {
		r.notify(conversationID, unread)
	}

	err := r.api.MarkDelivered(ctx, conversationID, nil)
	if err != nil {
		err = r.api.MarkDelivered(ctx, conversationID, nil)
	}
	if err != nil {
		// Optimistic state stays; the server re-baselines on reconnect.
		r.logger.Warn("acknowledging delivery",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}
}

// ApplyRead marks the given messages read and advances the persisted
// read cursor to the newest of them. Used for optimistic local reads;
// the unread count drops immediately, before any server round trip.
func (r *Reducer) ApplyRead(conversationID string, messageIDs []string) {
	r.mu.Lock()
	var maxSentAt int64
	changed := false
	for _, id := range messageIDs {
		msg, ok := r.convs[conversationID][id]
		if !ok {
			continue
		}
		if msg.Status < StatusRead {
			msg.Status = StatusRead
			changed = true
		}
		if msg.SentAt > maxSentAt {
			maxSentAt = msg.SentAt
		}
	}
	unread := r.unreadLocked(conversationID)
	r.mu.Unlock()

	if maxSentAt > 0 {
		if err := r.cursors.AdvanceReadCursor(conversationID, maxSentAt); err != nil {
			r.logger.Warn("advancing read cursor",
				slog.String("conversation_id", conversationID),
				slog.String("error", err.Error()),
			)
		}
	}

	if changed {
		r.notify(conversationID, unread)
	}
}

// Ackable reports whether a message should be read-acknowledged: it is
// cached, authored by someone else, and not yet read.
func (r *Reducer) Ackable(conversationID, messageID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg, ok := r.convs[conversationID][messageID]
	return ok && msg.SenderID != r.selfID() && msg.Status < StatusRead
}

// Message returns a copy of a cached message.
func (r *Reducer) Message(conversationID, messageID string) (Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg, ok := r.convs[conversationID][messageID]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Unread returns the number of unread non-self messages in a
// conversation.
func (r *Reducer) Unread(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.unreadLocked(conversationID)
}

// TotalUnread returns the unread count summed over all conversations.
func (r *Reducer) TotalUnread() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for id := range r.convs {
		total += r.unreadLocked(id)
	}
	return total
}

// OnUnreadChange registers a listener for unread-count changes and
// returns its unsubscribe function.
func (r *Reducer) OnUnreadChange(h UnreadHandler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.listeners[id] = h

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Reducer) handleStatusEvent(data []byte) {
	var ev conn.StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.MessageID == "" || ev.ConversationID == "" {
		r.logger.Debug("malformed status event, dropping", slog.Int("bytes", len(data)))
		return
	}
	status, ok := ParseStatus(ev.Status)
	if !ok {
		r.logger.Debug("unknown status value, dropping", slog.String("status", ev.Status))
		return
	}
	r.ApplyStatus(ev.ConversationID, ev.MessageID, status)
}

// handleMemberEvent synthesizes a local system message for a membership
// change. System notices are self-authored and born read: they surface
// in the conversation without ever counting as unread or being
// acknowledged back to the server.
func (r *Reducer) handleMemberEvent(data []byte, verb string) {
	var ev conn.MemberEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ConversationID == "" || ev.UserID == "" {
		r.logger.Debug("malformed member event, dropping", slog.Int("bytes", len(data)))
		return
	}
	r.addSystemMessage(ev.ConversationID, ev.Timestamp, ev.UserID+" "+verb)
}

func (r *Reducer) handleConversationUpdated(data []byte) {
	var ev conn.ConversationUpdatedEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ConversationID == "" {
		r.logger.Debug("malformed conversation event, dropping", slog.Int("bytes", len(data)))
		return
	}
	body := "conversation updated"
	if ev.Title != "" {
		body = "conversation renamed to " + ev.Title
	}
	r.addSystemMessage(ev.ConversationID, ev.Timestamp, body)
}

// addSystemMessage caches a synthesized notice. An event without a
// timestamp leaves SentAt zero rather than inventing one; system
// messages never feed the read cursor, so ordering is presentational
// only.
func (r *Reducer) addSystemMessage(conversationID string, timestamp int64, body string) {
	r.AddMessage(Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       r.selfID(),
		Status:         StatusRead,
		SentAt:         timestamp,
		System:         true,
		Body:           body,
	})
}

func (r *Reducer) convFor(conversationID string) map[string]*Message {
	conv, ok := r.convs[conversationID]
	if !ok {
		conv = make(map[string]*Message)
		r.convs[conversationID] = conv
	}
	return conv
}

// unreadLocked recomputes the unread count for one conversation. Caller
// holds at least a read lock.
func (r *Reducer) unreadLocked(conversationID string) int {
	self := r.selfID()
	count := 0
	for _, msg := range r.convs[conversationID] {
		if msg.SenderID != self && msg.Status != StatusRead {
			count++
		}
	}
	return count
}

func (r *Reducer) notify(conversationID string, unread int) {
	r.mu.RLock()
	hs := make([]UnreadHandler, 0, len(r.listeners))
	for _, h := range r.listeners {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(conversationID, unread)
	}
}
