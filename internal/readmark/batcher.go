// Package readmark turns message-visibility observations into batched
// read acknowledgements. A message becomes a candidate when at least
// half of it is visible, is confirmed read after an uninterrupted dwell,
// and confirmed reads are acknowledged per conversation in batches
// bounded by size and by age.
package readmark

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visibleThreshold is the fraction of a message that must be on screen
// for it to count as visible.
const visibleThreshold = 0.5

// defaultFlushPacing spaces consecutive flushes of the same
// conversation when the cap keeps filling batches faster than the
// window would.
const defaultFlushPacing = 500 * time.Millisecond

// ackAPI is the REST surface the batcher needs. *api.Client satisfies
// it.
type ackAPI interface {
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
}

// readState answers whether a message still needs acknowledging and
// applies the optimistic read transition. *delivery.Reducer satisfies
// it.
type readState interface {
	Ackable(conversationID, messageID string) bool
	ApplyRead(conversationID string, messageIDs []string)
}

// Options configures a Batcher.
type Options struct {
	// Dwell is how long a message must stay visible before it is
	// considered read.
	Dwell time.Duration
	// BatchMaxSize caps the members of one acknowledgement batch.
	BatchMaxSize int
	// BatchMaxWait bounds how long a non-full batch stays open.
	BatchMaxWait time.Duration
	// FlushMaxRetries bounds retries of a failed flush before the batch
	// is dropped.
	FlushMaxRetries int
	// FlushPacing is the minimum spacing between flushes of the same
	// conversation. Zero selects a default.
	FlushPacing time.Duration
}

type candidateKey struct {
	conversationID string
	messageID      string
}

type candidate struct {
	timer *time.Timer
}

// batch is the open acknowledgement batch for one conversation. At most
// one exists per conversation at a time.
type batch struct {
	ids      []string
	members  map[string]struct{}
	openedAt time.Time
	timer    *time.Timer
	retries  int
}

// Batcher accumulates confirmed reads and flushes them in bounded
// batches.
type Batcher struct {
	logger *slog.Logger
	api    ackAPI
	state  readState
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	candidates map[candidateKey]*candidate
	batches    map[string]*batch
	limiters   map[string]*rate.Limiter
	closed     bool
}

func NewBatcher(api ackAPI, state readState, opts Options, logger *slog.Logger) *Batcher {
	if opts.FlushPacing <= 0 {
		opts.FlushPacing = defaultFlushPacing
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		logger:     logger,
		api:        api,
		state:      state,
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		candidates: make(map[candidateKey]*candidate),
		batches:    make(map[string]*batch),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Observe reports the visible fraction of a message. Crossing below the
// threshold cancels a pending candidacy outright; dwell time is
// continuous, there is no partial credit across visibility gaps.
// Observations of self-authored or already-read messages are ignored.
func (b *Batcher) Observe(conversationID, messageID string, visibleFraction float64) {
	if visibleFraction < visibleThreshold {
		b.Cancel(conversationID, messageID)
		return
	}

	key := candidateKey{conversationID, messageID}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if _, pending := b.candidates[key]; pending {
		// Already dwelling; repeated visible observations keep the
		// original clock.
		return
	}
	if bt, ok := b.batches[conversationID]; ok {
		if _, member := bt.members[messageID]; member {
			return
		}
	}
	if !b.state.Ackable(conversationID, messageID) {
		return
	}

	b.candidates[key] = &candidate{
		timer: time.AfterFunc(b.opts.Dwell, func() {
			b.confirm(key)
		}),
	}
}

// Cancel resets a message's candidacy. A message that lost visibility
// before the dwell elapsed starts over from zero next time it appears.
func (b *Batcher) Cancel(conversationID, messageID string) {
	key := candidateKey{conversationID, messageID}

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.candidates[key]; ok {
		c.timer.Stop()
		delete(b.candidates, key)
	}
}

// Close cancels all pending candidates and in-flight flushes.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	for key, c := range b.candidates {
		c.timer.Stop()
		delete(b.candidates, key)
	}
	for convID, bt := range b.batches {
		if bt.timer != nil {
			bt.timer.Stop()
		}
		delete(b.batches, convID)
	}
	b.mu.Unlock()

	b.cancel()
}

// confirm runs when a candidate's dwell elapses uninterrupted: the
// message is considered read. The local state advances optimistically
// right away; the acknowledgement joins the conversation's batch.
func (b *Batcher) confirm(key candidateKey) {
	b.mu.Lock()

	if _, ok := b.candidates[key]; !ok || b.closed {
		// Cancelled in the window between timer fire and lock acquisition.
		b.mu.Unlock()
		return
	}
	delete(b.candidates, key)

	if !b.state.Ackable(key.conversationID, key.messageID) {
		b.mu.Unlock()
		return
	}

	full := b.appendLocked(key.conversationID, key.messageID)
	b.mu.Unlock()

	b.state.ApplyRead(key.conversationID, []string{key.messageID})

	if full {
		b.flushNow(key.conversationID)
	}
}

// appendLocked adds a message to the conversation's open batch, opening
// one if needed, and reports whether the batch reached the size cap.
// Caller holds the lock.
func (b *Batcher) appendLocked(conversationID, messageID string) bool {
	bt, ok := b.batches[conversationID]
	if ok && len(bt.ids) >= b.opts.BatchMaxSize {
		// A requeued batch can sit at the cap. Flush it rather than grow
		// it past the size bound.
		bt.timer.Stop()
		delete(b.batches, conversationID)
		go b.submit(conversationID, bt, b.limiterLocked(conversationID))
		ok = false
	}
	if !ok {
		bt = &batch{
			members:  make(map[string]struct{}),
			openedAt: time.Now(),
			timer: time.AfterFunc(b.opts.BatchMaxWait, func() {
				b.flushNow(conversationID)
			}),
		}
		b.batches[conversationID] = bt
	}

	if _, member := bt.members[messageID]; member {
		return false
	}
	bt.ids = append(bt.ids, messageID)
	bt.members[messageID] = struct{}{}

	return len(bt.ids) >= b.opts.BatchMaxSize
}

// flushNow detaches the conversation's open batch and submits it in the
// background. Called when the batch fills or its window expires.
func (b *Batcher) flushNow(conversationID string) {
	b.mu.Lock()
	bt, ok := b.batches[conversationID]
	if !ok || b.closed {
		b.mu.Unlock()
		return
	}
	delete(b.batches, conversationID)
	bt.timer.Stop()
	limiter := b.limiterLocked(conversationID)
	b.mu.Unlock()

	go b.submit(conversationID, bt, limiter)
}

// submit sends one batch, re-queueing it on failure until the retry
// bound. Submission never blocks observation or the dwell timers.
func (b *Batcher) submit(conversationID string, bt *batch, limiter *rate.Limiter) {
	if err := limiter.Wait(b.ctx); err != nil {
		return
	}

	err := b.api.MarkRead(b.ctx, conversationID, bt.ids)
	if err == nil {
		// Authoritative confirmation; idempotent re-apply over the
		// optimistic transition.
		b.state.ApplyRead(conversationID, bt.ids)
		b.logger.Debug("read batch acknowledged",
			slog.String("conversation_id", conversationID),
			slog.Int("messages", len(bt.ids)),
		)
		return
	}

	bt.retries++
	if bt.retries > b.opts.FlushMaxRetries {
		b.logger.Error("read batch dropped after retries",
			slog.String("conversation_id", conversationID),
			slog.Int("messages", len(bt.ids)),
			slog.Int("retries", bt.retries-1),
			slog.String("error", err.Error()),
		)
		return
	}

	b.logger.Warn("read batch flush failed, retrying",
		slog.String("conversation_id", conversationID),
		slog.Int("attempt", bt.retries),
		slog.String("error", err.Error()),
	)
	b.requeue(conversationID, bt)
}

// requeue merges a failed batch back as the conversation's open batch.
// Members confirmed since the flush keep their place; the window timer
// restarts so the retry is bounded in time.
func (b *Batcher) requeue(conversationID string, bt *batch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	open, ok := b.batches[conversationID]
	if !ok {
		bt.timer = time.AfterFunc(b.opts.BatchMaxWait, func() {
			b.flushNow(conversationID)
		})
		bt.openedAt = time.Now()
		b.batches[conversationID] = bt
		return
	}

	// A new batch opened while the flush was in flight: fold the failed
	// members into it, keeping the retry count of the older batch.
	for _, id := range bt.ids {
		if _, member := open.members[id]; member {
			continue
		}
		open.ids = append(open.ids, id)
		open.members[id] = struct{}{}
	}
	if bt.retries > open.retries {
		open.retries = bt.retries
	}

	// The merge can push the open batch past the size cap; carve off
	// cap-sized flushes until it is under again.
	limiter := b.limiterLocked(conversationID)
	for len(open.ids) > b.opts.BatchMaxSize {
		head := &batch{
			ids:     open.ids[:b.opts.BatchMaxSize:b.opts.BatchMaxSize],
			members: make(map[string]struct{}, b.opts.BatchMaxSize),
			retries: open.retries,
		}
		open.ids = open.ids[b.opts.BatchMaxSize:]
		for _, id := range head.ids {
			head.members[id] = struct{}{}
			delete(open.members, id)
		}
		go b.submit(conversationID, head, limiter)
	}
}

// limiterLocked returns the conversation's flush pacer. Caller holds the
// lock.
func (b *Batcher) limiterLocked(conversationID string) *rate.Limiter {
	l, ok := b.limiters[conversationID]
	if !ok {
		l = rate.NewLimiter(rate.Every(b.opts.FlushPacing), 1)
		b.limiters[conversationID] = l
	}
	return l
}
