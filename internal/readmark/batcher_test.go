package readmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type markReadCall struct {
	conversationID string
	messageIDs     []string
}

type ackStub struct {
	mu    sync.Mutex
	calls []markReadCall
	errs  []error
}

func (a *ackStub) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := append([]string(nil), messageIDs...)
	a.calls = append(a.calls, markReadCall{conversationID, ids})
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		return err
	}
	return nil
}

func (a *ackStub) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// stateStub mimics the reducer: messages start ackable and stop being
// ackable once read.
type stateStub struct {
	mu         sync.Mutex
	notAckable map[candidateKey]bool
	applied    []markReadCall
}

func newStateStub() *stateStub {
	return &stateStub{notAckable: make(map[candidateKey]bool)}
}

func (s *stateStub) Ackable(conversationID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.notAckable[candidateKey{conversationID, messageID}]
}

func (s *stateStub) markRead(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notAckable[candidateKey{conversationID, messageID}] = true
}

func (s *stateStub) ApplyRead(conversationID string, messageIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, markReadCall{conversationID, append([]string(nil), messageIDs...)})
	for _, id := range messageIDs {
		s.notAckable[candidateKey{conversationID, id}] = true
	}
}

func (s *stateStub) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func testOptions() Options {
	return Options{
		Dwell:           time.Second,
		BatchMaxSize:    50,
		BatchMaxWait:    2 * time.Second,
		FlushMaxRetries: 5,
	}
}

func TestObserve_DwellConfirmsAndWindowFlushes(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		api := &ackStub{}
		state := newStateStub()
		b := NewBatcher(api, state, testOptions(), slog.Default())
		defer b.Close()

		b.Observe("c1", "m1", 0.8)

		// Dwell not yet elapsed: nothing confirmed.
		time.Sleep(900 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, 0, state.appliedCount())

		// Dwell elapsed: optimistic read applies immediately, before any
		// server round trip.
		time.Sleep(100 * time.Millisecond)
		synctest.Wait()
		require.Equal(t, 1, state.appliedCount())
		assert.Empty(t, api.calls)

		// Window elapsed: the batch flushes.
		time.Sleep(2 * time.Second)
		synctest.Wait()
		require.Len(t, api.calls, 1)
		assert.Equal(t, "c1", api.calls[0].conversationID)
		assert.Equal(t, []string{"m1"}, api.calls[0].messageIDs)
	})
}

func TestObserve_VisibilityLossCancelsWithoutPartialCredit(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		api := &ackStub{}
		state := newStateStub()
		b := NewBatcher(api, state, testOptions(), slog.Default())
		defer b.Close()

		b.Observe("c1", "m1", 0.9)
		time.Sleep(900 * time.Millisecond)
		b.Observe("c1", "m1", 0.2) // scrolled away just before the dwell
		time.Sleep(200 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, 0, state.appliedCount(), "interrupted dwell must not confirm")

		// Visible again: the clock starts over from zero.
		b.Observe("c1", "m1", 0.9)
		time.Sleep(900 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, 0, state.appliedCount(), "prior visibility must not carry over")

		time.Sleep(100 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, 1, state.appliedCount())
	})
}

func TestObserve_RepeatedVisibilityKeepsOriginalClock(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		api := &ackStub{}
		state := newStateStub()
		b := NewBatcher(api, state, testOptions(), slog.Default())
		defer b.Close()

		b.Observe("c1", "m1", 0.6)
		time.Sleep(500 * time.Millisecond)
		b.Observe("c1", "m1", 0.7) // still visible, not a reset

		time.Sleep(500 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, 1, state.appliedCount(), "dwell counts from the first visible observation")
	})
}

func TestObserve_SkipsUnackableMessages(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		api := &ackStub{}
		state := newStateStub()
		state.markRead("c1", "already-read")
		state.markRead("c1", "own-message")
		b := NewBatcher(api, state, testOptions(), slog.Default())
		defer b.Close()

		b.Observe("c1", "already-read", 1.0)
		b.Observe("c1", "own-message", 1.0)

		time.Sleep(5 * time.Second)
		synctest.Wait()
		assert.Equal(t, 0, state.appliedCount())
		assert.Empty(t, api.calls)
	})
}

func TestFlush_CapSplitsBatches(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		api := &ackStub{}
		state := newStateStub()
		b := NewBatcher(api, state, testOptions(), slog.Default())
		defer b.Close()

		ids := make([]string, 80)
		for i := range ids {
			ids[i] = fmt.Sprintf("m%02d", i)
			b.Observe("c1", ids[i], 1.0)
		}

		// All 80 dwells confirm together; the cap flushes 50 at once.
		time.Sleep(time.Second)
		synctest.Wait()
		require.Len(t, api.calls, 1)
		assert.Len(t, api.calls[0].messageIDs, 50)

		// The remaining 30 go out when their window expires.
		time.Sleep(2 * time.Second)
		synctest.Wait()
		require.Len(t, api.calls, 2)
		assert.Len(t, api.calls[1].messageIDs, 30)

		// Every observed message was acknowledged exactly once.
		seen := make(map[string]int)
		for _, call := range api.calls {
			assert.Equal(t, "c1", call.conversationID)
			for _, id := range call.messageIDs {
				seen[id]++
			}
		}
		for _, id := range ids {
			assert.Equal(t, 1, seen[id], id)
		}
	})
}

func TestFlush_FailureRetriesWithSameMembers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		api := &ackStub{}
		api.errs = []error{errors.New("503")}
		state := newStateStub()
		b := NewBatcher(api, state, testOptions(), slog.Default())
		defer b.Close()

		b.Observe("c1", "m1", 1.0)
		b.Observe("c1", "m2", 1.0)

		// Dwell (1s) + window (2s): first flush fails.
		time.Sleep(3 * time.Second)
		synctest.Wait()
		require.Len(t, api.calls, 1)

		// The batch is kept, not cleared, and retried a window later.
		time.Sleep(2 * time.Second)
		synctest.Wait()
		require.Len(t, api.calls, 2)
		assert.ElementsMatch(t, api.calls[0].messageIDs, api.calls[1].messageIDs)
	})
}

func TestFlush_RetryDoesNotExceedCap(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		api := &ackStub{}
		api.errs = []error{errors.New("503")}
		state := newStateStub()
		opts := testOptions()
		opts.BatchMaxSize = 3
		b := NewBatcher(api, state, opts, slog.Default())
		defer b.Close()

		b.Observe("c1", "m1", 1.0)
		b.Observe("c1", "m2", 1.0)
		b.Observe("c1", "m3", 1.0)

		// Dwell elapses, the cap flush goes out and fails; the full batch
		// is requeued.
		time.Sleep(time.Second)
		synctest.Wait()
		require.Len(t, api.calls, 1)

		// A confirmation landing on the requeued full batch must flush it
		// first, not grow it past the cap.
		b.Observe("c1", "m4", 1.0)
		time.Sleep(10 * time.Second)
		synctest.Wait()

		seen := make(map[string]int)
		for _, call := range api.calls {
			assert.LessOrEqual(t, len(call.messageIDs), 3, "flushed batch exceeds the size cap")
			for _, id := range call.messageIDs {
				seen[id]++
			}
		}
		// m1-m3 went out twice (failure plus retry), m4 on its own.
		assert.Equal(t, map[string]int{"m1": 2, "m2": 2, "m3": 2, "m4": 1}, seen)
	})
}

func TestFlush_RequeueMergeSplitsAtCap(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		api := &ackStub{}
		api.errs = []error{errors.New("503"), errors.New("503")}
		state := newStateStub()
		opts := testOptions()
		opts.BatchMaxSize = 3
		b := NewBatcher(api, state, opts, slog.Default())
		defer b.Close()

		b.Observe("c1", "m1", 1.0)
		b.Observe("c1", "m2", 1.0)
		b.Observe("c1", "m3", 1.0)
		time.Sleep(200 * time.Millisecond)
		// Confirmed while the failed batch is retried: they open a fresh
		// batch the failed members get folded back into.
		b.Observe("c1", "m4", 1.0)
		b.Observe("c1", "m5", 1.0)

		time.Sleep(10 * time.Second)
		synctest.Wait()

		require.Len(t, api.calls, 4)
		for _, call := range api.calls {
			assert.LessOrEqual(t, len(call.messageIDs), 3, "flushed batch exceeds the size cap")
		}

		// The last two flushes succeeded; together they acknowledge every
		// message exactly once.
		seen := make(map[string]int)
		for _, call := range api.calls[2:] {
			for _, id := range call.messageIDs {
				seen[id]++
			}
		}
		assert.Equal(t, map[string]int{"m1": 1, "m2": 1, "m3": 1, "m4": 1, "m5": 1}, seen)
	})
}

func TestFlush_RetryBoundDropsBatch(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		api := &ackStub{}
		for range 10 {
			api.errs = append(api.errs, errors.New("503"))
		}
		state := newStateStub()
		opts := testOptions()
		opts.FlushMaxRetries = 2
		b := NewBatcher(api, state, opts, slog.Default())
		defer b.Close()

		b.Observe("c1", "m1", 1.0)

		time.Sleep(time.Minute)
		synctest.Wait()
		assert.Len(t, api.calls, 3, "initial attempt plus the bounded retries")
	})
}

func TestFlush_ConversationsAreIndependent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		api := &ackStub{}
		state := newStateStub()
		b := NewBatcher(api, state, testOptions(), slog.Default())
		defer b.Close()

		b.Observe("c1", "m1", 1.0)
		b.Observe("c2", "m2", 1.0)

		time.Sleep(3 * time.Second)
		synctest.Wait()
		require.Len(t, api.calls, 2)

		convs := map[string]bool{}
		for _, call := range api.calls {
			convs[call.conversationID] = true
		}
		assert.True(t, convs["c1"])
		assert.True(t, convs["c2"])
	})
}
