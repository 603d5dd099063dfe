// Package conn owns the persistent duplex connection to the relay
// gateway: dialing and auth handshake, automatic reconnection with
// bounded backoff, background keepalive, and the two-phase readiness
// signal downstream components gate on before emitting room-scoped
// events.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	relayerrors "github.com/relaymsg/relay-client/internal/errors"
)

// errTokenReplaced and errTokenCleared signal token changes out of the
// event loop. Neither is a transport failure, so neither counts against
// the reconnect attempt ceiling.
var (
	errTokenReplaced = errors.New("auth token replaced")
	errTokenCleared  = errors.New("auth token cleared")
)

// State is a snapshot of the connection lifecycle, published to
// subscribers on every transition. ServerReady is stronger than
// TransportConnected: it additionally requires the gateway's
// confirmation that room subscriptions have been (re)established.
type State struct {
	TransportConnected bool
	ServerReady        bool
	Connecting         bool
	LastError          string
	ReconnectAttempt   int
}

// wsConn abstracts the WebSocket connection so the Manager can be tested
// without a real gateway. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc dials the gateway. Swapped for a fake in tests.
type dialFunc func(ctx context.Context, url string) (wsConn, error)

func defaultDial(ctx context.Context, url string) (wsConn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// inboundMsg wraps a message read from the WebSocket by the reader
// goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Options configures a Manager.
type Options struct {
	GatewayURL string
	DeviceName string

	KeepaliveInterval time.Duration
	ReadyFallback     time.Duration

	ReconnectMin         time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int

	TokenSettleDelay time.Duration
}

// Manager owns the single gateway connection for this process.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Run) processes inbound messages,
// outbound frames from the emit surface, keepalive ticks, and token
// changes. All writes to the connection happen from the event loop, so
// no write mutex is needed.
type Manager struct {
	logger *slog.Logger
	opts   Options
	dial   dialFunc

	registry *registry
	ka       *keepalive

	// outCh carries frames from the emit surface to the event loop.
	outCh chan []byte

	// tokenCh carries token changes observed in the shared store.
	tokenCh chan string

	mu          sync.RWMutex
	st          State
	token       string
	userID      string
	conn        wsConn
	intentional bool
	joined      map[string]struct{}
	readyCh     chan struct{}

	// connCancel stops the reader goroutine of the current connection.
	connCancel context.CancelFunc
	inboundCh  chan inboundMsg

	// connNotify wakes Run out of waitForToken when Connect installs a
	// connection directly.
	connNotify chan struct{}

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

// NewManager creates a connection manager. Run must be called for the
// connection to make progress.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		logger:     logger,
		opts:       opts,
		dial:       defaultDial,
		registry:   newRegistry(logger),
		ka:         newKeepalive(opts.KeepaliveInterval),
		outCh:      make(chan []byte, 64),
		tokenCh:    make(chan string, 1),
		connNotify: make(chan struct{}, 1),
		joined:     make(map[string]struct{}),
		readyCh:    make(chan struct{}),
	}
}

// Connect dials the gateway and performs the auth handshake with the
// given token. Idempotent: if the transport is already connected with
// the same token the existing connection is kept. An auth rejection is
// permanent (ErrAuthRejected); it is never retried automatically.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.conn != nil && m.token == token {
		m.mu.Unlock()
		return nil
	}
	old := m.conn
	m.conn = nil
	m.token = token
	m.intentional = false
	m.mu.Unlock()

	if old != nil {
		old.Close(websocket.StatusNormalClosure, "replacing connection")
	}

	conn, err := m.dialAndHandshake(ctx)
	if err != nil {
		m.setState(func(st *State) {
			st.Connecting = false
			st.LastError = err.Error()
		})
		return err
	}

	m.installConn(ctx, conn)
	return nil
}

// Disconnect intentionally tears the connection down and forgets the
// credential. No automatic reconnection follows; Run parks until the
// next Connect or a replacement token.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.token = ""
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	// Close without cancelling the reader: the reader must still deliver
	// the resulting read error so the event loop observes the teardown.
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}

	m.setState(func(st *State) {
		*st = State{}
	})
}

// SetToken reacts to an externally observed token change (another
// process wrote or cleared the shared store). A cleared token tears the
// connection down; a replacement reconnects with the new token after a
// settle delay, handled by the event loop.
func (m *Manager) SetToken(token string) {
	m.mu.RLock()
	same := token == m.token
	m.mu.RUnlock()
	if same {
		return
	}

	// Overwrite any undelivered change; only the latest token matters.
	select {
	case <-m.tokenCh:
	default:
	}
	m.tokenCh <- token
}

// Run is the event loop with automatic reconnection. It returns
// ctx.Err() on cancellation, ErrAuthRejected on an auth rejection, and
// ErrReconnectExhausted once the attempt ceiling is reached. An
// intentional disconnect is not terminal: the loop parks and services
// the connection the next Connect installs.
func (m *Manager) Run(ctx context.Context) error {
	go m.ka.run(ctx)

	for {
		m.mu.RLock()
		connected := m.conn != nil
		m.mu.RUnlock()

		if !connected {
			m.mu.RLock()
			hasToken := m.token != ""
			m.mu.RUnlock()

			// Without a token there is nothing to retry; park until a
			// login or a sibling process supplies one.
			if !hasToken {
				if err := m.waitForToken(ctx); err != nil {
					return err
				}
				continue
			}

			if err := m.reconnectWithBackoff(ctx); err != nil {
				if errors.Is(err, relayerrors.ErrNoToken) {
					continue
				}
				return err
			}
		}

		err := m.eventLoop(ctx)

		m.teardownConn()

		m.mu.RLock()
		intentional := m.intentional
		m.mu.RUnlock()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()

		case err == nil || intentional:
			// Intentional teardown: Disconnect already cleared the token,
			// so the loop top parks until a login supplies a new one.
			m.logger.Info("disconnected, waiting for next connect")

		case errors.Is(err, errTokenCleared):
			// The loop top parks in waitForToken until a new token shows up.
			m.logger.Info("auth token cleared, staying disconnected")
			m.setState(func(st *State) { *st = State{} })

		case errors.Is(err, errTokenReplaced):
			m.logger.Info("auth token replaced, reconnecting after settle delay")
			m.sleep(ctx, m.opts.TokenSettleDelay)

		case errors.Is(err, relayerrors.ErrAuthRejected):
			m.setState(func(st *State) {
				st.LastError = err.Error()
			})
			return err

		default:
			m.logger.Warn("connection lost",
				slog.String("error", err.Error()),
			)
			m.setState(func(st *State) {
				st.TransportConnected = false
				st.ServerReady = false
				st.LastError = err.Error()
			})
		}
	}
}

// waitForToken blocks until a replacement token arrives, either through
// the token watch or through a direct Connect installing a connection.
func (m *Manager) waitForToken(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.connNotify:
			return nil
		case tok := <-m.tokenCh:
			if tok == "" {
				continue
			}
			m.mu.Lock()
			m.token = tok
			m.mu.Unlock()
			m.sleep(ctx, m.opts.TokenSettleDelay)
			return nil
		}
	}
}

// reconnectWithBackoff dials with bounded exponential backoff up to the
// attempt ceiling. Auth rejections abort immediately; exhausting the
// ceiling surfaces ErrReconnectExhausted and leaves the manager idle
// until Connect is called again.
func (m *Manager) reconnectWithBackoff(ctx context.Context) error {
	backoff := m.opts.ReconnectMin

	for attempt := 1; attempt <= m.opts.ReconnectMaxAttempts; attempt++ {
		m.setState(func(st *State) {
			st.Connecting = true
			st.ReconnectAttempt = attempt
		})

		conn, err := m.dialAndHandshake(ctx)
		if err == nil {
			m.installConn(ctx, conn)
			m.logger.Info("connected", slog.Int("attempt", attempt))
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, relayerrors.ErrAuthRejected) || errors.Is(err, relayerrors.ErrNoToken) {
			m.setState(func(st *State) {
				st.Connecting = false
				st.LastError = err.Error()
			})
			return err
		}

		m.logger.Warn("connect failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
		m.setState(func(st *State) {
			st.LastError = err.Error()
		})

		jitter := time.Duration(rand.Int64N(int64(backoff)/2 + 1))
		if !m.sleep(ctx, backoff+jitter) {
			return ctx.Err()
		}
		backoff = min(backoff*2, m.opts.ReconnectMax)
	}

	m.setState(func(st *State) {
		st.Connecting = false
		st.LastError = relayerrors.ErrReconnectExhausted.Error()
	})
	return relayerrors.ErrReconnectExhausted
}

// dialAndHandshake dials the gateway, sends init, and waits for the
// auth confirmation.
func (m *Manager) dialAndHandshake(ctx context.Context) (wsConn, error) {
	m.mu.RLock()
	token := m.token
	m.mu.RUnlock()

	if token == "" {
		return nil, relayerrors.ErrNoToken
	}

	conn, err := m.dial(ctx, m.opts.GatewayURL)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	init := initMessage{Op: "init", Token: token, Device: m.opts.DeviceName}
	data, err := json.Marshal(init)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return nil, fmt.Errorf("marshalling init: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return nil, fmt.Errorf("sending init: %w", err)
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "auth read failed")
		return nil, fmt.Errorf("reading auth response: %w", err)
	}

	var resp initResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		conn.Close(websocket.StatusInternalError, "auth decode failed")
		return nil, fmt.Errorf("decoding auth response: %w", err)
	}

	if resp.Res != "ok" {
		conn.Close(websocket.StatusNormalClosure, "auth failed")
		return nil, fmt.Errorf("auth handshake (%s): %w", resp.Res, relayerrors.ErrAuthRejected)
	}

	m.mu.Lock()
	m.userID = resp.UserID
	m.mu.Unlock()

	m.logger.Info("gateway authenticated", slog.String("user_id", resp.UserID))
	return conn, nil
}

// installConn makes a freshly handshaken connection current: starts its
// reader goroutine and publishes the transport-connected transition.
// ServerReady stays false until the ready frame or the fallback timer.
func (m *Manager) installConn(ctx context.Context, conn wsConn) {
	connCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.conn = conn
	m.connCancel = cancel
	m.intentional = false
	m.readyCh = make(chan struct{})
	ch := make(chan inboundMsg, 64)
	m.inboundCh = ch
	m.mu.Unlock()

	m.touchLastMessage()

	// The goroutine captures conn and ch by value so a stale reader from
	// a previous connection can never feed the new channel.
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	m.setState(func(st *State) {
		st.TransportConnected = true
		st.ServerReady = false
		st.Connecting = false
		st.LastError = ""
	})

	select {
	case m.connNotify <- struct{}{}:
	default:
	}
}

// teardownConn cancels the reader and closes the current connection if
// still present.
func (m *Manager) teardownConn() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "teardown")
	}
}

// eventLoop processes one connection until it drops, the token changes,
// or the context is cancelled. All writes happen here.
func (m *Manager) eventLoop(ctx context.Context) error {
	m.mu.RLock()
	conn := m.conn
	inbound := m.inboundCh
	m.mu.RUnlock()

	// Force readiness after the fallback window so a gateway that never
	// confirms room subscriptions cannot deadlock the client. Accepted
	// tradeoff: a merely slow gateway may see room events slightly early.
	fallback := time.NewTimer(m.opts.ReadyFallback)
	defer fallback.Stop()

	idleTimeout := 4 * m.opts.KeepaliveInterval

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				m.mu.RLock()
				intentional := m.intentional
				m.mu.RUnlock()
				if intentional {
					return nil
				}
				return fmt.Errorf("reading frame: %w", msg.err)
			}
			m.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			m.handleInbound(ctx, conn, msg.data)

		case <-fallback.C:
			if !m.Ready() {
				m.logger.Warn("no readiness confirmation from gateway, forcing ready",
					slog.Duration("fallback", m.opts.ReadyFallback),
				)
				m.markReady(ctx, conn)
			}

		case <-m.ka.ticks:
			m.lastMsgMu.Lock()
			elapsed := time.Since(m.lastMessage)
			m.lastMsgMu.Unlock()

			if elapsed > idleTimeout {
				m.logger.Warn("connection idle past timeout, closing")
				conn.Close(websocket.StatusGoingAway, "idle timeout")
				return fmt.Errorf("idle timeout after %s", elapsed.Truncate(time.Second))
			}

			if err := m.writeJSON(ctx, conn, map[string]string{"op": "ping"}); err != nil {
				return fmt.Errorf("sending ping: %w", err)
			}

		case frame := <-m.outCh:
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}

		case tok := <-m.tokenCh:
			m.mu.Lock()
			m.token = tok
			m.mu.Unlock()
			if tok == "" {
				return errTokenCleared
			}
			return errTokenReplaced

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleInbound routes a single text frame. Unknown and unparseable
// frames are dropped with a log line; a bad frame must never take the
// loop down.
func (m *Manager) handleInbound(ctx context.Context, conn wsConn, data []byte) {
	op := gjson.GetBytes(data, "op").Str
	if op == "" {
		m.logger.Debug("frame without op, dropping", slog.Int("bytes", len(data)))
		return
	}

	switch op {
	case OpPong:
		return

	case OpReady:
		m.markReady(ctx, conn)

	case OpUserOnline, OpUserOffline, OpMessageStatus,
		OpMemberAdded, OpMemberRemoved, OpMemberLeft, OpConversationUpdated:
		m.registry.dispatch(op, data)

	default:
		m.logger.Debug("unexpected op", slog.String("op", op))
	}
}

// markReady publishes the server-ready transition and re-joins every
// conversation room this client was subscribed to before the reconnect.
func (m *Manager) markReady(ctx context.Context, conn wsConn) {
	m.mu.Lock()
	if m.st.ServerReady {
		m.mu.Unlock()
		return
	}
	close(m.readyCh)
	rejoin := make([]string, 0, len(m.joined))
	for id := range m.joined {
		rejoin = append(rejoin, id)
	}
	m.mu.Unlock()

	m.setState(func(st *State) {
		st.ServerReady = true
		st.ReconnectAttempt = 0
	})
	m.logger.Info("server ready", slog.Int("rejoin_rooms", len(rejoin)))

	for _, id := range rejoin {
		if err := m.writeJSON(ctx, conn, joinMessage{Op: "join", ConversationID: id}); err != nil {
			m.logger.Warn("rejoining room",
				slog.String("conversation_id", id),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// Ready reports whether the gateway has confirmed room subscriptions
// (or the fallback timer has forced the signal). Components must gate
// data-plane emissions on this, not on raw transport connectivity.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ServerReady
}

// WaitReady blocks until the connection is ready or ctx is cancelled.
func (m *Manager) WaitReady(ctx context.Context) error {
	for {
		m.mu.RLock()
		ready := m.st.ServerReady
		ch := m.readyCh
		m.mu.RUnlock()

		if ready {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StateSnapshot returns the current connection state.
func (m *Manager) StateSnapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st
}

// UserID returns the user ID confirmed by the last auth handshake.
func (m *Manager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userID
}

// On registers a push-event handler and returns its unsubscribe
// function.
func (m *Manager) On(op string, h EventHandler) func() {
	return m.registry.on(op, h)
}

// OnStateChange registers a connection-state listener and returns its
// unsubscribe function.
func (m *Manager) OnStateChange(h StateHandler) func() {
	return m.registry.onState(h)
}

// JoinConversation subscribes this client to a conversation room. The
// room is remembered and re-joined automatically after reconnects.
func (m *Manager) JoinConversation(ctx context.Context, conversationID string) error {
	if !m.Ready() {
		return relayerrors.ErrNotReady
	}

	m.mu.Lock()
	m.joined[conversationID] = struct{}{}
	m.mu.Unlock()

	return m.send(ctx, joinMessage{Op: "join", ConversationID: conversationID})
}

// LeaveConversation unsubscribes this client from a conversation room.
func (m *Manager) LeaveConversation(ctx context.Context, conversationID string) error {
	if !m.Ready() {
		return relayerrors.ErrNotReady
	}

	m.mu.Lock()
	delete(m.joined, conversationID)
	m.mu.Unlock()

	return m.send(ctx, joinMessage{Op: "leave", ConversationID: conversationID})
}

// TypingStart reports local typing activity to a conversation room.
func (m *Manager) TypingStart(ctx context.Context, conversationID string) error {
	if !m.Ready() {
		return relayerrors.ErrNotReady
	}
	return m.send(ctx, typingMessage{Op: "typing-start", ConversationID: conversationID})
}

// TypingStop reports the end of local typing activity.
func (m *Manager) TypingStop(ctx context.Context, conversationID string) error {
	if !m.Ready() {
		return relayerrors.ErrNotReady
	}
	return m.send(ctx, typingMessage{Op: "typing-stop", ConversationID: conversationID})
}

// send marshals a frame and hands it to the event loop for writing.
func (m *Manager) send(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	select {
	case m.outCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeJSON marshals v and writes it directly. Only called from the
// event loop or during the handshake.
func (m *Manager) writeJSON(ctx context.Context, conn wsConn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// setState applies a mutation and notifies subscribers with a snapshot.
func (m *Manager) setState(mutate func(*State)) {
	m.mu.Lock()
	wasReady := m.st.ServerReady
	mutate(&m.st)
	if wasReady && !m.st.ServerReady {
		m.readyCh = make(chan struct{})
	}
	snapshot := m.st
	m.mu.Unlock()

	m.registry.dispatchState(snapshot)
}

// sleep waits for d or until ctx is cancelled. Reports whether the full
// duration elapsed.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) touchLastMessage() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}
