// Package session keeps this process's authentication state consistent
// with the server and with sibling relay-client processes sharing the
// same store. It validates the session on foreground focus, on a
// periodic timer, and on cross-process change signals, and it tears the
// session down when the server rejects it or the confirmed identity
// changes under the same token.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaymsg/relay-client/internal/api"
	relayerrors "github.com/relaymsg/relay-client/internal/errors"
	"github.com/relaymsg/relay-client/internal/state"
	"github.com/relaymsg/relay-client/internal/store"
)

// Phase is the session lifecycle state.
type Phase int

const (
	// PhaseUnauthenticated means no token is present.
	PhaseUnauthenticated Phase = iota
	// PhaseAuthenticated means the current token was accepted.
	PhaseAuthenticated
	// PhaseReauthenticating means the session was cleared and a fresh
	// login is in progress or required.
	PhaseReauthenticating
	// PhaseInvalid means a security teardown happened: the confirmed
	// identity changed under the same token. Requires an explicit Login.
	PhaseInvalid
)

var phaseNames = map[Phase]string{
	PhaseUnauthenticated:  "unauthenticated",
	PhaseAuthenticated:    "authenticated",
	PhaseReauthenticating: "reauthenticating",
	PhaseInvalid:          "invalid",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// sessionAPI is the REST surface the synchronizer needs. *api.Client
// satisfies it.
type sessionAPI interface {
	ValidateSession(ctx context.Context, token string) (api.SessionInfo, error)
}

// connector is the connection surface the synchronizer drives.
// *conn.Manager satisfies it.
type connector interface {
	Connect(ctx context.Context, token string) error
	Disconnect()
	SetToken(token string)
}

// sharedStore is the cross-process store surface. *store.Store
// satisfies it.
type sharedStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	Signal(key, value string) error
	GetTime(key string) (time.Time, error)
	SetTime(key string, t time.Time) error
}

// identityCache persists the confirmed identity record. *state.Cache
// satisfies it.
type identityCache interface {
	Identity() (*state.Identity, error)
	SetIdentity(id state.Identity) error
	ClearIdentity() error
}

// Options configures a Synchronizer.
type Options struct {
	// ValidateInterval is the periodic validation cadence while the
	// client is foregrounded.
	ValidateInterval time.Duration
	// ValidateMinGap is the minimum spacing between validations across
	// every process sharing the store.
	ValidateMinGap time.Duration
	// TokenRemovalGrace is how long to wait after observing a token
	// removal before treating it as a logout. Atomic rewrites delete and
	// recreate the key; acting immediately would tear down a healthy
	// session.
	TokenRemovalGrace time.Duration
}

// Synchronizer owns the session lifecycle for this process.
type Synchronizer struct {
	logger *slog.Logger
	api    sessionAPI
	conn   connector
	store  sharedStore
	cache  identityCache
	opts   Options

	focusCh chan struct{}

	mu             sync.Mutex
	phase          Phase
	token          string
	expectedUserID string
	inFlight       bool
	foreground     bool
	nextID         int
	listeners      map[int]func(Phase)
}

func NewSynchronizer(apiClient sessionAPI, conn connector, shared sharedStore, cache identityCache, opts Options, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		logger:    logger,
		api:       apiClient,
		conn:      conn,
		store:     shared,
		cache:     cache,
		opts:      opts,
		focusCh:   make(chan struct{}, 1),
		listeners: make(map[int]func(Phase)),
	}
}

// Resume loads the persisted token and identity, if any, and connects.
// Called once at startup.
func (s *Synchronizer) Resume(ctx context.Context) error {
	token, err := s.store.Get(store.TokenKey)
	if err != nil {
		return fmt.Errorf("reading stored token: %w", err)
	}
	if token == "" {
		s.setPhase(PhaseUnauthenticated)
		return nil
	}

	s.mu.Lock()
	s.token = token
	s.expectedUserID = s.expectedUserIDFor(token)
	s.mu.Unlock()

	if err := s.conn.Connect(ctx, token); err != nil {
		if errors.Is(err, relayerrors.ErrAuthRejected) {
			s.invalidate(PhaseReauthenticating, "stored token rejected")
			return nil
		}
		// Transport failure: the connection manager keeps retrying.
		s.logger.Warn("connecting with stored token", slog.String("error", err.Error()))
	}

	s.setPhase(PhaseAuthenticated)
	return nil
}

// Login persists a fresh token for every process and connects with it.
func (s *Synchronizer) Login(ctx context.Context, token string) error {
	if token == "" {
		return relayerrors.ErrNoToken
	}

	if err := s.store.Set(store.TokenKey, token); err != nil {
		return fmt.Errorf("persisting token: %w", err)
	}
	if err := s.store.Set(store.SessionActiveKey, "true"); err != nil {
		return fmt.Errorf("persisting session flag: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.expectedUserID = s.expectedUserIDFor(token)
	s.mu.Unlock()

	if err := s.conn.Connect(ctx, token); err != nil {
		return fmt.Errorf("connecting after login: %w", err)
	}

	s.setPhase(PhaseAuthenticated)
	return nil
}

// Logout clears the session everywhere: this process, the shared store,
// and every sibling process via the broadcast signal.
func (s *Synchronizer) Logout() {
	s.invalidate(PhaseUnauthenticated, "logout")
}

// Focus reports that the client came to the foreground. Validation
// fires on the next loop iteration.
func (s *Synchronizer) Focus() {
	s.mu.Lock()
	s.foreground = true
	s.mu.Unlock()

	select {
	case s.focusCh <- struct{}{}:
	default:
	}
}

// Blur reports that the client left the foreground. Periodic validation
// pauses until the next Focus.
func (s *Synchronizer) Blur() {
	s.mu.Lock()
	s.foreground = false
	s.mu.Unlock()
}

// Phase returns the current session phase.
func (s *Synchronizer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// OnPhaseChange registers a listener for phase transitions and returns
// its unsubscribe function.
func (s *Synchronizer) OnPhaseChange(h func(Phase)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners[id] = h

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Run processes validation stimuli and store change events until ctx is
// cancelled. events is the shared store's notification channel.
func (s *Synchronizer) Run(ctx context.Context, events <-chan store.Event) error {
	ticker := time.NewTicker(s.opts.ValidateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.focusCh:
			s.validate(ctx)

		case <-ticker.C:
			s.mu.Lock()
			foreground := s.foreground
			s.mu.Unlock()
			if foreground {
				s.validate(ctx)
			}

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handleStoreEvent(ctx, ev)
		}
	}
}

// handleStoreEvent reacts to a change a sibling process (or this one)
// made to the shared store.
func (s *Synchronizer) handleStoreEvent(ctx context.Context, ev store.Event) {
	switch {
	case ev.Key == store.TokenKey && ev.Op == store.OpSet:
		s.handleTokenWritten(ctx)

	case ev.Key == store.TokenKey && ev.Op == store.OpRemoved:
		s.handleTokenRemoved(ctx)

	case ev.Key == store.SignalKey && ev.Op == store.OpSet:
		// A sibling broadcast a session change. Values are transient by
		// design (write-then-delete), so re-derive everything from the
		// durable keys instead of trusting the payload.
		s.logger.Info("session change signal from sibling process")
		s.handleTokenWritten(ctx)
	}
}

// handleTokenWritten picks up a token another process stored.
func (s *Synchronizer) handleTokenWritten(ctx context.Context) {
	token, err := s.store.Get(store.TokenKey)
	if err != nil {
		s.logger.Warn("reading changed token", slog.String("error", err.Error()))
		return
	}
	if token == "" {
		s.handleTokenRemoved(ctx)
		return
	}

	s.mu.Lock()
	same := token == s.token
	if !same {
		s.token = token
		s.expectedUserID = s.expectedUserIDFor(token)
	}
	s.mu.Unlock()

	if same {
		return
	}

	s.logger.Info("token updated by sibling process, reconnecting")
	s.conn.SetToken(token)
	s.setPhase(PhaseAuthenticated)
	s.validate(ctx)
}

// handleTokenRemoved waits out the removal grace and re-checks before
// treating the removal as a logout.
func (s *Synchronizer) handleTokenRemoved(ctx context.Context) {
	select {
	case <-time.After(s.opts.TokenRemovalGrace):
	case <-ctx.Done():
		return
	}

	token, err := s.store.Get(store.TokenKey)
	if err != nil {
		s.logger.Warn("re-checking removed token", slog.String("error", err.Error()))
		return
	}
	if token != "" {
		// The key came back: an atomic rewrite, not a logout.
		return
	}

	s.mu.Lock()
	hadToken := s.token != ""
	s.token = ""
	s.expectedUserID = ""
	s.mu.Unlock()

	if !hadToken {
		return
	}

	s.logger.Info("token removed by sibling process, logging out")
	s.conn.SetToken("")
	if err := s.cache.ClearIdentity(); err != nil {
		s.logger.Warn("clearing identity", slog.String("error", err.Error()))
	}
	s.setPhase(PhaseUnauthenticated)
}

// validate runs one guarded session validation. Guards: a token must be
// present, no validation may already be in flight in this process, and
// the shared last-validation timestamp must be at least the minimum gap
// old so a burst of focus events across processes produces one request,
// not one per process.
func (s *Synchronizer) validate(ctx context.Context) {
	s.mu.Lock()
	if s.inFlight || s.token == "" || s.phase == PhaseReauthenticating || s.phase == PhaseInvalid {
		s.mu.Unlock()
		return
	}
	token := s.token
	expected := s.expectedUserID
	s.inFlight = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	last, err := s.store.GetTime(store.LastValidatedKey)
	if err != nil {
		s.logger.Warn("reading last validation time", slog.String("error", err.Error()))
	} else if time.Since(last) < s.opts.ValidateMinGap {
		return
	}

	if err := s.store.SetTime(store.LastValidatedKey, time.Now()); err != nil {
		s.logger.Warn("recording validation time", slog.String("error", err.Error()))
	}

	info, err := s.api.ValidateSession(ctx, token)
	if err != nil {
		// Network failure is not evidence of an invalid session. Fail
		// open and let the next stimulus try again.
		s.logger.Warn("session validation unreachable, keeping session",
			slog.String("error", err.Error()),
		)
		return
	}

	if !info.Valid {
		s.logger.Info("session rejected by server")
		s.invalidate(PhaseReauthenticating, "session rejected")
		return
	}

	if expected != "" && info.UserID != expected {
		s.logger.Error("session identity mismatch",
			slog.String("expected", expected),
			slog.String("got", info.UserID),
			slog.String("error", relayerrors.ErrIdentityMismatch.Error()),
		)
		s.invalidate(PhaseInvalid, "identity mismatch")
		return
	}

	s.confirmIdentity(token, info.UserID)
	s.setPhase(PhaseAuthenticated)
}

// confirmIdentity records a successful validation. A cached identity
// with the same token hash but a different user ID is a mismatch caught
// after the fact; the record is overwritten and the event logged.
func (s *Synchronizer) confirmIdentity(token, userID string) {
	hash := state.HashToken(token)

	if cached, err := s.cache.Identity(); err == nil && cached != nil &&
		cached.TokenHash == hash && cached.UserID != userID {
		s.logger.Error("confirmed identity changed under the same token",
			slog.String("was", cached.UserID),
			slog.String("now", userID),
		)
	}

	if err := s.cache.SetIdentity(state.Identity{
		TokenHash:   hash,
		UserID:      userID,
		ValidatedAt: time.Now().UnixMilli(),
	}); err != nil {
		s.logger.Warn("persisting identity", slog.String("error", err.Error()))
	}

	if err := s.store.Set(store.LastUserIDKey, userID); err != nil {
		s.logger.Warn("persisting user id", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	s.expectedUserID = userID
	s.mu.Unlock()
}

// invalidate clears the session locally and in the shared store,
// disconnects, and broadcasts the change to sibling processes.
func (s *Synchronizer) invalidate(next Phase, reason string) {
	s.mu.Lock()
	s.token = ""
	s.expectedUserID = ""
	s.mu.Unlock()

	for _, key := range []string{store.TokenKey, store.SessionActiveKey, store.LastUserIDKey} {
		if err := s.store.Delete(key); err != nil {
			s.logger.Warn("clearing store key",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := s.cache.ClearIdentity(); err != nil {
		s.logger.Warn("clearing identity", slog.String("error", err.Error()))
	}

	// Write-then-delete: the value is irrelevant, the change notification
	// is the message.
	if err := s.store.Signal(store.SignalKey, reason); err != nil {
		s.logger.Warn("broadcasting session change", slog.String("error", err.Error()))
	}

	s.conn.Disconnect()
	s.setPhase(next)
}

// expectedUserIDFor extracts the subject claim from a JWT token without
// verifying it. Verification is the server's job; the claim only seeds
// the expected identity before the first validation round trip. Returns
// empty for opaque tokens.
func (s *Synchronizer) expectedUserIDFor(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

func (s *Synchronizer) setPhase(p Phase) {
	s.mu.Lock()
	if s.phase == p {
		s.mu.Unlock()
		return
	}
	s.phase = p
	hs := make([]func(Phase), 0, len(s.listeners))
	for _, h := range s.listeners {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	s.logger.Info("session phase", slog.String("phase", p.String()))
	for _, h := range hs {
		h(p)
	}
}
