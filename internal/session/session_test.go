package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymsg/relay-client/internal/api"
	"github.com/relaymsg/relay-client/internal/state"
	"github.com/relaymsg/relay-client/internal/store"
)

type validateResult struct {
	info api.SessionInfo
	err  error
}

type apiStub struct {
	mu      sync.Mutex
	results []validateResult
	calls   int
}

func (a *apiStub) ValidateSession(ctx context.Context, token string) (api.SessionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.results) == 0 {
		return api.SessionInfo{Valid: true, UserID: "u1"}, nil
	}
	r := a.results[0]
	a.results = a.results[1:]
	return r.info, r.err
}

func (a *apiStub) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type connStub struct {
	mu          sync.Mutex
	connects    []string
	setTokens   []string
	disconnects int
	connectErr  error
}

func (c *connStub) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects = append(c.connects, token)
	return c.connectErr
}

func (c *connStub) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

func (c *connStub) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setTokens = append(c.setTokens, token)
}

type storeStub struct {
	mu      sync.Mutex
	values  map[string]string
	times   map[string]time.Time
	signals []string
}

func newStoreStub() *storeStub {
	return &storeStub{values: make(map[string]string), times: make(map[string]time.Time)}
}

func (s *storeStub) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *storeStub) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *storeStub) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *storeStub) Signal(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, value)
	return nil
}

func (s *storeStub) GetTime(key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.times[key], nil
}

func (s *storeStub) SetTime(key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times[key] = t
	return nil
}

type cacheStub struct {
	mu       sync.Mutex
	identity *state.Identity
}

func (c *cacheStub) Identity() (*state.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil, nil
	}
	id := *c.identity
	return &id, nil
}

func (c *cacheStub) SetIdentity(id state.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = &id
	return nil
}

func (c *cacheStub) ClearIdentity() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = nil
	return nil
}

type fixture struct {
	sync  *Synchronizer
	api   *apiStub
	conn  *connStub
	store *storeStub
	cache *cacheStub
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		api:   &apiStub{},
		conn:  &connStub{},
		store: newStoreStub(),
		cache: &cacheStub{},
	}
	f.sync = NewSynchronizer(f.api, f.conn, f.store, f.cache, opts, slog.Default())
	return f
}

func defaultOptions() Options {
	return Options{
		ValidateInterval:  time.Minute,
		ValidateMinGap:    0,
		TokenRemovalGrace: 500 * time.Millisecond,
	}
}

// signedToken builds a real JWT whose subject claim is sub. The
// signature is irrelevant; only the claims are read.
func signedToken(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

func TestLogin_PersistsAndConnects(t *testing.T) {
	f := newFixture(defaultOptions())

	require.NoError(t, f.sync.Login(t.Context(), "tok-1"))

	assert.Equal(t, "tok-1", f.store.values[store.TokenKey])
	assert.Equal(t, "true", f.store.values[store.SessionActiveKey])
	assert.Equal(t, []string{"tok-1"}, f.conn.connects)
	assert.Equal(t, PhaseAuthenticated, f.sync.Phase())
}

func TestResume_NoStoredTokenStaysUnauthenticated(t *testing.T) {
	f := newFixture(defaultOptions())

	require.NoError(t, f.sync.Resume(t.Context()))

	assert.Equal(t, PhaseUnauthenticated, f.sync.Phase())
	assert.Empty(t, f.conn.connects)
}

func TestResume_StoredTokenConnects(t *testing.T) {
	f := newFixture(defaultOptions())
	f.store.values[store.TokenKey] = "tok-1"

	require.NoError(t, f.sync.Resume(t.Context()))

	assert.Equal(t, []string{"tok-1"}, f.conn.connects)
	assert.Equal(t, PhaseAuthenticated, f.sync.Phase())
}

func TestValidate_SuccessRecordsIdentity(t *testing.T) {
	f := newFixture(defaultOptions())
	f.api.results = []validateResult{{info: api.SessionInfo{Valid: true, UserID: "u1"}}}
	require.NoError(t, f.sync.Login(t.Context(), "tok-1"))

	f.sync.validate(t.Context())

	assert.Equal(t, PhaseAuthenticated, f.sync.Phase())
	require.NotNil(t, f.cache.identity)
	assert.Equal(t, "u1", f.cache.identity.UserID)
	assert.Equal(t, state.HashToken("tok-1"), f.cache.identity.TokenHash)
	assert.Equal(t, "u1", f.store.values[store.LastUserIDKey])
}

func TestValidate_RejectionTearsDownAndBroadcasts(t *testing.T) {
	f := newFixture(defaultOptions())
	f.api.results = []validateResult{{info: api.SessionInfo{Valid: false}}}
	require.NoError(t, f.sync.Login(t.Context(), "tok-1"))

	f.sync.validate(t.Context())

	assert.Equal(t, PhaseReauthenticating, f.sync.Phase())
	assert.Empty(t, f.store.values[store.TokenKey])
	assert.Empty(t, f.store.values[store.SessionActiveKey])
	assert.Equal(t, 1, f.conn.disconnects)
	assert.Nil(t, f.cache.identity)
	assert.Equal(t, []string{"session rejected"}, f.store.signals)
}

func TestValidate_IdentityMismatchIsSecurityTeardown(t *testing.T) {
	f := newFixture(defaultOptions())
	// The JWT says the token belongs to u1; the server answers u2.
	f.api.results = []validateResult{{info: api.SessionInfo{Valid: true, UserID: "u2"}}}
	require.NoError(t, f.sync.Login(t.Context(), signedToken(t, "u1")))

	f.sync.validate(t.Context())

	assert.Equal(t, PhaseInvalid, f.sync.Phase())
	assert.Equal(t, 1, f.conn.disconnects)
	assert.Empty(t, f.store.values[store.TokenKey])
	assert.Equal(t, []string{"identity mismatch"}, f.store.signals)
}

func TestValidate_NetworkErrorFailsOpen(t *testing.T) {
	f := newFixture(defaultOptions())
	f.api.results = []validateResult{{err: errors.New("connection refused")}}
	require.NoError(t, f.sync.Login(t.Context(), "tok-1"))

	f.sync.validate(t.Context())

	assert.Equal(t, PhaseAuthenticated, f.sync.Phase(),
		"an unreachable validator must not end the session")
	assert.Zero(t, f.conn.disconnects)
	assert.Equal(t, "tok-1", f.store.values[store.TokenKey])
}

func TestValidate_MinGapSuppressesBursts(t *testing.T) {
	opts := defaultOptions()
	opts.ValidateMinGap = 5 * time.Second
	f := newFixture(opts)
	require.NoError(t, f.sync.Login(t.Context(), "tok-1"))

	// Simulates a sibling process having validated moments ago.
	f.store.times[store.LastValidatedKey] = time.Now()

	f.sync.validate(t.Context())
	f.sync.validate(t.Context())

	assert.Equal(t, 0, f.api.callCount())
}

func TestValidate_SkippedWithoutToken(t *testing.T) {
	f := newFixture(defaultOptions())

	f.sync.validate(t.Context())

	assert.Equal(t, 0, f.api.callCount())
}

func TestStoreEvent_SiblingTokenWriteReconnectsAndValidates(t *testing.T) {
	f := newFixture(defaultOptions())
	require.NoError(t, f.sync.Login(t.Context(), "tok-1"))

	f.store.values[store.TokenKey] = "tok-2"
	f.sync.handleStoreEvent(t.Context(), store.Event{Key: store.TokenKey, Op: store.OpSet})

	assert.Equal(t, []string{"tok-2"}, f.conn.setTokens)
	assert.Equal(t, 1, f.api.callCount())
}

func TestStoreEvent_TokenRemovalHonorsGrace(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(defaultOptions())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		require.NoError(t, f.sync.Login(ctx, "tok-1"))

		// Atomic rewrite: the key vanishes and is back before the grace
		// elapses. Not a logout.
		delete(f.store.values, store.TokenKey)
		go f.sync.handleStoreEvent(ctx, store.Event{Key: store.TokenKey, Op: store.OpRemoved})
		time.Sleep(200 * time.Millisecond)
		f.store.Set(store.TokenKey, "tok-1")
		time.Sleep(400 * time.Millisecond)
		synctest.Wait()

		assert.Equal(t, PhaseAuthenticated, f.sync.Phase())
		assert.Empty(t, f.conn.setTokens)

		// Real logout: the key stays gone past the grace.
		f.store.Delete(store.TokenKey)
		go f.sync.handleStoreEvent(ctx, store.Event{Key: store.TokenKey, Op: store.OpRemoved})
		time.Sleep(600 * time.Millisecond)
		synctest.Wait()

		assert.Equal(t, PhaseUnauthenticated, f.sync.Phase())
		assert.Equal(t, []string{""}, f.conn.setTokens)
		assert.Nil(t, f.cache.identity)
	})
}

func TestRun_FocusTriggersValidation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(defaultOptions())
		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, f.sync.Login(ctx, "tok-1"))

		events := make(chan store.Event)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = f.sync.Run(ctx, events)
		}()

		f.sync.Focus()
		synctest.Wait()
		assert.Equal(t, 1, f.api.callCount())

		// Periodic validation fires while foregrounded.
		time.Sleep(time.Minute)
		synctest.Wait()
		assert.Equal(t, 2, f.api.callCount())

		// Backgrounded: the ticker is ignored.
		f.sync.Blur()
		time.Sleep(2 * time.Minute)
		synctest.Wait()
		assert.Equal(t, 2, f.api.callCount())

		cancel()
		<-done
	})
}

func TestLogout_ClearsEverythingAndSignals(t *testing.T) {
	f := newFixture(defaultOptions())
	require.NoError(t, f.sync.Login(t.Context(), "tok-1"))

	var phases []Phase
	f.sync.OnPhaseChange(func(p Phase) { phases = append(phases, p) })

	f.sync.Logout()

	assert.Equal(t, PhaseUnauthenticated, f.sync.Phase())
	assert.Empty(t, f.store.values[store.TokenKey])
	assert.Equal(t, 1, f.conn.disconnects)
	assert.Equal(t, []string{"logout"}, f.store.signals)
	assert.Equal(t, []Phase{PhaseUnauthenticated}, phases)
}
