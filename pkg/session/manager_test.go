package session

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrelay/authrelay/pkg/auth"
)

func testSettings() auth.SessionSettings {
	s := auth.DefaultSessionSettings()
	s.SessionTimeout = 30 * time.Minute
	s.RefreshInterval = 5 * time.Minute
	s.EnableCrossTabSync = true
	s.EnableAutoRefresh = false
	return s
}

func passwordChecker() CredentialChecker {
	return func(ctx context.Context, creds auth.Credentials) auth.Result[*auth.User] {
		if creds.Email == "user@example.com" && creds.Password == "hunter2" {
			return auth.OK(&auth.User{
				ID:          "u1",
				Email:       creds.Email,
				Roles:       []string{"user"},
				Permissions: []string{auth.PermissionReadAll},
			})
		}
		return auth.Fail[*auth.User](auth.ErrCredentialsInvalid, "BAD_PASSWORD", "invalid credentials")
	}
}

func newTestManager(t *testing.T, clock clockwork.Clock) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	m := NewManager(store, nil, testSettings(), nil,
		WithClock(clock), WithChecker(passwordChecker()))
	return m, store
}

func login(t *testing.T, m *Manager) *auth.Session {
	t.Helper()
	res := m.Authenticate(context.Background(), auth.Credentials{
		Email:    "user@example.com",
		Password: "hunter2",
	})
	require.True(t, res.Success)
	require.NotNil(t, res.Data)
	return res.Data
}

func TestManagerCreate(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, clockwork.NewFakeClockAt(now))

	s := login(t, m)
	assert.True(t, s.IsActive)
	assert.Contains(t, s.Token.AccessToken, auth.TokenPrefix)
	assert.Equal(t, now.Add(30*time.Minute), s.ExpiresAt)

	// stored under the token hash, not the plaintext token
	key := auth.NewTokenGenerator().Hash(s.Token.AccessToken)
	rec, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	_, err = store.Get(context.Background(), s.Token.AccessToken)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerCreate_MissingCredentials(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewRealClock())

	res := m.Authenticate(context.Background(), auth.Credentials{Email: "user@example.com"})
	require.False(t, res.Success)
	assert.Equal(t, "SESSION_MISSING_CREDENTIALS", res.Err.Code)
}

func TestManagerCreate_CheckerFailurePassesThrough(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewRealClock())

	res := m.Authenticate(context.Background(), auth.Credentials{
		Email:    "user@example.com",
		Password: "wrong",
	})
	require.False(t, res.Success)
	assert.Equal(t, "BAD_PASSWORD", res.Err.Code)
}

func TestManagerCreate_NoChecker(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil, testSettings(), nil)

	res := m.Authenticate(context.Background(), auth.Credentials{
		Email:    "user@example.com",
		Password: "hunter2",
	})
	require.False(t, res.Success)
	assert.Equal(t, auth.ErrServer, res.Err.Type)
	assert.Equal(t, "SESSION_CHECKER_MISSING", res.Err.Code)
}

func TestManagerCreate_MintsFreshTokenPerLogin(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewRealClock())

	first := login(t, m)
	second := login(t, m)
	assert.NotEqual(t, first.Token.AccessToken, second.Token.AccessToken)
}

func TestManagerResume(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	m, store := newTestManager(t, clock)

	s := login(t, m)
	clock.Advance(10 * time.Minute)

	res := m.Authenticate(context.Background(), auth.Credentials{SessionID: s.Token.AccessToken})
	require.True(t, res.Success)
	assert.Equal(t, s.Token.AccessToken, res.Data.Token.AccessToken)
	assert.Equal(t, "u1", res.Data.User.ID)

	key := auth.NewTokenGenerator().Hash(s.Token.AccessToken)
	rec, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), rec.LastAccessed)
}

func TestManagerResume_Unknown(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewRealClock())

	res := m.Authenticate(context.Background(), auth.Credentials{SessionID: "arl_unknown"})
	require.False(t, res.Success)
	assert.Equal(t, auth.ErrCredentialsInvalid, res.Err.Type)
	assert.Equal(t, "SESSION_NOT_FOUND", res.Err.Code)
}

func TestManagerResume_ExpiryBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	m, store := newTestManager(t, clock)

	s := login(t, m)

	// A session observed exactly at its expiry instant is already expired.
	clock.Advance(30 * time.Minute)

	res := m.Authenticate(context.Background(), auth.Credentials{SessionID: s.Token.AccessToken})
	require.False(t, res.Success)
	assert.Equal(t, auth.ErrTokenExpired, res.Err.Type)
	assert.Equal(t, "SESSION_EXPIRED", res.Err.Code)

	// lazy expiry removed the record on observation
	key := auth.NewTokenGenerator().Hash(s.Token.AccessToken)
	_, err := store.Get(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	m, _ := newTestManager(t, clock)

	s := login(t, m)

	res := m.ValidateSession(context.Background(), s.Token.AccessToken)
	require.True(t, res.Success)
	assert.True(t, res.Data)

	clock.Advance(31 * time.Minute)

	// expired: false, and validating again is the same false, not an error
	res = m.ValidateSession(context.Background(), s.Token.AccessToken)
	require.True(t, res.Success)
	assert.False(t, res.Data)

	res = m.ValidateSession(context.Background(), s.Token.AccessToken)
	require.True(t, res.Success)
	assert.False(t, res.Data)
}

func TestManagerRefresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	m, _ := newTestManager(t, clock)

	s := login(t, m)
	clock.Advance(20 * time.Minute)

	res := m.RefreshToken(context.Background(), s.Token.AccessToken)
	require.True(t, res.Success)
	assert.Equal(t, s.Token.AccessToken, res.Data.AccessToken)
	assert.Equal(t, now.Add(50*time.Minute), res.Data.ExpiresAt)

	// the refreshed window carries the session past its original expiry
	clock.Advance(20 * time.Minute)
	valid := m.ValidateSession(context.Background(), s.Token.AccessToken)
	assert.True(t, valid.Data)
}

func TestManagerRefresh_ExpiredIsNotRevived(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	m, store := newTestManager(t, clock)

	s := login(t, m)
	clock.Advance(31 * time.Minute)

	res := m.RefreshToken(context.Background(), s.Token.AccessToken)
	require.False(t, res.Success)
	assert.Equal(t, auth.ErrTokenExpired, res.Err.Type)
	assert.Equal(t, "SESSION_EXPIRED", res.Err.Code)

	key := auth.NewTokenGenerator().Hash(s.Token.AccessToken)
	_, err := store.Get(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerRefresh_Unknown(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewRealClock())

	res := m.RefreshToken(context.Background(), "arl_unknown")
	require.False(t, res.Success)
	assert.Equal(t, "SESSION_NOT_FOUND", res.Err.Code)
}

func TestManagerSignOut(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewRealClock())

	s := login(t, m)

	out := m.SignOut(context.Background(), s.Token.AccessToken)
	require.True(t, out.Success)
	assert.Empty(t, out.Data)

	valid := m.ValidateSession(context.Background(), s.Token.AccessToken)
	assert.False(t, valid.Data)

	// signing out an absent session still succeeds
	out = m.SignOut(context.Background(), s.Token.AccessToken)
	assert.True(t, out.Success)
}

func TestManagerUnsupportedOperations(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewRealClock())

	reg := m.Register(context.Background(), auth.Credentials{})
	require.False(t, reg.Success)
	assert.Equal(t, "OPERATION_NOT_SUPPORTED", reg.Err.Code)

	act := m.Activate(context.Background(), "token")
	require.False(t, act.Success)
	assert.Equal(t, "OPERATION_NOT_SUPPORTED", act.Err.Code)
}

func TestManagerPersistAndDrop(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, clockwork.NewFakeClockAt(now))

	s := &auth.Session{
		User:  &auth.User{ID: "ext1", Email: "ext@example.com"},
		Token: &auth.Token{AccessToken: "arl_external_token"},
		Provider:  auth.ProviderOAuth2,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		IsActive:  true,
	}
	require.NoError(t, m.PersistSession(context.Background(), s))

	valid := m.ValidateSession(context.Background(), "arl_external_token")
	assert.True(t, valid.Data)

	require.NoError(t, m.DropSession(context.Background(), "arl_external_token"))
	valid = m.ValidateSession(context.Background(), "arl_external_token")
	assert.False(t, valid.Data)
}

func TestManagerPersist_NilSessionIsIgnored(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewRealClock())
	assert.NoError(t, m.PersistSession(context.Background(), nil))
	assert.NoError(t, m.PersistSession(context.Background(), &auth.Session{}))
}

func TestManagerConfigure(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewRealClock())

	require.NoError(t, m.Configure(auth.Settings{Session: &auth.SessionSettings{
		SessionTimeout: time.Hour,
		CookieName:     "custom_session",
		HTTPOnly:       true,
	}}))

	s := m.Settings()
	assert.Equal(t, time.Hour, s.SessionTimeout)
	assert.Equal(t, "custom_session", s.CookieName)
	// refresh interval was not overridden
	assert.Equal(t, 5*time.Minute, s.RefreshInterval)
}

func TestManagerCrossInstanceSync(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	broadcaster := NewLocalBroadcaster()

	store1 := NewMemoryStore()
	store2 := NewMemoryStore()
	m1 := NewManager(store1, broadcaster, testSettings(), nil,
		WithClock(clock), WithChecker(passwordChecker()))
	m2 := NewManager(store2, broadcaster, testSettings(), nil, WithClock(clock))

	require.NoError(t, m1.Initialize(context.Background()))
	require.NoError(t, m2.Initialize(context.Background()))
	defer m1.Stop()
	defer m2.Stop()

	s := login(t, m1)
	key := auth.NewTokenGenerator().Hash(s.Token.AccessToken)

	// the sibling sees the record through its own (stale) store copy
	rec, err := store1.Get(context.Background(), key)
	require.NoError(t, err)
	stale := *rec
	stale.ExpiresAt = now.Add(10 * time.Minute)
	require.NoError(t, store2.Put(context.Background(), &stale))

	// refresh on m1 propagates the newer expiry to m2
	clock.Advance(5 * time.Minute)
	refreshed := m1.RefreshToken(context.Background(), s.Token.AccessToken)
	require.True(t, refreshed.Success)

	rec2, err := store2.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, refreshed.Data.ExpiresAt, rec2.ExpiresAt)

	// signout on m1 tears the session down on m2 as well
	out := m1.SignOut(context.Background(), s.Token.AccessToken)
	require.True(t, out.Success)
	_, err = store2.Get(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerRemoteRefreshNeverShortensExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, clockwork.NewFakeClockAt(now))

	rec := &Record{Key: "k1", UserID: "u1", ExpiresAt: now.Add(time.Hour), IsActive: true}
	require.NoError(t, store.Put(context.Background(), rec))

	m.handleEvent(Event{
		Kind:      EventRefreshed,
		Key:       "k1",
		Origin:    "sibling",
		Seq:       1,
		ExpiresAt: now.Add(10 * time.Minute),
	})

	got, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), got.ExpiresAt)
}

func TestManagerDiscardsStaleEvents(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, clockwork.NewFakeClockAt(now))

	rec := &Record{Key: "k1", UserID: "u1", ExpiresAt: now.Add(10 * time.Minute), IsActive: true}
	require.NoError(t, store.Put(context.Background(), rec))

	// a newer event from the sibling arrives first
	m.handleEvent(Event{Kind: EventSignedOut, Key: "k1", Origin: "sibling", Seq: 5})
	_, err := store.Get(context.Background(), "k1")
	require.ErrorIs(t, err, ErrNotFound)

	// a delayed older refresh from the same sibling must not resurrect state
	require.NoError(t, store.Put(context.Background(), rec))
	m.handleEvent(Event{
		Kind:      EventRefreshed,
		Key:       "k1",
		Origin:    "sibling",
		Seq:       4,
		ExpiresAt: now.Add(time.Hour),
	})
	got, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), got.ExpiresAt)
}

func TestManagerIgnoresOwnEvents(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, clockwork.NewFakeClockAt(now))

	rec := &Record{Key: "k1", UserID: "u1", ExpiresAt: now.Add(10 * time.Minute), IsActive: true}
	require.NoError(t, store.Put(context.Background(), rec))

	m.handleEvent(Event{Kind: EventSignedOut, Key: "k1", Origin: m.Origin(), Seq: 99})

	_, err := store.Get(context.Background(), "k1")
	assert.NoError(t, err)
}

func TestManagerAutoRefresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	store := NewMemoryStore()
	settings := testSettings()
	settings.EnableAutoRefresh = true
	settings.EnableCrossTabSync = false

	m := NewManager(store, nil, settings, nil,
		WithClock(clock), WithChecker(passwordChecker()))
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Stop()

	s := login(t, m)
	key := auth.NewTokenGenerator().Hash(s.Token.AccessToken)

	// each tick extends the window by a full timeout from the tick instant
	require.Eventually(t, func() bool {
		clock.Advance(5 * time.Minute)
		rec, err := store.Get(context.Background(), key)
		return err == nil && rec.ExpiresAt.After(now.Add(30*time.Minute))
	}, time.Second, 10*time.Millisecond)
}

func TestManagerAutoRefreshExpiresAbandonedSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	store := NewMemoryStore()
	m := NewManager(store, nil, testSettings(), nil, WithClock(clock))

	// a tracked record already past its expiry is removed by the sweep
	rec := &Record{Key: "k1", UserID: "u1", ExpiresAt: now.Add(-time.Minute), IsActive: true}
	require.NoError(t, store.Put(context.Background(), rec))
	m.track("k1")

	m.refreshTracked(context.Background())

	_, err := store.Get(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerStopAndReinitialize(t *testing.T) {
	settings := testSettings()
	settings.EnableAutoRefresh = true
	m := NewManager(NewMemoryStore(), NewLocalBroadcaster(), settings, nil,
		WithClock(clockwork.NewFakeClock()))

	require.NoError(t, m.Initialize(context.Background()))
	m.Stop()
	require.NoError(t, m.Initialize(context.Background()))
	m.Stop()

	// stopping twice is harmless
	m.Stop()
}
