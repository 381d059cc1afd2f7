package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/authrelay/authrelay/pkg/auth"
	"github.com/authrelay/authrelay/pkg/observability"
)

// CredentialChecker verifies a username/password pair for the session
// provider. It is injected so the manager stays agnostic of where identities
// live; deployments back it with their user store or delegate to the LDAP
// provider.
type CredentialChecker func(ctx context.Context, creds auth.Credentials) auth.Result[*auth.User]

// Manager owns the cookie-backed session lifecycle: creation, lazy expiry,
// sliding refresh, auto-refresh, and cross-instance sync over a broadcaster.
// It implements both the provider contract and the orchestrator's persister.
//
// Sessions created or persisted through this instance are tracked for
// auto-refresh; sessions owned by siblings are observed through broadcast
// events only.
type Manager struct {
	store       Store
	broadcaster Broadcaster
	checker     CredentialChecker

	mu       sync.Mutex
	settings auth.SessionSettings
	tracked  map[string]struct{}
	lastSeen map[string]uint64
	seq      uint64
	started  bool

	origin string
	clock  clockwork.Clock
	gen    *auth.TokenGenerator
	log    *observability.Logger
	mets   *observability.Metrics

	unsubscribe func()
	stop        chan struct{}
	done        chan struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock substitutes the clock. Tests use a fake clock to pin expiry
// boundaries.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithMetrics attaches session metrics.
func WithMetrics(mets *observability.Metrics) Option {
	return func(m *Manager) { m.mets = mets }
}

// WithChecker installs the credential checker used for direct
// username/password session creation.
func WithChecker(c CredentialChecker) Option {
	return func(m *Manager) { m.checker = c }
}

// NewManager creates a session manager. Call Initialize to start the
// auto-refresh loop and broadcast subscription, and Stop to tear them down.
func NewManager(store Store, broadcaster Broadcaster, settings auth.SessionSettings, log *observability.Logger, opts ...Option) *Manager {
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	if settings.SessionTimeout == 0 {
		settings = auth.DefaultSessionSettings()
	}
	m := &Manager{
		store:       store,
		broadcaster: broadcaster,
		settings:    settings,
		tracked:     make(map[string]struct{}),
		lastSeen:    make(map[string]uint64),
		origin:      uuid.NewString(),
		clock:       clockwork.NewRealClock(),
		gen:         auth.NewTokenGenerator(),
		log:         log.WithField("provider", string(auth.ProviderSession)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Origin returns this instance's broadcast identity.
func (m *Manager) Origin() string { return m.origin }

// Type returns ProviderSession.
func (m *Manager) Type() auth.ProviderType { return auth.ProviderSession }

// Initialize subscribes to the broadcaster and starts the auto-refresh
// loop. It is idempotent.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	settings := m.settings
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	if m.broadcaster != nil && settings.EnableCrossTabSync {
		m.unsubscribe = m.broadcaster.Subscribe(m.handleEvent)
	}

	if settings.EnableAutoRefresh {
		go m.autoRefreshLoop(settings.RefreshInterval)
	} else {
		close(m.done)
	}
	return nil
}

// Stop halts the auto-refresh loop and broadcast subscription. The manager
// can be re-initialized afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	stop := m.stop
	done := m.done
	m.mu.Unlock()

	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	close(stop)
	<-done
}

// Configure merges the session settings section. Non-zero fields override;
// interval changes take effect on the next Initialize.
func (m *Manager) Configure(settings auth.Settings) error {
	if settings.Session == nil {
		return nil
	}
	in := settings.Session
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.SessionTimeout != 0 {
		m.settings.SessionTimeout = in.SessionTimeout
	}
	if in.RefreshInterval != 0 {
		m.settings.RefreshInterval = in.RefreshInterval
	}
	if in.CookieName != "" {
		m.settings.CookieName = in.CookieName
	}
	if in.CookiePath != "" {
		m.settings.CookiePath = in.CookiePath
	}
	if in.StorageKey != "" {
		m.settings.StorageKey = in.StorageKey
	}
	if in.SameSite != 0 {
		m.settings.SameSite = in.SameSite
	}
	m.settings.Secure = in.Secure
	m.settings.HTTPOnly = in.HTTPOnly
	m.settings.EnableCrossTabSync = in.EnableCrossTabSync
	m.settings.EnableAutoRefresh = in.EnableAutoRefresh
	return nil
}

// Settings returns a snapshot of the current session settings.
func (m *Manager) Settings() auth.SessionSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Capabilities omits register and activate: session identities come from a
// credential checker or another provider's authentication.
func (m *Manager) Capabilities() []string {
	return []string{
		auth.CapabilityAuthenticate,
		auth.CapabilitySignOut,
		auth.CapabilityRefresh,
		auth.CapabilityValidate,
	}
}

// Authenticate either resumes an existing session by its token or creates a
// fresh one from verified credentials. A resumed session keeps its token; a
// new login always mints a new one, so a token fixed before authentication
// never names a live session.
func (m *Manager) Authenticate(ctx context.Context, creds auth.Credentials) auth.Result[*auth.Session] {
	if creds.SessionID != "" {
		return m.resume(ctx, creds.SessionID)
	}

	if creds.Password == "" || (creds.Email == "" && creds.Username == "") {
		return auth.Fail[*auth.Session](auth.ErrValidation, "SESSION_MISSING_CREDENTIALS",
			"a session token or username and password are required")
	}
	if m.checker == nil {
		return auth.Fail[*auth.Session](auth.ErrServer, "SESSION_CHECKER_MISSING",
			"no credential checker is configured")
	}

	check := m.checker(ctx, creds)
	if !check.Success {
		return auth.FailErr[*auth.Session](check.Err)
	}

	return m.create(ctx, check.Data, creds)
}

func (m *Manager) create(ctx context.Context, user *auth.User, creds auth.Credentials) auth.Result[*auth.Session] {
	token, key, err := m.gen.Generate()
	if err != nil {
		return auth.Fail[*auth.Session](auth.ErrServer, "SESSION_TOKEN_GENERATION", err.Error())
	}

	now := m.clock.Now()
	timeout := m.Settings().SessionTimeout
	rec := &Record{
		Key:          key,
		UserID:       user.ID,
		Email:        user.Email,
		Provider:     string(auth.ProviderSession),
		Roles:        user.Roles,
		Permissions:  user.Permissions,
		CreatedAt:    now,
		ExpiresAt:    now.Add(timeout),
		LastAccessed: now,
		IPAddress:    creds.IPAddress,
		UserAgent:    creds.UserAgent,
		IsActive:     true,
	}

	if err := m.store.Put(ctx, rec); err != nil {
		return auth.Fail[*auth.Session](auth.ErrServer, "SESSION_STORE_FAILED", err.Error())
	}

	m.track(key)
	m.publish(ctx, EventCreated, rec)
	if m.mets != nil {
		m.mets.SessionsActive.Inc()
	}

	m.log.WithField("user_id", user.ID).Info("session created")
	return auth.OK(m.sessionFromRecord(rec, token, user))
}

func (m *Manager) resume(ctx context.Context, token string) auth.Result[*auth.Session] {
	key := m.gen.Hash(token)
	rec, err := m.store.Get(ctx, key)
	if err == ErrNotFound {
		return auth.Fail[*auth.Session](auth.ErrCredentialsInvalid, "SESSION_NOT_FOUND",
			"no session for this token")
	}
	if err != nil {
		return auth.Fail[*auth.Session](auth.ErrServer, "SESSION_STORE_FAILED", err.Error())
	}

	now := m.clock.Now()
	if !now.Before(rec.ExpiresAt) {
		m.expire(ctx, rec)
		return auth.Fail[*auth.Session](auth.ErrTokenExpired, "SESSION_EXPIRED",
			"session has expired")
	}

	rec.LastAccessed = now
	if err := m.store.Put(ctx, rec); err != nil {
		m.log.WithError(err).Warn("failed to update last access time")
	}
	m.track(key)

	return auth.OK(m.sessionFromRecord(rec, token, nil))
}

func (m *Manager) sessionFromRecord(rec *Record, token string, user *auth.User) *auth.Session {
	if user == nil {
		user = &auth.User{
			ID:          rec.UserID,
			Email:       rec.Email,
			Roles:       rec.Roles,
			Permissions: rec.Permissions,
		}
	}
	return &auth.Session{
		User: user,
		Token: &auth.Token{
			AccessToken: token,
			ExpiresAt:   rec.ExpiresAt,
			TokenType:   "Bearer",
		},
		Provider:  auth.ProviderSession,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		IsActive:  rec.IsActive,
		Metadata:  rec.Metadata,
	}
}

// Register is unsupported: sessions wrap identities, they do not create
// them.
func (m *Manager) Register(ctx context.Context, creds auth.Credentials) auth.Result[*auth.Session] {
	return auth.Unsupported[*auth.Session]("register", auth.ProviderSession)
}

// Activate is unsupported.
func (m *Manager) Activate(ctx context.Context, token string) auth.Result[bool] {
	return auth.Unsupported[bool]("activate", auth.ProviderSession)
}

// SignOut tears the session down everywhere: store record, tracking, and a
// broadcast so sibling instances drop it too. Signing out an absent session
// succeeds.
func (m *Manager) SignOut(ctx context.Context, sessionID string) auth.Result[string] {
	key := m.gen.Hash(sessionID)

	rec, err := m.store.Get(ctx, key)
	if err != nil && err != ErrNotFound {
		return auth.Fail[string](auth.ErrServer, "SESSION_STORE_FAILED", err.Error())
	}

	if err := m.store.Delete(ctx, key); err != nil {
		return auth.Fail[string](auth.ErrServer, "SESSION_STORE_FAILED", err.Error())
	}
	m.untrack(key)

	if rec != nil {
		m.publish(ctx, EventSignedOut, rec)
		if m.mets != nil {
			m.mets.SessionsActive.Dec()
			m.mets.SessionSignoutsTotal.Inc()
		}
		m.log.WithField("user_id", rec.UserID).Info("session signed out")
	}
	return auth.OK("")
}

// RefreshToken extends a live session by a full session window from now. An
// expired or unknown session is not revived; the failure leaves no state
// behind.
func (m *Manager) RefreshToken(ctx context.Context, refreshToken string) auth.Result[*auth.Token] {
	key := m.gen.Hash(refreshToken)
	rec, err := m.store.Get(ctx, key)
	if err == ErrNotFound {
		m.observeRefresh("miss")
		return auth.Fail[*auth.Token](auth.ErrTokenExpired, "SESSION_NOT_FOUND",
			"no session for this token")
	}
	if err != nil {
		m.observeRefresh("error")
		return auth.Fail[*auth.Token](auth.ErrServer, "SESSION_STORE_FAILED", err.Error())
	}

	now := m.clock.Now()
	if !now.Before(rec.ExpiresAt) {
		m.expire(ctx, rec)
		m.observeRefresh("expired")
		return auth.Fail[*auth.Token](auth.ErrTokenExpired, "SESSION_EXPIRED",
			"session has expired and cannot be refreshed")
	}

	rec.ExpiresAt = now.Add(m.Settings().SessionTimeout)
	rec.LastAccessed = now
	if err := m.store.Put(ctx, rec); err != nil {
		m.observeRefresh("error")
		return auth.Fail[*auth.Token](auth.ErrServer, "SESSION_STORE_FAILED", err.Error())
	}

	m.publish(ctx, EventRefreshed, rec)
	m.observeRefresh("success")

	return auth.OK(&auth.Token{
		AccessToken: refreshToken,
		ExpiresAt:   rec.ExpiresAt,
		TokenType:   "Bearer",
	})
}

func (m *Manager) observeRefresh(outcome string) {
	if m.mets != nil {
		m.mets.SessionRefreshesTotal.WithLabelValues(outcome).Inc()
	}
}

// ValidateSession reports liveness and, for a live session, updates its
// last-access time. An expired session is removed on first observation;
// validating it again reports the same false without error.
func (m *Manager) ValidateSession(ctx context.Context, sessionID string) auth.Result[bool] {
	key := m.gen.Hash(sessionID)
	rec, err := m.store.Get(ctx, key)
	if err == ErrNotFound {
		return auth.OK(false)
	}
	if err != nil {
		return auth.Fail[bool](auth.ErrServer, "SESSION_STORE_FAILED", err.Error())
	}

	now := m.clock.Now()
	if !now.Before(rec.ExpiresAt) {
		m.expire(ctx, rec)
		return auth.OK(false)
	}

	rec.LastAccessed = now
	if err := m.store.Put(ctx, rec); err != nil {
		m.log.WithError(err).Warn("failed to update last access time")
	}
	return auth.OK(true)
}

// expire removes an expired record lazily, on observation.
func (m *Manager) expire(ctx context.Context, rec *Record) {
	if err := m.store.Delete(ctx, rec.Key); err != nil {
		m.log.WithError(err).Warn("failed to remove expired session")
		return
	}
	m.untrack(rec.Key)
	m.publish(ctx, EventSignedOut, rec)
	if m.mets != nil {
		m.mets.SessionsActive.Dec()
	}
}

// PersistSession records an orchestrated session from another provider so
// it participates in refresh and sync like a native one.
func (m *Manager) PersistSession(ctx context.Context, s *auth.Session) error {
	if s == nil || s.Token == nil || s.Token.AccessToken == "" {
		return nil
	}
	key := m.gen.Hash(s.Token.AccessToken)

	_, err := m.store.Get(ctx, key)
	isNew := err == ErrNotFound

	rec := &Record{
		Key:          key,
		Provider:     string(s.Provider),
		Metadata:     s.Metadata,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
		LastAccessed: m.clock.Now(),
		IsActive:     s.IsActive,
	}
	if s.User != nil {
		rec.UserID = s.User.ID
		rec.Email = s.User.Email
		rec.Roles = s.User.Roles
		rec.Permissions = s.User.Permissions
	}

	if err := m.store.Put(ctx, rec); err != nil {
		return err
	}
	m.track(key)
	m.publish(ctx, EventCreated, rec)
	if m.mets != nil && isNew {
		m.mets.SessionsActive.Inc()
	}
	return nil
}

// DropSession removes a persisted session by its token.
func (m *Manager) DropSession(ctx context.Context, sessionID string) error {
	res := m.SignOut(ctx, sessionID)
	if !res.Success {
		return res.Err
	}
	return nil
}

func (m *Manager) track(key string) {
	m.mu.Lock()
	m.tracked[key] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) untrack(key string) {
	m.mu.Lock()
	delete(m.tracked, key)
	m.mu.Unlock()
}

func (m *Manager) trackedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.tracked))
	for k := range m.tracked {
		keys = append(keys, k)
	}
	return keys
}

// autoRefreshLoop extends every tracked live session each interval. Expired
// sessions encountered here are removed, the same as lazy expiry on read.
func (m *Manager) autoRefreshLoop(interval time.Duration) {
	defer close(m.done)

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.Chan():
			m.refreshTracked(context.Background())
		}
	}
}

func (m *Manager) refreshTracked(ctx context.Context) {
	now := m.clock.Now()
	timeout := m.Settings().SessionTimeout

	for _, key := range m.trackedKeys() {
		rec, err := m.store.Get(ctx, key)
		if err == ErrNotFound {
			m.untrack(key)
			continue
		}
		if err != nil {
			m.log.WithError(err).Warn("auto-refresh read failed")
			continue
		}
		if !now.Before(rec.ExpiresAt) {
			m.expire(ctx, rec)
			continue
		}

		rec.ExpiresAt = now.Add(timeout)
		rec.LastAccessed = now
		if err := m.store.Put(ctx, rec); err != nil {
			m.observeRefresh("error")
			m.log.WithError(err).Warn("auto-refresh write failed")
			continue
		}
		m.publish(ctx, EventRefreshed, rec)
		m.observeRefresh("auto")
	}
}

// publish stamps the event with this instance's origin and next sequence
// number.
func (m *Manager) publish(ctx context.Context, kind EventKind, rec *Record) {
	if m.broadcaster == nil || !m.Settings().EnableCrossTabSync {
		return
	}
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	ev := Event{
		Kind:      kind,
		Key:       rec.Key,
		Origin:    m.origin,
		Seq:       seq,
		ExpiresAt: rec.ExpiresAt,
		At:        m.clock.Now(),
	}
	if err := m.broadcaster.Publish(ctx, ev); err != nil {
		m.log.WithError(err).Warn("failed to broadcast session event")
	}
}

// handleEvent applies a sibling's session event. Events from this instance
// are ignored, and an event older than the newest already seen from its
// origin is discarded rather than applied out of order.
func (m *Manager) handleEvent(ev Event) {
	if ev.Origin == m.origin {
		return
	}

	m.mu.Lock()
	if ev.Seq <= m.lastSeen[ev.Origin] {
		m.mu.Unlock()
		m.log.WithFields(map[string]interface{}{"origin": ev.Origin, "seq": ev.Seq}).
			Debug("discarded stale session event")
		return
	}
	m.lastSeen[ev.Origin] = ev.Seq
	m.mu.Unlock()

	ctx := context.Background()
	switch ev.Kind {
	case EventSignedOut:
		if err := m.store.Delete(ctx, ev.Key); err != nil {
			m.log.WithError(err).Warn("failed to apply remote signout")
		}
		m.untrack(ev.Key)
	case EventRefreshed:
		rec, err := m.store.Get(ctx, ev.Key)
		if err != nil {
			return
		}
		if ev.ExpiresAt.After(rec.ExpiresAt) {
			rec.ExpiresAt = ev.ExpiresAt
			if err := m.store.Put(ctx, rec); err != nil {
				m.log.WithError(err).Warn("failed to apply remote refresh")
			}
		}
	case EventCreated:
		// The record is already visible through the shared store; nothing
		// to apply locally.
	}
}
