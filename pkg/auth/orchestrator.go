package auth

import (
	"context"
	"sync"
	"time"

	"github.com/authrelay/authrelay/pkg/observability"
)

// SessionPersister stores orchestrated sessions so they survive process
// restarts and are visible to sibling instances. The session manager
// implements it; tests substitute an in-memory recorder.
type SessionPersister interface {
	PersistSession(ctx context.Context, s *Session) error
	DropSession(ctx context.Context, sessionID string) error
}

// Orchestrator routes authentication calls to the provider matching the
// credential type and tracks the single current session. At most one session
// is current at a time; a new login supersedes the previous one.
type Orchestrator struct {
	registry  *Registry
	persister SessionPersister

	mu      sync.RWMutex
	current *Session

	log     *observability.Logger
	metrics *observability.Metrics
}

// pendingCounter is implemented by providers that track in-flight redirect
// flows awaiting a callback.
type pendingCounter interface {
	PendingRequests() int
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithPersister attaches a session persister.
func WithPersister(p SessionPersister) OrchestratorOption {
	return func(o *Orchestrator) { o.persister = p }
}

// WithMetrics attaches auth metrics.
func WithMetrics(m *observability.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates an orchestrator over the given registry.
func NewOrchestrator(registry *Registry, log *observability.Logger, opts ...OrchestratorOption) *Orchestrator {
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	o := &Orchestrator{
		registry: registry,
		log:      log.WithField("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Login resolves the provider named by the credential type and delegates.
// Active sessions are recorded as current and persisted; pending sessions
// (redirect flows awaiting a callback) pass through untouched.
func (o *Orchestrator) Login(ctx context.Context, creds Credentials) Result[*Session] {
	pt := creds.Type
	if pt == "" {
		return Fail[*Session](ErrValidation, "MISSING_PROVIDER_TYPE",
			"credential type must name a provider")
	}

	provider, err := o.registry.Resolve(pt)
	if err != nil {
		return Fail[*Session](ErrValidation, "UNSUPPORTED_PROVIDER_TYPE", err.Error())
	}

	start := time.Now()
	res := provider.Authenticate(ctx, creds)

	if o.metrics != nil {
		outcome := "success"
		if !res.Success {
			outcome = "failure"
			o.metrics.AuthErrorsTotal.WithLabelValues(string(pt), string(res.Err.Type)).Inc()
		}
		o.metrics.ObserveAuth(string(pt), outcome, start)
		if pc, ok := provider.(pendingCounter); ok {
			o.metrics.PendingRequestsActive.WithLabelValues(string(pt)).Set(float64(pc.PendingRequests()))
		}
	}

	if !res.Success {
		o.log.WithFields(map[string]interface{}{
			"provider_type": string(pt),
			"error_code":    res.Err.Code,
		}).Warn("authentication failed")
		return res
	}

	if res.Data != nil && res.Data.IsActive {
		o.setCurrent(ctx, res.Data)
	}
	return res
}

func (o *Orchestrator) setCurrent(ctx context.Context, s *Session) {
	o.mu.Lock()
	previous := o.current
	o.current = s
	o.mu.Unlock()

	if o.persister == nil {
		return
	}
	if previous != nil && previous.Token != nil && previous.Token.AccessToken != s.sessionKey() {
		if err := o.persister.DropSession(ctx, previous.Token.AccessToken); err != nil {
			o.log.WithError(err).Warn("failed to drop superseded session")
		}
	}
	if err := o.persister.PersistSession(ctx, s); err != nil {
		o.log.WithError(err).Error("failed to persist session")
	}
}

func (s *Session) sessionKey() string {
	if s.Token != nil {
		return s.Token.AccessToken
	}
	return ""
}

// Logout signs the current session out of its provider, clears it, and
// removes it from the persister. A non-empty data string is an IdP logout
// redirect the caller must follow.
func (o *Orchestrator) Logout(ctx context.Context) Result[string] {
	o.mu.Lock()
	s := o.current
	o.current = nil
	o.mu.Unlock()

	if s == nil {
		return OK("")
	}

	key := s.sessionKey()
	if o.persister != nil && key != "" {
		if err := o.persister.DropSession(ctx, key); err != nil {
			o.log.WithError(err).Warn("failed to drop session on logout")
		}
	}

	provider, err := o.registry.Resolve(s.Provider)
	if err != nil {
		return OK("")
	}

	res := provider.SignOut(ctx, key)
	if o.metrics != nil && res.Success {
		o.metrics.SessionSignoutsTotal.Inc()
	}
	return res
}

// Validate asks the current session's own provider whether it is still live.
// A session its provider rejects is cleared.
func (o *Orchestrator) Validate(ctx context.Context) Result[bool] {
	o.mu.RLock()
	s := o.current
	o.mu.RUnlock()

	if s == nil {
		return OK(false)
	}

	provider, err := o.registry.Resolve(s.Provider)
	if err != nil {
		return Fail[bool](ErrServer, "PROVIDER_UNAVAILABLE", err.Error())
	}

	res := provider.ValidateSession(ctx, s.sessionKey())
	if res.Success && !res.Data {
		o.mu.Lock()
		if o.current == s {
			o.current = nil
		}
		o.mu.Unlock()
	}
	return res
}

// Refresh delegates token refresh to the current session's provider and
// swaps the refreshed token into the current session.
func (o *Orchestrator) Refresh(ctx context.Context) Result[*Token] {
	o.mu.RLock()
	s := o.current
	o.mu.RUnlock()

	if s == nil || s.Token == nil {
		return Fail[*Token](ErrValidation, "NO_CURRENT_SESSION", "no session to refresh")
	}

	provider, err := o.registry.Resolve(s.Provider)
	if err != nil {
		return Fail[*Token](ErrServer, "PROVIDER_UNAVAILABLE", err.Error())
	}

	res := provider.RefreshToken(ctx, s.Token.RefreshToken)
	if !res.Success {
		return res
	}

	o.mu.Lock()
	if o.current == s {
		refreshed := *s
		refreshed.Token = res.Data
		refreshed.ExpiresAt = res.Data.ExpiresAt
		o.current = &refreshed
		s = &refreshed
	}
	o.mu.Unlock()

	if o.persister != nil {
		if err := o.persister.PersistSession(ctx, s); err != nil {
			o.log.WithError(err).Warn("failed to persist refreshed session")
		}
	}
	return res
}

// Current returns the current session, or nil.
func (o *Orchestrator) Current() *Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// CapabilitiesByType reports every registered provider's capability list.
func (o *Orchestrator) CapabilitiesByType() map[ProviderType][]string {
	out := make(map[ProviderType][]string)
	for _, pt := range o.registry.Types() {
		if p, err := o.registry.Resolve(pt); err == nil {
			out[pt] = p.Capabilities()
		}
	}
	return out
}
