package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider is the contract every authentication protocol implements. All
// protocol outcomes travel in the Result envelope; a returned Go error is
// reserved for configuration problems.
type Provider interface {
	// Type returns the protocol this provider implements.
	Type() ProviderType

	// Initialize performs idempotent setup such as restoring persisted
	// state. It is safe to call multiple times.
	Initialize(ctx context.Context) error

	// Configure merges the provider's section of the partial settings into
	// its current configuration. It never replaces configuration wholesale.
	Configure(settings Settings) error

	// Capabilities returns the static list of operations this provider
	// supports, for feature detection.
	Capabilities() []string

	// Authenticate runs the protocol-specific exchange and returns a
	// session, which may be a pending placeholder for redirect flows.
	Authenticate(ctx context.Context, creds Credentials) Result[*Session]

	// Register creates a new identity where the protocol supports it.
	Register(ctx context.Context, creds Credentials) Result[*Session]

	// Activate confirms a newly registered identity.
	Activate(ctx context.Context, token string) Result[bool]

	// SignOut tears down the identified session. A non-empty data string is
	// a redirect URL the caller must navigate to (SAML single logout).
	SignOut(ctx context.Context, sessionID string) Result[string]

	// RefreshToken extends or re-issues token material.
	RefreshToken(ctx context.Context, refreshToken string) Result[*Token]

	// ValidateSession reports whether the identified session is live.
	ValidateSession(ctx context.Context, sessionID string) Result[bool]
}

// Registry resolves providers by type. Registration happens at composition
// time; resolution is read-mostly.
type Registry struct {
	mu        sync.RWMutex
	providers map[ProviderType]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[ProviderType]Provider)}
}

// Register adds a provider. A second registration for the same type
// replaces the first.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Type()] = p
}

// Resolve returns the provider for the given type.
func (r *Registry) Resolve(pt ProviderType) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[pt]
	if !ok {
		return nil, fmt.Errorf("no provider registered for type %q", pt)
	}
	return p, nil
}

// Types returns the registered provider types in stable order.
func (r *Registry) Types() []ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]ProviderType, 0, len(r.providers))
	for pt := range r.providers {
		types = append(types, pt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// InitializeAll initializes every registered provider. Initialization is
// idempotent, so repeated calls are harmless.
func (r *Registry) InitializeAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for pt, p := range r.providers {
		if err := p.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s provider: %w", pt, err)
		}
	}
	return nil
}

// ConfigureAll pushes a partial settings record to every registered
// provider; each merges only its own section.
func (r *Registry) ConfigureAll(settings Settings) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for pt, p := range r.providers {
		if err := p.Configure(settings); err != nil {
			return fmt.Errorf("configure %s provider: %w", pt, err)
		}
	}
	return nil
}
