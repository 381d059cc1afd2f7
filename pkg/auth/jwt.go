package auth

import (
	"context"
	"sync"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/authrelay/authrelay/pkg/observability"
)

// JWTProvider is a stateless bearer-credential verifier. It decodes the
// claims segment of a presented token without verifying its signature,
// since signature verification belongs to the issuing system, and mints
// a one-hour session around the subject. It keeps no identity store, so
// Register and Activate are unsupported.
type JWTProvider struct {
	mu       sync.Mutex
	settings JWTSettings
	gen      *TokenGenerator
	clock    clockwork.Clock
	log      *observability.Logger

	// minted session expiries, keyed by access-token hash
	sessions map[string]time.Time
	// refresh-token hash -> subject of the session it can renew
	refreshIndex map[string]*User
}

// NewJWTProvider creates a JWT provider with a one-hour session TTL.
func NewJWTProvider(log *observability.Logger) *JWTProvider {
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &JWTProvider{
		settings:     JWTSettings{SessionTTL: time.Hour},
		gen:          NewTokenGenerator(),
		clock:        clockwork.NewRealClock(),
		log:          log.WithField("provider", string(ProviderJWT)),
		sessions:     make(map[string]time.Time),
		refreshIndex: make(map[string]*User),
	}
}

// Type returns ProviderJWT.
func (p *JWTProvider) Type() ProviderType { return ProviderJWT }

// Initialize is a no-op; the provider holds no restorable state.
func (p *JWTProvider) Initialize(ctx context.Context) error { return nil }

// Configure merges the JWT section of the settings.
func (p *JWTProvider) Configure(settings Settings) error {
	if settings.JWT == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if settings.JWT.SessionTTL > 0 {
		p.settings.SessionTTL = settings.JWT.SessionTTL
	}
	return nil
}

// Capabilities omits register and activate: JWT verifies bearer
// credentials, it does not manage identity lifecycle.
func (p *JWTProvider) Capabilities() []string {
	return []string{CapabilityAuthenticate, CapabilitySignOut, CapabilityRefresh, CapabilityValidate}
}

// Authenticate accepts either a bearer token or an email+password pair and
// mints a session. With a token, the subject is read from the decoded
// claims; with email+password, issuance is delegated to the (external,
// simulated here) credential backend and an opaque token is minted.
func (p *JWTProvider) Authenticate(ctx context.Context, creds Credentials) Result[*Session] {
	switch {
	case creds.Token != "":
		return p.authenticateToken(creds.Token)
	case creds.Email != "" && creds.Password != "":
		return p.mintSession(&User{
			ID:          creds.Email,
			Email:       creds.Email,
			Username:    creds.Email,
			Roles:       []string{"user"},
			Permissions: PermissionsForGroups(nil),
		}, nil)
	default:
		return Fail[*Session](ErrValidation, "JWT_MISSING_CREDENTIALS",
			"either a token or an email and password is required")
	}
}

func (p *JWTProvider) authenticateToken(token string) Result[*Session] {
	claims := jwtv5.MapClaims{}
	if _, _, err := jwtv5.NewParser().ParseUnverified(token, claims); err != nil {
		return Fail[*Session](ErrTokenInvalid, "JWT_MALFORMED", "token is not a decodable JWT")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Fail[*Session](ErrTokenInvalid, "JWT_MISSING_SUBJECT", "token carries no subject claim")
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		if !p.clock.Now().Before(exp.Time) {
			return Fail[*Session](ErrTokenExpired, "JWT_EXPIRED", "token expiry has passed")
		}
	}

	email, _ := claims["email"].(string)
	if email == "" {
		email = sub
	}

	var groups []string
	if raw, ok := claims["groups"].([]interface{}); ok {
		for _, g := range raw {
			if s, ok := g.(string); ok {
				groups = append(groups, s)
			}
		}
	}

	user := &User{
		ID:          sub,
		Email:       email,
		Username:    email,
		Roles:       []string{"user"},
		Permissions: PermissionsForGroups(groups),
	}
	return p.mintSession(user, map[string]string{"subject": sub})
}

func (p *JWTProvider) mintSession(user *User, metadata map[string]string) Result[*Session] {
	access, accessHash, err := p.gen.Generate()
	if err != nil {
		return Fail[*Session](ErrServer, "JWT_TOKEN_GENERATION", err.Error())
	}
	refresh, refreshHash, err := p.gen.Generate()
	if err != nil {
		return Fail[*Session](ErrServer, "JWT_TOKEN_GENERATION", err.Error())
	}

	now := p.clock.Now()

	p.mu.Lock()
	ttl := p.settings.SessionTTL
	p.sessions[accessHash] = now.Add(ttl)
	p.refreshIndex[refreshHash] = user
	p.mu.Unlock()

	p.log.WithField("user", user.ID).Debug("minted jwt session")

	return OK(&Session{
		User: user,
		Token: &Token{
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresAt:    now.Add(ttl),
			TokenType:    "Bearer",
		},
		Provider:  ProviderJWT,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		IsActive:  true,
		Metadata:  metadata,
	})
}

// Register is unsupported: JWT is a bearer-credential verifier, not an
// identity-lifecycle manager.
func (p *JWTProvider) Register(ctx context.Context, creds Credentials) Result[*Session] {
	return Unsupported[*Session]("register", ProviderJWT)
}

// Activate is unsupported.
func (p *JWTProvider) Activate(ctx context.Context, token string) Result[bool] {
	return Unsupported[bool]("activate", ProviderJWT)
}

// SignOut forgets the minted session identified by its access token.
func (p *JWTProvider) SignOut(ctx context.Context, sessionID string) Result[string] {
	p.mu.Lock()
	delete(p.sessions, p.gen.Hash(sessionID))
	p.mu.Unlock()
	return OK("")
}

// RefreshToken re-issues a session for the subject bound to the presented
// refresh token. The refresh token is single-use.
func (p *JWTProvider) RefreshToken(ctx context.Context, refreshToken string) Result[*Token] {
	if err := p.gen.ValidateFormat(refreshToken); err != nil {
		return Fail[*Token](ErrTokenInvalid, "JWT_REFRESH_MALFORMED", err.Error())
	}

	hash := p.gen.Hash(refreshToken)
	p.mu.Lock()
	user, ok := p.refreshIndex[hash]
	if ok {
		delete(p.refreshIndex, hash)
	}
	p.mu.Unlock()

	if !ok {
		return Fail[*Token](ErrCredentialsInvalid, "JWT_REFRESH_UNKNOWN", "refresh token is not recognized")
	}

	res := p.mintSession(user, nil)
	if !res.Success {
		return FailErr[*Token](res.Err)
	}
	return OK(res.Data.Token)
}

// ValidateSession reports whether a minted session's access token is still
// inside its expiry window. Expired entries are cleared lazily.
func (p *JWTProvider) ValidateSession(ctx context.Context, sessionID string) Result[bool] {
	hash := p.gen.Hash(sessionID)

	p.mu.Lock()
	defer p.mu.Unlock()
	expiry, ok := p.sessions[hash]
	if !ok {
		return OK(false)
	}
	if !p.clock.Now().Before(expiry) {
		delete(p.sessions, hash)
		return OK(false)
	}
	return OK(true)
}
