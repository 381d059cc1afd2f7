package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/authrelay/authrelay/pkg/observability"
)

const (
	// pendingRequestTTL bounds how long an initiated flow waits for its
	// callback before the entry ages out.
	pendingRequestTTL = 10 * time.Minute
	// pendingRequestCap bounds the number of in-flight requests; the least
	// recently used entry is evicted beyond this.
	pendingRequestCap = 1024
)

// OAuth2Provider implements the PKCE-secured authorization-code flow
// against preconfigured identity providers. Initiation never blocks on a
// redirect: it returns a pending session whose metadata carries the
// authorization URL, and the caller re-invokes Authenticate with the
// authorization code once the redirect lands.
type OAuth2Provider struct {
	mu        sync.RWMutex
	providers map[string]OAuthProviderConfig
	sessions  map[string]time.Time

	pending *lru.LRU[string, *PendingRequest]
	flight  singleflight.Group

	httpClient *http.Client
	clock      clockwork.Clock
	gen        *TokenGenerator
	log        *observability.Logger

	oidcMu        sync.Mutex
	oidcProviders map[string]*oidc.Provider
}

// NewOAuth2Provider creates an OAuth2 provider seeded with the google,
// github and microsoft presets.
func NewOAuth2Provider(log *observability.Logger) *OAuth2Provider {
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &OAuth2Provider{
		providers:     PresetOAuthProviders(),
		sessions:      make(map[string]time.Time),
		pending:       lru.NewLRU[string, *PendingRequest](pendingRequestCap, nil, pendingRequestTTL),
		httpClient:    http.DefaultClient,
		clock:         clockwork.NewRealClock(),
		gen:           NewTokenGenerator(),
		log:           log.WithField("provider", string(ProviderOAuth2)),
		oidcProviders: make(map[string]*oidc.Provider),
	}
}

// SetHTTPClient replaces the transport used for token, userinfo and
// discovery requests.
func (p *OAuth2Provider) SetHTTPClient(client *http.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.httpClient = client
}

// Type returns ProviderOAuth2.
func (p *OAuth2Provider) Type() ProviderType { return ProviderOAuth2 }

// Initialize is idempotent; the preset tables are loaded at construction.
func (p *OAuth2Provider) Initialize(ctx context.Context) error { return nil }

// Configure merges the OAuth section entry-wise: named entries are merged
// field by field onto the existing (or preset) configuration, so a partial
// record such as client credentials never wipes endpoint tables.
func (p *OAuth2Provider) Configure(settings Settings) error {
	if settings.OAuth == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, incoming := range settings.OAuth {
		base := p.providers[name]
		p.providers[name] = mergeOAuthConfig(base, incoming)
	}
	return nil
}

func mergeOAuthConfig(base, in OAuthProviderConfig) OAuthProviderConfig {
	if in.ClientID != "" {
		base.ClientID = in.ClientID
	}
	if in.ClientSecret != "" {
		base.ClientSecret = in.ClientSecret
	}
	if in.RedirectURI != "" {
		base.RedirectURI = in.RedirectURI
	}
	if len(in.Scopes) > 0 {
		base.Scopes = in.Scopes
	}
	if in.AuthorizationEndpoint != "" {
		base.AuthorizationEndpoint = in.AuthorizationEndpoint
	}
	if in.TokenEndpoint != "" {
		base.TokenEndpoint = in.TokenEndpoint
	}
	if in.UserInfoEndpoint != "" {
		base.UserInfoEndpoint = in.UserInfoEndpoint
	}
	if in.IssuerURL != "" {
		base.IssuerURL = in.IssuerURL
	}
	if len(in.GroupMapping) > 0 {
		base.GroupMapping = in.GroupMapping
	}
	base.PKCE = base.PKCE || in.PKCE
	return base
}

// Capabilities omits register, activate and refresh. Refresh-token
// persistence across calls is a known gap in this flow; the operation is
// reserved but unsupported.
func (p *OAuth2Provider) Capabilities() []string {
	return []string{CapabilityAuthenticate, CapabilitySignOut, CapabilityValidate}
}

// Authenticate dispatches on the credential shape: an authorization code
// resumes a pending flow, a bearer token runs the direct access-token flow,
// and anything else initiates a new authorization redirect.
func (p *OAuth2Provider) Authenticate(ctx context.Context, creds Credentials) Result[*Session] {
	if creds.Provider == "" {
		return Fail[*Session](ErrValidation, "OAUTH_MISSING_PROVIDER", "no OAuth provider selected")
	}

	p.mu.RLock()
	cfg, ok := p.providers[creds.Provider]
	client := p.httpClient
	p.mu.RUnlock()
	if !ok {
		return Fail[*Session](ErrValidation, "OAUTH_UNSUPPORTED_PROVIDER",
			fmt.Sprintf("OAuth provider %q is not configured", creds.Provider))
	}

	switch {
	case creds.AuthorizationCode != "":
		// Coalesce overlapping callback deliveries of the same code.
		key := creds.Provider + ":" + creds.AuthorizationCode
		v, _, _ := p.flight.Do(key, func() (interface{}, error) {
			return p.exchangeCode(ctx, creds, cfg, client), nil
		})
		return v.(Result[*Session])
	case creds.Token != "":
		return p.accessTokenFlow(ctx, creds, cfg, client)
	default:
		return p.initiate(ctx, creds.Provider, cfg, client)
	}
}

// initiate builds the authorization URL, generating CSRF state and, when
// the provider has PKCE enabled, a verifier/challenge pair bound to exactly
// one pending request.
func (p *OAuth2Provider) initiate(ctx context.Context, name string, cfg OAuthProviderConfig, client *http.Client) Result[*Session] {
	ocfg, err := p.oauthConfig(ctx, cfg, client)
	if err != nil {
		return Fail[*Session](ErrServer, "OAUTH_DISCOVERY_FAILED", err.Error())
	}

	state := uuid.NewString()
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}

	req := &PendingRequest{
		ID:          uuid.NewString(),
		Provider:    name,
		State:       state,
		Destination: ocfg.Endpoint.AuthURL,
		IssuedAt:    p.clock.Now(),
	}
	if cfg.PKCE {
		req.CodeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(req.CodeVerifier))
	}
	p.pending.Add(state, req)

	authURL := ocfg.AuthCodeURL(state, opts...)
	now := p.clock.Now()

	p.log.WithFields(map[string]interface{}{"oauth_provider": name, "state": state}).
		Debug("initiated authorization flow")

	return OK(&Session{
		Provider:  ProviderOAuth2,
		CreatedAt: now,
		ExpiresAt: now.Add(pendingRequestTTL),
		IsActive:  false,
		Metadata: map[string]string{
			"authorization_url": authURL,
			"state":             state,
			"provider":          name,
			"pkce":              strconv.FormatBool(cfg.PKCE),
		},
	})
}

// exchangeCode runs the callback leg: code exchange at the token endpoint,
// then the userinfo round trip, then a real session.
func (p *OAuth2Provider) exchangeCode(ctx context.Context, creds Credentials, cfg OAuthProviderConfig, client *http.Client) Result[*Session] {
	ocfg, err := p.oauthConfig(ctx, cfg, client)
	if err != nil {
		return Fail[*Session](ErrServer, "OAUTH_DISCOVERY_FAILED", err.Error())
	}

	verifier := creds.CodeVerifier
	if creds.State != "" {
		if req, ok := p.pending.Get(creds.State); ok {
			if verifier == "" {
				verifier = req.CodeVerifier
			}
			p.pending.Remove(creds.State) // consumed exactly once
		}
	}

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	exctx := context.WithValue(ctx, oauth2.HTTPClient, client)
	token, err := ocfg.Exchange(exctx, creds.AuthorizationCode, opts...)
	if err != nil {
		return Fail[*Session](ErrServer, "OAUTH_EXCHANGE_FAILED",
			fmt.Sprintf("token exchange failed: %v", err))
	}

	var claims map[string]interface{}
	if cfg.IssuerURL != "" {
		claims, err = p.verifiedIDTokenClaims(ctx, cfg, client, token)
	} else {
		claims, err = p.fetchUserInfo(ctx, cfg, client, token.AccessToken)
	}
	if err != nil {
		return Fail[*Session](ErrServer, "OAUTH_USERINFO_FAILED", err.Error())
	}

	return p.buildSession(creds.Provider, cfg, token, claims)
}

// accessTokenFlow skips the code exchange and goes straight to userinfo.
// Intended for testing against a known-good access token.
func (p *OAuth2Provider) accessTokenFlow(ctx context.Context, creds Credentials, cfg OAuthProviderConfig, client *http.Client) Result[*Session] {
	claims, err := p.fetchUserInfo(ctx, cfg, client, creds.Token)
	if err != nil {
		return Fail[*Session](ErrServer, "OAUTH_USERINFO_FAILED", err.Error())
	}

	now := p.clock.Now()
	return p.buildSession(creds.Provider, cfg, &oauth2.Token{
		AccessToken: creds.Token,
		TokenType:   "Bearer",
		Expiry:      now.Add(time.Hour),
	}, claims)
}

// oauthConfig assembles the x/oauth2 configuration, using OIDC discovery
// when the named provider carries an issuer URL.
func (p *OAuth2Provider) oauthConfig(ctx context.Context, cfg OAuthProviderConfig, client *http.Client) (*oauth2.Config, error) {
	endpoint := oauth2.Endpoint{
		AuthURL:  cfg.AuthorizationEndpoint,
		TokenURL: cfg.TokenEndpoint,
	}

	// Explicit endpoints win over discovery so tests and air-gapped
	// deployments never need the issuer reachable.
	if cfg.IssuerURL != "" && (cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "") {
		provider, err := p.discover(ctx, cfg.IssuerURL, client)
		if err != nil {
			return nil, fmt.Errorf("OIDC discovery for %s: %w", cfg.IssuerURL, err)
		}
		endpoint = provider.Endpoint()
	}

	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		Endpoint:     endpoint,
	}, nil
}

func (p *OAuth2Provider) discover(ctx context.Context, issuer string, client *http.Client) (*oidc.Provider, error) {
	p.oidcMu.Lock()
	defer p.oidcMu.Unlock()
	if provider, ok := p.oidcProviders[issuer]; ok {
		return provider, nil
	}
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), issuer)
	if err != nil {
		return nil, err
	}
	p.oidcProviders[issuer] = provider
	return provider, nil
}

// verifiedIDTokenClaims verifies the id_token from the exchange against the
// issuer's keys and returns its claims.
func (p *OAuth2Provider) verifiedIDTokenClaims(ctx context.Context, cfg OAuthProviderConfig, client *http.Client, token *oauth2.Token) (map[string]interface{}, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		// Not an OIDC response; fall back to userinfo.
		return p.fetchUserInfo(ctx, cfg, client, token.AccessToken)
	}

	provider, err := p.discover(ctx, cfg.IssuerURL, client)
	if err != nil {
		return nil, err
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	idToken, err := verifier.Verify(oidc.ClientContext(ctx, client), rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("ID token verification failed: %w", err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}
	return claims, nil
}

func (p *OAuth2Provider) fetchUserInfo(ctx context.Context, cfg OAuthProviderConfig, client *http.Client, accessToken string) (map[string]interface{}, error) {
	if cfg.UserInfoEndpoint == "" {
		return nil, fmt.Errorf("no userinfo endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserInfoEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("userinfo request returned %d: %s", resp.StatusCode, string(body))
	}

	var claims map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	return claims, nil
}

func (p *OAuth2Provider) buildSession(name string, cfg OAuthProviderConfig, token *oauth2.Token, claims map[string]interface{}) Result[*Session] {
	id := claimString(claims, "sub")
	if id == "" {
		id = claimString(claims, "id")
	}
	email := claimString(claims, "email")
	username := claimString(claims, "preferred_username")
	if username == "" {
		username = claimString(claims, "login")
	}
	if username == "" {
		username = email
	}

	if id == "" {
		return Fail[*Session](ErrServer, "OAUTH_MISSING_SUBJECT", "identity provider returned no user id")
	}

	groups := claimStrings(claims, "groups")
	user := &User{
		ID:          id,
		Email:       email,
		Username:    username,
		Roles:       RolesForGroups(groups, cfg.GroupMapping),
		Permissions: PermissionsForGroups(groups),
		Profile: map[string]string{
			"name":    claimString(claims, "name"),
			"picture": claimString(claims, "picture"),
		},
	}

	now := p.clock.Now()
	expiry := token.Expiry
	if expiry.IsZero() {
		expiry = now.Add(time.Hour)
	}

	p.mu.Lock()
	p.sessions[p.gen.Hash(token.AccessToken)] = expiry
	p.mu.Unlock()

	p.log.WithFields(map[string]interface{}{"oauth_provider": name, "user": user.ID}).
		Info("authenticated via oauth2")

	return OK(&Session{
		User: user,
		Token: &Token{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiresAt:    expiry,
			TokenType:    token.TokenType,
			Scope:        cfg.Scopes,
		},
		Provider:  ProviderOAuth2,
		CreatedAt: now,
		ExpiresAt: expiry,
		IsActive:  true,
		Metadata:  map[string]string{"provider": name},
	})
}

// Register is unsupported; identity creation belongs to the IdP.
func (p *OAuth2Provider) Register(ctx context.Context, creds Credentials) Result[*Session] {
	return Unsupported[*Session]("register", ProviderOAuth2)
}

// Activate is unsupported.
func (p *OAuth2Provider) Activate(ctx context.Context, token string) Result[bool] {
	return Unsupported[bool]("activate", ProviderOAuth2)
}

// SignOut forgets the tracked session.
func (p *OAuth2Provider) SignOut(ctx context.Context, sessionID string) Result[string] {
	p.mu.Lock()
	delete(p.sessions, p.gen.Hash(sessionID))
	p.mu.Unlock()
	return OK("")
}

// RefreshToken is reserved but unsupported: refresh-token persistence
// across calls is not defined for this flow.
func (p *OAuth2Provider) RefreshToken(ctx context.Context, refreshToken string) Result[*Token] {
	return Fail[*Token](ErrUnknown, "OAUTH_REFRESH_UNSUPPORTED",
		"refresh is not supported by the oauth2 provider")
}

// ValidateSession reports whether a tracked access token is still live.
func (p *OAuth2Provider) ValidateSession(ctx context.Context, sessionID string) Result[bool] {
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

// PendingRequests returns the number of flows awaiting a callback.
func (p *OAuth2Provider) PendingRequests() int {
	return p.pending.Len()
}

func claimString(claims map[string]interface{}, key string) string {
	if v, ok := claims[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		}
	}
	return ""
}

func claimStrings(claims map[string]interface{}, key string) []string {
	v, ok := claims[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
