package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"github.com/authrelay/authrelay/pkg/observability"
)

// Assertion is the simplified view of a SAML assertion this layer reasons
// about. Signature and certificate verification is delegated to an
// AssertionVerifier; this type carries only the control-flow fields.
type Assertion struct {
	ID         string
	Issuer     string
	Subject    string
	Attributes map[string][]string
	Conditions *AssertionConditions
}

// AssertionConditions is the validity window of an assertion. The lower
// bound is inclusive and the upper bound exclusive.
type AssertionConditions struct {
	NotBefore    time.Time
	NotOnOrAfter time.Time
}

// AssertionVerifier validates the cryptographic envelope of a raw SAML
// response. Implementations delegate to a vetted XML-signature library.
type AssertionVerifier interface {
	Verify(responseXML []byte) error
}

// SAMLProvider implements the SAML 2.0 Web SSO request/response flow in the
// service-provider role. Like the OAuth provider, initiation returns a
// pending session carrying the redirect URL; the response leg validates the
// assertion window before any attribute is trusted.
type SAMLProvider struct {
	mu              sync.RWMutex
	providers       map[string]SAMLProviderConfig
	currentProvider string
	sessions        map[string]time.Time

	pending   *lru.LRU[string, *PendingRequest]
	verifiers map[string]AssertionVerifier

	clock clockwork.Clock
	gen   *TokenGenerator
	log   *observability.Logger
}

// NewSAMLProvider creates a SAML provider seeded with the okta, azure_ad,
// adfs and ping presets.
func NewSAMLProvider(log *observability.Logger) *SAMLProvider {
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &SAMLProvider{
		providers: PresetSAMLProviders(),
		sessions:  make(map[string]time.Time),
		pending:   lru.NewLRU[string, *PendingRequest](pendingRequestCap, nil, pendingRequestTTL),
		verifiers: make(map[string]AssertionVerifier),
		clock:     clockwork.NewRealClock(),
		gen:       NewTokenGenerator(),
		log:       log.WithField("provider", string(ProviderSAML)),
	}
}

// SetVerifier installs the signature verifier for one named IdP, used when
// that provider config has SigningEnabled. Each IdP pins its own
// certificate, so verifiers are held per name.
func (p *SAMLProvider) SetVerifier(name string, v AssertionVerifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifiers[name] = v
}

// Type returns ProviderSAML.
func (p *SAMLProvider) Type() ProviderType { return ProviderSAML }

// Initialize is idempotent; preset tables are loaded at construction.
func (p *SAMLProvider) Initialize(ctx context.Context) error { return nil }

// Configure merges the SAML section entry-wise onto existing entries.
func (p *SAMLProvider) Configure(settings Settings) error {
	if settings.SAML == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, incoming := range settings.SAML {
		base := p.providers[name]
		p.providers[name] = mergeSAMLConfig(base, incoming)
	}
	return nil
}

func mergeSAMLConfig(base, in SAMLProviderConfig) SAMLProviderConfig {
	if in.EntityID != "" {
		base.EntityID = in.EntityID
	}
	if in.SSOURL != "" {
		base.SSOURL = in.SSOURL
	}
	if in.SLOURL != "" {
		base.SLOURL = in.SLOURL
	}
	if in.Certificate != "" {
		base.Certificate = in.Certificate
	}
	if in.NameIDFormat != "" {
		base.NameIDFormat = in.NameIDFormat
	}
	if len(in.AttributeMapping) > 0 {
		if base.AttributeMapping == nil {
			base.AttributeMapping = make(map[string]string, len(in.AttributeMapping))
		}
		for k, v := range in.AttributeMapping {
			base.AttributeMapping[k] = v
		}
	}
	if len(in.GroupMapping) > 0 {
		base.GroupMapping = in.GroupMapping
	}
	if in.AllowedClockSkew != 0 {
		base.AllowedClockSkew = in.AllowedClockSkew
	}
	base.SigningEnabled = base.SigningEnabled || in.SigningEnabled
	base.EncryptionEnabled = base.EncryptionEnabled || in.EncryptionEnabled
	return base
}

// Capabilities omits register and activate: SAML consumes assertions, it
// does not create identities.
func (p *SAMLProvider) Capabilities() []string {
	return []string{CapabilityAuthenticate, CapabilitySignOut, CapabilityValidate}
}

// Authenticate initiates the SSO redirect when no response is present, and
// consumes the IdP response otherwise.
func (p *SAMLProvider) Authenticate(ctx context.Context, creds Credentials) Result[*Session] {
	if creds.SAMLResponse != "" {
		return p.consumeResponse(creds)
	}
	return p.initiate(creds)
}

type authnRequest struct {
	XMLName         xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol AuthnRequest"`
	ID              string   `xml:"ID,attr"`
	Version         string   `xml:"Version,attr"`
	IssueInstant    string   `xml:"IssueInstant,attr"`
	Destination     string   `xml:"Destination,attr"`
	ProtocolBinding string   `xml:"ProtocolBinding,attr"`
	Issuer          string   `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer"`
	NameIDPolicy    *struct {
		Format string `xml:"Format,attr"`
	} `xml:"NameIDPolicy,omitempty"`
}

func (p *SAMLProvider) initiate(creds Credentials) Result[*Session] {
	if creds.Provider == "" {
		return Fail[*Session](ErrValidation, "SAML_MISSING_PROVIDER", "no SAML provider selected")
	}

	p.mu.Lock()
	cfg, ok := p.providers[creds.Provider]
	if ok {
		p.currentProvider = creds.Provider
	}
	p.mu.Unlock()
	if !ok {
		return Fail[*Session](ErrValidation, "SAML_UNSUPPORTED_PROVIDER",
			fmt.Sprintf("SAML provider %q is not configured", creds.Provider))
	}
	if cfg.SSOURL == "" || cfg.EntityID == "" {
		return Fail[*Session](ErrValidation, "SAML_UNCONFIGURED",
			fmt.Sprintf("SAML provider %q is missing sso_url or entity_id", creds.Provider))
	}

	requestID := "_" + randomHex(20)
	now := p.clock.Now()

	req := authnRequest{
		ID:              requestID,
		Version:         "2.0",
		IssueInstant:    now.UTC().Format(time.RFC3339),
		Destination:     cfg.SSOURL,
		ProtocolBinding: "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST",
		Issuer:          cfg.EntityID,
	}
	if cfg.NameIDFormat != "" {
		req.NameIDPolicy = &struct {
			Format string `xml:"Format,attr"`
		}{Format: cfg.NameIDFormat}
	}

	raw, err := xml.Marshal(req)
	if err != nil {
		return Fail[*Session](ErrServer, "SAML_REQUEST_BUILD_FAILED", err.Error())
	}

	p.pending.Add(requestID, &PendingRequest{
		ID:          requestID,
		Provider:    creds.Provider,
		Issuer:      cfg.EntityID,
		Destination: cfg.SSOURL,
		IssuedAt:    now,
	})

	relayState := creds.RelayState
	if relayState == "" {
		relayState = randomHex(16)
	}

	redirect, err := url.Parse(cfg.SSOURL)
	if err != nil {
		return Fail[*Session](ErrValidation, "SAML_INVALID_SSO_URL", err.Error())
	}
	q := redirect.Query()
	q.Set("SAMLRequest", base64.StdEncoding.EncodeToString(raw))
	q.Set("RelayState", relayState)
	redirect.RawQuery = q.Encode()

	p.log.WithFields(map[string]interface{}{"saml_provider": creds.Provider, "request_id": requestID}).
		Debug("initiated sso flow")

	return OK(&Session{
		Provider:  ProviderSAML,
		CreatedAt: now,
		ExpiresAt: now.Add(pendingRequestTTL),
		IsActive:  false,
		Metadata: map[string]string{
			"sso_url":     redirect.String(),
			"request_id":  requestID,
			"relay_state": relayState,
			"provider":    creds.Provider,
		},
	})
}

type samlResponse struct {
	XMLName      xml.Name `xml:"Response"`
	InResponseTo string   `xml:"InResponseTo,attr"`
	Issuer       string   `xml:"Issuer"`
	Assertion    struct {
		ID      string `xml:"ID,attr"`
		Issuer  string `xml:"Issuer"`
		Subject struct {
			NameID string `xml:"NameID"`
		} `xml:"Subject"`
		Conditions struct {
			NotBefore    string `xml:"NotBefore,attr"`
			NotOnOrAfter string `xml:"NotOnOrAfter,attr"`
		} `xml:"Conditions"`
		AttributeStatement struct {
			Attributes []struct {
				Name   string   `xml:"Name,attr"`
				Values []string `xml:"AttributeValue"`
			} `xml:"Attribute"`
		} `xml:"AttributeStatement"`
	} `xml:"Assertion"`
}

func (p *SAMLProvider) consumeResponse(creds Credentials) Result[*Session] {
	name := creds.Provider
	p.mu.RLock()
	if name == "" {
		name = p.currentProvider
	}
	cfg, ok := p.providers[name]
	verifier := p.verifiers[name]
	p.mu.RUnlock()
	if !ok {
		return Fail[*Session](ErrValidation, "SAML_UNSUPPORTED_PROVIDER",
			fmt.Sprintf("SAML provider %q is not configured", name))
	}

	raw, err := base64.StdEncoding.DecodeString(creds.SAMLResponse)
	if err != nil {
		return Fail[*Session](ErrTokenInvalid, "SAML_MALFORMED_RESPONSE", "response is not valid base64")
	}

	if cfg.SigningEnabled {
		if verifier == nil {
			return Fail[*Session](ErrValidation, "SAML_VERIFIER_MISSING",
				"signing is enabled but no signature verifier is installed")
		}
		if err := verifier.Verify(raw); err != nil {
			return Fail[*Session](ErrTokenInvalid, "SAML_SIGNATURE_INVALID", err.Error())
		}
	}

	assertion, err := parseAssertion(raw)
	if err != nil {
		return Fail[*Session](ErrTokenInvalid, "SAML_MALFORMED_ASSERTION", err.Error())
	}

	if inResponseTo := assertion.inResponseTo; inResponseTo != "" {
		// The pending request is consumed exactly once; a response for an
		// unknown or already-consumed request is still accepted here because
		// IdP-initiated flows carry no InResponseTo at all.
		p.pending.Remove(inResponseTo)
	}

	if res := p.validateWindow(assertion.Assertion, cfg); !res.Success {
		return FailErr[*Session](res.Err)
	}

	return p.buildSession(name, cfg, assertion.Assertion)
}

type parsedResponse struct {
	*Assertion
	inResponseTo string
}

func parseAssertion(raw []byte) (*parsedResponse, error) {
	var doc samlResponse
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("response is not well-formed XML: %w", err)
	}

	a := &Assertion{
		ID:         doc.Assertion.ID,
		Issuer:     doc.Assertion.Issuer,
		Subject:    doc.Assertion.Subject.NameID,
		Attributes: make(map[string][]string),
	}
	if a.Issuer == "" {
		a.Issuer = doc.Issuer
	}
	for _, attr := range doc.Assertion.AttributeStatement.Attributes {
		a.Attributes[attr.Name] = attr.Values
	}

	c := doc.Assertion.Conditions
	if c.NotBefore != "" || c.NotOnOrAfter != "" {
		cond := &AssertionConditions{}
		var err error
		if c.NotBefore != "" {
			if cond.NotBefore, err = time.Parse(time.RFC3339, c.NotBefore); err != nil {
				return nil, fmt.Errorf("invalid NotBefore: %w", err)
			}
		}
		if c.NotOnOrAfter != "" {
			if cond.NotOnOrAfter, err = time.Parse(time.RFC3339, c.NotOnOrAfter); err != nil {
				return nil, fmt.Errorf("invalid NotOnOrAfter: %w", err)
			}
		}
		a.Conditions = cond
	}

	if a.Subject == "" {
		return nil, fmt.Errorf("assertion carries no subject")
	}
	return &parsedResponse{Assertion: a, inResponseTo: doc.InResponseTo}, nil
}

// validateWindow enforces the assertion validity window adjusted by the
// allowed clock skew. NotBefore is inclusive, NotOnOrAfter exclusive: an
// assertion observed exactly at NotOnOrAfter is already expired.
func (p *SAMLProvider) validateWindow(a *Assertion, cfg SAMLProviderConfig) Result[bool] {
	if a.Conditions == nil {
		return OK(true)
	}

	now := p.clock.Now()
	skew := cfg.AllowedClockSkew

	if !a.Conditions.NotBefore.IsZero() && now.Before(a.Conditions.NotBefore.Add(-skew)) {
		return Fail[bool](ErrTokenExpired, "SAML_ASSERTION_NOT_YET_VALID",
			"assertion is not yet within its validity window")
	}
	if !a.Conditions.NotOnOrAfter.IsZero() && !now.Before(a.Conditions.NotOnOrAfter.Add(skew)) {
		return Fail[bool](ErrTokenExpired, "SAML_ASSERTION_EXPIRED",
			"assertion validity window has passed")
	}
	return OK(true)
}

func (p *SAMLProvider) buildSession(name string, cfg SAMLProviderConfig, a *Assertion) Result[*Session] {
	attr := func(field string) string {
		mapped := cfg.AttributeMapping[field]
		if mapped == "" {
			mapped = field
		}
		if vals := a.Attributes[mapped]; len(vals) > 0 {
			return vals[0]
		}
		return ""
	}

	email := attr("email")
	if email == "" {
		email = a.Subject
	}

	var groups []string
	if mapped := cfg.AttributeMapping["groups"]; mapped != "" {
		groups = a.Attributes[mapped]
	}

	access, _, err := p.gen.Generate()
	if err != nil {
		return Fail[*Session](ErrServer, "SAML_TOKEN_GENERATION", err.Error())
	}

	now := p.clock.Now()
	expiry := now.Add(8 * time.Hour)
	if a.Conditions != nil && !a.Conditions.NotOnOrAfter.IsZero() {
		expiry = a.Conditions.NotOnOrAfter
	}

	p.mu.Lock()
	p.currentProvider = name
	p.sessions[p.gen.Hash(access)] = expiry
	p.mu.Unlock()

	user := &User{
		ID:          a.Subject,
		Email:       email,
		Username:    email,
		Roles:       RolesForGroups(groups, cfg.GroupMapping),
		Permissions: PermissionsForGroups(groups),
		Profile: map[string]string{
			"firstName": attr("firstName"),
			"lastName":  attr("lastName"),
		},
	}

	p.log.WithFields(map[string]interface{}{"saml_provider": name, "subject": a.Subject}).
		Info("authenticated via saml")

	return OK(&Session{
		User: user,
		Token: &Token{
			AccessToken: access,
			ExpiresAt:   expiry,
			TokenType:   "Bearer",
		},
		Provider:  ProviderSAML,
		CreatedAt: now,
		ExpiresAt: expiry,
		IsActive:  true,
		Metadata: map[string]string{
			"provider":     name,
			"assertion_id": a.ID,
			"issuer":       a.Issuer,
		},
	})
}

// Register is unsupported.
func (p *SAMLProvider) Register(ctx context.Context, creds Credentials) Result[*Session] {
	return Unsupported[*Session]("register", ProviderSAML)
}

// Activate is unsupported.
func (p *SAMLProvider) Activate(ctx context.Context, token string) Result[bool] {
	return Unsupported[bool]("activate", ProviderSAML)
}

// SignOut returns the IdP single-logout redirect when the active provider
// defines one; otherwise it clears local provider state directly.
func (p *SAMLProvider) SignOut(ctx context.Context, sessionID string) Result[string] {
	p.mu.Lock()
	name := p.currentProvider
	cfg, ok := p.providers[name]
	delete(p.sessions, p.gen.Hash(sessionID))
	if !ok || cfg.SLOURL == "" {
		p.currentProvider = ""
		p.mu.Unlock()
		return OK("")
	}
	p.mu.Unlock()

	logoutXML := fmt.Sprintf(`<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="_%s" Version="2.0" IssueInstant="%s" Destination="%s"><saml:Issuer>%s</saml:Issuer><samlp:SessionIndex>%s</samlp:SessionIndex></samlp:LogoutRequest>`,
		randomHex(20),
		p.clock.Now().UTC().Format(time.RFC3339),
		cfg.SLOURL,
		cfg.EntityID,
		sessionID)

	redirect, err := url.Parse(cfg.SLOURL)
	if err != nil {
		return Fail[string](ErrValidation, "SAML_INVALID_SLO_URL", err.Error())
	}
	q := redirect.Query()
	q.Set("SAMLRequest", base64.StdEncoding.EncodeToString([]byte(logoutXML)))
	redirect.RawQuery = q.Encode()

	return OK(redirect.String())
}

// RefreshToken is unsupported: assertions are single-shot.
func (p *SAMLProvider) RefreshToken(ctx context.Context, refreshToken string) Result[*Token] {
	return Unsupported[*Token]("refresh", ProviderSAML)
}

// ValidateSession reports whether a tracked session token is still live.
func (p *SAMLProvider) ValidateSession(ctx context.Context, sessionID string) Result[bool] {
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

// PendingRequests returns the number of AuthnRequests awaiting a response.
func (p *SAMLProvider) PendingRequests() int {
	return p.pending.Len()
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
