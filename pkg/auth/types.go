package auth

import "time"

// ProviderType selects the authentication protocol.
type ProviderType string

const (
	ProviderJWT     ProviderType = "jwt"
	ProviderOAuth2  ProviderType = "oauth2"
	ProviderSAML    ProviderType = "saml"
	ProviderLDAP    ProviderType = "ldap"
	ProviderSession ProviderType = "session"
)

// Capability names returned by Provider.Capabilities. Callers feature-detect
// with these instead of type-switching on the concrete provider.
const (
	CapabilityAuthenticate = "authenticate"
	CapabilityRegister     = "register"
	CapabilityActivate     = "activate"
	CapabilitySignOut      = "signout"
	CapabilityRefresh      = "refresh"
	CapabilityValidate     = "validate"
)

// Credentials is the union of inputs accepted across provider types. Each
// provider validates only the subset it needs; unused fields are ignored,
// never rejected.
type Credentials struct {
	Type     ProviderType `json:"type"`
	Provider string       `json:"provider,omitempty"` // named config (e.g. "google", "okta")

	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`

	AuthorizationCode string `json:"authorization_code,omitempty"`
	CodeVerifier      string `json:"code_verifier,omitempty"`
	State             string `json:"state,omitempty"`

	SAMLResponse string `json:"saml_response,omitempty"`
	RelayState   string `json:"relay_state,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	UseCookie bool   `json:"use_cookie,omitempty"`

	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// Token is the normalized credential material of an authenticated session.
// ExpiresAt is always in the future while the enclosing session is active.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
	Scope        []string  `json:"scope,omitempty"`
}

// User is the normalized identity produced by any provider. Roles and
// permissions are provider-supplied (OAuth scopes, SAML attributes, LDAP
// groups) mapped into one vocabulary.
type User struct {
	ID          string            `json:"id"`
	Email       string            `json:"email"`
	Username    string            `json:"username,omitempty"`
	Roles       []string          `json:"roles"`
	Permissions []string          `json:"permissions"`
	Profile     map[string]string `json:"profile,omitempty"`
}

// Session is the uniform result type every provider hands back. A pending
// session (IsActive=false) carries flow state in Metadata, e.g. the
// authorization URL of an OAuth redirect.
type Session struct {
	User      *User             `json:"user,omitempty"`
	Token     *Token            `json:"token,omitempty"`
	Provider  ProviderType      `json:"provider"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	IsActive  bool              `json:"is_active"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// PendingRequest tracks an in-flight OAuth or SAML exchange. It is created
// when the flow is initiated and consumed exactly once when the matching
// callback or response arrives; abandoned entries age out of the store.
type PendingRequest struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	Issuer       string    `json:"issuer,omitempty"`
	Destination  string    `json:"destination,omitempty"`
	State        string    `json:"state,omitempty"`
	CodeVerifier string    `json:"-"`
	IssuedAt     time.Time `json:"issued_at"`
}

// GroupMap maps a provider-side group name to an authrelay role.
type GroupMap struct {
	Group string `json:"group"`
	Role  string `json:"role"`
}

// OAuthProviderConfig configures one named OAuth2/OIDC identity provider.
type OAuthProviderConfig struct {
	ClientID              string     `json:"client_id"`
	ClientSecret          string     `json:"-"`
	RedirectURI           string     `json:"redirect_uri"`
	Scopes                []string   `json:"scopes"`
	AuthorizationEndpoint string     `json:"authorization_endpoint,omitempty"`
	TokenEndpoint         string     `json:"token_endpoint,omitempty"`
	UserInfoEndpoint      string     `json:"userinfo_endpoint,omitempty"`
	IssuerURL             string     `json:"issuer_url,omitempty"` // enables OIDC discovery
	PKCE                  bool       `json:"pkce"`
	GroupMapping          []GroupMap `json:"group_mapping,omitempty"`
}

// SAMLProviderConfig configures one named SAML identity provider.
type SAMLProviderConfig struct {
	EntityID          string            `json:"entity_id"`
	SSOURL            string            `json:"sso_url"`
	SLOURL            string            `json:"slo_url,omitempty"`
	Certificate       string            `json:"certificate,omitempty"` // PEM
	NameIDFormat      string            `json:"name_id_format,omitempty"`
	AttributeMapping  map[string]string `json:"attribute_mapping,omitempty"`
	SigningEnabled    bool              `json:"signing_enabled"`
	EncryptionEnabled bool              `json:"encryption_enabled"`
	AllowedClockSkew  time.Duration     `json:"allowed_clock_skew"`
	GroupMapping      []GroupMap        `json:"group_mapping,omitempty"`
}

// LDAPProviderConfig configures one named directory. Search filters contain
// a {username} placeholder substituted at authentication time.
type LDAPProviderConfig struct {
	URL                string            `json:"url"`
	Port               int               `json:"port"`
	BaseDN             string            `json:"base_dn"`
	BindDN             string            `json:"bind_dn"`
	BindPassword       string            `json:"-"`
	UserSearchBase     string            `json:"user_search_base"`
	UserSearchFilter   string            `json:"user_search_filter"`
	GroupSearchBase    string            `json:"group_search_base,omitempty"`
	GroupSearchFilter  string            `json:"group_search_filter,omitempty"`
	AttributeMapping   map[string]string `json:"attribute_mapping,omitempty"`
	UseTLS             bool              `json:"use_tls"`
	VerifyCertificates bool              `json:"verify_certificates"`
	GroupMapping       []GroupMap        `json:"group_mapping,omitempty"`
}

// JWTSettings configures the JWT provider.
type JWTSettings struct {
	SessionTTL time.Duration `json:"session_ttl"`
}

// SessionSettings configures the session provider. SameSite carries the
// net/http SameSite numeric values.
type SessionSettings struct {
	SessionTimeout     time.Duration `json:"session_timeout"`
	RefreshInterval    time.Duration `json:"refresh_interval"`
	CookieName         string        `json:"cookie_name"`
	CookiePath         string        `json:"cookie_path"`
	Secure             bool          `json:"secure"`
	HTTPOnly           bool          `json:"http_only"`
	SameSite           int           `json:"same_site"`
	StorageKey         string        `json:"storage_key"`
	EnableCrossTabSync bool          `json:"enable_cross_tab_sync"`
	EnableAutoRefresh  bool          `json:"enable_auto_refresh"`
}

// Settings is the partial configuration accepted by Provider.Configure.
// Each provider merges only its own section; nil sections and absent map
// entries leave existing values untouched.
type Settings struct {
	OAuth   map[string]OAuthProviderConfig `json:"oauth,omitempty"`
	SAML    map[string]SAMLProviderConfig  `json:"saml,omitempty"`
	LDAP    map[string]LDAPProviderConfig  `json:"ldap,omitempty"`
	JWT     *JWTSettings                   `json:"jwt,omitempty"`
	Session *SessionSettings               `json:"session,omitempty"`
}

// DefaultSessionSettings returns the session provider defaults: a 30 minute
// session window refreshed every 5 minutes, a Lax same-site cookie, and both
// auto-refresh and cross-instance sync enabled.
func DefaultSessionSettings() SessionSettings {
	return SessionSettings{
		SessionTimeout:     30 * time.Minute,
		RefreshInterval:    5 * time.Minute,
		CookieName:         "authrelay_session",
		CookiePath:         "/",
		Secure:             true,
		HTTPOnly:           true,
		SameSite:           2, // http.SameSiteLaxMode
		StorageKey:         "authrelay.session",
		EnableCrossTabSync: true,
		EnableAutoRefresh:  true,
	}
}
