package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	ldapv3 "github.com/go-ldap/ldap/v3"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/authrelay/authrelay/pkg/observability"
)

// DirectoryEntry is one object returned from a directory search.
type DirectoryEntry struct {
	DN         string
	Attributes map[string][]string
}

// Directory is the subset of LDAP operations the provider needs. The
// production implementation wraps go-ldap; tests substitute an in-memory
// directory.
type Directory interface {
	Bind(dn, password string) error
	Search(baseDN, filter string, attributes []string) ([]DirectoryEntry, error)
	Close() error
}

// DirectoryDialer opens a connection to a named directory configuration.
type DirectoryDialer func(cfg LDAPProviderConfig) (Directory, error)

// ldapDirectory adapts a go-ldap connection to the Directory interface.
type ldapDirectory struct {
	conn *ldapv3.Conn
}

func (d *ldapDirectory) Bind(dn, password string) error {
	return d.conn.Bind(dn, password)
}

func (d *ldapDirectory) Search(baseDN, filter string, attributes []string) ([]DirectoryEntry, error) {
	req := ldapv3.NewSearchRequest(
		baseDN,
		ldapv3.ScopeWholeSubtree,
		ldapv3.NeverDerefAliases,
		0, 10, false,
		filter,
		attributes,
		nil,
	)
	res, err := d.conn.Search(req)
	if err != nil {
		return nil, err
	}
	entries := make([]DirectoryEntry, 0, len(res.Entries))
	for _, e := range res.Entries {
		attrs := make(map[string][]string, len(e.Attributes))
		for _, a := range e.Attributes {
			attrs[a.Name] = a.Values
		}
		entries = append(entries, DirectoryEntry{DN: e.DN, Attributes: attrs})
	}
	return entries, nil
}

func (d *ldapDirectory) Close() error {
	return d.conn.Close()
}

// DialDirectory connects to the configured directory, upgrading to TLS when
// the configuration asks for it.
func DialDirectory(cfg LDAPProviderConfig) (Directory, error) {
	addr := fmt.Sprintf("%s:%d", cfg.URL, cfg.Port)
	scheme := "ldap"
	if cfg.UseTLS && cfg.Port == 636 {
		scheme = "ldaps"
	}

	var conn *ldapv3.Conn
	var err error
	if scheme == "ldaps" {
		conn, err = ldapv3.DialURL(fmt.Sprintf("ldaps://%s", addr),
			ldapv3.DialWithTLSConfig(&tls.Config{InsecureSkipVerify: !cfg.VerifyCertificates}))
	} else {
		conn, err = ldapv3.DialURL(fmt.Sprintf("ldap://%s", addr))
		if err == nil && cfg.UseTLS {
			if tlsErr := conn.StartTLS(&tls.Config{InsecureSkipVerify: !cfg.VerifyCertificates}); tlsErr != nil {
				conn.Close()
				return nil, fmt.Errorf("starttls failed: %w", tlsErr)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &ldapDirectory{conn: conn}, nil
}

// directoryPool lends out at most one cached connection per host:port so
// repeated authentications avoid re-handshaking. A connection is held
// exclusively between Dial and Close; bind state carries over, which is safe
// because every authentication starts with its own service bind.
type directoryPool struct {
	dial DirectoryDialer

	mu   sync.Mutex
	idle map[string]Directory
}

// NewPooledDialer wraps a dialer with per-host:port connection reuse.
func NewPooledDialer(dial DirectoryDialer) DirectoryDialer {
	p := &directoryPool{dial: dial, idle: make(map[string]Directory)}
	return p.Dial
}

func (p *directoryPool) Dial(cfg LDAPProviderConfig) (Directory, error) {
	addr := fmt.Sprintf("%s:%d", cfg.URL, cfg.Port)

	p.mu.Lock()
	dir, ok := p.idle[addr]
	if ok {
		delete(p.idle, addr)
	}
	p.mu.Unlock()

	if !ok {
		var err error
		dir, err = p.dial(cfg)
		if err != nil {
			return nil, err
		}
	}
	return &pooledDirectory{Directory: dir, pool: p, addr: addr}, nil
}

func (p *directoryPool) put(addr string, dir Directory) error {
	p.mu.Lock()
	_, occupied := p.idle[addr]
	if !occupied {
		p.idle[addr] = dir
	}
	p.mu.Unlock()

	if occupied {
		return dir.Close()
	}
	return nil
}

// pooledDirectory returns its connection to the pool on Close. A search
// failure marks the connection broken so it is discarded instead.
type pooledDirectory struct {
	Directory
	pool   *directoryPool
	addr   string
	broken bool
}

func (d *pooledDirectory) Search(baseDN, filter string, attributes []string) ([]DirectoryEntry, error) {
	entries, err := d.Directory.Search(baseDN, filter, attributes)
	if err != nil {
		d.broken = true
	}
	return entries, err
}

func (d *pooledDirectory) Close() error {
	if d.broken {
		return d.Directory.Close()
	}
	return d.pool.put(d.addr, d.Directory)
}

// LDAPProvider authenticates against a directory server. The only credential
// check is the bind with the user's own DN; passwords are never compared
// locally.
type LDAPProvider struct {
	mu        sync.RWMutex
	providers map[string]LDAPProviderConfig
	sessions  map[string]time.Time

	dial  DirectoryDialer
	group singleflight.Group

	clock clockwork.Clock
	gen   *TokenGenerator
	log   *observability.Logger
}

// NewLDAPProvider creates an LDAP provider seeded with the active_directory,
// openldap, freeipa and apache_ds presets.
func NewLDAPProvider(log *observability.Logger) *LDAPProvider {
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &LDAPProvider{
		providers: PresetLDAPProviders(),
		sessions:  make(map[string]time.Time),
		dial:      NewPooledDialer(DialDirectory),
		clock:     clockwork.NewRealClock(),
		gen:       NewTokenGenerator(),
		log:       log.WithField("provider", string(ProviderLDAP)),
	}
}

// SetDialer overrides the directory dialer. Used by tests and by deployments
// that pool connections externally.
func (p *LDAPProvider) SetDialer(d DirectoryDialer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dial = d
}

// Type returns ProviderLDAP.
func (p *LDAPProvider) Type() ProviderType { return ProviderLDAP }

// Initialize is idempotent; connections are dialed lazily through the pool.
func (p *LDAPProvider) Initialize(ctx context.Context) error { return nil }

// Configure merges the LDAP section entry-wise onto existing entries.
func (p *LDAPProvider) Configure(settings Settings) error {
	if settings.LDAP == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, incoming := range settings.LDAP {
		base := p.providers[name]
		p.providers[name] = mergeLDAPConfig(base, incoming)
	}
	return nil
}

func mergeLDAPConfig(base, in LDAPProviderConfig) LDAPProviderConfig {
	if in.URL != "" {
		base.URL = in.URL
	}
	if in.Port != 0 {
		base.Port = in.Port
	}
	if in.BaseDN != "" {
		base.BaseDN = in.BaseDN
	}
	if in.BindDN != "" {
		base.BindDN = in.BindDN
	}
	if in.BindPassword != "" {
		base.BindPassword = in.BindPassword
	}
	if in.UserSearchBase != "" {
		base.UserSearchBase = in.UserSearchBase
	}
	if in.UserSearchFilter != "" {
		base.UserSearchFilter = in.UserSearchFilter
	}
	if in.GroupSearchBase != "" {
		base.GroupSearchBase = in.GroupSearchBase
	}
	if in.GroupSearchFilter != "" {
		base.GroupSearchFilter = in.GroupSearchFilter
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
	base.UseTLS = base.UseTLS || in.UseTLS
	base.VerifyCertificates = base.VerifyCertificates || in.VerifyCertificates
	return base
}

// Capabilities omits register and activate: the directory is the system of
// record for identities.
func (p *LDAPProvider) Capabilities() []string {
	return []string{CapabilityAuthenticate, CapabilitySignOut, CapabilityValidate}
}

// Authenticate resolves the user's DN via a service-account search, then
// binds as that DN with the supplied password. Concurrent attempts for the
// same user and directory are collapsed into one directory round trip.
func (p *LDAPProvider) Authenticate(ctx context.Context, creds Credentials) Result[*Session] {
	username := creds.Username
	if username == "" {
		username = creds.Email
	}
	if username == "" || creds.Password == "" {
		return Fail[*Session](ErrValidation, "LDAP_MISSING_CREDENTIALS",
			"username and password are required")
	}
	if creds.Provider == "" {
		return Fail[*Session](ErrValidation, "LDAP_MISSING_PROVIDER", "no directory selected")
	}

	p.mu.RLock()
	cfg, ok := p.providers[creds.Provider]
	p.mu.RUnlock()
	if !ok {
		return Fail[*Session](ErrValidation, "LDAP_UNSUPPORTED_PROVIDER",
			fmt.Sprintf("directory %q is not configured", creds.Provider))
	}

	key := creds.Provider + ":" + username + ":" + p.gen.Hash(creds.Password)
	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		return p.authenticateUser(cfg, creds.Provider, username, creds.Password), nil
	})
	if err != nil {
		return Fail[*Session](ErrServer, "LDAP_INTERNAL", err.Error())
	}
	return v.(Result[*Session])
}

func (p *LDAPProvider) authenticateUser(cfg LDAPProviderConfig, name, username, password string) Result[*Session] {
	dir, err := p.dial(cfg)
	if err != nil {
		return Fail[*Session](ErrServer, "LDAP_CONNECTION_FAILED", err.Error())
	}
	defer dir.Close()

	if cfg.BindDN != "" {
		if err := dir.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
			return Fail[*Session](ErrServer, "LDAP_SERVICE_BIND_FAILED",
				"service account bind failed: "+err.Error())
		}
	}

	searchBase := cfg.UserSearchBase
	if searchBase == "" {
		searchBase = cfg.BaseDN
	}
	filter := strings.ReplaceAll(cfg.UserSearchFilter, "{username}", ldapv3.EscapeFilter(username))

	attrs := []string{"dn", "cn", "mail", "memberOf"}
	for _, mapped := range cfg.AttributeMapping {
		attrs = append(attrs, mapped)
	}

	entries, err := dir.Search(searchBase, filter, attrs)
	if err != nil {
		return Fail[*Session](ErrServer, "LDAP_SEARCH_FAILED", err.Error())
	}
	if len(entries) == 0 {
		// Same failure shape as a wrong password so callers cannot probe
		// for account existence.
		return Fail[*Session](ErrCredentialsInvalid, "LDAP_INVALID_CREDENTIALS",
			"invalid username or password")
	}
	entry := entries[0]

	if err := dir.Bind(entry.DN, password); err != nil {
		return Fail[*Session](ErrCredentialsInvalid, "LDAP_INVALID_CREDENTIALS",
			"invalid username or password")
	}

	// Re-bind as the service account so the group search is not limited to
	// what the user can read about itself.
	if cfg.BindDN != "" {
		if err := dir.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
			return Fail[*Session](ErrServer, "LDAP_SERVICE_BIND_FAILED",
				"service account rebind failed: "+err.Error())
		}
	}

	groups := p.resolveGroups(dir, cfg, entry, username)

	attr := func(field, fallback string) string {
		mapped := cfg.AttributeMapping[field]
		if mapped == "" {
			mapped = fallback
		}
		if vals := entry.Attributes[mapped]; len(vals) > 0 {
			return vals[0]
		}
		return ""
	}

	email := attr("email", "mail")
	if email == "" {
		email = username
	}

	access, _, err := p.gen.Generate()
	if err != nil {
		return Fail[*Session](ErrServer, "LDAP_TOKEN_GENERATION", err.Error())
	}

	now := p.clock.Now()
	expiry := now.Add(8 * time.Hour)

	p.mu.Lock()
	p.sessions[p.gen.Hash(access)] = expiry
	p.mu.Unlock()

	user := &User{
		ID:          entry.DN,
		Email:       email,
		Username:    username,
		Roles:       RolesForGroups(groups, cfg.GroupMapping),
		Permissions: PermissionsForGroups(groups),
		Profile: map[string]string{
			"displayName": attr("displayName", "cn"),
			"dn":          entry.DN,
		},
	}

	p.log.WithFields(map[string]interface{}{"directory": name, "dn": entry.DN}).
		Info("authenticated via ldap")

	return OK(&Session{
		User: user,
		Token: &Token{
			AccessToken: access,
			ExpiresAt:   expiry,
			TokenType:   "Bearer",
		},
		Provider:  ProviderLDAP,
		CreatedAt: now,
		ExpiresAt: expiry,
		IsActive:  true,
		Metadata:  map[string]string{"provider": name},
	})
}

// resolveGroups prefers the memberOf attribute and falls back to a group
// search when the directory does not maintain it.
func (p *LDAPProvider) resolveGroups(dir Directory, cfg LDAPProviderConfig, entry DirectoryEntry, username string) []string {
	if member := entry.Attributes["memberOf"]; len(member) > 0 {
		groups := make([]string, 0, len(member))
		for _, dn := range member {
			groups = append(groups, groupNameFromDN(dn))
		}
		return groups
	}

	if cfg.GroupSearchBase == "" || cfg.GroupSearchFilter == "" {
		return nil
	}

	filter := strings.ReplaceAll(cfg.GroupSearchFilter, "{username}", ldapv3.EscapeFilter(username))
	filter = strings.ReplaceAll(filter, "{dn}", ldapv3.EscapeFilter(entry.DN))

	entries, err := dir.Search(cfg.GroupSearchBase, filter, []string{"cn"})
	if err != nil {
		p.log.WithError(err).Warn("group search failed")
		return nil
	}
	groups := make([]string, 0, len(entries))
	for _, g := range entries {
		if vals := g.Attributes["cn"]; len(vals) > 0 {
			groups = append(groups, vals[0])
		} else {
			groups = append(groups, groupNameFromDN(g.DN))
		}
	}
	return groups
}

// groupNameFromDN extracts the leading CN from a group DN, e.g.
// "CN=Domain Admins,OU=Groups,DC=corp" yields "Domain Admins".
func groupNameFromDN(dn string) string {
	first := dn
	if idx := strings.Index(dn, ","); idx >= 0 {
		first = dn[:idx]
	}
	if eq := strings.Index(first, "="); eq >= 0 {
		return first[eq+1:]
	}
	return first
}

// Register is unsupported: directory accounts are provisioned out of band.
func (p *LDAPProvider) Register(ctx context.Context, creds Credentials) Result[*Session] {
	return Unsupported[*Session]("register", ProviderLDAP)
}

// Activate is unsupported.
func (p *LDAPProvider) Activate(ctx context.Context, token string) Result[bool] {
	return Unsupported[bool]("activate", ProviderLDAP)
}

// SignOut drops the local session; directories have no logout concept.
func (p *LDAPProvider) SignOut(ctx context.Context, sessionID string) Result[string] {
	p.mu.Lock()
	delete(p.sessions, p.gen.Hash(sessionID))
	p.mu.Unlock()
	return OK("")
}

// RefreshToken is unsupported: a new bind is required for a new session.
func (p *LDAPProvider) RefreshToken(ctx context.Context, refreshToken string) Result[*Token] {
	return Unsupported[*Token]("refresh", ProviderLDAP)
}

// ValidateSession reports whether a tracked session token is still live.
func (p *LDAPProvider) ValidateSession(ctx context.Context, sessionID string) Result[bool] {
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
