package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	ldapv3 "github.com/go-ldap/ldap/v3"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	serviceDN       string
	servicePassword string
	serviceBindErr  error
	searchErr       error

	// filter -> entries returned for that search
	searchResults map[string][]DirectoryEntry
	// dn -> password accepted for a user bind
	userPasswords map[string]string

	filters []string
	bound   []string
	closed  bool
}

func (f *fakeDirectory) Bind(dn, password string) error {
	f.bound = append(f.bound, dn)
	if dn == f.serviceDN {
		if f.serviceBindErr != nil {
			return f.serviceBindErr
		}
		if password != f.servicePassword {
			return errors.New("invalid credentials")
		}
		return nil
	}
	if pw, ok := f.userPasswords[dn]; ok && pw == password {
		return nil
	}
	return errors.New("invalid credentials")
}

func (f *fakeDirectory) Search(baseDN, filter string, attributes []string) ([]DirectoryEntry, error) {
	f.filters = append(f.filters, filter)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchResults[filter], nil
}

func (f *fakeDirectory) Close() error {
	f.closed = true
	return nil
}

func corpConfig() LDAPProviderConfig {
	return LDAPProviderConfig{
		URL:              "ldap.corp.example.com",
		Port:             389,
		BaseDN:           "dc=corp,dc=example,dc=com",
		BindDN:           "cn=service,dc=corp,dc=example,dc=com",
		BindPassword:     "svc-secret",
		UserSearchFilter: "(uid={username})",
	}
}

func corpDirectory() *fakeDirectory {
	return &fakeDirectory{
		serviceDN:       "cn=service,dc=corp,dc=example,dc=com",
		servicePassword: "svc-secret",
		searchResults: map[string][]DirectoryEntry{
			"(uid=jdoe)": {{
				DN: "uid=jdoe,ou=people,dc=corp,dc=example,dc=com",
				Attributes: map[string][]string{
					"cn":   {"Jane Doe"},
					"mail": {"jdoe@corp.example.com"},
					"memberOf": {
						"CN=Domain Admins,OU=Groups,DC=corp,DC=example,DC=com",
						"CN=Engineering,OU=Groups,DC=corp,DC=example,DC=com",
					},
				},
			}},
		},
		userPasswords: map[string]string{
			"uid=jdoe,ou=people,dc=corp,dc=example,dc=com": "hunter2",
		},
	}
}

func newTestLDAPProvider(t *testing.T, dir Directory, dialErr error) *LDAPProvider {
	t.Helper()
	p := NewLDAPProvider(nil)
	require.NoError(t, p.Configure(Settings{LDAP: map[string]LDAPProviderConfig{
		"corp": corpConfig(),
	}}))
	p.SetDialer(func(cfg LDAPProviderConfig) (Directory, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return dir, nil
	})
	return p
}

func TestLDAPAuthenticate(t *testing.T) {
	dir := corpDirectory()
	p := newTestLDAPProvider(t, dir, nil)

	res := p.Authenticate(context.Background(), Credentials{
		Provider: "corp",
		Username: "jdoe",
		Password: "hunter2",
	})
	require.True(t, res.Success)
	require.NotNil(t, res.Data)
	assert.True(t, res.Data.IsActive)
	assert.Equal(t, "uid=jdoe,ou=people,dc=corp,dc=example,dc=com", res.Data.User.ID)
	assert.Equal(t, "jdoe@corp.example.com", res.Data.User.Email)
	assert.Equal(t, "Jane Doe", res.Data.User.Profile["displayName"])

	// memberOf DNs collapse to their leading CN before permission tiering
	assert.Contains(t, res.Data.User.Permissions, PermissionAdminAll)
	assert.Contains(t, res.Data.User.Permissions, PermissionWriteAll)

	// service bind, user bind, then service rebind for the group lookup
	assert.Equal(t, []string{
		"cn=service,dc=corp,dc=example,dc=com",
		"uid=jdoe,ou=people,dc=corp,dc=example,dc=com",
		"cn=service,dc=corp,dc=example,dc=com",
	}, dir.bound)
	assert.True(t, dir.closed)
}

func TestLDAPAuthenticate_WrongPassword(t *testing.T) {
	p := newTestLDAPProvider(t, corpDirectory(), nil)

	res := p.Authenticate(context.Background(), Credentials{
		Provider: "corp",
		Username: "jdoe",
		Password: "wrong",
	})
	require.False(t, res.Success)
	assert.Equal(t, ErrCredentialsInvalid, res.Err.Type)
	assert.Equal(t, "LDAP_INVALID_CREDENTIALS", res.Err.Code)
}

func TestLDAPAuthenticate_UnknownUserIndistinguishable(t *testing.T) {
	p := newTestLDAPProvider(t, corpDirectory(), nil)

	missing := p.Authenticate(context.Background(), Credentials{
		Provider: "corp",
		Username: "ghost",
		Password: "whatever",
	})
	wrongPassword := p.Authenticate(context.Background(), Credentials{
		Provider: "corp",
		Username: "jdoe",
		Password: "wrong",
	})

	require.False(t, missing.Success)
	require.False(t, wrongPassword.Success)
	assert.Equal(t, wrongPassword.Err, missing.Err)
}

func TestLDAPAuthenticate_MissingCredentials(t *testing.T) {
	p := newTestLDAPProvider(t, corpDirectory(), nil)

	res := p.Authenticate(context.Background(), Credentials{Provider: "corp", Username: "jdoe"})
	require.False(t, res.Success)
	assert.Equal(t, "LDAP_MISSING_CREDENTIALS", res.Err.Code)

	res = p.Authenticate(context.Background(), Credentials{Password: "hunter2"})
	require.False(t, res.Success)
	assert.Equal(t, "LDAP_MISSING_CREDENTIALS", res.Err.Code)
}

func TestLDAPAuthenticate_UnknownDirectory(t *testing.T) {
	p := newTestLDAPProvider(t, corpDirectory(), nil)

	res := p.Authenticate(context.Background(), Credentials{
		Provider: "nonexistent",
		Username: "jdoe",
		Password: "hunter2",
	})
	require.False(t, res.Success)
	assert.Equal(t, "LDAP_UNSUPPORTED_PROVIDER", res.Err.Code)
}

func TestLDAPAuthenticate_ServiceBindFailure(t *testing.T) {
	dir := corpDirectory()
	dir.serviceBindErr = errors.New("server unavailable")
	p := newTestLDAPProvider(t, dir, nil)

	res := p.Authenticate(context.Background(), Credentials{
		Provider: "corp",
		Username: "jdoe",
		Password: "hunter2",
	})
	require.False(t, res.Success)
	assert.Equal(t, ErrServer, res.Err.Type)
	assert.Equal(t, "LDAP_SERVICE_BIND_FAILED", res.Err.Code)
	assert.True(t, res.Err.Retryable())
}

func TestLDAPAuthenticate_ConnectionFailure(t *testing.T) {
	p := newTestLDAPProvider(t, nil, errors.New("connection refused"))

	res := p.Authenticate(context.Background(), Credentials{
		Provider: "corp",
		Username: "jdoe",
		Password: "hunter2",
	})
	require.False(t, res.Success)
	assert.Equal(t, "LDAP_CONNECTION_FAILED", res.Err.Code)
	assert.True(t, res.Err.Retryable())
}

func TestLDAPAuthenticate_SearchFailure(t *testing.T) {
	dir := corpDirectory()
	dir.searchErr = errors.New("size limit exceeded")
	p := newTestLDAPProvider(t, dir, nil)

	res := p.Authenticate(context.Background(), Credentials{
		Provider: "corp",
		Username: "jdoe",
		Password: "hunter2",
	})
	require.False(t, res.Success)
	assert.Equal(t, "LDAP_SEARCH_FAILED", res.Err.Code)
}

func TestLDAPAuthenticate_FilterEscaping(t *testing.T) {
	dir := corpDirectory()
	p := newTestLDAPProvider(t, dir, nil)

	username := "jdoe)(uid=*"
	res := p.Authenticate(context.Background(), Credentials{
		Provider: "corp",
		Username: username,
		Password: "whatever",
	})
	require.False(t, res.Success)

	require.Len(t, dir.filters, 1)
	assert.Equal(t, "(uid="+ldapv3.EscapeFilter(username)+")", dir.filters[0])
	assert.NotContains(t, dir.filters[0], "jdoe)(uid=*")
}

func TestLDAPAuthenticate_GroupSearchFallback(t *testing.T) {
	userDN := "uid=nomember,ou=people,dc=corp,dc=example,dc=com"
	dir := &fakeDirectory{
		serviceDN:       "cn=service,dc=corp,dc=example,dc=com",
		servicePassword: "svc-secret",
		searchResults: map[string][]DirectoryEntry{
			"(uid=nomember)": {{
				DN:         userDN,
				Attributes: map[string][]string{"cn": {"No Member"}},
			}},
			"(member=" + ldapv3.EscapeFilter(userDN) + ")": {
				{DN: "cn=Developers,ou=groups,dc=corp,dc=example,dc=com",
					Attributes: map[string][]string{"cn": {"Developers"}}},
			},
		},
		userPasswords: map[string]string{userDN: "hunter2"},
	}

	p := NewLDAPProvider(nil)
	cfg := corpConfig()
	cfg.GroupSearchBase = "ou=groups,dc=corp,dc=example,dc=com"
	cfg.GroupSearchFilter = "(member={dn})"
	require.NoError(t, p.Configure(Settings{LDAP: map[string]LDAPProviderConfig{"corp": cfg}}))
	p.SetDialer(func(LDAPProviderConfig) (Directory, error) { return dir, nil })

	res := p.Authenticate(context.Background(), Credentials{
		Provider: "corp",
		Username: "nomember",
		Password: "hunter2",
	})
	require.True(t, res.Success)
	assert.Contains(t, res.Data.User.Permissions, PermissionWriteAll)
	assert.NotContains(t, res.Data.User.Permissions, PermissionAdminAll)
}

func TestLDAPValidateSession(t *testing.T) {
	p := newTestLDAPProvider(t, corpDirectory(), nil)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	p.clock = clock

	res := p.Authenticate(context.Background(), Credentials{
		Provider: "corp",
		Username: "jdoe",
		Password: "hunter2",
	})
	require.True(t, res.Success)
	access := res.Data.Token.AccessToken

	valid := p.ValidateSession(context.Background(), access)
	require.True(t, valid.Success)
	assert.True(t, valid.Data)

	clock.Advance(9 * time.Hour)

	valid = p.ValidateSession(context.Background(), access)
	require.True(t, valid.Success)
	assert.False(t, valid.Data)
}

func TestLDAPSignOut(t *testing.T) {
	p := newTestLDAPProvider(t, corpDirectory(), nil)

	res := p.Authenticate(context.Background(), Credentials{
		Provider: "corp",
		Username: "jdoe",
		Password: "hunter2",
	})
	require.True(t, res.Success)
	access := res.Data.Token.AccessToken

	out := p.SignOut(context.Background(), access)
	require.True(t, out.Success)
	assert.Empty(t, out.Data)

	valid := p.ValidateSession(context.Background(), access)
	assert.False(t, valid.Data)
}

func TestLDAPUnsupportedOperations(t *testing.T) {
	p := NewLDAPProvider(nil)

	reg := p.Register(context.Background(), Credentials{})
	require.False(t, reg.Success)
	assert.Equal(t, "OPERATION_NOT_SUPPORTED", reg.Err.Code)

	ref := p.RefreshToken(context.Background(), "arl_whatever")
	require.False(t, ref.Success)
	assert.Equal(t, "OPERATION_NOT_SUPPORTED", ref.Err.Code)
}

func TestPooledDialerReusesConnections(t *testing.T) {
	dials := 0
	dial := NewPooledDialer(func(cfg LDAPProviderConfig) (Directory, error) {
		dials++
		return corpDirectory(), nil
	})
	cfg := corpConfig()

	first, err := dial(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := dial(cfg)
	require.NoError(t, err)
	require.NoError(t, second.Close())

	assert.Equal(t, 1, dials)
}

func TestPooledDialerDiscardsBrokenConnections(t *testing.T) {
	dir := corpDirectory()
	dir.searchErr = errors.New("connection reset")
	dials := 0
	dial := NewPooledDialer(func(cfg LDAPProviderConfig) (Directory, error) {
		dials++
		return dir, nil
	})
	cfg := corpConfig()

	first, err := dial(cfg)
	require.NoError(t, err)
	_, searchErr := first.Search(cfg.BaseDN, "(uid=jdoe)", nil)
	require.Error(t, searchErr)
	require.NoError(t, first.Close())
	assert.True(t, dir.closed)

	_, err = dial(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, dials)
}

func TestPooledDialerLendsExclusively(t *testing.T) {
	dials := 0
	dial := NewPooledDialer(func(cfg LDAPProviderConfig) (Directory, error) {
		dials++
		return corpDirectory(), nil
	})
	cfg := corpConfig()

	// two connections out at once must not share
	first, err := dial(cfg)
	require.NoError(t, err)
	second, err := dial(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, dials)

	require.NoError(t, first.Close())
	require.NoError(t, second.Close())
}

func TestGroupNameFromDN(t *testing.T) {
	cases := map[string]string{
		"CN=Domain Admins,OU=Groups,DC=corp": "Domain Admins",
		"cn=developers,ou=groups,dc=corp":    "developers",
		"plain-name":                         "plain-name",
	}
	for dn, want := range cases {
		assert.Equal(t, want, groupNameFromDN(dn))
	}
}
