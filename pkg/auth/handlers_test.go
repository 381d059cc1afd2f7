package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, storage *Storage) *mux.Router {
	t.Helper()
	registry := NewRegistry()
	registry.Register(NewJWTProvider(nil))
	registry.Register(NewSAMLProvider(nil))
	orchestrator := NewOrchestrator(registry, nil)

	h := NewHandlers(orchestrator, storage, DefaultSessionSettings(), "https://auth.example.com", nil, nil)
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestLoginEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, "POST", "/auth/login",
		`{"type":"jwt","email":"user@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res Result[*Session]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	require.NotNil(t, res.Data)
	assert.Equal(t, "user@example.com", res.Data.User.Email)
	assert.Empty(t, rec.Result().Cookies())
}

func TestLoginEndpoint_SetsCookieWhenRequested(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, "POST", "/auth/login",
		`{"type":"jwt","email":"user@example.com","password":"pw","use_cookie":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, DefaultSessionSettings().CookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Contains(t, cookies[0].Value, TokenPrefix)
}

func TestLoginEndpoint_StatusMapping(t *testing.T) {
	router := newTestRouter(t, nil)

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"invalid json", `{not json`, http.StatusBadRequest, "INVALID_BODY"},
		{"missing type", `{"email":"a@b.c","password":"pw"}`, http.StatusBadRequest, "MISSING_PROVIDER_TYPE"},
		{"unregistered type", `{"type":"ldap","username":"u","password":"pw"}`, http.StatusBadRequest, "UNSUPPORTED_PROVIDER_TYPE"},
		{"expired token", `{"type":"jwt","token":"x.y.z"}`, http.StatusUnauthorized, "JWT_MALFORMED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, "POST", "/auth/login", tc.body)
			assert.Equal(t, tc.status, rec.Code)

			var res Result[*Session]
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
			require.NotNil(t, res.Err)
			assert.Equal(t, tc.code, res.Err.Code)
		})
	}
}

func TestLogoutEndpoint_AlwaysClearsCookie(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, "POST", "/auth/logout", "")
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, DefaultSessionSettings().CookieName, cookies[0].Name)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestValidateEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, "GET", "/auth/validate", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var res Result[bool]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.False(t, res.Data)

	doJSON(t, router, "POST", "/auth/login",
		`{"type":"jwt","email":"user@example.com","password":"pw"}`)

	rec = doJSON(t, router, "GET", "/auth/validate", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Data)
}

func TestRefreshEndpoint_NoSession(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, "POST", "/auth/refresh", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCapabilitiesEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, "GET", "/auth/capabilities", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var caps map[ProviderType][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &caps))
	assert.Contains(t, caps[ProviderJWT], CapabilityRefresh)
	assert.NotContains(t, caps[ProviderSAML], CapabilityRefresh)
}

func TestSAMLCallbackEndpoint_RejectsGarbage(t *testing.T) {
	router := newTestRouter(t, nil)

	form := "SAMLResponse=%21%21not-base64&RelayState=rs"
	req := httptest.NewRequest("POST", "/auth/callback/okta", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var res Result[*Session]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Err)
	assert.Equal(t, "SAML_MALFORMED_RESPONSE", res.Err.Code)
}

func TestProviderRoutes_WithoutStorage(t *testing.T) {
	router := newTestRouter(t, nil)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/providers"},
		{"POST", "/providers"},
		{"GET", "/providers/okta"},
		{"PUT", "/providers/okta"},
		{"DELETE", "/providers/okta"},
	} {
		rec := doJSON(t, router, tc.method, tc.path, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestCreateProviderEndpoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	router := newTestRouter(t, NewStorage(db))

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("okta").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`INSERT INTO auth_providers`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	rec := doJSON(t, router, "POST", "/providers",
		`{"name":"okta","type":"saml","enabled":true,"saml_config":{"entity_id":"eid"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created ProviderRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, int64(1), created.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateProviderEndpoint_Conflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	router := newTestRouter(t, NewStorage(db))

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("okta").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	rec := doJSON(t, router, "POST", "/providers", `{"name":"okta","type":"saml"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateProviderEndpoint_Validation(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	router := newTestRouter(t, NewStorage(db))

	rec := doJSON(t, router, "POST", "/providers", `{"type":"saml"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, "POST", "/providers", `{"name":"okta"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSAMLMetadataEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, "GET", "/sso/metadata/okta", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "EntityDescriptor")
	assert.Contains(t, rec.Body.String(), "https://auth.example.com/auth/callback/okta")
}
