package auth

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/authrelay/authrelay/pkg/observability"
)

// Handlers exposes the authentication core over HTTP.
type Handlers struct {
	orchestrator *Orchestrator
	storage      *Storage
	cookies      SessionSettings
	baseURL      string

	log     *logrus.Logger
	metrics *observability.Metrics
}

// NewHandlers creates the HTTP handler set. Storage and metrics are
// optional; without storage the provider CRUD routes respond 503.
func NewHandlers(orchestrator *Orchestrator, storage *Storage, cookies SessionSettings, baseURL string, log *logrus.Logger, metrics *observability.Metrics) *Handlers {
	if log == nil {
		log = logrus.New()
	}
	return &Handlers{
		orchestrator: orchestrator,
		storage:      storage,
		cookies:      cookies,
		baseURL:      baseURL,
		log:          log,
		metrics:      metrics,
	}
}

// RegisterRoutes registers all authentication routes.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.Use(h.requestLogger)

	// Authentication routes
	router.HandleFunc("/auth/login", h.login).Methods("POST")
	router.HandleFunc("/auth/callback/{provider}", h.callback).Methods("GET", "POST")
	router.HandleFunc("/auth/logout", h.logout).Methods("POST")
	router.HandleFunc("/auth/validate", h.validate).Methods("GET")
	router.HandleFunc("/auth/refresh", h.refresh).Methods("POST")
	router.HandleFunc("/auth/capabilities", h.capabilities).Methods("GET")

	// Provider configuration routes
	router.HandleFunc("/providers", h.listProviders).Methods("GET")
	router.HandleFunc("/providers", h.createProvider).Methods("POST")
	router.HandleFunc("/providers/{name}", h.getProvider).Methods("GET")
	router.HandleFunc("/providers/{name}", h.updateProvider).Methods("PUT")
	router.HandleFunc("/providers/{name}", h.deleteProvider).Methods("DELETE")

	// SAML metadata endpoint
	router.HandleFunc("/sso/metadata/{name}", h.samlMetadata).Methods("GET")
}

func (h *Handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		h.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
			"remote":   r.RemoteAddr,
		}).Info("request handled")

		if h.metrics != nil {
			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			h.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, fmt.Sprintf("%d", rec.status)).Inc()
			h.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err *Error) int {
	switch err.Type {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrCredentialsInvalid, ErrTokenExpired, ErrTokenInvalid:
		return http.StatusUnauthorized
	case ErrServer:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

// login handles POST /auth/login
func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail[*Session](ErrValidation, "INVALID_BODY", err.Error()))
		return
	}
	creds.IPAddress = r.RemoteAddr
	creds.UserAgent = r.UserAgent()

	res := h.orchestrator.Login(r.Context(), creds)
	if !res.Success {
		writeJSON(w, statusFor(res.Err), res)
		return
	}

	if creds.UseCookie && res.Data != nil && res.Data.IsActive && res.Data.Token != nil {
		http.SetCookie(w, h.cookies.Cookie(res.Data.Token.AccessToken, res.Data.ExpiresAt))
	}
	writeJSON(w, http.StatusOK, res)
}

// callback handles GET/POST /auth/callback/{provider}. OAuth providers
// redirect back with code and state in the query; SAML IdPs POST a form
// with SAMLResponse and RelayState.
func (h *Handlers) callback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	providerName := vars["provider"]

	creds := Credentials{
		Provider:  providerName,
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}

	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, Fail[*Session](ErrValidation, "INVALID_FORM", err.Error()))
			return
		}
		creds.Type = ProviderSAML
		creds.SAMLResponse = r.FormValue("SAMLResponse")
		creds.RelayState = r.FormValue("RelayState")
	} else {
		creds.Type = ProviderOAuth2
		creds.AuthorizationCode = r.URL.Query().Get("code")
		creds.State = r.URL.Query().Get("state")
	}

	res := h.orchestrator.Login(r.Context(), creds)
	if !res.Success {
		writeJSON(w, statusFor(res.Err), res)
		return
	}

	if res.Data != nil && res.Data.IsActive && res.Data.Token != nil {
		http.SetCookie(w, h.cookies.Cookie(res.Data.Token.AccessToken, res.Data.ExpiresAt))
	}
	writeJSON(w, http.StatusOK, res)
}

// logout handles POST /auth/logout
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	res := h.orchestrator.Logout(r.Context())
	http.SetCookie(w, h.cookies.ClearCookie())
	if !res.Success {
		writeJSON(w, statusFor(res.Err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// validate handles GET /auth/validate
func (h *Handlers) validate(w http.ResponseWriter, r *http.Request) {
	res := h.orchestrator.Validate(r.Context())
	if !res.Success {
		writeJSON(w, statusFor(res.Err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// refresh handles POST /auth/refresh
func (h *Handlers) refresh(w http.ResponseWriter, r *http.Request) {
	res := h.orchestrator.Refresh(r.Context())
	if !res.Success {
		writeJSON(w, statusFor(res.Err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// capabilities handles GET /auth/capabilities
func (h *Handlers) capabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orchestrator.CapabilitiesByType())
}

// listProviders handles GET /providers
func (h *Handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	if h.storage == nil {
		http.Error(w, "provider storage is not configured", http.StatusServiceUnavailable)
		return
	}
	enabledOnly := r.URL.Query().Get("enabled") == "true"

	records, err := h.storage.ListProviders(enabledOnly)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// createProvider handles POST /providers
func (h *Handlers) createProvider(w http.ResponseWriter, r *http.Request) {
	if h.storage == nil {
		http.Error(w, "provider storage is not configured", http.StatusServiceUnavailable)
		return
	}

	var rec ProviderRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if rec.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if rec.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	exists, err := h.storage.ProviderExists(rec.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if exists {
		http.Error(w, "provider with this name already exists", http.StatusConflict)
		return
	}

	if err := h.storage.CreateProvider(&rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// getProvider handles GET /providers/{name}
func (h *Handlers) getProvider(w http.ResponseWriter, r *http.Request) {
	if h.storage == nil {
		http.Error(w, "provider storage is not configured", http.StatusServiceUnavailable)
		return
	}
	name := mux.Vars(r)["name"]

	rec, err := h.storage.GetProvider(name)
	if err == sql.ErrNoRows {
		http.Error(w, "provider not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// updateProvider handles PUT /providers/{name}
func (h *Handlers) updateProvider(w http.ResponseWriter, r *http.Request) {
	if h.storage == nil {
		http.Error(w, "provider storage is not configured", http.StatusServiceUnavailable)
		return
	}
	name := mux.Vars(r)["name"]

	existing, err := h.storage.GetProvider(name)
	if err == sql.ErrNoRows {
		http.Error(w, "provider not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var rec ProviderRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	rec.ID = existing.ID
	rec.Name = existing.Name

	if err := h.storage.UpdateProvider(&rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// deleteProvider handles DELETE /providers/{name}
func (h *Handlers) deleteProvider(w http.ResponseWriter, r *http.Request) {
	if h.storage == nil {
		http.Error(w, "provider storage is not configured", http.StatusServiceUnavailable)
		return
	}
	name := mux.Vars(r)["name"]

	if err := h.storage.DeleteProvider(name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// samlMetadata handles GET /sso/metadata/{name}
func (h *Handlers) samlMetadata(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	entityID := h.baseURL + "/sso/metadata/" + name
	acsURL := h.baseURL + "/auth/callback/" + name

	w.Header().Set("Content-Type", "application/xml")
	w.Write(SPMetadata(entityID, acsURL))
}
