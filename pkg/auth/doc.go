// Package auth implements the multi-provider authentication core of
// authrelay.
//
// # Overview
//
// Five protocols sit behind one Provider contract: stateless JWT, OAuth2
// with PKCE, SAML 2.0 Web SSO, LDAP bind, and the cookie-backed session
// provider in pkg/session. Every operation returns a Result envelope; a
// failed exchange is data, never a panic.
//
// # Supported Protocols
//
// JWT: bearer-token validation and locally minted sessions
// OAuth2/OIDC: authorization-code flow with PKCE, discovery via issuer URL
// SAML 2.0: SP-initiated Web SSO with optional XML signature verification
// LDAP: service-account search followed by a bind as the user's own DN
//
// # Usage Example
//
// Compose the registry and orchestrator:
//
//	registry := auth.NewRegistry()
//	registry.Register(auth.NewJWTProvider(log))
//	registry.Register(auth.NewOAuth2Provider(log))
//	registry.Register(auth.NewSAMLProvider(log))
//	registry.Register(auth.NewLDAPProvider(log))
//
//	orchestrator := auth.NewOrchestrator(registry, log,
//		auth.WithPersister(sessions),
//		auth.WithMetrics(metrics))
//
//	res := orchestrator.Login(ctx, auth.Credentials{
//		Type:     auth.ProviderOAuth2,
//		Provider: "google",
//	})
//
// A pending Result (IsActive=false) carries the redirect URL in the session
// metadata; the callback resumes the exchange with the authorization code or
// SAML response.
//
// # Related Packages
//
//   - pkg/session: session lifecycle, auto-refresh and cross-instance sync
//   - pkg/observability: structured logging and Prometheus metrics
package auth
