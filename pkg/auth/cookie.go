package auth

import (
	"net/http"
	"time"
)

// Cookie builds the session cookie for a session identifier. The expiry
// mirrors the session window so browsers drop the cookie when the session
// would have lapsed anyway.
func (s SessionSettings) Cookie(value string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     s.CookieName,
		Value:    value,
		Path:     s.CookiePath,
		Expires:  expiresAt,
		Secure:   s.Secure,
		HttpOnly: s.HTTPOnly,
		SameSite: http.SameSite(s.SameSite),
	}
}

// ClearCookie builds the expired cookie that removes the session cookie.
func (s SessionSettings) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     s.CookieName,
		Value:    "",
		Path:     s.CookiePath,
		MaxAge:   -1,
		Secure:   s.Secure,
		HttpOnly: s.HTTPOnly,
		SameSite: http.SameSite(s.SameSite),
	}
}
