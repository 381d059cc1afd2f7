package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// TokenPrefix identifies authrelay-minted opaque tokens.
	TokenPrefix = "arl_"
	// TokenLength is the number of random bytes per token (256 bits).
	TokenLength = 32
)

// TokenGenerator mints and hashes the opaque access, refresh and session
// tokens used by providers that issue credentials locally.
type TokenGenerator struct{}

// NewTokenGenerator creates a new token generator.
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// Generate creates a new opaque token and its SHA-256 hash. The plaintext
// token is returned exactly once; only the hash is ever stored.
func (tg *TokenGenerator) Generate() (token string, tokenHash string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	token = TokenPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	return token, tg.Hash(token), nil
}

// Hash computes the SHA-256 hex digest of a token for storage and lookup.
func (tg *TokenGenerator) Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ValidateFormat checks that a token carries the authrelay prefix and a
// well-formed base64url payload.
func (tg *TokenGenerator) ValidateFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}

	encoded := strings.TrimPrefix(token, TokenPrefix)
	if encoded == "" {
		return fmt.Errorf("token is too short")
	}

	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	return nil
}
