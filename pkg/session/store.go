package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("session not found")

// Record is the persisted state of one session. The record is keyed by the
// SHA-256 hash of the session token; the plaintext token never reaches the
// store.
type Record struct {
	Key          string            `json:"key"`
	UserID       string            `json:"user_id"`
	Email        string            `json:"email"`
	Provider     string            `json:"provider"`
	Roles        []string          `json:"roles,omitempty"`
	Permissions  []string          `json:"permissions,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	LastAccessed time.Time         `json:"last_accessed"`
	IPAddress    string            `json:"ip_address,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	IsActive     bool              `json:"is_active"`
}

// Store persists session records. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is the in-process store used for single-instance deployments
// and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Get returns a copy of the record so callers cannot mutate stored state.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Put stores a copy of the record.
func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.Key] = &cp
	return nil
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
