// Package credentials keeps the PulseML access and refresh tokens in memory
// and mirrors them to durable storage.
package credentials

import (
	"fmt"
	"sync"
)

// Durable storage keys
const (
	AccessTokenKey  = "pulseml_access_token"
	RefreshTokenKey = "pulseml_refresh_token"
)

// Durable is the persistent backing for a Store.
// Get returns "" and no error when the key is absent.
type Durable interface {
	Get(key string) (string, error)
	Put(key, value string) error
	Delete(key string) error
}

// Store is the token store. An empty string means "no token".
// It is safe for concurrent use; a write is visible to the very next read on
// any goroutine.
// Durable storage is only consulted until the process has set, cleared or
// loaded a token; after that memory is authoritative, so a failed durable
// erase never resurrects a cleared token.
type Store struct {
	mu      sync.RWMutex
	durable Durable
	access  slot
	refresh slot
}

type slot struct {
	value  string
	loaded bool
}

// NewStore creates a Store over the given durable backing
func NewStore(durable Durable) *Store {
	return &Store{durable: durable}
}

// SetAccessToken records token in memory and synchronously writes it to
// durable storage, erasing the durable copy when token is empty.
// The in-memory value is updated even if the durable write fails.
func (s *Store) SetAccessToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = slot{value: token, loaded: true}
	return s.sync(AccessTokenKey, token)
}

// AccessToken returns the in-memory token, loading it from durable storage
// on first use.
func (s *Store) AccessToken() string {
	return s.read(&s.access, AccessTokenKey)
}

// SetRefreshToken persists the refresh token. It is stored but never sent.
func (s *Store) SetRefreshToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = slot{value: token, loaded: true}
	return s.sync(RefreshTokenKey, token)
}

// RefreshToken returns the refresh token, loading it from durable storage on
// first use.
func (s *Store) RefreshToken() string {
	return s.read(&s.refresh, RefreshTokenKey)
}

func (s *Store) read(sl *slot, key string) string {
	s.mu.RLock()
	if sl.loaded {
		defer s.mu.RUnlock()
		return sl.value
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if sl.loaded {
		return sl.value
	}
	stored, err := s.durable.Get(key)
	if err != nil {
		// retried on the next read
		return ""
	}
	*sl = slot{value: stored, loaded: true}
	return stored
}

// Clear erases both tokens from memory and durable storage.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = slot{loaded: true}
	s.refresh = slot{loaded: true}

	var firstErr error
	for _, key := range []string{AccessTokenKey, RefreshTokenKey} {
		if err := s.durable.Delete(key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to erase %s: %w", key, err)
		}
	}
	return firstErr
}

// sync must be called with mu held
func (s *Store) sync(key, value string) error {
	if value == "" {
		if err := s.durable.Delete(key); err != nil {
			return fmt.Errorf("failed to erase %s: %w", key, err)
		}
		return nil
	}
	if err := s.durable.Put(key, value); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return nil
}

// MemoryDurable is an in-process Durable, used when no database is configured
// and in tests.
type MemoryDurable struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryDurable creates an empty MemoryDurable
func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{values: make(map[string]string)}
}

func (m *MemoryDurable) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *MemoryDurable) Put(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryDurable) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
