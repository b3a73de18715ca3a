package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemorySecretStore is an in-memory [SecretStore] for tests and short-lived
// tools. Production callers should supply a store backed by the OS keychain.
type MemorySecretStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemorySecretStore returns an empty in-memory secret store.
func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{values: make(map[string]string)}
}

func (s *MemorySecretStore) Save(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemorySecretStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *MemorySecretStore) FindAll(_ context.Context, prefix string) ([]Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var creds []Credential
	for key := range s.values {
		if strings.HasPrefix(key, prefix) {
			creds = append(creds, Credential{Key: key, AccountID: accountIDFromKey(key)})
		}
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].Key < creds[j].Key })
	return creds, nil
}

func (s *MemorySecretStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// accountIDFromKey recovers the account segment from a composite cache key.
func accountIDFromKey(key string) string {
	for _, marker := range []string{"_access_", "_refresh_"} {
		if i := strings.Index(key, marker); i >= 0 {
			return key[:i]
		}
	}
	return key
}

// MemoryExpiryStore is the default volatile expiry store: a process-local map
// that intentionally does not survive restarts.
type MemoryExpiryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryExpiryStore returns an empty in-memory expiry store.
func NewMemoryExpiryStore() *MemoryExpiryStore {
	return &MemoryExpiryStore{values: make(map[string]string)}
}

func (s *MemoryExpiryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryExpiryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok, nil
}
