package cache

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned when a cache key is missing its tenant or
	// resource component.
	ErrInvalidKey = errors.New("cache key missing tenant or resource id")
	// ErrSaveFailed wraps secret-store or expiry-store write failures.
	ErrSaveFailed = errors.New("adding account to cache failed")
	// ErrReadFailed wraps secret-store read failures.
	ErrReadFailed = errors.New("getting account from cache failed")
)

// Key addresses one cache entry.
type Key struct {
	AccountID  string
	TenantID   string
	ResourceID string
}

func (k Key) valid() bool {
	return k.AccountID != "" && k.TenantID != "" && k.ResourceID != ""
}

// AccessKey is the secret-store key of the access-token blob.
func (k Key) AccessKey() string {
	return k.AccountID + "_access_" + k.ResourceID + "_" + k.TenantID
}

// RefreshKey is the secret-store key of the refresh-token blob.
func (k Key) RefreshKey() string {
	return k.AccountID + "_refresh_" + k.ResourceID + "_" + k.TenantID
}

// ExpiryKey is the expiry-store key of the entry's expires_on value.
func (k Key) ExpiryKey() string {
	return k.AccountID + "_" + k.TenantID + "_" + k.ResourceID
}

// Credential is one stored secret as reported by [SecretStore.FindAll].
type Credential struct {
	Key       string
	AccountID string
}

// SecretStore is the secure credential store contract. Implementations are
// expected to be backed by an OS keychain or equivalent; [MemorySecretStore]
// exists for tests and short-lived tools.
type SecretStore interface {
	Save(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	FindAll(ctx context.Context, prefix string) ([]Credential, error)
	Clear(ctx context.Context, key string) error
}

// ExpiryStore holds expiry timestamps. It is volatile: it is not required to
// survive a process restart, and a missing value is normal on first launch.
type ExpiryStore interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
}

// Entry is one cache read result. Access and Refresh are the raw JSON strings
// stored by the engine; ExpiresOn is the raw expiry value, empty when the
// volatile store had none.
type Entry struct {
	Access    string
	Refresh   string
	ExpiresOn string
}

// Store combines the secret store and the volatile expiry store into the
// engine's token cache.
type Store struct {
	secrets SecretStore
	expiry  ExpiryStore
}

// NewStore builds a Store over the given sub-stores.
func NewStore(secrets SecretStore, expiry ExpiryStore) *Store {
	return &Store{secrets: secrets, expiry: expiry}
}

// Save writes the access blob, the refresh blob, and the expiry value for k.
// The three writes are not transactional: a crash or concurrent writer between
// them can leave the expiry stale relative to the secrets.
func (s *Store) Save(ctx context.Context, k Key, accessJSON, refreshJSON, expiresOn string) error {
	if !k.valid() {
		return ErrInvalidKey
	}
	if err := s.secrets.Save(ctx, k.AccessKey(), accessJSON); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	if err := s.secrets.Save(ctx, k.RefreshKey(), refreshJSON); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	if err := s.expiry.Set(ctx, k.ExpiryKey(), expiresOn); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return nil
}

// Lookup reads the entry for k. A missing or empty access blob means the entry
// is absent and yields (nil, nil); a missing expiry yields an entry with an
// empty ExpiresOn, which the engine treats as already expired.
func (s *Store) Lookup(ctx context.Context, k Key) (*Entry, error) {
	if !k.valid() {
		return nil, ErrInvalidKey
	}
	access, ok, err := s.secrets.Get(ctx, k.AccessKey())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	if !ok || access == "" {
		return nil, nil
	}
	refresh, _, err := s.secrets.Get(ctx, k.RefreshKey())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	expiresOn, _, err := s.expiry.Get(ctx, k.ExpiryKey())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return &Entry{Access: access, Refresh: refresh, ExpiresOn: expiresOn}, nil
}

// DeleteAccount removes every secret whose stored account identifier matches
// accountID.
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	creds, err := s.secrets.FindAll(ctx, accountID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	for _, cred := range creds {
		if err := s.secrets.Clear(ctx, cred.Key); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll removes every secret held by the secret store.
func (s *Store) DeleteAll(ctx context.Context) error {
	creds, err := s.secrets.FindAll(ctx, "")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	for _, cred := range creds {
		if err := s.secrets.Clear(ctx, cred.Key); err != nil {
			return err
		}
	}
	return nil
}
