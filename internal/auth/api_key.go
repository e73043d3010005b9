package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"apiguard/internal/models"
)

// InMemoryCredentialStore is a map-backed CredentialStore for local runs and tests.
type InMemoryCredentialStore struct {
	mu   sync.RWMutex
	keys map[string]*models.APIKey // hash(API key) -> record
	// TouchErr, when set, is returned by TouchLastUsed.
	TouchErr error
}

func NewInMemoryCredentialStore() *InMemoryCredentialStore {
	return &InMemoryCredentialStore{
		keys: make(map[string]*models.APIKey),
	}
}

// Add registers rawKey and returns the stored record.
func (s *InMemoryCredentialStore) Add(rawKey string, key models.APIKey) *models.APIKey {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	key.KeyHash = HashKey(rawKey)
	key.KeyPrefix = DisplayPrefix(rawKey)
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.KeyHash] = &key
	return &key
}

// Deactivate flips the active flag of the key with the given id.
func (s *InMemoryCredentialStore) Deactivate(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id {
			k.Active = false
			return true
		}
	}
	return false
}

func (s *InMemoryCredentialStore) FindActiveByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.keys[keyHash]
	if !ok || !rec.Active {
		return nil, ErrKeyNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryCredentialStore) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	if s.TouchErr != nil {
		return s.TouchErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id {
			now := time.Now()
			k.LastUsedAt = &now
			return nil
		}
	}
	return ErrKeyNotFound
}

// LastUsed returns the recorded last-used time for id.
func (s *InMemoryCredentialStore) LastUsed(id uuid.UUID) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.ID == id {
			return k.LastUsedAt
		}
	}
	return nil
}
