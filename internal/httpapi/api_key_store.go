package httpapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"apiguard/internal/auth"
	"apiguard/internal/models"
	"apiguard/internal/storage"
)

// DatabaseCredentialStore implements auth.CredentialStore using the database repository
type DatabaseCredentialStore struct {
	repo *storage.APIKeyRepository
}

// NewDatabaseCredentialStore creates a new database-backed credential store
func NewDatabaseCredentialStore(repo *storage.APIKeyRepository) *DatabaseCredentialStore {
	return &DatabaseCredentialStore{
		repo: repo,
	}
}

// FindActiveByHash looks the fingerprint up (with caching) and maps a miss
// to auth.ErrKeyNotFound. Any other failure is a store error.
func (s *DatabaseCredentialStore) FindActiveByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	key, err := s.repo.FindActiveByHash(ctx, keyHash)
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			return nil, auth.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to lookup API key: %w", err)
	}
	return key, nil
}

func (s *DatabaseCredentialStore) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	return s.repo.TouchLastUsed(ctx, id)
}
