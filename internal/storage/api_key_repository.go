package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"apiguard/internal/models"
)

const apiKeyColumns = `id, user_id, name, key_hash, key_prefix, active, expires_at,
		       rate_limit, last_used_at, created_at, updated_at`

// APIKeyRepository handles API key database operations. Lookups by
// fingerprint are cached; every write that can change usability
// invalidates the cached entry.
type APIKeyRepository struct {
	db    *DB
	cache *LRUCache[*models.APIKey]
	now   func() time.Time
}

// NewAPIKeyRepository creates a new API key repository
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{
		db:    db,
		cache: db.apiKeyCache,
		now:   time.Now,
	}
}

// FindActiveByHash returns the active, unexpired key with the given
// fingerprint or ErrAPIKeyNotFound.
func (r *APIKeyRepository) FindActiveByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	if cached, found := r.cache.Get(keyHash); found {
		// The entry may have expired while cached.
		if !cached.IsUsableAt(r.now()) {
			r.cache.Delete(keyHash)
			return nil, ErrAPIKeyNotFound
		}
		key := *cached
		return &key, nil
	}

	var key models.APIKey
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE key_hash = $1 AND active = true
		  AND (expires_at IS NULL OR expires_at > NOW())
	`
	if err := r.db.conn.GetContext(ctx, &key, query, keyHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to get API key: %w", err)
	}

	cached := key
	r.cache.Set(keyHash, &cached)
	return &key, nil
}

// TouchLastUsed stamps last_used_at. The cache is left alone since the
// timestamp plays no part in authentication.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.conn.ExecContext(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to update last_used_at: %w", err)
	}
	return nil
}

// GetByID retrieves an API key by ID regardless of its state.
func (r *APIKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	var key models.APIKey
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`

	if err := r.db.conn.GetContext(ctx, &key, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to get API key: %w", err)
	}
	return &key, nil
}

// Create inserts key and fills in its id and timestamps.
func (r *APIKeyRepository) Create(ctx context.Context, key *models.APIKey) error {
	query := `
		INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, active, expires_at, rate_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}

	err := r.db.conn.QueryRowxContext(
		ctx, query,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix,
		key.Active, key.ExpiresAt, key.RateLimit,
	).Scan(&key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}

	r.cache.Delete(key.KeyHash)
	return nil
}

// Deactivate disables a key and evicts it from the cache.
func (r *APIKeyRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	var keyHash string
	err := r.db.conn.GetContext(ctx, &keyHash, `
		UPDATE api_keys SET active = false, updated_at = NOW()
		WHERE id = $1
		RETURNING key_hash
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAPIKeyNotFound
		}
		return fmt.Errorf("failed to deactivate API key: %w", err)
	}

	r.cache.Delete(keyHash)
	return nil
}

// SetRateLimit sets or clears (nil) the per-key override.
func (r *APIKeyRepository) SetRateLimit(ctx context.Context, id uuid.UUID, limit *int) error {
	var keyHash string
	err := r.db.conn.GetContext(ctx, &keyHash, `
		UPDATE api_keys SET rate_limit = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING key_hash
	`, id, limit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAPIKeyNotFound
		}
		return fmt.Errorf("failed to set rate limit: %w", err)
	}

	r.cache.Delete(keyHash)
	return nil
}

// List returns keys for a user, newest first.
func (r *APIKeyRepository) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	var keys []*models.APIKey
	if err := r.db.conn.SelectContext(ctx, &keys, query, userID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	return keys, nil
}
