package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey is a caller credential for the public API. Only the SHA-256 hash of
// the raw token is stored; KeyPrefix keeps the first characters for display.
type APIKey struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	UserID     uuid.UUID  `db:"user_id" json:"user_id"`
	Name       string     `db:"name" json:"name"`
	KeyHash    string     `db:"key_hash" json:"-"`
	KeyPrefix  string     `db:"key_prefix" json:"key_prefix"`
	Active     bool       `db:"active" json:"active"`
	ExpiresAt  *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	RateLimit  *int       `db:"rate_limit" json:"rate_limit,omitempty"` // NULL = use route policy
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// IsExpired checks if the key has expired
func (k *APIKey) IsExpired() bool {
	return k.isExpiredAt(time.Now())
}

func (k *APIKey) isExpiredAt(now time.Time) bool {
	if k.ExpiresAt == nil {
		return false
	}
	return !k.ExpiresAt.After(now)
}

// IsUsable reports whether the key may authenticate a request right now.
func (k *APIKey) IsUsable() bool {
	return k.IsUsableAt(time.Now())
}

// IsUsableAt is IsUsable evaluated against a fixed clock.
func (k *APIKey) IsUsableAt(now time.Time) bool {
	return k.Active && !k.isExpiredAt(now)
}

// RateLimitOverride returns the per-key limit, or nil when none is set.
func (k *APIKey) RateLimitOverride() *int {
	if k.RateLimit == nil || *k.RateLimit <= 0 {
		return nil
	}
	return k.RateLimit
}
