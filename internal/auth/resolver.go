package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"apiguard/internal/models"
	"apiguard/internal/utils"
)

// CredentialStore looks up API keys by fingerprint.
// FindActiveByHash returns ErrKeyNotFound when nothing active matches.
type CredentialStore interface {
	FindActiveByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID) error
}

// Resolver turns bearer tokens into usable API keys.
type Resolver struct {
	store        CredentialStore
	touchTimeout time.Duration
	now          func() time.Time
	logger       *utils.Logger
	pending      sync.WaitGroup
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithTouchTimeout bounds the background last-used update.
func WithTouchTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.touchTimeout = d }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithResolverLogger replaces the default logger.
func WithResolverLogger(l *utils.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver backed by store.
func NewResolver(store CredentialStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:        store,
		touchTimeout: 2 * time.Second,
		now:          time.Now,
		logger:       utils.NewLogger("resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ExtractBearerToken pulls the token out of an "Authorization: Bearer <token>" value.
func ExtractBearerToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

// ResolveRequest extracts the bearer token from r and resolves it.
func (r *Resolver) ResolveRequest(req *http.Request) (*models.APIKey, error) {
	token, ok := ExtractBearerToken(req.Header.Get("Authorization"))
	if !ok {
		return nil, ErrKeyNotFound
	}
	return r.Resolve(req.Context(), token)
}

// Resolve returns the active, unexpired key matching rawKey.
// Unknown keys yield ErrKeyNotFound; store failures wrap ErrStoreUnavailable.
func (r *Resolver) Resolve(ctx context.Context, rawKey string) (*models.APIKey, error) {
	if rawKey == "" {
		return nil, ErrKeyNotFound
	}

	key, err := r.store.FindActiveByHash(ctx, HashKey(rawKey))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	// The store filters on active, but a cached row may have expired since.
	if key == nil || !key.IsUsableAt(r.now()) {
		return nil, ErrKeyNotFound
	}

	r.touch(key.ID)
	return key, nil
}

// touch records last use without holding up the request.
func (r *Resolver) touch(id uuid.UUID) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.touchTimeout)
		defer cancel()

		if err := r.store.TouchLastUsed(ctx, id); err != nil {
			r.logger.Warn("Failed to update key last used", "api_key_id", id, "error", err)
		}
	}()
}

// Wait blocks until background last-used updates have finished.
func (r *Resolver) Wait() {
	r.pending.Wait()
}
