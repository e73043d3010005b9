package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"apiguard/internal/auth"
	"apiguard/internal/models"
	"apiguard/internal/ratelimit"
	"apiguard/internal/storage"
	"apiguard/internal/utils"
)

// KeyManager is the key administration surface of storage.APIKeyRepository.
type KeyManager interface {
	Create(ctx context.Context, key *models.APIKey) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.APIKey, error)
	SetRateLimit(ctx context.Context, id uuid.UUID, limit *int) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// AdminAPIKeysHandler handles API key management endpoints
type AdminAPIKeysHandler struct {
	keys    KeyManager
	limiter ratelimit.Limiter
	logger  *utils.Logger
}

// NewAdminAPIKeysHandler creates a new admin API keys handler
func NewAdminAPIKeysHandler(keys KeyManager, limiter ratelimit.Limiter) *AdminAPIKeysHandler {
	return &AdminAPIKeysHandler{
		keys:    keys,
		limiter: limiter,
		logger:  utils.NewLogger("admin-keys"),
	}
}

// CreateAPIKeyRequest represents the request to create a new API key
type CreateAPIKeyRequest struct {
	UserID    string  `json:"user_id"`
	Name      string  `json:"name"`
	RateLimit *int    `json:"rate_limit,omitempty"`
	ExpiresAt *string `json:"expires_at,omitempty"` // RFC3339 format
}

// SetRateLimitRequest sets or (with null) clears the per-key override
type SetRateLimitRequest struct {
	RateLimit *int `json:"rate_limit"`
}

// APIKeyResponse represents an API key response (without plaintext key or hash)
type APIKeyResponse struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	Name       string  `json:"name"`
	KeyPrefix  string  `json:"key_prefix"`
	Active     bool    `json:"active"`
	RateLimit  *int    `json:"rate_limit,omitempty"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
	LastUsedAt *string `json:"last_used_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// APIKeyCreatedResponse represents the response when creating a new API key
// This is the ONLY time the plaintext key is returned
type APIKeyCreatedResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func newAPIKeyResponse(key *models.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:         key.ID.String(),
		UserID:     key.UserID.String(),
		Name:       key.Name,
		KeyPrefix:  key.KeyPrefix,
		Active:     key.Active,
		RateLimit:  key.RateLimit,
		ExpiresAt:  formatTime(key.ExpiresAt),
		LastUsedAt: formatTime(key.LastUsedAt),
		CreatedAt:  key.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  key.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func parseKeyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid API key ID")
		return uuid.Nil, false
	}
	return id, true
}

// respondStoreError writes 404 for unknown keys and 500 for everything else.
func (h *AdminAPIKeysHandler) respondStoreError(w http.ResponseWriter, action string, id uuid.UUID, err error) {
	if errors.Is(err, storage.ErrAPIKeyNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "API key not found")
		return
	}
	h.logger.Error("Admin key operation failed", "action", action, "api_key_id", id, "error", err)
	utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error")
}

// Create handles POST /admin/keys
func (h *AdminAPIKeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if req.Name == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "Name is required")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid user_id")
		return
	}
	if req.RateLimit != nil && *req.RateLimit < 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "rate_limit must not be negative")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil && *req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid expires_at format (use RFC3339)")
			return
		}
		expiresAt = &parsed
	}

	rawKey, err := auth.GenerateKey()
	if err != nil {
		h.logger.Error("Failed to generate API key", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	key := &models.APIKey{
		UserID:    userID,
		Name:      req.Name,
		KeyHash:   auth.HashKey(rawKey),
		KeyPrefix: auth.DisplayPrefix(rawKey),
		Active:    true,
		ExpiresAt: expiresAt,
		RateLimit: req.RateLimit,
	}
	if err := h.keys.Create(r.Context(), key); err != nil {
		h.respondStoreError(w, "create", key.ID, err)
		return
	}

	h.logger.Info("API key created", "api_key_id", key.ID, "user_id", userID, "key_prefix", key.KeyPrefix)
	utils.RespondWithJSON(w, http.StatusCreated, APIKeyCreatedResponse{
		APIKeyResponse: newAPIKeyResponse(key),
		Key:            rawKey,
	})
}

// List handles GET /admin/keys?user_id=...&limit=50&offset=0
func (h *AdminAPIKeysHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, err := uuid.Parse(q.Get("user_id"))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	limit, offset := 50, 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	keys, err := h.keys.List(r.Context(), userID, limit, offset)
	if err != nil {
		h.respondStoreError(w, "list", uuid.Nil, err)
		return
	}

	resp := make([]APIKeyResponse, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, newAPIKeyResponse(k))
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// Get handles GET /admin/keys/{id}
func (h *AdminAPIKeysHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseKeyID(w, r)
	if !ok {
		return
	}
	key, err := h.keys.GetByID(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, "get", id, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, newAPIKeyResponse(key))
}

// SetRateLimit handles PUT /admin/keys/{id}/rate-limit
func (h *AdminAPIKeysHandler) SetRateLimit(w http.ResponseWriter, r *http.Request) {
	id, ok := parseKeyID(w, r)
	if !ok {
		return
	}
	var req SetRateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.RateLimit != nil && *req.RateLimit < 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "rate_limit must not be negative")
		return
	}

	if err := h.keys.SetRateLimit(r.Context(), id, req.RateLimit); err != nil {
		h.respondStoreError(w, "set_rate_limit", id, err)
		return
	}
	h.logger.Info("API key rate limit updated", "api_key_id", id, "rate_limit", req.RateLimit)
	w.WriteHeader(http.StatusNoContent)
}

// ResetRateLimit handles DELETE /admin/keys/{id}/rate-limit. It clears the
// key's counters on every route so the next request starts a fresh window.
func (h *AdminAPIKeysHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	id, ok := parseKeyID(w, r)
	if !ok {
		return
	}
	if err := h.limiter.ResetAll(r.Context(), id.String()); err != nil {
		h.logger.Error("Failed to reset rate limit counters", "api_key_id", id, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.logger.Info("Rate limit counters reset", "api_key_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// Deactivate handles POST /admin/keys/{id}/deactivate
func (h *AdminAPIKeysHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseKeyID(w, r)
	if !ok {
		return
	}
	if err := h.keys.Deactivate(r.Context(), id); err != nil {
		h.respondStoreError(w, "deactivate", id, err)
		return
	}
	// Stale counters would otherwise outlive the key until their windows end.
	if err := h.limiter.ResetAll(r.Context(), id.String()); err != nil {
		h.logger.Warn("Failed to clear counters of deactivated key", "api_key_id", id, "error", err)
	}
	h.logger.Info("API key deactivated", "api_key_id", id)
	w.WriteHeader(http.StatusNoContent)
}
