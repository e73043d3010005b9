package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"apiguard/internal/models"
	"apiguard/internal/utils"
)

const (
	defaultUsageLimit  = 50
	maxUsageLimit      = 500
	defaultUsageWindow = 24 * time.Hour
)

// UsageReader serves audit records back to the key that produced them.
// Implemented by storage.RequestStatRepository and audit.MemorySink.
type UsageReader interface {
	ListByAPIKey(ctx context.Context, apiKeyID uuid.UUID, limit int) ([]*models.RequestStat, error)
	Summary(ctx context.Context, apiKeyID uuid.UUID, since time.Time) (*models.RequestStatSummary, error)
}

// APIHandler serves the public, key-authenticated endpoints.
type APIHandler struct {
	usage UsageReader
	now   func() time.Time
}

// NewAPIHandler creates the public API handler
func NewAPIHandler(usage UsageReader) *APIHandler {
	return &APIHandler{usage: usage, now: time.Now}
}

// MeResponse describes the calling key
type MeResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	RateLimit  *int       `json:"rate_limit,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// UsageResponse is returned by GET /api/v1/usage
type UsageResponse struct {
	Since   time.Time                  `json:"since"`
	Summary *models.RequestStatSummary `json:"summary"`
	Records []*models.RequestStat      `json:"records"`
}

// Me handles GET /api/v1/me
func (h *APIHandler) Me(w http.ResponseWriter, r *http.Request, key *models.APIKey) error {
	return utils.RespondWithJSON(w, http.StatusOK, MeResponse{
		ID:         key.ID.String(),
		Name:       key.Name,
		KeyPrefix:  key.KeyPrefix,
		RateLimit:  key.RateLimitOverride(),
		ExpiresAt:  key.ExpiresAt,
		LastUsedAt: key.LastUsedAt,
	})
}

// Usage handles GET /api/v1/usage?limit=50&window=24h
func (h *APIHandler) Usage(w http.ResponseWriter, r *http.Request, key *models.APIKey) error {
	limit := defaultUsageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid limit")
			return nil
		}
		limit = min(n, maxUsageLimit)
	}

	window := defaultUsageWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid window (use a duration such as 1h)")
			return nil
		}
		window = d
	}
	since := h.now().Add(-window).UTC()

	summary, err := h.usage.Summary(r.Context(), key.ID, since)
	if err != nil {
		return fmt.Errorf("failed to summarize usage: %w", err)
	}
	records, err := h.usage.ListByAPIKey(r.Context(), key.ID, limit)
	if err != nil {
		return fmt.Errorf("failed to list usage: %w", err)
	}
	if records == nil {
		records = []*models.RequestStat{}
	}

	return utils.RespondWithJSON(w, http.StatusOK, UsageResponse{
		Since:   since,
		Summary: summary,
		Records: records,
	})
}
