package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"apiguard/internal/models"
)

const insertRequestStat = `
	INSERT INTO request_stats (
		id, api_key_id, request_id, route, path, method, status_code,
		duration_ms, cpu_time_ms, memory_delta_bytes, response_size, cache_hit,
		error_message, error_kind, user_agent, ip_address, query_params, created_at
	) VALUES (
		:id, :api_key_id, :request_id, :route, :path, :method, :status_code,
		:duration_ms, :cpu_time_ms, :memory_delta_bytes, :response_size, :cache_hit,
		:error_message, :error_kind, :user_agent, :ip_address, :query_params, :created_at
	)
	ON CONFLICT (id) DO NOTHING
`

// RequestStatRepository persists audit records. Rows are insert-only.
type RequestStatRepository struct {
	db *DB
}

func NewRequestStatRepository(db *DB) *RequestStatRepository {
	return &RequestStatRepository{db: db}
}

// Create inserts a single record. Re-inserting the same id is a no-op so
// retried writes stay idempotent.
func (r *RequestStatRepository) Create(ctx context.Context, rec *models.RequestStat) error {
	return insertStat(ctx, r.db.conn, rec)
}

// CreateBatch inserts all records in one transaction.
func (r *RequestStatRepository) CreateBatch(ctx context.Context, recs []*models.RequestStat) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if err := insertStat(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertStat(ctx context.Context, ext sqlx.ExtContext, rec *models.RequestStat) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if _, err := sqlx.NamedExecContext(ctx, ext, insertRequestStat, rec); err != nil {
		return fmt.Errorf("failed to insert request stat: %w", err)
	}
	return nil
}

// ListByAPIKey returns the newest records for a key.
func (r *RequestStatRepository) ListByAPIKey(ctx context.Context, apiKeyID uuid.UUID, limit int) ([]*models.RequestStat, error) {
	query := `
		SELECT id, api_key_id, request_id, route, path, method, status_code,
		       duration_ms, cpu_time_ms, memory_delta_bytes, response_size, cache_hit,
		       error_message, error_kind, user_agent, ip_address, query_params, created_at
		FROM request_stats
		WHERE api_key_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	var recs []*models.RequestStat
	if err := r.db.conn.SelectContext(ctx, &recs, query, apiKeyID, limit); err != nil {
		return nil, fmt.Errorf("failed to list request stats: %w", err)
	}
	return recs, nil
}

// Summary aggregates a key's records created at or after since.
func (r *RequestStatRepository) Summary(ctx context.Context, apiKeyID uuid.UUID, since time.Time) (*models.RequestStatSummary, error) {
	query := `
		SELECT COUNT(*) AS total_requests,
		       COUNT(*) FILTER (WHERE status_code >= 400) AS error_requests,
		       COUNT(*) FILTER (WHERE status_code = 429) AS rate_limited,
		       COALESCE(AVG(duration_ms), 0) AS avg_duration_ms
		FROM request_stats
		WHERE api_key_id = $1 AND created_at >= $2
	`

	var sum models.RequestStatSummary
	if err := r.db.conn.GetContext(ctx, &sum, query, apiKeyID, since); err != nil {
		return nil, fmt.Errorf("failed to summarise request stats: %w", err)
	}
	return &sum, nil
}
