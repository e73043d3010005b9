package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestStat is the audit row written once per public API call.
type RequestStat struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	APIKeyID         *uuid.UUID `db:"api_key_id" json:"api_key_id,omitempty"`
	RequestID        string     `db:"request_id" json:"request_id"`
	Route            string     `db:"route" json:"route"`
	Path             string     `db:"path" json:"path"`
	Method           string     `db:"method" json:"method"`
	StatusCode       int        `db:"status_code" json:"status_code"`
	DurationMS       float64    `db:"duration_ms" json:"duration_ms"`
	CPUTimeMS        *float64   `db:"cpu_time_ms" json:"cpu_time_ms,omitempty"`
	MemoryDeltaBytes *int64     `db:"memory_delta_bytes" json:"memory_delta_bytes,omitempty"`
	ResponseSize     *int64     `db:"response_size" json:"response_size,omitempty"`
	CacheHit         *bool      `db:"cache_hit" json:"cache_hit,omitempty"`
	ErrorMessage     *string    `db:"error_message" json:"error_message,omitempty"`
	ErrorKind        *string    `db:"error_kind" json:"error_kind,omitempty"`
	UserAgent        string     `db:"user_agent" json:"user_agent"`
	IPAddress        string     `db:"ip_address" json:"ip_address"`
	QueryParams      JSONB      `db:"query_params" json:"query_params,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// IsError reports whether the call ended with a 4xx/5xx status.
func (s *RequestStat) IsError() bool {
	return s.StatusCode >= 400
}

// RequestStatSummary aggregates audit rows for one key over a time range.
type RequestStatSummary struct {
	TotalRequests     int64   `db:"total_requests" json:"total_requests"`
	ErrorRequests     int64   `db:"error_requests" json:"error_requests"`
	RateLimited       int64   `db:"rate_limited" json:"rate_limited"`
	AverageDurationMS float64 `db:"avg_duration_ms" json:"avg_duration_ms"`
}
