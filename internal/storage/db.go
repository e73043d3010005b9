package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"apiguard/internal/models"
)

// DB wraps the database connection and the API key cache.
type DB struct {
	conn *sqlx.DB

	apiKeyCache *LRUCache[*models.APIKey]

	stopJanitor chan struct{}
	janitorDone chan struct{}
}

// DBConfig holds database configuration
type DBConfig struct {
	// URL is a full DSN (postgres://...). When set, the discrete fields
	// below are ignored.
	URL string

	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// API key lookups are cached by fingerprint.
	APIKeyCacheSize int
	APIKeyCacheTTL  time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "apiguard",
		User:     "postgres",
		SSLMode:  "disable",

		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		APIKeyCacheSize: 1000,
		APIKeyCacheTTL:  30 * time.Second,
	}
}

// DSN returns the connection string for cfg.
func (cfg DBConfig) DSN() string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode,
	)
}

// NewDB connects to Postgres and configures the pool.
func NewDB(cfg DBConfig) (*DB, error) {
	conn, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return NewDBWithConn(conn, cfg), nil
}

// NewDBWithConn wraps an existing connection.
func NewDBWithConn(conn *sqlx.DB, cfg DBConfig) *DB {
	return &DB{
		conn:        conn,
		apiKeyCache: NewLRUCache[*models.APIKey](cfg.APIKeyCacheSize, cfg.APIKeyCacheTTL),
	}
}

// Close stops the cache janitor, clears the cache and closes the connection.
func (db *DB) Close() error {
	if db.stopJanitor != nil {
		close(db.stopJanitor)
		<-db.janitorDone
		db.stopJanitor = nil
	}
	db.apiKeyCache.Clear()
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health pings and runs a trivial query.
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}
	return nil
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return db.conn.BeginTxx(ctx, opts)
}

// StartCacheJanitor drops expired API key cache entries every interval
// until Close is called.
func (db *DB) StartCacheJanitor(interval time.Duration) {
	if interval <= 0 || db.stopJanitor != nil {
		return
	}
	db.stopJanitor = make(chan struct{})
	db.janitorDone = make(chan struct{})

	go func() {
		defer close(db.janitorDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				db.apiKeyCache.CleanupExpired()
			case <-db.stopJanitor:
				return
			}
		}
	}()
}

// NewAPIKeyRepository creates a repository sharing the DB's cache.
func (db *DB) NewAPIKeyRepository() *APIKeyRepository {
	return NewAPIKeyRepository(db)
}

// NewRequestStatRepository creates an audit record repository.
func (db *DB) NewRequestStatRepository() *RequestStatRepository {
	return NewRequestStatRepository(db)
}
