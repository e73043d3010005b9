package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for the gateway.
type Config struct {
	HTTPPort        string
	LogLevel        string
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	// AdminJWTSecret signs operator tokens for /admin routes.
	AdminJWTSecret []byte
	// DevAPIKey seeds an in-memory credential when no database is configured.
	DevAPIKey string

	Database  DatabaseConfig
	Cache     CacheConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Enabled reports whether a database was configured.
func (c DatabaseConfig) Enabled() bool {
	return c.URL != ""
}

// CacheConfig holds cache settings
type CacheConfig struct {
	APIKeyCacheSize int
	APIKeyCacheTTL  time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Enabled reports whether a Redis address was configured.
func (c RedisConfig) Enabled() bool {
	return c.Address != ""
}

// RateLimitConfig controls per-key limiting and the pre-auth IP throttle.
type RateLimitConfig struct {
	PolicyFile string
	FailClosed bool

	// IPRequests per IPWindow are allowed before authentication runs.
	// Zero disables the throttle.
	IPRequests int
	IPWindow   time.Duration
}

// AuditConfig controls how audit records are written and persisted.
type AuditConfig struct {
	WriteTimeout time.Duration
	// MemoryLimit caps the in-process record buffer used without a database.
	MemoryLimit int
	// LogRecords also writes every record to the application log.
	LogRecords bool

	QueueName    string
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	Archive ArchiveConfig
	File    FileConfig
}

// FileConfig enables the rotating JSONL audit file when Template is set.
type FileConfig struct {
	Template      string
	MaxSizeMB     int
	MaxFiles      int
	BufferSize    int
	FlushInterval time.Duration
}

func (f FileConfig) Enabled() bool {
	return f.Template != ""
}

// ArchiveConfig holds settings for the S3 audit archive
type ArchiveConfig struct {
	Enabled  bool
	Bucket   string
	Region   string
	Prefix   string
	Endpoint string // S3-compatible endpoint, e.g. MinIO
	PodName  string // Pod identifier for multi-pod deployments
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvList(key string, defaultValue []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:        getEnvString("HTTP_PORT", "8080"),
		LogLevel:        getEnvString("LOG_LEVEL", "info"),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		CORSOrigins:     getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		AdminJWTSecret:  []byte(os.Getenv("ADMIN_JWT_SECRET")),
		DevAPIKey:       os.Getenv("DEV_API_KEY"),
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Cache: CacheConfig{
			APIKeyCacheSize: getEnvInt("CACHE_API_KEY_SIZE", 1000),
			APIKeyCacheTTL:  getEnvDuration("CACHE_API_KEY_TTL", 30*time.Second),
		},
		Redis: RedisConfig{
			Address:      os.Getenv("REDIS_ADDRESS"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 500*time.Millisecond),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 500*time.Millisecond),
		},
		RateLimit: RateLimitConfig{
			PolicyFile: os.Getenv("RATE_LIMIT_POLICY_FILE"),
			FailClosed: getEnvBool("RATE_LIMIT_FAIL_CLOSED", false),
			IPRequests: getEnvInt("IP_THROTTLE_REQUESTS", 0),
			IPWindow:   getEnvDuration("IP_THROTTLE_WINDOW", time.Minute),
		},
		Audit: AuditConfig{
			WriteTimeout: getEnvDuration("AUDIT_WRITE_TIMEOUT", time.Second),
			MemoryLimit:  getEnvInt("AUDIT_MEMORY_LIMIT", 10000),
			LogRecords:   getEnvBool("AUDIT_LOG_RECORDS", false),
			QueueName:    getEnvString("AUDIT_QUEUE_NAME", "audit"),
			BatchSize:    getEnvInt("AUDIT_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("AUDIT_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:   getEnvInt("AUDIT_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("AUDIT_RETRY_BACKOFF", time.Second),
			Archive: ArchiveConfig{
				Enabled:  getEnvBool("AUDIT_ARCHIVE_ENABLED", false),
				Bucket:   getEnvString("AUDIT_ARCHIVE_S3_BUCKET", ""),
				Region:   getEnvString("AUDIT_ARCHIVE_S3_REGION", "us-east-1"),
				Prefix:   getEnvString("AUDIT_ARCHIVE_S3_PREFIX", "audit/"),
				Endpoint: getEnvString("AUDIT_ARCHIVE_S3_ENDPOINT", ""),
				PodName:  getEnvString("POD_NAME", "apiguard-0"),
			},
			File: FileConfig{
				Template:      os.Getenv("AUDIT_FILE_TEMPLATE"),
				MaxSizeMB:     getEnvInt("AUDIT_FILE_MAX_SIZE_MB", 100),
				MaxFiles:      getEnvInt("AUDIT_FILE_MAX_FILES", 10),
				BufferSize:    getEnvInt("AUDIT_FILE_BUFFER_SIZE", 1000),
				FlushInterval: getEnvDuration("AUDIT_FILE_FLUSH_INTERVAL", 5*time.Second),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks combinations of settings that cannot work together.
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT must not be empty")
	}
	if !c.Database.Enabled() && c.DevAPIKey == "" {
		return fmt.Errorf("DATABASE_URL is required unless DEV_API_KEY is set")
	}
	if c.Audit.Archive.Enabled && c.Audit.Archive.Bucket == "" {
		return fmt.Errorf("AUDIT_ARCHIVE_S3_BUCKET is required when the audit archive is enabled")
	}
	if c.Audit.Archive.Enabled && !c.Database.Enabled() {
		return fmt.Errorf("the audit archive requires DATABASE_URL")
	}
	if c.Audit.WriteTimeout <= 0 {
		return fmt.Errorf("AUDIT_WRITE_TIMEOUT must be positive")
	}
	return nil
}
