package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/apiguard")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Database.Enabled())
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.RateLimit.FailClosed)
	assert.Equal(t, time.Second, cfg.Audit.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.Cache.APIKeyCacheTTL)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.Audit.Archive.Enabled)
	assert.False(t, cfg.Audit.File.Enabled())
	assert.Equal(t, 10, cfg.Audit.File.MaxFiles)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/apiguard")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("REDIS_ADDRESS", "redis:6379")
	t.Setenv("RATE_LIMIT_FAIL_CLOSED", "true")
	t.Setenv("RATE_LIMIT_POLICY_FILE", "/etc/apiguard/policies.yaml")
	t.Setenv("AUDIT_WRITE_TIMEOUT", "250ms")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("ADMIN_JWT_SECRET", "s3cret")
	t.Setenv("IP_THROTTLE_REQUESTS", "not-a-number")
	t.Setenv("AUDIT_FILE_TEMPLATE", "/var/log/apiguard/audit-%s.jsonl")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.True(t, cfg.Redis.Enabled())
	assert.True(t, cfg.RateLimit.FailClosed)
	assert.Equal(t, "/etc/apiguard/policies.yaml", cfg.RateLimit.PolicyFile)
	assert.Equal(t, 250*time.Millisecond, cfg.Audit.WriteTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, []byte("s3cret"), cfg.AdminJWTSecret)
	assert.Zero(t, cfg.RateLimit.IPRequests, "invalid numbers fall back to the default")
	assert.True(t, cfg.Audit.File.Enabled())
}

func TestLoad_Validation(t *testing.T) {
	t.Run("requires a database or a dev key", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("DEV_API_KEY", "")
		_, err := Load()
		assert.ErrorContains(t, err, "DATABASE_URL")
	})

	t.Run("dev key alone is enough", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("DEV_API_KEY", "ag_dev_key")
		cfg, err := Load()
		require.NoError(t, err)
		assert.False(t, cfg.Database.Enabled())
	})

	t.Run("archive needs a bucket", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/apiguard")
		t.Setenv("AUDIT_ARCHIVE_ENABLED", "true")
		t.Setenv("AUDIT_ARCHIVE_S3_BUCKET", "")
		_, err := Load()
		assert.ErrorContains(t, err, "AUDIT_ARCHIVE_S3_BUCKET")
	})
}
