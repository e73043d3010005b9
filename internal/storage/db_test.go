package storage

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apiguard/internal/models"
)

func TestDBConfig_DSN(t *testing.T) {
	cfg := DefaultDBConfig()
	assert.Equal(t, "host=localhost port=5432 dbname=apiguard user=postgres password= sslmode=disable", cfg.DSN())

	cfg.URL = "postgres://u:p@db/apiguard"
	assert.Equal(t, "postgres://u:p@db/apiguard", cfg.DSN())
}

func TestDB_CacheJanitor(t *testing.T) {
	conn, _, err := sqlmock.New()
	require.NoError(t, err)

	cfg := DefaultDBConfig()
	cfg.APIKeyCacheTTL = 10 * time.Millisecond
	db := NewDBWithConn(sqlx.NewDb(conn, "postgres"), cfg)

	db.apiKeyCache.Set("hash", &models.APIKey{Name: "cached"})
	db.StartCacheJanitor(5 * time.Millisecond)

	assert.Eventually(t, func() bool {
		return db.apiKeyCache.Len() == 0
	}, time.Second, 5*time.Millisecond)

	db.Close()
	assert.Nil(t, db.stopJanitor)
}
