package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StoragePostgres, cfg.StorageBackend)
	assert.Equal(t, time.Second, cfg.Quiz.Grace)
	assert.Equal(t, "all", cfg.Quiz.RankPolicy)
	assert.Equal(t, "queue", cfg.Scheduler.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.AlertOffset)
	assert.Contains(t, cfg.Postgres.DSN(), "dbname=daily_quiz")
}

func TestLoadRejectsBadSettings(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JWT_SECRET", "secret")

	t.Run("storage backend", func(t *testing.T) {
		t.Setenv("STORAGE_BACKEND", "sqlite")
		_, err := Load(context.Background())
		assert.Error(t, err)
	})

	t.Run("http eligibility without url", func(t *testing.T) {
		t.Setenv("ELIGIBILITY_MODE", "http")
		_, err := Load(context.Background())
		assert.Error(t, err)
	})

	t.Run("kafka without brokers", func(t *testing.T) {
		t.Setenv("EVENTS_PUBLISHER", "kafka")
		_, err := Load(context.Background())
		assert.Error(t, err)
	})
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JWT_SECRET", "")
	_, err := Load(context.Background())
	assert.Error(t, err)
}
