package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("HORIZON_DAYS", "")
	t.Setenv("GENERATION_INTERVAL_MINUTES", "")
	t.Setenv("REPORT_TIME", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.TelegramToken)
	assert.Equal(t, "taskplan.db", cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 7, cfg.HorizonDays)
	assert.Equal(t, 30*time.Minute, cfg.GenerationInterval)
	assert.Equal(t, "09:00", cfg.ReportTime)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("DATABASE_URL", "/var/lib/taskplan/tasks.db")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("HORIZON_DAYS", "14")
	t.Setenv("GENERATION_INTERVAL_MINUTES", "5")
	t.Setenv("REPORT_TIME", "08:30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/taskplan/tasks.db", cfg.DatabaseURL)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 14, cfg.HorizonDays)
	assert.Equal(t, 5*time.Minute, cfg.GenerationInterval)
	assert.Equal(t, "08:30", cfg.ReportTime)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("HORIZON_DAYS", "minus one")
	t.Setenv("GENERATION_INTERVAL_MINUTES", "-10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.HorizonDays)
	assert.Equal(t, 30*time.Minute, cfg.GenerationInterval)
}

func TestLoad_RequiresToken(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "")

	_, err := Load()
	require.Error(t, err)
}
