package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("SavedSessionsMaxAge converts days to duration", func(t *testing.T) {
		cfg := &Config{SavedSessionsDays: 3}
		assert.Equal(t, 72*time.Hour, cfg.SavedSessionsMaxAge())
	})
}

func TestLoad(t *testing.T) {
	originalEnv := map[string]string{
		"PORT":                   os.Getenv("PORT"),
		"DATABASE_URL":           os.Getenv("DATABASE_URL"),
		"REDIS_URL":              os.Getenv("REDIS_URL"),
		"LOG_LEVEL":              os.Getenv("LOG_LEVEL"),
		"AUTOMATED_DRIVER_NAMES": os.Getenv("AUTOMATED_DRIVER_NAMES"),
		"SAVED_SESSIONS_DAYS":    os.Getenv("SAVED_SESSIONS_DAYS"),
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("loads with defaults", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/waverider")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Unsetenv("PORT")
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("AUTOMATED_DRIVER_NAMES")
		os.Unsetenv("SAVED_SESSIONS_DAYS")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, []string{"Autodriver"}, cfg.AutomatedDriverNames)
		assert.Equal(t, 3, cfg.SavedSessionsDays)
	})

	t.Run("reads overrides from environment", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/waverider")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Setenv("PORT", "5000")
		os.Setenv("AUTOMATED_DRIVER_NAMES", "Ada,Grace")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Port)
		assert.Equal(t, []string{"Ada", "Grace"}, cfg.AutomatedDriverNames)
	})

	t.Run("fails without required database url", func(t *testing.T) {
		os.Unsetenv("DATABASE_URL")
		os.Setenv("REDIS_URL", "redis://localhost:6379")

		_, err := Load()
		assert.Error(t, err)
	})
}
