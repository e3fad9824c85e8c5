package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Finished sessions are exported as script documents into this
	// directory, and expired after SavedSessionsDays. Empty disables.
	SavedSessionsPath string `env:"SAVED_SESSIONS_PATH"`
	SavedSessionsDays int    `env:"SAVED_SESSIONS_DAYS" envDefault:"3"`

	// Display names picked at random for automated sessions.
	AutomatedDriverNames []string `env:"AUTOMATED_DRIVER_NAMES" envSeparator:"," envDefault:"Autodriver"`

	// Playlist driver, started at boot when a directory is configured.
	PlaylistDirectory  string `env:"PLAYLIST_DIRECTORY"`
	PlaylistDriverName string `env:"PLAYLIST_DRIVER_NAME" envDefault:"Playlistdriver"`
	PlaylistPublic     bool   `env:"PLAYLIST_PUBLIC" envDefault:"false"`
	PlaylistCamURL     string `env:"PLAYLIST_CAM_URL"`
	PlaylistComments   string `env:"PLAYLIST_COMMENTS"`

	ConnectRateLimitPerMin int `env:"CONNECT_RATE_LIMIT_PER_MIN" envDefault:"60"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) SavedSessionsMaxAge() time.Duration {
	return time.Duration(c.SavedSessionsDays) * 24 * time.Hour
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
