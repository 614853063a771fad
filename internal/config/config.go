package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds server configuration loaded from the environment.
type Config struct {
	Port                int           `envconfig:"PORT" default:"3000"`
	LogLevel            string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat           string        `envconfig:"LOG_FORMAT" default:"json"`
	DBDriver            string        `envconfig:"DB_DRIVER" default:"sqlite"`
	DatabaseURL         string        `envconfig:"DATABASE_URL" default:"data/tierlist-maker.db"`
	PublicDir           string        `envconfig:"PUBLIC_DIR" default:"public"`
	AllowedOrigins      []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`
	AllowTierlistDelete bool          `envconfig:"ALLOW_TIERLIST_DELETE" default:"false"`
	RoomOutboxSize      int           `envconfig:"ROOM_OUTBOX_SIZE" default:"32"`
	WSReadTimeout       time.Duration `envconfig:"WS_READ_TIMEOUT" default:"60s"`
	WSWriteTimeout      time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"5s"`
	ShutdownTimeout     time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	TierPresetsFile     string        `envconfig:"TIER_PRESETS_FILE"`
}

// Load reads an optional .env file, then the environment. Variables already set in the
// environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.DBDriver = strings.ToLower(c.DBDriver)
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: DB_DRIVER must be sqlite or postgres, got %q", ErrInvalidConfig, c.DBDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: PORT %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.RoomOutboxSize < 1 {
		return fmt.Errorf("%w: ROOM_OUTBOX_SIZE must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
