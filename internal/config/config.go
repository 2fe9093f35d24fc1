// Package config manages application configuration from defaults, an optional
// config.yaml file, and CHATVAULT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// TelegramConfig holds credentials and the target chat for the upstream feed.
// The token is only required for the backfill and listen modes; the serve
// mode never touches the upstream.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

// DatabaseConfig holds the SQLite store settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// ServerConfig holds the JSON-RPC WebSocket server settings.
type ServerConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"required,gt=0,lte=65535"`
}

// IngestConfig tunes the reconciler: chunk sizing, the randomized
// inter-chunk delay mandated by the upstream's acceptable-use contract, and
// the bounded retry policy for transient failures.
type IngestConfig struct {
	ChunkSize     int           `mapstructure:"chunk_size"     validate:"required,gt=0,lte=100"`
	MinChunkDelay time.Duration `mapstructure:"min_chunk_delay" validate:"min=0"`
	MaxChunkDelay time.Duration `mapstructure:"max_chunk_delay" validate:"min=0,gtefield=MinChunkDelay"`
	MaxAttempts   int           `mapstructure:"max_attempts"   validate:"required,gt=0"`
	BackfillLimit int           `mapstructure:"backfill_limit" validate:"min=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// MaintenanceConfig holds the scheduled store maintenance settings.
type MaintenanceConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
}

// Config is the root application configuration.
type Config struct {
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Server      ServerConfig      `mapstructure:"server"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Log         LogConfig         `mapstructure:"log"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// Load reads configuration from defaults, the given config file (optional),
// and CHATVAULT_* environment variables, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CHATVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing config file is fine, defaults plus env vars apply.
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration against the struct validation tags.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Keys must be known to viper for env-only overrides to bind.
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)

	v.SetDefault("database.path", "data/chatvault.db")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8765)

	v.SetDefault("ingest.chunk_size", 100)
	v.SetDefault("ingest.min_chunk_delay", time.Second)
	v.SetDefault("ingest.max_chunk_delay", 3*time.Second)
	v.SetDefault("ingest.max_attempts", 5)
	v.SetDefault("ingest.backfill_limit", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.schedule", "0 30 4 * * *")
}
