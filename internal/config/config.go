package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/driver_downloader/internal/digest"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
)

// ByteSize is a size read from a human readable value such as "4KiB" or "1MB".
type ByteSize uint64

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", value, err)
	}

	*b = ByteSize(n)

	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Config struct for environment variables.
type Config struct {
	TargetDir       string        `envconfig:"TARGET_DIR" default:"downloads"`
	DBPath          string        `envconfig:"DB_PATH" default:"downloads.db"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"INFO"`
	MaxParallel     int           `envconfig:"MAX_PARALLEL" default:"3"`
	ChunkSize       ByteSize      `envconfig:"CHUNK_SIZE" default:"4KiB"`
	DigestAlgorithm string        `envconfig:"DIGEST_ALGORITHM" default:"sha256"`
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	RetryAttempts   uint          `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryBackoff    time.Duration `envconfig:"RETRY_BACKOFF" default:"1s"`

	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	KeepPartialFor    time.Duration `envconfig:"KEEP_PARTIAL_FOR" default:"168h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	TelemetryEnabled bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`
	OTLPEndpoint     string `envconfig:"OTLP_ENDPOINT"`

	// API basic auth. Disabled while Username is empty.
	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress  string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout  time.Duration `split_words:"true" default:"30s"`
		WriteTimeout time.Duration `split_words:"true" default:"30s"`
		IdleTimeout  time.Duration `split_words:"true" default:"5s"`
		// ShutdownTimeout also bounds the wait for sessions to deliver their outcome.
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) normalize() error {
	var err error

	if c.TargetDir, err = homedir.Expand(c.TargetDir); err != nil {
		return fmt.Errorf("invalid TARGET_DIR: %w", err)
	}

	if c.DBPath, err = homedir.Expand(c.DBPath); err != nil {
		return fmt.Errorf("invalid DB_PATH: %w", err)
	}

	if c.ChunkSize == 0 {
		return fmt.Errorf("invalid CHUNK_SIZE: must be greater than zero")
	}

	if c.MaxParallel < 0 {
		return fmt.Errorf("invalid MAX_PARALLEL: must not be negative")
	}

	if _, err := digest.New(c.DigestAlgorithm); err != nil {
		return fmt.Errorf("invalid DIGEST_ALGORITHM: %w", err)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
