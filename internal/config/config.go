package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the server configuration, populated from the environment.
type Config struct {
	Addr            string        `env:"ROOMCHAT_ADDR"             envDefault:":8080"`
	DBPath          string        `env:"ROOMCHAT_DB"               envDefault:"roomchat.db"`
	BlobsDir        string        `env:"ROOMCHAT_BLOBS_DIR"`
	JWTSecret       string        `env:"ROOMCHAT_JWT_SECRET"`
	JWTIssuer       string        `env:"ROOMCHAT_JWT_ISSUER"       envDefault:"roomchat"`
	MessageTTL      time.Duration `env:"ROOMCHAT_MESSAGE_TTL"      envDefault:"600s"`
	SweepCron       string        `env:"ROOMCHAT_SWEEP_CRON"       envDefault:"* * * * *"`
	SendBuffer      int           `env:"ROOMCHAT_SEND_BUFFER"      envDefault:"64"`
	TypingPerSecond float64       `env:"ROOMCHAT_TYPING_RPS"       envDefault:"2"`
	MetricsInterval time.Duration `env:"ROOMCHAT_METRICS_INTERVAL" envDefault:"30s"`
	Debug           bool          `env:"ROOMCHAT_DEBUG"`
}

// Load reads an optional .env file and parses the environment.
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// BlobRoot returns the attachment directory, defaulting to <db-dir>/blobs.
func (c Config) BlobRoot() string {
	root := strings.TrimSpace(c.BlobsDir)
	if root == "" {
		root = filepath.Join(filepath.Dir(c.DBPath), "blobs")
	}
	return root
}

// Validate checks the settings required to serve traffic.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("ROOMCHAT_ADDR is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("ROOMCHAT_DB is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("ROOMCHAT_JWT_SECRET is required")
	}
	if c.MessageTTL <= 0 {
		return fmt.Errorf("ROOMCHAT_MESSAGE_TTL must be positive")
	}
	if !gronx.IsValid(c.SweepCron) {
		return fmt.Errorf("invalid ROOMCHAT_SWEEP_CRON expression: %q", c.SweepCron)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("ROOMCHAT_SEND_BUFFER must be positive")
	}
	return nil
}
