package config

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	DBSource   string
	Port       string
	Env        string
	SessionTTL time.Duration
	LockWait   time.Duration
	BcryptCost int
}

// Load reads configuration from the environment. DB_SOURCE is optional: when
// absent the server runs on the in-memory engine alone.
func Load() (*Config, error) {
	cfg := &Config{
		DBSource:   os.Getenv("DB_SOURCE"),
		Port:       os.Getenv("SERVER_PORT"),
		Env:        os.Getenv("ENVIRONMENT"),
		SessionTTL: 30 * time.Minute,
		LockWait:   250 * time.Millisecond,
		BcryptCost: bcrypt.DefaultCost,
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Env == "" {
		cfg.Env = "development"
	}

	if v := os.Getenv("SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TTL: %w", err)
		}
		cfg.SessionTTL = d
	}
	if v := os.Getenv("LOCK_WAIT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LOCK_WAIT: %w", err)
		}
		cfg.LockWait = d
	}
	if v := os.Getenv("BCRYPT_COST"); v != "" {
		var cost int
		if _, err := fmt.Sscanf(v, "%d", &cost); err != nil || cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return nil, fmt.Errorf("invalid BCRYPT_COST: %q", v)
		}
		cfg.BcryptCost = cost
	}

	return cfg, nil
}
