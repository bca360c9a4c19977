// Package config holds library-service settings.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/example/cinemax/internal/platform/config"
)

type Config struct {
	// DataDir holds per-user JSON snapshots when no database is configured.
	DataDir     string
	DatabaseURL string
	DBMaxConns  int
	NATSURL     string
	JWTSecret   string
	// MaxResidentUsers bounds how many user stores stay in memory.
	MaxResidentUsers int
	BatchSize        int
	BatchInterval    time.Duration
}

func Load() (Config, error) {
	v := config.Env()
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("LIBRARY_DATA_DIR", "./data/library")
	v.SetDefault("LIBRARY_MAX_RESIDENT_USERS", 10000)
	v.SetDefault("WORKER_BATCH_SIZE", 100)
	v.SetDefault("WORKER_BATCH_INTERVAL", 2*time.Second)

	cfg := Config{
		DataDir:          strings.TrimSpace(v.GetString("LIBRARY_DATA_DIR")),
		DatabaseURL:      strings.TrimSpace(v.GetString("DATABASE_URL")),
		DBMaxConns:       v.GetInt("DB_MAX_CONNS"),
		NATSURL:          strings.TrimSpace(v.GetString("NATS_URL")),
		JWTSecret:        strings.TrimSpace(v.GetString("JWT_SECRET")),
		MaxResidentUsers: v.GetInt("LIBRARY_MAX_RESIDENT_USERS"),
		BatchSize:        v.GetInt("WORKER_BATCH_SIZE"),
		BatchInterval:    v.GetDuration("WORKER_BATCH_INTERVAL"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	if cfg.MaxResidentUsers <= 0 {
		return Config{}, errors.New("LIBRARY_MAX_RESIDENT_USERS must be positive")
	}
	return cfg, nil
}
