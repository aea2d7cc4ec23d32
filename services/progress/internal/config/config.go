package config

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/watch-platform/internal/platform/config"
)

type Config struct {
	DatabaseURL string
	JWTSecret   string
	// RunMigrations applies the embedded schema at startup.
	RunMigrations bool

	// SigningSecret enables signed manifest URLs wrapped under ProxyBase.
	SigningSecret string
	ProxyBase     string
	SignTTL       time.Duration

	WriteRate  rate.Limit
	WriteBurst int
}

func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:   config.Env("DATABASE_URL", ""),
		JWTSecret:     config.Env("JWT_SECRET", ""),
		RunMigrations: config.EnvBool("RUN_MIGRATIONS", true),
		SigningSecret: config.Env("HLS_SIGNING_SECRET", ""),
		ProxyBase:     config.Env("HLS_PROXY_BASE", ""),
		SignTTL:       config.EnvDuration("HLS_SIGN_TTL", 6*time.Hour),
		WriteRate:     rate.Limit(config.EnvInt("PROGRESS_WRITES_PER_MINUTE", 30)) / 60,
		WriteBurst:    config.EnvInt("PROGRESS_WRITE_BURST", 5),
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	if cfg.SigningSecret != "" && cfg.ProxyBase == "" {
		return Config{}, errors.New("HLS_PROXY_BASE is required when HLS_SIGNING_SECRET is set")
	}
	if cfg.WriteBurst < 1 {
		cfg.WriteBurst = 1
	}
	return cfg, nil
}
