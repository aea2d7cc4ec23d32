// Package config loads player settings from the environment. Command-line
// flags are layered on top by the player command.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/example/watch-platform/internal/platform/config"
	"github.com/example/watch-platform/internal/platform/kv"
	"github.com/example/watch-platform/services/player/internal/budget"
	"github.com/example/watch-platform/services/player/internal/stream"
)

type MPVConfig struct {
	Binary string
	Socket string
	// Spawn launches mpv; otherwise the player dials an already running one.
	Spawn          bool
	NativeAdaptive bool
	ExtraArgs      []string
}

type Config struct {
	ViewerID string
	APIURL   string
	// APIToken is sent as-is. When empty and JWTSecret is set, the player
	// mints a viewer token itself.
	APIToken  string
	JWTSecret string

	Autoplay        bool
	Budget          time.Duration
	BudgetTick      time.Duration
	SoftwareEngine  bool
	MaxBufferSecs   int
	BreakerFailures uint32

	KV  kv.Options
	MPV MPVConfig
}

func Load(production bool) Config {
	return Config{
		ViewerID:        config.Env("PLAYER_VIEWER_ID", ""),
		APIURL:          config.Env("PLAYER_API_URL", "http://localhost:8081"),
		APIToken:        config.Env("PLAYER_API_TOKEN", ""),
		JWTSecret:       config.Env("JWT_SECRET", ""),
		Autoplay:        config.EnvBool("PLAYER_AUTOPLAY", true),
		Budget:          config.EnvDuration("WATCH_BUDGET", budget.DefaultBudget),
		BudgetTick:      config.EnvDuration("WATCH_BUDGET_TICK", budget.DefaultTickInterval),
		SoftwareEngine:  config.EnvBool("PLAYER_SOFTWARE_ENGINE", true),
		MaxBufferSecs:   config.EnvInt("PLAYER_MAX_BUFFER_SECONDS", stream.DefaultEngineConfig().MaxBufferSeconds),
		BreakerFailures: uint32(config.EnvInt("PLAYER_BREAKER_FAILURES", 5)),
		KV: kv.Options{
			RedisDSN:   config.Env("KV_REDIS_DSN", ""),
			SQLitePath: config.Env("KV_SQLITE_PATH", ""),
			Production: production,
		},
		MPV: MPVConfig{
			Binary:         config.Env("MPV_BINARY", "mpv"),
			Socket:         config.Env("MPV_SOCKET", "/tmp/watch-player-mpv.sock"),
			Spawn:          config.EnvBool("MPV_SPAWN", true),
			NativeAdaptive: config.EnvBool("MPV_NATIVE_ADAPTIVE", false),
			ExtraArgs:      strings.Fields(config.Env("MPV_ARGS", "")),
		},
	}
}

// Validate is called after flags are applied.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ViewerID) == "" {
		errs = append(errs, errors.New("PLAYER_VIEWER_ID is required"))
	}
	if strings.TrimSpace(c.APIURL) == "" {
		errs = append(errs, errors.New("PLAYER_API_URL is required"))
	}
	if c.KV.Production && c.KV.Backend() == "memory" {
		errs = append(errs, kv.ErrMemoryInProduction)
	}
	return errors.Join(errs...)
}

// Token returns the bearer credential for the api client.
func (c Config) Token(mint func(subject string) (string, error)) (string, error) {
	if c.APIToken != "" || c.JWTSecret == "" {
		return c.APIToken, nil
	}
	return mint(c.ViewerID)
}
