// Package config holds the environment conventions shared by every service:
// values are trimmed, missing optional values fall back to defaults and
// missing required values are reported as errors by the service loaders.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type HTTPConfig struct {
	Addr string
}

type AppConfig struct {
	ServiceName string
	LogLevel    string
	Production  bool
	HTTP        HTTPConfig
}

// Load reads the common service settings. defaultName is used when
// SERVICE_NAME is unset; pass "" to make SERVICE_NAME required.
func Load(defaultName string) (AppConfig, error) {
	cfg := AppConfig{
		ServiceName: Env("SERVICE_NAME", defaultName),
		LogLevel:    Env("LOG_LEVEL", "info"),
		Production:  strings.EqualFold(Env("APP_ENV", ""), "production"),
		HTTP: HTTPConfig{
			Addr: Env("HTTP_ADDR", ":8080"),
		},
	}
	if cfg.ServiceName == "" {
		return AppConfig{}, errors.New("SERVICE_NAME is required")
	}
	return cfg, nil
}

// Env returns the trimmed value of key, or fallback when it is empty.
func Env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func EnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func EnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func EnvBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
