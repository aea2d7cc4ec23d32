package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SERVICE_NAME", "")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("APP_ENV", "")

	cfg, err := Load("player")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "player" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("expected :8080, got %q", cfg.HTTP.Addr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected info, got %q", cfg.LogLevel)
	}
	if cfg.Production {
		t.Fatal("expected non-production by default")
	}
}

func TestLoad_RequiresServiceName(t *testing.T) {
	t.Setenv("SERVICE_NAME", "  ")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when SERVICE_NAME is missing")
	}
}

func TestLoad_Production(t *testing.T) {
	t.Setenv("APP_ENV", "Production")
	cfg, err := Load("progress")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Production {
		t.Fatal("expected production flag")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("CONFIG_TEST_INT", "7")
	if v := EnvInt("CONFIG_TEST_INT", 42); v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
	t.Setenv("CONFIG_TEST_INT", "-3")
	if v := EnvInt("CONFIG_TEST_INT", 42); v != 42 {
		t.Fatalf("expected fallback for negative, got %d", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("CONFIG_TEST_DUR", "3s")
	if v := EnvDuration("CONFIG_TEST_DUR", time.Second); v != 3*time.Second {
		t.Fatalf("expected 3s, got %s", v)
	}
	t.Setenv("CONFIG_TEST_DUR", "soon")
	if v := EnvDuration("CONFIG_TEST_DUR", time.Second); v != time.Second {
		t.Fatalf("expected fallback, got %s", v)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("CONFIG_TEST_BOOL", "no")
	if EnvBool("CONFIG_TEST_BOOL", true) {
		t.Fatal("expected false")
	}
	t.Setenv("CONFIG_TEST_BOOL", "maybe")
	if !EnvBool("CONFIG_TEST_BOOL", true) {
		t.Fatal("expected fallback true")
	}
}
