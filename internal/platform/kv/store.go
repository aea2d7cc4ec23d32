// Package kv is the durable key-value port used for per-viewer local state.
//
// Backends: Redis (env KV_REDIS_DSN), a SQLite file (env KV_SQLITE_PATH) and
// an in-memory map (development only).
package kv

import (
	"context"
	"errors"
	"strings"
)

var ErrMemoryInProduction = errors.New("production requires KV_REDIS_DSN or KV_SQLITE_PATH; in-memory kv store is not allowed")

// Store is a string key-value store. Get reports ok=false for a missing key.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

type Options struct {
	RedisDSN   string
	SQLitePath string
	Production bool
}

// Backend names the store NewStore would pick for opts.
func (o Options) Backend() string {
	switch {
	case strings.TrimSpace(o.RedisDSN) != "":
		return "redis"
	case strings.TrimSpace(o.SQLitePath) != "":
		return "sqlite"
	default:
		return "memory"
	}
}

// NewStore creates the best available store: Redis > SQLite > in-memory.
// In production the in-memory fallback is rejected.
func NewStore(opts Options) (Store, error) {
	switch opts.Backend() {
	case "redis":
		return NewRedis(strings.TrimSpace(opts.RedisDSN)), nil
	case "sqlite":
		return OpenSQLite(strings.TrimSpace(opts.SQLitePath))
	}
	if opts.Production {
		return nil, ErrMemoryInProduction
	}
	return NewMemory(), nil
}
