package stream

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/watch-platform/services/player/internal/media"
)

// ErrorClass tiers adaptive playback errors by how they are recovered.
type ErrorClass int

const (
	// ErrorNetwork is recovered by reloading the source.
	ErrorNetwork ErrorClass = iota
	// ErrorMedia is recovered in place.
	ErrorMedia
	// ErrorOther is fatal for the adaptive transport.
	ErrorOther
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorNetwork:
		return "network"
	case ErrorMedia:
		return "media"
	default:
		return "other"
	}
}

type EngineError struct {
	Class ErrorClass
	Err   error
}

func (e EngineError) Error() string {
	return fmt.Sprintf("adaptive engine %s error: %v", e.Class, e.Err)
}

func (e EngineError) Unwrap() error { return e.Err }

// Level is one rendition of an adaptive stream.
type Level struct {
	Index     int
	Bandwidth int
	URI       string
}

// EngineConfig tunes a software engine for constrained clients.
type EngineConfig struct {
	StartLowest          bool
	BandwidthEstimateBps int
	MaxBufferSeconds     int
	Logger               *zap.Logger
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		StartLowest:          true,
		BandwidthEstimateBps: 500_000,
		MaxBufferSeconds:     30,
	}
}

// AdaptiveEngine is a software adaptive-streaming engine bound to a surface.
// Callbacks may be invoked from engine goroutines.
type AdaptiveEngine interface {
	Attach(ctx context.Context, surface media.Surface, manifestURL string) error
	Destroy() error
	OnError(fn func(EngineError))
	OnQualityChange(fn func(Level))
	ReloadSource(ctx context.Context) error
	RecoverMedia(ctx context.Context) error
}

// EngineFactory builds an engine. A nil factory means the runtime has no
// software engine.
type EngineFactory func(EngineConfig) AdaptiveEngine
