// Package media defines the media surface the player drives: one source
// slot, transport controls and a stream of lifecycle events.
package media

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
)

type SourceKind string

const (
	KindProgressive    SourceKind = "progressive"
	KindAdaptiveNative SourceKind = "adaptive-native"
	KindAdaptiveEngine SourceKind = "adaptive-engine"
)

// Source is what is loaded into the surface's single source slot.
type Source struct {
	URL  string
	Kind SourceKind
}

type EventType string

const (
	EventLoaded     EventType = "loaded"
	EventTimeUpdate EventType = "time-update"
	EventEnded      EventType = "ended"
	EventError      EventType = "error"
)

// Event is delivered to subscribers in the order the surface observes it.
type Event struct {
	Type     EventType
	Time     float64
	Duration float64
	Err      error
}

var (
	ErrNoSource = errors.New("media: no source loaded")
	ErrClosed   = errors.New("media: surface closed")
)

// Surface is a seekable, playable media element. Implementations must be
// safe for concurrent use. Setting a source replaces the previous one.
type Surface interface {
	SetSource(ctx context.Context, src Source) error
	ClearSource(ctx context.Context) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	Seek(ctx context.Context, seconds float64) error
	CurrentTime() float64
	Duration() float64
	// Subscribe registers fn for surface events and returns a function
	// that removes it.
	Subscribe(fn func(Event)) (unsubscribe func())
	// SupportsNativeAdaptive reports whether manifest URLs can be assigned
	// directly as a source without a software engine.
	SupportsNativeAdaptive() bool
}

// Readahead is implemented by surfaces whose demuxer buffer can be bounded.
type Readahead interface {
	SetReadahead(ctx context.Context, seconds float64) error
}

// Subscribers is a concurrency-safe fan-out used by Surface implementations.
// The zero value is ready to use.
type Subscribers struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Event)
}

func (s *Subscribers) Add(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(Event))
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Emit calls subscribers outside the lock in registration order.
func (s *Subscribers) Emit(ev Event) {
	s.mu.Lock()
	ids := slices.Sorted(maps.Keys(s.subs))
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
