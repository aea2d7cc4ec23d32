// Package mediatest provides a recording in-memory media.Surface for tests.
package mediatest

import (
	"context"
	"sync"

	"github.com/example/watch-platform/services/player/internal/media"
)

// Call is one recorded surface mutation.
type Call struct {
	Op     string
	Source media.Source
	Value  float64
	Muted  bool
}

type Surface struct {
	media.Subscribers

	mu       sync.Mutex
	native   bool
	source   *media.Source
	paused   bool
	muted    bool
	time     float64
	duration float64
	calls    []Call

	// SeekErr, when set, is returned by Seek.
	SeekErr error
}

var _ media.Surface = (*Surface)(nil)

func New(nativeAdaptive bool) *Surface {
	return &Surface{native: nativeAdaptive, paused: true}
}

func (s *Surface) SetSource(_ context.Context, src media.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = &src
	s.time = 0
	s.calls = append(s.calls, Call{Op: "set_source", Source: src})
	return nil
}

func (s *Surface) ClearSource(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = nil
	s.time, s.duration = 0, 0
	s.calls = append(s.calls, Call{Op: "clear_source"})
	return nil
}

func (s *Surface) Play(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.calls = append(s.calls, Call{Op: "play"})
	return nil
}

func (s *Surface) Pause(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.calls = append(s.calls, Call{Op: "pause"})
	return nil
}

func (s *Surface) SetMuted(_ context.Context, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	s.calls = append(s.calls, Call{Op: "mute", Muted: muted})
	return nil
}

func (s *Surface) Seek(_ context.Context, seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: "seek", Value: seconds})
	if s.SeekErr != nil {
		return s.SeekErr
	}
	s.time = seconds
	return nil
}

func (s *Surface) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.time
}

func (s *Surface) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *Surface) Subscribe(fn func(media.Event)) func() {
	return s.Add(fn)
}

func (s *Surface) SupportsNativeAdaptive() bool {
	return s.native
}

// Advance moves playback to t of d seconds and emits a time update.
func (s *Surface) Advance(t, d float64) {
	s.mu.Lock()
	s.time, s.duration = t, d
	s.mu.Unlock()
	s.Emit(media.Event{Type: media.EventTimeUpdate, Time: t, Duration: d})
}

// End emits an ended event at the current duration.
func (s *Surface) End() {
	s.mu.Lock()
	s.time = s.duration
	t, d := s.time, s.duration
	s.mu.Unlock()
	s.Emit(media.Event{Type: media.EventEnded, Time: t, Duration: d})
}

func (s *Surface) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many calls of op were recorded.
func (s *Surface) Count(op string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Seeks returns the targets of all recorded seeks.
func (s *Surface) Seeks() []float64 {
	var out []float64
	for _, c := range s.Calls() {
		if c.Op == "seek" {
			out = append(out, c.Value)
		}
	}
	return out
}

// Current returns the loaded source, if any.
func (s *Surface) Current() (media.Source, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return media.Source{}, false
	}
	return *s.source, true
}

func (s *Surface) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Surface) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}
