// Package stream chooses and supervises the transport attached to the media
// surface: a software adaptive engine, native adaptive playback, or the
// progressive fallback.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/example/watch-platform/services/player/internal/media"
)

type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Descriptor is the manifest resolver's answer for one video.
type Descriptor struct {
	ManifestURL      string
	ProcessingStatus Status
	UploadedAt       time.Time
}

// Resolver is the manifest resolver port.
type Resolver interface {
	Manifest(ctx context.Context, videoID string) (Descriptor, error)
}

// Transport describes what is attached to the surface.
type Transport struct {
	Kind media.SourceKind
	URL  string
}

func (t Transport) IsZero() bool { return t.Kind == "" }

var ErrSuperseded = errors.New("stream: activation superseded")

// RecoveryPolicy bounds adaptive error recovery per activation.
type RecoveryPolicy struct {
	NetworkRetries int
	NetworkBackoff time.Duration
	MediaRetries   int
}

func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{NetworkRetries: 3, NetworkBackoff: time.Second, MediaRetries: 2}
}

type Options struct {
	Factory         EngineFactory
	Engine          EngineConfig
	Recovery        RecoveryPolicy
	ManifestTimeout time.Duration
	Clock           clockwork.Clock
	Logger          *zap.Logger

	OnTransport     func(Transport)
	OnRecovery      func(class ErrorClass, ok bool)
	OnQualityChange func(Level)
}

type Selector struct {
	resolver Resolver
	surface  media.Surface
	opts     Options
	log      *zap.Logger

	// op serializes transport changes so that a torn-down engine is fully
	// destroyed before the next source is attached.
	op sync.Mutex

	mu             sync.Mutex
	gen            uint64
	videoID        string
	progressiveURL string
	descriptor     Descriptor
	transport      Transport
	engine         AdaptiveEngine
	engineCtx      context.Context
	cancelEngine   context.CancelFunc
	streamErr      error
	onError        func(error)
	networkTries   int
	mediaTries     int
	recovering     bool
}

func NewSelector(resolver Resolver, surface media.Surface, opts Options) *Selector {
	if opts.Engine == (EngineConfig{}) {
		opts.Engine = DefaultEngineConfig()
	}
	if opts.Recovery == (RecoveryPolicy{}) {
		opts.Recovery = DefaultRecoveryPolicy()
	}
	if opts.ManifestTimeout <= 0 {
		opts.ManifestTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Engine.Logger == nil {
		opts.Engine.Logger = log
	}
	return &Selector{resolver: resolver, surface: surface, opts: opts, log: log}
}

// OnError sets the fatal transport error callback. The callback must make
// the progressive source take over, normally by calling UseProgressive.
// Without a callback the selector does so itself.
func (s *Selector) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Activate tears down the current transport and attaches one for videoID.
// Manifest failures and unfinished processing select the progressive source.
// If another activation or a deactivation happens while the manifest is
// being resolved, ErrSuperseded is returned and nothing is attached.
func (s *Selector) Activate(ctx context.Context, videoID, progressiveURL string) (Transport, error) {
	s.op.Lock()
	if err := s.teardownLocked(ctx); err != nil {
		s.log.Warn("clearing previous source failed", zap.Error(err))
	}
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.videoID = videoID
	s.progressiveURL = progressiveURL
	s.descriptor = Descriptor{}
	s.streamErr = nil
	s.networkTries, s.mediaTries = 0, 0
	s.mu.Unlock()
	s.op.Unlock()

	log := s.log.With(zap.String("video_id", videoID))

	mctx, cancel := context.WithTimeout(ctx, s.opts.ManifestTimeout)
	desc, err := s.resolver.Manifest(mctx, videoID)
	cancel()

	s.op.Lock()
	defer s.op.Unlock()
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		log.Debug("discarding superseded manifest lookup")
		return Transport{}, ErrSuperseded
	}
	if err == nil {
		s.descriptor = desc
	}
	s.mu.Unlock()

	switch {
	case err != nil:
		log.Warn("manifest lookup failed, using progressive source", zap.Error(err))
		return s.attachProgressive(ctx, gen)
	case desc.ProcessingStatus != StatusCompleted || desc.ManifestURL == "":
		log.Debug("manifest not ready, using progressive source", zap.String("status", string(desc.ProcessingStatus)))
		return s.attachProgressive(ctx, gen)
	case s.opts.Factory != nil:
		return s.attachEngine(ctx, gen, desc.ManifestURL)
	case s.surface.SupportsNativeAdaptive():
		return s.attach(ctx, gen, Transport{Kind: media.KindAdaptiveNative, URL: desc.ManifestURL})
	default:
		return s.attachProgressive(ctx, gen)
	}
}

// Deactivate destroys any engine and clears the surface source.
func (s *Selector) Deactivate(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	s.gen++
	s.videoID = ""
	s.mu.Unlock()
	return s.teardownLocked(ctx)
}

// UseProgressive replaces the current transport with the progressive source
// of the active video. The adaptive transport is not retried for this activation.
func (s *Selector) UseProgressive(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	gen := s.gen
	active := s.videoID != ""
	already := s.transport.Kind == media.KindProgressive
	s.mu.Unlock()
	if !active || already {
		return nil
	}
	s.destroyEngineLocked()
	_, err := s.attachProgressive(ctx, gen)
	return err
}

func (s *Selector) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// StreamError is the fatal adaptive error of the current activation, or nil.
func (s *Selector) StreamError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

// Descriptor is the manifest descriptor of the current activation.
func (s *Selector) Descriptor() Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descriptor
}

func (s *Selector) attachProgressive(ctx context.Context, gen uint64) (Transport, error) {
	s.mu.Lock()
	url := s.progressiveURL
	s.mu.Unlock()
	return s.attach(ctx, gen, Transport{Kind: media.KindProgressive, URL: url})
}

func (s *Selector) attach(ctx context.Context, gen uint64, t Transport) (Transport, error) {
	if err := s.surface.SetSource(ctx, media.Source{URL: t.URL, Kind: t.Kind}); err != nil {
		return Transport{}, err
	}
	s.mu.Lock()
	if gen == s.gen {
		s.transport = t
	}
	s.mu.Unlock()
	if s.opts.OnTransport != nil {
		s.opts.OnTransport(t)
	}
	return t, nil
}

func (s *Selector) attachEngine(ctx context.Context, gen uint64, manifestURL string) (Transport, error) {
	eng := s.opts.Factory(s.opts.Engine)
	if eng == nil {
		return s.attachProgressive(ctx, gen)
	}
	ectx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.engine = eng
	s.engineCtx = ectx
	s.cancelEngine = cancel
	s.mu.Unlock()

	eng.OnError(func(e EngineError) { s.handleError(gen, eng, e) })
	eng.OnQualityChange(func(l Level) {
		s.log.Debug("quality level switched", zap.Int("level", l.Index), zap.Int("bandwidth", l.Bandwidth))
		if s.opts.OnQualityChange != nil {
			s.opts.OnQualityChange(l)
		}
	})

	if err := eng.Attach(ctx, s.surface, manifestURL); err != nil {
		s.log.Warn("adaptive engine attach failed, using progressive source", zap.Error(err))
		s.mu.Lock()
		s.streamErr = EngineError{Class: ErrorOther, Err: err}
		s.mu.Unlock()
		s.destroyEngineLocked()
		return s.attachProgressive(ctx, gen)
	}

	t := Transport{Kind: media.KindAdaptiveEngine, URL: manifestURL}
	s.mu.Lock()
	if gen == s.gen {
		s.transport = t
	}
	s.mu.Unlock()
	if s.opts.OnTransport != nil {
		s.opts.OnTransport(t)
	}
	return t, nil
}

// handleError runs the tiered recovery for errors reported by eng.
func (s *Selector) handleError(gen uint64, eng AdaptiveEngine, e EngineError) {
	s.mu.Lock()
	if gen != s.gen || s.engine != eng {
		s.mu.Unlock()
		return
	}
	if e.Class != ErrorOther && s.recovering {
		s.mu.Unlock()
		return
	}

	var attempt int
	switch e.Class {
	case ErrorNetwork:
		if s.networkTries < s.opts.Recovery.NetworkRetries {
			attempt = s.networkTries
			s.networkTries++
			s.recovering = true
			ctx := s.engineCtx
			s.mu.Unlock()
			go s.recover(ctx, gen, eng, e.Class, s.opts.Recovery.NetworkBackoff<<attempt, eng.ReloadSource)
			return
		}
	case ErrorMedia:
		if s.mediaTries < s.opts.Recovery.MediaRetries {
			s.mediaTries++
			s.recovering = true
			ctx := s.engineCtx
			s.mu.Unlock()
			go s.recover(ctx, gen, eng, e.Class, 0, eng.RecoverMedia)
			return
		}
	}
	s.mu.Unlock()

	// Engines may report errors while Attach holds op.
	go s.fail(gen, eng, e)
}

func (s *Selector) recover(ctx context.Context, gen uint64, eng AdaptiveEngine, class ErrorClass, delay time.Duration, fn func(context.Context) error) {
	if delay > 0 {
		select {
		case <-s.opts.Clock.After(delay):
		case <-ctx.Done():
			return
		}
	}
	err := fn(ctx)

	s.mu.Lock()
	s.recovering = false
	current := gen == s.gen && s.engine == eng
	s.mu.Unlock()
	if !current {
		return
	}
	if s.opts.OnRecovery != nil {
		s.opts.OnRecovery(class, err == nil)
	}
	if err != nil {
		s.log.Warn("adaptive recovery failed", zap.Stringer("class", class), zap.Error(err))
		s.handleError(gen, eng, EngineError{Class: class, Err: err})
		return
	}
	s.log.Info("adaptive recovery succeeded", zap.Stringer("class", class))
}

// fail tears the engine down and hands over to the error callback.
func (s *Selector) fail(gen uint64, eng AdaptiveEngine, e EngineError) {
	s.op.Lock()
	s.mu.Lock()
	if gen != s.gen || s.engine != eng {
		s.mu.Unlock()
		s.op.Unlock()
		return
	}
	s.streamErr = e
	onError := s.onError
	s.mu.Unlock()

	s.log.Warn("adaptive transport failed", zap.Error(e))
	s.destroyEngineLocked()
	s.mu.Lock()
	s.transport = Transport{}
	s.mu.Unlock()
	s.op.Unlock()

	if onError != nil {
		onError(e)
		return
	}
	if err := s.UseProgressive(context.Background()); err != nil {
		s.log.Warn("progressive fallback failed", zap.Error(err))
	}
}

// teardownLocked destroys the engine and clears the surface. Caller holds op.
func (s *Selector) teardownLocked(ctx context.Context) error {
	s.destroyEngineLocked()
	s.mu.Lock()
	had := !s.transport.IsZero()
	s.transport = Transport{}
	s.mu.Unlock()
	if !had {
		return nil
	}
	return s.surface.ClearSource(ctx)
}

func (s *Selector) destroyEngineLocked() {
	s.mu.Lock()
	eng := s.engine
	cancel := s.cancelEngine
	s.engine = nil
	s.engineCtx = nil
	s.cancelEngine = nil
	s.recovering = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if eng != nil {
		if err := eng.Destroy(); err != nil {
			s.log.Warn("adaptive engine destroy failed", zap.Error(err))
		}
	}
}
