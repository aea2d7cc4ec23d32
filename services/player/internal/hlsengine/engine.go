// Package hlsengine is a software adaptive engine for surfaces without
// native HLS variant switching. It parses the multivariant manifest, serves
// a loopback media playlist to the surface and maps each segment request to
// the rendition chosen by a throughput estimate.
package hlsengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/example/watch-platform/internal/platform/httpserver"
	"github.com/example/watch-platform/services/player/internal/media"
	"github.com/example/watch-platform/services/player/internal/stream"
)

const (
	playlistLimit   = 4 << 20
	shutdownTimeout = 2 * time.Second
)

var (
	ErrNoRenditions = errors.New("hlsengine: manifest has no renditions")
	ErrDestroyed    = errors.New("hlsengine: engine destroyed")
)

type rendition struct {
	level    stream.Level
	playlist string
	segments []string
}

type Option func(*Engine)

func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		if c != nil {
			e.client = c
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// Factory returns a stream.EngineFactory building engines with opts.
func Factory(opts ...Option) stream.EngineFactory {
	return func(cfg stream.EngineConfig) stream.AdaptiveEngine {
		return New(cfg, opts...)
	}
}

type Engine struct {
	cfg    stream.EngineConfig
	client *http.Client
	clock  clockwork.Clock
	log    *zap.Logger

	mu          sync.Mutex
	manifestURL string
	levels      []rendition
	current     int
	est         *estimator
	surface     media.Surface
	server      *httpserver.Server
	localURL    string
	onError     func(stream.EngineError)
	onQuality   func(stream.Level)
	destroyed   bool
}

var _ stream.AdaptiveEngine = (*Engine)(nil)

func New(cfg stream.EngineConfig, opts ...Option) *Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		clock:  clockwork.NewRealClock(),
		log:    log.With(zap.String("component", "hlsengine")),
		est:    newEstimator(cfg.BandwidthEstimateBps),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) OnError(fn func(stream.EngineError)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = fn
}

func (e *Engine) OnQualityChange(fn func(stream.Level)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onQuality = fn
}

// Attach loads the manifest, starts the loopback server and assigns its
// playlist to surface.
func (e *Engine) Attach(ctx context.Context, surface media.Surface, manifestURL string) error {
	levels, err := e.load(ctx, manifestURL)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return stream.EngineError{Class: stream.ErrorOther, Err: fmt.Errorf("loopback listen: %w", err)}
	}
	srv := httpserver.New(httpserver.Options{
		ServiceName: "hlsengine",
		Logger:      e.log,
		Router:      e.router(),
	})

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		_ = lis.Close()
		return ErrDestroyed
	}
	e.manifestURL = manifestURL
	e.levels = levels
	e.current = e.startLevel(levels)
	e.surface = surface
	e.server = srv
	e.localURL = "http://" + lis.Addr().String() + "/live.m3u8"
	start := e.levels[e.current].level
	local := e.localURL
	e.mu.Unlock()

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Warn("loopback server stopped", zap.Error(err))
		}
	}()

	if ra, ok := surface.(media.Readahead); ok && e.cfg.MaxBufferSeconds > 0 {
		if err := ra.SetReadahead(ctx, float64(e.cfg.MaxBufferSeconds)); err != nil {
			e.log.Debug("surface readahead not applied", zap.Error(err))
		}
	}
	if err := surface.SetSource(ctx, media.Source{URL: local, Kind: media.KindAdaptiveEngine}); err != nil {
		return stream.EngineError{Class: stream.ErrorOther, Err: err}
	}
	e.log.Info("adaptive engine attached",
		zap.Int("renditions", len(levels)),
		zap.Int("start_level", start.Index),
		zap.Int("start_bandwidth", start.Bandwidth))
	return nil
}

// Destroy stops the loopback server. It is safe to call more than once.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	srv := e.server
	e.server = nil
	e.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// ReloadSource refetches every playlist and reattaches the loopback source
// at the current position.
func (e *Engine) ReloadSource(ctx context.Context) error {
	e.mu.Lock()
	manifestURL := e.manifestURL
	e.mu.Unlock()

	levels, err := e.load(ctx, manifestURL)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	e.levels = levels
	e.current = min(e.current, len(levels)-1)
	e.mu.Unlock()
	return e.reattach(ctx)
}

// RecoverMedia reattaches the loopback source at the current position
// without refetching playlists.
func (e *Engine) RecoverMedia(ctx context.Context) error {
	return e.reattach(ctx)
}

// Level reports the rendition segments are currently served from.
func (e *Engine) Level() stream.Level {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.levels) == 0 {
		return stream.Level{}
	}
	return e.levels[e.current].level
}

func (e *Engine) reattach(ctx context.Context) error {
	e.mu.Lock()
	if e.destroyed || e.surface == nil {
		e.mu.Unlock()
		return ErrDestroyed
	}
	surface := e.surface
	local := e.localURL
	e.mu.Unlock()

	pos := surface.CurrentTime()
	if err := surface.SetSource(ctx, media.Source{URL: local, Kind: media.KindAdaptiveEngine}); err != nil {
		return stream.EngineError{Class: stream.ErrorMedia, Err: err}
	}
	if pos > 0 {
		if err := surface.Seek(ctx, pos); err != nil {
			return stream.EngineError{Class: stream.ErrorMedia, Err: err}
		}
	}
	return nil
}

func (e *Engine) startLevel(levels []rendition) int {
	if e.cfg.StartLowest {
		return 0
	}
	return pick(levels, e.est.estimate())
}

// load fetches the manifest and every rendition playlist.
func (e *Engine) load(ctx context.Context, manifestURL string) ([]rendition, error) {
	body, err := e.fetch(ctx, manifestURL)
	if err != nil {
		return nil, err
	}
	pl, err := playlist.Unmarshal(body)
	if err != nil {
		return nil, stream.EngineError{Class: stream.ErrorMedia, Err: fmt.Errorf("parse manifest: %w", err)}
	}

	var levels []rendition
	switch p := pl.(type) {
	case *playlist.Media:
		r, err := newRendition(string(body), manifestURL, p)
		if err != nil {
			return nil, err
		}
		levels = append(levels, r)
	case *playlist.Multivariant:
		for _, v := range p.Variants {
			if v == nil || v.URI == "" {
				continue
			}
			uri := resolveURL(manifestURL, v.URI)
			r, err := e.loadRendition(ctx, uri)
			if err != nil {
				return nil, err
			}
			r.level.Bandwidth = v.Bandwidth
			levels = append(levels, r)
		}
	default:
		return nil, stream.EngineError{Class: stream.ErrorOther, Err: fmt.Errorf("unsupported playlist %T", pl)}
	}
	if len(levels) == 0 {
		return nil, stream.EngineError{Class: stream.ErrorOther, Err: ErrNoRenditions}
	}
	sortLevels(levels)
	return levels, nil
}

func (e *Engine) loadRendition(ctx context.Context, uri string) (rendition, error) {
	body, err := e.fetch(ctx, uri)
	if err != nil {
		return rendition{}, err
	}
	pl, err := playlist.Unmarshal(body)
	if err != nil {
		return rendition{}, stream.EngineError{Class: stream.ErrorMedia, Err: fmt.Errorf("parse rendition %s: %w", uri, err)}
	}
	mp, ok := pl.(*playlist.Media)
	if !ok {
		return rendition{}, stream.EngineError{Class: stream.ErrorOther, Err: fmt.Errorf("rendition %s is not a media playlist", uri)}
	}
	return newRendition(string(body), uri, mp)
}

func newRendition(body, uri string, mp *playlist.Media) (rendition, error) {
	local, segments := rewriteMedia(body, uri)
	if len(segments) == 0 || len(segments) != len(mp.Segments) {
		return rendition{}, stream.EngineError{Class: stream.ErrorMedia, Err: fmt.Errorf("rendition %s: %d segments", uri, len(mp.Segments))}
	}
	return rendition{
		level:    stream.Level{URI: uri},
		playlist: local,
		segments: segments,
	}, nil
}

func (e *Engine) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, stream.EngineError{Class: stream.ErrorOther, Err: err}
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, stream.EngineError{Class: stream.ErrorNetwork, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, stream.EngineError{Class: classifyStatus(resp.StatusCode), Err: fmt.Errorf("GET %s: HTTP %d", rawURL, resp.StatusCode)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, playlistLimit))
	if err != nil {
		return nil, stream.EngineError{Class: stream.ErrorNetwork, Err: err}
	}
	return body, nil
}

func classifyStatus(code int) stream.ErrorClass {
	if code >= 500 || code == http.StatusTooManyRequests {
		return stream.ErrorNetwork
	}
	return stream.ErrorOther
}

func (e *Engine) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/live.m3u8", e.handlePlaylist)
	r.Get("/seg/{index}", e.handleSegment)
	return r
}

func (e *Engine) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	if len(e.levels) == 0 {
		e.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	// Segment indices are shared by every rendition; the lowest rendition's
	// timeline is served.
	body := e.levels[0].playlist
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.WriteString(w, body)
}

func (e *Engine) handleSegment(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 {
		http.Error(w, "bad segment index", http.StatusBadRequest)
		return
	}
	target, ok := e.segmentURL(idx)
	if !ok {
		http.NotFound(w, r)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "bad segment url", http.StatusInternalServerError)
		return
	}
	started := e.clock.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		if r.Context().Err() == nil {
			e.report(stream.EngineError{Class: stream.ErrorNetwork, Err: fmt.Errorf("segment %d: %w", idx, err)})
		}
		http.Error(w, "segment unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.report(stream.EngineError{
			Class: classifyStatus(resp.StatusCode),
			Err:   fmt.Errorf("segment %d: HTTP %d", idx, resp.StatusCode),
		})
		http.Error(w, "segment unavailable", http.StatusBadGateway)
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		if r.Context().Err() == nil {
			e.report(stream.EngineError{Class: stream.ErrorNetwork, Err: fmt.Errorf("segment %d: %w", idx, err)})
		}
		return
	}
	e.observe(n, e.clock.Since(started))
}

// segmentURL maps idx to the current rendition, falling back to the lowest
// rendition when the current one is shorter.
func (e *Engine) segmentURL(idx int) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed || len(e.levels) == 0 {
		return "", false
	}
	if segs := e.levels[e.current].segments; idx < len(segs) {
		return segs[idx], true
	}
	if segs := e.levels[0].segments; idx < len(segs) {
		return segs[idx], true
	}
	return "", false
}

// observe feeds a completed segment download into the estimate and
// switches rendition when the estimate crosses a level boundary.
func (e *Engine) observe(bytes int64, elapsed time.Duration) {
	e.mu.Lock()
	if e.destroyed || len(e.levels) == 0 {
		e.mu.Unlock()
		return
	}
	e.est.sample(bytes, elapsed)
	next := pick(e.levels, e.est.estimate())
	if next == e.current {
		e.mu.Unlock()
		return
	}
	prev := e.current
	e.current = next
	lvl := e.levels[next].level
	fn := e.onQuality
	estimate := e.est.estimate()
	e.mu.Unlock()

	e.log.Debug("switching rendition",
		zap.Int("from", prev),
		zap.Int("to", next),
		zap.Float64("estimate_bps", estimate))
	if fn != nil {
		fn(lvl)
	}
}

func (e *Engine) report(err stream.EngineError) {
	e.mu.Lock()
	fn := e.onError
	destroyed := e.destroyed
	e.mu.Unlock()
	if destroyed || fn == nil {
		return
	}
	e.log.Warn("adaptive engine error", zap.Stringer("class", err.Class), zap.Error(err.Err))
	fn(err)
}
