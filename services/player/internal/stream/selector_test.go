package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/watch-platform/services/player/internal/media"
	"github.com/example/watch-platform/services/player/internal/media/mediatest"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type resolverFunc func(ctx context.Context, videoID string) (Descriptor, error)

func (f resolverFunc) Manifest(ctx context.Context, videoID string) (Descriptor, error) {
	return f(ctx, videoID)
}

func ready(url string) Resolver {
	return resolverFunc(func(context.Context, string) (Descriptor, error) {
		return Descriptor{ManifestURL: url, ProcessingStatus: StatusCompleted}, nil
	})
}

type fakeEngine struct {
	mu        sync.Mutex
	cfg       EngineConfig
	onError   func(EngineError)
	onQuality func(Level)
	attached  string
	destroyed bool
	reloads   int
	recovers  int
	reloadErr error
	attachErr error
	reloadCh  chan struct{}
}

func (e *fakeEngine) Attach(ctx context.Context, surface media.Surface, manifestURL string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attachErr != nil {
		return e.attachErr
	}
	e.attached = manifestURL
	return surface.SetSource(ctx, media.Source{URL: "http://127.0.0.1:1/live.m3u8", Kind: media.KindAdaptiveEngine})
}

func (e *fakeEngine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
	return nil
}

func (e *fakeEngine) OnError(fn func(EngineError)) { e.onError = fn }
func (e *fakeEngine) OnQualityChange(fn func(Level)) { e.onQuality = fn }

func (e *fakeEngine) ReloadSource(context.Context) error {
	e.mu.Lock()
	e.reloads++
	err := e.reloadErr
	ch := e.reloadCh
	e.mu.Unlock()
	if ch != nil {
		ch <- struct{}{}
	}
	return err
}

func (e *fakeEngine) RecoverMedia(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recovers++
	return nil
}

func (e *fakeEngine) isDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

type engineLog struct {
	mu      sync.Mutex
	engines []*fakeEngine
	next    func(*fakeEngine)
}

func (l *engineLog) factory(cfg EngineConfig) AdaptiveEngine {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := &fakeEngine{cfg: cfg}
	if l.next != nil {
		l.next(e)
	}
	l.engines = append(l.engines, e)
	return e
}

func (l *engineLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.engines)
}

func (l *engineLog) last() *fakeEngine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engines[len(l.engines)-1]
}

func fastRecovery() RecoveryPolicy {
	return RecoveryPolicy{NetworkRetries: 3, NetworkBackoff: time.Millisecond, MediaRetries: 2}
}

const progressiveURL = "https://cdn.example.com/videos/v1/source.mp4"

// ─── Selection ───────────────────────────────────────────────────────────────

func TestActivate_ProcessingUsesProgressiveWithoutEngine(t *testing.T) {
	engines := &engineLog{}
	surf := mediatest.New(true)
	resolver := resolverFunc(func(context.Context, string) (Descriptor, error) {
		return Descriptor{ProcessingStatus: StatusProcessing}, nil
	})
	sel := NewSelector(resolver, surf, Options{Factory: engines.factory})

	tr, err := sel.Activate(context.Background(), "v1", progressiveURL)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if tr.Kind != media.KindProgressive || tr.URL != progressiveURL {
		t.Fatalf("expected progressive transport, got %+v", tr)
	}
	if engines.count() != 0 {
		t.Fatalf("expected no engine to be constructed, got %d", engines.count())
	}
	if src, _ := surf.Current(); src.Kind != media.KindProgressive {
		t.Fatalf("expected progressive source on surface, got %+v", src)
	}
}

func TestActivate_ManifestErrorUsesProgressive(t *testing.T) {
	engines := &engineLog{}
	surf := mediatest.New(false)
	resolver := resolverFunc(func(context.Context, string) (Descriptor, error) {
		return Descriptor{}, errors.New("503 Service Unavailable")
	})
	sel := NewSelector(resolver, surf, Options{Factory: engines.factory})

	tr, err := sel.Activate(context.Background(), "v1", progressiveURL)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if tr.Kind != media.KindProgressive || engines.count() != 0 {
		t.Fatalf("expected progressive without engine, got %+v (engines=%d)", tr, engines.count())
	}
}

func TestActivate_CompletedWithEngine(t *testing.T) {
	engines := &engineLog{}
	surf := mediatest.New(false)
	sel := NewSelector(ready("https://cdn.example.com/v1/master.m3u8"), surf, Options{Factory: engines.factory})

	tr, err := sel.Activate(context.Background(), "v1", progressiveURL)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if tr.Kind != media.KindAdaptiveEngine {
		t.Fatalf("expected engine transport, got %+v", tr)
	}
	eng := engines.last()
	if !eng.cfg.StartLowest || eng.cfg.BandwidthEstimateBps != 500_000 {
		t.Fatalf("expected conservative engine config, got %+v", eng.cfg)
	}
	if eng.attached != "https://cdn.example.com/v1/master.m3u8" {
		t.Fatalf("expected engine to load manifest, got %q", eng.attached)
	}
	if n := surf.Count("set_source"); n != 1 {
		t.Fatalf("expected exactly one source set, got %d", n)
	}
}

func TestActivate_NativeAdaptive(t *testing.T) {
	surf := mediatest.New(true)
	sel := NewSelector(ready("https://cdn.example.com/v1/master.m3u8"), surf, Options{})

	tr, err := sel.Activate(context.Background(), "v1", progressiveURL)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if tr.Kind != media.KindAdaptiveNative || tr.URL != "https://cdn.example.com/v1/master.m3u8" {
		t.Fatalf("expected native adaptive transport, got %+v", tr)
	}
}

func TestActivate_NoAdaptiveSupport(t *testing.T) {
	surf := mediatest.New(false)
	sel := NewSelector(ready("https://cdn.example.com/v1/master.m3u8"), surf, Options{})

	tr, _ := sel.Activate(context.Background(), "v1", progressiveURL)
	if tr.Kind != media.KindProgressive {
		t.Fatalf("expected progressive transport, got %+v", tr)
	}
}

func TestActivate_EngineAttachFailureFallsBack(t *testing.T) {
	engines := &engineLog{next: func(e *fakeEngine) { e.attachErr = errors.New("unsupported playlist") }}
	surf := mediatest.New(false)
	sel := NewSelector(ready("https://cdn.example.com/v1/master.m3u8"), surf, Options{Factory: engines.factory})

	tr, _ := sel.Activate(context.Background(), "v1", progressiveURL)
	if tr.Kind != media.KindProgressive {
		t.Fatalf("expected progressive fallback, got %+v", tr)
	}
	if !engines.last().isDestroyed() {
		t.Fatal("expected failed engine to be destroyed")
	}
	if sel.StreamError() == nil {
		t.Fatal("expected stream error to be recorded")
	}
}

func TestActivate_SupersededByDeactivate(t *testing.T) {
	surf := mediatest.New(false)
	release := make(chan struct{})
	called := make(chan struct{})
	resolver := resolverFunc(func(context.Context, string) (Descriptor, error) {
		close(called)
		<-release
		return Descriptor{ProcessingStatus: StatusProcessing}, nil
	})
	sel := NewSelector(resolver, surf, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := sel.Activate(context.Background(), "v1", progressiveURL)
		errCh <- err
	}()
	<-called
	if err := sel.Deactivate(context.Background()); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	close(release)

	if err := <-errCh; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if n := surf.Count("set_source"); n != 0 {
		t.Fatalf("expected nothing attached, got %d sources", n)
	}
}

func TestTeardown_DestroysEngineBeforeNextAttach(t *testing.T) {
	engines := &engineLog{}
	surf := mediatest.New(false)
	var first *fakeEngine
	var destroyedBeforeLookup bool
	resolver := resolverFunc(func(context.Context, string) (Descriptor, error) {
		if first != nil {
			destroyedBeforeLookup = first.isDestroyed()
		}
		return Descriptor{ManifestURL: "https://cdn.example.com/m.m3u8", ProcessingStatus: StatusCompleted}, nil
	})
	sel := NewSelector(resolver, surf, Options{Factory: engines.factory})
	ctx := context.Background()

	if _, err := sel.Activate(ctx, "v1", progressiveURL); err != nil {
		t.Fatalf("activate v1: %v", err)
	}
	first = engines.last()
	if _, err := sel.Activate(ctx, "v2", progressiveURL); err != nil {
		t.Fatalf("activate v2: %v", err)
	}

	if !destroyedBeforeLookup {
		t.Fatal("expected first engine destroyed before the next transport was resolved")
	}
	calls := surf.Calls()
	var ops []string
	for _, c := range calls {
		ops = append(ops, c.Op)
	}
	want := []string{"set_source", "clear_source", "set_source"}
	if len(ops) != len(want) {
		t.Fatalf("expected %v, got %v", want, ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ops)
		}
	}
}

// ─── Recovery ────────────────────────────────────────────────────────────────

func TestNetworkError_ReloadsSource(t *testing.T) {
	reloaded := make(chan struct{}, 4)
	engines := &engineLog{next: func(e *fakeEngine) { e.reloadCh = reloaded }}
	surf := mediatest.New(false)
	sel := NewSelector(ready("https://cdn.example.com/m.m3u8"), surf, Options{
		Factory:  engines.factory,
		Recovery: fastRecovery(),
	})
	if _, err := sel.Activate(context.Background(), "v1", progressiveURL); err != nil {
		t.Fatalf("activate: %v", err)
	}

	eng := engines.last()
	eng.onError(EngineError{Class: ErrorNetwork, Err: errors.New("segment 503")})

	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("expected ReloadSource to be called")
	}
	if sel.Transport().Kind != media.KindAdaptiveEngine {
		t.Fatalf("expected adaptive transport to survive recovery, got %+v", sel.Transport())
	}
	if sel.StreamError() != nil {
		t.Fatalf("expected no stream error, got %v", sel.StreamError())
	}
}

func TestNetworkError_BoundedThenFallsBack(t *testing.T) {
	engines := &engineLog{next: func(e *fakeEngine) { e.reloadErr = errors.New("still failing") }}
	surf := mediatest.New(false)
	sel := NewSelector(ready("https://cdn.example.com/m.m3u8"), surf, Options{Factory: engines.factory, Recovery: fastRecovery()})
	fatal := make(chan error, 1)
	sel.OnError(func(err error) {
		_ = sel.UseProgressive(context.Background())
		fatal <- err
	})
	if _, err := sel.Activate(context.Background(), "v1", progressiveURL); err != nil {
		t.Fatalf("activate: %v", err)
	}

	eng := engines.last()
	eng.onError(EngineError{Class: ErrorNetwork, Err: errors.New("playlist timeout")})

	select {
	case err := <-fatal:
		var ee EngineError
		if !errors.As(err, &ee) || ee.Class != ErrorNetwork {
			t.Fatalf("expected network engine error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected onError after exhausted retries")
	}

	eng.mu.Lock()
	reloads := eng.reloads
	eng.mu.Unlock()
	if reloads != 3 {
		t.Fatalf("expected 3 reload attempts, got %d", reloads)
	}
	if !eng.isDestroyed() {
		t.Fatal("expected engine destroyed")
	}
	if src, _ := surf.Current(); src.Kind != media.KindProgressive {
		t.Fatalf("expected progressive source after fallback, got %+v", src)
	}
	if sel.StreamError() == nil {
		t.Fatal("expected stream error")
	}
}

func TestMediaError_RecoversInPlace(t *testing.T) {
	engines := &engineLog{}
	surf := mediatest.New(false)
	recovered := make(chan bool, 1)
	sel := NewSelector(ready("https://cdn.example.com/m.m3u8"), surf, Options{
		Factory:    engines.factory,
		Recovery:   fastRecovery(),
		OnRecovery: func(_ ErrorClass, ok bool) { recovered <- ok },
	})
	if _, err := sel.Activate(context.Background(), "v1", progressiveURL); err != nil {
		t.Fatalf("activate: %v", err)
	}

	engines.last().onError(EngineError{Class: ErrorMedia, Err: errors.New("bad segment")})

	select {
	case ok := <-recovered:
		if !ok {
			t.Fatal("expected successful media recovery")
		}
	case <-time.After(time.Second):
		t.Fatal("expected RecoverMedia to be attempted")
	}
	if engines.last().isDestroyed() {
		t.Fatal("engine must survive media recovery")
	}
}

func TestOtherError_FallsBackWithoutCallback(t *testing.T) {
	engines := &engineLog{}
	surf := mediatest.New(false)
	sel := NewSelector(ready("https://cdn.example.com/m.m3u8"), surf, Options{Factory: engines.factory})
	if _, err := sel.Activate(context.Background(), "v1", progressiveURL); err != nil {
		t.Fatalf("activate: %v", err)
	}

	engines.last().onError(EngineError{Class: ErrorOther, Err: errors.New("403 Forbidden")})

	deadline := time.Now().Add(time.Second)
	for sel.Transport().Kind != media.KindProgressive {
		if time.Now().After(deadline) {
			t.Fatalf("expected progressive fallback, transport=%+v", sel.Transport())
		}
		time.Sleep(time.Millisecond)
	}
	if !engines.last().isDestroyed() {
		t.Fatal("expected engine destroyed")
	}
	if src, _ := surf.Current(); src.URL != progressiveURL {
		t.Fatalf("expected progressive url on surface, got %+v", src)
	}
}

func TestStaleEngineErrorIgnored(t *testing.T) {
	engines := &engineLog{}
	surf := mediatest.New(false)
	sel := NewSelector(ready("https://cdn.example.com/m.m3u8"), surf, Options{Factory: engines.factory})
	ctx := context.Background()
	called := make(chan error, 1)
	sel.OnError(func(err error) { called <- err })

	if _, err := sel.Activate(ctx, "v1", progressiveURL); err != nil {
		t.Fatalf("activate v1: %v", err)
	}
	old := engines.last()
	if _, err := sel.Activate(ctx, "v2", progressiveURL); err != nil {
		t.Fatalf("activate v2: %v", err)
	}

	old.onError(EngineError{Class: ErrorOther, Err: errors.New("late")})
	select {
	case err := <-called:
		t.Fatalf("unexpected onError for stale engine: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	if sel.Transport().Kind != media.KindAdaptiveEngine {
		t.Fatalf("expected v2 engine transport intact, got %+v", sel.Transport())
	}
}

func TestDeactivate_ClearsSurface(t *testing.T) {
	engines := &engineLog{}
	surf := mediatest.New(false)
	sel := NewSelector(ready("https://cdn.example.com/m.m3u8"), surf, Options{Factory: engines.factory})

	if _, err := sel.Activate(context.Background(), "v1", progressiveURL); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := sel.Deactivate(context.Background()); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, ok := surf.Current(); ok {
		t.Fatal("expected no source after deactivate")
	}
	if !engines.last().isDestroyed() || !sel.Transport().IsZero() {
		t.Fatal("expected engine destroyed and no transport")
	}
	if err := sel.UseProgressive(context.Background()); err != nil {
		t.Fatalf("UseProgressive without activation: %v", err)
	}
	if _, ok := surf.Current(); ok {
		t.Fatal("UseProgressive must not attach without an active video")
	}
}

func TestErrorClassString(t *testing.T) {
	if ErrorNetwork.String() != "network" || ErrorMedia.String() != "media" || ErrorOther.String() != "other" {
		t.Fatal("unexpected error class names")
	}
}
