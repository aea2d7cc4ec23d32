package budget

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/example/watch-platform/internal/platform/kv"
)

const storeTimeout = 5 * time.Second

type Options struct {
	Budget       time.Duration
	TickInterval time.Duration
	Clock        clockwork.Clock
	Logger       *zap.Logger

	// OnExhausted is called once every time the budget is used up. It runs
	// on the goroutine that applied the event and must not call Load,
	// Unload or Close.
	OnExhausted func()
	// OnStoreError is called for every failed durable read or write.
	OnStoreError func(op string, err error)
}

// Governor accounts watch time for one viewer and the currently loaded video.
type Governor struct {
	store    ledgerStore
	viewerID string
	opts     Options
	log      *zap.Logger

	// io serializes transitions together with their durable effects.
	io sync.Mutex

	mu         sync.Mutex
	videoID    string
	snap       Snapshot
	memoryOnly bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(store kv.Store, viewerID string, opts Options) *Governor {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Governor{
		store:    ledgerStore{kv: store},
		viewerID: viewerID,
		opts:     opts,
		log:      log.With(zap.String("viewer_id", viewerID)),
	}
}

// Load switches accounting to videoID, reading its durable ledger. A ledger
// anchored before uploadedAt belongs to replaced content and is reset.
// Read failures fall back to a zeroed in-memory ledger for this video.
func (g *Governor) Load(ctx context.Context, videoID string, uploadedAt time.Time) {
	g.unload(ctx)

	l, err := g.readLedger(ctx, videoID)
	g.mu.Lock()
	g.videoID = videoID
	g.snap = Snapshot{Active: g.snap.Active}
	g.memoryOnly = err != nil
	g.mu.Unlock()
	if err != nil {
		g.log.Warn("watch budget ledger unavailable, using in-memory ledger",
			zap.String("video_id", videoID), zap.Error(err))
		g.storeError("load", err)
	}

	g.apply(ctx, Event{Kind: EventLoad, Ledger: l, UploadedAt: uploadedAt})
	g.startTicker()
}

// Unload persists the running interval and stops accounting.
func (g *Governor) Unload(ctx context.Context) {
	g.unload(ctx)
}

func (g *Governor) unload(ctx context.Context) {
	g.stopTicker()
	g.mu.Lock()
	loaded := g.videoID != ""
	active := g.snap.Active
	g.mu.Unlock()
	if !loaded {
		return
	}
	g.apply(ctx, Event{Kind: EventDeactivate})
	g.mu.Lock()
	g.videoID = ""
	g.snap = Snapshot{Active: active}
	g.mu.Unlock()
}

// SetActive starts or stops measuring. Activity is remembered across Load.
func (g *Governor) SetActive(ctx context.Context, active bool) {
	kind := EventDeactivate
	if active {
		kind = EventActivate
	}
	g.apply(ctx, Event{Kind: kind})
}

// Reset clears the ledger and deletes it from the durable store.
func (g *Governor) Reset(ctx context.Context) {
	g.apply(ctx, Event{Kind: EventReset})
}

// ForceContinue clears an exhausted ledger and resumes measuring if active.
func (g *Governor) ForceContinue(ctx context.Context) {
	g.apply(ctx, Event{Kind: EventForceContinue})
}

func (g *Governor) RemainingMs() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Remaining(g.snap, g.opts.Clock.Now(), g.opts.Budget).Milliseconds()
}

func (g *Governor) IsPausedBySystem() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap.State == StateExhausted
}

func (g *Governor) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap.State
}

// Snapshot returns a copy of the current state.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap
}

// Close persists the running interval and stops the ticker.
func (g *Governor) Close(ctx context.Context) {
	g.unload(ctx)
}

func (g *Governor) tick(ctx context.Context) {
	g.apply(ctx, Event{Kind: EventTick})
}

func (g *Governor) apply(ctx context.Context, ev Event) {
	g.io.Lock()
	g.mu.Lock()
	now := g.opts.Clock.Now()
	next, effects := Transition(g.snap, ev, now, g.opts.Budget)
	if g.videoID == "" && ev.Kind != EventActivate && ev.Kind != EventDeactivate {
		// Nothing loaded: only remember activity.
		g.mu.Unlock()
		g.io.Unlock()
		return
	}
	g.snap = next
	vid := g.videoID
	memoryOnly := g.memoryOnly
	g.mu.Unlock()

	exhausted := false
	for _, eff := range effects {
		switch eff.Kind {
		case EffectPersist:
			if vid == "" || memoryOnly {
				continue
			}
			if err := g.withTimeout(ctx, func(c context.Context) error {
				return g.store.save(c, g.viewerID, vid, eff.Ledger)
			}); err != nil {
				g.log.Warn("persist watch budget failed", zap.String("video_id", vid), zap.Error(err))
				g.storeError("persist", err)
			}
		case EffectDelete:
			if vid == "" {
				continue
			}
			if err := g.withTimeout(ctx, func(c context.Context) error {
				return g.store.delete(c, g.viewerID, vid)
			}); err != nil {
				g.log.Warn("delete watch budget failed", zap.String("video_id", vid), zap.Error(err))
				g.storeError("delete", err)
			}
		case EffectExhausted:
			exhausted = true
		}
	}
	g.io.Unlock()

	if exhausted {
		g.log.Info("watch budget exhausted", zap.String("video_id", vid))
		if g.opts.OnExhausted != nil {
			g.opts.OnExhausted()
		}
	}
}

func (g *Governor) readLedger(ctx context.Context, videoID string) (Ledger, error) {
	var l Ledger
	err := g.withTimeout(ctx, func(c context.Context) error {
		var err error
		l, err = g.store.load(c, g.viewerID, videoID)
		return err
	})
	if err != nil {
		return Ledger{}, err
	}
	return l, nil
}

// withTimeout runs fn with a bounded context detached from ctx's
// cancellation, so teardown writes still reach the store.
func (g *Governor) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	return fn(c)
}

func (g *Governor) storeError(op string, err error) {
	if g.opts.OnStoreError != nil {
		g.opts.OnStoreError(op, err)
	}
}

func (g *Governor) startTicker() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stop != nil {
		return
	}
	stop := make(chan struct{})
	g.stop = stop
	ticker := g.opts.Clock.NewTicker(g.opts.TickInterval)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				g.tick(context.Background())
			}
		}
	}()
}

func (g *Governor) stopTicker() {
	g.mu.Lock()
	stop := g.stop
	g.stop = nil
	g.mu.Unlock()
	if stop != nil {
		close(stop)
		g.wg.Wait()
	}
}
