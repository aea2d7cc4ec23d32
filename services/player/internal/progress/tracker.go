// Package progress resumes playback from, and persists position to, the
// remote progress store.
package progress

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/watch-platform/services/player/internal/coalescer"
	"github.com/example/watch-platform/services/player/internal/media"
)

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultRewind       = 2 * time.Second
	CompletedRatio      = 0.9

	// seekSlack is how far below the resume point a sample may land and
	// still count as the resume seek.
	seekSlack = 0.5
)

// Progress is the persisted playback state of one viewer for one video.
type Progress struct {
	Position  float64 `json:"lastPosition"`
	WatchTime int     `json:"watchTime"`
	Completed bool    `json:"completed"`
}

// ErrNotFound may be returned by Store.Get when nothing was saved yet.
var ErrNotFound = errors.New("progress: not found")

// Store is the remote progress store port.
type Store interface {
	Get(ctx context.Context, videoID string) (Progress, error)
	Save(ctx context.Context, videoID string, p Progress) error
}

type Options struct {
	FetchTimeout time.Duration
	Rewind       time.Duration
	Coalescer    coalescer.Options
	Logger       *zap.Logger
}

// Tracker loads the resume position of the active video, seeks the surface
// to it once and feeds sampled positions to a per-video coalescer.
type Tracker struct {
	store   Store
	surface media.Surface
	opts    Options
	log     *zap.Logger

	mu      sync.Mutex
	videoID string
	gen     uint64
	active  bool
	fetched bool

	serverPos   float64
	resumeAt    float64
	seekPending bool
	seeked      bool
	// guard suppresses samples between the rewound resume point and the
	// fetched position, so that a reload without playback does not write
	// back a rewound value. Until landed, samples before the window are
	// start-of-file readings from before the seek took effect.
	guard  bool
	landed bool

	serverWatch int
	watermark   int
	last        Progress
	sampled     bool

	writers map[string]*coalescer.Coalescer[Progress]
}

func NewTracker(store Store, surface media.Surface, opts Options) *Tracker {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Rewind <= 0 {
		opts.Rewind = DefaultRewind
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Coalescer.Logger == nil {
		opts.Coalescer.Logger = log
	}
	return &Tracker{
		store:   store,
		surface: surface,
		opts:    opts,
		log:     log,
		active:  true,
		writers: make(map[string]*coalescer.Coalescer[Progress]),
	}
}

// Activate makes videoID the tracked video and loads its resume position.
// Re-activating the current video is a no-op. Fetch failures are logged and
// mean "no resume".
func (t *Tracker) Activate(ctx context.Context, videoID string) {
	t.mu.Lock()
	if videoID == t.videoID {
		t.mu.Unlock()
		return
	}
	if prev, final, ok := t.finalLocked(); ok {
		prev.Enqueue(final, true)
	}
	t.resetLocked()
	t.videoID = videoID
	t.gen++
	gen := t.gen
	t.writerLocked(videoID)
	t.retireIdleLocked()
	t.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, t.opts.FetchTimeout)
	p, err := t.store.Get(fctx, videoID)
	cancel()

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		t.log.Debug("discarding stale progress fetch", zap.String("video_id", videoID))
		return
	}
	t.fetched = true
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		t.log.Warn("progress fetch failed", zap.String("video_id", videoID), zap.Error(err))
	default:
		t.serverWatch = p.WatchTime
		t.watermark = p.WatchTime
		if p.Position > 0 {
			t.serverPos = p.Position
			t.resumeAt = math.Max(0, p.Position-t.opts.Rewind.Seconds())
			t.seekPending = true
		}
	}
	seek, target := t.takeSeekLocked()
	t.mu.Unlock()

	if seek {
		t.seek(ctx, videoID, target)
	}
}

// SetActive marks whether the hosting session is active. A resume seek that
// resolved while inactive is applied on the next activation.
func (t *Tracker) SetActive(ctx context.Context, active bool) {
	t.mu.Lock()
	t.active = active
	seek, target := t.takeSeekLocked()
	vid := t.videoID
	t.mu.Unlock()

	if seek {
		t.seek(ctx, vid, target)
	}
}

func (t *Tracker) takeSeekLocked() (bool, float64) {
	if !t.seekPending || !t.active || t.seeked {
		return false, 0
	}
	t.seekPending = false
	t.seeked = true
	t.guard = true
	return true, t.resumeAt
}

func (t *Tracker) seek(ctx context.Context, videoID string, target float64) {
	if err := t.surface.Seek(ctx, target); err != nil {
		t.log.Warn("resume seek failed", zap.String("video_id", videoID), zap.Float64("position", target), zap.Error(err))
	}
}

// OnTimeUpdate samples the surface clock. At most one value is enqueued per call.
func (t *Tracker) OnTimeUpdate(pos, duration float64) {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	p, ok := t.sampleLocked(pos, duration)
	w := t.writers[t.videoID]
	t.mu.Unlock()

	if ok && w != nil {
		w.Enqueue(p, false)
	}
}

// SaveProgress samples the surface now. With force the value is written
// immediately and the write error is returned.
func (t *Tracker) SaveProgress(ctx context.Context, force bool) error {
	t.mu.Lock()
	w, p, ok := t.finalLocked()
	t.mu.Unlock()

	if !ok {
		return nil
	}
	if force {
		return w.FlushValue(ctx, p)
	}
	w.Enqueue(p, false)
	return nil
}

// Deactivate flushes the final position of the tracked video and clears
// local state. Late fetch results for it are discarded.
func (t *Tracker) Deactivate(ctx context.Context) error {
	t.mu.Lock()
	w, final, ok := t.finalLocked()
	vid := t.videoID
	t.resetLocked()
	t.videoID = ""
	t.gen++
	t.mu.Unlock()

	if !ok {
		return nil
	}
	if err := w.FlushValue(ctx, final); err != nil {
		t.log.Warn("final progress flush failed", zap.String("video_id", vid), zap.Error(err))
		return err
	}
	return nil
}

// Close drops all coalescers. Call after Deactivate.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, w := range t.writers {
		w.Close()
		delete(t.writers, id)
	}
}

// ResumePosition is the position the surface was (or will be) sought to for
// the current activation, or 0.
func (t *Tracker) ResumePosition() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumeAt
}

func (t *Tracker) VideoID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.videoID
}

// sampleLocked turns a surface reading into a progress value. It reports
// false before the resume fetch resolved and inside the resume guard.
func (t *Tracker) sampleLocked(pos, duration float64) (Progress, bool) {
	if t.videoID == "" || !t.fetched {
		return Progress{}, false
	}
	if pos < 0 || math.IsNaN(pos) {
		pos = 0
	}
	if duration > 0 && pos > duration {
		pos = duration
	}
	if t.guard {
		switch {
		case pos >= t.resumeAt-seekSlack && pos <= t.serverPos:
			t.landed = true
			return Progress{}, false
		case pos < t.resumeAt-seekSlack && !t.landed:
			return Progress{}, false
		}
		// Playback moved past the fetched position, or the viewer seeked
		// away after the resume seek landed.
		t.guard = false
	}

	if w := int(math.Floor(pos)); w > t.watermark {
		t.watermark = w
	}
	if t.serverWatch > t.watermark {
		t.watermark = t.serverWatch
	}
	p := Progress{
		Position:  pos,
		WatchTime: t.watermark,
		Completed: duration > 0 && pos/duration >= CompletedRatio,
	}
	t.last = p
	t.sampled = true
	return p, true
}

// finalLocked samples the surface for an explicit save. When the surface no
// longer reports media (source cleared or replaced) the last sample is used.
func (t *Tracker) finalLocked() (*coalescer.Coalescer[Progress], Progress, bool) {
	w := t.writers[t.videoID]
	if w == nil {
		return nil, Progress{}, false
	}
	var (
		p  Progress
		ok bool
	)
	if d := t.surface.Duration(); d > 0 {
		p, ok = t.sampleLocked(t.surface.CurrentTime(), d)
	}
	if !ok {
		if !t.sampled {
			return nil, Progress{}, false
		}
		p = t.last
	}
	return w, p, true
}

func (t *Tracker) resetLocked() {
	t.fetched = false
	t.serverPos, t.resumeAt = 0, 0
	t.seekPending, t.seeked, t.guard, t.landed = false, false, false, false
	t.serverWatch, t.watermark = 0, 0
	t.last, t.sampled = Progress{}, false
}

func (t *Tracker) writerLocked(videoID string) *coalescer.Coalescer[Progress] {
	if w, ok := t.writers[videoID]; ok {
		return w
	}
	w := coalescer.New(func(ctx context.Context, p Progress) error {
		return t.store.Save(ctx, videoID, p)
	}, t.opts.Coalescer)
	t.writers[videoID] = w
	return w
}

// retireIdleLocked closes coalescers of other videos that have nothing left to write.
func (t *Tracker) retireIdleLocked() {
	for id, w := range t.writers {
		if id != t.videoID && !w.Busy() {
			w.Close()
			delete(t.writers, id)
		}
	}
}
