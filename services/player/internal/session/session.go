// Package session is the playback session controller: it owns one media
// surface and drives the stream selector, progress tracker and watch budget
// governor for the active video.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/watch-platform/internal/platform/analytics"
	"github.com/example/watch-platform/internal/platform/kv"
	"github.com/example/watch-platform/services/player/internal/budget"
	"github.com/example/watch-platform/services/player/internal/media"
	"github.com/example/watch-platform/services/player/internal/metrics"
	"github.com/example/watch-platform/services/player/internal/progress"
	"github.com/example/watch-platform/services/player/internal/stream"
)

const eventTimeout = 10 * time.Second

var (
	ErrClosed     = errors.New("session: closed")
	ErrNoVideo    = errors.New("session: no active video")
	ErrMissingID  = errors.New("session: video id is required")
	ErrMissingURL = errors.New("session: progressive url is required")
	ErrNoViewer   = errors.New("session: viewer id is required")
)

// Video identifies what to play. ProgressiveURL is always playable.
type Video struct {
	ID             string `json:"id"`
	ProgressiveURL string `json:"progressiveUrl"`
}

func (v Video) Validate() error {
	switch {
	case v.ID == "":
		return ErrMissingID
	case v.ProgressiveURL == "":
		return ErrMissingURL
	}
	return nil
}

type Options struct {
	ViewerID string
	// Autoplay starts playback after activation and when the session
	// becomes active, unless the budget is exhausted.
	Autoplay  bool
	Logger    *zap.Logger
	Analytics *analytics.Publisher

	Tracker progress.Options
	Budget  budget.Options
	Stream  stream.Options
}

// Status is a point-in-time view of the session for the host UI.
type Status struct {
	SessionID        string  `json:"sessionId"`
	VideoID          string  `json:"videoId,omitempty"`
	Active           bool    `json:"active"`
	Transport        string  `json:"transport,omitempty"`
	TransportURL     string  `json:"transportUrl,omitempty"`
	RemainingTimeMs  int64   `json:"remainingTimeMs"`
	IsPausedBySystem bool    `json:"isPausedBySystem"`
	BudgetState      string  `json:"budgetState"`
	ResumePosition   float64 `json:"resumePosition"`
	CurrentTime      float64 `json:"currentTime"`
	StreamError      string  `json:"streamError,omitempty"`
}

type Controller struct {
	surface  media.Surface
	tracker  *progress.Tracker
	governor *budget.Governor
	selector *stream.Selector
	events   *analytics.Publisher
	log      *zap.Logger
	viewerID string
	autoplay bool

	// op serializes activation changes.
	op sync.Mutex

	mu          sync.Mutex
	sessionID   string
	video       Video
	active      bool
	closed      bool
	lastLevel   int
	unsubscribe func()
}

func New(surface media.Surface, store progress.Store, resolver stream.Resolver, ledger kv.Store, opts Options) (*Controller, error) {
	if opts.ViewerID == "" {
		return nil, ErrNoViewer
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("viewer_id", opts.ViewerID))

	c := &Controller{
		surface:  surface,
		events:   opts.Analytics,
		log:      log,
		viewerID: opts.ViewerID,
		autoplay: opts.Autoplay,
		active:   true,
	}

	to := opts.Tracker
	if to.Logger == nil {
		to.Logger = log
	}
	to.Coalescer.OnWrite = chainErr(to.Coalescer.OnWrite, metrics.RecordProgressWrite)
	to.Coalescer.OnCoalesced = chain(to.Coalescer.OnCoalesced, metrics.RecordCoalesced)
	c.tracker = progress.NewTracker(store, surface, to)

	bo := opts.Budget
	if bo.Logger == nil {
		bo.Logger = log
	}
	bo.OnExhausted = chain(bo.OnExhausted, c.onExhausted)
	prevStoreErr := bo.OnStoreError
	bo.OnStoreError = func(op string, err error) {
		metrics.RecordBudgetStoreError(op)
		if prevStoreErr != nil {
			prevStoreErr(op, err)
		}
	}
	c.governor = budget.New(ledger, opts.ViewerID, bo)

	so := opts.Stream
	if so.Logger == nil {
		so.Logger = log
	}
	prevTransport := so.OnTransport
	so.OnTransport = func(t stream.Transport) {
		metrics.RecordTransport(string(t.Kind))
		if prevTransport != nil {
			prevTransport(t)
		}
	}
	prevRecovery := so.OnRecovery
	so.OnRecovery = func(class stream.ErrorClass, ok bool) {
		metrics.RecordRecovery(class.String(), ok)
		if prevRecovery != nil {
			prevRecovery(class, ok)
		}
	}
	prevQuality := so.OnQualityChange
	so.OnQualityChange = func(l stream.Level) {
		c.mu.Lock()
		up := l.Index > c.lastLevel
		c.lastLevel = l.Index
		c.mu.Unlock()
		metrics.RecordQualitySwitch(up)
		if prevQuality != nil {
			prevQuality(l)
		}
	}
	c.selector = stream.NewSelector(resolver, surface, so)
	c.selector.OnError(c.onStreamError)

	c.governor.SetActive(context.Background(), true)
	metrics.SetSessionActive(true)
	c.unsubscribe = surface.Subscribe(c.onSurfaceEvent)
	return c, nil
}

// Activate tears down the current video and starts v: the transport is
// attached first, then the budget ledger is loaded and the resume position
// fetched. Re-activating the current video is a no-op.
func (c *Controller) Activate(ctx context.Context, v Video) error {
	if err := v.Validate(); err != nil {
		return err
	}
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.video.ID == v.ID {
		c.mu.Unlock()
		return nil
	}
	prev := c.video.ID
	c.video = v
	c.sessionID = uuid.NewString()
	c.lastLevel = 0
	sessionID := c.sessionID
	active := c.active
	c.mu.Unlock()

	log := c.log.With(zap.String("video_id", v.ID), zap.String("session_id", sessionID))
	if prev != "" {
		if err := c.tracker.Deactivate(ctx); err != nil {
			log.Warn("final progress save for previous video failed", zap.String("previous_video_id", prev), zap.Error(err))
		}
	}

	t, err := c.selector.Activate(ctx, v.ID, v.ProgressiveURL)
	if err != nil {
		if errors.Is(err, stream.ErrSuperseded) {
			c.mu.Lock()
			c.video = Video{}
			c.mu.Unlock()
			return err
		}
		log.Warn("attaching transport failed", zap.Error(err))
	}
	desc := c.selector.Descriptor()
	c.governor.Load(ctx, v.ID, desc.UploadedAt)
	c.tracker.Activate(ctx, v.ID)

	c.events.Publish(analytics.SubjectPlaybackStarted, "playback_started", c.viewerID, map[string]any{
		"video_id":   v.ID,
		"session_id": sessionID,
		"transport":  string(t.Kind),
	})
	log.Info("video activated", zap.String("transport", string(t.Kind)))

	if active && c.autoplay && !c.governor.IsPausedBySystem() {
		if err := c.surface.Play(ctx); err != nil {
			log.Warn("autoplay failed", zap.Error(err))
		}
	}
	return nil
}

// SetActive marks the hosting surface as in view. Becoming inactive pauses
// playback and saves progress immediately.
func (c *Controller) SetActive(ctx context.Context, active bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	changed := c.active != active
	c.active = active
	c.mu.Unlock()
	if !changed {
		return nil
	}

	metrics.SetSessionActive(active)
	c.governor.SetActive(ctx, active)
	if !active {
		if err := c.surface.Pause(ctx); err != nil {
			c.log.Warn("pause on inactive failed", zap.Error(err))
		}
		err := c.tracker.SaveProgress(ctx, true)
		c.tracker.SetActive(ctx, false)
		return err
	}
	c.tracker.SetActive(ctx, true)
	if c.autoplay && !c.governor.IsPausedBySystem() {
		if err := c.surface.Play(ctx); err != nil {
			c.log.Warn("resume playback failed", zap.Error(err))
		}
	}
	return nil
}

// Deactivate saves the final position and detaches the transport.
func (c *Controller) Deactivate(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	return c.deactivateLocked(ctx)
}

func (c *Controller) deactivateLocked(ctx context.Context) error {
	c.mu.Lock()
	had := c.video.ID != ""
	c.video = Video{}
	c.mu.Unlock()
	if !had {
		return nil
	}

	saveErr := c.tracker.Deactivate(ctx)
	if err := c.selector.Deactivate(ctx); err != nil {
		c.log.Warn("detaching transport failed", zap.Error(err))
	}
	c.governor.Unload(ctx)
	return saveErr
}

// Close deactivates and releases the session. The surface is not closed.
func (c *Controller) Close(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsub := c.unsubscribe
	c.mu.Unlock()

	err := c.deactivateLocked(ctx)
	if unsub != nil {
		unsub()
	}
	c.governor.Close(ctx)
	c.tracker.Close()
	metrics.SetSessionActive(false)
	return err
}

func (c *Controller) RemainingTimeMs() int64 { return c.governor.RemainingMs() }

func (c *Controller) IsPausedBySystem() bool { return c.governor.IsPausedBySystem() }

// ResetTimer clears the watch budget of the active video. A reset that lifts
// an exhausted budget resumes playback like ForceContinue when autoplay is on.
func (c *Controller) ResetTimer(ctx context.Context) error {
	if c.VideoID() == "" {
		return ErrNoVideo
	}
	wasPaused := c.governor.IsPausedBySystem()
	c.governor.Reset(ctx)
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if wasPaused && active && c.autoplay {
		return c.surface.Play(ctx)
	}
	return nil
}

// ForceContinue lifts an exhausted budget and resumes playback when active.
func (c *Controller) ForceContinue(ctx context.Context) error {
	if c.VideoID() == "" {
		return ErrNoVideo
	}
	c.governor.ForceContinue(ctx)
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active {
		return c.surface.Play(ctx)
	}
	return nil
}

func (c *Controller) SaveProgress(ctx context.Context, force bool) error {
	return c.tracker.SaveProgress(ctx, force)
}

func (c *Controller) ResumePosition() float64 { return c.tracker.ResumePosition() }

// StreamError is the fatal adaptive error of the current activation, or nil.
func (c *Controller) StreamError() error { return c.selector.StreamError() }

func (c *Controller) VideoID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.video.ID
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		SessionID: c.sessionID,
		VideoID:   c.video.ID,
		Active:    c.active,
	}
	c.mu.Unlock()

	t := c.selector.Transport()
	st.Transport = string(t.Kind)
	st.TransportURL = t.URL
	st.RemainingTimeMs = c.governor.RemainingMs()
	st.IsPausedBySystem = c.governor.IsPausedBySystem()
	st.BudgetState = c.governor.State().String()
	st.ResumePosition = c.tracker.ResumePosition()
	st.CurrentTime = c.surface.CurrentTime()
	if err := c.selector.StreamError(); err != nil {
		st.StreamError = err.Error()
	}
	return st
}

// onExhausted runs on the governor's goroutine once per exhaustion.
func (c *Controller) onExhausted() {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	metrics.RecordBudgetExhausted()
	if err := c.surface.Pause(ctx); err != nil {
		c.log.Warn("pause on exhausted budget failed", zap.Error(err))
	}
	if err := c.tracker.SaveProgress(ctx, true); err != nil {
		c.log.Warn("progress save on exhausted budget failed", zap.Error(err))
	}

	c.mu.Lock()
	vid, sid := c.video.ID, c.sessionID
	c.mu.Unlock()
	c.events.Publish(analytics.SubjectPlaybackBudgetExhausted, "playback_budget_exhausted", c.viewerID, map[string]any{
		"video_id":   vid,
		"session_id": sid,
	})
}

// onStreamError hands playback to the progressive source at the position
// the adaptive transport reached.
func (c *Controller) onStreamError(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	pos := c.surface.CurrentTime()
	c.log.Warn("adaptive transport failed, falling back to progressive", zap.Error(err))
	if err := c.selector.UseProgressive(ctx); err != nil {
		c.log.Warn("progressive fallback failed", zap.Error(err))
		return
	}
	if pos > 0 {
		if err := c.surface.Seek(ctx, pos); err != nil {
			c.log.Warn("restoring position after fallback failed", zap.Float64("position", pos), zap.Error(err))
		}
	}
	c.mu.Lock()
	vid, sid, active := c.video.ID, c.sessionID, c.active
	c.mu.Unlock()
	if active && c.autoplay && !c.governor.IsPausedBySystem() {
		if err := c.surface.Play(ctx); err != nil {
			c.log.Warn("resume after fallback failed", zap.Error(err))
		}
	}
	props := map[string]any{"video_id": vid, "session_id": sid}
	if err != nil {
		props["error"] = err.Error()
	}
	c.events.Publish(analytics.SubjectPlaybackFallback, "playback_fallback", c.viewerID, props)
}

func (c *Controller) onSurfaceEvent(ev media.Event) {
	switch ev.Type {
	case media.EventTimeUpdate:
		c.tracker.OnTimeUpdate(ev.Time, ev.Duration)

	case media.EventEnded:
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		if err := c.tracker.SaveProgress(ctx, true); err != nil {
			c.log.Warn("progress save at end of video failed", zap.Error(err))
		}
		c.mu.Lock()
		vid, sid := c.video.ID, c.sessionID
		c.mu.Unlock()
		c.events.Publish(analytics.SubjectPlaybackCompleted, "playback_completed", c.viewerID, map[string]any{
			"video_id":   vid,
			"session_id": sid,
		})

	case media.EventError:
		// Native adaptive playback has no engine to report fatal errors.
		if c.selector.Transport().Kind == media.KindAdaptiveNative {
			go c.onStreamError(ev.Err)
			return
		}
		c.log.Warn("media surface error", zap.Error(ev.Err))
	}
}

func chain(a, b func()) func() {
	if a == nil {
		return b
	}
	return func() { a(); b() }
}

func chainErr(a, b func(error)) func(error) {
	if a == nil {
		return b
	}
	return func(err error) { a(err); b(err) }
}
