// Package coalescer buffers the latest value of a remote write and sends it
// with at most one write in flight.
//
// A Coalescer holds a single pending slot. Values enqueued while a write is
// in flight, or while a debounce timer is armed, replace the pending value.
// Writes are spaced at least MinInterval apart unless forced; after every
// completed write a remaining pending value is sent after Settle. A failed
// value is kept pending and retried on the same cadence.
package coalescer

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultMinInterval  = 10 * time.Second
	DefaultDebounce     = 2 * time.Second
	DefaultSettle       = 3 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// WriteFunc performs one remote write.
type WriteFunc[T any] func(ctx context.Context, v T) error

type Options struct {
	MinInterval  time.Duration
	Debounce     time.Duration
	Settle       time.Duration
	WriteTimeout time.Duration
	Clock        clockwork.Clock
	Logger       *zap.Logger

	// OnWrite is called after every dispatched write with its result.
	OnWrite func(err error)
	// OnCoalesced is called when a pending value is replaced before being written.
	OnCoalesced func()
}

func (o Options) withDefaults() Options {
	if o.MinInterval <= 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Settle <= 0 {
		o.Settle = DefaultSettle
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type Coalescer[T any] struct {
	write WriteFunc[T]
	opts  Options

	mu           sync.Mutex
	pending      T
	hasPending   bool
	forced       bool
	inFlight     bool
	done         chan struct{}
	lastDispatch time.Time
	dispatched   bool
	timer        clockwork.Timer
	timerGen     uint64
	closed       bool
}

func New[T any](write WriteFunc[T], opts Options) *Coalescer[T] {
	return &Coalescer[T]{write: write, opts: opts.withDefaults()}
}

// Enqueue offers v for persistence. With force the value is written now
// unless a write is already in flight, in which case it is written as soon
// as that write succeeds.
func (c *Coalescer[T]) Enqueue(v T, force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if c.inFlight {
		c.storePending(v)
		c.forced = c.forced || force
		return
	}

	now := c.opts.Clock.Now()
	idle := !c.dispatched || now.Sub(c.lastDispatch) >= c.opts.MinInterval
	if force || (idle && c.timer == nil) {
		c.stopTimer()
		c.hasPending = false
		c.dispatch(v)
		return
	}

	c.storePending(v)
	if c.timer == nil {
		c.arm(max(c.opts.Debounce, c.opts.MinInterval-now.Sub(c.lastDispatch)))
	}
}

// Flush cancels any armed timer, waits for an in-flight write and then
// writes the latest pending value exactly once, returning its error. With
// nothing pending it returns nil without writing.
func (c *Coalescer[T]) Flush(ctx context.Context) error {
	c.mu.Lock()
	for {
		c.stopTimer()
		if !c.inFlight {
			break
		}
		done := c.done
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	if !c.hasPending {
		c.mu.Unlock()
		return nil
	}
	v := c.pending
	c.hasPending = false
	c.forced = false
	c.begin()
	c.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	err := c.write(wctx, v)
	cancel()
	c.report(err)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.finish()
	if err != nil && !c.hasPending {
		c.storePending(v)
	}
	if !c.hasPending || c.closed {
		return err
	}
	if err == nil && c.forced {
		next := c.pending
		c.hasPending = false
		c.dispatch(next)
		return nil
	}
	c.armAfter(err)
	return err
}

// Busy reports whether a write is in flight or a value is waiting to be written.
func (c *Coalescer[T]) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight || c.hasPending
}

// Close stops timers and drops any pending value. An in-flight write is
// allowed to finish.
func (c *Coalescer[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopTimer()
	c.hasPending = false
}

func (c *Coalescer[T]) storePending(v T) {
	if c.hasPending && c.opts.OnCoalesced != nil {
		c.opts.OnCoalesced()
	}
	c.pending = v
	c.hasPending = true
}

// begin marks a write as in flight. Caller holds mu.
func (c *Coalescer[T]) begin() {
	c.inFlight = true
	c.done = make(chan struct{})
	c.lastDispatch = c.opts.Clock.Now()
	c.dispatched = true
}

func (c *Coalescer[T]) finish() {
	c.inFlight = false
	close(c.done)
}

// dispatch starts an asynchronous write of v. Caller holds mu.
func (c *Coalescer[T]) dispatch(v T) {
	c.forced = false
	c.begin()
	go c.run(v)
}

func (c *Coalescer[T]) run(v T) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	err := c.write(ctx, v)
	cancel()
	c.report(err)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.finish()
	if c.closed {
		return
	}

	if err != nil {
		if !c.hasPending {
			c.storePending(v)
		}
		c.armAfter(err)
		return
	}
	if !c.hasPending {
		return
	}
	if c.forced {
		next := c.pending
		c.hasPending = false
		c.dispatch(next)
		return
	}
	c.arm(c.opts.Settle)
}

func (c *Coalescer[T]) report(err error) {
	if err != nil {
		c.opts.Logger.Warn("coalesced write failed", zap.Error(err))
	}
	if c.opts.OnWrite != nil {
		c.opts.OnWrite(err)
	}
}

// armAfter schedules the pending value after a completed write. A retry of
// a failed write waits at least MinInterval from its dispatch.
func (c *Coalescer[T]) armAfter(err error) {
	if err == nil {
		c.arm(c.opts.Settle)
		return
	}
	elapsed := c.opts.Clock.Now().Sub(c.lastDispatch)
	c.arm(max(c.opts.Settle, c.opts.MinInterval-elapsed))
}

// arm replaces any armed timer. Caller holds mu.
func (c *Coalescer[T]) arm(d time.Duration) {
	c.stopTimer()
	gen := c.timerGen
	c.timer = c.opts.Clock.AfterFunc(d, func() { c.fire(gen) })
}

func (c *Coalescer[T]) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *Coalescer[T]) fire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.timerGen {
		return
	}
	c.timer = nil
	if c.closed || c.inFlight || !c.hasPending {
		return
	}
	v := c.pending
	c.hasPending = false
	c.dispatch(v)
}

// FlushValue makes v the pending value and flushes it.
func (c *Coalescer[T]) FlushValue(ctx context.Context, v T) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.storePending(v)
	c.mu.Unlock()
	return c.Flush(ctx)
}
