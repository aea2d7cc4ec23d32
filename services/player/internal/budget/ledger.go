// Package budget enforces a cumulative watch-time ceiling per viewer and
// video that survives restarts.
//
// The accounting is a pure state machine (Transition) over an owned Ledger.
// Governor drives it from wall-clock events and applies its effects to a
// durable kv.Store.
package budget

import "time"

const (
	DefaultBudget       = 3 * time.Hour
	DefaultTickInterval = 30 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateTicking
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTicking:
		return "ticking"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Ledger is the durable accounting record. AnchorMs is the unix millisecond
// instant the current measured interval began; zero means no anchor.
type Ledger struct {
	AccumulatedMs int64
	AnchorMs      int64
}

func (l Ledger) IsZero() bool { return l.AccumulatedMs == 0 && l.AnchorMs == 0 }

// Snapshot is the in-memory governor state.
type Snapshot struct {
	Ledger Ledger
	State  State
	Active bool
	Loaded bool
}

type EventKind int

const (
	// EventLoad installs the ledger read from the durable store.
	EventLoad EventKind = iota
	EventActivate
	EventDeactivate
	EventTick
	// EventReset clears the ledger and returns to Idle.
	EventReset
	// EventForceContinue clears the ledger and resumes measuring if active.
	EventForceContinue
)

type Event struct {
	Kind EventKind
	// Ledger is the stored ledger for EventLoad.
	Ledger Ledger
	// UploadedAt, for EventLoad, resets a ledger anchored before the
	// video's current upload.
	UploadedAt time.Time
}

type EffectKind int

const (
	// EffectPersist writes Effect.Ledger to the durable store.
	EffectPersist EffectKind = iota
	// EffectDelete removes the durable ledger.
	EffectDelete
	// EffectExhausted signals that the budget has just been used up.
	EffectExhausted
)

type Effect struct {
	Kind   EffectKind
	Ledger Ledger
}

// Transition applies ev to s at now. It never reads a clock; all wall-clock
// erosion is computed from now and the anchor.
func Transition(s Snapshot, ev Event, now time.Time, budget time.Duration) (Snapshot, []Effect) {
	nowMs := now.UnixMilli()
	budgetMs := budget.Milliseconds()
	var effects []Effect

	switch ev.Kind {
	case EventLoad:
		l := ev.Ledger
		if !ev.UploadedAt.IsZero() && l.AnchorMs > 0 && l.AnchorMs < ev.UploadedAt.UnixMilli() {
			l = Ledger{}
			effects = append(effects, Effect{Kind: EffectDelete})
		}
		eroded := l.AnchorMs > 0
		if eroded && nowMs > l.AnchorMs {
			l.AccumulatedMs += nowMs - l.AnchorMs
		}
		s.Ledger = l
		s.Loaded = true
		s.State = StateIdle
		switch {
		case s.Ledger.AccumulatedMs >= budgetMs:
			s.Ledger.AnchorMs = nowMs
			s.State = StateExhausted
			effects = append(effects, Effect{Kind: EffectPersist, Ledger: s.Ledger}, Effect{Kind: EffectExhausted})
		case s.Active:
			s, effects = startTicking(s, nowMs, effects)
		case eroded:
			s.Ledger.AnchorMs = nowMs
			effects = append(effects, Effect{Kind: EffectPersist, Ledger: s.Ledger})
		}

	case EventActivate:
		s.Active = true
		if s.Loaded && s.State == StateIdle {
			s, effects = startTicking(s, nowMs, effects)
		}

	case EventDeactivate:
		s.Active = false
		if s.State == StateTicking {
			s, effects = accumulate(s, nowMs, budgetMs, effects)
			if s.State == StateTicking {
				s.State = StateIdle
			}
		}

	case EventTick:
		if s.State == StateTicking {
			s, effects = accumulate(s, nowMs, budgetMs, effects)
		}

	case EventReset:
		s.Ledger = Ledger{}
		s.State = StateIdle
		effects = append(effects, Effect{Kind: EffectDelete})
		if s.Loaded && s.Active {
			// Measuring continues from now. The anchor stays in memory until
			// the next tick so the durable entries remain deleted.
			s.State = StateTicking
			s.Ledger.AnchorMs = nowMs
		}

	case EventForceContinue:
		s.Ledger = Ledger{}
		s.State = StateIdle
		effects = append(effects, Effect{Kind: EffectDelete})
		if s.Loaded && s.Active {
			s, effects = startTicking(s, nowMs, effects)
		}
	}
	return s, effects
}

// startTicking enters Ticking, or Exhausted when nothing is left.
func startTicking(s Snapshot, nowMs int64, effects []Effect) (Snapshot, []Effect) {
	s.State = StateTicking
	s.Ledger.AnchorMs = nowMs
	return s, append(effects, Effect{Kind: EffectPersist, Ledger: s.Ledger})
}

// accumulate adds the interval since the anchor and re-anchors at now.
func accumulate(s Snapshot, nowMs, budgetMs int64, effects []Effect) (Snapshot, []Effect) {
	if s.Ledger.AnchorMs > 0 && nowMs > s.Ledger.AnchorMs {
		s.Ledger.AccumulatedMs += nowMs - s.Ledger.AnchorMs
	}
	s.Ledger.AnchorMs = nowMs
	effects = append(effects, Effect{Kind: EffectPersist, Ledger: s.Ledger})
	if s.Ledger.AccumulatedMs >= budgetMs {
		s.State = StateExhausted
		effects = append(effects, Effect{Kind: EffectExhausted})
	}
	return s, effects
}

// Remaining is the budget left at now, including the running interval.
func Remaining(s Snapshot, now time.Time, budget time.Duration) time.Duration {
	used := s.Ledger.AccumulatedMs
	if s.State == StateTicking && s.Ledger.AnchorMs > 0 {
		if d := now.UnixMilli() - s.Ledger.AnchorMs; d > 0 {
			used += d
		}
	}
	left := budget.Milliseconds() - used
	if left < 0 {
		left = 0
	}
	return time.Duration(left) * time.Millisecond
}
