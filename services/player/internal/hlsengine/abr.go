package hlsengine

import (
	"sort"
	"time"
)

const (
	// safetyFactor is the share of the estimated throughput a rendition may use.
	safetyFactor = 0.8
	ewmaAlpha    = 0.5
	minSample    = time.Millisecond
)

// estimator keeps an exponentially weighted throughput estimate in bits/s.
type estimator struct {
	bps float64
}

func newEstimator(seedBps int) *estimator {
	return &estimator{bps: float64(seedBps)}
}

func (e *estimator) sample(bytes int64, elapsed time.Duration) {
	if bytes <= 0 {
		return
	}
	elapsed = max(elapsed, minSample)
	bps := float64(bytes*8) / elapsed.Seconds()
	e.bps = ewmaAlpha*bps + (1-ewmaAlpha)*e.bps
}

func (e *estimator) estimate() float64 { return e.bps }

// sortLevels orders levels by bandwidth ascending and renumbers them.
func sortLevels(levels []rendition) {
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].level.Bandwidth < levels[j].level.Bandwidth
	})
	for i := range levels {
		levels[i].level.Index = i
	}
}

// pick returns the highest level whose bandwidth fits the estimate, or the
// lowest level when none does.
func pick(levels []rendition, estimateBps float64) int {
	budget := estimateBps * safetyFactor
	best := 0
	for i, r := range levels {
		if float64(r.level.Bandwidth) <= budget {
			best = i
		}
	}
	return best
}
