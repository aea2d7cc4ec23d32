package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/example/watch-platform/internal/platform/api"
	"github.com/example/watch-platform/internal/platform/auth"
	"github.com/example/watch-platform/internal/platform/httpserver"
)

var rateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "progress_writes_rate_limited_total",
	Help: "Total progress writes rejected by the per-viewer limiter.",
})

const limiterIdleTTL = 10 * time.Minute

type ViewerLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu          sync.Mutex
	viewers     map[string]*limiterEntry
	lastCleanup time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewViewerLimiter bounds writes per token subject.
func NewViewerLimiter(limit rate.Limit, burst int) *ViewerLimiter {
	return &ViewerLimiter{
		limit:       limit,
		burst:       burst,
		now:         time.Now,
		viewers:     make(map[string]*limiterEntry),
		lastCleanup: time.Now(),
	}
}

func (l *ViewerLimiter) allow(viewerID string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastCleanup) > limiterIdleTTL {
		for id, e := range l.viewers {
			if now.Sub(e.seen) > limiterIdleTTL {
				delete(l.viewers, id)
			}
		}
		l.lastCleanup = now
	}
	e, ok := l.viewers[viewerID]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.viewers[viewerID] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

func (l *ViewerLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viewerID, _ := auth.UserIDFromContext(r.Context())
		if !l.allow(viewerID) {
			rateLimited.Inc()
			w.Header().Set("Retry-After", "2")
			api.RateLimited(w, "too many progress writes", httpserver.RequestIDFromContext(r.Context()), 2)
			return
		}
		next.ServeHTTP(w, r)
	})
}
