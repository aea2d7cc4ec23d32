// Package metrics exposes Prometheus collectors for the player.
// Labels are bounded enums only; video and viewer ids never become labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProgressWritesTotal counts progress store writes by result (ok/error).
	ProgressWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "player_progress_writes_total",
		Help: "Total number of progress writes dispatched, by result.",
	}, []string{"result"})

	// ProgressCoalescedTotal counts enqueued values that replaced a pending one.
	ProgressCoalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "player_progress_coalesced_total",
		Help: "Total number of pending progress values superseded before being written.",
	})

	// BudgetExhaustedTotal counts watch budget exhaustions.
	BudgetExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "player_budget_exhausted_total",
		Help: "Total number of watch budget exhaustions.",
	})

	// BudgetStoreErrorsTotal counts durable ledger failures by operation.
	BudgetStoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "player_budget_store_errors_total",
		Help: "Total number of durable ledger store failures, by operation.",
	}, []string{"op"})

	// TransportsAttachedTotal counts transports attached to the surface by kind.
	TransportsAttachedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "player_transports_attached_total",
		Help: "Total number of transports attached, by kind.",
	}, []string{"kind"})

	// EngineRecoveriesTotal counts adaptive engine recovery attempts by tier and outcome.
	EngineRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "player_engine_recoveries_total",
		Help: "Total number of adaptive engine recovery attempts, by tier and outcome.",
	}, []string{"tier", "outcome"})

	// QualitySwitchesTotal counts rendition switches by direction.
	QualitySwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "player_quality_switches_total",
		Help: "Total number of adaptive rendition switches, by direction.",
	}, []string{"direction"})

	// SessionActive is 1 while a video is activated.
	SessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "player_session_active",
		Help: "Whether a video is currently activated (0/1).",
	})
)

func RecordProgressWrite(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ProgressWritesTotal.WithLabelValues(result).Inc()
}

func RecordCoalesced() {
	ProgressCoalescedTotal.Inc()
}

func RecordBudgetExhausted() {
	BudgetExhaustedTotal.Inc()
}

func RecordBudgetStoreError(op string) {
	BudgetStoreErrorsTotal.WithLabelValues(op).Inc()
}

func RecordTransport(kind string) {
	TransportsAttachedTotal.WithLabelValues(kind).Inc()
}

func RecordRecovery(tier string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	EngineRecoveriesTotal.WithLabelValues(tier, outcome).Inc()
}

func RecordQualitySwitch(up bool) {
	dir := "down"
	if up {
		dir = "up"
	}
	QualitySwitchesTotal.WithLabelValues(dir).Inc()
}

func SetSessionActive(active bool) {
	if active {
		SessionActive.Set(1)
		return
	}
	SessionActive.Set(0)
}
