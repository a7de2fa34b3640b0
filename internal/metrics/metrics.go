package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Engine counts tab engine activity. A nil *Engine is valid and records nothing.
type Engine struct {
	settlements  *prometheus.CounterVec
	unitsAdded   prometheus.Counter
	unitsRemoved prometheus.Counter
	reportCache  *prometheus.CounterVec
}

// NewEngine registers the engine metrics on reg. A nil registerer yields a no-op recorder.
func NewEngine(reg prometheus.Registerer) *Engine {
	if reg == nil {
		return &Engine{}
	}
	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ardoise",
		Name:      "settlements_total",
		Help:      "Tabs converted into archived transactions.",
	}, []string{"kind", "payment_method"})
	unitsAdded := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ardoise",
		Name:      "units_added_total",
		Help:      "Units added to open tabs.",
	})
	unitsRemoved := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ardoise",
		Name:      "units_removed_total",
		Help:      "Units removed from open tabs.",
	})
	reportCache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ardoise",
		Name:      "report_cache_lookups_total",
		Help:      "Weekly report cache lookups by result.",
	}, []string{"result"})
	reg.MustRegister(settlements, unitsAdded, unitsRemoved, reportCache)
	return &Engine{
		settlements:  settlements,
		unitsAdded:   unitsAdded,
		unitsRemoved: unitsRemoved,
		reportCache:  reportCache,
	}
}

func (e *Engine) IncSettlement(kind string, paymentMethod string) {
	if e == nil || e.settlements == nil {
		return
	}
	e.settlements.WithLabelValues(normalizeLabel(kind), normalizeLabel(paymentMethod)).Inc()
}

func (e *Engine) IncUnitAdded() {
	if e == nil || e.unitsAdded == nil {
		return
	}
	e.unitsAdded.Inc()
}

func (e *Engine) IncUnitRemoved() {
	if e == nil || e.unitsRemoved == nil {
		return
	}
	e.unitsRemoved.Inc()
}

// ObserveReportCache records a cache hit or miss.
func (e *Engine) ObserveReportCache(hit bool) {
	if e == nil || e.reportCache == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	e.reportCache.WithLabelValues(result).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
