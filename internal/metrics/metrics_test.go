package metrics

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestEngineMetricsExportCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEngine(reg)
	m.IncSettlement("SALE", "CASH")
	m.IncSettlement("SALE", "CASH")
	m.IncSettlement("WRITE_OFF", "NONE")
	m.IncUnitAdded()
	m.IncUnitAdded()
	m.IncUnitRemoved()
	m.ObserveReportCache(true)
	m.ObserveReportCache(false)
	m.ObserveReportCache(false)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"ardoise_settlements_total", map[string]string{"kind": "SALE", "payment_method": "CASH"}, 2},
		{"ardoise_settlements_total", map[string]string{"kind": "WRITE_OFF", "payment_method": "NONE"}, 1},
		{"ardoise_units_added_total", nil, 2},
		{"ardoise_units_removed_total", nil, 1},
		{"ardoise_report_cache_lookups_total", map[string]string{"result": "hit"}, 1},
		{"ardoise_report_cache_lookups_total", map[string]string{"result": "miss"}, 2},
	}
	for _, c := range checks {
		got, err := fetchCounterValue(mfs, c.name, c.labels)
		if err != nil {
			t.Fatalf("fetch %s: %v", c.name, err)
		}
		if got != c.want {
			t.Fatalf("expected %s%v=%v, got %v", c.name, c.labels, c.want, got)
		}
	}
}

func TestNilEngineIsNoop(t *testing.T) {
	var m *Engine
	m.IncSettlement("SALE", "CARD")
	m.IncUnitAdded()
	m.IncUnitRemoved()
	m.ObserveReportCache(true)

	NewEngine(nil).IncUnitAdded()
}

func fetchCounterValue(mfs []*dto.MetricFamily, name string, labels map[string]string) (float64, error) {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if matchesLabels(metric.GetLabel(), labels) {
				return metric.GetCounter().GetValue(), nil
			}
		}
		return 0, fmt.Errorf("metric %q missing labels %v", name, labels)
	}
	return 0, fmt.Errorf("metric %q not found", name)
}

func matchesLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, pair := range pairs {
		if v, ok := want[pair.GetName()]; ok && v == pair.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
