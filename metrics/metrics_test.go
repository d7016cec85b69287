package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.LoadStarted("direct")
	m.LoadFinished("started", 0.1)
	m.EQRace("timeout")
	m.PeakFetch("ok")
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.LoadStarted("segmented")
	m.LoadFinished("blocked", 0.02)
	m.EQRace("graph")
	m.PeakFetch("cached")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`waveplay_track_loads_total{transport="segmented"} 1`,
		`waveplay_track_load_outcomes_total{outcome="blocked"} 1`,
		`waveplay_eq_ready_race_total{winner="graph"} 1`,
		`waveplay_peak_fetches_total{result="cached"} 1`,
		`waveplay_track_load_seconds_count 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
