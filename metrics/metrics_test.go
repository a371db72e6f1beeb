package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) []float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	var vals []float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				vals = append(vals, m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				vals = append(vals, m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				vals = append(vals, float64(m.GetHistogram().GetSampleCount()))
			}
		}
	}
	return vals
}

func TestObserveRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveRequest("GET", 200, 10*time.Millisecond)
	c.ObserveRequest("GET", 200, 20*time.Millisecond)
	c.ObserveRequest("POST", 401, time.Millisecond)

	if got := gather(t, reg, "careprep_api_requests_total"); len(got) != 2 {
		t.Fatalf("expected 2 label sets, got %v", got)
	}
	if got := gather(t, reg, "careprep_api_request_duration_seconds"); len(got) != 2 || got[0]+got[1] != 3 {
		t.Fatalf("unexpected histogram samples %v", got)
	}
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRefreshRetry()
	c.RecordUnauthorizedRedirect()
	c.RecordUnauthorizedRedirect()
	c.RecordSessionCommit(true)
	c.RecordSessionCommit(false)

	if got := gather(t, reg, "careprep_api_refresh_retries_total"); len(got) != 1 || got[0] != 1 {
		t.Fatalf("refresh retries = %v", got)
	}
	if got := gather(t, reg, "careprep_unauthorized_redirects_total"); len(got) != 1 || got[0] != 2 {
		t.Fatalf("redirects = %v", got)
	}
	if got := gather(t, reg, "careprep_session_commits_total"); len(got) != 1 || got[0] != 2 {
		t.Fatalf("commits = %v", got)
	}
	if got := gather(t, reg, "careprep_session_signed_in"); len(got) != 1 || got[0] != 0 {
		t.Fatalf("signed in = %v", got)
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg).RecordRefreshRetry()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "careprep_api_refresh_retries_total 1") {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}
