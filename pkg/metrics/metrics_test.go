package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CacheLookup(true)
	m.BackendAttempt("standard", "ok", 0.1)
	m.OwnershipCheck("owned")
	m.Decision("chat", "basic", "ok")
	m.ImageJob("done")
}

func TestCounters(t *testing.T) {
	m := New()
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)

	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")); got != 2 {
		t.Errorf("expected 2 misses, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")); got != 1 {
		t.Errorf("expected 1 hit, got %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.Decision("chat", "standard", "ok")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "chibi_gateway_decisions_total") {
		t.Error("expected decisions counter in exposition output")
	}
}
