package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /health", 200, 15*time.Millisecond)
	r.Observe("GET /health", 503, 35*time.Millisecond)
	r.IncVerdict("ALLOW")
	r.IncVerdict("ALLOW")
	r.IncReason("APPROVED")
	r.SetGauge("active_intents", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /health"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Verdicts["ALLOW"] != 2 {
		t.Fatalf("expected ALLOW=2 got=%d", snap.Verdicts["ALLOW"])
	}
	if snap.Reasons["APPROVED"] != 1 {
		t.Fatalf("expected APPROVED=1 got=%d", snap.Reasons["APPROVED"])
	}
	if snap.Gauges["active_intents"] != 3 {
		t.Fatalf("expected gauge active_intents=3 got=%v", snap.Gauges["active_intents"])
	}
	if snap.UptimeSeconds < 0 {
		t.Fatalf("expected non-negative uptime, got %v", snap.UptimeSeconds)
	}
}

func TestIncVerdictReasonUpdatesBothCounters(t *testing.T) {
	r := NewRegistry()
	r.IncVerdictReason("BLOCK", "RISK_TOO_HIGH")
	snap := r.Snapshot()
	if snap.Verdicts["BLOCK"] != 1 || snap.Reasons["RISK_TOO_HIGH"] != 1 {
		t.Fatalf("expected both counters incremented, got %+v", snap)
	}
}

func TestIncRateLimited(t *testing.T) {
	r := NewRegistry()
	r.IncRateLimited()
	r.IncRateLimited()
	if got := r.Snapshot().RateLimitedTotal; got != 2 {
		t.Fatalf("expected 2 rate-limited, got %d", got)
	}
}

func TestTrustSpec_ScoresMonotoneInToggles(t *testing.T) {
	r := NewRegistry()
	none := r.TrustSpec(false, false, false)
	all := r.TrustSpec(true, true, true)
	if all.BypassResistance <= none.BypassResistance {
		t.Fatalf("expected enabling every hardening toggle to raise the score: none=%v all=%v", none, all)
	}
	if all.BypassResistance > 100 {
		t.Fatalf("expected score capped at 100, got %v", all.BypassResistance)
	}
}

func TestTrustSpec_BlockRateReflectsVerdictMix(t *testing.T) {
	r := NewRegistry()
	r.IncVerdict("ALLOW")
	r.IncVerdict("ALLOW")
	r.IncVerdict("ALLOW")
	r.IncVerdict("BLOCK")
	ts := r.TrustSpec(false, false, false)
	if ts.BlockRate != 0.25 {
		t.Fatalf("expected block_rate=0.25, got %v", ts.BlockRate)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /execute", 200, 12*time.Millisecond)
	r.Observe("POST /execute", 500, 20*time.Millisecond)
	r.IncVerdict("ALLOW")
	r.IncReason("APPROVED")
	r.SetGauge("active_intents", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "edon_endpoint_requests_total") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, `edon_decisions_total{verdict="ALLOW"} 1`) {
		t.Fatalf("missing verdict metric: %s", body)
	}
	if !strings.Contains(body, `edon_gauge{name="active_intents"} 7.000`) {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncVerdict("")
	r.IncReason("")
	r.SetGauge("", 5)
	r.Observe("GET /health", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}

func TestTrustSpecHandler(t *testing.T) {
	r := NewRegistry()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/benchmark/trust-spec", nil)
	r.TrustSpecHandler(func() bool { return true }, func() bool { return true }, func() bool { return true }).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "bypass_resistance_score") {
		t.Fatalf("expected bypass_resistance_score field: %s", rr.Body.String())
	}
}
