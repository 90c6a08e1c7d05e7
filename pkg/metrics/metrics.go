// Package metrics tracks aggregate, label-free counters and latency
// histograms for the gateway's HTTP surface and decision engine. It
// never records a per-request field (agent id, tenant id, path
// parameter) that could turn a metrics dump into an audit log.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu          sync.RWMutex
	startedAt   time.Time
	endpoint    map[string]*EndpointStat
	verdict     map[string]int64
	reason      map[string]int64
	gauges      map[string]float64
	rateLimited int64
	Histograms  *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	UptimeSeconds    float64                 `json:"uptime_seconds"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	Verdicts         map[string]int64        `json:"verdicts"`
	Reasons          map[string]int64        `json:"reasons"`
	Gauges           map[string]float64      `json:"gauges"`
	RateLimitedTotal int64                   `json:"rate_limited_total"`
	Histograms       []HistogramSnapshot     `json:"histograms,omitempty"`
}

// TrustSpec is the derived /benchmark/trust-spec summary: a coarse,
// self-reported measure of how hard the deployment makes it for an
// agent to bypass the gateway and reach a tool directly.
type TrustSpec struct {
	LatencyOverheadMS float64 `json:"latency_overhead_ms"`
	BlockRate         float64 `json:"block_rate"`
	BypassResistance  float64 `json:"bypass_resistance_score"`
}

func NewRegistry() *Registry {
	return &Registry{
		startedAt:  time.Now().UTC(),
		endpoint:   map[string]*EndpointStat{},
		verdict:    map[string]int64{},
		reason:     map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

// IncVerdictReason records both counters at once; kept as a single call
// so a Pipeline decision point can never update one without the other.
func (r *Registry) IncVerdictReason(verdict, reason string) {
	r.IncVerdict(verdict)
	r.IncReason(reason)
}

// IncRateLimited counts a request rejected by the rate limiter. Per the
// rate-limiting invariant, this must be the ONLY counter touched on a
// 429 response — the endpoint/verdict counters stay untouched since no
// decision was actually reached.
func (r *Registry) IncRateLimited() {
	r.mu.Lock()
	r.rateLimited++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds:    time.Since(r.startedAt).Seconds(),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:         make(map[string]int64, len(r.verdict)),
		Reasons:          make(map[string]int64, len(r.reason)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		RateLimitedTotal: r.rateLimited,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

// TrustSpec derives the /benchmark/trust-spec summary from the current
// snapshot plus the three hardening toggles the score is a monotone
// function of. Each enabled toggle contributes a fixed number of
// points; block_rate and latency_overhead_ms are read straight off the
// decision histogram and verdict counters.
func (r *Registry) TrustSpec(networkGatingOn, tokenHardeningOn, credentialsStrictOn bool) TrustSpec {
	snap := r.Snapshot()

	var totalDecisions, blocked int64
	for verdict, count := range snap.Verdicts {
		totalDecisions += count
		if verdict == "BLOCK" {
			blocked += count
		}
	}
	blockRate := 0.0
	if totalDecisions > 0 {
		blockRate = float64(blocked) / float64(totalDecisions)
	}

	var latencyMS float64
	for _, h := range snap.Histograms {
		if h.Name == "decision" {
			latencyMS = h.P50 * 1000
			break
		}
	}

	score := 40.0
	if networkGatingOn {
		score += 25
	}
	if tokenHardeningOn {
		score += 20
	}
	if credentialsStrictOn {
		score += 15
	}
	if score > 100 {
		score = 100
	}

	return TrustSpec{
		LatencyOverheadMS: latencyMS,
		BlockRate:         blockRate,
		BypassResistance:  score,
	}
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) TrustSpecHandler(networkGatingOn, tokenHardeningOn, credentialsStrictOn func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ts := r.TrustSpec(networkGatingOn(), tokenHardeningOn(), credentialsStrictOn())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ts)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP edon_uptime_seconds seconds since process start\n")
		b.WriteString("# TYPE edon_uptime_seconds gauge\n")
		fmt.Fprintf(b, "edon_uptime_seconds %.3f\n", snap.UptimeSeconds)

		b.WriteString("# HELP edon_endpoint_requests_total total requests by endpoint\n")
		b.WriteString("# TYPE edon_endpoint_requests_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "edon_endpoint_requests_total{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP edon_endpoint_errors_total total endpoint errors\n")
		b.WriteString("# TYPE edon_endpoint_errors_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "edon_endpoint_errors_total{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP edon_endpoint_latency_avg_ms endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE edon_endpoint_latency_avg_ms gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "edon_endpoint_latency_avg_ms{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}

		b.WriteString("# HELP edon_decisions_total total decisions by verdict\n")
		b.WriteString("# TYPE edon_decisions_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "edon_decisions_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP edon_decision_reasons_total total decisions by reason code\n")
		b.WriteString("# TYPE edon_decision_reasons_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "edon_decision_reasons_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP edon_rate_limited_total requests rejected by the rate limiter\n")
		b.WriteString("# TYPE edon_rate_limited_total counter\n")
		fmt.Fprintf(b, "edon_rate_limited_total %d\n", snap.RateLimitedTotal)

		b.WriteString("# HELP edon_gauge operational gauge metrics\n")
		b.WriteString("# TYPE edon_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "edon_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		for _, h := range snap.Histograms {
			b.WriteString("# HELP edon_latency_seconds latency histogram\n")
			b.WriteString("# TYPE edon_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "edon_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "edon_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "edon_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "edon_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "edon_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "edon_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "edon_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
