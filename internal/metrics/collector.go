// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for threadsage. It renders the text exposition format directly.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // name -> *Counter
	gauges     sync.Map // name -> *Gauge
	histograms sync.Map // name -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// --- Registration helpers ---

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram with the given name.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// --- Prometheus text rendering ---

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		// Add uptime gauge
		fmt.Fprintf(&sb, "# HELP threadsage_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE threadsage_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "threadsage_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

		helpWritten := make(map[string]bool)
		for _, ctr := range sortedValues[*Counter](&c.counters) {
			if !helpWritten[ctr.name] {
				fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
				fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
				helpWritten[ctr.name] = true
			}
			fmt.Fprintf(&sb, "%s %d\n", series(ctr.name, ctr.labels), ctr.Value())
		}

		helpWritten = make(map[string]bool)
		for _, g := range sortedValues[*Gauge](&c.gauges) {
			if !helpWritten[g.name] {
				fmt.Fprintf(&sb, "# HELP %s %s\n", g.name, g.help)
				fmt.Fprintf(&sb, "# TYPE %s gauge\n", g.name)
				helpWritten[g.name] = true
			}
			fmt.Fprintf(&sb, "%s %d\n", series(g.name, g.labels), g.Value())
		}

		helpWritten = make(map[string]bool)
		for _, h := range sortedValues[*Histogram](&c.histograms) {
			h.writeTo(&sb, !helpWritten[h.name])
			helpWritten[h.name] = true
		}

		fmt.Fprint(w, sb.String())
	}
}

func (h *Histogram) writeTo(sb *strings.Builder, withHelp bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if withHelp {
		fmt.Fprintf(sb, "# HELP %s %s\n", h.name, h.help)
		fmt.Fprintf(sb, "# TYPE %s histogram\n", h.name)
	}
	prefix := h.name + "_bucket{"
	if h.labels != "" {
		prefix += h.labels + ","
	}
	for _, b := range h.buckets {
		le := fmt.Sprintf("%g", b.le)
		if math.IsInf(b.le, 1) {
			le = "+Inf"
		}
		fmt.Fprintf(sb, "%sle=\"%s\"} %d\n", prefix, le, b.count)
	}
	fmt.Fprintf(sb, "%s %d\n", series(h.name+"_count", h.labels), h.count)
	fmt.Fprintf(sb, "%s %f\n", series(h.name+"_sum", h.labels), h.sum)
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// sortedValues snapshots a registry map ordered by key so output is stable.
func sortedValues[T any](m *sync.Map) []T {
	var keys []string
	vals := make(map[string]T)
	m.Range(func(k, v any) bool {
		key := k.(string)
		keys = append(keys, key)
		vals[key] = v.(T)
		return true
	})
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, vals[k])
	}
	return out
}

// --- Pre-defined metrics used across the application ---

var (
	EventsTotal     = Collector.Counter("threadsage_events_total", "Total platform events received", "")
	EventsDuplicate = Collector.Counter("threadsage_events_duplicate_total", "Events dropped as duplicates", "")
	EventsFailed    = Collector.Counter("threadsage_events_failed_total", "Event pipelines that failed or timed out", "")
	SignatureFailed = Collector.Counter("threadsage_signature_failures_total", "Requests rejected for a bad signature", "")

	QueriesTotal    = Collector.Counter("threadsage_queries_total", "Total queries admitted", "")
	QueriesRejected = Collector.Counter("threadsage_queries_rejected_total", "Queries rejected by the concurrency cap", "")
	QueryTimeouts   = Collector.Counter("threadsage_query_timeouts_total", "Queries that exceeded their deadline", "")
	ToolExecutions  = Collector.Counter("threadsage_tool_executions_total", "Total tool executions", "")
	PostFailures    = Collector.Counter("threadsage_post_failures_total", "Responses that could not be posted", "")
	InFlightQueries = Collector.Gauge("threadsage_inflight_queries", "Queries currently executing", "")
	CachedAgents    = Collector.Gauge("threadsage_cached_agents", "Agents held in the agent cache", "")

	EventLatency = Collector.Histogram("threadsage_event_processing_seconds", "Event pipeline latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
	QueryLatency = Collector.Histogram("threadsage_query_latency_seconds", "Query latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60})
	ToolLatency = Collector.Histogram("threadsage_tool_latency_seconds", "Tool execution latency in seconds", "",
		[]float64{0.1, 0.5, 1, 5, 10, 30})
)

// ProviderRequests returns the per-provider LLM request counter.
func ProviderRequests(provider string) *Counter {
	return Collector.Counter("threadsage_llm_requests_total", "Total LLM API requests", fmt.Sprintf("provider=%q", provider))
}

// ProviderTokens returns the per-provider token counter for direction "prompt" or "completion".
func ProviderTokens(provider, direction string) *Counter {
	return Collector.Counter("threadsage_llm_tokens_total", "Tokens consumed by LLM calls",
		fmt.Sprintf("provider=%q,direction=%q", provider, direction))
}
