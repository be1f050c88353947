// Package metrics exposes the worker's counters, gauges, and histograms.
// Instruments live in an in-process registry rendered as plain text for
// pull-based scraping; when an OTLP endpoint is configured the same
// instruments are mirrored through the OpenTelemetry meter.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metric names. External scrapers may depend on these; everything else
// about the output is best-effort.
const (
	RunsTotal            = "webpilot_runs_total"
	StepsTotal           = "webpilot_steps_total"
	ModelCallsTotal      = "webpilot_model_calls_total"
	ModelTokensTotal     = "webpilot_model_tokens_total"
	QueueDepth           = "webpilot_queue_depth"
	RunDurationSeconds   = "webpilot_run_duration_seconds"
	LimitViolationsTotal = "webpilot_limit_violations_total"
	GodModeIgnoredTotal  = "webpilot_god_mode_ignored_total"
)

// histogram buckets for run duration, in seconds.
var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600}

type counter struct {
	value float64
}

type histogram struct {
	buckets []float64
	counts  []float64
	sum     float64
	total   float64
}

// Registry is the process-wide instrument registry. Safe for concurrent
// use; every Run holds the same handle.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]*counter
	gauges     map[string]float64
	histograms map[string]*histogram

	otel *otelBridge // nil unless OTLP export is configured
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*counter),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
	}
}

// key renders name plus sorted label pairs, e.g. name{a="x",b="y"}.
func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Inc adds one to a counter.
func (r *Registry) Inc(name string, labels map[string]string) {
	r.Add(name, labels, 1)
}

// Add adds v to a counter.
func (r *Registry) Add(name string, labels map[string]string, v float64) {
	r.mu.Lock()
	c, ok := r.counters[key(name, labels)]
	if !ok {
		c = &counter{}
		r.counters[key(name, labels)] = c
	}
	c.value += v
	r.mu.Unlock()

	if r.otel != nil {
		r.otel.add(name, labels, v)
	}
}

// SetGauge sets a gauge to v.
func (r *Registry) SetGauge(name string, labels map[string]string, v float64) {
	r.mu.Lock()
	r.gauges[key(name, labels)] = v
	r.mu.Unlock()
}

// Observe records v into a histogram.
func (r *Registry) Observe(name string, labels map[string]string, v float64) {
	r.mu.Lock()
	h, ok := r.histograms[key(name, labels)]
	if !ok {
		h = &histogram{buckets: durationBuckets, counts: make([]float64, len(durationBuckets))}
		r.histograms[key(name, labels)] = h
	}
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
	h.sum += v
	h.total++
	r.mu.Unlock()

	if r.otel != nil {
		r.otel.observe(name, labels, v)
	}
}

// ObserveDuration records d into a histogram in seconds.
func (r *Registry) ObserveDuration(name string, labels map[string]string, d time.Duration) {
	r.Observe(name, labels, d.Seconds())
}

// Render writes all instruments in a line-oriented text format.
func (r *Registry) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines := make([]string, 0, len(r.counters)+len(r.gauges))
	for k, c := range r.counters {
		lines = append(lines, fmt.Sprintf("%s %g", k, c.value))
	}
	for k, v := range r.gauges {
		lines = append(lines, fmt.Sprintf("%s %g", k, v))
	}
	for k, h := range r.histograms {
		name, inner := k, ""
		if i := strings.Index(k, "{"); i >= 0 {
			name = k[:i]
			inner = strings.TrimSuffix(k[i+1:], "}") + ","
		}
		for i, b := range h.buckets {
			lines = append(lines, fmt.Sprintf("%s_bucket{%sle=%q} %g", name, inner, fmt.Sprintf("%g", b), h.counts[i]))
		}
		lines = append(lines, fmt.Sprintf("%s_bucket{%sle=\"+Inf\"} %g", name, inner, h.total))
		suffix := ""
		if inner != "" {
			suffix = "{" + strings.TrimSuffix(inner, ",") + "}"
		}
		lines = append(lines, fmt.Sprintf("%s_sum%s %g", name, suffix, h.sum))
		lines = append(lines, fmt.Sprintf("%s_count%s %g", name, suffix, h.total))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

// Handler serves the registry as a text scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(r.Render()))
	})
}

// Serve starts a blocking HTTP server exposing GET /metrics on addr.
func (r *Registry) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	return http.ListenAndServe(addr, mux)
}
