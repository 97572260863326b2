// Package telemetry keeps in-process metrics and serves them in the
// Prometheus text exposition format.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/radris/risync/internal/platform/notification"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// Labels renders label pairs in a stable order, e.g. `method="GET"`.
type Labels map[string]string

func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, l[k]))
	}
	return strings.Join(parts, ",")
}

type series struct {
	name   string
	labels string
}

// Registry holds counters, gauges and histograms.
type Registry struct {
	mu         sync.RWMutex
	help       map[string]string
	counters   map[series]*int64
	gauges     map[series]*int64
	histograms map[series]*histogram
}

func NewRegistry() *Registry {
	return &Registry{
		help:       make(map[string]string),
		counters:   make(map[series]*int64),
		gauges:     make(map[series]*int64),
		histograms: make(map[series]*histogram),
	}
}

// Describe sets the HELP text for a metric name.
func (r *Registry) Describe(name, help string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.help[name] = help
}

func (r *Registry) slot(m map[series]*int64, key series) *int64 {
	r.mu.RLock()
	p, ok := m[key]
	r.mu.RUnlock()
	if ok {
		return p
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok = m[key]; !ok {
		p = new(int64)
		m[key] = p
	}
	return p
}

func (r *Registry) Inc(name string, labels Labels) {
	atomic.AddInt64(r.slot(r.counters, series{name, labels.String()}), 1)
}

func (r *Registry) Counter(name string, labels Labels) int64 {
	return atomic.LoadInt64(r.slot(r.counters, series{name, labels.String()}))
}

func (r *Registry) SetGauge(name string, labels Labels, v int64) {
	atomic.StoreInt64(r.slot(r.gauges, series{name, labels.String()}), v)
}

func (r *Registry) AddGauge(name string, labels Labels, delta int64) {
	atomic.AddInt64(r.slot(r.gauges, series{name, labels.String()}), delta)
}

func (r *Registry) Gauge(name string, labels Labels) int64 {
	return atomic.LoadInt64(r.slot(r.gauges, series{name, labels.String()}))
}

func (r *Registry) Observe(name string, labels Labels, v float64) {
	key := series{name, labels.String()}
	r.mu.RLock()
	h, ok := r.histograms[key]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if h, ok = r.histograms[key]; !ok {
			h = newHistogram(defaultDurationBuckets)
			r.histograms[key] = h
		}
		r.mu.Unlock()
	}
	h.Observe(v)
}

// MetricsMiddleware records request duration by method, route and status.
func (r *Registry) MetricsMiddleware() echo.MiddlewareFunc {
	r.Describe("http_server_request_duration_seconds", "Duration of HTTP requests in seconds.")
	r.Describe("http_server_active_requests", "Number of in-flight HTTP requests.")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r.AddGauge("http_server_active_requests", nil, 1)
			start := time.Now()
			err := next(c)
			r.AddGauge("http_server_active_requests", nil, -1)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			r.Observe("http_server_request_duration_seconds", Labels{
				"method":      c.Request().Method,
				"route":       route,
				"status_code": fmt.Sprintf("%d", status),
			}, time.Since(start).Seconds())
			return err
		}
	}
}

// EventSink counts notification events by type, and links by method.
type EventSink struct {
	Registry *Registry
}

func (s EventSink) Deliver(_ context.Context, e notification.Event) error {
	s.Registry.Inc("risync_events_total", Labels{"type": string(e.Type)})
	if e.Type == notification.StudyLinked && e.Method != "" {
		s.Registry.Inc("risync_links_total", Labels{"method": e.Method})
	}
	return nil
}

func (r *Registry) EventSink() EventSink {
	r.Describe("risync_events_total", "Reconciliation events published, by type.")
	r.Describe("risync_links_total", "Exam-to-study links committed, by match method.")
	return EventSink{Registry: r}
}

// PrometheusHandler serves every registered metric at /metrics.
func (r *Registry) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, r.Expose())
	}
}

func (r *Registry) Expose() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	writeInts(&b, "counter", r.counters, r.help)
	writeInts(&b, "gauge", r.gauges, r.help)

	byName := make(map[string][]series)
	for s := range r.histograms {
		byName[s.name] = append(byName[s.name], s)
	}
	for _, name := range sortedNames(byName) {
		writeHeader(&b, name, "histogram", r.help)
		list := byName[name]
		sort.Slice(list, func(i, j int) bool { return list[i].labels < list[j].labels })
		for _, s := range list {
			writeHistogram(&b, s, r.histograms[s])
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func sortedNames(m map[string][]series) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func writeHeader(b *strings.Builder, name, typ string, help map[string]string) {
	if h, ok := help[name]; ok {
		fmt.Fprintf(b, "# HELP %s %s\n", name, h)
	}
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeInts(b *strings.Builder, typ string, m map[series]*int64, help map[string]string) {
	byName := make(map[string][]series)
	for s := range m {
		byName[s.name] = append(byName[s.name], s)
	}
	for _, name := range sortedNames(byName) {
		writeHeader(b, name, typ, help)
		list := byName[name]
		sort.Slice(list, func(i, j int) bool { return list[i].labels < list[j].labels })
		for _, s := range list {
			if s.labels == "" {
				fmt.Fprintf(b, "%s %d\n", name, atomic.LoadInt64(m[s]))
			} else {
				fmt.Fprintf(b, "%s{%s} %d\n", name, s.labels, atomic.LoadInt64(m[s]))
			}
		}
		b.WriteByte('\n')
	}
}

func writeHistogram(b *strings.Builder, s series, h *histogram) {
	prefix, suffix := "", ""
	if s.labels != "" {
		prefix = s.labels + ","
		suffix = "{" + s.labels + "}"
	}
	cum := h.cumulativeBuckets()
	for i, bound := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", s.name, prefix, bound, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", s.name, prefix, h.Count())
	fmt.Fprintf(b, "%s_sum%s %g\n", s.name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", s.name, suffix, h.Count())
}

var _ notification.Sink = EventSink{}
