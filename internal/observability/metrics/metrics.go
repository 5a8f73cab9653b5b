// Package metrics collects request and settlement counters and renders them
// in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	route  string
	method string
	code   string
}

type routeKey struct {
	route  string
	method string
}

type outcomeKey struct {
	operation string
	outcome   string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Collector aggregates counters in memory. The zero value is not usable; call
// NewCollector or use Default.
type Collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[routeKey]uint64
	latency  map[routeKey]*histogram
	outcomes map[outcomeKey]uint64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		requests: make(map[requestKey]uint64),
		errors:   make(map[routeKey]uint64),
		latency:  make(map[routeKey]*histogram),
		outcomes: make(map[outcomeKey]uint64),
	}
}

var defaultCollector = NewCollector()

// Default returns the process-wide collector.
func Default() *Collector {
	return defaultCollector
}

// ObserveRequest records one served HTTP request.
func (c *Collector) ObserveRequest(route, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{route: route, method: method, code: strconv.Itoa(status)}]++
	key := routeKey{route: route, method: method}
	if status >= 500 {
		c.errors[key]++
	}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveOutcome counts a business operation result, e.g. ("reload", "success").
func (c *Collector) ObserveOutcome(operation string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.mu.Lock()
	c.outcomes[outcomeKey{operation: operation, outcome: outcome}]++
	c.mu.Unlock()
}

// Outcome returns the current count for operation and outcome.
func (c *Collector) Outcome(operation string, success bool) uint64 {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[outcomeKey{operation: operation, outcome: outcome}]
}

func newHistogram() *histogram {
	buckets := []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5}
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

// observe 累计到第一个不小于 value 的桶及之后所有桶，超出上界的只计入 +Inf。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// Handler exposes the collector in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.render())
	})
}

func (c *Collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	reqs := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqs = append(reqs, key)
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].route != reqs[j].route {
			return reqs[i].route < reqs[j].route
		}
		if reqs[i].method != reqs[j].method {
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].code < reqs[j].code
	})
	b.WriteString("# HELP trustyclaw_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE trustyclaw_http_requests_total counter\n")
	for _, key := range reqs {
		fmt.Fprintf(&b, "trustyclaw_http_requests_total{route=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.route), escape(key.method), key.code, c.requests[key])
	}

	errs := sortedRoutes(c.errors)
	b.WriteString("# HELP trustyclaw_http_request_errors_total HTTP requests that ended with a server error.\n")
	b.WriteString("# TYPE trustyclaw_http_request_errors_total counter\n")
	for _, key := range errs {
		fmt.Fprintf(&b, "trustyclaw_http_request_errors_total{route=\"%s\",method=\"%s\"} %d\n",
			escape(key.route), escape(key.method), c.errors[key])
	}

	lats := sortedRoutes(c.latency)
	b.WriteString("# HELP trustyclaw_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE trustyclaw_http_request_duration_seconds histogram\n")
	for _, key := range lats {
		hist := c.latency[key]
		labels := fmt.Sprintf("route=\"%s\",method=\"%s\"", escape(key.route), escape(key.method))
		for idx, bound := range hist.buckets {
			fmt.Fprintf(&b, "trustyclaw_http_request_duration_seconds_bucket{%s,le=\"%s\"} %d\n", labels, formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(&b, "trustyclaw_http_request_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, hist.count)
		fmt.Fprintf(&b, "trustyclaw_http_request_duration_seconds_sum{%s} %s\n", labels, formatFloat(hist.sum))
		fmt.Fprintf(&b, "trustyclaw_http_request_duration_seconds_count{%s} %d\n", labels, hist.count)
	}

	outs := make([]outcomeKey, 0, len(c.outcomes))
	for key := range c.outcomes {
		outs = append(outs, key)
	}
	sort.Slice(outs, func(i, j int) bool {
		if outs[i].operation != outs[j].operation {
			return outs[i].operation < outs[j].operation
		}
		return outs[i].outcome < outs[j].outcome
	})
	b.WriteString("# HELP trustyclaw_operations_total Settlement, alert and reload outcomes.\n")
	b.WriteString("# TYPE trustyclaw_operations_total counter\n")
	for _, key := range outs {
		fmt.Fprintf(&b, "trustyclaw_operations_total{operation=\"%s\",outcome=\"%s\"} %d\n",
			escape(key.operation), key.outcome, c.outcomes[key])
	}
	return b.String()
}

func sortedRoutes[V any](m map[routeKey]V) []routeKey {
	keys := make([]routeKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].route != keys[j].route {
			return keys[i].route < keys[j].route
		}
		return keys[i].method < keys[j].method
	})
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
