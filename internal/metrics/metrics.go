package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// counterVec is a set of counters keyed by one label value
type counterVec struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
}

func newCounterVec() *counterVec {
	return &counterVec{counters: make(map[string]*atomic.Int64)}
}

func (v *counterVec) add(label string, n int64) {
	v.mu.RLock()
	counter, ok := v.counters[label]
	v.mu.RUnlock()
	if !ok {
		v.mu.Lock()
		if counter, ok = v.counters[label]; !ok {
			counter = &atomic.Int64{}
			v.counters[label] = counter
		}
		v.mu.Unlock()
	}
	counter.Add(n)
}

func (v *counterVec) snapshot() map[string]int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	result := make(map[string]int64, len(v.counters))
	for k, counter := range v.counters {
		result[k] = counter.Load()
	}
	return result
}

// Collector holds all metrics
type Collector struct {
	requests      *counterVec // by terminal outcome
	rejections    *counterVec // by reason, before streaming
	upstreams     *counterVec // streams opened by provider
	charges       *counterVec // by resource kind
	chargeErrors  *counterVec // by resource kind
	chunksTotal   atomic.Int64
	charsTotal    atomic.Int64
	activeStreams atomic.Int64
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		requests:     newCounterVec(),
		rejections:   newCounterVec(),
		upstreams:    newCounterVec(),
		charges:      newCounterVec(),
		chargeErrors: newCounterVec(),
	}
}

// IncrementRequests counts a relayed request by outcome (completed, aborted, errored)
func (c *Collector) IncrementRequests(outcome string) {
	c.requests.add(outcome, 1)
}

// IncrementRejections counts a request refused before streaming
func (c *Collector) IncrementRejections(reason string) {
	c.rejections.add(reason, 1)
}

// IncrementUpstream counts a stream opened against provider
func (c *Collector) IncrementUpstream(provider string) {
	c.upstreams.add(provider, 1)
}

// IncrementCharge counts a settled charge
func (c *Collector) IncrementCharge(kind string) {
	c.charges.add(kind, 1)
}

// IncrementChargeError counts a charge that failed during settlement
func (c *Collector) IncrementChargeError(kind string) {
	c.chargeErrors.add(kind, 1)
}

// AddOutput adds relayed chunk and character counts
func (c *Collector) AddOutput(chunks, chars int) {
	c.chunksTotal.Add(int64(chunks))
	c.charsTotal.Add(int64(chars))
}

// StreamStarted increments the active stream gauge
func (c *Collector) StreamStarted() {
	c.activeStreams.Add(1)
}

// StreamFinished decrements the active stream gauge
func (c *Collector) StreamFinished() {
	c.activeStreams.Add(-1)
}

// GetRequests returns request counts by outcome
func (c *Collector) GetRequests() map[string]int64 {
	return c.requests.snapshot()
}

// GetRejections returns rejection counts by reason
func (c *Collector) GetRejections() map[string]int64 {
	return c.rejections.snapshot()
}

// GetCharges returns charge counts by kind
func (c *Collector) GetCharges() map[string]int64 {
	return c.charges.snapshot()
}

// GetChargeErrors returns failed charge counts by kind
func (c *Collector) GetChargeErrors() map[string]int64 {
	return c.chargeErrors.snapshot()
}

// GetOutputTotal returns relayed chunk and character totals
func (c *Collector) GetOutputTotal() (chunks, chars int64) {
	return c.chunksTotal.Load(), c.charsTotal.Load()
}

// GetActiveStreams returns the number of streams in flight
func (c *Collector) GetActiveStreams() int64 {
	return c.activeStreams.Load()
}

// WritePrometheus writes metrics in Prometheus text format
func (c *Collector) WritePrometheus(w io.Writer) {
	writeVec(w, "chatrelay_requests_total", "Relayed requests by outcome", "outcome", c.requests.snapshot())
	writeVec(w, "chatrelay_rejections_total", "Requests refused before streaming by reason", "reason", c.rejections.snapshot())
	writeVec(w, "chatrelay_upstream_streams_total", "Upstream streams opened by provider", "provider", c.upstreams.snapshot())

	chunks, chars := c.GetOutputTotal()
	fmt.Fprintln(w, "# HELP chatrelay_output_total Relayed output after filtering")
	fmt.Fprintln(w, "# TYPE chatrelay_output_total counter")
	fmt.Fprintf(w, "chatrelay_output_total{unit=\"chunks\"} %d\n", chunks)
	fmt.Fprintf(w, "chatrelay_output_total{unit=\"chars\"} %d\n", chars)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "# HELP chatrelay_active_streams Streams currently relaying")
	fmt.Fprintln(w, "# TYPE chatrelay_active_streams gauge")
	fmt.Fprintf(w, "chatrelay_active_streams %d\n", c.GetActiveStreams())
	fmt.Fprintln(w)

	writeVec(w, "chatrelay_charges_total", "Settled charges by resource kind", "kind", c.charges.snapshot())
	writeVec(w, "chatrelay_charge_errors_total", "Failed charges by resource kind", "kind", c.chargeErrors.snapshot())
}

func writeVec(w io.Writer, name, help, label string, values map[string]int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, k := range sortedKeys(values) {
		fmt.Fprintf(w, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
	fmt.Fprintln(w)
}

// sortedKeys returns sorted keys of a map
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Handler returns an HTTP handler for the metrics endpoint
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WritePrometheus(w)
	}
}
