// Package metrics implements the /metrics endpoint by hand against the
// plain Prometheus text exposition format. No example repo in the
// retrieved pack imports client_golang, so this is the one ambient
// concern in this repo with no grounding third-party library available;
// see DESIGN.md for the standard-library justification.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
)

// Registry accumulates the counters, gauges and one histogram this repo
// exposes, and renders them in exposition format on demand.
type Registry struct {
	savesByResult   sync.Map // string(result) -> *int64
	deletesByResult sync.Map

	openStreamSubscribers int64

	propagationLatencyMu      sync.Mutex
	propagationLatencyBuckets []float64 // upper bounds, seconds
	propagationLatencyCounts  []uint64
	propagationLatencySum     float64
	propagationLatencyCount   uint64
}

// defaultPropagationBuckets covers sub-second fan-out latencies up to the
// 10s PropagationTimeout; anything slower is counted only in +Inf.
var defaultPropagationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		propagationLatencyBuckets: append([]float64(nil), defaultPropagationBuckets...),
		propagationLatencyCounts:  make([]uint64, len(defaultPropagationBuckets)),
	}
}

// IncSave increments the save counter for the given result label
// ("success" or "error").
func (r *Registry) IncSave(result string) {
	incLabelCounter(&r.savesByResult, result)
}

// IncDelete increments the delete counter for the given result label.
func (r *Registry) IncDelete(result string) {
	incLabelCounter(&r.deletesByResult, result)
}

func incLabelCounter(m *sync.Map, label string) {
	v, _ := m.LoadOrStore(label, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// SetOpenStreamSubscribers sets the gauge tracking currently open
// /contexts/stream and /contexts/{id}/stream connections.
func (r *Registry) SetOpenStreamSubscribers(n int) {
	atomic.StoreInt64(&r.openStreamSubscribers, int64(n))
}

// ObservePropagationLatency records one fan-out push's duration in seconds
// into the propagation latency histogram.
func (r *Registry) ObservePropagationLatency(seconds float64) {
	r.propagationLatencyMu.Lock()
	defer r.propagationLatencyMu.Unlock()
	r.propagationLatencySum += seconds
	r.propagationLatencyCount++
	for i, bound := range r.propagationLatencyBuckets {
		if seconds <= bound {
			r.propagationLatencyCounts[i]++
			break
		}
	}
}

// WriteExposition renders the registry in Prometheus text exposition
// format (https://prometheus.io/docs/instrumenting/exposition_formats/).
func (r *Registry) WriteExposition(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintln(w, "# HELP contextmesh_saves_total Total context saves by result.")
	fmt.Fprintln(w, "# TYPE contextmesh_saves_total counter")
	writeLabeledCounters(w, "contextmesh_saves_total", &r.savesByResult)

	fmt.Fprintln(w, "# HELP contextmesh_deletes_total Total context deletes by result.")
	fmt.Fprintln(w, "# TYPE contextmesh_deletes_total counter")
	writeLabeledCounters(w, "contextmesh_deletes_total", &r.deletesByResult)

	fmt.Fprintln(w, "# HELP contextmesh_open_stream_subscribers Current open replication stream connections.")
	fmt.Fprintln(w, "# TYPE contextmesh_open_stream_subscribers gauge")
	fmt.Fprintf(w, "contextmesh_open_stream_subscribers %d\n", atomic.LoadInt64(&r.openStreamSubscribers))

	r.writePropagationHistogram(w)
}

func writeLabeledCounters(w http.ResponseWriter, name string, m *sync.Map) {
	type kv struct {
		label string
		value int64
	}
	var entries []kv
	m.Range(func(k, v any) bool {
		entries = append(entries, kv{k.(string), atomic.LoadInt64(v.(*int64))})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].label < entries[j].label })
	for _, e := range entries {
		fmt.Fprintf(w, "%s{result=%q} %d\n", name, e.label, e.value)
	}
}

func (r *Registry) writePropagationHistogram(w http.ResponseWriter) {
	r.propagationLatencyMu.Lock()
	defer r.propagationLatencyMu.Unlock()

	fmt.Fprintln(w, "# HELP contextmesh_propagation_latency_seconds Central-to-regional propagation push latency.")
	fmt.Fprintln(w, "# TYPE contextmesh_propagation_latency_seconds histogram")
	var cumulative uint64
	for i, bound := range r.propagationLatencyBuckets {
		cumulative += r.propagationLatencyCounts[i]
		fmt.Fprintf(w, "contextmesh_propagation_latency_seconds_bucket{le=%q} %d\n", strconv.FormatFloat(bound, 'f', -1, 64), cumulative)
	}
	fmt.Fprintf(w, "contextmesh_propagation_latency_seconds_bucket{le=\"+Inf\"} %d\n", r.propagationLatencyCount)
	fmt.Fprintf(w, "contextmesh_propagation_latency_seconds_sum %s\n", strconv.FormatFloat(r.propagationLatencySum, 'f', -1, 64))
	fmt.Fprintf(w, "contextmesh_propagation_latency_seconds_count %d\n", r.propagationLatencyCount)
}

// Handler returns an http.HandlerFunc suitable for mounting at /metrics.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.WriteExposition(w)
	}
}
