// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for epochstore, rendered without prometheus/client_golang.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Saved / SaveFailed / SavedBytes / Batches / Restored / RestoreErrors /
//	Deleted / FlowBlocked                              →  key = "queue"
//	HTTPReqs                                           →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                             →  key = "method\tpath"
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current count for key.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair in key order.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	type kv struct {
		k string
		v int64
	}
	var all []kv
	lc.vals.Range(func(k, v any) bool {
		all = append(all, kv{k.(string), v.(*atomic.Int64).Load()})
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].k < all[j].k })
	for _, e := range all {
		fn(e.k, e.v)
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all epochstore metrics. The zero value is ready to use and a
// nil *Registry discards every observation made through its helper methods.
type Registry struct {
	// Store-level counters.  key = queue name
	Saved         labelCounter // elements made durable
	SaveFailed    labelCounter // elements whose save failed
	SavedBytes    labelCounter
	Batches       labelCounter // AppendBatch calls
	Restored      labelCounter // elements delivered to restore listeners
	RestoreErrors labelCounter // elements delivered with a read error
	Deleted       labelCounter // elements removed by DeleteQueueElement
	FlowBlocked   labelCounter // times a producer was blocked

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

// ObserveBatch records one durable batch of n elements totalling size bytes.
func (r *Registry) ObserveBatch(queue string, n int, size int64) {
	if r == nil {
		return
	}
	r.Batches.Inc(queue)
	r.Saved.Add(queue, int64(n))
	r.SavedBytes.Add(queue, size)
}

// ObserveSaveFailure records n elements that failed to persist.
func (r *Registry) ObserveSaveFailure(queue string, n int) {
	if r == nil {
		return
	}
	r.SaveFailed.Add(queue, int64(n))
}

// ObserveRestore records a delivered restore batch.
func (r *Registry) ObserveRestore(queue string, n, failed int) {
	if r == nil {
		return
	}
	r.Restored.Add(queue, int64(n))
	if failed > 0 {
		r.RestoreErrors.Add(queue, int64(failed))
	}
}

// ObserveDelete records one removed element.
func (r *Registry) ObserveDelete(queue string) {
	if r == nil {
		return
	}
	r.Deleted.Inc(queue)
}

// ObserveFlowBlock records one producer blocked by backpressure.
func (r *Registry) ObserveFlowBlock(queue string) {
	if r == nil {
		return
	}
	r.FlowBlocked.Inc(queue)
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// family describes one rendered metric family.
type family struct {
	name, help string
	c          *labelCounter
	labels     []string // label names, in key order
}

func (r *Registry) families() []family {
	q := []string{"queue"}
	return []family{
		{"epochstore_elements_saved_total", "Elements durably persisted", &r.Saved, q},
		{"epochstore_elements_save_failed_total", "Elements whose save failed", &r.SaveFailed, q},
		{"epochstore_saved_bytes_total", "Payload bytes durably persisted", &r.SavedBytes, q},
		{"epochstore_batches_total", "Write batches committed to the engine", &r.Batches, q},
		{"epochstore_elements_restored_total", "Elements delivered to restore listeners", &r.Restored, q},
		{"epochstore_restore_errors_total", "Restored elements that could not be read", &r.RestoreErrors, q},
		{"epochstore_elements_deleted_total", "Elements removed from the store", &r.Deleted, q},
		{"epochstore_flow_blocked_total", "Producers blocked by backpressure", &r.FlowBlocked, q},
		{"epochstore_http_requests_total", "Total HTTP requests by method, path, and status code",
			&r.HTTPReqs, []string{"method", "path", "status"}},
		{"epochstore_http_request_duration_milliseconds_sum", "Sum of HTTP request durations in milliseconds",
			&r.HTTPDurMs, []string{"method", "path"}},
		{"epochstore_http_request_duration_milliseconds_count", "Count of observed HTTP request durations",
			&r.HTTPDurCnt, []string{"method", "path"}},
	}
}

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder
		for _, f := range r.families() {
			writeFamily(&b, f)
		}
		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b, skipping the
// header when the family has no samples.
func writeFamily(b *strings.Builder, f family) {
	var lines []string
	f.c.Each(func(key string, val int64) {
		parts := strings.SplitN(key, "\t", len(f.labels))
		pairs := make([]string, len(f.labels))
		for i, name := range f.labels {
			v := ""
			if i < len(parts) {
				v = parts[i]
			}
			pairs[i] = fmt.Sprintf("%s=%q", name, v)
		}
		lines = append(lines, fmt.Sprintf("%s{%s} %d\n", f.name, strings.Join(pairs, ","), val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(b, "# TYPE %s counter\n", f.name)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
