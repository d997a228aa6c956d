package observ

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradegate"

// registry lazily creates one vector per metric name. Label names are fixed
// by the first call for a name; later calls with a different label set are dropped.
type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
	labels   map[string][]string
}

var reg = newRegistry()

func newRegistry() *registry {
	r := &registry{
		prom:     prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
		labels:   map[string][]string{},
	}
	r.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// checkLabels records the label set of a new name or reports whether it matches the existing one.
func (r *registry) checkLabels(name string, keys []string) bool {
	if known, ok := r.labels[name]; ok {
		return sameLabels(known, keys)
	}
	r.labels[name] = keys
	return true
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	if value < 0 {
		return
	}
	keys := labelNames(labels)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if !reg.checkLabels(name, keys) {
		return
	}
	vec, ok := reg.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: name}, keys)
		if err := reg.prom.Register(vec); err != nil {
			return
		}
		reg.counters[name] = vec
	}
	vec.With(labels).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	keys := labelNames(labels)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if !reg.checkLabels(name, keys) {
		return
	}
	vec, ok := reg.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: name}, keys)
		if err := reg.prom.Register(vec); err != nil {
			return
		}
		reg.gauges[name] = vec
	}
	vec.With(labels).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	keys := labelNames(labels)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if !reg.checkLabels(name, keys) {
		return
	}
	vec, ok := reg.hist[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, keys)
		if err := reg.prom.Register(vec); err != nil {
			return
		}
		reg.hist[name] = vec
	}
	vec.With(labels).Observe(value)
}

// RecordDuration records a duration metric in milliseconds.
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Handler serves the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding.
func Gatherer() prometheus.Gatherer {
	return reg.prom
}

var (
	startTime = time.Now()
	version   = "dev"
)

// SetVersion sets the version string for health reports.
func SetVersion(v string) {
	version = v
}

// HealthStatus is the body of the health endpoint.
type HealthStatus struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Version   string         `json:"version"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewHealthStatus builds a health report; status is "healthy" unless degraded is set.
func NewHealthStatus(degraded bool, details map[string]any) HealthStatus {
	status := "healthy"
	if degraded {
		status = "degraded"
	}
	return HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(startTime).String(),
		Version:   version,
		Details:   details,
	}
}
