package metrics

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Recorder on top of client_golang. Vectors are created
// and registered on first use; the label names of that first call fix the
// schema for the metric name, and later calls with a different label set are
// dropped and logged.
type Prometheus struct {
	namespace  string
	registerer prometheus.Registerer
	buckets    []float64
	logger     *slog.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheus creates a recorder registering into reg. An empty buckets
// slice selects prometheus.DefBuckets.
func NewPrometheus(namespace string, reg prometheus.Registerer, buckets []float64) *Prometheus {
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	return &Prometheus{
		namespace:  namespace,
		registerer: reg,
		buckets:    buckets,
		logger:     slog.Default().With("component", "metrics"),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// metricName converts "avs.tasks.created" to "avs_tasks_created".
func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// register registers c, reusing an already registered collector of the same
// shape when another recorder got there first.
func (p *Prometheus) register(c prometheus.Collector) prometheus.Collector {
	if err := p.registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		p.logger.Error("failed to register metric", "error", err)
		return nil
	}
	return c
}

// IncrementCounter implements Recorder.
func (p *Prometheus) IncrementCounter(name string, tags map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      metricName(name),
			Help:      "Counter " + name,
		}, labelNames(tags))
		if reg, _ := p.register(c).(*prometheus.CounterVec); reg != nil {
			vec = reg
			p.counters[name] = vec
		}
	}
	p.mu.Unlock()
	if vec == nil {
		return
	}

	counter, err := vec.GetMetricWith(tags)
	if err != nil {
		p.logger.Warn("dropping counter sample", "metric", name, "error", err)
		return
	}
	counter.Add(value)
}

// RecordHistogram implements Recorder.
func (p *Prometheus) RecordHistogram(name string, tags map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      metricName(name),
			Help:      "Histogram " + name,
			Buckets:   p.buckets,
		}, labelNames(tags))
		if reg, _ := p.register(h).(*prometheus.HistogramVec); reg != nil {
			vec = reg
			p.histograms[name] = vec
		}
	}
	p.mu.Unlock()
	if vec == nil {
		return
	}

	obs, err := vec.GetMetricWith(tags)
	if err != nil {
		p.logger.Warn("dropping histogram sample", "metric", name, "error", err)
		return
	}
	obs.Observe(value)
}

// SetGauge implements Recorder.
func (p *Prometheus) SetGauge(name string, tags map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      metricName(name),
			Help:      "Gauge " + name,
		}, labelNames(tags))
		if reg, _ := p.register(g).(*prometheus.GaugeVec); reg != nil {
			vec = reg
			p.gauges[name] = vec
		}
	}
	p.mu.Unlock()
	if vec == nil {
		return
	}

	gauge, err := vec.GetMetricWith(tags)
	if err != nil {
		p.logger.Warn("dropping gauge sample", "metric", name, "error", err)
		return
	}
	gauge.Set(value)
}
