package observability

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskflow"

// Prometheus registers counter and gauge vectors lazily on first use.
// A metric keeps the label names it was first reported with; updates with a
// different label set are dropped and logged.
type Prometheus struct {
	factory promauto.Factory
	logger  *slog.Logger

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
}

// NewPrometheus creates hooks registering into reg, or the default
// registerer when reg is nil.
func NewPrometheus(reg prometheus.Registerer, logger *slog.Logger) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default().With("component", "metrics")
	}
	return &Prometheus{
		factory:  promauto.With(reg),
		logger:   logger,
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
	}
}

func (p *Prometheus) IncrementCounter(name string, value float64, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = p.factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      SanitizeName(name) + "_total",
			Help:      "Engine counter " + name + ".",
		}, labelNames(labels))
		p.counters[name] = vec
	}
	p.mu.Unlock()

	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		p.logger.Debug("dropping counter update", "metric", name, "error", err)
		return
	}
	c.Add(value)
}

func (p *Prometheus) RecordGauge(name string, value float64, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = p.factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      SanitizeName(name),
			Help:      "Engine gauge " + name + ".",
		}, labelNames(labels))
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		p.logger.Debug("dropping gauge update", "metric", name, "error", err)
		return
	}
	g.Set(value)
}

// SanitizeName maps a dotted hook name to a valid Prometheus metric name.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
