package observability

import (
	"sort"
	"strings"
	"sync"
)

// Memory keeps metric values in memory. It backs tests and embedders that
// read metrics without an exporter.
type Memory struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

func (m *Memory) IncrementCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[seriesKey(name, labels)] += value
}

func (m *Memory) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[seriesKey(name, labels)] = value
}

// Counter returns the current value of a counter series.
func (m *Memory) Counter(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[seriesKey(name, labels)]
}

// Gauge returns the last recorded value of a gauge series.
func (m *Memory) Gauge(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[seriesKey(name, labels)]
}

// seriesKey renders name{k=v,...} with sorted label keys.
func seriesKey(name string, labels map[string]string) string {
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
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}
