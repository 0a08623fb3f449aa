package metrics

import (
	"sync"
	"time"
)

// TimerStats summarizes recorded durations for one operation.
type TimerStats struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

type timerState struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
}

// Metrics is an in-process collector for counters, gauges, operation
// timings and component health, exposed on the /metrics endpoint.
type Metrics struct {
	mu        sync.RWMutex
	counters  map[string]int64
	gauges    map[string]int64
	timers    map[string]*timerState
	health    map[string]bool
	startTime time.Time
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]int64),
		gauges:    make(map[string]int64),
		timers:    make(map[string]*timerState),
		health:    make(map[string]bool),
		startTime: time.Now(),
	}
}

// IncrementCounter increments a counter by 1.
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the given value.
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// SetGauge sets a gauge to a point-in-time value.
func (m *Metrics) SetGauge(name string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// RecordTimer records one duration measurement for the named operation.
func (m *Metrics) RecordTimer(name string, durationMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[name]
	if !ok {
		t = &timerState{minMs: durationMs, maxMs: durationMs}
		m.timers[name] = t
	}
	t.count++
	t.totalMs += durationMs
	if durationMs < t.minMs {
		t.minMs = durationMs
	}
	if durationMs > t.maxMs {
		t.maxMs = durationMs
	}
}

// SetHealth records whether a component is healthy.
func (m *Metrics) SetHealth(component string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[component] = healthy
}

// GetCounters returns a snapshot of all counters.
func (m *Metrics) GetCounters() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.counters))
	for name, v := range m.counters {
		out[name] = v
	}
	return out
}

// GetGauges returns a snapshot of all gauges.
func (m *Metrics) GetGauges() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.gauges))
	for name, v := range m.gauges {
		out[name] = v
	}
	return out
}

// GetTimers returns a snapshot of all timer statistics.
func (m *Metrics) GetTimers() map[string]TimerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]TimerStats, len(m.timers))
	for name, t := range m.timers {
		var avg float64
		if t.count > 0 {
			avg = float64(t.totalMs) / float64(t.count)
		}
		out[name] = TimerStats{
			Count:         t.count,
			TotalTimeMs:   t.totalMs,
			AverageTimeMs: avg,
			MinTimeMs:     t.minMs,
			MaxTimeMs:     t.maxMs,
		}
	}
	return out
}

// GetHealthChecks returns a snapshot of component health states.
func (m *Metrics) GetHealthChecks() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]bool, len(m.health))
	for name, v := range m.health {
		out[name] = v
	}
	return out
}

// GetUptimeSeconds returns seconds since the collector was created.
func (m *Metrics) GetUptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns every metric family in one structure for the
// metrics endpoint.
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": m.GetUptimeSeconds(),
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
		"health_checks":  m.GetHealthChecks(),
	}
}
