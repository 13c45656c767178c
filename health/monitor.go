package health

import (
	"sort"
	"sync"
	"time"
)

// Monitor tracks the latest status reported for each named part of the gateway
// ("bus", "mesh", "session"). It is safe for concurrent use.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	started  time.Time
	errors   int
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		started:  time.Now(),
	}
}

// Update records the status for name
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	if status.IsUnhealthy() {
		m.errors++
	}
	m.statuses[name] = status
}

// Observe records healthy when err is nil and unhealthy with a sanitized
// message otherwise.
func (m *Monitor) Observe(name string, err error, healthyMessage string) {
	m.Update(name, FromError(name, err, healthyMessage))
}

// UpdateDegraded marks name as degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get retrieves the status recorded for name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// Remove stops reporting name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
}

// AggregateHealth returns the aggregate status for the whole gateway, with
// sub-statuses ordered by name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	metrics := &Metrics{Uptime: time.Since(m.started), ErrorCount: m.errors}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(systemName, subs).WithMetrics(metrics)
}
