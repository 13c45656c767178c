package health

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		healthy   bool
		degraded  bool
		unhealthy bool
	}{
		{"healthy", NewHealthy("bus", "ok"), true, false, false},
		{"degraded", NewDegraded("bus", "slow"), false, true, false},
		{"unhealthy", NewUnhealthy("bus", "down"), false, false, true},
		{"empty", Status{}, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.healthy, tt.status.IsHealthy())
			assert.Equal(t, tt.degraded, tt.status.IsDegraded())
			assert.Equal(t, tt.unhealthy, tt.status.IsUnhealthy())
			assert.Equal(t, tt.healthy, tt.status.Healthy)
		})
	}
}

func TestWithSubStatus_DoesNotShareBacking(t *testing.T) {
	base := NewHealthy("gateway", "ok").WithSubStatus(NewHealthy("bus", "ok"))
	a := base.WithSubStatus(NewHealthy("mesh", "ok"))
	b := base.WithSubStatus(NewUnhealthy("session", "lost"))

	require.Len(t, a.SubStatuses, 2)
	require.Len(t, b.SubStatuses, 2)
	assert.Equal(t, "mesh", a.SubStatuses[1].Component)
	assert.Equal(t, "session", b.SubStatuses[1].Component)
}

func TestAggregate(t *testing.T) {
	assert.True(t, Aggregate("gateway", nil).IsHealthy())

	all := []Status{NewHealthy("bus", ""), NewHealthy("mesh", "")}
	assert.True(t, Aggregate("gateway", all).IsHealthy())

	degraded := append(all, NewDegraded("session", ""))
	assert.True(t, Aggregate("gateway", degraded).IsDegraded())

	unhealthy := append(degraded, NewUnhealthy("bus2", ""))
	agg := Aggregate("gateway", unhealthy)
	assert.True(t, agg.IsUnhealthy())
	assert.Len(t, agg.SubStatuses, 4)
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		absent  []string
		present []string
	}{
		{
			name:    "nats url",
			in:      "dial nats://user:pw@10.0.0.4:4222 failed",
			absent:  []string{"nats://", "10.0.0.4", "user:pw"},
			present: []string{"[URL]"},
		},
		{
			name:    "bus address",
			in:      "connect unix:path=/run/user/1000/bus: no such file",
			absent:  []string{"/run/user/1000/bus"},
			present: []string{"[ADDRESS]"},
		},
		{
			name:    "credential pair",
			in:      "auth failed token=abc123",
			absent:  []string{"abc123"},
			present: []string{"[REDACTED]"},
		},
		{
			name:    "plain message untouched",
			in:      "name has no owner",
			present: []string{"name has no owner"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := sanitizeErrorMessage(tt.in)
			for _, s := range tt.absent {
				assert.NotContains(t, out, s)
			}
			for _, s := range tt.present {
				assert.Contains(t, out, s)
			}
		})
	}

	assert.Empty(t, sanitizeErrorMessage(""))
}

func TestMonitor_ObserveAndAggregate(t *testing.T) {
	m := NewMonitor()

	m.Observe("bus", nil, "connected")
	m.Observe("mesh", errors.New("dial nats://10.1.1.1:4222: connection refused"), "")

	bus, ok := m.Get("bus")
	require.True(t, ok)
	assert.True(t, bus.IsHealthy())
	assert.Equal(t, "connected", bus.Message)

	mesh, ok := m.Get("mesh")
	require.True(t, ok)
	assert.True(t, mesh.IsUnhealthy())
	assert.NotContains(t, mesh.Message, "10.1.1.1")

	agg := m.AggregateHealth("dbusbridge")
	assert.True(t, agg.IsUnhealthy())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "bus", agg.SubStatuses[0].Component)
	assert.Equal(t, "mesh", agg.SubStatuses[1].Component)
	require.NotNil(t, agg.Metrics)
	assert.Equal(t, 1, agg.Metrics.ErrorCount)

	m.Remove("mesh")
	assert.True(t, m.AggregateHealth("dbusbridge").IsHealthy())
}

func TestMonitor_Concurrent(t *testing.T) {
	m := NewMonitor()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Observe("bus", nil, "ok")
			} else {
				m.UpdateDegraded("bus", "slow")
			}
			_ = m.AggregateHealth("dbusbridge")
		}(i)
	}
	wg.Wait()

	_, ok := m.Get("bus")
	assert.True(t, ok)
}
