package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusConstructors(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		healthy   bool
		state     string
		degraded  bool
		unhealthy bool
	}{
		{"healthy", NewHealthy("csv", "writing"), true, "healthy", false, false},
		{"degraded", NewDegraded("live", "no viewers"), false, "degraded", true, false},
		{"unhealthy", NewUnhealthy("manager", "all sensors unreachable"), false, "unhealthy", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.healthy, tt.status.Healthy)
			assert.Equal(t, tt.state, tt.status.Status)
			assert.Equal(t, tt.healthy, tt.status.IsHealthy())
			assert.Equal(t, tt.degraded, tt.status.IsDegraded())
			assert.Equal(t, tt.unhealthy, tt.status.IsUnhealthy())
			assert.False(t, tt.status.Timestamp.IsZero())
		})
	}
}

func TestAggregateEmpty(t *testing.T) {
	agg := Aggregate("biostream", nil)

	assert.True(t, agg.IsHealthy())
	assert.Equal(t, "biostream", agg.Component)
	assert.Empty(t, agg.SubStatuses)
}

func TestAggregateWorstCaseRules(t *testing.T) {
	healthy := NewHealthy("csv", "ok")
	degraded := NewDegraded("nats", "reconnecting")
	unhealthy := NewUnhealthy("manager", "down")

	tests := []struct {
		name string
		subs []Status
		want func(Status) bool
	}{
		{"all healthy", []Status{healthy, healthy}, Status.IsHealthy},
		{"degraded wins over healthy", []Status{healthy, degraded}, Status.IsDegraded},
		{"unhealthy wins over degraded", []Status{degraded, unhealthy, healthy}, Status.IsUnhealthy},
		{"unhealthy after degraded stays unhealthy", []Status{unhealthy, degraded}, Status.IsUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := Aggregate("system", tt.subs)
			assert.True(t, tt.want(agg))
			assert.Len(t, agg.SubStatuses, len(tt.subs))
		})
	}
}

func TestAggregateSortsSubStatuses(t *testing.T) {
	agg := Aggregate("system", []Status{
		NewHealthy("manager", "ok"),
		NewHealthy("csv", "ok"),
		NewHealthy("dispatch", "ok"),
	})

	require.Len(t, agg.SubStatuses, 3)
	assert.Equal(t, "csv", agg.SubStatuses[0].Component)
	assert.Equal(t, "dispatch", agg.SubStatuses[1].Component)
	assert.Equal(t, "manager", agg.SubStatuses[2].Component)
}

func TestAggregateCopiesInput(t *testing.T) {
	subs := []Status{NewHealthy("a", "ok"), NewHealthy("b", "ok")}
	agg := Aggregate("system", subs)

	subs[0].Component = "mutated"
	assert.Equal(t, "a", agg.SubStatuses[0].Component)
}
