package health

import (
	"slices"
	"strings"
	"time"
)

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == stateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy reports a component operating normally.
func NewHealthy(component, message string) Status {
	return newStatus(component, stateHealthy, message)
}

// NewUnhealthy reports a component that is not functioning.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, stateUnhealthy, message)
}

// NewDegraded reports a component running with reduced capability,
// like a sink that keeps dropping flushes while acquisition continues.
func NewDegraded(component, message string) Status {
	return newStatus(component, stateDegraded, message)
}

// Aggregate rolls sub-statuses up into one Status using worst-case
// rules: any unhealthy member makes the aggregate unhealthy, otherwise
// any degraded member makes it degraded. The sub-statuses are copied
// and sorted by component name so /healthz output is stable between
// scrapes.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "no components reporting")
	}

	state := stateHealthy
	message := "all components healthy"
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			state = stateUnhealthy
			message = "one or more components unhealthy"
		case sub.IsDegraded() && state == stateHealthy:
			state = stateDegraded
			message = "one or more components degraded"
		}
	}

	agg := newStatus(component, state, message)
	agg.SubStatuses = make([]Status, len(subStatuses))
	copy(agg.SubStatuses, subStatuses)
	slices.SortFunc(agg.SubStatuses, func(a, b Status) int {
		return strings.Compare(a.Component, b.Component)
	})
	return agg
}
