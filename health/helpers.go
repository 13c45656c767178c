package health

import "time"

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, "healthy", message)
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, "unhealthy", message)
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, "degraded", message)
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == "healthy",
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate creates a status from sub-statuses. Any unhealthy sub-status makes
// the aggregate unhealthy; otherwise any degraded one makes it degraded.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "nothing to report")
	}

	hasUnhealthy := false
	hasDegraded := false
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "one or more connections are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "one or more connections are degraded")
	default:
		status = NewHealthy(component, "all connections healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)

	return status
}
