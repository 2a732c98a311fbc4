package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PlanningError is returned when no CLOSED or HALF_OPEN group can satisfy a required capability.
type PlanningError struct {
	Capability string
	Reason     string
}

func (e *PlanningError) Error() string {
	if e.Capability == "" {
		return "planning failed: " + e.Reason
	}
	return fmt.Sprintf("planning failed for capability %q: %s", e.Capability, e.Reason)
}

// DispatchError is returned when a step targets a group whose circuit refuses traffic.
type DispatchError struct {
	GroupID    string
	State      CircuitState
	RetryAfter time.Time
}

func (e *DispatchError) Error() string {
	if e.RetryAfter.IsZero() {
		return fmt.Sprintf("dispatch to %s refused: circuit %s", e.GroupID, e.State)
	}
	return fmt.Sprintf("dispatch to %s refused: circuit %s (retry after %s)", e.GroupID, e.State, e.RetryAfter.Format(time.RFC3339))
}

// TimeoutError is returned when a request or step exceeds its budget.
type TimeoutError struct {
	Scope   string
	GroupID string
	Budget  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.GroupID == "" {
		return fmt.Sprintf("%s exceeded timeout of %s", e.Scope, e.Budget)
	}
	return fmt.Sprintf("%s for %s exceeded timeout of %s", e.Scope, e.GroupID, e.Budget)
}

// AggregateFailure is returned when every required step of a plan failed.
type AggregateFailure struct {
	PlanID string
	Causes map[string]error
}

func (e *AggregateFailure) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for step, cause := range e.Causes {
		parts = append(parts, fmt.Sprintf("%s: %v", step, cause))
	}
	sort.Strings(parts)
	return fmt.Sprintf("all required steps of plan %s failed: %s", e.PlanID, strings.Join(parts, "; "))
}

// PredictionError is returned when a trend cannot be computed.
type PredictionError struct {
	GroupID  string
	Have     int
	Required int
}

func (e *PredictionError) Error() string {
	return fmt.Sprintf("insufficient samples to predict %s: have %d, need %d", e.GroupID, e.Have, e.Required)
}
