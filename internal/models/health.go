package models

import "time"

// SampleSource distinguishes background probes from live dispatch outcomes.
type SampleSource string

const (
	SourceProbe    SampleSource = "probe"
	SourceDispatch SampleSource = "dispatch"
)

// HealthSample is one timestamped probe or dispatch outcome.
type HealthSample struct {
	GroupID   string
	Timestamp time.Time
	Latency   time.Duration
	Success   bool
	Source    SampleSource
	Error     string
}

// CircuitState enumerates breaker states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitSnapshot is a point-in-time copy of a group's breaker.
type CircuitSnapshot struct {
	GroupID             string
	State               CircuitState
	ConsecutiveFailures int
	LastTransition      time.Time
	OpenedAt            time.Time
}

// HealthReport is the per-group view served by the health endpoint and consumed by the planner.
type HealthReport struct {
	GroupID                string
	Name                   string
	HealthPercentage       float64
	LatencyAvg             time.Duration
	BusinessImpactScore    float64
	CircuitState           CircuitState
	ConsecutiveFailures    int
	RiskLevel              RiskLevel
	ProjectedFailureWindow string
	Samples                int
	LatencySpike           bool
	LastProbe              time.Time
}
