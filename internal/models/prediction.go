package models

import "time"

// RiskLevel classifies how likely a group is to fail soon.
type RiskLevel string

const (
	RiskUnknown RiskLevel = ""
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
)

// PredictionRecord is the latest trend classification for a group. It is superseded every cycle.
type PredictionRecord struct {
	GroupID                string
	RiskLevel              RiskLevel
	Slope                  float64
	Current                float64
	TimeToCritical         time.Duration
	ProjectedFailureWindow string
	ComputedAt             time.Time
}

// Severity captures alert levels.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is emitted on the alert stream for external notification collaborators.
type Alert struct {
	ID                  string
	GroupID             string
	Severity            Severity
	Message             string
	HealthPercentage    float64
	BusinessImpactScore float64
	Timestamp           time.Time
}
