package models

import "time"

// Tier buckets groups by how aggressively they are probed.
type Tier string

const (
	TierCritical Tier = "critical"
	TierStandard Tier = "standard"
	TierLow      Tier = "low"
)

// DefaultInterval returns the probe interval used when a group does not set one explicitly.
func (t Tier) DefaultInterval() time.Duration {
	switch t {
	case TierCritical:
		return 60 * time.Second
	case TierLow:
		return 900 * time.Second
	default:
		return 300 * time.Second
	}
}

// Well-known capability tags declared by integration groups.
const (
	CapabilityCRM            = "crm"
	CapabilityCallTranscript = "call_transcript"
	CapabilityChat           = "chat"
	CapabilityDocument       = "document"
	CapabilityDataWarehouse  = "data_warehouse"
	CapabilityVectorSearch   = "vector_search"
)

// IntegrationGroup is a logical cluster of one external service's endpoints and the unit of
// health tracking and circuit breaking.
type IntegrationGroup struct {
	ID                  string
	Name                string
	Capabilities        []string
	Tier                Tier
	CriticalityWeight   float64
	HealthCheckInterval time.Duration
	Circuit             CircuitConfig
	Thresholds          HealthThresholds
	MaxConcurrency      int
	StepTimeout         time.Duration
	Endpoints           []Endpoint
}

// HasCapability reports whether the group declares the capability tag.
func (g IntegrationGroup) HasCapability(capability string) bool {
	for _, c := range g.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Endpoint describes one member of an integration group.
type Endpoint struct {
	Name    string
	Kind    string
	URL     string
	Options map[string]string
}

// CircuitConfig parameterises the per-group breaker.
type CircuitConfig struct {
	FailureThreshold    int
	Cooldown            time.Duration
	HalfOpenMaxRequests int
}

// HealthThresholds are the alerting levels applied to health_percentage.
type HealthThresholds struct {
	Warning  float64
	Critical float64
}

// Defaults applied when registry configuration omits a value.
const (
	DefaultFailureThreshold    = 5
	DefaultCooldown            = 60 * time.Second
	DefaultHalfOpenMaxRequests = 1
	DefaultWarningThreshold    = 0.70
	DefaultCriticalThreshold   = 0.50
)

// WithDefaults returns a copy of the circuit config with zero values replaced.
func (c CircuitConfig) WithDefaults() CircuitConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = DefaultHalfOpenMaxRequests
	}
	return c
}

// WithDefaults returns a copy of the thresholds with zero values replaced.
func (t HealthThresholds) WithDefaults() HealthThresholds {
	if t.Warning <= 0 {
		t.Warning = DefaultWarningThreshold
	}
	if t.Critical <= 0 {
		t.Critical = DefaultCriticalThreshold
	}
	return t
}
