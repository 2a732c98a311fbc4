package models

import (
	"strings"
	"time"
)

// Priority orders requests competing for the same integration group.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityLow:
		return "LOW"
	default:
		return "MEDIUM"
	}
}

// Lower returns the next priority level down, bottoming out at LOW.
func (p Priority) Lower() Priority {
	if p <= PriorityLow {
		return PriorityLow
	}
	return p - 1
}

// ParsePriority maps a wire name to a Priority; unknown values default to MEDIUM.
func ParsePriority(value string) Priority {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "CRITICAL":
		return PriorityCritical
	case "HIGH":
		return PriorityHigh
	case "LOW":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// QueryRequest is an incoming federated query.
type QueryRequest struct {
	Query        string
	Capabilities []string
	Filters      map[string]string
	Limit        int
	Context      CallerContext
}

// CallerContext carries caller identity and execution constraints.
type CallerContext struct {
	TenantID string
	CallerID string
	Priority Priority
	Timeout  time.Duration
}

// SubQuery is the payload dispatched to one integration group.
type SubQuery struct {
	Capability string
	Text       string
	Filters    map[string]string
	Limit      int
	TenantID   string
	Upstream   []Record
}

// ExecutionStep is one node in a QueryPlan.
type ExecutionStep struct {
	ID         string
	GroupID    string
	Capability string
	SubQuery   SubQuery
	DependsOn  []string
	Required   bool
}

// QueryPlan is the per-request DAG of sub-queries. Plans are never persisted.
type QueryPlan struct {
	ID                string
	Query             string
	Steps             []ExecutionStep
	EstimatedCost     float64
	EstimatedDuration time.Duration
}

// Step returns the step with the given ID.
func (p *QueryPlan) Step(id string) (ExecutionStep, bool) {
	for _, step := range p.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return ExecutionStep{}, false
}

// Order returns the steps in dependency order, ties broken by declaration order. Unknown
// dependencies, duplicate step IDs and cycles are reported as a PlanningError.
func (p *QueryPlan) Order() ([]ExecutionStep, error) {
	index := make(map[string]int, len(p.Steps))
	for i, step := range p.Steps {
		if _, dup := index[step.ID]; dup {
			return nil, &PlanningError{Reason: "duplicate step " + step.ID}
		}
		index[step.ID] = i
	}

	pending := make([]int, len(p.Steps))
	dependents := make(map[string][]int, len(p.Steps))
	for i, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, &PlanningError{Reason: "step " + step.ID + " depends on unknown step " + dep}
			}
			pending[i]++
			dependents[dep] = append(dependents[dep], i)
		}
	}

	ordered := make([]ExecutionStep, 0, len(p.Steps))
	done := make([]bool, len(p.Steps))
	for len(ordered) < len(p.Steps) {
		next := -1
		for i := range p.Steps {
			if !done[i] && pending[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, &PlanningError{Reason: "plan contains a dependency cycle"}
		}
		done[next] = true
		ordered = append(ordered, p.Steps[next])
		for _, d := range dependents[p.Steps[next].ID] {
			pending[d]--
		}
	}
	return ordered, nil
}
