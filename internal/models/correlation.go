package models

import "time"

// Record is one entity returned by an integration group.
type Record struct {
	EntityID  string
	Fields    map[string]any
	UpdatedAt time.Time
}

// StepStatus is the terminal state of an execution step.
type StepStatus string

const (
	StepSucceeded   StepStatus = "succeeded"
	StepCircuitOpen StepStatus = "circuit_open"
	StepTimedOut    StepStatus = "timed_out"
	StepFailed      StepStatus = "failed"
	StepSkipped     StepStatus = "skipped"
)

// StepResult records how one step of a plan finished.
type StepResult struct {
	StepID   string
	GroupID  string
	Status   StepStatus
	Records  []Record
	Latency  time.Duration
	Cached   bool
	Required bool
	Err      error
}

// Succeeded reports whether the step produced usable output.
func (r StepResult) Succeeded() bool {
	return r.Status == StepSucceeded
}

// Entity is one synthesized, deduplicated result.
type Entity struct {
	EntityID string
	Fields   map[string]any
	Sources  []string
	Score    float64
}

// Citation maps a synthesized claim (entity field) to its originating group.
type Citation struct {
	EntityID string
	Field    string
	GroupID  string
	StepID   string
}

// DegradedSource names a group excluded from, or failing within, a request.
type DegradedSource struct {
	GroupID string
	Reason  StepStatus
}

// QueryResponse is the synthesized answer to a QueryRequest.
type QueryResponse struct {
	RequestID       string
	PlanID          string
	Results         []Entity
	Confidence      float64
	Citations       []Citation
	DegradedSources []DegradedSource
	Duration        time.Duration
	CreatedAt       time.Time
}

// DegradedGroupIDs returns the group IDs of the degraded sources in order.
func (r QueryResponse) DegradedGroupIDs() []string {
	ids := make([]string, 0, len(r.DegradedSources))
	for _, src := range r.DegradedSources {
		ids = append(ids, src.GroupID)
	}
	return ids
}
