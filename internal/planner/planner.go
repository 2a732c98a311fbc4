// Package planner decomposes a federated query into a DAG of sub-queries routed to healthy
// integration groups.
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/registry"
	"github.com/miradorstack/mirador-federator/internal/utils"
)

// DefaultLimit applies when a request does not set one.
const DefaultLimit = 50

// latency assumed for groups without samples
const defaultLatencyEstimate = 250 * time.Millisecond

const minCostWeight = 0.1

// StatusSource exposes the per-group health view the planner ranks candidates by.
type StatusSource interface {
	Report(groupID string) (models.HealthReport, bool)
}

// Candidate is one group considered for a capability.
type Candidate struct {
	GroupID      string
	CircuitState models.CircuitState
	Health       float64
	LatencyAvg   time.Duration
	Risk         models.RiskLevel
	Weight       float64
	Selected     bool
	Reason       string
}

// Explanation is a dry-run plan together with the candidate ranking per capability.
type Explanation struct {
	Plan       *models.QueryPlan
	Intents    []Intent
	Candidates map[string][]Candidate
}

// Planner builds query plans against a registry snapshot.
type Planner struct {
	intents *Intents
	status  StatusSource
	logger  *slog.Logger
}

// New constructs a planner. A nil intents value uses the built-in rules.
func New(intents *Intents, status StatusSource, logger *slog.Logger) *Planner {
	if intents == nil {
		intents = DefaultIntents()
	}
	return &Planner{intents: intents, status: status, logger: utils.Component(logger, "planner")}
}

// Plan builds the execution DAG for req. Identical snapshots and group status produce an
// identical plan, ID included.
func (p *Planner) Plan(snap *registry.Snapshot, req models.QueryRequest) (*models.QueryPlan, error) {
	exp, err := p.Explain(snap, req)
	if err != nil {
		return nil, err
	}
	return exp.Plan, nil
}

// Explain builds the plan without executing it and reports how each group was ranked.
func (p *Planner) Explain(snap *registry.Snapshot, req models.QueryRequest) (*Explanation, error) {
	intents := p.resolveIntents(req)
	if len(intents) == 0 {
		return nil, &models.PlanningError{Reason: "no capability matched the query"}
	}

	exp := &Explanation{Intents: intents, Candidates: make(map[string][]Candidate, len(intents))}
	selected := make(map[string]models.IntegrationGroup, len(intents))
	stepIDs := make(map[string]string, len(intents))
	reports := make(map[string]models.HealthReport)

	plan := &models.QueryPlan{Query: req.Query}
	for _, in := range intents {
		ranked := p.rank(snap.WithCapability(in.Capability), reports)
		exp.Candidates[in.Capability] = ranked

		if len(ranked) == 0 || ranked[0].CircuitState == models.CircuitOpen {
			if in.Required {
				return nil, &models.PlanningError{Capability: in.Capability, Reason: noCandidateReason(ranked)}
			}
			p.logger.Info("optional capability dropped", "capability", in.Capability, "reason", noCandidateReason(ranked))
			continue
		}
		ranked[0].Selected = true
		ranked[0].Reason = "best ranked candidate"
		group, _ := snap.Group(ranked[0].GroupID)
		selected[in.Capability] = group

		id := fmt.Sprintf("step-%d-%s", len(plan.Steps)+1, in.Capability)
		stepIDs[in.Capability] = id
		plan.Steps = append(plan.Steps, models.ExecutionStep{
			ID:         id,
			GroupID:    group.ID,
			Capability: in.Capability,
			SubQuery:   subQuery(in.Capability, req),
			Required:   in.Required,
		})
	}
	if len(plan.Steps) == 0 {
		return nil, &models.PlanningError{Reason: "no eligible integration group for any matched capability"}
	}

	for i := range plan.Steps {
		in := intentFor(intents, plan.Steps[i].Capability)
		if dep, ok := stepIDs[in.DependsOn]; ok && in.DependsOn != in.Capability {
			plan.Steps[i].DependsOn = []string{dep}
		}
	}

	ordered, err := plan.Order()
	if err != nil {
		return nil, err
	}
	plan.EstimatedDuration = criticalPath(ordered, reports)
	plan.EstimatedCost = cost(plan.Steps, selected, reports)
	plan.ID = planID(req, plan.Steps)
	exp.Plan = plan

	p.logger.Debug("plan built", "plan_id", plan.ID, "steps", len(plan.Steps),
		"estimated_duration", plan.EstimatedDuration, "estimated_cost", plan.EstimatedCost)
	return exp, nil
}

func (p *Planner) resolveIntents(req models.QueryRequest) []Intent {
	if len(req.Capabilities) == 0 {
		return p.intents.Match(req)
	}
	out := make([]Intent, 0, len(req.Capabilities))
	seen := make(map[string]bool, len(req.Capabilities))
	for _, c := range req.Capabilities {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, Intent{Capability: c, Required: true, Rules: []string{"explicit"}})
	}
	return out
}

// rank orders candidates: eligible before OPEN, CLOSED before HALF_OPEN, non-high risk before
// high risk, then health, latency, weight and ID.
func (p *Planner) rank(groups []models.IntegrationGroup, reports map[string]models.HealthReport) []Candidate {
	out := make([]Candidate, 0, len(groups))
	for _, g := range groups {
		r := p.report(g.ID, reports)
		c := Candidate{
			GroupID:      g.ID,
			CircuitState: r.CircuitState,
			Health:       r.HealthPercentage,
			LatencyAvg:   r.LatencyAvg,
			Risk:         r.RiskLevel,
			Weight:       g.CriticalityWeight,
		}
		if c.CircuitState == models.CircuitOpen {
			c.Reason = "circuit open"
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if sa, sb := stateRank(a.CircuitState), stateRank(b.CircuitState); sa != sb {
			return sa < sb
		}
		if ha, hb := a.Risk == models.RiskHigh, b.Risk == models.RiskHigh; ha != hb {
			return !ha
		}
		if a.Health != b.Health {
			return a.Health > b.Health
		}
		if a.LatencyAvg != b.LatencyAvg {
			return a.LatencyAvg < b.LatencyAvg
		}
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		return a.GroupID < b.GroupID
	})
	return out
}

func (p *Planner) report(groupID string, cache map[string]models.HealthReport) models.HealthReport {
	if r, ok := cache[groupID]; ok {
		return r
	}
	r := models.HealthReport{GroupID: groupID, CircuitState: models.CircuitOpen}
	if p.status != nil {
		if got, ok := p.status.Report(groupID); ok {
			r = got
		}
	}
	cache[groupID] = r
	return r
}

func stateRank(s models.CircuitState) int {
	switch s {
	case models.CircuitClosed:
		return 0
	case models.CircuitHalfOpen:
		return 1
	default:
		return 2
	}
}

func noCandidateReason(ranked []Candidate) string {
	if len(ranked) == 0 {
		return "no registered group declares it"
	}
	return fmt.Sprintf("all %d candidate groups have an open circuit", len(ranked))
}

func intentFor(intents []Intent, capability string) Intent {
	for _, in := range intents {
		if in.Capability == capability {
			return in
		}
	}
	return Intent{}
}

func subQuery(capability string, req models.QueryRequest) models.SubQuery {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	var filters map[string]string
	if len(req.Filters) > 0 {
		filters = make(map[string]string, len(req.Filters))
		for k, v := range req.Filters {
			filters[k] = v
		}
	}
	return models.SubQuery{
		Capability: capability,
		Text:       req.Query,
		Filters:    filters,
		Limit:      limit,
		TenantID:   req.Context.TenantID,
	}
}

func estimate(r models.HealthReport) time.Duration {
	if r.LatencyAvg <= 0 {
		return defaultLatencyEstimate
	}
	return r.LatencyAvg
}

func criticalPath(ordered []models.ExecutionStep, reports map[string]models.HealthReport) time.Duration {
	finish := make(map[string]time.Duration, len(ordered))
	var longest time.Duration
	for _, step := range ordered {
		var start time.Duration
		for _, dep := range step.DependsOn {
			if finish[dep] > start {
				start = finish[dep]
			}
		}
		end := start + estimate(reports[step.GroupID])
		finish[step.ID] = end
		if end > longest {
			longest = end
		}
	}
	return longest
}

func cost(steps []models.ExecutionStep, groups map[string]models.IntegrationGroup, reports map[string]models.HealthReport) float64 {
	total := 0.0
	for _, step := range steps {
		weight := groups[step.Capability].CriticalityWeight
		if weight < minCostWeight {
			weight = minCostWeight
		}
		total += (1 + estimate(reports[step.GroupID]).Seconds()) * weight
	}
	return total
}

func planID(req models.QueryRequest, steps []models.ExecutionStep) string {
	h := sha256.New()
	fmt.Fprintf(h, "q=%s\nlimit=%d\ntenant=%s\n", req.Query, req.Limit, req.Context.TenantID)
	keys := make([]string, 0, len(req.Filters))
	for k := range req.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "f:%s=%s\n", k, req.Filters[k])
	}
	for _, s := range steps {
		fmt.Fprintf(h, "s:%s|%s|%s|%t|%s\n", s.ID, s.GroupID, s.Capability, s.Required, strings.Join(s.DependsOn, ","))
	}
	return "plan-" + hex.EncodeToString(h.Sum(nil))[:24]
}
