package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-federator/internal/metrics"
	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/planner"
	"github.com/miradorstack/mirador-federator/internal/registry"
	"github.com/miradorstack/mirador-federator/internal/scheduler"
	"github.com/miradorstack/mirador-federator/internal/synth"
)

// ErrInvalidRequest marks malformed queries.
var ErrInvalidRequest = errors.New("invalid request")

// SnapshotSource returns the current registry snapshot.
type SnapshotSource interface {
	Snapshot() *registry.Snapshot
}

// Pipeline orchestrates plan, execute and synthesize for one federated query.
type Pipeline struct {
	logger    *slog.Logger
	registry  SnapshotSource
	planner   *planner.Planner
	scheduler *scheduler.Scheduler
	synth     *synth.Synthesizer
	now       func() time.Time
}

// NewPipeline constructs a new query pipeline.
func NewPipeline(
	logger *slog.Logger,
	reg SnapshotSource,
	plan *planner.Planner,
	sched *scheduler.Scheduler,
	synthesizer *synth.Synthesizer,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if synthesizer == nil {
		synthesizer = synth.New(nil, logger)
	}
	return &Pipeline{
		logger:    logger,
		registry:  reg,
		planner:   plan,
		scheduler: sched,
		synth:     synthesizer,
		now:       time.Now,
	}
}

// Query executes the plan → dispatch → synthesize flow. When every required step failed the
// degraded response is returned together with a *models.AggregateFailure.
func (p *Pipeline) Query(ctx context.Context, req models.QueryRequest) (models.QueryResponse, error) {
	start := p.now()
	resp := models.QueryResponse{RequestID: uuid.NewString(), CreatedAt: start}

	if err := validate(req); err != nil {
		metrics.ObserveQuery(p.now().Sub(start), metrics.OutcomeError)
		return resp, err
	}

	snap := p.registry.Snapshot()
	plan, err := p.planner.Plan(snap, req)
	if err != nil {
		metrics.ObserveQuery(p.now().Sub(start), metrics.OutcomeError)
		p.logger.Warn("query planning failed", slog.String("request_id", resp.RequestID), slog.Any("error", err))
		return resp, fmt.Errorf("plan query: %w", err)
	}
	resp.PlanID = plan.ID

	exec, execErr := p.scheduler.Execute(ctx, snap, plan, req.Context)
	var results []models.StepResult
	if exec != nil {
		results = exec.Results
	}
	syn := p.synth.Synthesize(snap, results)

	resp.Results = syn.Entities
	resp.Confidence = syn.Confidence
	resp.Citations = syn.Citations
	resp.DegradedSources = syn.DegradedSources
	resp.Duration = p.now().Sub(start)

	outcome := metrics.OutcomeSuccess
	switch {
	case execErr != nil:
		outcome = metrics.OutcomeError
	case len(resp.DegradedSources) > 0:
		outcome = metrics.OutcomePartial
	}
	metrics.ObserveQuery(resp.Duration, outcome)

	p.logger.Info("query completed",
		slog.String("request_id", resp.RequestID),
		slog.String("plan_id", plan.ID),
		slog.String("tenant_id", req.Context.TenantID),
		slog.Int("steps", len(plan.Steps)),
		slog.Int("entities", len(resp.Results)),
		slog.Float64("confidence", resp.Confidence),
		slog.Any("degraded", resp.DegradedGroupIDs()),
		slog.Duration("duration", resp.Duration),
	)

	if execErr != nil {
		return resp, fmt.Errorf("execute plan %s: %w", plan.ID, execErr)
	}
	return resp, nil
}

// Explain returns the plan the query would run, without dispatching anything.
func (p *Pipeline) Explain(_ context.Context, req models.QueryRequest) (*planner.Explanation, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	exp, err := p.planner.Explain(p.registry.Snapshot(), req)
	if err != nil {
		return nil, fmt.Errorf("plan query: %w", err)
	}
	return exp, nil
}

func validate(req models.QueryRequest) error {
	if strings.TrimSpace(req.Query) == "" && len(req.Capabilities) == 0 {
		return fmt.Errorf("%w: query or capabilities required", ErrInvalidRequest)
	}
	if req.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidRequest)
	}
	if req.Context.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	return nil
}
