// Package scheduler executes query plans against integration groups under circuit, priority
// and timeout constraints, tolerating partial failure.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-federator/internal/cache"
	"github.com/miradorstack/mirador-federator/internal/circuit"
	"github.com/miradorstack/mirador-federator/internal/connectors"
	"github.com/miradorstack/mirador-federator/internal/metrics"
	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/registry"
	"github.com/miradorstack/mirador-federator/internal/utils"
)

// ConnectorSource resolves the connector for a group.
type ConnectorSource interface {
	Get(groupID string) (connectors.Connector, bool)
}

// Breakers is the check-and-reserve performed before each dispatch. State is consulted
// before a step queues for a concurrency slot.
type Breakers interface {
	Allow(groupID string) error
	State(groupID string) models.CircuitState
}

// Observer receives every dispatch outcome.
type Observer interface {
	Observe(sample models.HealthSample)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(models.HealthSample)

// Observe calls f.
func (f ObserverFunc) Observe(s models.HealthSample) { f(s) }

// RiskSource reports predicted failure risk per group.
type RiskSource interface {
	Risk(groupID string) models.RiskLevel
}

// Config holds scheduler tuning knobs.
type Config struct {
	RequestTimeout          time.Duration
	DefaultGroupConcurrency int
	ResultCacheTTL          time.Duration
}

// Execution is the outcome of running a plan. Results follow plan step order.
type Execution struct {
	PlanID   string
	Results  []models.StepResult
	Started  time.Time
	Duration time.Duration
}

// Succeeded counts the successful steps.
func (e *Execution) Succeeded() int {
	n := 0
	for _, r := range e.Results {
		if r.Succeeded() {
			n++
		}
	}
	return n
}

// Scheduler dispatches plan steps.
type Scheduler struct {
	cfg      Config
	conns    ConnectorSource
	breakers Breakers
	observer Observer
	risk     RiskSource
	cache    cache.Provider
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	gates map[string]*gate
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithObserver sets the sink for dispatch outcomes.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithRisk sets the risk source used to demote steps to high-risk groups.
func WithRisk(r RiskSource) Option {
	return func(s *Scheduler) { s.risk = r }
}

// WithCache sets the result cache.
func WithCache(p cache.Provider) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.cache = p
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = utils.Component(logger, "scheduler") }
}

// New constructs a scheduler.
func New(cfg Config, conns ConnectorSource, breakers Breakers, opts ...Option) *Scheduler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DefaultGroupConcurrency <= 0 {
		cfg.DefaultGroupConcurrency = 8
	}
	s := &Scheduler{
		cfg:      cfg,
		conns:    conns,
		breakers: breakers,
		cache:    cache.NoopProvider{},
		logger:   utils.Component(nil, "scheduler"),
		now:      time.Now,
		gates:    make(map[string]*gate),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute runs every step of the plan. Each step waits for its dependencies and is skipped when
// one of them did not succeed. The execution is always returned; the error is a
// *models.PlanningError for an invalid plan or a *models.AggregateFailure when every required
// step failed.
func (s *Scheduler) Execute(ctx context.Context, snap *registry.Snapshot, plan *models.QueryPlan, caller models.CallerContext) (*Execution, error) {
	exec := &Execution{PlanID: plan.ID, Started: s.now()}
	if _, err := plan.Order(); err != nil {
		return exec, err
	}
	groups := make(map[string]models.IntegrationGroup, len(plan.Steps))
	for _, step := range plan.Steps {
		g, ok := snap.Group(step.GroupID)
		if !ok {
			return exec, &models.PlanningError{Capability: step.Capability, Reason: fmt.Sprintf("step %s targets unregistered group %s", step.ID, step.GroupID)}
		}
		groups[step.GroupID] = g
	}

	timeout := caller.Timeout
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	index := make(map[string]int, len(plan.Steps))
	done := make(map[string]chan struct{}, len(plan.Steps))
	for i, step := range plan.Steps {
		index[step.ID] = i
		done[step.ID] = make(chan struct{})
	}
	results := make([]models.StepResult, len(plan.Steps))

	var eg errgroup.Group
	for i, step := range plan.Steps {
		i, step := i, step
		eg.Go(func() error {
			defer close(done[step.ID])

			var upstream []models.Record
			for _, dep := range step.DependsOn {
				<-done[dep]
				prior := results[index[dep]]
				if !prior.Succeeded() {
					results[i] = models.StepResult{
						StepID:   step.ID,
						GroupID:  step.GroupID,
						Status:   models.StepSkipped,
						Required: step.Required,
						Err:      fmt.Errorf("dependency %s did not succeed: %s", dep, prior.Status),
					}
					metrics.ObserveStep(step.GroupID, models.StepSkipped)
					return nil
				}
				upstream = append(upstream, prior.Records...)
			}
			results[i] = s.runStep(ctx, step, groups[step.GroupID], caller.Priority, upstream, timeout)
			return nil
		})
	}
	_ = eg.Wait()

	exec.Results = results
	exec.Duration = s.now().Sub(exec.Started)
	return exec, aggregate(plan, results)
}

func aggregate(plan *models.QueryPlan, results []models.StepResult) error {
	required := 0
	causes := make(map[string]error)
	for _, r := range results {
		if !r.Required {
			continue
		}
		required++
		if !r.Succeeded() {
			causes[r.StepID] = r.Err
		}
	}
	if required == 0 {
		for _, r := range results {
			if r.Succeeded() {
				return nil
			}
			causes[r.StepID] = r.Err
		}
		required = len(results)
	}
	if required > 0 && len(causes) == required {
		return &models.AggregateFailure{PlanID: plan.ID, Causes: causes}
	}
	return nil
}

func (s *Scheduler) runStep(ctx context.Context, step models.ExecutionStep, group models.IntegrationGroup, priority models.Priority, upstream []models.Record, budget time.Duration) models.StepResult {
	res := models.StepResult{StepID: step.ID, GroupID: step.GroupID, Required: step.Required}
	q := step.SubQuery
	q.Upstream = upstream
	logger := s.logger.With("step", step.ID, "group", step.GroupID)

	key := s.cacheKey(step.GroupID, q)
	if records, ok := s.cached(ctx, key); ok {
		res.Status = models.StepSucceeded
		res.Records = records
		res.Cached = true
		metrics.ObserveStep(step.GroupID, res.Status)
		logger.Debug("step served from cache", "records", len(records))
		return res
	}

	if s.risk != nil && s.risk.Risk(step.GroupID) == models.RiskHigh {
		priority = priority.Lower()
	}
	if state := s.breakers.State(step.GroupID); state == models.CircuitOpen {
		return s.refuse(res, &models.DispatchError{GroupID: step.GroupID, State: state}, logger)
	}

	g := s.gate(group)
	if err := g.acquire(ctx, priority); err != nil {
		return s.finish(res, s.ctxFailure(ctx, err, "request", "", budget), 0)
	}
	defer g.release()

	// Allow reserves the HALF_OPEN trial, so it runs only once a slot is held.
	if err := s.breakers.Allow(step.GroupID); err != nil {
		return s.refuse(res, err, logger)
	}

	conn, ok := s.conns.Get(step.GroupID)
	if !ok {
		err := fmt.Errorf("no connector for group %s", step.GroupID)
		s.observe(step.GroupID, false, 0, err)
		res.Status = models.StepFailed
		res.Err = err
		metrics.ObserveStep(step.GroupID, res.Status)
		return res
	}

	stepCtx := ctx
	if group.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, group.StepTimeout)
		defer cancel()
	}

	start := s.now()
	out, err := conn.Execute(stepCtx, q)
	latency := s.now().Sub(start)
	if err == nil && stepCtx.Err() != nil {
		err = stepCtx.Err()
	}
	s.observe(step.GroupID, err == nil, latency, err)

	if err != nil {
		if ctx.Err() != nil {
			err = s.ctxFailure(ctx, err, "request", "", budget)
		} else if stepCtx.Err() != nil {
			err = s.ctxFailure(stepCtx, err, "step", step.GroupID, group.StepTimeout)
		}
		return s.finish(res, err, latency)
	}

	res.Status = models.StepSucceeded
	res.Records = out.Records
	res.Latency = latency
	metrics.ObserveStep(step.GroupID, res.Status)
	s.store(ctx, key, out.Records)
	logger.Debug("step succeeded", "records", len(out.Records), "latency", latency, "endpoint", out.Endpoint)
	return res
}

func (s *Scheduler) refuse(res models.StepResult, err error, logger *slog.Logger) models.StepResult {
	res.Status = models.StepCircuitOpen
	var dispatchErr *models.DispatchError
	if !errors.As(err, &dispatchErr) {
		res.Status = models.StepFailed
	}
	res.Err = err
	metrics.ObserveStep(res.GroupID, res.Status)
	logger.Debug("dispatch refused", "error", err)
	return res
}

// ctxFailure converts a context error into a TimeoutError when the deadline expired.
func (s *Scheduler) ctxFailure(ctx context.Context, err error, scope, groupID string, budget time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &models.TimeoutError{Scope: scope, GroupID: groupID, Budget: budget}
	}
	return err
}

func (s *Scheduler) finish(res models.StepResult, err error, latency time.Duration) models.StepResult {
	res.Err = err
	res.Latency = latency
	res.Status = models.StepFailed
	var timeoutErr *models.TimeoutError
	if errors.As(err, &timeoutErr) {
		res.Status = models.StepTimedOut
	}
	metrics.ObserveStep(res.GroupID, res.Status)
	s.logger.Debug("step did not succeed", "step", res.StepID, "group", res.GroupID, "status", res.Status, "error", err)
	return res
}

func (s *Scheduler) observe(groupID string, success bool, latency time.Duration, err error) {
	if s.observer == nil {
		return
	}
	sample := models.HealthSample{
		GroupID:   groupID,
		Timestamp: s.now(),
		Latency:   latency,
		Success:   success,
		Source:    models.SourceDispatch,
	}
	if err != nil {
		sample.Error = err.Error()
	}
	s.observer.Observe(sample)
}

func (s *Scheduler) gate(group models.IntegrationGroup) *gate {
	limit := group.MaxConcurrency
	if limit <= 0 {
		limit = s.cfg.DefaultGroupConcurrency
	}
	s.mu.Lock()
	g, ok := s.gates[group.ID]
	if !ok {
		g = newGate(limit)
		s.gates[group.ID] = g
	}
	s.mu.Unlock()
	if ok {
		g.setLimit(limit)
	}
	return g
}

// Retain drops gates of groups no longer registered.
func (s *Scheduler) Retain(groupIDs []string) {
	keep := make(map[string]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		keep[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.gates {
		if _, ok := keep[id]; !ok {
			delete(s.gates, id)
		}
	}
}

// PeakInFlight reports the highest concurrent dispatch count observed for a group.
func (s *Scheduler) PeakInFlight(groupID string) int {
	s.mu.Lock()
	g, ok := s.gates[groupID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	_, peak, _ := g.stats()
	return peak
}

func (s *Scheduler) cacheKey(groupID string, q models.SubQuery) string {
	if s.cfg.ResultCacheTTL <= 0 {
		return ""
	}
	key, err := cache.ResultKey(groupID, q)
	if err != nil {
		return ""
	}
	return key
}

func (s *Scheduler) cached(ctx context.Context, key string) ([]models.Record, bool) {
	if key == "" {
		return nil, false
	}
	records, err := cache.GetJSON[[]models.Record](ctx, s.cache, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("result cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	return records, true
}

func (s *Scheduler) store(ctx context.Context, key string, records []models.Record) {
	if key == "" {
		return
	}
	if err := cache.SetJSON(ctx, s.cache, key, records, s.cfg.ResultCacheTTL); err != nil {
		s.logger.Warn("result cache write failed", "error", err)
	}
}

var _ Breakers = (*circuit.Manager)(nil)
