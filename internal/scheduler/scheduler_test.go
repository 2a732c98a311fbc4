package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-federator/internal/cache"
	"github.com/miradorstack/mirador-federator/internal/circuit"
	"github.com/miradorstack/mirador-federator/internal/connectors"
	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/registry"
)

type execFunc func(ctx context.Context, q models.SubQuery) (connectors.Result, error)

type fakeConnector struct {
	calls atomic.Int32
	exec  execFunc
}

func (f *fakeConnector) Probe(context.Context) (connectors.HealthResult, error) {
	return connectors.HealthResult{Healthy: true}, nil
}

func (f *fakeConnector) Execute(ctx context.Context, q models.SubQuery) (connectors.Result, error) {
	f.calls.Add(1)
	return f.exec(ctx, q)
}

func (f *fakeConnector) Close() error { return nil }

func returning(ids ...string) execFunc {
	return func(context.Context, models.SubQuery) (connectors.Result, error) {
		out := connectors.Result{}
		for _, id := range ids {
			out.Records = append(out.Records, models.Record{EntityID: id, Fields: map[string]any{"id": id}})
		}
		return out, nil
	}
}

func hang(ctx context.Context, _ models.SubQuery) (connectors.Result, error) {
	<-ctx.Done()
	return connectors.Result{}, ctx.Err()
}

type source map[string]*fakeConnector

func (s source) Get(id string) (connectors.Connector, bool) {
	c, ok := s[id]
	if !ok {
		return nil, false
	}
	return c, true
}

func setup(t *testing.T, groups ...models.IntegrationGroup) (*registry.Snapshot, *circuit.Manager) {
	t.Helper()
	snap, err := registry.New("", nil).Replace(context.Background(), groups)
	require.NoError(t, err)
	breakers := circuit.NewManager()
	breakers.Sync(groups)
	return snap, breakers
}

func step(id, group string, required bool, deps ...string) models.ExecutionStep {
	return models.ExecutionStep{
		ID:         id,
		GroupID:    group,
		Capability: group,
		SubQuery:   models.SubQuery{Capability: group, Text: "acme"},
		DependsOn:  deps,
		Required:   required,
	}
}

func TestThreeGroupPlanWithOneTimeout(t *testing.T) {
	slow := models.IntegrationGroup{ID: "warehouse", StepTimeout: 50 * time.Millisecond}
	snap, breakers := setup(t, models.IntegrationGroup{ID: "crm"}, models.IntegrationGroup{ID: "chat"}, slow)
	conns := source{
		"crm":       {exec: returning("a")},
		"chat":      {exec: returning("b")},
		"warehouse": {exec: hang},
	}
	var observed []models.HealthSample
	var mu sync.Mutex
	s := New(Config{}, conns, breakers, WithObserver(ObserverFunc(func(hs models.HealthSample) {
		mu.Lock()
		observed = append(observed, hs)
		mu.Unlock()
		breakers.Record(hs.GroupID, hs.Success)
	})))

	plan := &models.QueryPlan{ID: "p1", Steps: []models.ExecutionStep{
		step("s1", "crm", true), step("s2", "chat", true), step("s3", "warehouse", true),
	}}
	exec, err := s.Execute(context.Background(), snap, plan, models.CallerContext{})
	require.NoError(t, err)
	require.Len(t, exec.Results, 3)

	assert.Equal(t, models.StepSucceeded, exec.Results[0].Status)
	assert.Equal(t, models.StepSucceeded, exec.Results[1].Status)
	assert.Equal(t, models.StepTimedOut, exec.Results[2].Status)
	var timeoutErr *models.TimeoutError
	require.True(t, errors.As(exec.Results[2].Err, &timeoutErr))
	assert.Equal(t, "step", timeoutErr.Scope)
	assert.Equal(t, 2, exec.Succeeded())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, observed, 3)
	failures := 0
	for _, hs := range observed {
		if !hs.Success {
			failures++
			assert.Equal(t, "warehouse", hs.GroupID)
			assert.Equal(t, models.SourceDispatch, hs.Source)
		}
	}
	assert.Equal(t, 1, failures)
}

func TestRequestTimeoutAppliesToAllSteps(t *testing.T) {
	snap, breakers := setup(t, models.IntegrationGroup{ID: "crm"})
	s := New(Config{}, source{"crm": {exec: hang}}, breakers)

	plan := &models.QueryPlan{ID: "p2", Steps: []models.ExecutionStep{step("s1", "crm", true)}}
	exec, err := s.Execute(context.Background(), snap, plan, models.CallerContext{Timeout: 30 * time.Millisecond})

	var agg *models.AggregateFailure
	require.True(t, errors.As(err, &agg))
	assert.Equal(t, "p2", agg.PlanID)
	var timeoutErr *models.TimeoutError
	require.True(t, errors.As(agg.Causes["s1"], &timeoutErr))
	assert.Equal(t, "request", timeoutErr.Scope)
	assert.Equal(t, models.StepTimedOut, exec.Results[0].Status)
}

func TestDependenciesReceiveUpstreamOrAreSkipped(t *testing.T) {
	snap, breakers := setup(t, models.IntegrationGroup{ID: "crm"}, models.IntegrationGroup{ID: "calls"}, models.IntegrationGroup{ID: "docs"})

	var upstream []models.Record
	conns := source{
		"crm": {exec: returning("acct-1", "acct-2")},
		"calls": {exec: func(_ context.Context, q models.SubQuery) (connectors.Result, error) {
			upstream = q.Upstream
			return connectors.Result{}, errors.New("boom")
		}},
		"docs": {exec: returning("doc")},
	}
	s := New(Config{}, conns, breakers)
	plan := &models.QueryPlan{ID: "p3", Steps: []models.ExecutionStep{
		step("s1", "crm", true),
		step("s2", "calls", false, "s1"),
		step("s3", "docs", false, "s2"),
	}}
	exec, err := s.Execute(context.Background(), snap, plan, models.CallerContext{})
	require.NoError(t, err)

	require.Len(t, upstream, 2)
	assert.Equal(t, "acct-1", upstream[0].EntityID)
	assert.Equal(t, models.StepFailed, exec.Results[1].Status)
	assert.Equal(t, models.StepSkipped, exec.Results[2].Status)
	assert.Equal(t, int32(0), conns["docs"].calls.Load())
}

func TestOpenCircuitIsNeverDispatched(t *testing.T) {
	snap, breakers := setup(t, models.IntegrationGroup{ID: "crm"}, models.IntegrationGroup{ID: "chat"})
	for i := 0; i < models.DefaultFailureThreshold; i++ {
		breakers.Record("crm", false)
	}
	conns := source{"crm": {exec: returning("x")}, "chat": {exec: returning("y")}}
	s := New(Config{}, conns, breakers)

	plan := &models.QueryPlan{ID: "p4", Steps: []models.ExecutionStep{step("s1", "crm", true), step("s2", "chat", true)}}
	exec, err := s.Execute(context.Background(), snap, plan, models.CallerContext{})
	require.NoError(t, err)

	assert.Equal(t, models.StepCircuitOpen, exec.Results[0].Status)
	var dispatchErr *models.DispatchError
	require.True(t, errors.As(exec.Results[0].Err, &dispatchErr))
	assert.Equal(t, models.CircuitOpen, dispatchErr.State)
	assert.Equal(t, int32(0), conns["crm"].calls.Load())
	assert.Equal(t, models.StepSucceeded, exec.Results[1].Status)
}

func TestOpenCircuitIsRefusedWithoutWaitingForSlot(t *testing.T) {
	snap, breakers := setup(t, models.IntegrationGroup{
		ID:             "crm",
		MaxConcurrency: 1,
		Circuit:        models.CircuitConfig{FailureThreshold: 2, Cooldown: time.Hour},
	})
	release := make(chan struct{})
	conns := source{"crm": {exec: func(ctx context.Context, _ models.SubQuery) (connectors.Result, error) {
		select {
		case <-release:
			return connectors.Result{}, nil
		case <-ctx.Done():
			return connectors.Result{}, ctx.Err()
		}
	}}}
	s := New(Config{}, conns, breakers)

	done := make(chan struct{})
	go func() {
		defer close(done)
		plan := &models.QueryPlan{ID: "holder", Steps: []models.ExecutionStep{step("s1", "crm", true)}}
		_, _ = s.Execute(context.Background(), snap, plan, models.CallerContext{Timeout: 5 * time.Second})
	}()
	require.Eventually(t, func() bool { return conns["crm"].calls.Load() == 1 }, time.Second, time.Millisecond)

	breakers.Record("crm", false)
	breakers.Record("crm", false)
	require.Equal(t, models.CircuitOpen, breakers.State("crm"))

	plan := &models.QueryPlan{ID: "refused", Steps: []models.ExecutionStep{step("s1", "crm", true)}}
	start := time.Now()
	exec, err := s.Execute(context.Background(), snap, plan, models.CallerContext{Timeout: 2 * time.Second})
	elapsed := time.Since(start)

	var agg *models.AggregateFailure
	require.True(t, errors.As(err, &agg))
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, models.StepCircuitOpen, exec.Results[0].Status)
	var dispatchErr *models.DispatchError
	require.True(t, errors.As(exec.Results[0].Err, &dispatchErr))
	assert.Equal(t, models.CircuitOpen, dispatchErr.State)
	assert.Equal(t, int32(1), conns["crm"].calls.Load())

	close(release)
	<-done
}

func TestInvalidPlansAreRejected(t *testing.T) {
	snap, breakers := setup(t, models.IntegrationGroup{ID: "crm"})
	s := New(Config{}, source{}, breakers)

	cases := map[string]*models.QueryPlan{
		"unregistered": {Steps: []models.ExecutionStep{step("s1", "ghost", true)}},
		"cycle":        {Steps: []models.ExecutionStep{step("s1", "crm", true, "s2"), step("s2", "crm", true, "s1")}},
	}
	for name, plan := range cases {
		_, err := s.Execute(context.Background(), snap, plan, models.CallerContext{})
		var planErr *models.PlanningError
		assert.True(t, errors.As(err, &planErr), name)
	}
}

func TestResultCacheServesRepeatedSubQueries(t *testing.T) {
	snap, breakers := setup(t, models.IntegrationGroup{ID: "crm"})
	conns := source{"crm": {exec: returning("a", "b")}}
	s := New(Config{ResultCacheTTL: time.Minute}, conns, breakers, WithCache(cache.NewMemoryProvider()))

	plan := &models.QueryPlan{ID: "p5", Steps: []models.ExecutionStep{step("s1", "crm", true)}}
	_, err := s.Execute(context.Background(), snap, plan, models.CallerContext{})
	require.NoError(t, err)
	exec, err := s.Execute(context.Background(), snap, plan, models.CallerContext{})
	require.NoError(t, err)

	assert.True(t, exec.Results[0].Cached)
	assert.Len(t, exec.Results[0].Records, 2)
	assert.Equal(t, int32(1), conns["crm"].calls.Load())
}

func TestGroupConcurrencyIsBounded(t *testing.T) {
	snap, breakers := setup(t, models.IntegrationGroup{ID: "crm", MaxConcurrency: 2})
	var inFlight, peak atomic.Int32
	conns := source{"crm": {exec: func(context.Context, models.SubQuery) (connectors.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return connectors.Result{}, nil
	}}}
	s := New(Config{}, conns, breakers)

	plan := &models.QueryPlan{ID: "p6"}
	for i := 0; i < 8; i++ {
		plan.Steps = append(plan.Steps, step(fmt.Sprintf("s%d", i), "crm", true))
	}
	_, err := s.Execute(context.Background(), snap, plan, models.CallerContext{})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.LessOrEqual(t, s.PeakInFlight("crm"), 2)
}

func TestGateAdmitsByPriorityThenArrival(t *testing.T) {
	g := newGate(1)
	require.NoError(t, g.acquire(context.Background(), models.PriorityLow))

	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	enqueue := func(name string, p models.Priority, want int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.acquire(context.Background(), p))
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			g.release()
		}()
		require.Eventually(t, func() bool {
			_, _, waiting := g.stats()
			return waiting == want
		}, time.Second, time.Millisecond)
	}
	enqueue("low", models.PriorityLow, 1)
	enqueue("high-1", models.PriorityHigh, 2)
	enqueue("critical", models.PriorityCritical, 3)
	enqueue("high-2", models.PriorityHigh, 4)

	g.release()
	wg.Wait()
	assert.Equal(t, []string{"critical", "high-1", "high-2", "low"}, order)
}

func TestGateCancelledWaiterLeavesQueue(t *testing.T) {
	g := newGate(1)
	require.NoError(t, g.acquire(context.Background(), models.PriorityMedium))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.acquire(ctx, models.PriorityCritical)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	inFlight, _, waiting := g.stats()
	assert.Equal(t, 1, inFlight)
	assert.Equal(t, 0, waiting)
	g.release()
	inFlight, _, _ = g.stats()
	assert.Equal(t, 0, inFlight)
}

// permitBreakers hands out one permit per successful Allow; dispatch without a permit is a
// violation.
type permitBreakers struct {
	inner   *circuit.Manager
	mu      sync.Mutex
	permits map[string]int
}

func (p *permitBreakers) Allow(id string) error {
	if err := p.inner.Allow(id); err != nil {
		return err
	}
	p.mu.Lock()
	p.permits[id]++
	p.mu.Unlock()
	return nil
}

func (p *permitBreakers) State(id string) models.CircuitState {
	return p.inner.State(id)
}

func (p *permitBreakers) take(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permits[id] == 0 {
		return false
	}
	p.permits[id]--
	return true
}

func TestRandomizedPlansNeverDispatchToOpenGroups(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ids := []string{"g0", "g1", "g2", "g3", "g4"}
	var groups []models.IntegrationGroup
	for _, id := range ids {
		groups = append(groups, models.IntegrationGroup{
			ID:             id,
			MaxConcurrency: 1 + rng.Intn(3),
			Circuit:        models.CircuitConfig{FailureThreshold: 2, Cooldown: time.Hour},
		})
	}
	snap, breakers := setup(t, groups...)
	breakers.Record("g0", false)
	breakers.Record("g0", false)
	require.Equal(t, models.CircuitOpen, breakers.State("g0"))

	pb := &permitBreakers{inner: breakers, permits: make(map[string]int)}
	var violations atomic.Int32
	var rngMu sync.Mutex
	conns := source{}
	for _, id := range ids {
		id := id
		conns[id] = &fakeConnector{exec: func(context.Context, models.SubQuery) (connectors.Result, error) {
			if !pb.take(id) {
				violations.Add(1)
			}
			rngMu.Lock()
			fail := rng.Float64() < 0.3
			rngMu.Unlock()
			if fail {
				return connectors.Result{}, errors.New("injected")
			}
			return connectors.Result{}, nil
		}}
	}
	s := New(Config{}, conns, pb, WithObserver(ObserverFunc(func(hs models.HealthSample) {
		breakers.Record(hs.GroupID, hs.Success)
	})))

	var wg sync.WaitGroup
	for p := 0; p < 40; p++ {
		rngMu.Lock()
		plan := &models.QueryPlan{ID: fmt.Sprintf("plan-%d", p)}
		for i, n := 0, 1+rng.Intn(6); i < n; i++ {
			st := step(fmt.Sprintf("s%d", i), ids[rng.Intn(len(ids))], rng.Intn(2) == 0)
			if i > 0 && rng.Intn(3) == 0 {
				st.DependsOn = []string{fmt.Sprintf("s%d", rng.Intn(i))}
			}
			plan.Steps = append(plan.Steps, st)
		}
		rngMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			exec, _ := s.Execute(context.Background(), snap, plan, models.CallerContext{})
			for _, r := range exec.Results {
				if r.GroupID == "g0" && r.Status != models.StepCircuitOpen && r.Status != models.StepSkipped {
					violations.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), violations.Load())
	assert.Equal(t, int32(0), conns["g0"].calls.Load())
}

func TestQueuedStepsToOpeningGroupAreRefusedPromptly(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	ids := []string{"g0", "g1", "g2", "g3"}
	var groups []models.IntegrationGroup
	for _, id := range ids {
		groups = append(groups, models.IntegrationGroup{
			ID:             id,
			MaxConcurrency: 1,
			Circuit:        models.CircuitConfig{FailureThreshold: 2, Cooldown: time.Hour},
		})
	}
	snap, breakers := setup(t, groups...)

	pb := &permitBreakers{inner: breakers, permits: make(map[string]int)}
	var violations atomic.Int32
	conns := source{}
	for _, id := range ids {
		id := id
		delay := 2 * time.Millisecond
		if id == "g0" {
			delay = 20 * time.Millisecond
		}
		conns[id] = &fakeConnector{exec: func(ctx context.Context, _ models.SubQuery) (connectors.Result, error) {
			if !pb.take(id) {
				violations.Add(1)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return connectors.Result{}, ctx.Err()
			}
			if id == "g0" {
				return connectors.Result{}, errors.New("injected")
			}
			return connectors.Result{}, nil
		}}
	}
	s := New(Config{}, conns, pb, WithObserver(ObserverFunc(func(hs models.HealthSample) {
		breakers.Record(hs.GroupID, hs.Success)
	})))

	const timeout = 3 * time.Second
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		g0      []models.StepResult
		slowest time.Duration
	)
	for p := 0; p < 30; p++ {
		plan := &models.QueryPlan{ID: fmt.Sprintf("plan-%d", p)}
		plan.Steps = append(plan.Steps, step("s0", "g0", true))
		for i, n := 1, 1+rng.Intn(3); i <= n; i++ {
			plan.Steps = append(plan.Steps, step(fmt.Sprintf("s%d", i), ids[rng.Intn(len(ids))], rng.Intn(2) == 0))
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			exec, _ := s.Execute(context.Background(), snap, plan, models.CallerContext{Timeout: timeout})
			elapsed := time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			if elapsed > slowest {
				slowest = elapsed
			}
			for _, r := range exec.Results {
				if r.GroupID == "g0" {
					g0 = append(g0, r)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), violations.Load())
	assert.Equal(t, int32(2), conns["g0"].calls.Load())
	assert.Equal(t, models.CircuitOpen, breakers.State("g0"))
	assert.Less(t, slowest, timeout/2)

	failed := 0
	for _, r := range g0 {
		switch r.Status {
		case models.StepFailed:
			failed++
		case models.StepCircuitOpen:
			var dispatchErr *models.DispatchError
			assert.True(t, errors.As(r.Err, &dispatchErr))
		default:
			t.Errorf("step %s to g0 ended %s", r.StepID, r.Status)
		}
	}
	assert.Equal(t, 2, failed)
}
