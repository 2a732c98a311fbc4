package health

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-federator/internal/alerts"
	"github.com/miradorstack/mirador-federator/internal/circuit"
	"github.com/miradorstack/mirador-federator/internal/connectors"
	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/predict"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeConnector struct {
	probes  atomic.Int64
	mu      sync.Mutex
	healthy bool
	latency time.Duration
}

func (f *fakeConnector) set(healthy bool, latency time.Duration) {
	f.mu.Lock()
	f.healthy, f.latency = healthy, latency
	f.mu.Unlock()
}

func (f *fakeConnector) Probe(context.Context) (connectors.HealthResult, error) {
	f.probes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return connectors.HealthResult{Latency: f.latency}, errors.New("connection refused")
	}
	return connectors.HealthResult{Healthy: true, Latency: f.latency}, nil
}

func (f *fakeConnector) Execute(context.Context, models.SubQuery) (connectors.Result, error) {
	return connectors.Result{}, nil
}

func (f *fakeConnector) Close() error { return nil }

type fakeSource map[string]connectors.Connector

func (s fakeSource) Get(id string) (connectors.Connector, bool) {
	c, ok := s[id]
	return c, ok
}

func group(id string) models.IntegrationGroup {
	return models.IntegrationGroup{
		ID:                  id,
		Name:                strings.ToUpper(id),
		Capabilities:        []string{models.CapabilityCRM},
		Tier:                models.TierCritical,
		CriticalityWeight:   0.8,
		HealthCheckInterval: time.Minute,
		Circuit:             models.CircuitConfig{FailureThreshold: 5, Cooldown: time.Minute, HalfOpenMaxRequests: 1},
	}
}

type harness struct {
	clock    *fakeClock
	breakers *circuit.Manager
	hub      *alerts.Hub
	monitor  *Monitor
	conn     *fakeConnector
}

func newHarness(t *testing.T, cfg Config, groups ...models.IntegrationGroup) *harness {
	t.Helper()
	h := &harness{
		clock: &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		hub:   alerts.NewHub(nil),
		conn:  &fakeConnector{healthy: true, latency: 100 * time.Millisecond},
	}
	h.breakers = circuit.NewManager(circuit.WithClock(h.clock.Now))
	h.breakers.Sync(groups)

	src := fakeSource{}
	for _, g := range groups {
		src[g.ID] = h.conn
	}
	h.monitor = NewMonitor(cfg, src, h.breakers, WithClock(h.clock.Now), WithAlerts(h.hub))
	h.monitor.Reconcile(groups)
	return h
}

func drain(ch <-chan models.Alert) []models.Alert {
	var out []models.Alert
	for {
		select {
		case a := <-ch:
			out = append(out, a)
		default:
			return out
		}
	}
}

func TestWindowBoundsByCountAndAge(t *testing.T) {
	w := NewWindow(3, time.Minute)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		w.Add(models.HealthSample{Timestamp: base.Add(time.Duration(i) * 10 * time.Second), Success: i%2 == 0})
	}
	require.Equal(t, 3, w.Len())

	st := w.Stats(base.Add(45 * time.Second))
	assert.Equal(t, 3, st.Total)
	assert.InDelta(t, 2.0/3.0, st.Health, 1e-9)

	st = w.Stats(base.Add(85 * time.Second))
	assert.Equal(t, 2, st.Total, "sample at 20s is older than a minute")

	st = w.Stats(base.Add(time.Hour))
	assert.Equal(t, 0, st.Total)
	assert.Equal(t, 1.0, st.Health)
}

func TestHealthPercentageIsSuccessRatioAndRecovers(t *testing.T) {
	h := newHarness(t, Config{WindowSize: 10}, group("crm"))

	for _, ok := range []bool{false, false, false, true, true} {
		h.clock.Advance(time.Second)
		h.monitor.Observe(models.HealthSample{GroupID: "crm", Success: ok, Latency: 50 * time.Millisecond})
	}
	r, ok := h.monitor.Report("crm")
	require.True(t, ok)
	assert.InDelta(t, 0.4, r.HealthPercentage, 1e-9)
	assert.InDelta(t, 0.6*0.8, r.BusinessImpactScore, 1e-9)
	assert.Equal(t, 5, r.Samples)
	assert.Equal(t, 50*time.Millisecond, r.LatencyAvg)

	for i := 0; i < 10; i++ {
		h.clock.Advance(time.Second)
		h.monitor.Observe(models.HealthSample{GroupID: "crm", Success: true})
	}
	r, _ = h.monitor.Report("crm")
	assert.Equal(t, 1.0, r.HealthPercentage)
	assert.Equal(t, 10, r.Samples)
	assert.Equal(t, models.CircuitClosed, r.CircuitState)
}

func TestConsecutiveProbeFailuresOpenCircuitAndRecover(t *testing.T) {
	h := newHarness(t, Config{WindowSize: 20}, group("crm"))
	var transitions []circuit.Transition
	var mu sync.Mutex
	h.breakers.OnTransition(func(tr circuit.Transition) {
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	})

	ctx := context.Background()
	h.conn.set(false, 0)
	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Second)
		require.Error(t, h.monitor.Probe(ctx, "crm"))
	}
	r, _ := h.monitor.Report("crm")
	require.Equal(t, models.CircuitOpen, r.CircuitState)
	require.Equal(t, 5, r.ConsecutiveFailures)

	h.clock.Advance(time.Minute)
	h.conn.set(true, 20*time.Millisecond)
	require.NoError(t, h.monitor.Probe(ctx, "crm"))

	r, _ = h.monitor.Report("crm")
	assert.Equal(t, models.CircuitClosed, r.CircuitState)
	assert.Equal(t, 0, r.ConsecutiveFailures)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 3)
	assert.Equal(t, models.CircuitOpen, transitions[0].To)
	assert.Equal(t, models.CircuitHalfOpen, transitions[1].To)
	assert.Equal(t, models.CircuitClosed, transitions[2].To)
}

func TestThresholdAlertsAreEmittedAndSuppressed(t *testing.T) {
	h := newHarness(t, Config{WindowSize: 10, AlertSuppression: time.Hour}, group("crm"))
	ch, cancel := h.hub.Subscribe(32)
	defer cancel()

	for _, ok := range []bool{true, false, false, true, true, true, true} {
		h.clock.Advance(time.Second)
		h.monitor.Observe(models.HealthSample{GroupID: "crm", Success: ok})
	}

	got := drain(ch)
	require.Len(t, got, 3)
	assert.Equal(t, models.SeverityWarning, got[0].Severity)
	assert.Equal(t, models.SeverityCritical, got[1].Severity)
	assert.Equal(t, models.SeverityInfo, got[2].Severity)
	assert.Equal(t, "crm", got[2].GroupID)
	assert.NotEmpty(t, got[0].ID)
	assert.InDelta(t, 5.0/7.0, got[2].HealthPercentage, 1e-9)
}

func TestCircuitOpenRaisesCriticalAlert(t *testing.T) {
	h := newHarness(t, Config{WindowSize: 5}, group("crm"))
	ch, cancel := h.hub.Subscribe(32)
	defer cancel()

	for i := 0; i < 5; i++ {
		h.monitor.Observe(models.HealthSample{GroupID: "crm", Success: false})
	}
	var circuitAlerts int
	for _, a := range drain(ch) {
		if strings.Contains(a.Message, "circuit opened") {
			circuitAlerts++
			assert.Equal(t, models.SeverityCritical, a.Severity)
		}
	}
	assert.Equal(t, 1, circuitAlerts)
}

func TestLatencySpikeRaisesWarning(t *testing.T) {
	h := newHarness(t, Config{WindowSize: 20}, group("crm"))
	ch, cancel := h.hub.Subscribe(32)
	defer cancel()

	ctx := context.Background()
	for _, l := range []time.Duration{100, 110, 95, 105, 100} {
		h.conn.set(true, l*time.Millisecond)
		h.clock.Advance(time.Second)
		require.NoError(t, h.monitor.Probe(ctx, "crm"))
	}
	require.Empty(t, drain(ch))

	h.conn.set(true, 2*time.Second)
	h.clock.Advance(time.Second)
	require.NoError(t, h.monitor.Probe(ctx, "crm"))

	got := drain(ch)
	require.Len(t, got, 1)
	assert.Equal(t, models.SeverityWarning, got[0].Severity)
	assert.Contains(t, got[0].Message, "latency spike")

	r, _ := h.monitor.Report("crm")
	assert.True(t, r.LatencySpike)
}

func TestIntervalTightensWithRisk(t *testing.T) {
	analyzer := predict.NewAnalyzer(predict.Config{MinPoints: 3})
	clock := &fakeClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	breakers := circuit.NewManager(circuit.WithClock(clock.Now))
	g := group("crm")
	g.HealthCheckInterval = 2 * time.Minute
	breakers.Sync([]models.IntegrationGroup{g})

	m := NewMonitor(Config{MinInterval: 20 * time.Second}, fakeSource{}, breakers,
		WithClock(clock.Now), WithAnalyzer(analyzer))
	m.Reconcile([]models.IntegrationGroup{g})
	assert.Equal(t, 2*time.Minute, m.Interval("crm"))

	at := clock.Now()
	for _, v := range []float64{0.99, 0.97, 0.95, 0.93} {
		analyzer.Append("crm", at, v)
		at = at.Add(time.Hour)
	}
	_, err := analyzer.Analyze("crm", 0.5, at)
	require.NoError(t, err)
	require.Equal(t, models.RiskMedium, analyzer.Risk("crm"))
	assert.Equal(t, time.Minute, m.Interval("crm"))

	for _, v := range []float64{0.80, 0.70, 0.60} {
		analyzer.Append("crm", at, v)
		at = at.Add(time.Hour)
	}
	_, err = analyzer.Analyze("crm", 0.5, at)
	require.NoError(t, err)
	require.Equal(t, models.RiskHigh, analyzer.Risk("crm"))
	assert.Equal(t, 30*time.Second, m.Interval("crm"))

	g.HealthCheckInterval = 40 * time.Second
	m.Reconcile([]models.IntegrationGroup{g})
	assert.Equal(t, 20*time.Second, m.Interval("crm"), "never below the minimum interval")
}

func TestReconcileStartsAndStopsLoops(t *testing.T) {
	crm, chat := &fakeConnector{healthy: true}, &fakeConnector{healthy: true}
	breakers := circuit.NewManager()
	groups := []models.IntegrationGroup{group("chat"), group("crm")}
	breakers.Sync(groups)

	m := NewMonitor(Config{}, fakeSource{"crm": crm, "chat": chat}, breakers)
	m.Reconcile(groups[1:])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool { return crm.probes.Load() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), chat.probes.Load())

	m.Reconcile(groups)
	require.Eventually(t, func() bool { return chat.probes.Load() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, m.Reports(), 2)

	m.Reconcile(groups[:1])
	_, ok := m.Report("crm")
	assert.False(t, ok)
	assert.Equal(t, "chat", m.Reports()[0].GroupID)
}

func TestProbeUnknownGroup(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.monitor.Probe(context.Background(), "nope")
	assert.True(t, errors.Is(err, circuit.ErrUnknownGroup))
}

func TestMissingConnectorCountsAsFailedCheck(t *testing.T) {
	breakers := circuit.NewManager()
	g := group("crm")
	breakers.Sync([]models.IntegrationGroup{g})
	m := NewMonitor(Config{WindowSize: 20}, fakeSource{}, breakers)
	m.Reconcile([]models.IntegrationGroup{g})

	for i := 0; i < 5; i++ {
		err := m.Probe(context.Background(), "crm")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no connector")
	}

	r, ok := m.Report("crm")
	require.True(t, ok)
	assert.Equal(t, 5, r.Samples)
	assert.Equal(t, 0.0, r.HealthPercentage)
	assert.Equal(t, models.CircuitOpen, r.CircuitState)
}
