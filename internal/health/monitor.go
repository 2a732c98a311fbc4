// Package health runs background probes per integration group and derives the health, impact
// and risk views consumed by the planner and the health endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-federator/internal/alerts"
	"github.com/miradorstack/mirador-federator/internal/cache"
	"github.com/miradorstack/mirador-federator/internal/circuit"
	"github.com/miradorstack/mirador-federator/internal/connectors"
	"github.com/miradorstack/mirador-federator/internal/extractors"
	"github.com/miradorstack/mirador-federator/internal/metrics"
	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/predict"
	"github.com/miradorstack/mirador-federator/internal/utils"
)

// ConnectorSource resolves the connector for a group.
type ConnectorSource interface {
	Get(groupID string) (connectors.Connector, bool)
}

// Config holds monitor tuning knobs.
type Config struct {
	ProbeTimeout      time.Duration
	WindowSize        int
	WindowMaxAge      time.Duration
	MinInterval       time.Duration
	AlertSuppression  time.Duration
	LatencySpikeScore float64
}

func (c Config) withDefaults() Config {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 50
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 10 * time.Second
	}
	if c.AlertSuppression <= 0 {
		c.AlertSuppression = 5 * time.Minute
	}
	return c
}

type alertLevel int

const (
	levelOK alertLevel = iota
	levelWarning
	levelCritical
)

type groupState struct {
	group  models.IntegrationGroup
	window *Window

	mu        sync.Mutex
	level     alertLevel
	spike     bool
	lastProbe time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Monitor owns the sample windows and probe loops of every registered group.
type Monitor struct {
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	conns    ConnectorSource
	breakers *circuit.Manager
	analyzer *predict.Analyzer
	spikes   *extractors.LatencyExtractor
	hub      *alerts.Hub
	cache    cache.Provider

	mu      sync.RWMutex
	groups  map[string]*groupState
	runCtx  context.Context
	running bool
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = utils.Component(logger, "health") }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAnalyzer attaches the predictive analyzer run after every probe.
func WithAnalyzer(a *predict.Analyzer) Option {
	return func(m *Monitor) { m.analyzer = a }
}

// WithAlerts attaches the hub alerts are published to.
func WithAlerts(hub *alerts.Hub) Option {
	return func(m *Monitor) { m.hub = hub }
}

// WithCache sets the provider used for alert suppression.
func WithCache(p cache.Provider) Option {
	return func(m *Monitor) {
		if p != nil {
			m.cache = p
		}
	}
}

// NewMonitor wires a monitor to its connectors and breakers and subscribes to breaker
// transitions.
func NewMonitor(cfg Config, conns ConnectorSource, breakers *circuit.Manager, opts ...Option) *Monitor {
	cfg = cfg.withDefaults()
	m := &Monitor{
		cfg:      cfg,
		logger:   utils.Component(nil, "health"),
		now:      time.Now,
		conns:    conns,
		breakers: breakers,
		analyzer: predict.NewAnalyzer(predict.Config{}),
		spikes:   extractors.NewLatencyExtractor(cfg.LatencySpikeScore),
		cache:    cache.NewMemoryProvider(),
		groups:   make(map[string]*groupState),
	}
	for _, opt := range opts {
		opt(m)
	}
	breakers.OnTransition(m.onTransition)
	return m
}

// Start launches a probe loop per known group. Loops stop when ctx is cancelled or Stop is
// called; groups added later by Reconcile are started under the same context.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.runCtx = ctx
	m.running = true
	for _, st := range m.groups {
		m.startLoop(st)
	}
	m.logger.Info("health monitor started", "groups", len(m.groups))
}

// Stop halts every probe loop and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	states := make([]*groupState, 0, len(m.groups))
	for _, st := range m.groups {
		states = append(states, st)
	}
	m.running = false
	m.mu.Unlock()

	for _, st := range states {
		stopLoop(st)
	}
}

// Reconcile aligns the monitored set with the registered groups: new groups are started,
// removed groups stopped, and changed groups restarted with their window retained.
func (m *Monitor) Reconcile(groups []models.IntegrationGroup) {
	m.mu.Lock()
	next := make(map[string]*groupState, len(groups))
	var stale []*groupState
	var removed []string
	var started, restarted int

	for _, g := range groups {
		existing, ok := m.groups[g.ID]
		switch {
		case ok && reflect.DeepEqual(existing.group, g):
			next[g.ID] = existing
		case ok:
			stale = append(stale, existing)
			existing.mu.Lock()
			level := existing.level
			existing.mu.Unlock()
			next[g.ID] = &groupState{group: g, window: existing.window, level: level}
			restarted++
		default:
			next[g.ID] = &groupState{group: g, window: NewWindow(m.cfg.WindowSize, m.cfg.WindowMaxAge)}
			started++
		}
	}
	for id, st := range m.groups {
		if _, ok := next[id]; !ok {
			stale = append(stale, st)
			removed = append(removed, id)
		}
	}
	m.groups = next
	if m.running {
		for _, st := range next {
			if st.done == nil {
				m.startLoop(st)
			}
		}
	}
	m.mu.Unlock()

	for _, st := range stale {
		stopLoop(st)
	}
	for _, id := range removed {
		metrics.ForgetGroup(id)
	}
	if m.analyzer != nil {
		ids := make([]string, 0, len(groups))
		for _, g := range groups {
			ids = append(ids, g.ID)
		}
		m.analyzer.Retain(ids)
	}
	m.logger.Info("health monitor reconciled",
		"groups", len(next), "started", started, "restarted", restarted, "removed", len(removed))
}

// startLoop must be called with m.mu held.
func (m *Monitor) startLoop(st *groupState) {
	ctx, cancel := context.WithCancel(m.runCtx)
	st.cancel = cancel
	st.done = make(chan struct{})
	go m.loop(ctx, st)
}

func stopLoop(st *groupState) {
	if st.cancel == nil {
		return
	}
	st.cancel()
	<-st.done
}

func (m *Monitor) loop(ctx context.Context, st *groupState) {
	defer close(st.done)
	groupID := st.group.ID

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := m.probe(ctx, st); err != nil && ctx.Err() == nil {
			m.logger.Debug("probe failed", "group", groupID, "error", err)
		}
		timer.Reset(m.Interval(groupID))
	}
}

// Interval returns the effective probe interval for a group: the configured interval halved
// for medium risk and quartered for high risk, never below the minimum interval.
func (m *Monitor) Interval(groupID string) time.Duration {
	st, ok := m.state(groupID)
	if !ok {
		return m.cfg.MinInterval
	}
	interval := st.group.HealthCheckInterval
	if interval <= 0 {
		interval = st.group.Tier.DefaultInterval()
	}
	if m.analyzer != nil {
		switch m.analyzer.Risk(groupID) {
		case models.RiskMedium:
			interval /= 2
		case models.RiskHigh:
			interval /= 4
		}
	}
	if interval < m.cfg.MinInterval {
		interval = m.cfg.MinInterval
	}
	return interval
}

// Probe runs one health check for the group immediately.
func (m *Monitor) Probe(ctx context.Context, groupID string) error {
	st, ok := m.state(groupID)
	if !ok {
		return fmt.Errorf("probe %s: %w", groupID, circuit.ErrUnknownGroup)
	}
	return m.probe(ctx, st)
}

// ProbeAll probes every group once, sequentially in group ID order.
func (m *Monitor) ProbeAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.groupIDs() {
		if err := m.Probe(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) probe(ctx context.Context, st *groupState) error {
	groupID := st.group.ID
	conn, ok := m.conns.Get(groupID)
	if !ok {
		// An unbuildable group counts as failing, so its circuit can open.
		sample := models.HealthSample{
			GroupID:   groupID,
			Timestamp: m.now(),
			Success:   false,
			Source:    models.SourceProbe,
			Error:     "no connector",
		}
		metrics.ObserveProbe(groupID, false)
		st.mu.Lock()
		st.lastProbe = sample.Timestamp
		st.mu.Unlock()
		stats := m.record(st, sample)
		m.predict(st, stats.Health, sample.Timestamp)
		return fmt.Errorf("probe %s: no connector", groupID)
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	start := m.now()
	res, err := conn.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	latency := res.Latency
	if latency <= 0 {
		latency = m.now().Sub(start)
	}
	success := err == nil && res.Healthy
	sample := models.HealthSample{
		GroupID:   groupID,
		Timestamp: m.now(),
		Latency:   latency,
		Success:   success,
		Source:    models.SourceProbe,
	}
	if err != nil {
		sample.Error = err.Error()
	} else if !res.Healthy {
		sample.Error = res.Detail
	}

	metrics.ObserveProbe(groupID, success)
	st.mu.Lock()
	st.lastProbe = sample.Timestamp
	st.mu.Unlock()

	stats := m.record(st, sample)
	m.predict(st, stats.Health, sample.Timestamp)
	m.checkLatency(st, sample.Timestamp)

	if !success {
		if err == nil {
			err = fmt.Errorf("group %s unhealthy: %s", groupID, res.Detail)
		}
		return err
	}
	return nil
}

// Observe records a live dispatch outcome in the group's window and breaker.
func (m *Monitor) Observe(sample models.HealthSample) {
	st, ok := m.state(sample.GroupID)
	if !ok {
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.now()
	}
	if sample.Source == "" {
		sample.Source = models.SourceDispatch
	}
	m.record(st, sample)
}

func (m *Monitor) record(st *groupState, sample models.HealthSample) Stats {
	st.window.Add(sample)
	m.breakers.Record(st.group.ID, sample.Success)

	stats := st.window.Stats(sample.Timestamp)
	impact := (1 - stats.Health) * st.group.CriticalityWeight
	metrics.SetGroupHealth(st.group.ID, stats.Health, impact)
	m.evaluate(st, stats.Health, impact, sample.Timestamp)
	return stats
}

func (m *Monitor) predict(st *groupState, health float64, at time.Time) {
	if m.analyzer == nil {
		return
	}
	groupID := st.group.ID
	m.analyzer.Append(groupID, at, health)
	rec, err := m.analyzer.Analyze(groupID, st.group.Thresholds.WithDefaults().Critical, at)
	if err != nil {
		var predErr *models.PredictionError
		if !errors.As(err, &predErr) {
			m.logger.Warn("prediction failed", "group", groupID, "error", err)
		}
		return
	}
	metrics.SetRisk(groupID, rec.RiskLevel)
	if rec.RiskLevel == models.RiskHigh {
		m.logger.Warn("group projected to fail",
			"group", groupID, "slope_per_hour", rec.Slope, "window", rec.ProjectedFailureWindow)
	}
}

func (m *Monitor) checkLatency(st *groupState, at time.Time) {
	spike, found := m.spikes.Latest(st.window.Samples(at))

	st.mu.Lock()
	wasSpiking := st.spike
	st.spike = found
	st.mu.Unlock()

	if !found || wasSpiking {
		return
	}
	stats := st.window.Stats(at)
	m.publish(st, models.SeverityWarning,
		fmt.Sprintf("latency spike on %s: %s against mean %s (z=%.1f)",
			st.group.ID, spike.Latency.Round(time.Millisecond), spike.Mean.Round(time.Millisecond), spike.Score),
		stats.Health, (1-stats.Health)*st.group.CriticalityWeight, at, "latency")
}

// evaluate compares health with the group's thresholds and emits an alert on level changes.
func (m *Monitor) evaluate(st *groupState, health, impact float64, at time.Time) {
	thresholds := st.group.Thresholds.WithDefaults()
	level := levelOK
	switch {
	case health < thresholds.Critical:
		level = levelCritical
	case health < thresholds.Warning:
		level = levelWarning
	}

	st.mu.Lock()
	prev := st.level
	st.level = level
	st.mu.Unlock()
	if level == prev {
		return
	}

	pct := health * 100
	switch level {
	case levelCritical:
		m.publish(st, models.SeverityCritical,
			fmt.Sprintf("%s health %.0f%% below critical threshold %.0f%%", st.group.ID, pct, thresholds.Critical*100),
			health, impact, at, "health")
	case levelWarning:
		m.publish(st, models.SeverityWarning,
			fmt.Sprintf("%s health %.0f%% below warning threshold %.0f%%", st.group.ID, pct, thresholds.Warning*100),
			health, impact, at, "health")
	default:
		m.publish(st, models.SeverityInfo,
			fmt.Sprintf("%s recovered: health %.0f%%", st.group.ID, pct),
			health, impact, at, "health")
	}
}

func (m *Monitor) onTransition(tr circuit.Transition) {
	metrics.ObserveTransition(tr.GroupID, tr.From, tr.To)
	if tr.To != models.CircuitOpen {
		return
	}
	st, ok := m.state(tr.GroupID)
	if !ok {
		return
	}
	stats := st.window.Stats(tr.At)
	m.publish(st, models.SeverityCritical,
		fmt.Sprintf("circuit opened for %s after %d consecutive failures", tr.GroupID, tr.Failures),
		stats.Health, (1-stats.Health)*st.group.CriticalityWeight, tr.At, "circuit")
}

// publish emits an alert unless an identical one was emitted within the suppression period.
func (m *Monitor) publish(st *groupState, severity models.Severity, msg string, health, impact float64, at time.Time, kind string) {
	if m.hub == nil {
		return
	}
	key := cache.AlertKey(st.group.ID, kind, string(severity))
	ok, err := m.cache.SetNX(context.Background(), key, []byte(msg), m.cfg.AlertSuppression)
	if err != nil {
		m.logger.Warn("alert suppression unavailable", "group", st.group.ID, "error", err)
	} else if !ok {
		m.logger.Debug("alert suppressed", "group", st.group.ID, "severity", severity, "kind", kind)
		return
	}

	alert := models.Alert{
		ID:                  uuid.NewString(),
		GroupID:             st.group.ID,
		Severity:            severity,
		Message:             msg,
		HealthPercentage:    health,
		BusinessImpactScore: impact,
		Timestamp:           at,
	}
	metrics.ObserveAlert(severity)
	m.hub.Publish(alert)
	m.logger.Info("alert emitted", "group", st.group.ID, "severity", severity, "message", msg)
}

// Report returns the current health view of one group.
func (m *Monitor) Report(groupID string) (models.HealthReport, bool) {
	st, ok := m.state(groupID)
	if !ok {
		return models.HealthReport{}, false
	}
	return m.report(st), true
}

// Reports returns every group's health view ordered by group ID.
func (m *Monitor) Reports() []models.HealthReport {
	ids := m.groupIDs()
	out := make([]models.HealthReport, 0, len(ids))
	for _, id := range ids {
		if r, ok := m.Report(id); ok {
			out = append(out, r)
		}
	}
	return out
}

// Samples returns a copy of the group's window.
func (m *Monitor) Samples(groupID string) []models.HealthSample {
	st, ok := m.state(groupID)
	if !ok {
		return nil
	}
	return st.window.Samples(m.now())
}

func (m *Monitor) report(st *groupState) models.HealthReport {
	now := m.now()
	stats := st.window.Stats(now)
	r := models.HealthReport{
		GroupID:             st.group.ID,
		Name:                st.group.Name,
		HealthPercentage:    stats.Health,
		LatencyAvg:          stats.LatencyAvg,
		BusinessImpactScore: (1 - stats.Health) * st.group.CriticalityWeight,
		CircuitState:        models.CircuitOpen,
		RiskLevel:           models.RiskUnknown,
		Samples:             stats.Total,
	}
	if snap, ok := m.breakers.Snapshot(st.group.ID); ok {
		r.CircuitState = snap.State
		r.ConsecutiveFailures = snap.ConsecutiveFailures
	}
	metrics.SetCircuitState(st.group.ID, r.CircuitState)
	if m.analyzer != nil {
		if rec, ok := m.analyzer.Latest(st.group.ID); ok {
			r.RiskLevel = rec.RiskLevel
			r.ProjectedFailureWindow = rec.ProjectedFailureWindow
		}
	}
	st.mu.Lock()
	r.LatencySpike = st.spike
	r.LastProbe = st.lastProbe
	st.mu.Unlock()
	return r
}

func (m *Monitor) state(groupID string) (*groupState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.groups[groupID]
	return st, ok
}

func (m *Monitor) groupIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
