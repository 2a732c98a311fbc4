package circuit

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-federator/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
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

func testConfig() models.CircuitConfig {
	return models.CircuitConfig{FailureThreshold: 5, Cooldown: 60 * time.Second, HalfOpenMaxRequests: 1}
}

func TestBreakerOpensAtThresholdAndRecovers(t *testing.T) {
	clock := newFakeClock()
	var transitions []Transition
	b := NewBreaker("crm", testConfig(), clock.Now, func(tr Transition) { transitions = append(transitions, tr) })

	for i := 0; i < 4; i++ {
		b.Record(false)
	}
	require.Equal(t, models.CircuitClosed, b.State())
	b.Record(false)
	require.Equal(t, models.CircuitOpen, b.State())

	err := b.Allow()
	var dispatchErr *models.DispatchError
	require.True(t, errors.As(err, &dispatchErr))
	assert.Equal(t, models.CircuitOpen, dispatchErr.State)
	assert.Equal(t, clock.Now().Add(60*time.Second), dispatchErr.RetryAfter)

	clock.Advance(59 * time.Second)
	require.Equal(t, models.CircuitOpen, b.State())

	clock.Advance(time.Second)
	b.Record(true)
	snap := b.Snapshot()
	assert.Equal(t, models.CircuitClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)

	require.Len(t, transitions, 3)
	assert.Equal(t, models.CircuitOpen, transitions[0].To)
	assert.Equal(t, models.CircuitHalfOpen, transitions[1].To)
	assert.Equal(t, models.CircuitClosed, transitions[2].To)
}

func TestBreakerSuccessWhileOpenIsIgnored(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("crm", testConfig(), clock.Now, nil)
	for i := 0; i < 5; i++ {
		b.Record(false)
	}
	b.Record(true)
	assert.Equal(t, models.CircuitOpen, b.State())
}

func TestBreakerFailureWhileOpenKeepsCooldown(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("crm", testConfig(), clock.Now, nil)
	for i := 0; i < 5; i++ {
		b.Record(false)
	}
	openedAt := b.Snapshot().OpenedAt

	clock.Advance(30 * time.Second)
	b.Record(false)
	assert.Equal(t, openedAt, b.Snapshot().OpenedAt)

	clock.Advance(30 * time.Second)
	assert.Equal(t, models.CircuitHalfOpen, b.State())
}

func TestBreakerHalfOpenFailureRestartsCooldown(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("crm", testConfig(), clock.Now, nil)
	for i := 0; i < 5; i++ {
		b.Record(false)
	}
	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())
	require.Equal(t, models.CircuitHalfOpen, b.State())

	b.Record(false)
	snap := b.Snapshot()
	require.Equal(t, models.CircuitOpen, snap.State)
	assert.Equal(t, clock.Now(), snap.OpenedAt)

	clock.Advance(59 * time.Second)
	assert.Equal(t, models.CircuitOpen, b.State())
}

func TestBreakerHalfOpenTrialBudget(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.HalfOpenMaxRequests = 2
	b := NewBreaker("docs", cfg, clock.Now, nil)
	for i := 0; i < 5; i++ {
		b.Record(false)
	}
	clock.Advance(time.Minute)

	require.NoError(t, b.Allow())
	require.NoError(t, b.Allow())
	err := b.Allow()
	var dispatchErr *models.DispatchError
	require.True(t, errors.As(err, &dispatchErr))
	assert.Equal(t, models.CircuitHalfOpen, dispatchErr.State)
}

func TestManagerSyncPreservesUnchangedBreakers(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithClock(clock.Now))
	groups := []models.IntegrationGroup{
		{ID: "crm", Circuit: testConfig()},
		{ID: "docs", Circuit: testConfig()},
	}
	m.Sync(groups)
	for i := 0; i < 5; i++ {
		m.Record("crm", false)
		m.Record("docs", false)
	}

	changed := testConfig()
	changed.FailureThreshold = 3
	m.Sync([]models.IntegrationGroup{
		{ID: "crm", Circuit: testConfig()},
		{ID: "docs", Circuit: changed},
		{ID: "chat", Circuit: testConfig()},
	})

	assert.Equal(t, models.CircuitOpen, m.State("crm"))
	assert.Equal(t, models.CircuitClosed, m.State("docs"))
	assert.Equal(t, models.CircuitClosed, m.State("chat"))
	assert.Len(t, m.Snapshots(), 3)

	err := m.Allow("gone")
	assert.ErrorIs(t, err, ErrUnknownGroup)
	assert.Equal(t, models.CircuitOpen, m.State("gone"))
}

func TestManagerListenersSeeTransitions(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithClock(clock.Now))
	var mu sync.Mutex
	var seen []Transition
	m.OnTransition(func(tr Transition) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	})
	m.Sync([]models.IntegrationGroup{{ID: "crm", Circuit: models.CircuitConfig{FailureThreshold: 2, Cooldown: time.Second}}})
	m.Record("crm", false)
	m.Record("crm", false)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "crm", seen[0].GroupID)
	assert.Equal(t, models.CircuitClosed, seen[0].From)
	assert.Equal(t, models.CircuitOpen, seen[0].To)
}

// referenceBreaker is a deliberately naive model of the transition table.
type referenceBreaker struct {
	state    models.CircuitState
	failures int
	openedAt time.Time
}

func (r *referenceBreaker) observe(now time.Time, cfg models.CircuitConfig) {
	if r.state == models.CircuitOpen && !now.Before(r.openedAt.Add(cfg.Cooldown)) {
		r.state = models.CircuitHalfOpen
	}
}

func (r *referenceBreaker) record(now time.Time, cfg models.CircuitConfig, success bool) {
	r.observe(now, cfg)
	switch r.state {
	case models.CircuitClosed:
		if success {
			r.failures = 0
		} else {
			r.failures++
			if r.failures >= cfg.FailureThreshold {
				r.state = models.CircuitOpen
				r.openedAt = now
			}
		}
	case models.CircuitHalfOpen:
		if success {
			r.state = models.CircuitClosed
			r.failures = 0
		} else {
			r.failures++
			r.state = models.CircuitOpen
			r.openedAt = now
		}
	case models.CircuitOpen:
		if !success {
			r.failures++
		}
	}
}

func TestBreakerMatchesReferenceModel(t *testing.T) {
	rng := rand.New(rand.NewSource(20240501))
	for run := 0; run < 200; run++ {
		cfg := models.CircuitConfig{
			FailureThreshold:    1 + rng.Intn(6),
			Cooldown:            time.Duration(1+rng.Intn(30)) * time.Second,
			HalfOpenMaxRequests: 1,
		}
		clock := newFakeClock()
		b := NewBreaker("g", cfg, clock.Now, nil)
		ref := &referenceBreaker{state: models.CircuitClosed}

		for step := 0; step < 300; step++ {
			clock.Advance(time.Duration(rng.Intn(5000)) * time.Millisecond)
			now := clock.Now()
			success := rng.Float64() < 0.5

			b.Record(success)
			ref.record(now, cfg, success)

			snap := b.Snapshot()
			ref.observe(now, cfg)
			if snap.State != ref.state || snap.ConsecutiveFailures != ref.failures {
				t.Fatalf("run %d step %d: breaker=%s/%d reference=%s/%d (cfg %+v)",
					run, step, snap.State, snap.ConsecutiveFailures, ref.state, ref.failures, cfg)
			}
		}
	}
}

func TestBreakerConcurrentAllowNeverExceedsTrialBudget(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("g", testConfig(), clock.Now, nil)
	for i := 0; i < 5; i++ {
		b.Record(false)
	}
	clock.Advance(time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, allowed)
}
