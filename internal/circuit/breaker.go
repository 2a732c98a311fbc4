// Package circuit isolates failing integration groups.
//
// Each registered group owns exactly one breaker with three states:
//
//   - CLOSED: traffic flows, consecutive failures are counted
//   - OPEN: traffic is refused until the cooldown elapses
//   - HALF_OPEN: a limited number of trial dispatches decide recovery
//
// The OPEN to HALF_OPEN edge is evaluated lazily whenever the breaker is observed,
// so there is no timer per group.
package circuit

import (
	"sync"
	"time"

	"github.com/miradorstack/mirador-federator/internal/models"
)

// Clock returns the current time. Tests inject a controllable one.
type Clock func() time.Time

// Transition describes one state change of a group breaker.
type Transition struct {
	GroupID  string
	From     models.CircuitState
	To       models.CircuitState
	At       time.Time
	Failures int
}

// Listener observes transitions. It is invoked after the breaker lock is released.
type Listener func(Transition)

// Breaker is the state machine for a single group. All methods are safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	groupID  string
	cfg      models.CircuitConfig
	now      Clock
	listener Listener

	state          models.CircuitState
	failures       int
	openedAt       time.Time
	lastTransition time.Time
	trials         int
}

// NewBreaker returns a CLOSED breaker for the group.
func NewBreaker(groupID string, cfg models.CircuitConfig, now Clock, listener Listener) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		groupID:        groupID,
		cfg:            cfg.WithDefaults(),
		now:            now,
		listener:       listener,
		state:          models.CircuitClosed,
		lastTransition: now(),
	}
}

// Allow reserves permission to dispatch one request. It refuses with a *models.DispatchError
// while OPEN and once the HALF_OPEN trial budget is spent.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	trs := b.advance(b.now(), nil)

	var err error
	switch b.state {
	case models.CircuitOpen:
		err = &models.DispatchError{
			GroupID:    b.groupID,
			State:      models.CircuitOpen,
			RetryAfter: b.openedAt.Add(b.cfg.Cooldown),
		}
	case models.CircuitHalfOpen:
		if b.trials >= b.cfg.HalfOpenMaxRequests {
			err = &models.DispatchError{GroupID: b.groupID, State: models.CircuitHalfOpen}
		} else {
			b.trials++
		}
	}
	b.mu.Unlock()

	b.emit(trs)
	return err
}

// Record applies one probe or dispatch outcome.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	now := b.now()
	trs := b.advance(now, nil)

	switch b.state {
	case models.CircuitClosed:
		if success {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			trs = append(trs, b.moveTo(models.CircuitOpen, now))
		}
	case models.CircuitHalfOpen:
		if success {
			b.failures = 0
			trs = append(trs, b.moveTo(models.CircuitClosed, now))
			break
		}
		b.failures++
		trs = append(trs, b.moveTo(models.CircuitOpen, now))
	case models.CircuitOpen:
		// Outcomes while OPEN neither close the circuit nor restart the cooldown.
		if !success {
			b.failures++
		}
	}
	b.mu.Unlock()

	b.emit(trs)
}

// State returns the current state after applying any elapsed cooldown.
func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	trs := b.advance(b.now(), nil)
	state := b.state
	b.mu.Unlock()

	b.emit(trs)
	return state
}

// Snapshot returns a copy of the breaker's counters after applying any elapsed cooldown.
func (b *Breaker) Snapshot() models.CircuitSnapshot {
	b.mu.Lock()
	trs := b.advance(b.now(), nil)
	snap := models.CircuitSnapshot{
		GroupID:             b.groupID,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastTransition:      b.lastTransition,
		OpenedAt:            b.openedAt,
	}
	b.mu.Unlock()

	b.emit(trs)
	return snap
}

// Config returns the breaker parameters.
func (b *Breaker) Config() models.CircuitConfig {
	return b.cfg
}

func (b *Breaker) advance(now time.Time, trs []Transition) []Transition {
	if b.state != models.CircuitOpen || now.Sub(b.openedAt) < b.cfg.Cooldown {
		return trs
	}
	return append(trs, b.moveTo(models.CircuitHalfOpen, now))
}

func (b *Breaker) moveTo(next models.CircuitState, now time.Time) Transition {
	tr := Transition{
		GroupID:  b.groupID,
		From:     b.state,
		To:       next,
		At:       now,
		Failures: b.failures,
	}
	b.state = next
	b.lastTransition = now
	b.trials = 0
	if next == models.CircuitOpen {
		b.openedAt = now
	}
	return tr
}

func (b *Breaker) emit(trs []Transition) {
	if b.listener == nil {
		return
	}
	for _, tr := range trs {
		b.listener(tr)
	}
}
