package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/utils"
)

// ErrUnknownGroup is returned for operations on groups without a breaker.
var ErrUnknownGroup = errors.New("unknown integration group")

// Manager owns one breaker per registered group.
type Manager struct {
	logger *slog.Logger
	now    Clock

	mu        sync.RWMutex
	breakers  map[string]*Breaker
	listeners []Listener
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now Clock) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger used for transition logs.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = utils.Component(logger, "circuit")
	}
}

// NewManager constructs an empty manager. Call Sync to register groups.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:   utils.Component(nil, "circuit"),
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTransition registers a listener for every breaker, including ones created later.
func (m *Manager) OnTransition(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Sync reconciles breakers with the registered groups. Breakers of groups whose circuit
// configuration is unchanged keep their state; changed or new groups start CLOSED; removed
// groups are dropped.
func (m *Manager) Sync(groups []models.IntegrationGroup) {
	next := make(map[string]*Breaker, len(groups))

	m.mu.Lock()
	for _, g := range groups {
		cfg := g.Circuit.WithDefaults()
		if existing, ok := m.breakers[g.ID]; ok && existing.Config() == cfg {
			next[g.ID] = existing
			continue
		}
		next[g.ID] = NewBreaker(g.ID, cfg, m.now, m.dispatch)
	}
	removed := 0
	for id := range m.breakers {
		if _, ok := next[id]; !ok {
			removed++
		}
	}
	m.breakers = next
	m.mu.Unlock()

	m.logger.Debug("breakers synchronised", "groups", len(next), "removed", removed)
}

// Allow is the check-and-reserve performed before every dispatch.
func (m *Manager) Allow(groupID string) error {
	b, ok := m.get(groupID)
	if !ok {
		return fmt.Errorf("allow %s: %w", groupID, ErrUnknownGroup)
	}
	return b.Allow()
}

// Record reports a probe or dispatch outcome. Unknown groups are ignored.
func (m *Manager) Record(groupID string, success bool) {
	if b, ok := m.get(groupID); ok {
		b.Record(success)
	}
}

// State returns the group's current state. Unknown groups report OPEN so callers never route
// to them.
func (m *Manager) State(groupID string) models.CircuitState {
	b, ok := m.get(groupID)
	if !ok {
		return models.CircuitOpen
	}
	return b.State()
}

// Snapshot returns a copy of the group's breaker.
func (m *Manager) Snapshot(groupID string) (models.CircuitSnapshot, bool) {
	b, ok := m.get(groupID)
	if !ok {
		return models.CircuitSnapshot{}, false
	}
	return b.Snapshot(), true
}

// Snapshots returns every breaker ordered by group ID.
func (m *Manager) Snapshots() []models.CircuitSnapshot {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	out := make([]models.CircuitSnapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

func (m *Manager) get(groupID string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[groupID]
	return b, ok
}

func (m *Manager) dispatch(tr Transition) {
	level := slog.LevelInfo
	if tr.To == models.CircuitOpen {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "circuit transition",
		slog.String("group", tr.GroupID),
		slog.String("from", string(tr.From)),
		slog.String("to", string(tr.To)),
		slog.Int("consecutive_failures", tr.Failures),
	)

	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(tr)
	}
}
