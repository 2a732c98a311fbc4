package connectors

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/utils"
)

// Pool holds one GroupConnector per registered group and rebuilds them on reconfiguration.
type Pool struct {
	logger    *slog.Logger
	timeout   time.Duration
	factories map[string]Factory

	mu      sync.RWMutex
	entries map[string]poolEntry
}

type poolEntry struct {
	endpoints []models.Endpoint
	conn      Connector
}

// NewPool constructs a pool. A nil factory set uses DefaultFactories.
func NewPool(logger *slog.Logger, timeout time.Duration, factories map[string]Factory) *Pool {
	if factories == nil {
		factories = DefaultFactories()
	}
	return &Pool{
		logger:    utils.Component(logger, "connectors"),
		timeout:   timeout,
		factories: factories,
		entries:   make(map[string]poolEntry),
	}
}

// Get returns the group's connector.
func (p *Pool) Get(groupID string) (Connector, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[groupID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Sync builds connectors for new or changed groups and closes those that were removed or
// replaced. Groups whose endpoints fail to build are left without a connector and reported
// in the returned error.
func (p *Pool) Sync(groups []models.IntegrationGroup) error {
	next := make(map[string]poolEntry, len(groups))
	var (
		stale []Connector
		errs  []error
	)

	p.mu.Lock()
	for _, g := range groups {
		if existing, ok := p.entries[g.ID]; ok && reflect.DeepEqual(existing.endpoints, g.Endpoints) {
			next[g.ID] = existing
			continue
		}
		conn, err := p.build(g)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		next[g.ID] = poolEntry{endpoints: append([]models.Endpoint(nil), g.Endpoints...), conn: conn}
	}
	for id, e := range p.entries {
		if kept, ok := next[id]; !ok || kept.conn != e.conn {
			stale = append(stale, e.conn)
		}
	}
	p.entries = next
	p.mu.Unlock()

	if err := closeAll(stale); err != nil {
		p.logger.Warn("closing replaced connectors", "error", err)
	}
	return errors.Join(errs...)
}

// Close closes every connector.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := make([]Connector, 0, len(p.entries))
	for _, e := range p.entries {
		conns = append(conns, e.conn)
	}
	p.entries = make(map[string]poolEntry)
	p.mu.Unlock()
	return closeAll(conns)
}

func (p *Pool) build(g models.IntegrationGroup) (Connector, error) {
	conns := make([]Connector, 0, len(g.Endpoints))
	for _, ep := range g.Endpoints {
		factory, ok := p.factories[ep.Kind]
		if !ok {
			_ = closeAll(conns)
			return nil, fmt.Errorf("group %s endpoint %s: unsupported kind %q (known: %v)", g.ID, ep.Name, ep.Kind, Kinds(p.factories))
		}
		conn, err := factory(ep, Options{Timeout: p.timeout, Logger: p.logger})
		if err != nil {
			_ = closeAll(conns)
			return nil, fmt.Errorf("group %s: %w", g.ID, err)
		}
		conns = append(conns, conn)
	}
	return NewGroupConnector(g.ID, g.Endpoints, conns), nil
}

func closeAll(conns []Connector) error {
	var eg errgroup.Group
	errs := make([]error, len(conns))
	for i, c := range conns {
		i, c := i, c
		eg.Go(func() error {
			errs[i] = c.Close()
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}
