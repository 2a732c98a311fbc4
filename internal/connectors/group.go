package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-federator/internal/models"
)

// member pairs an endpoint with its connector.
type member struct {
	endpoint models.Endpoint
	conn     Connector
}

// GroupConnector fans a group's contract out over its member endpoints. A probe succeeds
// when a strict majority of members are healthy; Execute tries members in order until one
// answers.
type GroupConnector struct {
	groupID string
	members []member
}

// NewGroupConnector wraps already-built member connectors. endpoints and conns are parallel.
func NewGroupConnector(groupID string, endpoints []models.Endpoint, conns []Connector) *GroupConnector {
	g := &GroupConnector{groupID: groupID}
	for i := range conns {
		g.members = append(g.members, member{endpoint: endpoints[i], conn: conns[i]})
	}
	return g
}

// Probe probes every member concurrently.
func (g *GroupConnector) Probe(ctx context.Context) (HealthResult, error) {
	if len(g.members) == 0 {
		return HealthResult{}, fmt.Errorf("group %s has no endpoints", g.groupID)
	}

	results := make([]MemberHealth, len(g.members))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, m := range g.members {
		i, m := i, m
		eg.Go(func() error {
			start := time.Now()
			res, err := m.conn.Probe(egCtx)
			latency := res.Latency
			if latency == 0 {
				latency = time.Since(start)
			}
			results[i] = MemberHealth{
				Endpoint: m.endpoint.Name,
				Healthy:  err == nil && res.Healthy,
				Latency:  latency,
				Err:      err,
			}
			return nil
		})
	}
	_ = eg.Wait()

	healthy := 0
	var total time.Duration
	var errs []error
	for _, r := range results {
		total += r.Latency
		if r.Healthy {
			healthy++
		} else if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}

	out := HealthResult{
		Healthy: healthy*2 > len(results),
		Latency: total / time.Duration(len(results)),
		Detail:  fmt.Sprintf("%d/%d endpoints healthy", healthy, len(results)),
		Members: results,
	}
	if !out.Healthy {
		cause := errors.Join(errs...)
		if cause == nil {
			cause = errors.New(out.Detail)
		}
		return out, fmt.Errorf("group %s unhealthy (%s): %w", g.groupID, out.Detail, cause)
	}
	return out, nil
}

// Execute fails over across members in declaration order.
func (g *GroupConnector) Execute(ctx context.Context, q models.SubQuery) (Result, error) {
	if len(g.members) == 0 {
		return Result{}, fmt.Errorf("group %s has no endpoints", g.groupID)
	}
	var errs []error
	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		res, err := m.conn.Execute(ctx, q)
		if err == nil {
			return res, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
	}
	return Result{}, fmt.Errorf("group %s: all endpoints failed: %w", g.groupID, errors.Join(errs...))
}

// Close closes every member concurrently.
func (g *GroupConnector) Close() error {
	var eg errgroup.Group
	errs := make([]error, len(g.members))
	for i, m := range g.members {
		i, m := i, m
		eg.Go(func() error {
			errs[i] = m.conn.Close()
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}
