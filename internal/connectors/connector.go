// Package connectors implements the generic capability contract used to reach integration
// group endpoints. Connectors carry no vendor business logic; they translate a SubQuery into a
// transport call and the reply into records.
package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-federator/internal/models"
)

// Connector is the capability contract every endpoint kind implements.
type Connector interface {
	Probe(ctx context.Context) (HealthResult, error)
	Execute(ctx context.Context, q models.SubQuery) (Result, error)
	Close() error
}

// HealthResult describes one probe.
type HealthResult struct {
	Healthy bool
	Latency time.Duration
	Detail  string
	Members []MemberHealth
}

// MemberHealth is the probe outcome of one endpoint inside a group.
type MemberHealth struct {
	Endpoint string
	Healthy  bool
	Latency  time.Duration
	Err      error
}

// Result is the output of one Execute call.
type Result struct {
	Records  []models.Record
	Endpoint string
}

// ConnectorError reports a failure talking to an endpoint.
type ConnectorError struct {
	Endpoint string
	Kind     string
	Op       string
	Err      error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Endpoint, e.Op, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

func newError(ep models.Endpoint, op string, err error) error {
	return &ConnectorError{Endpoint: ep.Name, Kind: ep.Kind, Op: op, Err: err}
}

// Endpoint kinds understood by the default factories.
const (
	KindHTTP     = "http"
	KindRedis    = "redis"
	KindPostgres = "postgres"
	KindMySQL    = "mysql"
	KindMongoDB  = "mongodb"
	KindWeaviate = "weaviate"
)

// Options are shared construction settings.
type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Factory builds a connector for one endpoint. Factories must not perform network I/O;
// connectivity is established lazily on first use.
type Factory func(ep models.Endpoint, opts Options) (Connector, error)

// DefaultFactories returns the built-in factory set keyed by endpoint kind.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		KindHTTP:     NewHTTP,
		KindRedis:    NewRedis,
		KindPostgres: NewSQL,
		KindMySQL:    NewSQL,
		KindMongoDB:  NewMongo,
		KindWeaviate: NewWeaviate,
	}
}

// Kinds lists the keys of a factory set in order.
func Kinds(factories map[string]Factory) []string {
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func option(ep models.Endpoint, key, fallback string) string {
	if v, ok := ep.Options[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func expand(template string, q models.SubQuery) string {
	return strings.NewReplacer("{capability}", q.Capability, "{tenant}", q.TenantID).Replace(template)
}
