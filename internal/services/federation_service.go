package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-federator/internal/api"
	"github.com/miradorstack/mirador-federator/internal/circuit"
	"github.com/miradorstack/mirador-federator/internal/engine"
	federationv1 "github.com/miradorstack/mirador-federator/internal/grpc/federationv1"
	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/planner"
	"github.com/miradorstack/mirador-federator/internal/registry"
	"github.com/miradorstack/mirador-federator/internal/utils"
)

const alertStreamBuffer = 64

// QueryRunner runs and explains federated queries.
type QueryRunner interface {
	Query(ctx context.Context, req models.QueryRequest) (models.QueryResponse, error)
	Explain(ctx context.Context, req models.QueryRequest) (*planner.Explanation, error)
}

// HealthView exposes per-group health reports.
type HealthView interface {
	Report(groupID string) (models.HealthReport, bool)
	Reports() []models.HealthReport
}

// RegistryReloader reloads the integration registry.
type RegistryReloader interface {
	Reload(ctx context.Context) (*registry.Snapshot, error)
	Snapshot() *registry.Snapshot
}

// AlertSource fans out health alerts.
type AlertSource interface {
	Subscribe(buffer int) (<-chan models.Alert, func())
}

// FederationService implements the Federator gRPC service and the HTTP backend.
type FederationService struct {
	federationv1.UnimplementedFederatorServer

	logger   *slog.Logger
	queries  QueryRunner
	health   HealthView
	registry RegistryReloader
	alerts   AlertSource
}

// NewFederationService constructs the service facade.
func NewFederationService(logger *slog.Logger, queries QueryRunner, health HealthView, reg RegistryReloader, alerts AlertSource) *FederationService {
	return &FederationService{
		logger:   utils.Component(logger, "service"),
		queries:  queries,
		health:   health,
		registry: reg,
		alerts:   alerts,
	}
}

// NewFromRuntime wires the service to a started engine runtime.
func NewFromRuntime(rt *engine.Runtime) *FederationService {
	return NewFederationService(rt.Logger, rt.Pipeline, rt.Monitor, rt.Registry, rt.Alerts)
}

// RunQuery executes a federated query.
func (s *FederationService) RunQuery(ctx context.Context, req models.QueryRequest) (models.QueryResponse, error) {
	if s.queries == nil {
		return models.QueryResponse{}, errors.New("query pipeline not configured")
	}
	return s.queries.Query(ctx, req)
}

// ExplainQuery returns the plan a query would run.
func (s *FederationService) ExplainQuery(ctx context.Context, req models.QueryRequest) (*planner.Explanation, error) {
	if s.queries == nil {
		return nil, errors.New("query pipeline not configured")
	}
	return s.queries.Explain(ctx, req)
}

// HealthReports returns every group's report, or only groupID's when it is set.
func (s *FederationService) HealthReports(groupID string) ([]models.HealthReport, error) {
	if s.health == nil {
		return nil, errors.New("health monitor not configured")
	}
	if groupID == "" {
		return s.health.Reports(), nil
	}
	r, ok := s.health.Report(groupID)
	if !ok {
		return nil, fmt.Errorf("health %s: %w", groupID, circuit.ErrUnknownGroup)
	}
	return []models.HealthReport{r}, nil
}

// ReloadRegistry re-reads the registry file. A failed load leaves the previous snapshot in
// place and is reported as an error; listener errors are returned with the new snapshot.
func (s *FederationService) ReloadRegistry(ctx context.Context) (*registry.Snapshot, error) {
	if s.registry == nil {
		return nil, errors.New("registry not configured")
	}
	before := s.registry.Snapshot().Version
	snap, err := s.registry.Reload(ctx)
	if err != nil && (snap == nil || snap.Version == before) {
		return nil, utils.NewAppError("registry.reload", "registry file rejected", err)
	}
	s.logger.Info("registry reloaded", slog.Uint64("version", snap.Version), slog.Int("groups", len(snap.Groups)))
	return snap, err
}

// SubscribeAlerts registers an alert subscriber.
func (s *FederationService) SubscribeAlerts(buffer int) (<-chan models.Alert, func()) {
	if buffer <= 0 {
		buffer = alertStreamBuffer
	}
	if s.alerts == nil {
		ch := make(chan models.Alert)
		close(ch)
		return ch, func() {}
	}
	return s.alerts.Subscribe(buffer)
}

// Ready reports whether a registry snapshot has been published.
func (s *FederationService) Ready() bool {
	return s.registry != nil && s.registry.Snapshot().Version > 0
}

// Query implements the Federator Query RPC.
func (s *FederationService) Query(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := api.FromProtoQueryRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	start := time.Now()
	resp, err := s.RunQuery(ctx, req)
	if err != nil {
		s.logger.Warn("query failed", slog.Duration("duration", time.Since(start)), slog.Any("error", err))
		return nil, api.GRPCError(err)
	}
	return api.ToProto(api.QueryResponseDocument(resp))
}

// Explain implements the Federator Explain RPC.
func (s *FederationService) Explain(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := api.FromProtoQueryRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	exp, err := s.ExplainQuery(ctx, req)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return api.ToProto(api.ExplanationDocument(exp))
}

// Health implements the Federator Health RPC. An optional "group" field narrows the result.
func (s *FederationService) Health(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	group := ""
	if in != nil {
		group = in.GetFields()["group"].GetStringValue()
	}
	reports, err := s.HealthReports(group)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return api.ToProto(api.HealthDocument(reports))
}

// Reload implements the Federator Reload RPC.
func (s *FederationService) Reload(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap, err := s.ReloadRegistry(ctx)
	if snap == nil {
		return nil, api.GRPCError(err)
	}
	doc := api.SnapshotDocument(snap)
	if err != nil {
		doc["error"] = err.Error()
	}
	return api.ToProto(doc)
}

// StreamAlerts implements the Federator StreamAlerts RPC. An optional "min_severity" field
// filters out lower severities.
func (s *FederationService) StreamAlerts(in *structpb.Struct, stream federationv1.Federator_StreamAlertsServer) error {
	minRank := 0
	if in != nil {
		minRank = severityRank(models.Severity(in.GetFields()["min_severity"].GetStringValue()))
	}
	ch, cancel := s.SubscribeAlerts(0)
	defer cancel()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case alert, ok := <-ch:
			if !ok {
				return nil
			}
			if severityRank(alert.Severity) < minRank {
				continue
			}
			msg, err := api.ToProto(api.AlertDocument(alert))
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 2
	case models.SeverityWarning:
		return 1
	default:
		return 0
	}
}

var (
	_ federationv1.FederatorServer = (*FederationService)(nil)
	_ api.Backend                  = (*FederationService)(nil)
)
