package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-federator/internal/circuit"
	"github.com/miradorstack/mirador-federator/internal/engine"
	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/planner"
	"github.com/miradorstack/mirador-federator/internal/registry"
)

// Document is the transport-neutral shape shared by the gRPC Struct payloads and the JSON API.
type Document = map[string]any

// DecodeQueryRequest converts a decoded request document into the domain request.
func DecodeQueryRequest(doc Document) (models.QueryRequest, error) {
	if doc == nil {
		return models.QueryRequest{}, fmt.Errorf("%w: request cannot be empty", engine.ErrInvalidRequest)
	}
	var req models.QueryRequest
	var err error

	if req.Query, err = stringField(doc, "query"); err != nil {
		return req, err
	}
	if req.Capabilities, err = stringList(doc, "capabilities"); err != nil {
		return req, err
	}
	if req.Filters, err = stringMap(doc, "filters"); err != nil {
		return req, err
	}
	limit, err := numberField(doc, "limit")
	if err != nil {
		return req, err
	}
	req.Limit = int(limit)

	if raw, ok := doc["context"]; ok && raw != nil {
		cctx, ok := raw.(map[string]any)
		if !ok {
			return req, fmt.Errorf("%w: context must be an object", engine.ErrInvalidRequest)
		}
		if req.Context.TenantID, err = stringField(cctx, "tenant_id"); err != nil {
			return req, err
		}
		if req.Context.CallerID, err = stringField(cctx, "caller_id"); err != nil {
			return req, err
		}
		priority, err := stringField(cctx, "priority")
		if err != nil {
			return req, err
		}
		req.Context.Priority = models.ParsePriority(priority)
		timeoutMS, err := numberField(cctx, "timeout_ms")
		if err != nil {
			return req, err
		}
		req.Context.Timeout = time.Duration(timeoutMS * float64(time.Millisecond))
	} else {
		req.Context.Priority = models.PriorityMedium
	}
	return req, nil
}

// FromProtoQueryRequest decodes a gRPC query payload.
func FromProtoQueryRequest(in *structpb.Struct) (models.QueryRequest, error) {
	if in == nil {
		return models.QueryRequest{}, fmt.Errorf("%w: request cannot be nil", engine.ErrInvalidRequest)
	}
	return DecodeQueryRequest(in.AsMap())
}

// QueryResponseDocument renders a query response.
func QueryResponseDocument(resp models.QueryResponse) Document {
	results := make([]any, 0, len(resp.Results))
	for _, e := range resp.Results {
		sources := make([]any, 0, len(e.Sources))
		for _, s := range e.Sources {
			sources = append(sources, s)
		}
		results = append(results, map[string]any{
			"entity_id": e.EntityID,
			"fields":    normaliseMap(e.Fields),
			"sources":   sources,
			"score":     e.Score,
		})
	}

	citations := make([]any, 0, len(resp.Citations))
	for _, c := range resp.Citations {
		citations = append(citations, map[string]any{
			"entity_id": c.EntityID,
			"field":     c.Field,
			"group":     c.GroupID,
			"step_id":   c.StepID,
		})
	}

	degraded := make([]any, 0, len(resp.DegradedSources))
	for _, d := range resp.DegradedSources {
		degraded = append(degraded, map[string]any{
			"group":  d.GroupID,
			"reason": string(d.Reason),
		})
	}

	return Document{
		"request_id":       resp.RequestID,
		"plan_id":          resp.PlanID,
		"results":          results,
		"confidence":       resp.Confidence,
		"citations":        citations,
		"degraded_sources": degraded,
		"duration_ms":      millis(resp.Duration),
		"created_at":       timestamp(resp.CreatedAt),
	}
}

// ExplanationDocument renders a dry-run plan with its candidate ranking.
func ExplanationDocument(exp *planner.Explanation) Document {
	if exp == nil || exp.Plan == nil {
		return Document{}
	}
	steps := make([]any, 0, len(exp.Plan.Steps))
	for _, s := range exp.Plan.Steps {
		deps := make([]any, 0, len(s.DependsOn))
		for _, d := range s.DependsOn {
			deps = append(deps, d)
		}
		filters := make(map[string]any, len(s.SubQuery.Filters))
		for k, v := range s.SubQuery.Filters {
			filters[k] = v
		}
		steps = append(steps, map[string]any{
			"id":         s.ID,
			"group":      s.GroupID,
			"capability": s.Capability,
			"depends_on": deps,
			"required":   s.Required,
			"sub_query": map[string]any{
				"text":    s.SubQuery.Text,
				"filters": filters,
				"limit":   s.SubQuery.Limit,
			},
		})
	}

	intents := make([]any, 0, len(exp.Intents))
	for _, in := range exp.Intents {
		rules := make([]any, 0, len(in.Rules))
		for _, r := range in.Rules {
			rules = append(rules, r)
		}
		intents = append(intents, map[string]any{
			"capability": in.Capability,
			"depends_on": in.DependsOn,
			"required":   in.Required,
			"rules":      rules,
		})
	}

	capabilities := make([]string, 0, len(exp.Candidates))
	for c := range exp.Candidates {
		capabilities = append(capabilities, c)
	}
	sort.Strings(capabilities)
	candidates := make(map[string]any, len(capabilities))
	for _, c := range capabilities {
		ranked := make([]any, 0, len(exp.Candidates[c]))
		for _, cand := range exp.Candidates[c] {
			ranked = append(ranked, map[string]any{
				"group":          cand.GroupID,
				"circuit_state":  string(cand.CircuitState),
				"health":         cand.Health,
				"latency_avg_ms": millis(cand.LatencyAvg),
				"risk_level":     string(cand.Risk),
				"weight":         cand.Weight,
				"selected":       cand.Selected,
				"reason":         cand.Reason,
			})
		}
		candidates[c] = ranked
	}

	return Document{
		"plan_id":               exp.Plan.ID,
		"query":                 exp.Plan.Query,
		"steps":                 steps,
		"estimated_cost":        exp.Plan.EstimatedCost,
		"estimated_duration_ms": millis(exp.Plan.EstimatedDuration),
		"intents":               intents,
		"candidates":            candidates,
	}
}

// HealthReportDocument renders one group's health view.
func HealthReportDocument(r models.HealthReport) Document {
	return Document{
		"group":                    r.GroupID,
		"name":                     r.Name,
		"health_percentage":        r.HealthPercentage,
		"latency_avg_ms":           millis(r.LatencyAvg),
		"business_impact_score":    r.BusinessImpactScore,
		"circuit_state":            string(r.CircuitState),
		"consecutive_failures":     r.ConsecutiveFailures,
		"risk_level":               string(r.RiskLevel),
		"projected_failure_window": r.ProjectedFailureWindow,
		"samples":                  r.Samples,
		"latency_spike":            r.LatencySpike,
		"last_probe":               timestamp(r.LastProbe),
	}
}

// HealthDocument renders a list of group reports.
func HealthDocument(reports []models.HealthReport) Document {
	groups := make([]any, 0, len(reports))
	for _, r := range reports {
		groups = append(groups, HealthReportDocument(r))
	}
	return Document{"groups": groups}
}

// AlertDocument renders one alert for the stream endpoints.
func AlertDocument(a models.Alert) Document {
	return Document{
		"id":                    a.ID,
		"group":                 a.GroupID,
		"severity":              string(a.Severity),
		"message":               a.Message,
		"health_percentage":     a.HealthPercentage,
		"business_impact_score": a.BusinessImpactScore,
		"timestamp":             timestamp(a.Timestamp),
	}
}

// SnapshotDocument summarises a registry snapshot after a reload.
func SnapshotDocument(snap *registry.Snapshot) Document {
	if snap == nil {
		return Document{}
	}
	ids := make([]any, 0, len(snap.Groups))
	for _, id := range snap.IDs() {
		ids = append(ids, id)
	}
	return Document{
		"version":   int64(snap.Version),
		"groups":    ids,
		"loaded_at": timestamp(snap.LoadedAt),
	}
}

// ToProto converts a document into a gRPC Struct.
func ToProto(doc Document) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

// GRPCError maps a domain error onto a gRPC status error.
func GRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code, _ := classify(err)
	return status.Error(code, err.Error())
}

// HTTPStatus maps a domain error onto an HTTP status code.
func HTTPStatus(err error) int {
	_, httpStatus := classify(err)
	return httpStatus
}

func classify(err error) (codes.Code, int) {
	var planErr *models.PlanningError
	var aggErr *models.AggregateFailure
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return codes.InvalidArgument, http.StatusBadRequest
	case errors.Is(err, circuit.ErrUnknownGroup):
		return codes.NotFound, http.StatusNotFound
	case errors.As(err, &planErr):
		return codes.FailedPrecondition, http.StatusUnprocessableEntity
	case errors.As(err, &aggErr):
		return codes.Unavailable, http.StatusServiceUnavailable
	default:
		return codes.Internal, http.StatusInternalServerError
	}
}

func stringField(doc map[string]any, key string) (string, error) {
	raw, ok := doc[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", engine.ErrInvalidRequest, key)
	}
	return strings.TrimSpace(s), nil
}

func numberField(doc map[string]any, key string) (float64, error) {
	raw, ok := doc[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("%w: %s must be a number", engine.ErrInvalidRequest, key)
	}
}

func stringList(doc map[string]any, key string) ([]string, error) {
	raw, ok := doc[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a list of strings", engine.ErrInvalidRequest, key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a list of strings", engine.ErrInvalidRequest, key)
		}
		out = append(out, s)
	}
	return out, nil
}

func stringMap(doc map[string]any, key string) (map[string]string, error) {
	raw, ok := doc[key]
	if !ok || raw == nil {
		return nil, nil
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object", engine.ErrInvalidRequest, key)
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out, nil
}

// normaliseMap coerces connector field values into types structpb and encoding/json agree on.
func normaliseMap(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = normalise(v)
	}
	return out
}

func normalise(v any) any {
	switch t := v.(type) {
	case nil, bool, string, float64, int, int64, int32, uint32, uint64, float32:
		return t
	case time.Time:
		return timestamp(t)
	case time.Duration:
		return millis(t)
	case []byte:
		return string(t)
	case []string:
		out := make([]any, 0, len(t))
		for _, s := range t {
			out = append(out, s)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			out = append(out, normalise(item))
		}
		return out
	case map[string]any:
		return normaliseMap(t)
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Sprint(v)
	}
	return decoded
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
