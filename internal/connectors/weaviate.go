package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-federator/internal/models"
)

// WeaviateConnector serves the vector_search capability through Weaviate's GraphQL API.
type WeaviateConnector struct {
	ep         models.Endpoint
	endpoint   string
	apiKey     string
	class      string
	fields     []string
	mapper     recordMapper
	httpClient *http.Client
}

// NewWeaviate is the factory for the weaviate kind. Options: class (required), fields
// (comma separated properties), api_key.
func NewWeaviate(ep models.Endpoint, opts Options) (Connector, error) {
	class := option(ep, "class", "")
	if class == "" {
		return nil, newError(ep, "init", fmt.Errorf("option class is required"))
	}
	fields := splitFields(option(ep, "fields", "entityId updatedAt"))
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WeaviateConnector{
		ep:         ep,
		endpoint:   strings.TrimRight(ep.URL, "/"),
		apiKey:     option(ep, "api_key", ""),
		class:      class,
		fields:     fields,
		mapper:     recordMapper{idField: option(ep, "id_field", "entityId"), updatedField: option(ep, "updated_field", "updatedAt")},
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Probe calls the readiness endpoint.
func (c *WeaviateConnector) Probe(ctx context.Context) (HealthResult, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/v1/.well-known/ready", nil)
	if err != nil {
		return HealthResult{}, newError(c.ep, "probe", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return HealthResult{Latency: latency}, newError(c.ep, "probe", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return HealthResult{Latency: latency, Detail: resp.Status}, newError(c.ep, "probe", fmt.Errorf("not ready: %s", resp.Status))
	}
	return HealthResult{Healthy: true, Latency: latency, Detail: resp.Status}, nil
}

// Execute runs a nearText GraphQL query scoped to the tenant.
func (c *WeaviateConnector) Execute(ctx context.Context, q models.SubQuery) (Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	args := []string{"limit: " + strconv.Itoa(limit)}
	if strings.TrimSpace(q.Text) != "" {
		args = append(args, fmt.Sprintf("nearText: {concepts: [%s]}", strconv.Quote(q.Text)))
	}
	if where := c.whereClause(q); where != "" {
		args = append(args, where)
	}
	gql := fmt.Sprintf("{ Get { %s(%s) { %s } } }", c.class, strings.Join(args, ", "), strings.Join(c.fields, " "))

	payload, err := json.Marshal(map[string]any{"query": gql})
	if err != nil {
		return Result{}, newError(c.ep, "execute", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/graphql", bytes.NewReader(payload))
	if err != nil {
		return Result{}, newError(c.ep, "execute", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, newError(c.ep, "execute", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, newError(c.ep, "execute", fmt.Errorf("graphql returned %s: %s", resp.Status, strings.TrimSpace(string(data))))
	}

	var response struct {
		Data struct {
			Get map[string][]map[string]any `json:"Get"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return Result{}, newError(c.ep, "execute", fmt.Errorf("decode response: %w", err))
	}
	if len(response.Errors) > 0 {
		return Result{}, newError(c.ep, "execute", fmt.Errorf("graphql: %s", response.Errors[0].Message))
	}
	return Result{Records: c.mapper.records(response.Data.Get[c.class], limit), Endpoint: c.ep.Name}, nil
}

// Close releases idle connections.
func (c *WeaviateConnector) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *WeaviateConnector) whereClause(q models.SubQuery) string {
	operands := make([]string, 0, len(q.Filters)+1)
	if q.TenantID != "" {
		operands = append(operands, fmt.Sprintf("{path: [\"tenantId\"], operator: Equal, valueString: %s}", strconv.Quote(q.TenantID)))
	}
	for _, key := range sortedKeys(q.Filters) {
		if !validIdentifier(key) {
			continue
		}
		operands = append(operands, fmt.Sprintf("{path: [%s], operator: Equal, valueString: %s}", strconv.Quote(key), strconv.Quote(q.Filters[key])))
	}
	if len(operands) == 0 {
		return ""
	}
	return fmt.Sprintf("where: {operator: And, operands: [%s]}", strings.Join(operands, ", "))
}

func (c *WeaviateConnector) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func splitFields(v string) []string {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if validIdentifier(p) {
			out = append(out, p)
		}
	}
	return out
}
