package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/miradorstack/mirador-federator/internal/models"
)

// HTTPConnector speaks JSON over HTTP to CRM, chat and transcript style services.
//
// Execute POSTs {capability, query, filters, limit, tenant_id, upstream} to query_path and
// expects {"records":[{...}]} back. Probe GETs health_path and treats any 2xx as healthy.
type HTTPConnector struct {
	ep         models.Endpoint
	baseURL    string
	queryPath  string
	healthPath string
	token      string
	mapper     recordMapper
	httpClient *http.Client
}

// NewHTTP is the factory for the http kind.
func NewHTTP(ep models.Endpoint, opts Options) (Connector, error) {
	if _, err := url.Parse(ep.URL); err != nil {
		return nil, newError(ep, "init", fmt.Errorf("parse url: %w", err))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPConnector{
		ep:         ep,
		baseURL:    strings.TrimRight(ep.URL, "/"),
		queryPath:  option(ep, "query_path", "/query"),
		healthPath: option(ep, "health_path", "/healthz"),
		token:      option(ep, "bearer_token", ""),
		mapper:     mapperFor(ep),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Probe checks the health path.
func (c *HTTPConnector) Probe(ctx context.Context) (HealthResult, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolvePath(c.healthPath), nil)
	if err != nil {
		return HealthResult{}, newError(c.ep, "probe", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return HealthResult{Latency: latency}, newError(c.ep, "probe", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return HealthResult{Latency: latency, Detail: resp.Status}, newError(c.ep, "probe", fmt.Errorf("unhealthy status %s", resp.Status))
	}
	return HealthResult{Healthy: true, Latency: latency, Detail: resp.Status}, nil
}

// Execute posts the sub-query and maps the returned records.
func (c *HTTPConnector) Execute(ctx context.Context, q models.SubQuery) (Result, error) {
	upstream := make([]map[string]any, 0, len(q.Upstream))
	for _, rec := range q.Upstream {
		upstream = append(upstream, map[string]any{"id": rec.EntityID, "fields": rec.Fields})
	}
	payload := map[string]any{
		"capability": q.Capability,
		"query":      q.Text,
		"filters":    q.Filters,
		"limit":      q.Limit,
		"tenant_id":  q.TenantID,
		"upstream":   upstream,
	}

	var response struct {
		Records []map[string]any `json:"records"`
	}
	if err := c.postJSON(ctx, c.resolvePath(expand(c.queryPath, q)), payload, &response); err != nil {
		return Result{}, newError(c.ep, "execute", err)
	}
	return Result{Records: c.mapper.records(response.Records, q.Limit), Endpoint: c.ep.Name}, nil
}

// Close releases idle connections.
func (c *HTTPConnector) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPConnector) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *HTTPConnector) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *HTTPConnector) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
