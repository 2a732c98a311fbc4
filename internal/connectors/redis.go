package connectors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/miradorstack/mirador-federator/internal/models"
)

// RedisConnector reads hash-encoded entities from Redis or Valkey.
//
// Entities live under "<key_prefix>:<id>" (key_prefix defaults to the capability). A filter
// on the id field fetches one entity; otherwise keys are scanned up to the sub-query limit and
// hash fields containing the query text are kept.
type RedisConnector struct {
	ep        models.Endpoint
	client    *redis.Client
	keyPrefix string
	mapper    recordMapper
}

// NewRedis is the factory for the redis kind. The URL uses redis:// or rediss:// form.
func NewRedis(ep models.Endpoint, opts Options) (Connector, error) {
	parsed, err := redis.ParseURL(ep.URL)
	if err != nil {
		return nil, newError(ep, "init", err)
	}
	if opts.Timeout > 0 {
		parsed.DialTimeout = opts.Timeout
		parsed.ReadTimeout = opts.Timeout
		parsed.WriteTimeout = opts.Timeout
	}
	return newRedisConnector(ep, redis.NewClient(parsed)), nil
}

func newRedisConnector(ep models.Endpoint, client *redis.Client) *RedisConnector {
	return &RedisConnector{
		ep:        ep,
		client:    client,
		keyPrefix: option(ep, "key_prefix", "{capability}"),
		mapper:    mapperFor(ep),
	}
}

// Probe issues PING.
func (c *RedisConnector) Probe(ctx context.Context) (HealthResult, error) {
	start := time.Now()
	err := c.client.Ping(ctx).Err()
	latency := time.Since(start)
	if err != nil {
		return HealthResult{Latency: latency}, newError(c.ep, "probe", err)
	}
	return HealthResult{Healthy: true, Latency: latency, Detail: "PONG"}, nil
}

// Execute fetches matching entity hashes.
func (c *RedisConnector) Execute(ctx context.Context, q models.SubQuery) (Result, error) {
	prefix := expand(c.keyPrefix, q)
	if id, ok := q.Filters[c.mapper.idField]; ok && id != "" {
		rec, found, err := c.fetch(ctx, prefix+":"+id, id)
		if err != nil {
			return Result{}, newError(c.ep, "execute", err)
		}
		if !found {
			return Result{Endpoint: c.ep.Name}, nil
		}
		return Result{Records: []models.Record{rec}, Endpoint: c.ep.Name}, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	needle := strings.ToLower(strings.TrimSpace(q.Text))

	var (
		records []models.Record
		cursor  uint64
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, prefix+":*", int64(limit)).Result()
		if err != nil {
			return Result{}, newError(c.ep, "execute", err)
		}
		for _, key := range keys {
			rec, found, err := c.fetch(ctx, key, strings.TrimPrefix(key, prefix+":"))
			if err != nil {
				return Result{}, newError(c.ep, "execute", err)
			}
			if !found || !matches(rec, needle, q.Filters, c.mapper.idField) {
				continue
			}
			records = append(records, rec)
			if len(records) >= limit {
				return Result{Records: records, Endpoint: c.ep.Name}, nil
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return Result{Records: records, Endpoint: c.ep.Name}, nil
}

// Close closes the client pool.
func (c *RedisConnector) Close() error {
	return c.client.Close()
}

func (c *RedisConnector) fetch(ctx context.Context, key, fallbackID string) (models.Record, bool, error) {
	fields, err := c.client.HGetAll(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return models.Record{}, false, nil
	}
	if err != nil {
		return models.Record{}, false, fmt.Errorf("hgetall %s: %w", key, err)
	}
	if len(fields) == 0 {
		return models.Record{}, false, nil
	}
	row := make(map[string]any, len(fields))
	for k, v := range fields {
		row[k] = v
	}
	rec := c.mapper.record(row)
	if rec.EntityID == "" {
		rec.EntityID = fallbackID
	}
	return rec, true, nil
}

func matches(rec models.Record, needle string, filters map[string]string, idField string) bool {
	for k, want := range filters {
		if k == idField {
			continue
		}
		if stringify(rec.Fields[k]) != want {
			return false
		}
	}
	if needle == "" {
		return true
	}
	for _, v := range rec.Fields {
		if strings.Contains(strings.ToLower(stringify(v)), needle) {
			return true
		}
	}
	return false
}
