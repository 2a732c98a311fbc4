// Package cache backs two federator concerns: sub-query results reused across requests
// with the same group and sub-query, and alert suppression markers that keep one alert
// per group, kind and severity inside the suppression period.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Provider is the key/value store behind the result cache and alert suppression. Values
// are opaque bytes; SetNX must be atomic so concurrent monitors race on one marker.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// ResultKey derives the result cache key for a group and a sub-query. The sub-query is
// hashed from its JSON form, so field order in filters does not matter.
func ResultKey(groupID string, subQuery any) (string, error) {
	payload, err := json.Marshal(subQuery)
	if err != nil {
		return "", fmt.Errorf("result key for %s: %w", groupID, err)
	}
	sum := sha256.Sum256(payload)
	return "result:" + groupID + ":" + hex.EncodeToString(sum[:16]), nil
}

// AlertKey names the suppression marker for one kind of alert on a group.
func AlertKey(groupID, kind, severity string) string {
	return fmt.Sprintf("alert:%s:%s:%s", groupID, kind, severity)
}

// GetJSON reads and decodes a cached value. A missing key returns ErrCacheMiss.
func GetJSON[T any](ctx context.Context, p Provider, key string) (T, error) {
	var out T
	data, err := p.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

// SetJSON encodes and stores a value with a TTL.
func SetJSON(ctx context.Context, p Provider, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return p.Set(ctx, key, data, ttl)
}

// NoopProvider stores nothing. The scheduler uses it when result caching is off.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// SetNX reports success, so nothing is ever suppressed.
func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }
