package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator lets one alert through per key per UTC day, across every
// proxy instance sharing the backend.
type Deduplicator interface {
	// First reports whether this is the first claim of key on day.
	First(ctx context.Context, key, day string) bool
}

type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[string]string
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{sent: make(map[string]string)}
}

func (d *InMemoryDeduplicator) First(_ context.Context, key, day string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sent[key] == day {
		return false
	}
	d.sent[key] = day
	return true
}

// RedisDeduplicator claims keys with SETNX. The claim outlives the day it
// covers by an hour so clock skew between instances cannot re-open it.
type RedisDeduplicator struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDeduplicator(client redis.UniversalClient, prefix string) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, prefix: prefix, ttl: 25 * time.Hour}
}

func (d *RedisDeduplicator) key(key, day string) string {
	return fmt.Sprintf("%s:alert:{%s}:%s", d.prefix, key, day)
}

func (d *RedisDeduplicator) First(ctx context.Context, key, day string) bool {
	acquired, err := d.client.SetNX(ctx, d.key(key, day), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		// Fail open: a duplicate alert beats a lost one.
		slog.Warn("alert dedup unavailable", "error", err)
		return true
	}
	return acquired
}
