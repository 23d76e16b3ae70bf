// Package ratelimit admits requests per (product, identity) key.
// Each key has a token bucket for burst control and a daily request quota
// that resets at UTC midnight. Supports both in-memory (single instance) and
// Redis (distributed) backends.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"
)

type Reason string

const (
	ReasonRateLimited   Reason = "rate_limited"
	ReasonQuotaExceeded Reason = "quota_exceeded"
)

// Limiter defines the interface for rate limiting backends.
// The error return is reserved for backend failures; a rejection is reported
// through Decision.
type Limiter interface {
	Allow(ctx context.Context, product, identity string) (Decision, error)
}

type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
	Tokens     float64
	DailyUsed  int
	DailyQuota int
}

type Config struct {
	Capacity        float64
	RefillPerSecond float64
	DailyQuota      int
}

func DefaultConfig() Config {
	return Config{
		Capacity:        10,
		RefillPerSecond: 5,
		DailyQuota:      200000,
	}
}

// Option configures a limiter backend.
type Option func(*options)

type options struct {
	now    func() time.Time
	prefix string
}

// WithClock replaces time.Now. Used by tests to cross UTC midnight.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithPrefix sets the Redis key prefix. Ignored by the memory backend.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, prefix: "keyproxy"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Key identifies one (product, identity) pair. The product is length
// prefixed since identities such as a JWT sub may contain ':'.
func Key(product, identity string) string {
	return strconv.Itoa(len(product)) + ":" + product + ":" + identity
}

func day(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// refill returns the bucket level after elapsed time, capped at capacity.
func refill(cfg Config, tokens float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return tokens
	}
	return math.Min(cfg.Capacity, tokens+elapsed.Seconds()*cfg.RefillPerSecond)
}

// bucketRetryAfter is how long until one whole token is available, at least 1s.
func bucketRetryAfter(cfg Config, tokens float64) time.Duration {
	if cfg.RefillPerSecond <= 0 {
		return time.Second
	}
	secs := math.Ceil((1 - tokens) / cfg.RefillPerSecond)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// untilMidnight is the time left in the current UTC day.
func untilMidnight(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}

func rateLimited(cfg Config, tokens float64, used int) Decision {
	return Decision{
		Reason:     ReasonRateLimited,
		RetryAfter: bucketRetryAfter(cfg, tokens),
		Tokens:     tokens,
		DailyUsed:  used,
		DailyQuota: cfg.DailyQuota,
	}
}

func quotaExceeded(cfg Config, now time.Time, tokens float64, used int) Decision {
	return Decision{
		Reason:     ReasonQuotaExceeded,
		RetryAfter: untilMidnight(now),
		Tokens:     tokens,
		DailyUsed:  used,
		DailyQuota: cfg.DailyQuota,
	}
}
