package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps bucket and quota state in process memory.
// Suitable for single-instance deployments.
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	buckets sync.Map // key -> *bucket

	// mu guards days. Always acquired after a bucket lock.
	mu   sync.Mutex
	days map[string]*dayCounter
}

type bucket struct {
	mu        sync.Mutex
	tokens    float64
	updatedAt time.Time
}

type dayCounter struct {
	day   string
	count int
}

func NewMemoryLimiter(cfg Config, opts ...Option) *MemoryLimiter {
	o := buildOptions(opts)
	return &MemoryLimiter{
		cfg:  cfg,
		now:  o.now,
		days: make(map[string]*dayCounter),
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, product, identity string) (Decision, error) {
	k := Key(product, identity)
	now := l.now()

	v, ok := l.buckets.Load(k)
	if !ok {
		v, _ = l.buckets.LoadOrStore(k, &bucket{tokens: l.cfg.Capacity, updatedAt: now})
	}
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = refill(l.cfg, b.tokens, now.Sub(b.updatedAt))
	if now.After(b.updatedAt) {
		b.updatedAt = now
	}

	if b.tokens < 1 {
		return rateLimited(l.cfg, b.tokens, l.used(k, now)), nil
	}

	l.mu.Lock()
	dc := l.days[k]
	today := day(now)
	if dc == nil || dc.day != today {
		dc = &dayCounter{day: today}
		l.days[k] = dc
	}
	if dc.count >= l.cfg.DailyQuota {
		used := dc.count
		l.mu.Unlock()
		return quotaExceeded(l.cfg, now, b.tokens, used), nil
	}
	dc.count++
	used := dc.count
	l.mu.Unlock()

	b.tokens--

	return Decision{
		Allowed:    true,
		Tokens:     b.tokens,
		DailyUsed:  used,
		DailyQuota: l.cfg.DailyQuota,
	}, nil
}

func (l *MemoryLimiter) used(k string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	dc := l.days[k]
	if dc == nil || dc.day != day(now) {
		return 0
	}
	return dc.count
}
