package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/keyproxy/internal/ratelimit"
)

// QuotaAlerter raises one notification the first time a key hits its daily
// quota on a given UTC day.
type QuotaAlerter struct {
	notifier Notifier
	dedup    Deduplicator
	timeout  time.Duration
}

func NewQuotaAlerter(notifier Notifier, dedup Deduplicator) *QuotaAlerter {
	return &QuotaAlerter{notifier: notifier, dedup: dedup, timeout: 5 * time.Second}
}

// QuotaExhausted is safe to call on every quota rejection; only the first
// per (product, identity, day) publishes.
func (a *QuotaAlerter) QuotaExhausted(ctx context.Context, product, identity string, quota int, now time.Time) {
	day := now.UTC().Format(time.DateOnly)
	if !a.dedup.First(ctx, ratelimit.Key(product, identity), day) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	err := a.notifier.Send(ctx, Notification{
		Type:     NotificationQuotaExhausted,
		Product:  product,
		Identity: identity,
		Message:  fmt.Sprintf("daily quota of %d requests exhausted for %s on %s", quota, identity, day),
		Data: map[string]any{
			"daily_quota": quota,
			"day":         day,
		},
	})
	if err != nil {
		slog.Error("quota alert failed", "product", product, "user", identity, "error", err)
	}
}
