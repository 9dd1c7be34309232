package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter caps booking attempts per patient. It guards the HTTP surface only;
// seat correctness never depends on it.
type Limiter interface {
	Allow(ctx context.Context, patientID uuid.UUID) (bool, error)
}

// FixedWindowLimiter counts attempts in INCR buckets keyed by patient and window start.
type FixedWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewFixedWindowLimiter(client *redis.Client, limit int, window time.Duration) *FixedWindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindowLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (l *FixedWindowLimiter) WithClock(now func() time.Time) *FixedWindowLimiter {
	if now != nil {
		l.now = now
	}
	return l
}

func (l *FixedWindowLimiter) key(patientID uuid.UUID) string {
	bucket := l.now().UnixNano() / int64(l.window)
	return fmt.Sprintf("ratelimit:booking:%s:%d", patientID.String(), bucket)
}

// Allow reports whether one more attempt fits the patient's current window.
// A limit of zero or less disables limiting.
func (l *FixedWindowLimiter) Allow(ctx context.Context, patientID uuid.UUID) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}

	key := l.key(patientID)
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}

	return incr.Val() <= int64(l.limit), nil
}
