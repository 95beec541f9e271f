// Package rate enforces per-route-class request budgets with fixed-window
// Redis counters.
package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBackendUnavailable wraps Redis transport failures. Rate limiting fails
// closed: an unreachable backend denies the request.
var ErrBackendUnavailable = errors.New("rate limiter unavailable")

// Budget is a fixed-window allowance for one route class.
type Budget struct {
	Limit  int
	Window time.Duration
}

// Result reports the outcome of one budget check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter keys counters by (route class, client key) so each class carries
// an independent budget.
type Limiter struct {
	redis   redis.UniversalClient
	prefix  string
	budgets map[string]Budget
}

// New creates a Limiter. Unknown route classes fall back to the "generic"
// budget; if that is absent too, the class is unlimited.
func New(client redis.UniversalClient, prefix string, budgets map[string]Budget) *Limiter {
	if prefix == "" {
		prefix = "krl"
	}
	return &Limiter{redis: client, prefix: prefix, budgets: budgets}
}

func (l *Limiter) key(class, clientKey string) string {
	return l.prefix + ":" + class + ":" + clientKey
}

// Check consumes one unit of the class budget for clientKey and reports
// whether the request is admitted.
func (l *Limiter) Check(ctx context.Context, class, clientKey string) (Result, error) {
	budget, ok := l.budgets[class]
	if !ok {
		budget, ok = l.budgets["generic"]
		if !ok {
			return Result{Allowed: true, Limit: -1, Remaining: -1}, nil
		}
	}

	key := l.key(class, clientKey)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// Fixed-window semantics: the TTL starts with the first hit.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, budget.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	ttl, err := l.redis.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = budget.Window
	}
	resetAt := time.Now().Add(ttl)

	res := Result{
		Limit:   budget.Limit,
		ResetAt: resetAt,
	}
	if count > int64(budget.Limit) {
		res.Allowed = false
		res.Remaining = 0
		res.RetryAfter = ttl
		return res, nil
	}

	res.Allowed = true
	res.Remaining = budget.Limit - int(count)
	return res, nil
}

// Reset clears the counter for one class/client pair.
func (l *Limiter) Reset(ctx context.Context, class, clientKey string) error {
	if err := l.redis.Del(ctx, l.key(class, clientKey)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
