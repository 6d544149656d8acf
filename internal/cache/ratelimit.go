package cache

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/company-search/internal/kv"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter caps searches per account over a sliding hour. It keeps one
// counter per clock hour and weights the previous hour by how much of it is
// still inside the window.
type RateLimiter struct {
	store   kv.Store
	limit   int
	window  time.Duration
	nowFunc func() time.Time
}

// NewRateLimiter creates a limiter allowing limit searches per hour. A limit
// <= 0 disables limiting.
func NewRateLimiter(store kv.Store, limit int) *RateLimiter {
	return &RateLimiter{store: store, limit: limit, window: time.Hour, nowFunc: time.Now}
}

// Allow records one attempt for account and reports whether it is within
// quota. Denied attempts still count against the window.
func (r *RateLimiter) Allow(ctx context.Context, account string) (Decision, error) {
	if r.limit <= 0 {
		return Decision{Allowed: true, Limit: r.limit, Remaining: math.MaxInt32}, nil
	}

	now := r.nowFunc()
	bucket := now.Truncate(r.window)
	elapsed := now.Sub(bucket)

	current, err := r.store.Incr(ctx, r.key(account, bucket), 2*r.window)
	if err != nil {
		return Decision{}, eris.Wrapf(err, "cache: rate limit %s", account)
	}

	var previous int64
	raw, ok, err := r.store.Get(ctx, r.key(account, bucket.Add(-r.window)))
	if err != nil {
		return Decision{}, eris.Wrapf(err, "cache: rate limit %s", account)
	}
	if ok {
		_, _ = fmt.Sscan(string(raw), &previous)
	}

	weight := 1 - float64(elapsed)/float64(r.window)
	used := float64(current) + float64(previous)*weight
	remaining := r.limit - int(math.Ceil(used))

	d := Decision{Allowed: used <= float64(r.limit), Limit: r.limit, Remaining: max(remaining, 0)}
	if !d.Allowed {
		d.RetryAfter = r.retryAfter(elapsed, current, previous)
	}
	return d, nil
}

// retryAfter estimates when enough of the previous bucket will have slid out
// of the window. When the current bucket alone is over quota it is the start
// of the next bucket.
func (r *RateLimiter) retryAfter(elapsed time.Duration, current, previous int64) time.Duration {
	untilNext := r.window - elapsed
	if current > int64(r.limit) || previous == 0 {
		return untilNext
	}
	// Need previous*weight <= limit - current.
	target := float64(int64(r.limit)-current) / float64(previous)
	wait := (time.Duration((1-target)*float64(r.window)) - elapsed).Round(time.Second)
	if wait < time.Second {
		wait = time.Second
	}
	return min(wait, untilNext)
}

func (r *RateLimiter) key(account string, bucket time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", account, bucket.Unix())
}
