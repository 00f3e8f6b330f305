package channel

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/slack-go/slack"
)

const (
	maxAttempts   = 3
	maxRetryAfter = 30 * time.Second
)

// withRetry runs fn, retrying when the platform reports a rate limit.
// The platform's Retry-After hint is honoured, capped at maxRetryAfter.
func withRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		var rl *slack.RateLimitedError
		if err == nil || !errors.As(err, &rl) || attempt == maxAttempts {
			return err
		}

		wait := rl.RetryAfter
		if wait <= 0 {
			base := time.Duration(attempt) * time.Second
			wait = base + time.Duration(rand.Int63n(int64(base/2+1)))
		}
		if wait > maxRetryAfter {
			wait = maxRetryAfter
		}
		logger.Warn("rate limited, will retry", "op", op, "attempt", attempt, "wait", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
