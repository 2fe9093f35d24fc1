package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/chatvault/chatvault/internal/feed"
)

// ErrStalled is returned when an operation keeps failing transiently after
// the configured number of attempts. Rate-limit pauses never count toward
// the attempt budget.
var ErrStalled = errors.New("ingestion stalled")

// RetryConfig tunes the backoff applied to transient failures.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	RandomFactor    float64
}

// DefaultRetryConfig returns the retry parameters used by the reconciler
// unless overridden.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		RandomFactor:    0.1,
	}
}

// withRetry executes op until it succeeds, fails permanently, or the
// transient-failure budget runs out.
//
// Three failure classes are handled differently:
//   - *feed.RateLimitedError: sleep exactly the mandated wait, then retry
//     the identical call. Does not consume an attempt and is never fatal.
//   - feed.ErrFatal and feed.ErrExhausted: returned immediately, no retry.
//   - anything else: exponential backoff with jitter, up to
//     cfg.MaxAttempts, after which the error is wrapped in ErrStalled.
func withRetry(ctx context.Context, logger *slog.Logger, cfg RetryConfig, op func(context.Context) error) error {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	interval := cfg.InitialInterval
	attempts := 0

	for {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var rl *feed.RateLimitedError
		if errors.As(err, &rl) {
			logger.Warn("upstream rate limit, honoring mandated wait", "wait", rl.Wait)
			if serr := sleepCtx(ctx, rl.Wait); serr != nil {
				return serr
			}
			continue
		}

		if errors.Is(err, feed.ErrFatal) || errors.Is(err, feed.ErrExhausted) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts >= cfg.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrStalled, attempts, err)
		}

		delay := interval
		if cfg.RandomFactor > 0 {
			jitter := cfg.RandomFactor * float64(interval)
			delay = interval + time.Duration((rnd.Float64()*2-1)*jitter)
		}
		logger.Warn("transient failure, backing off",
			"error", err,
			"attempt", attempts,
			"delay", delay)
		if serr := sleepCtx(ctx, delay); serr != nil {
			return serr
		}

		interval = time.Duration(float64(interval) * cfg.Multiplier)
		if interval > cfg.MaxInterval {
			interval = cfg.MaxInterval
		}
	}
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
