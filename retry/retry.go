package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	maxElapsedTime  = 60 * time.Second
	initialInterval = 500 * time.Millisecond
	maxInterval     = 5 * time.Second
	maxRetries      = uint64(30)
)

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Connect keeps calling dial with exponential backoff until it succeeds, the
// retries run out, or ctx is done. Used while external dependencies start up.
func Connect[T any](ctx context.Context, name string, dial func(context.Context) (T, error)) (T, error) {
	var result T
	var lastErr error
	attempt := 0

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(maxElapsedTime),
		backoff.WithInitialInterval(initialInterval),
		backoff.WithMaxInterval(maxInterval),
	), maxRetries)

	err := backoff.Retry(func() error {
		attempt++
		var err error
		result, err = dial(ctx)
		if err != nil {
			lastErr = err
			slog.Info("waiting for dependency", "name", name, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if lastErr != nil {
			return result, fmt.Errorf("connect %s after %d attempts: %w", name, attempt, lastErr)
		}
		return result, fmt.Errorf("connect %s: %w", name, err)
	}

	return result, nil
}
