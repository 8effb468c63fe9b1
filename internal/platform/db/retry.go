package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// ErrStorageUnavailable marks a persistence failure the caller should treat
// as retryable at the request level.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Retrier is a bounded retry decorator for the persistence boundary. Only
// transient failures are retried; everything else is returned unchanged.
type Retrier struct {
	attempts int
	backoff  time.Duration
	logger   zerolog.Logger
}

func NewRetrier(attempts int, backoff time.Duration, logger zerolog.Logger) *Retrier {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrier{attempts: attempts, backoff: backoff, logger: logger}
}

// Do runs fn until it succeeds, fails permanently, or the attempt budget is
// spent. An exhausted budget is reported as ErrStorageUnavailable wrapping the
// last error.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			wait := r.backoff << (attempt - 2)
			select {
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return fmt.Errorf("%s: %w", op, ctx.Err())
				}
				return Unavailable(op, ctx.Err())
			case <-time.After(wait):
			}
		}

		err = fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}

		r.logger.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", r.attempts).
			Msg("transient storage failure")
	}
	return Unavailable(op, err)
}

// Unavailable wraps err so that errors.Is(err, ErrStorageUnavailable) holds
// while the original cause stays inspectable.
func Unavailable(op string, err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// IsTransient reports whether err is worth another attempt: serialization
// failures, deadlocks, lock timeouts, exclusion conflicts on queue positions
// and lost connections. An expired or cancelled context is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "23P01", "57P01":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
