package store

import (
	"context"
	"errors"
	"time"

	"github.com/qualys/intelengine/internal/kv"
	"github.com/qualys/intelengine/internal/metrics"
	"github.com/qualys/intelengine/internal/models"
)

// RetryPolicy is exponential backoff for transient tier failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy makes three attempts, backing off from 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 50 * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  2 * time.Second,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.BaseBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if p.MaxBackoff > 0 && time.Duration(d) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// do runs fn until it succeeds, fails permanently or runs out of attempts.
// Exhaustion surfaces as StorageUnavailable.
func (p RetryPolicy) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if permanent(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		metrics.StorageRetries.WithLabelValues(op).Inc()
		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	metrics.StorageFailures.WithLabelValues(op).Inc()
	return models.NewStorageUnavailable(op, p.MaxAttempts, err)
}

func permanent(err error) bool {
	return kv.Permanent(err) || errors.Is(err, models.ErrValidation)
}
