package billing

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"news-site-backend/pkg/database"
	"news-site-backend/pkg/metrics"
	"news-site-backend/pkg/payment"
)

// RetryPolicy 支付服务调用的超时与退避策略
type RetryPolicy struct {
	MaxAttempts    int
	Timeout        time.Duration // per attempt
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFraction float64
}

// DefaultRetryPolicy returns the provider policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		Timeout:        10 * time.Second,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

// backoff returns the wait before the given retry (attempt >= 1).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if base > float64(p.MaxBackoff) {
		base = float64(p.MaxBackoff)
	}
	if p.JitterFraction > 0 {
		base += base * p.JitterFraction * (rand.Float64()*2 - 1)
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// callProvider runs fn with a per-attempt timeout, retrying transient provider failures.
// Permanent failures are returned as-is; exhausted retries become TransientProviderError.
func callProvider(ctx context.Context, policy RetryPolicy, m *metrics.Metrics, op string, fn func(ctx context.Context) error) error {
	policy = policy.normalized()
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, policy.backoff(attempt)); err != nil {
				break
			}
		}
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		start := time.Now()
		err := fn(callCtx)
		cancel()
		m.ObserveProviderCall(op, time.Since(start), err)
		if err == nil {
			return nil
		}
		lastErr = err
		if !payment.IsTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return &TransientProviderError{Op: op, Attempts: attempts, Err: lastErr}
}

// storage conflict backoff
const (
	storageInitialBackoff = 10 * time.Millisecond
	storageMaxBackoff     = 200 * time.Millisecond
)

// WithRetry runs fn in a transaction and re-runs the whole transaction on serialization
// failures. After maxRetries retries the error is returned as StorageConflict.
func WithRetry(ctx context.Context, store database.Store, maxRetries int, fn func(tx database.Tx) error) error {
	return withRetry(ctx, store, maxRetries, false, fn)
}

// withRetry optionally treats unique violations as conflicts too (concurrent inserts of the same key).
func withRetry(ctx context.Context, store database.Store, maxRetries int, retryUnique bool, fn func(tx database.Tx) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	policy := RetryPolicy{
		InitialBackoff: storageInitialBackoff,
		MaxBackoff:     storageMaxBackoff,
		Multiplier:     2,
		JitterFraction: 0.5,
	}
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, policy.backoff(attempt)); serr != nil {
				return serr
			}
		}
		err = store.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !database.IsRetryable(err) && !(retryUnique && errors.Is(err, database.ErrUniqueViolation)) {
			return err
		}
	}
	return &StorageConflict{Attempts: maxRetries + 1, Err: err}
}
