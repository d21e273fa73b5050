package state

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

// RetryConfig bounds the backoff applied to transient storage failures.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the state/WAL boundary policy: a handful of
// attempts with exponential backoff, then escalate.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

type retrySurface struct {
	inner Surface
	cfg   RetryConfig
}

// WithRetry wraps inner so that calls failing with ErrTransientInfra are
// retried with bounded exponential backoff. Domain errors (not found,
// version conflict, validation) pass through untouched on the first try.
func WithRetry(inner Surface, cfg RetryConfig) Surface {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	return &retrySurface{inner: inner, cfg: cfg}
}

func (s *retrySurface) Get(ctx context.Context, tenantID, key string) (*contracts.StateRecord, error) {
	var rec *contracts.StateRecord
	err := s.attempt(ctx, func() error {
		var err error
		rec, err = s.inner.Get(ctx, tenantID, key)
		return err
	})
	return rec, err
}

func (s *retrySurface) Set(ctx context.Context, tenantID, key string, value any, opts ...SetOption) (int64, error) {
	var version int64
	err := s.attempt(ctx, func() error {
		var err error
		version, err = s.inner.Set(ctx, tenantID, key, value, opts...)
		return err
	})
	return version, err
}

func (s *retrySurface) Query(ctx context.Context, tenantID, prefix string) ([]*contracts.StateRecord, error) {
	var recs []*contracts.StateRecord
	err := s.attempt(ctx, func() error {
		var err error
		recs, err = s.inner.Query(ctx, tenantID, prefix)
		return err
	})
	return recs, err
}

func (s *retrySurface) attempt(ctx context.Context, op func() error) error {
	var lastErr error
	for i := 0; i < s.cfg.MaxAttempts; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, s.backoff(i)); err != nil {
				return err
			}
		}
		lastErr = op()
		if lastErr == nil || !errors.Is(lastErr, contracts.ErrTransientInfra) {
			return lastErr
		}
	}
	return lastErr
}

// backoff returns the delay before attempt i (1-based) with full jitter.
func (s *retrySurface) backoff(i int) time.Duration {
	d := s.cfg.BaseDelay << (i - 1)
	if d > s.cfg.MaxDelay || d <= 0 {
		d = s.cfg.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
