package feeding

import (
	"context"
	"math/rand"
	"time"

	"snackloader-backend/internal/store"
)

// retryPolicy retries transient store errors with exponential backoff and
// full jitter.
type retryPolicy struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	attempts := p.attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !store.IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(p.backoff(i)):
		}
	}
	return err
}

func (p retryPolicy) backoff(attempt int) time.Duration {
	if p.base <= 0 {
		return 0
	}
	d := p.base << attempt
	if p.max > 0 && d > p.max {
		d = p.max
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}
