package resilience

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when no token is available in time.
var ErrRateLimited = errors.New("rate limited")

// LimiterOpts configures the rate limiter.
type LimiterOpts struct {
	// Rate is tokens per second. Zero or negative disables limiting.
	Rate float64
	// Burst is the bucket size.
	Burst int
}

// Limiter is a token-bucket rate limiter.
type Limiter struct {
	lim *rate.Limiter
}

// NewLimiter creates a rate limiter with the given options.
func NewLimiter(opts LimiterOpts) *Limiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	limit := rate.Limit(opts.Rate)
	if opts.Rate <= 0 {
		limit = rate.Inf
	}
	return &Limiter{lim: rate.NewLimiter(limit, opts.Burst)}
}

// Wait blocks until a token is available. It fails with ErrRateLimited, also
// wrapping the context error, when ctx ends first or its deadline is too close
// to ever get one.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return nil
}
