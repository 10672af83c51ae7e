package exchange

import (
	"context"

	"golang.org/x/time/rate"
)

// restLimiter paces outbound REST calls to stay under the venue's
// published per-key request budget. This sits below and is independent of
// internal/ratelimit's decaying order-command counter: that package
// models the venue's per-pair add/amend/cancel counter semantics;
// restLimiter only prevents the HTTP client itself from bursting past the
// connection-level rate the venue enforces on every call, signed or not.
type restLimiter struct {
	limiter *rate.Limiter
}

// newRESTLimiter builds a limiter allowing ratePerSec sustained requests
// with a burst capacity.
func newRESTLimiter(ratePerSec float64, burst int) *restLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &restLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Wait blocks until a request may proceed or ctx is cancelled.
func (l *restLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
