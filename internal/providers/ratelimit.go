package providers

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/newsgate/internal/prompt"
)

// RateLimited spaces calls to a provider with a token bucket.
type RateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with the given burst.
func NewRateLimited(next Provider, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Name() string { return r.next.Name() }

// Complete waits for a token, failing fast with KindRateLimited if the wait
// would outlast the attempt deadline.
func (r *RateLimited) Complete(ctx context.Context, p prompt.Prompt) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", &Error{Provider: r.next.Name(), Kind: KindRateLimited, Err: err}
	}
	return r.next.Complete(ctx, p)
}
