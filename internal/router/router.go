// Package router sends a prompt to the primary provider and falls back to the
// secondary when the primary keeps failing.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/newsgate/internal/prompt"
	"github.com/danielpatrickdp/newsgate/internal/providers"
)

// ErrGenerationExhausted is matched by every error Generate returns.
var ErrGenerationExhausted = errors.New("generation exhausted")

// #region policy
// Policy bounds the work spent on one prompt per provider.
type Policy struct {
	MaxRetries     int           // retries after the first attempt, per provider
	Backoff        time.Duration // wait before the first retry; doubles for each further retry
	AttemptTimeout time.Duration // deadline for a single provider call; 0 means none
}

// DefaultPolicy is one retry after 2s with a 30s per-attempt bound.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     1,
		Backoff:        2 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// #endregion policy

// #region result
// Attempt is one provider call, successful or not.
type Attempt struct {
	Provider string
	Try      int // 0 for the first call to this provider
	Kind     providers.Kind
	Err      error
	Latency  time.Duration
}

// OK reports whether the attempt produced an answer.
func (a Attempt) OK() bool { return a.Err == nil }

// Result is the accepted generation.
type Result struct {
	Answer   string
	Provider string
	Attempts int
	Latency  time.Duration
	Trail    []Attempt
}

// ExhaustedError carries every failed attempt once no provider is left.
type ExhaustedError struct {
	Trail []Attempt
	Cause error // last provider error, or the caller's context error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("generation exhausted after %d attempts: %v", len(e.Trail), e.Cause)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrGenerationExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Cause }

// #endregion result

// #region router
// Router tries the primary provider, retries it, then does the same with the
// secondary. Attempts are strictly sequential.
type Router struct {
	chain  []providers.Provider
	policy Policy
	log    *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Router. secondary may be nil.
func New(primary, secondary providers.Provider, policy Policy, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	chain := []providers.Provider{primary}
	if secondary != nil {
		chain = append(chain, secondary)
	}
	return &Router{chain: chain, policy: policy, log: log.Named("router"), sleep: sleepCtx}
}

// Providers lists provider names in fallback order.
func (r *Router) Providers() []string {
	out := make([]string, len(r.chain))
	for i, p := range r.chain {
		out[i] = p.Name()
	}
	return out
}

// #endregion router

// #region generate
// Generate returns the first successful completion. If every attempt fails, or
// ctx is done before one succeeds, the error is an *ExhaustedError.
func (r *Router) Generate(ctx context.Context, p prompt.Prompt) (Result, error) {
	start := time.Now()
	var trail []Attempt
	var lastErr error

	for _, prov := range r.chain {
		for try := 0; try <= r.policy.MaxRetries; try++ {
			if try > 0 {
				wait := r.policy.Backoff << (try - 1)
				r.log.Info("retrying provider",
					zap.String("provider", prov.Name()),
					zap.Int("try", try),
					zap.Duration("backoff", wait),
				)
				if err := r.sleep(ctx, wait); err != nil {
					return Result{}, &ExhaustedError{Trail: trail, Cause: err}
				}
			}
			if err := ctx.Err(); err != nil {
				return Result{}, &ExhaustedError{Trail: trail, Cause: err}
			}

			a, answer := r.attempt(ctx, prov, p, try)
			trail = append(trail, a)
			if a.OK() {
				return Result{
					Answer:   answer,
					Provider: a.Provider,
					Attempts: len(trail),
					Latency:  time.Since(start),
					Trail:    trail,
				}, nil
			}
			lastErr = a.Err
			r.log.Warn("provider attempt failed",
				zap.String("provider", a.Provider),
				zap.Int("try", try),
				zap.String("kind", string(a.Kind)),
				zap.Duration("latency", a.Latency),
				zap.Error(a.Err),
			)
		}
	}

	r.log.Error("all providers failed", zap.Int("attempts", len(trail)), zap.Error(lastErr))
	return Result{}, &ExhaustedError{Trail: trail, Cause: lastErr}
}

func (r *Router) attempt(ctx context.Context, prov providers.Provider, p prompt.Prompt, try int) (Attempt, string) {
	actx := ctx
	if r.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		defer cancel()
	}

	t0 := time.Now()
	answer, err := prov.Complete(actx, p)
	a := Attempt{Provider: prov.Name(), Try: try, Latency: time.Since(t0)}
	if err != nil {
		var pe *providers.Error
		if !errors.As(err, &pe) && actx.Err() == context.DeadlineExceeded {
			err = &providers.Error{Provider: a.Provider, Kind: providers.KindTimeout, Err: err}
		}
		a.Err = providers.Classify(a.Provider, err)
		a.Kind = providers.KindOf(a.Err)
		return a, ""
	}
	return a, answer
}

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

// #endregion generate
