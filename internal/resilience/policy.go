package resilience

import (
	"context"
	"errors"
	"time"
)

// DefaultCallTimeout bounds one call to one tier.
const DefaultCallTimeout = 30 * time.Second

// Policy applies a per-call timeout, a per-tier circuit breaker and
// transient retries to tier calls. A nil *Policy runs calls unguarded.
type Policy struct {
	Retry    RetryConfig
	Timeout  time.Duration
	breakers *TierBreakers
}

// NewPolicy builds a Policy. A breaker config without ShouldTrip only counts
// transient errors, so lookups that miss or find corrupt data never open a
// circuit.
func NewPolicy(retry RetryConfig, breaker CircuitBreakerConfig, timeout time.Duration) *Policy {
	if breaker.ShouldTrip == nil {
		breaker.ShouldTrip = IsTransient
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Policy{
		Retry:    retry,
		Timeout:  timeout,
		breakers: NewTierBreakers(breaker),
	}
}

// FromSettings converts config values to a Policy. Zero values keep the
// defaults.
func FromSettings(maxAttempts int, initialBackoff, maxBackoff time.Duration, failureThreshold int, resetTimeout, callTimeout time.Duration) *Policy {
	retry := DefaultRetryConfig()
	if maxAttempts > 0 {
		retry.MaxAttempts = maxAttempts
	}
	if initialBackoff > 0 {
		retry.InitialBackoff = initialBackoff
	}
	if maxBackoff > 0 {
		retry.MaxBackoff = maxBackoff
	}
	breaker := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		breaker.FailureThreshold = failureThreshold
	}
	if resetTimeout > 0 {
		breaker.ResetTimeout = resetTimeout
	}
	return NewPolicy(retry, breaker, callTimeout)
}

// Breakers exposes the per-tier breaker registry.
func (p *Policy) Breakers() *TierBreakers {
	if p == nil {
		return nil
	}
	return p.breakers
}

// Call runs fn against the named tier. Each attempt gets its own timeout and
// passes through the tier's breaker; an open circuit is not retried.
func (p *Policy) Call(ctx context.Context, tier, op string, fn func(ctx context.Context) error) error {
	if p == nil {
		return fn(ctx)
	}
	cfg := p.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = RetryLogger(tier, op)
	}
	base := cfg.ShouldRetry
	if base == nil {
		base = IsTransient
	}
	cfg.ShouldRetry = func(err error) bool {
		return !errors.Is(err, ErrCircuitOpen) && base(err)
	}

	cb := p.breakers.For(tier)
	return Do(ctx, cfg, func(ctx context.Context) error {
		return cb.Execute(ctx, func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, p.Timeout)
			defer cancel()
			return fn(cctx)
		})
	})
}

// CallVal is Call for functions that return a value.
func CallVal[T any](ctx context.Context, p *Policy, tier, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Call(ctx, tier, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
