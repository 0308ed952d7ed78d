package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_NilRunsUnguarded(t *testing.T) {
	var p *Policy
	var calls int
	err := p.Call(context.Background(), "secondary", "save", func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("expected one call, got %d err=%v", calls, err)
	}
	if p.Breakers() != nil {
		t.Error("nil policy has no breakers")
	}
}

func TestPolicy_CallAppliesTimeout(t *testing.T) {
	p := NewPolicy(RetryConfig{MaxAttempts: 1}, DefaultCircuitBreakerConfig(), 10*time.Millisecond)
	err := p.Call(context.Background(), "tertiary", "load", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestPolicy_RetriesTransient(t *testing.T) {
	p := NewPolicy(fastRetry(3), DefaultCircuitBreakerConfig(), time.Second)
	var calls int
	got, err := CallVal(context.Background(), p, "quaternary", "load", func(_ context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, NewTransientError(errors.New("503"), 503)
		}
		return 7, nil
	})
	if err != nil || got != 7 || calls != 2 {
		t.Fatalf("got %d after %d calls, err=%v", got, calls, err)
	}
}

func TestPolicy_OpenCircuitNotRetried(t *testing.T) {
	p := NewPolicy(fastRetry(5), CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}, time.Second)
	var calls int
	fail := func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("down"), 0)
	}

	// The first failure opens the circuit; the retry is rejected by it.
	err := p.Call(context.Background(), "tertiary", "save", fail)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if p.Breakers().States()["tertiary"] != CircuitOpen {
		t.Error("expected tertiary breaker open")
	}
}

func TestPolicy_PermanentErrorsDoNotTrip(t *testing.T) {
	p := NewPolicy(fastRetry(1), CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}, time.Second)
	for i := 0; i < 3; i++ {
		_ = p.Call(context.Background(), "secondary", "load", func(_ context.Context) error {
			return errors.New("not found")
		})
	}
	if p.Breakers().States()["secondary"] != CircuitClosed {
		t.Error("lookups that miss must not open the circuit")
	}
}

func TestFromSettings(t *testing.T) {
	p := FromSettings(4, 50*time.Millisecond, 0, 2, time.Minute, 0)
	if p.Retry.MaxAttempts != 4 || p.Retry.InitialBackoff != 50*time.Millisecond {
		t.Errorf("unexpected retry config %+v", p.Retry)
	}
	if p.Retry.MaxBackoff != DefaultRetryConfig().MaxBackoff {
		t.Errorf("expected default max backoff, got %s", p.Retry.MaxBackoff)
	}
	if p.Timeout != DefaultCallTimeout {
		t.Errorf("expected default timeout, got %s", p.Timeout)
	}
}
