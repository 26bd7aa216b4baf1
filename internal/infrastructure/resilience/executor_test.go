package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{
			Retryable:     errors.Is(err, errTemp),
			RecordFailure: true,
		}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return errPermanent
	}, func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     1 * time.Millisecond,
		RetryMaxBackoff:         1 * time.Millisecond,
		RetryMultiplier:         2,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      50 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
	})

	errTemp := errors.New("temporary")
	classifier := func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: true,
		}
	}

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "op", func(context.Context) error {
			return errTemp
		}, classifier)
		if !errors.Is(err, errTemp) {
			t.Fatalf("expected temporary error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, classifier)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
}

func TestOpenCircuitIsTransient(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		BreakerEnabled:          true,
		BreakerMinRequests:      1,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      time.Minute,
		BreakerHalfOpenMaxCalls: 1,
	})
	down := domain.WrapError(domain.ErrLLMUnavailable, "classify", errors.New("connection refused"))
	_ = exec.Execute(context.Background(), "llm_classify", func(context.Context) error { return down }, nil)

	err := exec.Execute(context.Background(), "llm_classify", func(context.Context) error { return nil }, nil)
	if !domain.IsTransient(err) || !IsCircuitOpen(err) {
		t.Fatalf("expected transient open-circuit error, got %v", err)
	}
	if got := exec.States()["llm_classify"]; got != gobreaker.StateOpen.String() {
		t.Fatalf("breaker state = %q", got)
	}
}

func TestClassifyDomainError(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
		record    bool
	}{
		{domain.WrapError(domain.ErrLLMUnavailable, "op", errors.New("503")), true, true},
		{domain.WrapError(domain.ErrTemporary, "op", errors.New("reset")), true, true},
		{domain.WrapError(domain.ErrLLMMalformedResponse, "op", errors.New("not json")), false, false},
		{context.Canceled, false, false},
		{errors.New("unexpected"), false, true},
	}
	for _, c := range cases {
		got := ClassifyDomainError(c.err)
		if got.Retryable != c.retryable || got.RecordFailure != c.record {
			t.Fatalf("ClassifyDomainError(%v) = %+v", c.err, got)
		}
	}
}

func TestExecuteAppliesOperationOverride(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    4,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
		Overrides: []Override{
			{Prefix: "nats.", RetryMaxAttempts: 2},
			{Prefix: "nats.notify", RetryMaxAttempts: 1},
		},
	})

	errTemp := errors.New("temporary")
	retryable := func(error) ErrorClassification {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	cases := map[string]int{
		"ollama_chat":  4,
		"nats.publish": 2,
		"nats.notify":  1,
	}
	for op, want := range cases {
		attempts := 0
		err := exec.Execute(context.Background(), op, func(context.Context) error {
			attempts++
			return errTemp
		}, retryable)
		if !errors.Is(err, errTemp) {
			t.Fatalf("%s: expected temporary error, got %v", op, err)
		}
		if attempts != want {
			t.Fatalf("%s: expected %d attempts, got %d", op, want, attempts)
		}
	}
}

func TestDefaultConfigShortensEventBusPolicy(t *testing.T) {
	cfg := DefaultConfig().normalize()
	base := cfg.forOperation("openai_chat")
	bus := cfg.forOperation("nats.publish")

	if base.RetryMaxAttempts != cfg.RetryMaxAttempts || base.BreakerOpenTimeout != cfg.BreakerOpenTimeout {
		t.Fatalf("model calls must keep the base policy, got %+v", base)
	}
	if bus.RetryMaxAttempts >= base.RetryMaxAttempts {
		t.Fatalf("expected fewer attempts for the event bus, got %d", bus.RetryMaxAttempts)
	}
	if bus.BreakerOpenTimeout >= base.BreakerOpenTimeout {
		t.Fatalf("expected a shorter open timeout for the event bus, got %v", bus.BreakerOpenTimeout)
	}
	if bus.RetryMaxBackoff < bus.RetryInitialBackoff {
		t.Fatalf("max backoff below initial backoff: %+v", bus)
	}
}
