package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()
	fg := newGroup()

	var called string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	t.Parallel()
	fg := newGroup()

	got, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return v + "-result", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secondary-result" {
		t.Fatalf("result = %q, want secondary-result", got)
	}
}

func TestFallbackGroup_AllFailWrapsLastError(t *testing.T) {
	t.Parallel()
	fg := newGroup()

	err := fg.Execute(context.Background(), func(context.Context, string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want it to wrap errTest", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := newGroup()
	ctx := context.Background()

	for range 3 {
		_ = fg.Execute(ctx, func(_ context.Context, v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if st := fg.States()["primary"]; st != StateOpen {
		t.Fatalf("primary state = %v, want open", st)
	}

	var calls []string
	err := fg.Execute(ctx, func(_ context.Context, v string) error {
		calls = append(calls, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 1 || calls[0] != "secondary" {
		t.Errorf("calls = %v, want only secondary", calls)
	}
}

func TestFallbackGroup_StopsWhenContextDone(t *testing.T) {
	t.Parallel()
	fg := newGroup()
	ctx, cancel := context.WithCancel(context.Background())

	var calls []string
	err := fg.Execute(ctx, func(_ context.Context, v string) error {
		calls = append(calls, v)
		cancel()
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want Canceled", err)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want only the primary", calls)
	}
	if st := fg.States()["primary"]; st != StateClosed {
		t.Errorf("primary state = %v, want closed after caller cancellation", st)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	names := newGroup().Names()
	if len(names) != 2 || names[0] != "primary" || names[1] != "secondary" {
		t.Errorf("Names = %v", names)
	}
}
