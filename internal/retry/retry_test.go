package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient failure")

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Factor:       2.0,
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), nil, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), nil, func(ctx context.Context) error {
		calls++
		return errTransient
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !IsExhausted(err) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("exhausted error does not wrap last failure: %v", err)
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) && exhausted.Attempts != 3 {
		t.Errorf("attempts = %d", exhausted.Attempts)
	}
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	calls := 0
	cause := errors.New("bad request")
	err := Do(context.Background(), fastConfig(5), nil, func(ctx context.Context) error {
		calls++
		return Permanent(cause)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, cause) {
		t.Errorf("err = %v, want cause", err)
	}
	if IsExhausted(err) {
		t.Error("permanent failure reported as exhaustion")
	}
}

func TestDoGateDenied(t *testing.T) {
	calls := 0
	gate := GateFunc(func() bool { return false })
	err := Do(context.Background(), fastConfig(5), gate, func(ctx context.Context) error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Errorf("op ran %d times behind a closed gate", calls)
	}
	if !errors.Is(err, ErrGateDenied) {
		t.Fatalf("err = %v, want ErrGateDenied", err)
	}
}

func TestDoGateClosesMidway(t *testing.T) {
	calls := 0
	gate := GateFunc(func() bool { return calls < 2 })
	err := Do(context.Background(), fastConfig(5), gate, func(ctx context.Context) error {
		calls++
		return errTransient
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if !errors.Is(err, ErrGateDenied) {
		t.Fatalf("err = %v, want ErrGateDenied", err)
	}
	// The denial keeps the last real failure visible.
	if !errors.Is(err, errTransient) {
		t.Errorf("denial hides last failure: %v", err)
	}
}

func TestDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, Config{MaxAttempts: 100, InitialDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 1}, nil, func(ctx context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls == 0 || calls > 10 {
		t.Errorf("calls = %d", calls)
	}
}

func TestDoWithValue(t *testing.T) {
	attempts := 0
	value, err := DoWithValue(context.Background(), fastConfig(3), nil, func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errTransient
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if value != 42 {
		t.Errorf("value = %d", value)
	}
}

func TestBackoffProgression(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, 10 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt, 100*time.Millisecond, 10*time.Second, 2.0); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
