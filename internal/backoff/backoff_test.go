package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := p.delayWithRand(tc.attempt, 0); got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayClampedToMax(t *testing.T) {
	p := Policy{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0}
	if got := p.delayWithRand(10, 0); got != 2*time.Second {
		t.Errorf("expected clamp to 2s, got %v", got)
	}
}

func TestDelayJitterIsUpward(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Minute, Factor: 2, Jitter: 0.5}
	base := p.delayWithRand(1, 0)
	full := p.delayWithRand(1, 1)
	if base != 100*time.Millisecond {
		t.Errorf("zero random should give base delay, got %v", base)
	}
	if full != 150*time.Millisecond {
		t.Errorf("full jitter should add 50%%, got %v", full)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1, Jitter: 0}
	calls := 0

	value, err := Retry(context.Background(), p, 3, nil, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if value != "ok" || calls != 3 {
		t.Errorf("value=%s calls=%d", value, calls)
	}
}

func TestRetryExhaustedReturnsLastError(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1, Jitter: 0}
	lastErr := errors.New("still failing")
	calls := 0

	_, err := Retry(context.Background(), p, 3, nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, lastErr
	})
	if !errors.Is(err, lastErr) {
		t.Errorf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1, Jitter: 0}
	permanent := errors.New("bad request")
	calls := 0

	_, err := Retry(context.Background(), p, 5, func(err error) bool { return false }, func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error must not retry, got %d calls", calls)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	p := Policy{Initial: time.Hour, Max: time.Hour, Factor: 1, Jitter: 0}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := Retry(ctx, p, 3, nil, func(ctx context.Context) (int, error) {
			return 0, errors.New("transient")
		})
		if err == nil {
			t.Error("expected error after cancellation")
		}
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not return after context cancellation")
	}
}
