package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sells-group/docintel/internal/model"
)

func fastRetry(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	attempts, err := Do(context.Background(), fastRetry(3), func(context.Context, int) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	attempts, err := Do(context.Background(), fastRetry(3), func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return errors.New("provider returned malformed JSON")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_ExhaustsBudget(t *testing.T) {
	var seen []int
	attempts, err := Do(context.Background(), fastRetry(3), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("unexpected attempt numbers %v", seen)
	}
}

func TestDo_PermanentErrorFailsFast(t *testing.T) {
	attempts, err := Do(context.Background(), fastRetry(5), func(context.Context, int) error {
		return model.ErrUnsupportedFormat
	})
	if !errors.Is(err, model.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt for permanent error, got %d", attempts)
	}
}

func TestDo_AttemptTimeoutConsumesAttempt(t *testing.T) {
	cfg := fastRetry(2)
	cfg.AttemptTimeout = 5 * time.Millisecond

	attempts, err := Do(context.Background(), cfg, func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected both attempts to time out, got %d", attempts)
	}
}

func TestDo_ContextCancelled_StopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(10)
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Second

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	attempts, err := Do(ctx, cfg, func(context.Context, int) error {
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected cancellation during first backoff, got %d attempts", attempts)
	}
}

func TestDo_OnRetryCallback(t *testing.T) {
	var retried []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	_, _ = Do(context.Background(), cfg, func(context.Context, int) error {
		return errors.New("fail")
	})
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("expected OnRetry for attempts [1 2], got %v", retried)
	}
}

func TestBackoff_ExponentialGrowthAndCap(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		Multiplier:     2.0,
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := Backoff(i, cfg); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.5,
	}
	for i := 0; i < 50; i++ {
		d := Backoff(0, cfg)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered backoff %v outside [50ms, 150ms]", d)
		}
	}
}
