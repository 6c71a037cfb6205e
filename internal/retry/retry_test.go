package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fast = Policy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}

func TestDo_SucceedsSecondAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("called %d times, want 2", calls)
	}
}

func TestDo_AllAttemptsFail(t *testing.T) {
	sentinel := errors.New("persistent failure")
	calls := 0
	err := Do(context.Background(), fast, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("error chain does not contain sentinel: %v", err)
	}
	if calls != 3 {
		t.Errorf("called %d times, want 3", calls)
	}
}

func TestDo_PermanentStopsEarly(t *testing.T) {
	sentinel := errors.New("not found")
	calls := 0
	err := Do(context.Background(), fast, func() error {
		calls++
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Errorf("err = %v, want the unwrapped sentinel", err)
	}
	if calls != 1 {
		t.Errorf("called %d times, want 1", calls)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestDo_ContextCancelledBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fast, func() error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got: %v", err)
	}
	if calls != 0 {
		t.Errorf("called %d times, want 0", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := Policy{Attempts: 3, Base: time.Hour, Max: time.Hour}

	start := time.Now()
	err := Do(ctx, slow, func() error {
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Do kept waiting after cancellation")
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, func() error {
		calls++
		return errors.New("fail")
	})
	if calls != 1 {
		t.Errorf("called %d times, want 1", calls)
	}
}

func TestPolicyDelay(t *testing.T) {
	d0 := Default.delay(0)
	if d0 < 50*time.Millisecond || d0 >= 100*time.Millisecond {
		t.Errorf("d0 = %v, expected [50ms, 100ms)", d0)
	}
	d := Default.delay(20)
	if d >= Default.Max || d < Default.Max/2 {
		t.Errorf("capped delay = %v, expected [%v, %v)", d, Default.Max/2, Default.Max)
	}
}
