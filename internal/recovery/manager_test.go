package recovery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestManager(attempts, threshold int) *Manager {
	return New(Config{
		Strategy:         Strategy{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: attempts},
		DegradeThreshold: threshold,
		Sleep:            func(context.Context, time.Duration) error { return nil },
		Logf:             func(string, ...any) {},
	})
}

func TestDo_SuccessResetsCounter(t *testing.T) {
	m := newTestManager(1, 5)
	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		// Budget of 1: each failing Do records one exhausted failure.
		time.Sleep(10 * time.Millisecond) // clear the short test holdoff
		if err := m.Do(context.Background(), DepSession, "session.send", func(context.Context) error {
			return boom
		}); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	}
	if got := m.Failures(DepSession); got != 2 {
		t.Fatalf("expected 2 failures, got %d", got)
	}

	time.Sleep(10 * time.Millisecond)
	calls := 0
	err := m.Do(context.Background(), DepSession, "session.send", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if got := m.Failures(DepSession); got != 0 {
		t.Fatalf("expected counter reset on success, got %d", got)
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	m := newTestManager(3, 5)
	calls := 0
	err := m.Do(context.Background(), DepSession, "session.open", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if m.Failures(DepSession) != 0 {
		t.Fatalf("expected no recorded failures after eventual success")
	}
}

func TestDo_ExhaustsBudgetAndRecordsOneFailure(t *testing.T) {
	m := newTestManager(3, 5)
	boom := errors.New("boom")
	calls := 0
	err := m.Do(context.Background(), DepSession, "session.send", func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if got := m.Failures(DepSession); got != 1 {
		t.Fatalf("expected exactly one recorded failure per exhausted budget, got %d", got)
	}
}

func TestDo_NonRetryableShortCircuits(t *testing.T) {
	cfgErr := errors.New("configuration")
	m := New(Config{
		Strategy:  Strategy{Base: time.Millisecond, MaxAttempts: 3},
		Retryable: func(err error) bool { return !errors.Is(err, cfgErr) },
		Sleep:     func(context.Context, time.Duration) error { return nil },
		Logf:      func(string, ...any) {},
	})
	calls := 0
	err := m.Do(context.Background(), DepSession, "session.open", func(context.Context) error {
		calls++
		return cfgErr
	})
	if !errors.Is(err, cfgErr) {
		t.Fatalf("expected config error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected single attempt for non-retryable error, got %d", calls)
	}
	if m.Failures(DepSession) != 0 {
		t.Fatalf("non-retryable errors must not count toward degrade")
	}
}

func TestDo_HoldoffReturnsErrBackoffWithoutAttempting(t *testing.T) {
	m := New(Config{
		Strategy: Strategy{Base: time.Minute, Max: time.Minute, MaxAttempts: 1},
		Sleep:    func(context.Context, time.Duration) error { return nil },
		Logf:     func(string, ...any) {},
	})
	m.RecordFailure(DepAudio)
	calls := 0
	err := m.Do(context.Background(), DepAudio, "audio.stream_in", func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrBackoff) {
		t.Fatalf("expected ErrBackoff, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no attempt during holdoff, got %d", calls)
	}
	if got := m.Failures(DepAudio); got != 1 {
		t.Fatalf("holdoff must not add failures, got %d", got)
	}
}

func TestRecordFailure_MonotonicAndDegradesAtThreshold(t *testing.T) {
	m := newTestManager(1, 3)
	for i := 1; i <= 3; i++ {
		m.RecordFailure(DepSession)
		if got := m.Failures(DepSession); got != i {
			t.Fatalf("expected %d failures, got %d", i, got)
		}
	}
	if !m.Degraded(DepSession) {
		t.Fatalf("expected degraded at threshold")
	}
	if m.Degraded(DepAudio) {
		t.Fatalf("audio must be unaffected by session failures")
	}
}

func TestNoteSuccess_ResetsCounterButNotDegraded(t *testing.T) {
	m := newTestManager(1, 2)
	m.RecordFailure(DepSession)
	m.RecordFailure(DepSession)
	if !m.Degraded(DepSession) {
		t.Fatalf("expected degraded")
	}
	m.NoteSuccess(DepSession)
	if m.Failures(DepSession) != 0 {
		t.Fatalf("expected counter reset")
	}
	if !m.Degraded(DepSession) {
		t.Fatalf("a single success must not clear degraded")
	}
}

func TestNoteRoundTrip_ClearsDegraded(t *testing.T) {
	m := newTestManager(1, 2)
	m.RecordFailure(DepSession)
	m.RecordFailure(DepSession)
	m.NoteRoundTrip(DepSession)
	if m.Degraded(DepSession) {
		t.Fatalf("expected degraded cleared after full round trip")
	}
	if m.Failures(DepSession) != 0 {
		t.Fatalf("expected counter cleared after full round trip")
	}
}

func TestDo_CancelledContext(t *testing.T) {
	m := newTestManager(3, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Do(ctx, DepSession, "session.send", func(context.Context) error {
		t.Fatalf("must not attempt with cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStrategy_DelayBounds(t *testing.T) {
	s := Strategy{Base: 100 * time.Millisecond, Max: time.Second, MaxAttempts: 5}.withDefaults()
	for n := 1; n <= 10; n++ {
		d := s.Delay(n)
		if d <= 0 {
			t.Fatalf("delay %d: expected positive, got %v", n, d)
		}
		if d > s.Max {
			t.Fatalf("delay %d: expected <= max, got %v", n, d)
		}
	}
	if c := s.ceiling(1); c != 100*time.Millisecond {
		t.Fatalf("ceiling(1) = %v", c)
	}
	if c := s.ceiling(2); c != 200*time.Millisecond {
		t.Fatalf("ceiling(2) = %v", c)
	}
	if c := s.ceiling(20); c != time.Second {
		t.Fatalf("ceiling(20) should cap at max, got %v", c)
	}
}

func TestSnapshot_CoversBothDependencies(t *testing.T) {
	m := newTestManager(1, 5)
	m.RecordFailure(DepAudio)
	snap := m.Snapshot()
	if snap[DepAudio].Failures != 1 {
		t.Fatalf("expected audio failure in snapshot, got %+v", snap[DepAudio])
	}
	if snap[DepSession].Failures != 0 {
		t.Fatalf("expected clean session in snapshot, got %+v", snap[DepSession])
	}
}
