package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Dependency identifies one fallible collaborator tracked by the manager.
type Dependency string

const (
	// DepAudio covers the microphone/speaker device.
	DepAudio Dependency = "audio"
	// DepSession covers the remote realtime speech service.
	DepSession Dependency = "session"
)

// ErrBackoff is returned by Do when a dependency is still inside its retry
// holdoff window; no attempt was made and no failure is recorded.
var ErrBackoff = errors.New("recovery: dependency in backoff holdoff")

// Config tunes the manager. Zero values pick the documented defaults.
type Config struct {
	Strategy Strategy
	// DegradeThreshold is the number of consecutive exhausted-budget
	// failures after which a dependency is flagged degraded. Default 5.
	DegradeThreshold int
	// Retryable classifies errors; non-retryable errors short-circuit Do.
	// The default retries everything except context cancellation.
	Retryable func(error) bool
	// Sleep waits between attempts; tests override it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	Logf  func(format string, args ...any)
}

// depState is the per-dependency recovery record. Each dependency carries
// its own lock: audio and session fail and recover independently and must
// never contend on a shared mutex.
type depState struct {
	mu        sync.Mutex
	failures  int
	nextRetry time.Time
	degraded  bool
}

// Manager wraps collaborator operations with retry, backoff and degrade
// bookkeeping. The retry budget is turn-scoped: Do never loops forever, it
// gives up after Strategy.MaxAttempts and lets the caller fail the turn.
type Manager struct {
	strategy  Strategy
	threshold int
	retryable func(error) bool
	sleep     func(ctx context.Context, d time.Duration) error
	logf      func(format string, args ...any)

	mu   sync.Mutex
	deps map[Dependency]*depState
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	m := &Manager{
		strategy:  cfg.Strategy.withDefaults(),
		threshold: cfg.DegradeThreshold,
		retryable: cfg.Retryable,
		sleep:     cfg.Sleep,
		logf:      cfg.Logf,
		deps:      make(map[Dependency]*depState),
	}
	if m.threshold <= 0 {
		m.threshold = 5
	}
	if m.retryable == nil {
		m.retryable = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if m.sleep == nil {
		m.sleep = sleepCtx
	}
	if m.logf == nil {
		m.logf = log.Printf
	}
	m.deps[DepAudio] = &depState{}
	m.deps[DepSession] = &depState{}
	return m
}

func (m *Manager) dep(d Dependency) *depState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.deps[d]
	if !ok {
		st = &depState{}
		m.deps[d] = st
	}
	return st
}

// Do runs fn against dep under the turn-scoped retry budget. A success on
// any attempt resets the dependency's consecutive-failure counter. When the
// budget is exhausted the failure is recorded and the last error returned;
// the caller decides what failing the turn means.
func (m *Manager) Do(ctx context.Context, dep Dependency, op string, fn func(context.Context) error) error {
	st := m.dep(dep)
	st.mu.Lock()
	holdoff := time.Until(st.nextRetry)
	st.mu.Unlock()
	if holdoff > 0 {
		return fmt.Errorf("%s: %w (%s)", op, ErrBackoff, holdoff.Round(time.Millisecond))
	}

	var lastErr error
	for attempt := 1; attempt <= m.strategy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			m.NoteSuccess(dep)
			return nil
		}
		lastErr = err
		if !m.retryable(err) {
			return err
		}
		m.logf("recovery: %s attempt %d/%d failed: %v", op, attempt, m.strategy.MaxAttempts, err)
		if attempt < m.strategy.MaxAttempts {
			if serr := m.sleep(ctx, m.strategy.Delay(attempt)); serr != nil {
				return serr
			}
		}
	}
	m.RecordFailure(dep)
	return lastErr
}

// NoteSuccess resets dep's consecutive-failure counter. The degraded flag
// is deliberately left alone: clearing it requires a full successful
// round-trip turn, reported via NoteRoundTrip, so a single lucky probe or
// operation cannot flap the dependency back to the primary path.
func (m *Manager) NoteSuccess(dep Dependency) {
	st := m.dep(dep)
	st.mu.Lock()
	st.failures = 0
	st.nextRetry = time.Time{}
	st.mu.Unlock()
}

// RecordFailure registers one exhausted-budget failure against dep,
// advancing the next-retry-eligible timestamp and flipping the degraded
// flag once the threshold is crossed.
func (m *Manager) RecordFailure(dep Dependency) {
	st := m.dep(dep)
	st.mu.Lock()
	st.failures++
	st.nextRetry = time.Now().Add(m.strategy.ceiling(st.failures))
	crossed := !st.degraded && st.failures >= m.threshold
	if crossed {
		st.degraded = true
	}
	failures := st.failures
	st.mu.Unlock()
	if crossed {
		m.logf("recovery: %s degraded after %d consecutive failures", dep, failures)
	}
}

// NoteRoundTrip records a fully successful round trip against dep, clearing
// both the failure counter and the degraded flag.
func (m *Manager) NoteRoundTrip(dep Dependency) {
	st := m.dep(dep)
	st.mu.Lock()
	wasDegraded := st.degraded
	st.failures = 0
	st.nextRetry = time.Time{}
	st.degraded = false
	st.mu.Unlock()
	if wasDegraded {
		m.logf("recovery: %s recovered, leaving degraded mode", dep)
	}
}

// Degraded reports whether dep is currently flagged degraded.
func (m *Manager) Degraded(dep Dependency) bool {
	st := m.dep(dep)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.degraded
}

// Failures reports dep's consecutive exhausted-budget failure count.
func (m *Manager) Failures(dep Dependency) int {
	st := m.dep(dep)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failures
}

// View is a read-only snapshot of one dependency's recovery state.
type View struct {
	Failures  int       `json:"failures"`
	Degraded  bool      `json:"degraded"`
	NextRetry time.Time `json:"next_retry,omitempty"`
}

// Snapshot returns the recovery state of every tracked dependency.
func (m *Manager) Snapshot() map[Dependency]View {
	m.mu.Lock()
	names := make([]Dependency, 0, len(m.deps))
	for d := range m.deps {
		names = append(names, d)
	}
	m.mu.Unlock()

	out := make(map[Dependency]View, len(names))
	for _, d := range names {
		st := m.dep(d)
		st.mu.Lock()
		out[d] = View{Failures: st.failures, Degraded: st.degraded, NextRetry: st.nextRetry}
		st.mu.Unlock()
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
