// Package retry provides the retry manager: exponential backoff with
// jitter around any safely-retriable operation, a rate-limit delay
// floor, and a per-operation circuit breaker.
//
// The circuit table is process-confined state owned by the Manager;
// construction injects the Manager wherever retries are needed.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/kadirpekel/orchid/pkg/errclass"
)

const (
	// rateLimitFloor is the minimum delay between attempts after a
	// rate-limit error.
	rateLimitFloor = 5 * time.Second

	// historyLimit bounds the per-operation attempt history kept for
	// diagnostics.
	historyLimit = 100
)

// Policy configures backoff behavior.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterEnabled bool
}

// DefaultPolicy returns the engine defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BaseDelay:     1000 * time.Millisecond,
		MaxDelay:      30000 * time.Millisecond,
		Multiplier:    2,
		JitterEnabled: true,
	}
}

func (p *Policy) setDefaults() {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1000 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30000 * time.Millisecond
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
}

// Attempt is one entry in the diagnostic history.
type Attempt struct {
	At      time.Time
	Attempt int
	Err     string
	Delay   time.Duration
}

// Manager wraps operations with retry and circuit breaking, keyed by
// operation id.
type Manager struct {
	policy Policy

	circuits *circuitTable

	mu      sync.Mutex
	history map[string][]Attempt

	logger *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a retry manager with the given policy.
func NewManager(policy Policy) *Manager {
	policy.setDefaults()
	return &Manager{
		policy:   policy,
		circuits: newCircuitTable(),
		history:  make(map[string][]Attempt),
		logger:   slog.Default(),
		sleep:    sleepCtx,
	}
}

// Execute runs fn with retry under the manager's policy. The circuit
// for opID is consulted once at entry: while open, no call is started
// regardless of retry budget. Internal retries feed only the attempt
// history; the circuit records a single outcome per Execute, so the
// retry budget is always consumable before the breaker reacts. Auth,
// model, and validation errors are surfaced immediately.
func Execute[T any](ctx context.Context, m *Manager, opID string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	if err := m.circuits.allow(opID); err != nil {
		return zero, err
	}

	maxAttempts := m.policy.MaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			m.circuits.releaseProbe(opID)
			return zero, errclass.Classify(err)
		}

		result, err := fn(ctx)
		if err == nil {
			m.circuits.recordSuccess(opID)
			m.record(opID, Attempt{At: time.Now(), Attempt: attempt})
			return result, nil
		}

		lastErr = err

		classified := errclass.Classify(err)
		if !errclass.IsRetryable(err) {
			m.circuits.recordFailure(opID)
			m.record(opID, Attempt{At: time.Now(), Attempt: attempt, Err: err.Error()})
			return zero, classified
		}

		// Rate-limit errors get a larger retry budget.
		if classified.Category == errclass.CategoryRateLimit {
			budget := min(2*m.policy.MaxRetries, 6)
			maxAttempts = budget + 1
		}

		if attempt == maxAttempts-1 {
			m.record(opID, Attempt{At: time.Now(), Attempt: attempt, Err: err.Error()})
			break
		}

		delay := m.delayFor(attempt, classified.Category)
		m.record(opID, Attempt{At: time.Now(), Attempt: attempt, Err: err.Error(), Delay: delay})

		m.logger.Debug("retrying operation",
			"op", opID,
			"attempt", attempt+1,
			"delay", delay,
			"category", string(classified.Category),
			"error", err.Error())

		if err := m.sleep(ctx, delay); err != nil {
			m.circuits.releaseProbe(opID)
			return zero, errclass.Classify(err)
		}
	}

	m.circuits.recordFailure(opID)
	return zero, errclass.Classify(lastErr)
}

// delayFor computes the backoff before the attempt after `attempt`.
func (m *Manager) delayFor(attempt int, category errclass.Category) time.Duration {
	delay := time.Duration(float64(m.policy.BaseDelay) * math.Pow(m.policy.Multiplier, float64(attempt)))
	if delay > m.policy.MaxDelay || delay <= 0 {
		delay = m.policy.MaxDelay
	}

	if m.policy.JitterEnabled {
		delay += time.Duration(rand.Float64() * 0.1 * float64(delay))
	}

	if category == errclass.CategoryRateLimit && delay < rateLimitFloor {
		delay = rateLimitFloor
	}

	return delay
}

// CircuitState returns the circuit state for an operation id.
func (m *Manager) CircuitState(opID string) (CircuitState, bool) {
	return m.circuits.state(opID)
}

// History returns a copy of the bounded attempt history for opID.
func (m *Manager) History(opID string) []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Attempt(nil), m.history[opID]...)
}

func (m *Manager) record(opID string, a Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := append(m.history[opID], a)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	m.history[opID] = h
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
