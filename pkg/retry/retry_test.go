package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/orchid/pkg/errclass"
)

// newTestManager returns a manager whose sleeps are recorded instead of
// performed.
func newTestManager(policy Policy) (*Manager, *[]time.Duration) {
	m := NewManager(policy)
	delays := &[]time.Duration{}
	m.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return m, delays
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	m, delays := newTestManager(DefaultPolicy())

	calls := 0
	result, err := Execute(context.Background(), m, "op", func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestExecuteRetriesNetworkErrors(t *testing.T) {
	m, delays := newTestManager(DefaultPolicy())

	calls := 0
	result, err := Execute(context.Background(), m, "op", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("dial tcp: ECONNREFUSED")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
	require.Len(t, *delays, 2)

	// delay(n) >= base * multiplier^n and <= max * 1.1 after jitter
	assert.GreaterOrEqual(t, (*delays)[0], 1000*time.Millisecond)
	assert.GreaterOrEqual(t, (*delays)[1], 2000*time.Millisecond)
	for _, d := range *delays {
		assert.LessOrEqual(t, d, 33*time.Second)
	}
}

func TestExecuteDoesNotRetryAuthErrors(t *testing.T) {
	m, delays := newTestManager(DefaultPolicy())

	calls := 0
	_, err := Execute(context.Background(), m, "op", func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("401 unauthorized")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)

	var classified *errclass.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, errclass.CategoryAuth, classified.Category)
}

func TestExecuteRateLimitFloorAndBudget(t *testing.T) {
	m, delays := newTestManager(DefaultPolicy())

	calls := 0
	result, err := Execute(context.Background(), m, "op", func(ctx context.Context) (string, error) {
		calls++
		if calls <= 6 {
			return "", errors.New("429 rate limit exceeded")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	// budget = min(2*3, 6) retries, so the 7th attempt reaches success
	assert.Equal(t, 7, calls)

	for _, d := range *delays {
		assert.GreaterOrEqual(t, d, 5*time.Second, "rate-limit delays honor the 5s floor")
	}

	// The 6 rejected attempts belong to one call and must not trip the
	// breaker mid-call.
	state, _ := m.CircuitState("op")
	assert.False(t, state.IsOpen)
}

func TestExecuteRecordsOneCircuitFailurePerCall(t *testing.T) {
	m, _ := newTestManager(DefaultPolicy())

	calls := 0
	_, err := Execute(context.Background(), m, "op", func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("connection reset")
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls, "MaxRetries 3 means 4 attempts")

	state, ok := m.CircuitState("op")
	require.True(t, ok)
	assert.Equal(t, 1, state.FailureCount)
	assert.False(t, state.IsOpen)
}

func TestCircuitOpensAfterFifthFailure(t *testing.T) {
	m, _ := newTestManager(Policy{MaxRetries: 1})

	boom := func(ctx context.Context) (string, error) {
		return "", errors.New("connection reset")
	}

	// Each failed Execute counts once, whatever its internal attempts;
	// after the 5th failed call the circuit must be open.
	for i := 0; i < 5; i++ {
		_, err := Execute(context.Background(), m, "x", boom)
		require.Error(t, err)
	}

	state, ok := m.CircuitState("x")
	require.True(t, ok)
	assert.True(t, state.IsOpen)
	assert.Equal(t, 5, state.FailureCount)

	calls := 0
	_, err := Execute(context.Background(), m, "x", func(ctx context.Context) (string, error) {
		calls++
		return "", nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, calls, "open circuit must not invoke the operation")
	assert.True(t, strings.Contains(err.Error(), "Circuit breaker is open"))

	var classified *errclass.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, errclass.CategoryNetwork, classified.Category)
	assert.False(t, classified.Retryable)
}

func TestCircuitHalfOpenSingleProbe(t *testing.T) {
	table := newCircuitTable()

	for i := 0; i < 5; i++ {
		table.recordFailure("x")
	}
	s, _ := table.state("x")
	require.True(t, s.IsOpen)

	// Still inside cooldown: refused.
	require.Error(t, table.allow("x"))

	// Simulate elapsed cooldown.
	table.mu.Lock()
	table.circuits["x"].LastFailureAt = time.Now().Add(-10 * time.Minute)
	table.mu.Unlock()

	// Exactly one probe allowed.
	require.NoError(t, table.allow("x"))
	require.Error(t, table.allow("x"), "second concurrent probe refused")

	// Probe success closes the circuit.
	table.recordSuccess("x")
	require.NoError(t, table.allow("x"))

	s, _ = table.state("x")
	assert.False(t, s.IsOpen)
	assert.Equal(t, 0, s.FailureCount)
}

func TestCircuitProbeFailureReopens(t *testing.T) {
	table := newCircuitTable()

	for i := 0; i < 5; i++ {
		table.recordFailure("x")
	}
	table.mu.Lock()
	table.circuits["x"].LastFailureAt = time.Now().Add(-10 * time.Minute)
	table.mu.Unlock()

	require.NoError(t, table.allow("x"))
	table.recordFailure("x")

	s, _ := table.state("x")
	assert.True(t, s.IsOpen)
	assert.Equal(t, 6, s.FailureCount)
	assert.Equal(t, 120*time.Second, s.cooldown(), "cooldown doubles past the threshold")

	require.Error(t, table.allow("x"))
}

func TestCooldownCap(t *testing.T) {
	s := &CircuitState{FailureCount: 20}
	assert.Equal(t, 300*time.Second, s.cooldown())
}

func TestHistoryBounded(t *testing.T) {
	m, _ := newTestManager(Policy{MaxRetries: 1})

	for i := 0; i < 150; i++ {
		// Succeed every call so the circuit never opens.
		_, _ = Execute(context.Background(), m, "h", func(ctx context.Context) (int, error) {
			return i, nil
		})
	}

	h := m.History("h")
	assert.LessOrEqual(t, len(h), 100)
}

func TestExecuteObservesCancellation(t *testing.T) {
	m := NewManager(DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Execute(ctx, m, "op", func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("should not run")
	})

	require.Error(t, err)
	assert.True(t, errclass.IsAborted(err))
}
