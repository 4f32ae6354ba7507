package retry

import (
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/orchid/pkg/errclass"
)

const (
	// circuitFailureThreshold is the consecutive-failure count that
	// opens a circuit.
	circuitFailureThreshold = 5

	// circuitBaseCooldown is the open duration at the threshold; it
	// doubles per additional failure up to circuitMaxCooldown.
	circuitBaseCooldown = 60 * time.Second
	circuitMaxCooldown  = 300 * time.Second
)

// CircuitState tracks failures for one operation id.
type CircuitState struct {
	IsOpen        bool
	LastFailureAt time.Time
	FailureCount  int

	// halfOpen marks that the cooldown elapsed and a single probe is
	// in flight.
	halfOpen bool
}

// cooldown returns how long the circuit stays open for the current
// failure count.
func (s *CircuitState) cooldown() time.Duration {
	over := s.FailureCount - circuitFailureThreshold
	if over < 0 {
		over = 0
	}
	d := circuitBaseCooldown << over
	if d > circuitMaxCooldown || d <= 0 {
		d = circuitMaxCooldown
	}
	return d
}

// circuitTable is the process-confined circuit state, one entry per
// operation id.
type circuitTable struct {
	mu       sync.Mutex
	circuits map[string]*CircuitState
}

func newCircuitTable() *circuitTable {
	return &circuitTable{circuits: make(map[string]*CircuitState)}
}

// allow reports whether a call on opID may start. While open and inside
// the cooldown it returns a classified circuit-open error; after the
// cooldown exactly one probe is allowed through (half-open).
func (t *circuitTable) allow(opID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.circuits[opID]
	if !ok || !s.IsOpen {
		return nil
	}

	if time.Since(s.LastFailureAt) < s.cooldown() {
		return errclass.New(errclass.CategoryNetwork, false,
			fmt.Errorf("%w for operation %q", errclass.ErrCircuitOpen, opID))
	}

	if s.halfOpen {
		// A probe is already in flight; refuse concurrent callers.
		return errclass.New(errclass.CategoryNetwork, false,
			fmt.Errorf("%w for operation %q (probe in flight)", errclass.ErrCircuitOpen, opID))
	}
	s.halfOpen = true
	return nil
}

// recordFailure counts a failure and opens the circuit at the
// threshold. A failed half-open probe re-opens with an incremented
// count, stretching the next cooldown.
func (t *circuitTable) recordFailure(opID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.circuits[opID]
	if !ok {
		s = &CircuitState{}
		t.circuits[opID] = s
	}

	s.FailureCount++
	s.LastFailureAt = time.Now()
	s.halfOpen = false
	if s.FailureCount >= circuitFailureThreshold {
		s.IsOpen = true
	}
}

// releaseProbe clears a half-open probe whose call was cancelled
// before it could settle, so later callers may probe again.
func (t *circuitTable) releaseProbe(opID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.circuits[opID]; ok {
		s.halfOpen = false
	}
}

// recordSuccess closes the circuit.
func (t *circuitTable) recordSuccess(opID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.circuits[opID]; ok {
		s.IsOpen = false
		s.halfOpen = false
		s.FailureCount = 0
	}
}

// state returns a copy of the circuit state for opID, if any.
func (t *circuitTable) state(opID string) (CircuitState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.circuits[opID]
	if !ok {
		return CircuitState{}, false
	}
	return *s, true
}
