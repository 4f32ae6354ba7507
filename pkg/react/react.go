// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package react tracks the Reason-Act-Observe loop state for one task:
// per-iteration records, error-streak and idle-round counters, and the
// halt predicates that bound the loop.
//
// The runtime is pure bookkeeping. The agent loop drives it; nothing
// here calls an LLM or a tool.
package react

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IterationStatus is the lifecycle state of one loop iteration.
type IterationStatus string

const (
	StatusReasoning   IterationStatus = "reasoning"
	StatusAction      IterationStatus = "action"
	StatusObservation IterationStatus = "observation"
	StatusCompletion  IterationStatus = "completion"
	StatusFailed      IterationStatus = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s IterationStatus) IsTerminal() bool {
	return s == StatusCompletion || s == StatusFailed
}

// StopReason explains why the loop stopped.
type StopReason string

const (
	// StopDone means the loop produced a final response.
	StopDone StopReason = "done"

	// StopError means the loop halted on an error streak or a fatal
	// error.
	StopError StopReason = "error"

	// StopLength means the loop ran out of iterations or idle rounds
	// without producing a final response.
	StopLength StopReason = "length"

	// StopAbort means the loop was cancelled.
	StopAbort StopReason = "abort"
)

// Iteration is the record of one Reason-Act-Observe round. Once the
// status is terminal the record is never mutated again.
type Iteration struct {
	ID           string
	Index        int
	StartedAt    time.Time
	Status       IterationStatus
	Thought      string
	Action       string
	Observation  string
	Response     string
	FinishReason string
	ErrorMessage string
}

// Config bounds the loop.
type Config struct {
	// MaxIterations caps total loop rounds.
	MaxIterations int

	// MaxErrorStreak halts the loop after this many consecutive
	// failed tool observations.
	MaxErrorStreak int

	// MaxIdleRounds halts the loop after this many consecutive rounds
	// that produced neither a tool execution nor final text.
	MaxIdleRounds int
}

// DefaultConfig returns the standard loop bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  100,
		MaxErrorStreak: 5,
		MaxIdleRounds:  3,
	}
}

func (c *Config) setDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 100
	}
	if c.MaxErrorStreak <= 0 {
		c.MaxErrorStreak = 5
	}
	if c.MaxIdleRounds <= 0 {
		c.MaxIdleRounds = 3
	}
}

// Runtime is the loop state for one task. The agent loop is the only
// writer; observers may read a snapshot concurrently.
type Runtime struct {
	mu sync.RWMutex

	config            Config
	iterations        []*Iteration
	consecutiveErrors int
	idleRounds        int
	finalResponse     string
	stopReason        StopReason
}

// NewRuntime creates a runtime with the given bounds. Zero fields fall
// back to defaults.
func NewRuntime(config Config) *Runtime {
	config.setDefaults()
	return &Runtime{config: config}
}

// StartIteration opens a new iteration in the reasoning state and
// returns its record.
func (r *Runtime) StartIteration() *Iteration {
	r.mu.Lock()
	defer r.mu.Unlock()

	it := &Iteration{
		ID:        uuid.NewString(),
		Index:     len(r.iterations),
		StartedAt: time.Now(),
		Status:    StatusReasoning,
	}
	r.iterations = append(r.iterations, it)
	return it
}

// RecordThought stores the model's reasoning text on the current
// iteration. The iteration stays in the reasoning state.
func (r *Runtime) RecordThought(thought string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it := r.current()
	if it == nil || it.Status.IsTerminal() {
		return
	}
	it.Thought = thought
}

// RecordAction transitions the current iteration to the action state.
func (r *Runtime) RecordAction(action string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it := r.current()
	if it == nil || it.Status.IsTerminal() {
		return
	}
	it.Action = action
	it.Status = StatusAction
}

// RecordObservation transitions the current iteration to the
// observation state. A successful observation resets both the error
// streak and the idle-round counter; a failed one increments the error
// streak.
func (r *Runtime) RecordObservation(observation string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it := r.current()
	if it != nil && !it.Status.IsTerminal() {
		it.Observation = observation
		it.Status = StatusObservation
	}

	if success {
		r.consecutiveErrors = 0
		r.idleRounds = 0
	} else {
		r.consecutiveErrors++
	}
}

// Complete marks the current iteration terminal with a final response
// and resets both counters.
func (r *Runtime) Complete(response, finishReason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it := r.current()
	if it != nil && !it.Status.IsTerminal() {
		it.Response = response
		it.FinishReason = finishReason
		it.Status = StatusCompletion
	}

	r.finalResponse = response
	r.stopReason = StopDone
	r.consecutiveErrors = 0
	r.idleRounds = 0
}

// Fail marks the current iteration terminal with an error message.
func (r *Runtime) Fail(errorMessage string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it := r.current()
	if it != nil && !it.Status.IsTerminal() {
		it.ErrorMessage = errorMessage
		it.Status = StatusFailed
	}

	r.stopReason = StopError
}

// MarkIdleRound counts a round that produced neither a tool execution
// nor usable final text.
func (r *Runtime) MarkIdleRound() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idleRounds++
}

// SetStopReason overrides the stop reason, used when the loop is halted
// from outside (abort, iteration budget).
func (r *Runtime) SetStopReason(reason StopReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopReason = reason
}

// ShouldHalt reports whether any halt predicate fires, with a
// human-readable explanation.
func (r *Runtime) ShouldHalt() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch {
	case len(r.iterations) >= r.config.MaxIterations:
		return true, fmt.Sprintf("reached max iterations (%d)", r.config.MaxIterations)
	case r.consecutiveErrors >= r.config.MaxErrorStreak:
		return true, fmt.Sprintf("reached %d consecutive errors", r.consecutiveErrors)
	case r.idleRounds >= r.config.MaxIdleRounds:
		return true, fmt.Sprintf("reached %d idle rounds", r.idleRounds)
	}
	return false, ""
}

// IterationCount returns the number of iterations started so far.
func (r *Runtime) IterationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.iterations)
}

// ConsecutiveErrors returns the current failed-observation streak.
func (r *Runtime) ConsecutiveErrors() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consecutiveErrors
}

// IdleRounds returns the current idle-round streak.
func (r *Runtime) IdleRounds() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idleRounds
}

// FinalResponse returns the loop's final text, if any.
func (r *Runtime) FinalResponse() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finalResponse
}

// StopReason returns why the loop stopped, empty while running.
func (r *Runtime) StopReason() StopReason {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stopReason
}

// Iterations returns a snapshot of all iteration records.
func (r *Runtime) Iterations() []Iteration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Iteration, len(r.iterations))
	for i, it := range r.iterations {
		out[i] = *it
	}
	return out
}

func (r *Runtime) current() *Iteration {
	if len(r.iterations) == 0 {
		return nil
	}
	return r.iterations[len(r.iterations)-1]
}
