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

package events

import (
	"context"
	"sync"
	"time"

	"github.com/kadirpekel/orchid/pkg/task"
)

// TaskState is the observable snapshot of one task's progress.
type TaskState struct {
	TaskID            string
	Status            task.Status
	Paused            bool
	ConsecutiveErrors int
	Iterations        int
	IdleRounds        int
	MaxIterations     int
	MaxErrorStreak    int
	MaxIdleRounds     int
	LastChangeAt      time.Time
}

// StateBook tracks TaskState per task and publishes a change event on
// every update.
type StateBook struct {
	mu     sync.RWMutex
	states map[string]*TaskState
	bus    *Bus
}

// NewStateBook creates a book publishing on the given bus.
func NewStateBook(bus *Bus) *StateBook {
	return &StateBook{
		states: make(map[string]*TaskState),
		bus:    bus,
	}
}

// Register creates the state record for a task with its loop bounds.
func (s *StateBook) Register(ctx context.Context, taskID string, maxIterations, maxErrorStreak, maxIdleRounds int) {
	s.mu.Lock()
	s.states[taskID] = &TaskState{
		TaskID:         taskID,
		Status:         task.StatusInit,
		MaxIterations:  maxIterations,
		MaxErrorStreak: maxErrorStreak,
		MaxIdleRounds:  maxIdleRounds,
		LastChangeAt:   time.Now(),
	}
	s.mu.Unlock()

	s.bus.Publish(ctx, Event{Type: TaskRegistered, TaskID: taskID})
}

// Remove deletes the state record.
func (s *StateBook) Remove(ctx context.Context, taskID string) {
	s.mu.Lock()
	_, ok := s.states[taskID]
	delete(s.states, taskID)
	s.mu.Unlock()

	if ok {
		s.bus.Publish(ctx, Event{Type: TaskRemoved, TaskID: taskID})
	}
}

// SetStatus updates the task status and publishes when it changed.
func (s *StateBook) SetStatus(ctx context.Context, taskID string, status task.Status) {
	changed := s.update(taskID, func(st *TaskState) bool {
		if st.Status == status {
			return false
		}
		st.Status = status
		return true
	})
	if changed {
		s.bus.Publish(ctx, Event{Type: StateStatusChanged, TaskID: taskID, Payload: status})
	}
}

// SetPaused updates the pause flag and publishes when it changed.
func (s *StateBook) SetPaused(ctx context.Context, taskID string, paused bool) {
	changed := s.update(taskID, func(st *TaskState) bool {
		if st.Paused == paused {
			return false
		}
		st.Paused = paused
		return true
	})
	if changed {
		s.bus.Publish(ctx, Event{Type: StatePauseChanged, TaskID: taskID, Payload: paused})
	}
}

// SetErrors updates the consecutive-error count and publishes when it
// changed.
func (s *StateBook) SetErrors(ctx context.Context, taskID string, count int) {
	changed := s.update(taskID, func(st *TaskState) bool {
		if st.ConsecutiveErrors == count {
			return false
		}
		st.ConsecutiveErrors = count
		return true
	})
	if changed {
		s.bus.Publish(ctx, Event{Type: StateErrorsChanged, TaskID: taskID, Payload: count})
	}
}

// SetProgress updates iteration and idle-round counts and publishes
// when either changed.
func (s *StateBook) SetProgress(ctx context.Context, taskID string, iterations, idleRounds int) {
	changed := s.update(taskID, func(st *TaskState) bool {
		if st.Iterations == iterations && st.IdleRounds == idleRounds {
			return false
		}
		st.Iterations = iterations
		st.IdleRounds = idleRounds
		return true
	})
	if changed {
		s.bus.Publish(ctx, Event{Type: StateProgressChanged, TaskID: taskID})
	}
}

// Get returns a copy of the task's state.
func (s *StateBook) Get(taskID string) (TaskState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[taskID]
	if !ok {
		return TaskState{}, false
	}
	return *st, true
}

func (s *StateBook) update(taskID string, f func(*TaskState) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[taskID]
	if !ok {
		return false
	}
	if !f(st) {
		return false
	}
	st.LastChangeAt = time.Now()
	return true
}
