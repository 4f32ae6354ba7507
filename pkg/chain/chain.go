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

// Package chain keeps the per-task audit log of tool invocations,
// separate from the LLM message history. Records are append-only and
// ordered; the planner also uses the chain to recover prior
// plan_request/plan_result pairs on replan.
package chain

import (
	"context"
	"sync"
	"time"
)

// Record kinds. Tool calls dominate; the planner appends plan records
// so a replan can replay the prior exchange.
const (
	KindToolCall    = "tool_call"
	KindPlanRequest = "plan_request"
	KindPlanResult  = "plan_result"
)

// Record is one audit entry.
type Record struct {
	Kind       string         `json:"kind"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Request    string         `json:"request,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Result     string         `json:"result,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store persists chains keyed by task id.
type Store interface {
	// Append adds a record at the end of the task's chain.
	Append(ctx context.Context, taskID string, rec Record) error

	// Records returns the task's chain in append order.
	Records(ctx context.Context, taskID string) ([]Record, error)

	// Delete removes the task's chain.
	Delete(ctx context.Context, taskID string) error

	// Close releases backing resources.
	Close() error
}

// MemoryStore is the default in-process store.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]Record)}
}

func (s *MemoryStore) Append(_ context.Context, taskID string, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[taskID] = append(s.chains[taskID], rec)
	return nil
}

func (s *MemoryStore) Records(_ context.Context, taskID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.chains[taskID]...), nil
}

func (s *MemoryStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chains, taskID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// LastPlanExchange returns the most recent plan_request/plan_result
// pair from the task's chain, or ok=false when the task has not been
// planned yet.
func LastPlanExchange(ctx context.Context, store Store, taskID string) (request, result string, ok bool, err error) {
	records, err := store.Records(ctx, taskID)
	if err != nil {
		return "", "", false, err
	}

	for i := len(records) - 1; i >= 0; i-- {
		switch records[i].Kind {
		case KindPlanResult:
			if result == "" {
				result = records[i].Result
			}
		case KindPlanRequest:
			if result != "" {
				return records[i].Request, result, true, nil
			}
		}
	}
	return "", "", false, nil
}
