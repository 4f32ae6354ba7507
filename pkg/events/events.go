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

// Package events provides the in-process event bus and the per-task
// state book. Components publish typed events for decoupled
// notification; a panicking listener never takes down the publisher or
// its sibling listeners.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/orchid/pkg/logger"
)

// EventType tags an event on the bus.
type EventType string

const (
	// StateStatusChanged fires when a task's status changes.
	StateStatusChanged EventType = "state_status_changed"

	// StatePauseChanged fires when a task is paused or resumed.
	StatePauseChanged EventType = "state_pause_changed"

	// StateErrorsChanged fires when a task's error streak changes.
	StateErrorsChanged EventType = "state_errors_changed"

	// StateProgressChanged fires when iteration or idle-round counts
	// change.
	StateProgressChanged EventType = "state_progress_changed"

	// TaskRegistered fires when the orchestrator creates a task
	// context.
	TaskRegistered EventType = "task_registered"

	// TaskRemoved fires when the orchestrator deletes a task context.
	TaskRemoved EventType = "task_removed"
)

// Event is one bus message.
type Event struct {
	Type      EventType
	TaskID    string
	Payload   any
	Timestamp time.Time
}

// Listener receives events. It must not block for long; publishing is
// synchronous.
type Listener func(ctx context.Context, ev Event)

type subscription struct {
	id       int
	listener Listener
}

// Bus is a type-tagged publish/subscribe hub. The zero value is not
// usable; create one with NewBus.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventType][]subscription
	all    []subscription
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[EventType][]subscription),
		logger: logger.Get(),
	}
}

// Subscribe registers a listener for one event type. The returned
// function removes the subscription.
func (b *Bus) Subscribe(t EventType, l Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, listener: l})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[t] = removeSub(b.subs[t], id)
	}
}

// SubscribeAll registers a listener for every event type.
func (b *Bus) SubscribeAll(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, listener: l})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = removeSub(b.all, id)
	}
}

// Publish delivers the event to every matching listener in
// subscription order. Panics in one listener are recovered and logged
// so the remaining listeners still run.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	listeners := make([]subscription, 0, len(b.subs[ev.Type])+len(b.all))
	listeners = append(listeners, b.subs[ev.Type]...)
	listeners = append(listeners, b.all...)
	b.mu.RUnlock()

	for _, sub := range listeners {
		b.deliver(ctx, sub, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, sub subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"event", string(ev.Type), "task_id", ev.TaskID, "panic", r)
		}
	}()
	sub.listener(ctx, ev)
}

func removeSub(subs []subscription, id int) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
