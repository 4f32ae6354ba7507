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

package memory

import (
	"sync"

	"github.com/kadirpekel/orchid/pkg/llm"
)

// DefaultBufferSize bounds the chat buffer when no size is given.
const DefaultBufferSize = 100

// Buffer is a bounded conversation buffer. The system message is
// pinned; when the buffer overflows, the oldest turns after it are
// dropped. A tool message whose pairing assistant turn was dropped is
// dropped with it so tool-call ids stay answered.
type Buffer struct {
	mu       sync.Mutex
	system   *llm.Message
	messages []llm.Message
	max      int
}

// NewBuffer creates a buffer holding at most max messages, system
// message excluded.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = DefaultBufferSize
	}
	return &Buffer{max: max}
}

// SetSystem pins the system message. An empty text clears it.
func (b *Buffer) SetSystem(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text == "" {
		b.system = nil
		return
	}
	msg := llm.TextMessage(llm.RoleSystem, text)
	b.system = &msg
}

// Add appends messages, trimming the oldest turns when over capacity.
func (b *Buffer) Add(messages ...llm.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages = append(b.messages, messages...)
	for len(b.messages) > b.max {
		b.messages = b.messages[1:]
		// An orphaned tool message references calls the model can no
		// longer see.
		for len(b.messages) > 0 && b.messages[0].Role == llm.RoleTool {
			b.messages = b.messages[1:]
		}
	}
}

// Messages returns the system message, when set, followed by a copy of
// the buffered turns.
func (b *Buffer) Messages() []llm.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]llm.Message, 0, len(b.messages)+1)
	if b.system != nil {
		out = append(out, *b.system)
	}
	return append(out, b.messages...)
}

// Len returns the number of buffered turns, system message excluded.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// Clear drops all buffered turns but keeps the system message.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}
