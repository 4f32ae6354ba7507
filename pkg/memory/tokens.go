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

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/orchid/pkg/llm"
)

// TokenCounter counts tokens for a specific model. When the model's
// encoding cannot be loaded it falls back to a chars/4 estimate, so a
// counter is always usable.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

func NewTokenCounter(model string) *TokenCounter {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached, model: model}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err == nil {
		cacheMu.Lock()
		encodingCache[model] = encoding
		cacheMu.Unlock()
	}

	return &TokenCounter{encoding: encoding, model: model}
}

func (tc *TokenCounter) Model() string { return tc.model }

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		// Rough estimation: 4 characters per token.
		return len(text) / 4
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessage counts one message including its role overhead, per
// OpenAI's message framing.
func (tc *TokenCounter) CountMessage(msg *llm.Message) int {
	const tokensPerMessage = 3 // <|start|>role|message<|end|>
	total := tokensPerMessage
	total += tc.Count(string(msg.Role))
	total += tc.Count(msg.Text())
	for _, p := range msg.Parts {
		switch {
		case p.Type == llm.PartToolCall && p.ToolCall != nil:
			total += tc.Count(p.ToolCall.DedupKey())
		case p.Type == llm.PartToolResult && p.ToolResult != nil:
			total += tc.Count(p.ToolResult.Result)
		}
	}
	return total
}

// CountMessages counts a whole history, including reply priming.
func (tc *TokenCounter) CountMessages(messages []llm.Message) int {
	total := 0
	for i := range messages {
		total += tc.CountMessage(&messages[i])
	}
	// Every reply is primed with <|start|>assistant<|message|>.
	return total + 3
}
