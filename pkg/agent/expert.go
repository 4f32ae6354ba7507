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

package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/orchid/pkg/llm"
	"github.com/kadirpekel/orchid/pkg/protocol"
	"github.com/kadirpekel/orchid/pkg/task"
)

const resultCheckPrompt = `You are verifying whether a task is complete.

Task plan:
%s

Candidate final response:
%s

Does the response fully accomplish the task? Reply with exactly one word: "complete" or "incomplete".`

const todoManagerPrompt = `You are auditing progress on a task.

Task plan:
%s

Recent conversation:
%s

List which plan steps are completed and which are pending, one line
each. If the conversation shows the same action repeating without new
results, end with the line "LOOP DETECTED". Be brief.`

// checkTaskResult runs the one-shot completion check of expert mode.
// The check is advisory: on any error it reports complete so the loop
// does not spin on a broken checker.
func (a *Agent) checkTaskResult(ctx context.Context, t *task.Task, candidate string) bool {
	req := &llm.Request{
		Model:       a.client.Provider().ModelName(),
		Messages:    []llm.Message{llm.TextMessage(llm.RoleUser, fmt.Sprintf(resultCheckPrompt, t.Markup, candidate))},
		Temperature: 0,
		MaxTokens:   16,
	}

	res, err := a.client.Call(ctx, req, protocol.NopCallback)
	if err != nil {
		a.logger.Debug("result check failed, accepting response", "task_id", t.ID, "error", err)
		return true
	}
	return !strings.Contains(strings.ToLower(res.Text), "incomplete")
}

// todoManagerTurn asks the model for a progress summary and returns it
// as a user message to append. Empty message on failure.
func (a *Agent) todoManagerTurn(ctx context.Context, t *task.Task, messages []llm.Message) (llm.Message, bool) {
	req := &llm.Request{
		Model:       a.client.Provider().ModelName(),
		Messages:    []llm.Message{llm.TextMessage(llm.RoleUser, fmt.Sprintf(todoManagerPrompt, t.Markup, renderRecent(messages, 10)))},
		Temperature: 0,
		MaxTokens:   1024,
	}

	res, err := a.client.Call(ctx, req, protocol.NopCallback)
	if err != nil || strings.TrimSpace(res.Text) == "" {
		if err != nil {
			a.logger.Debug("todo manager turn failed", "task_id", t.ID, "error", err)
		}
		return llm.Message{}, false
	}

	summary := "Progress check:\n" + strings.TrimSpace(res.Text) +
		"\nContinue with the pending steps."
	return llm.TextMessage(llm.RoleUser, summary), true
}

func renderRecent(messages []llm.Message, n int) string {
	start := len(messages) - n
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for _, m := range messages[start:] {
		text := m.Text()
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s]: %s\n", m.Role, text)
	}
	return b.String()
}
