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
	"fmt"

	"github.com/kadirpekel/orchid/pkg/llm"
)

const (
	// attachmentPlaceholder replaces superseded file parts.
	attachmentPlaceholder = "[earlier attachment omitted]"

	// maxToolResultChars bounds tool-result text kept verbatim in older
	// messages.
	maxToolResultChars = 4096

	// keptToolResultChars is how much of an oversized result survives.
	keptToolResultChars = 512

	// recentMessageWindow: the newest messages are never rewritten so
	// the model always sees its latest observations in full.
	recentMessageWindow = 4
)

// maintainContext trims the message list before an LLM call: only the
// most recent file attachment is kept, and oversized tool-result texts
// outside the recent window are cut down to a prefix plus a marker.
// Tool-call id bindings are never touched.
func maintainContext(messages []llm.Message) []llm.Message {
	lastFile := lastFileIndex(messages)
	cutoff := len(messages) - recentMessageWindow

	out := make([]llm.Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		if len(msg.Parts) == 0 {
			continue
		}

		rewritten := false
		parts := make([]llm.Part, len(msg.Parts))
		copy(parts, msg.Parts)

		for j, p := range parts {
			switch p.Type {
			case llm.PartFile:
				if i != lastFile {
					parts[j] = llm.Part{Type: llm.PartText, Text: attachmentPlaceholder}
					rewritten = true
				}
			case llm.PartToolResult:
				if i < cutoff && p.ToolResult != nil && len(p.ToolResult.Result) > maxToolResultChars {
					trimmed := *p.ToolResult
					trimmed.Result = fmt.Sprintf("%s\n[... %d characters truncated ...]",
						trimmed.Result[:keptToolResultChars],
						len(p.ToolResult.Result)-keptToolResultChars)
					parts[j].ToolResult = &trimmed
					rewritten = true
				}
			}
		}

		if rewritten {
			out[i].Parts = parts
		}
	}
	return out
}

func lastFileIndex(messages []llm.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		for _, p := range messages[i].Parts {
			if p.Type == llm.PartFile {
				return i
			}
		}
	}
	return -1
}
