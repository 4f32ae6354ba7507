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

package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/kadirpekel/orchid/pkg/protocol"
)

// consoleCallback renders the engine's event stream to a terminal.
// Progressive text goes out verbatim; thinking is dimmed; tool calls
// and task bookkeeping are printed as single summary lines.
type consoleCallback struct {
	mu      sync.Mutex
	w       io.Writer
	midLine bool
}

func newConsoleCallback(w io.Writer) *consoleCallback {
	return &consoleCallback{w: w}
}

func (c *consoleCallback) OnMessage(_ context.Context, msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case protocol.MessageTypeText:
		fmt.Fprint(c.w, msg.Text)
		c.midLine = true

	case protocol.MessageTypeThinking:
		fmt.Fprintf(c.w, "\033[2m%s\033[0m", msg.Text)
		c.midLine = true

	case protocol.MessageTypeToolUse:
		c.breakLine()
		fmt.Fprintf(c.w, "» %s(%v)\n", msg.ToolName, msg.Params)

	case protocol.MessageTypeToolResult:
		c.breakLine()
		fmt.Fprintf(c.w, "« %s: %v\n", msg.ToolName, msg.Result)

	case protocol.MessageTypeTaskStatus:
		c.breakLine()
		fmt.Fprintf(c.w, "· task %s is %s\n", msg.TaskID, msg.Status)

	case protocol.MessageTypeTaskSpawn:
		c.breakLine()
		fmt.Fprintf(c.w, "· task %s spawned child %s\n", msg.ParentID, msg.TaskID)

	case protocol.MessageTypeTaskChildResult:
		c.breakLine()
		fmt.Fprintf(c.w, "· child %s: %s\n", msg.TaskID, msg.Summary)

	case protocol.MessageTypeError:
		c.breakLine()
		fmt.Fprintf(c.w, "! %s\n", msg.Error)

	case protocol.MessageTypeAgentResult, protocol.MessageTypeFinish:
		c.breakLine()
	}
}

func (c *consoleCallback) breakLine() {
	if c.midLine {
		fmt.Fprintln(c.w)
		c.midLine = false
	}
}
