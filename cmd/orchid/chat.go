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
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	orchid "github.com/kadirpekel/orchid/pkg"
)

// chatLoop reads prompts line by line and feeds them to the dialogue
// front until EOF or /quit.
func chatLoop(ctx context.Context, eng *orchid.Engine, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "orchid chat. /quit to exit, /exec <task-id> to run a planned task.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		if id, ok := strings.CutPrefix(line, "/exec "); ok {
			res := eng.Execute(ctx, strings.TrimSpace(id))
			if res.Err != nil {
				fmt.Fprintf(out, "! %v\n", res.Err)
				continue
			}
			fmt.Fprintf(out, "[%s] %s\n", res.StopReason, res.Result)
			continue
		}

		turn, err := eng.Dialogue().Chat(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "! %v\n", err)
			continue
		}
		for _, id := range turn.PlannedTaskIDs {
			fmt.Fprintf(out, "· planned task %s\n", id)
		}
	}
}
