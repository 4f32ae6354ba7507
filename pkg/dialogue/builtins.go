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

package dialogue

import (
	"fmt"

	"github.com/kadirpekel/orchid/pkg/task"
	"github.com/kadirpekel/orchid/pkg/tool"
	"github.com/kadirpekel/orchid/pkg/tool/functiontool"
)

type planTaskArgs struct {
	Prompt string `json:"prompt" jsonschema:"required,description=What the task should accomplish"`
	TaskID string `json:"task_id,omitempty" jsonschema:"description=Existing task to replan instead of creating a new one"`
}

type executeTaskArgs struct {
	TaskID string `json:"task_id" jsonschema:"required,description=Id of a planned task"`
}

func (d *Dialogue) builtinTools() ([]tool.CallableTool, error) {
	planTool, err := functiontool.New(
		functiontool.Config{
			Name:        ToolPlanTask,
			Description: "Plan a task from a prompt, or replan an existing task. Returns the task id and plan summary.",
		},
		d.planTask,
	)
	if err != nil {
		return nil, err
	}

	executeTool, err := functiontool.New(
		functiontool.Config{
			Name:        ToolExecuteTask,
			Description: "Execute a previously planned task to completion and return its result.",
		},
		d.executeTask,
	)
	if err != nil {
		return nil, err
	}

	return []tool.CallableTool{planTool, executeTool}, nil
}

func (d *Dialogue) planTask(ctx tool.Context, args planTaskArgs) (map[string]any, error) {
	if args.Prompt == "" {
		return map[string]any{"error": "prompt is required"}, nil
	}

	var (
		t   *task.Task
		err error
	)
	if args.TaskID != "" {
		t, err = d.orch.Modify(ctx, args.TaskID, args.Prompt)
	} else {
		t, err = d.orch.Generate(ctx, args.Prompt, "")
	}
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}

	d.logger.Info("dialogue planned task", "task_id", t.ID, "name", t.Name)
	return map[string]any{
		"task_id": t.ID,
		"name":    t.Name,
		"result":  fmt.Sprintf("Planned task %s (%s): %s", t.ID, t.Name, t.Description),
	}, nil
}

func (d *Dialogue) executeTask(ctx tool.Context, args executeTaskArgs) (map[string]any, error) {
	if args.TaskID == "" {
		return map[string]any{"error": "task_id is required"}, nil
	}

	res := d.orch.Execute(ctx, args.TaskID)
	if res.Err != nil {
		return map[string]any{"task_id": args.TaskID, "error": res.Err.Error()}, nil
	}

	return map[string]any{
		"task_id":     args.TaskID,
		"success":     res.Success,
		"stop_reason": string(res.StopReason),
		"result":      res.Result,
	}, nil
}
