// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/orchid/pkg/observability"
)

// entry tracks a registered tool with its source and priority.
type entry struct {
	tool     CallableTool
	source   string
	priority int
	order    int
}

// Registry unifies tools from multiple sources under one namespace.
// Conflicts resolve by priority: a later registration replaces an
// earlier one only when its priority is strictly higher; ties keep
// the earlier tool.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	seq     int
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds tools from a source at the given priority.
func (r *Registry) Register(source string, priority int, tools ...CallableTool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		name := t.Name()
		if existing, ok := r.entries[name]; ok {
			if priority <= existing.priority {
				continue
			}
		}
		r.seq++
		r.entries[name] = entry{tool: t, source: source, priority: priority, order: r.seq}
	}
}

// Unregister removes every tool registered by source.
func (r *Registry) Unregister(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, e := range r.entries {
		if e.source == source {
			delete(r.entries, name)
		}
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (CallableTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Source returns the source a tool was registered by.
func (r *Registry) Source(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return "", false
	}
	return e.source, true
}

// List returns all tools sorted by name.
func (r *Registry) List() []CallableTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]CallableTool, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns all registered tool names sorted.
func (r *Registry) Names() []string {
	tools := r.List()
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name())
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Execute runs a registered tool with tracing and metrics, normalizing
// failures into an error result.
func (r *Registry) Execute(ctx Context, name string, args map[string]any) (map[string]any, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("tool %q not found (available: %s)", name, strings.Join(r.Names(), ", "))
	}

	tracer := observability.GetTracer("orchid.tool")
	spanCtx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, name)),
	)
	defer span.End()

	execCtx := NewContext(spanCtx, ctx.CallID(), ctx.TaskID(), ctx.Callback(), ctx.Human())

	start := time.Now()
	result, err := t.Call(execCtx, args)
	duration := time.Since(start)

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordToolExecution(spanCtx, name, duration, err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "success")
	return result, nil
}

// ResultText flattens a tool result map into the observation text fed
// back to the model.
func ResultText(result map[string]any) string {
	if result == nil {
		return ""
	}
	if errText, ok := result["error"].(string); ok && errText != "" {
		return "Error: " + errText
	}
	if text, ok := result["result"].(string); ok {
		return text
	}
	if texts, ok := result["results"].([]string); ok {
		return strings.Join(texts, "\n")
	}

	// Stable key order for everything else.
	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %v\n", k, result[k])
	}
	return strings.TrimRight(sb.String(), "\n")
}
