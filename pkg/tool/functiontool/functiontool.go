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

// Package functiontool creates tools from typed Go functions, with
// the JSON schema generated from struct tags.
//
//	type EchoArgs struct {
//		Text string `json:"text" jsonschema:"required,description=Text to echo"`
//	}
//
//	echoTool, err := functiontool.New(
//		functiontool.Config{Name: "echo", Description: "Echo text back"},
//		func(ctx tool.Context, args EchoArgs) (map[string]any, error) {
//			return map[string]any{"result": args.Text}, nil
//		},
//	)
package functiontool

import (
	"fmt"

	"github.com/kadirpekel/orchid/pkg/tool"
)

// Config defines the identity of a function tool.
type Config struct {
	// Name is the unique identifier for this tool (required).
	Name string

	// Description explains what the tool does (required). Shown to the
	// LLM to help it decide when to use the tool.
	Description string

	// RequiresApproval gates each invocation behind human approval.
	RequiresApproval bool
}

// New creates a CallableTool from a typed function. Args must be a
// struct with json and jsonschema tags describing the parameters.
func New[Args any](cfg Config, fn func(tool.Context, Args) (map[string]any, error)) (tool.CallableTool, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	schema, err := generateSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema for %s: %w", cfg.Name, err)
	}

	return &functionTool[Args]{
		config: cfg,
		fn:     fn,
		schema: schema,
	}, nil
}

// NewWithValidation creates a CallableTool with custom argument
// validation run before the function itself.
func NewWithValidation[Args any](
	cfg Config,
	fn func(tool.Context, Args) (map[string]any, error),
	validate func(Args) error,
) (tool.CallableTool, error) {
	base, err := New(cfg, fn)
	if err != nil {
		return nil, err
	}
	return &functionToolWithValidation[Args]{
		functionTool: base.(*functionTool[Args]),
		validate:     validate,
	}, nil
}

func validateConfig(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if cfg.Description == "" {
		return fmt.Errorf("tool description is required for %s", cfg.Name)
	}
	return nil
}

type functionTool[Args any] struct {
	config Config
	fn     func(tool.Context, Args) (map[string]any, error)
	schema map[string]any
}

func (t *functionTool[Args]) Name() string           { return t.config.Name }
func (t *functionTool[Args]) Description() string    { return t.config.Description }
func (t *functionTool[Args]) RequiresApproval() bool { return t.config.RequiresApproval }
func (t *functionTool[Args]) Schema() map[string]any { return t.schema }

func (t *functionTool[Args]) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	var typedArgs Args
	if err := mapToStruct(args, &typedArgs); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", t.config.Name, err)
	}
	return t.fn(ctx, typedArgs)
}

type functionToolWithValidation[Args any] struct {
	*functionTool[Args]
	validate func(Args) error
}

func (t *functionToolWithValidation[Args]) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	var typedArgs Args
	if err := mapToStruct(args, &typedArgs); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", t.config.Name, err)
	}
	if err := t.validate(typedArgs); err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", t.config.Name, err)
	}
	return t.fn(ctx, typedArgs)
}
