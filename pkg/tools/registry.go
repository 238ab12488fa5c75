// Copyright 2025 Tom Barlow
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

// Package tools provides the registry that resolves step tools by name.
//
// Tools are discrete capabilities invoked by the worker on behalf of a step.
// The core ships no production tools; tool authors register them at assembly
// time. A tool reports success by returning outputs and failure by returning
// an error; errors implementing errors.ErrorClassifier control whether the
// queue retries the step.
package tools

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tombee/dispatch/pkg/errors"
)

// Tool is an executable capability keyed by name.
type Tool interface {
	// Name returns the registry key for this tool.
	Name() string

	// Execute runs the tool. The context carries the per-attempt deadline
	// and the cancellation signal; tools must honour both cooperatively.
	// Invocation metadata is available via InvocationFrom(ctx).
	Execute(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// Invocation carries execution metadata for the running tool.
type Invocation struct {
	// RunID is the run the step belongs to.
	RunID string

	// StepID identifies the executing step.
	StepID string

	// Attempt is the 1-based delivery attempt.
	Attempt int

	// Logger is scoped to the run and step.
	Logger *slog.Logger
}

type invocationKey struct{}

// NewContext returns a context carrying the invocation metadata.
func NewContext(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom extracts invocation metadata from ctx. The zero Invocation
// is returned when the context carries none (e.g. direct tool tests).
func InvocationFrom(ctx context.Context) Invocation {
	inv, _ := ctx.Value(invocationKey{}).(Invocation)
	return inv
}

// Registry maintains a collection of registered tools.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry. Registering a name twice returns
// AlreadyExistsError; tools are assembly-time wiring, not runtime state.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if name == "" {
		return errors.Fatal("tool has empty name", nil)
	}
	if _, exists := r.tools[name]; exists {
		return &errors.AlreadyExistsError{Resource: "tool", Key: name}
	}
	r.tools[name] = tool
	return nil
}

// Resolve returns the tool registered under name, or false.
func (r *Registry) Resolve(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Func adapts a function into a Tool.
type Func struct {
	// ToolName is the registry key.
	ToolName string

	// Fn is the execution function.
	Fn func(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// Name implements Tool.
func (f Func) Name() string { return f.ToolName }

// Execute implements Tool.
func (f Func) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return f.Fn(ctx, inputs)
}
