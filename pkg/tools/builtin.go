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

package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/dispatch/pkg/errors"
)

// RegisterBuiltins registers the test:* tools used by examples and tests.
// Production deployments register their own tools instead.
func RegisterBuiltins(r *Registry) error {
	builtins := []Tool{
		Func{ToolName: "test:echo", Fn: echo},
		Func{ToolName: "test:sleep", Fn: sleep},
		NewFlaky("test:fail", 0),
	}
	for _, tool := range builtins {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// echo returns its inputs unchanged.
func echo(_ context.Context, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return out, nil
}

// sleep blocks for inputs["ms"] milliseconds or until cancelled.
func sleep(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	ms, _ := inputs["ms"].(float64)
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return map[string]any{"slept_ms": ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flaky is a test tool that fails transiently until a configured number of
// attempts, then succeeds. With succeedAfter == 0 every execution fails
// fatally.
type Flaky struct {
	name         string
	succeedAfter int

	mu    sync.Mutex
	calls map[string]int
}

// NewFlaky creates a Flaky tool. succeedAfter is the 1-based execution on
// which a given step starts succeeding; 0 means always fail fatally.
func NewFlaky(name string, succeedAfter int) *Flaky {
	return &Flaky{name: name, succeedAfter: succeedAfter, calls: make(map[string]int)}
}

// Name implements Tool.
func (f *Flaky) Name() string { return f.name }

// Execute implements Tool.
func (f *Flaky) Execute(ctx context.Context, _ map[string]any) (map[string]any, error) {
	inv := InvocationFrom(ctx)

	f.mu.Lock()
	f.calls[inv.StepID]++
	n := f.calls[inv.StepID]
	f.mu.Unlock()

	if f.succeedAfter == 0 {
		return nil, errors.Fatal("configured to always fail", nil)
	}
	if n < f.succeedAfter {
		return nil, errors.Transient(fmt.Sprintf("failing execution %d of %d", n, f.succeedAfter), nil)
	}
	return map[string]any{"executions": n}, nil
}

// Calls returns how many times the tool executed for stepID.
func (f *Flaky) Calls(stepID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stepID]
}
