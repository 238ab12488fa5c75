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

package coordinator

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/dispatch/pkg/errors"
)

// evaluator evaluates step conditions against the run context.
// Compiled programs are cached; plans re-evaluate the same expressions on
// every reconciliation.
type evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newEvaluator() *evaluator {
	return &evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs the condition against env. The env contains:
//   - inputs: the step's own inputs
//   - steps:  map of step name -> {status, outputs}
//
// An empty expression is true.
func (e *evaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, errors.Fatal(fmt.Sprintf("condition %q does not compile", expression), err)
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, errors.Fatal(fmt.Sprintf("condition %q failed to evaluate", expression), err)
	}
	truth, ok := result.(bool)
	if !ok {
		return false, errors.Fatal(fmt.Sprintf("condition %q returned %T, want bool", expression, result), nil)
	}
	return truth, nil
}

func (e *evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}
