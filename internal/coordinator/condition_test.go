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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dispatch/pkg/errors"
)

func TestEvaluate(t *testing.T) {
	e := newEvaluator()
	env := map[string]any{
		"inputs": map[string]any{"env": "prod"},
		"steps": map[string]any{
			"build": map[string]any{
				"status":  "succeeded",
				"outputs": map[string]any{"artifacts": 3},
			},
		},
	}

	t.Run("empty expression is true", func(t *testing.T) {
		ok, err := e.Evaluate("", env)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("step outputs", func(t *testing.T) {
		ok, err := e.Evaluate(`steps.build.outputs.artifacts > 2`, env)
		require.NoError(t, err)
		assert.True(t, ok, "expression should hold")
	})

	t.Run("inputs", func(t *testing.T) {
		ok, err := e.Evaluate(`inputs.env == "staging"`, env)
		require.NoError(t, err)
		assert.False(t, ok, "expression should not hold")
	})

	t.Run("non-bool result is fatal", func(t *testing.T) {
		_, err := e.Evaluate(`steps.build.outputs.artifacts`, env)
		assert.True(t, errors.IsFatal(err), "Evaluate() = %v, want FatalError", err)
	})

	t.Run("compile failure is fatal", func(t *testing.T) {
		_, err := e.Evaluate(`steps.build.status ===`, env)
		assert.True(t, errors.IsFatal(err), "Evaluate() = %v, want FatalError", err)
	})

	t.Run("compiled programs are cached", func(t *testing.T) {
		const expression = `inputs.env == "prod"`
		_, err := e.Evaluate(expression, env)
		require.NoError(t, err)
		e.mu.RLock()
		_, cached := e.cache[expression]
		e.mu.RUnlock()
		assert.True(t, cached, "program not cached after evaluation")
	})
}
