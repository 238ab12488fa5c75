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

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient", Transient("redis gone", nil), "transient"},
		{"fatal", Fatal("unknown tool", nil), "fatal"},
		{"timeout", &TimeoutError{Operation: "shell", Limit: time.Second}, "timeout"},
		{"not found", &NotFoundError{Resource: "run", ID: "run_x"}, "not_found"},
		{"invalid plan", &InvalidPlanError{Message: "no steps"}, "invalid_plan"},
		{"transition", &InvalidTransitionError{Entity: "gate", From: "passed", To: "waived"}, "invalid_transition"},
		{"unclassified", stderrors.New("boom"), "unknown"},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", Transient("io", nil), true},
		{"timeout", &TimeoutError{Operation: "x", Limit: time.Second}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"fatal", Fatal("bad inputs", nil), false},
		{"not found", &NotFoundError{Resource: "step", ID: "s"}, false},
		// Unclassified failures go through backoff rather than killing a step.
		{"unclassified", stderrors.New("socket reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err), "IsRetryable(%v)", tt.err)
		})
	}
}

func TestWrappedClassification(t *testing.T) {
	inner := Fatal("policy denied", nil)
	wrapped := fmt.Errorf("executing step: %w", inner)

	assert.True(t, IsFatal(wrapped), "IsFatal() should see through fmt.Errorf wrapping")
	assert.False(t, IsRetryable(wrapped), "wrapped fatal error must not be retryable")
	assert.Equal(t, "fatal", Classify(wrapped))
}

func TestTransientUnwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Transient("dial broker", cause)
	assert.ErrorIs(t, err, cause, "TransientError should unwrap to its cause")
}
