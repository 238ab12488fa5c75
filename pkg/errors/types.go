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

// Package errors defines the typed error taxonomy shared by the store,
// queue, coordinator and worker.
//
// Errors fall into two broad groups: caller mistakes (InvalidPlanError,
// NotFoundError, InvalidTransitionError, AlreadyExistsError) which are never
// retried, and execution outcomes (TransientError, FatalError, TimeoutError)
// which the worker classifies to decide between queue-level retry and a
// terminal step status.
package errors

import (
	"fmt"
	"time"
)

// InvalidPlanError reports a plan document that failed validation.
// It is surfaced to the submitting caller and never retried.
type InvalidPlanError struct {
	// Field identifies the offending plan field (e.g. "steps[2].name")
	Field string

	// Message is the human-readable description of the problem
	Message string
}

// Error implements the error interface.
func (e *InvalidPlanError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid plan: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid plan: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *InvalidPlanError) ErrorType() string { return "invalid_plan" }

// IsRetryable implements ErrorClassifier.
func (e *InvalidPlanError) IsRetryable() bool { return false }

// NotFoundError reports a missing run, step or gate.
type NotFoundError struct {
	// Resource is the entity kind ("run", "step", "gate")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// InvalidTransitionError reports a disallowed state change, such as moving a
// terminal run back to a non-terminal status or resolving a gate twice.
type InvalidTransitionError struct {
	// Entity is the entity kind ("run", "step", "gate")
	Entity string

	// ID is the entity identifier
	ID string

	// From and To are the rejected transition endpoints
	From string
	To   string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// ErrorType implements ErrorClassifier.
func (e *InvalidTransitionError) ErrorType() string { return "invalid_transition" }

// IsRetryable implements ErrorClassifier.
func (e *InvalidTransitionError) IsRetryable() bool { return false }

// AlreadyExistsError reports a uniqueness violation. On createStep callers
// treat it as "use the existing row".
type AlreadyExistsError struct {
	// Resource is the entity kind
	Resource string

	// Key is the conflicting identity (e.g. "run_x/build")
	Key string
}

// Error implements the error interface.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.Key)
}

// ErrorType implements ErrorClassifier.
func (e *AlreadyExistsError) ErrorType() string { return "already_exists" }

// IsRetryable implements ErrorClassifier.
func (e *AlreadyExistsError) IsRetryable() bool { return false }

// TransientError wraps an error the caller (or the queue, via backoff) should
// retry: I/O failures, rate limits, 5xx responses from downstream services.
type TransientError struct {
	// Message describes the failure
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("transient: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *TransientError) ErrorType() string { return "transient" }

// IsRetryable implements ErrorClassifier.
func (e *TransientError) IsRetryable() bool { return true }

// FatalError wraps an error that must not be retried: unknown tool, policy
// denial, malformed inputs, repeated contract violations.
type FatalError struct {
	// Message describes the failure
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("fatal: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *FatalError) ErrorType() string { return "fatal" }

// IsRetryable implements ErrorClassifier.
func (e *FatalError) IsRetryable() bool { return false }

// TimeoutError reports a tool execution that exceeded its per-attempt cap.
// The worker classifies it as timed_out.
type TimeoutError struct {
	// Operation names what timed out (usually the tool name)
	Operation string

	// Limit is the cap that was exceeded
	Limit time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Limit)
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }
