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

package store

import (
	"time"

	"github.com/tombee/dispatch/pkg/plan"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunBlocked   RunStatus = "blocked"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is immutable.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle status of a step.
type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
	StepTimedOut  StepStatus = "timed_out"
)

// Terminal reports whether the status is terminal.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepCancelled, StepTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether a step may move from s to next.
// The allowed paths are queued -> running -> terminal, plus
// queued -> cancelled for steps cancelled before they start.
// Queued steps may also terminate directly when a condition or gate
// resolution decides their fate without execution.
func (s StepStatus) CanTransition(next StepStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case StepQueued:
		return true
	case StepRunning:
		return next.Terminal()
	default:
		return false
	}
}

// GateStatus is the lifecycle status of a gate.
type GateStatus string

const (
	GatePending GateStatus = "pending"
	GatePassed  GateStatus = "passed"
	GateWaived  GateStatus = "waived"
	GateFailed  GateStatus = "failed"
)

// Terminal reports whether the gate is resolved.
func (s GateStatus) Terminal() bool { return s != GatePending }

// Satisfied reports whether the gate no longer blocks its step.
func (s GateStatus) Satisfied() bool { return s == GatePassed || s == GateWaived }

// Run is the top-level unit of work.
type Run struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"project_id"`
	Plan      *plan.Plan        `json:"plan"`
	Status    RunStatus         `json:"status"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Step is one unit executed by one tool.
type Step struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id"`
	Name           string         `json:"name"`
	Tool           string         `json:"tool"`
	Inputs         map[string]any `json:"inputs"`
	Status         StepStatus     `json:"status"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Error          string         `json:"error,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Needs          []string       `json:"needs,omitempty"`
	When           string         `json:"when,omitempty"`
	Gates          []string       `json:"gates,omitempty"`
	ToolsAllowed   []string       `json:"tools_allowed,omitempty"`
	EnvAllowed     []string       `json:"env_allowed,omitempty"`
	SecretsScope   string         `json:"secrets_scope,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Event is one row of a run's append-only timeline.
type Event struct {
	RunID      string         `json:"run_id"`
	Sequence   int64          `json:"sequence"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Gate is a policy checkpoint attached to a run, optionally a step.
type Gate struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	StepID     string     `json:"step_id,omitempty"`
	GateType   string     `json:"gate_type"`
	Status     GateStatus `json:"status"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// RunPatch is a partial update applied to a run.
// Nil fields are left unchanged.
type RunPatch struct {
	Status   *RunStatus
	Error    *string
	Metadata map[string]string // merged key-by-key
}

// StepPatch is a partial update applied to a step.
type StepPatch struct {
	Status    *StepStatus
	Outputs   map[string]any
	Error     *string
	StartedAt *time.Time
}

// GatePatch is a partial update applied to a gate.
type GatePatch struct {
	Status     *GateStatus
	ApprovedBy *string
	Reason     *string
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	Status RunStatus // empty matches all
	Limit  int       // 0 means no limit
}
