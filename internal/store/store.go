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

// Package store defines the persistence contract for runs, steps, events,
// gates and inbox keys, plus the entity types shared by every driver.
//
// Two drivers conform to the contract: an in-memory driver for local/dev use
// and a SQLite driver for single-node production deployments. Every mutator
// is linearisable with respect to its own entity; compound operations
// (CreateRun, RecordEvent) execute in a single transaction.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/dispatch/pkg/plan"
)

// Store is the persistence boundary consumed by the coordinator, the gate
// engine, the event recorder and the worker.
type Store interface {
	// CreateRun materialises a run and all of its steps atomically from a
	// validated plan. The run starts queued, every step starts queued.
	CreateRun(ctx context.Context, p *plan.Plan, projectID string) (*Run, error)

	// GetRun returns the run or NotFoundError.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns returns runs newest-first by creation time.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// UpdateRun applies a partial update. Terminal -> non-terminal status
	// changes fail with InvalidTransitionError. UpdatedAt advances.
	UpdateRun(ctx context.Context, runID string, patch RunPatch) (*Run, error)

	// DeleteRun removes a run and cascades its steps, events and gates.
	// Administrative prune only.
	DeleteRun(ctx context.Context, runID string) error

	// CreateStep adds a step to a run. If (runID, name) already exists the
	// existing step is returned unchanged.
	CreateStep(ctx context.Context, runID, name, tool string, inputs map[string]any, idempotencyKey string) (*Step, error)

	// GetStep returns the step or NotFoundError.
	GetStep(ctx context.Context, stepID string) (*Step, error)

	// ListStepsByRun returns the run's steps in creation order.
	ListStepsByRun(ctx context.Context, runID string) ([]*Step, error)

	// UpdateStep applies a partial update enforcing the status DAG.
	// Setting a terminal status also sets EndedAt.
	UpdateStep(ctx context.Context, stepID string, patch StepPatch) (*Step, error)

	// RecordEvent appends an event with the next per-run sequence number.
	// Sequences are contiguous and never reused.
	RecordEvent(ctx context.Context, runID, eventType string, payload map[string]any, stepID string) (*Event, error)

	// ListEvents returns events with sequence > sinceSeq, ascending.
	// Pass 0 for the full timeline.
	ListEvents(ctx context.Context, runID string, sinceSeq int64) ([]*Event, error)

	// TruncateEvents removes events with sequence > keepThrough and
	// renumbers the survivors contiguously from 1. Subsequent RecordEvent
	// calls continue after the surviving tail. Returns the number removed.
	TruncateEvents(ctx context.Context, runID string, keepThrough int64) (int, error)

	// InboxMarkIfNew records key if unseen and reports whether this caller
	// was first. True is returned at most once per key across all callers
	// and replicas sharing the store.
	InboxMarkIfNew(ctx context.Context, key string) (bool, error)

	// CreateOrGetGate creates a pending gate, or returns the existing gate
	// with the same (runID, stepID, gateType).
	CreateOrGetGate(ctx context.Context, runID, stepID, gateType string) (*Gate, error)

	// GetGate returns the gate or NotFoundError.
	GetGate(ctx context.Context, gateID string) (*Gate, error)

	// ListGatesByRun returns the run's gates in creation order.
	ListGatesByRun(ctx context.Context, runID string) ([]*Gate, error)

	// UpdateGate applies a partial update. Any change to a resolved gate
	// fails with InvalidTransitionError. Resolving sets ResolvedAt.
	UpdateGate(ctx context.Context, gateID string, patch GatePatch) (*Gate, error)

	// RecordHeartbeat advances a worker liveness marker.
	RecordHeartbeat(ctx context.Context, workerID string, at time.Time) error

	// ListHeartbeats returns the last-seen time per worker.
	ListHeartbeats(ctx context.Context) (map[string]time.Time, error)

	// Close releases driver resources.
	Close() error
}

// NewRunID generates a URL-safe run identifier.
func NewRunID() string { return "run_" + compactUUID() }

// NewStepID generates a URL-safe step identifier.
func NewStepID() string { return "stp_" + compactUUID() }

// NewGateID generates a URL-safe gate identifier.
func NewGateID() string { return "gat_" + compactUUID() }

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
