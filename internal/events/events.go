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

// Package events records the per-run timeline: a sequence-ordered,
// append-only log with snapshot reads and rollback. Sequence numbers are
// assigned by the store inside the appending transaction; no caller can set
// one.
package events

import (
	"context"
	"strconv"

	"github.com/tombee/dispatch/internal/store"
	"github.com/tombee/dispatch/pkg/errors"
)

// Event types recorded by the core.
const (
	TypeRunCreated    = "run.created"
	TypeRunCancelled  = "run.cancelled"
	TypeStepStarted   = "step.started"
	TypeStepSucceeded = "step.succeeded"
	TypeStepFailed    = "step.failed"
	TypeStepCancelled = "step.cancelled"
	TypeStepTimedOut  = "step.timed_out"
	TypeGateCreated   = "gate.created"
	TypeGateApproved  = "gate.approved"
	TypeGateWaived    = "gate.waived"
	TypeGateFailed    = "gate.failed"
)

// MetaLastRollback is the run metadata key recording the sequence a rollback
// kept through.
const MetaLastRollback = "last_rollback_sequence"

// Recorder appends to and reads from run timelines.
type Recorder struct {
	store store.Store
}

// NewRecorder creates a recorder over s.
func NewRecorder(s store.Store) *Recorder {
	return &Recorder{store: s}
}

// Append records an event for the run. The store assigns the next sequence.
func (r *Recorder) Append(ctx context.Context, runID, eventType string, payload map[string]any, stepID string) (*store.Event, error) {
	return r.store.RecordEvent(ctx, runID, eventType, payload, stepID)
}

// List returns the timeline after sinceSeq, ascending.
func (r *Recorder) List(ctx context.Context, runID string, sinceSeq int64) ([]*store.Event, error) {
	return r.store.ListEvents(ctx, runID, sinceSeq)
}

// Snapshot is run metadata plus a timeline prefix.
type Snapshot struct {
	Run    *store.Run
	Events []*store.Event
}

// SnapshotAt returns the run and its events with sequence <= sequence.
// It is a pure read: the same inputs yield the same timeline subset.
func (r *Recorder) SnapshotAt(ctx context.Context, runID string, sequence int64) (*Snapshot, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	all, err := r.store.ListEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	events := make([]*store.Event, 0, len(all))
	for _, ev := range all {
		if ev.Sequence <= sequence {
			events = append(events, ev)
		}
	}
	return &Snapshot{Run: run, Events: events}, nil
}

// Rollback truncates the run's timeline to sequence, renumbers the survivors
// contiguously, and stamps the run metadata. Subsequent appends continue
// after the surviving tail. It does not reach into the queue: in-flight
// deliveries for elided events are absorbed by the inbox.
func (r *Recorder) Rollback(ctx context.Context, runID string, sequence int64) error {
	if sequence < 0 {
		return &errors.InvalidTransitionError{
			Entity: "run", ID: runID,
			From: "events", To: "sequence " + strconv.FormatInt(sequence, 10),
		}
	}
	if _, err := r.store.TruncateEvents(ctx, runID, sequence); err != nil {
		return err
	}
	_, err := r.store.UpdateRun(ctx, runID, store.RunPatch{
		Metadata: map[string]string{MetaLastRollback: strconv.FormatInt(sequence, 10)},
	})
	return err
}
