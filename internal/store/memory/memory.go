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

// Package memory provides an in-memory store driver for local and test use.
// All state lives behind a single mutex, which makes every mutator trivially
// linearisable; values are deep-copied on the way in and out so callers never
// alias internal state.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/tombee/dispatch/internal/store"
	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/plan"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store is the in-memory driver.
type Store struct {
	mu         sync.Mutex
	runs       map[string]*store.Run
	steps      map[string]*store.Step   // by step ID
	stepsByRun map[string][]string      // run ID -> step IDs, creation order
	events     map[string][]*store.Event
	gates      map[string]*store.Gate
	gatesByRun map[string][]string
	inbox      map[string]time.Time
	heartbeats map[string]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runs:       make(map[string]*store.Run),
		steps:      make(map[string]*store.Step),
		stepsByRun: make(map[string][]string),
		events:     make(map[string][]*store.Event),
		gates:      make(map[string]*store.Gate),
		gatesByRun: make(map[string][]string),
		inbox:      make(map[string]time.Time),
		heartbeats: make(map[string]time.Time),
		now:        time.Now,
	}
}

// CreateRun implements store.Store.
func (s *Store) CreateRun(_ context.Context, p *plan.Plan, projectID string) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, steps := store.Materialise(p, projectID, s.now())
	s.runs[run.ID] = cloneRun(run)
	ids := make([]string, 0, len(steps))
	for _, st := range steps {
		s.steps[st.ID] = cloneStep(st)
		ids = append(ids, st.ID)
	}
	s.stepsByRun[run.ID] = ids
	return run, nil
}

// GetRun implements store.Store.
func (s *Store) GetRun(_ context.Context, runID string) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return cloneRun(run), nil
}

// ListRuns implements store.Store.
func (s *Store) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]*store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, cloneRun(run))
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// UpdateRun implements store.Store.
func (s *Store) UpdateRun(_ context.Context, runID string, patch store.RunPatch) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}

	if patch.Status != nil && *patch.Status != run.Status {
		if run.Status.Terminal() {
			return nil, &errors.InvalidTransitionError{
				Entity: "run", ID: runID,
				From: string(run.Status), To: string(*patch.Status),
			}
		}
		run.Status = *patch.Status
	}
	if patch.Error != nil {
		run.Error = *patch.Error
	}
	if patch.Metadata != nil {
		if run.Metadata == nil {
			run.Metadata = map[string]string{}
		}
		for k, v := range patch.Metadata {
			run.Metadata[k] = v
		}
	}
	if now := s.now(); now.After(run.UpdatedAt) {
		run.UpdatedAt = now
	}
	return cloneRun(run), nil
}

// DeleteRun implements store.Store.
func (s *Store) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	for _, id := range s.stepsByRun[runID] {
		delete(s.steps, id)
	}
	for _, id := range s.gatesByRun[runID] {
		delete(s.gates, id)
	}
	delete(s.stepsByRun, runID)
	delete(s.gatesByRun, runID)
	delete(s.events, runID)
	delete(s.runs, runID)
	return nil
}

// CreateStep implements store.Store.
func (s *Store) CreateStep(_ context.Context, runID, name, tool string, inputs map[string]any, idempotencyKey string) (*store.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	for _, id := range s.stepsByRun[runID] {
		if existing := s.steps[id]; existing.Name == name {
			return cloneStep(existing), nil
		}
	}

	st := &store.Step{
		ID:             store.NewStepID(),
		RunID:          runID,
		Name:           name,
		Tool:           tool,
		Inputs:         inputs,
		Status:         store.StepQueued,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      s.now(),
	}
	s.steps[st.ID] = cloneStep(st)
	s.stepsByRun[runID] = append(s.stepsByRun[runID], st.ID)
	return st, nil
}

// GetStep implements store.Store.
func (s *Store) GetStep(_ context.Context, stepID string) (*store.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[stepID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "step", ID: stepID}
	}
	return cloneStep(st), nil
}

// ListStepsByRun implements store.Store.
func (s *Store) ListStepsByRun(_ context.Context, runID string) ([]*store.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	ids := s.stepsByRun[runID]
	steps := make([]*store.Step, 0, len(ids))
	for _, id := range ids {
		steps = append(steps, cloneStep(s.steps[id]))
	}
	return steps, nil
}

// UpdateStep implements store.Store.
func (s *Store) UpdateStep(_ context.Context, stepID string, patch store.StepPatch) (*store.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[stepID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "step", ID: stepID}
	}

	if patch.Status != nil && *patch.Status != st.Status {
		if !st.Status.CanTransition(*patch.Status) {
			return nil, &errors.InvalidTransitionError{
				Entity: "step", ID: stepID,
				From: string(st.Status), To: string(*patch.Status),
			}
		}
		st.Status = *patch.Status
		if st.Status.Terminal() {
			now := s.now()
			if st.StartedAt != nil && now.Before(*st.StartedAt) {
				now = *st.StartedAt
			}
			st.EndedAt = &now
		}
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		st.StartedAt = &t
	}
	if patch.Outputs != nil {
		st.Outputs = cloneMap(patch.Outputs)
	}
	if patch.Error != nil {
		st.Error = *patch.Error
	}
	return cloneStep(st), nil
}

// RecordEvent implements store.Store.
func (s *Store) RecordEvent(_ context.Context, runID, eventType string, payload map[string]any, stepID string) (*store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	ev := &store.Event{
		RunID:      runID,
		Sequence:   int64(len(s.events[runID])) + 1,
		Type:       eventType,
		Payload:    cloneMap(payload),
		StepID:     stepID,
		OccurredAt: s.now(),
	}
	s.events[runID] = append(s.events[runID], ev)
	return cloneEvent(ev), nil
}

// ListEvents implements store.Store.
func (s *Store) ListEvents(_ context.Context, runID string, sinceSeq int64) ([]*store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	all := s.events[runID]
	events := make([]*store.Event, 0, len(all))
	for _, ev := range all {
		if ev.Sequence > sinceSeq {
			events = append(events, cloneEvent(ev))
		}
	}
	return events, nil
}

// TruncateEvents implements store.Store.
func (s *Store) TruncateEvents(_ context.Context, runID string, keepThrough int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return 0, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	all := s.events[runID]
	kept := make([]*store.Event, 0, len(all))
	removed := 0
	for _, ev := range all {
		if ev.Sequence > keepThrough {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	for i, ev := range kept {
		ev.Sequence = int64(i) + 1
	}
	s.events[runID] = kept
	return removed, nil
}

// InboxMarkIfNew implements store.Store.
func (s *Store) InboxMarkIfNew(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.inbox[key]; seen {
		return false, nil
	}
	s.inbox[key] = s.now()
	return true, nil
}

// CreateOrGetGate implements store.Store.
func (s *Store) CreateOrGetGate(_ context.Context, runID, stepID, gateType string) (*store.Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	for _, id := range s.gatesByRun[runID] {
		g := s.gates[id]
		if g.StepID == stepID && g.GateType == gateType {
			return cloneGate(g), nil
		}
	}

	g := &store.Gate{
		ID:        store.NewGateID(),
		RunID:     runID,
		StepID:    stepID,
		GateType:  gateType,
		Status:    store.GatePending,
		CreatedAt: s.now(),
	}
	s.gates[g.ID] = cloneGate(g)
	s.gatesByRun[runID] = append(s.gatesByRun[runID], g.ID)
	return g, nil
}

// GetGate implements store.Store.
func (s *Store) GetGate(_ context.Context, gateID string) (*store.Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gates[gateID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "gate", ID: gateID}
	}
	return cloneGate(g), nil
}

// ListGatesByRun implements store.Store.
func (s *Store) ListGatesByRun(_ context.Context, runID string) ([]*store.Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	ids := s.gatesByRun[runID]
	gates := make([]*store.Gate, 0, len(ids))
	for _, id := range ids {
		gates = append(gates, cloneGate(s.gates[id]))
	}
	return gates, nil
}

// UpdateGate implements store.Store.
func (s *Store) UpdateGate(_ context.Context, gateID string, patch store.GatePatch) (*store.Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gates[gateID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "gate", ID: gateID}
	}
	if g.Status.Terminal() {
		to := string(g.Status)
		if patch.Status != nil {
			to = string(*patch.Status)
		}
		return nil, &errors.InvalidTransitionError{
			Entity: "gate", ID: gateID,
			From: string(g.Status), To: to,
		}
	}

	if patch.Status != nil && *patch.Status != g.Status {
		g.Status = *patch.Status
		if g.Status.Terminal() {
			now := s.now()
			g.ResolvedAt = &now
		}
	}
	if patch.ApprovedBy != nil {
		g.ApprovedBy = *patch.ApprovedBy
	}
	if patch.Reason != nil {
		g.Reason = *patch.Reason
	}
	return cloneGate(g), nil
}

// RecordHeartbeat implements store.Store.
func (s *Store) RecordHeartbeat(_ context.Context, workerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[workerID] = at
	return nil
}

// ListHeartbeats implements store.Store.
func (s *Store) ListHeartbeats(_ context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.heartbeats))
	for k, v := range s.heartbeats {
		out[k] = v
	}
	return out, nil
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

func cloneRun(run *store.Run) *store.Run {
	out := *run
	out.Metadata = make(map[string]string, len(run.Metadata))
	for k, v := range run.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

func cloneStep(st *store.Step) *store.Step {
	out := *st
	out.Inputs = cloneMap(st.Inputs)
	out.Outputs = cloneMap(st.Outputs)
	out.Needs = append([]string(nil), st.Needs...)
	out.Gates = append([]string(nil), st.Gates...)
	out.ToolsAllowed = append([]string(nil), st.ToolsAllowed...)
	out.EnvAllowed = append([]string(nil), st.EnvAllowed...)
	if st.StartedAt != nil {
		t := *st.StartedAt
		out.StartedAt = &t
	}
	if st.EndedAt != nil {
		t := *st.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func cloneEvent(ev *store.Event) *store.Event {
	out := *ev
	out.Payload = cloneMap(ev.Payload)
	return &out
}

func cloneGate(g *store.Gate) *store.Gate {
	out := *g
	if g.ResolvedAt != nil {
		t := *g.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// cloneMap deep-copies a JSON-shaped map. A round-trip through encoding/json
// is the simplest way to detach nested values.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		// JSON-shaped by construction; a marshal failure is a programming error.
		panic(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}
