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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/dispatch/internal/store"
	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/plan"
)

func testTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "dispatch.db")})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPlan(t *testing.T) *plan.Plan {
	t.Helper()
	p := &plan.Plan{
		Goal: "persisted goal",
		Steps: []plan.StepSpec{
			{Name: "fetch", Tool: "test:echo", Inputs: map[string]any{"url": "https://example.com"}},
			{Name: "store", Tool: "test:echo", Needs: []string{"fetch"}},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, testPlan(t), "proj")
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Plan.Goal != "persisted goal" {
		t.Errorf("plan goal = %q", got.Plan.Goal)
	}
	if got.Status != store.RunQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}

	steps, err := s.ListStepsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListStepsByRun() error = %v", err)
	}
	if len(steps) != 2 || steps[0].Name != "fetch" || steps[1].Name != "store" {
		t.Errorf("steps out of order: %v", steps)
	}
	if steps[0].Inputs["url"] != "https://example.com" {
		t.Errorf("inputs lost in round trip: %v", steps[0].Inputs)
	}
}

func TestTransitionGuards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, err := s.CreateRun(ctx, testPlan(t), "proj")
	if err != nil {
		t.Fatal(err)
	}
	steps, _ := s.ListStepsByRun(ctx, run.ID)

	running := store.StepRunning
	if _, err := s.UpdateStep(ctx, steps[0].ID, store.StepPatch{Status: &running}); err != nil {
		t.Fatalf("queued -> running: %v", err)
	}
	queued := store.StepQueued
	if _, err := s.UpdateStep(ctx, steps[0].ID, store.StepPatch{Status: &queued}); !errors.IsInvalidTransition(err) {
		t.Errorf("running -> queued = %v, want InvalidTransitionError", err)
	}

	cancelled := store.RunCancelled
	if _, err := s.UpdateRun(ctx, run.ID, store.RunPatch{Status: &cancelled}); err != nil {
		t.Fatalf("cancel run: %v", err)
	}
	failed := store.RunFailed
	if _, err := s.UpdateRun(ctx, run.ID, store.RunPatch{Status: &failed}); !errors.IsInvalidTransition(err) {
		t.Errorf("terminal run change = %v, want InvalidTransitionError", err)
	}
}

func TestEventSequencesAndTruncate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, err := s.CreateRun(ctx, testPlan(t), "proj")
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 5; i++ {
		ev, err := s.RecordEvent(ctx, run.ID, "step.started", map[string]any{"i": i}, "")
		if err != nil {
			t.Fatalf("RecordEvent() error = %v", err)
		}
		if ev.Sequence != int64(i) {
			t.Errorf("sequence = %d, want %d", ev.Sequence, i)
		}
	}

	removed, err := s.TruncateEvents(ctx, run.ID, 3)
	if err != nil {
		t.Fatalf("TruncateEvents() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	evs, err := s.ListEvents(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("events = %d, want 3", len(evs))
	}
	for i, ev := range evs {
		if ev.Sequence != int64(i+1) {
			t.Errorf("not contiguous after truncate: index %d = %d", i, ev.Sequence)
		}
	}

	ev, err := s.RecordEvent(ctx, run.ID, "step.started", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Sequence != 4 {
		t.Errorf("next sequence = %d, want 4", ev.Sequence)
	}
}

func TestInboxAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.db")
	ctx := context.Background()

	s, err := New(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	won, err := s.InboxMarkIfNew(ctx, "durable-key")
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	s.Close()

	// The tombstone survives a restart.
	s, err = New(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	won, err = s.InboxMarkIfNew(ctx, "durable-key")
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Error("claim must not win after reopen")
	}
}

func TestGateLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, err := s.CreateRun(ctx, testPlan(t), "proj")
	if err != nil {
		t.Fatal(err)
	}
	steps, _ := s.ListStepsByRun(ctx, run.ID)

	g, err := s.CreateOrGetGate(ctx, run.ID, steps[1].ID, "approval")
	if err != nil {
		t.Fatalf("CreateOrGetGate() error = %v", err)
	}
	again, err := s.CreateOrGetGate(ctx, run.ID, steps[1].ID, "approval")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != g.ID {
		t.Errorf("duplicate identity created a new gate")
	}

	waived := store.GateWaived
	actor := "oncall"
	resolved, err := s.UpdateGate(ctx, g.ID, store.GatePatch{Status: &waived, ApprovedBy: &actor})
	if err != nil {
		t.Fatalf("UpdateGate() error = %v", err)
	}
	if resolved.ResolvedAt == nil {
		t.Error("ResolvedAt not set")
	}

	passed := store.GatePassed
	if _, err := s.UpdateGate(ctx, g.ID, store.GatePatch{Status: &passed}); !errors.IsInvalidTransition(err) {
		t.Errorf("re-resolution = %v, want InvalidTransitionError", err)
	}
}

func TestDeleteRunCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, err := s.CreateRun(ctx, testPlan(t), "proj")
	if err != nil {
		t.Fatal(err)
	}
	steps, _ := s.ListStepsByRun(ctx, run.ID)
	if _, err := s.RecordEvent(ctx, run.ID, "run.created", nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateOrGetGate(ctx, run.ID, steps[0].ID, "approval"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	if _, err := s.GetRun(ctx, run.ID); !errors.IsNotFound(err) {
		t.Errorf("run survived deletion: %v", err)
	}
	if _, err := s.GetStep(ctx, steps[0].ID); !errors.IsNotFound(err) {
		t.Errorf("step survived deletion: %v", err)
	}
	if _, err := s.ListEvents(ctx, run.ID, 0); !errors.IsNotFound(err) {
		t.Errorf("timeline survived deletion: %v", err)
	}
}

func TestTimeEncodingSortsChronologically(t *testing.T) {
	// Whole seconds and sub-second times must stay in lexicographic order;
	// a zero-trimming layout would sort "10:00:00Z" after "10:00:00.5Z".
	whole := testTime(t, "2026-01-02T10:00:00Z")
	frac := whole.Add(500 * time.Millisecond)
	if formatTime(whole) >= formatTime(frac) {
		t.Errorf("encoded times out of order: %q >= %q", formatTime(whole), formatTime(frac))
	}

	short := testTime(t, "2026-01-02T10:00:00.5Z")
	long := short.Add(time.Nanosecond)
	if formatTime(short) >= formatTime(long) {
		t.Errorf("encoded times out of order: %q >= %q", formatTime(short), formatTime(long))
	}

	got, err := parseTime(formatTime(frac))
	if err != nil {
		t.Fatalf("parseTime() error = %v", err)
	}
	if !got.Equal(frac) {
		t.Errorf("round trip = %v, want %v", got, frac)
	}
}

func TestHeartbeats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordHeartbeat(ctx, "wrk_a", testTime(t, "2026-01-02T10:00:00Z")); err != nil {
		t.Fatal(err)
	}
	// Upsert: the marker advances.
	if err := s.RecordHeartbeat(ctx, "wrk_a", testTime(t, "2026-01-02T10:00:05Z")); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordHeartbeat(ctx, "wrk_b", testTime(t, "2026-01-02T10:00:01Z")); err != nil {
		t.Fatal(err)
	}

	beats, err := s.ListHeartbeats(ctx)
	if err != nil {
		t.Fatalf("ListHeartbeats() error = %v", err)
	}
	if len(beats) != 2 {
		t.Fatalf("heartbeats = %d, want 2", len(beats))
	}
	if !beats["wrk_a"].Equal(testTime(t, "2026-01-02T10:00:05Z")) {
		t.Errorf("wrk_a marker = %v", beats["wrk_a"])
	}
}
