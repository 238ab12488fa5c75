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

package gate

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tombee/dispatch/internal/events"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/internal/store"
	"github.com/tombee/dispatch/internal/store/memory"
	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/plan"
)

type notifyCount struct{ n atomic.Int32 }

func (c *notifyCount) OnGateResolved(context.Context, string) error {
	c.n.Add(1)
	return nil
}

func newEngine(t *testing.T) (*Engine, *memory.Store, *store.Gate, *notifyCount) {
	t.Helper()
	s := memory.New()
	p := &plan.Plan{
		Goal:  "gated",
		Steps: []plan.StepSpec{{Name: "deploy", Tool: "test:echo", Gates: []string{"approval"}}},
	}
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	run, err := s.CreateRun(ctx, p, "proj")
	if err != nil {
		t.Fatal(err)
	}
	steps, _ := s.ListStepsByRun(ctx, run.ID)
	g, err := s.CreateOrGetGate(ctx, run.ID, steps[0].ID, "approval")
	if err != nil {
		t.Fatal(err)
	}

	e := New(s, events.NewRecorder(s), log.New(&log.Config{Level: "error", Output: io.Discard}))
	notifier := &notifyCount{}
	e.SetNotifier(notifier)
	return e, s, g, notifier
}

func TestApprove(t *testing.T) {
	e, s, g, notifier := newEngine(t)
	ctx := context.Background()

	resolved, err := e.Approve(ctx, g.ID, "operator", "looks good")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if resolved.Status != store.GatePassed {
		t.Errorf("status = %s, want passed", resolved.Status)
	}
	if resolved.ApprovedBy != "operator" {
		t.Errorf("approved_by = %q", resolved.ApprovedBy)
	}
	if notifier.n.Load() != 1 {
		t.Errorf("notifier calls = %d, want 1", notifier.n.Load())
	}

	evs, err := s.ListEvents(ctx, g.RunID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Type != events.TypeGateApproved {
		t.Errorf("timeline = %v, want one gate.approved", evs)
	}
	if evs[0].Payload["approved_by"] != "operator" {
		t.Errorf("event payload = %v", evs[0].Payload)
	}
}

func TestFail(t *testing.T) {
	e, _, g, _ := newEngine(t)

	resolved, err := e.Fail(context.Background(), g.ID, "policy check failed")
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if resolved.Status != store.GateFailed {
		t.Errorf("status = %s, want failed", resolved.Status)
	}
	if resolved.Reason != "policy check failed" {
		t.Errorf("reason = %q", resolved.Reason)
	}
}

func TestResolutionIsOneWay(t *testing.T) {
	e, _, g, _ := newEngine(t)
	ctx := context.Background()

	if _, err := e.Approve(ctx, g.ID, "a", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Waive(ctx, g.ID, "b", ""); !errors.IsInvalidTransition(err) {
		t.Errorf("second resolution = %v, want InvalidTransitionError", err)
	}
}

func TestConcurrentResolution(t *testing.T) {
	e, s, g, _ := newEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var approveErr, waiveErr error
	start := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		_, approveErr = e.Approve(ctx, g.ID, "a", "")
	}()
	go func() {
		defer wg.Done()
		<-start
		_, waiveErr = e.Waive(ctx, g.ID, "b", "")
	}()
	close(start)
	wg.Wait()

	// Exactly one resolution wins; the loser observes InvalidTransition.
	winners := 0
	for _, err := range []error{approveErr, waiveErr} {
		switch {
		case err == nil:
			winners++
		case errors.IsInvalidTransition(err):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}

	got, err := s.GetGate(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Status.Terminal() {
		t.Errorf("gate left unresolved: %s", got.Status)
	}
}

func TestBlocking(t *testing.T) {
	gates := []*store.Gate{
		{ID: "g1", StepID: "stp_a", Status: store.GatePending},
		{ID: "g2", StepID: "stp_a", Status: store.GatePassed},
		{ID: "g3", StepID: "stp_b", Status: store.GateFailed},
	}

	pending, failed := Blocking(gates, "stp_a")
	if !pending || failed {
		t.Errorf("stp_a: pending=%v failed=%v, want pending only", pending, failed)
	}
	pending, failed = Blocking(gates, "stp_b")
	if pending || !failed {
		t.Errorf("stp_b: pending=%v failed=%v, want failed only", pending, failed)
	}
	pending, failed = Blocking(gates, "stp_c")
	if pending || failed {
		t.Errorf("stp_c: pending=%v failed=%v, want neither", pending, failed)
	}
}
