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

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tombee/dispatch/internal/coordinator"
	"github.com/tombee/dispatch/internal/events"
	"github.com/tombee/dispatch/internal/inbox"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/internal/metrics"
	"github.com/tombee/dispatch/internal/queue"
	queuememory "github.com/tombee/dispatch/internal/queue/memory"
	"github.com/tombee/dispatch/internal/store"
	storememory "github.com/tombee/dispatch/internal/store/memory"
	"github.com/tombee/dispatch/pkg/plan"
	"github.com/tombee/dispatch/pkg/tools"
)

type fixture struct {
	store    *storememory.Store
	queue    *queuememory.Queue
	registry *tools.Registry
	metrics  *metrics.Metrics
	coord    *coordinator.Coordinator
	worker   *Worker
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	s := storememory.New()
	q := queuememory.New(queue.RetryPolicy{
		BaseDelay:   time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		MaxAttempts: opts.MaxAttempts,
	})
	t.Cleanup(func() { q.Close() })

	logger := log.New(&log.Config{Level: "error", Output: io.Discard})
	m := metrics.New()
	recorder := events.NewRecorder(s)
	coord := coordinator.New(s, q, recorder, m, logger, coordinator.Options{})
	w := New(s, q, recorder, tools.NewRegistry(), coord, inbox.New(s), m, logger, opts)
	coord.SetCanceller(w)

	f := &fixture{store: s, queue: q, registry: w.registry, metrics: m, coord: coord, worker: w}
	if err := tools.RegisterBuiltins(f.registry); err != nil {
		t.Fatal(err)
	}
	return f
}

func defaultOptions() Options {
	return Options{
		Concurrency: 1,
		StepTimeout: time.Second,
		MaxAttempts: 3,
	}
}

func (f *fixture) submit(t *testing.T, steps ...plan.StepSpec) (*store.Run, []*store.Step) {
	t.Helper()
	p := &plan.Plan{Goal: "worker test", Steps: steps}
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
	run, err := f.coord.Submit(context.Background(), p, "proj")
	if err != nil {
		t.Fatal(err)
	}
	all, err := f.store.ListStepsByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	return run, all
}

func payloadFor(t *testing.T, st *store.Step, attempt int) []byte {
	t.Helper()
	data, err := json.Marshal(coordinator.StepReadyPayload{
		RunID:   st.RunID,
		StepID:  st.ID,
		Attempt: attempt,
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func eventTypes(t *testing.T, s *storememory.Store, runID string) []string {
	t.Helper()
	evs, err := s.ListEvents(context.Background(), runID, 0)
	if err != nil {
		t.Fatal(err)
	}
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func TestHandle_Success(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	run, steps := f.submit(t, plan.StepSpec{
		Name: "greet", Tool: "test:echo", Inputs: map[string]any{"msg": "hello"},
	})

	if err := f.worker.Handle(ctx, payloadFor(t, steps[0], 1)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	st, _ := f.store.GetStep(ctx, steps[0].ID)
	if st.Status != store.StepSucceeded {
		t.Errorf("step status = %s, want succeeded", st.Status)
	}
	if st.Outputs["msg"] != "hello" {
		t.Errorf("outputs = %v", st.Outputs)
	}
	if st.StartedAt == nil || st.EndedAt == nil {
		t.Error("execution timestamps missing")
	}

	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != store.RunSucceeded {
		t.Errorf("run status = %s, want succeeded", got.Status)
	}

	types := eventTypes(t, f.store, run.ID)
	want := []string{events.TypeRunCreated, events.TypeStepStarted, events.TypeStepSucceeded}
	if len(types) != len(want) {
		t.Fatalf("timeline = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestHandle_TerminalStepAcked(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	run, steps := f.submit(t, plan.StepSpec{Name: "greet", Tool: "test:echo"})

	if err := f.worker.Handle(ctx, payloadFor(t, steps[0], 1)); err != nil {
		t.Fatal(err)
	}
	before := eventTypes(t, f.store, run.ID)

	// A late duplicate for a finished step is absorbed silently.
	if err := f.worker.Handle(ctx, payloadFor(t, steps[0], 1)); err != nil {
		t.Fatalf("duplicate Handle() error = %v", err)
	}
	after := eventTypes(t, f.store, run.ID)
	if len(after) != len(before) {
		t.Errorf("duplicate delivery appended events: %v", after)
	}
}

func TestHandle_InboxDuplicateDropped(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	run, steps := f.submit(t, plan.StepSpec{
		Name: "once", Tool: "test:echo", Inputs: map[string]any{"n": 1},
	})

	// Another worker already claimed the key.
	key := inbox.Key(run.ID, "once", steps[0].Inputs)
	if _, err := f.store.InboxMarkIfNew(ctx, key); err != nil {
		t.Fatal(err)
	}

	if err := f.worker.Handle(ctx, payloadFor(t, steps[0], 1)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	st, _ := f.store.GetStep(ctx, steps[0].ID)
	if st.Status != store.StepQueued {
		t.Errorf("step status = %s, want queued (no execution)", st.Status)
	}
	if got := testutil.ToFloat64(f.metrics.InboxDuplicates); got != 1 {
		t.Errorf("inbox duplicate counter = %v, want 1", got)
	}
	types := eventTypes(t, f.store, run.ID)
	if len(types) != 1 {
		t.Errorf("timeline = %v, want run.created only", types)
	}
}

func TestHandle_UnknownTool(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	run, steps := f.submit(t, plan.StepSpec{Name: "mystery", Tool: "no:such:tool"})

	err := f.worker.Handle(ctx, payloadFor(t, steps[0], 1))
	if err == nil {
		t.Fatal("Handle() should return an error for an unknown tool")
	}
	if !queue.IsPermanent(err) {
		t.Errorf("error should be permanent (straight to DLQ), got %v", err)
	}

	st, _ := f.store.GetStep(ctx, steps[0].ID)
	if st.Status != store.StepFailed {
		t.Errorf("step status = %s, want failed", st.Status)
	}

	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != store.RunFailed {
		t.Errorf("run status = %s, want failed", got.Status)
	}

	types := eventTypes(t, f.store, run.ID)
	sawFailed := false
	for _, typ := range types {
		if typ == events.TypeStepFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Errorf("timeline %v missing step.failed", types)
	}
}

func TestHandle_RetryThenSuccess(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	flaky := tools.NewFlaky("test:flaky", 3)
	if err := f.registry.Register(flaky); err != nil {
		t.Fatal(err)
	}
	run, steps := f.submit(t, plan.StepSpec{Name: "wobbly", Tool: "test:flaky"})

	// Attempts 1 and 2 fail transiently: the handler error hands scheduling
	// back to the queue, the step stays running.
	for attempt := 1; attempt <= 2; attempt++ {
		if err := f.worker.Handle(ctx, payloadFor(t, steps[0], attempt)); err == nil {
			t.Fatalf("attempt %d should fail", attempt)
		}
		st, _ := f.store.GetStep(ctx, steps[0].ID)
		if st.Status != store.StepRunning {
			t.Errorf("after attempt %d: status = %s, want running", attempt, st.Status)
		}
	}

	if err := f.worker.Handle(ctx, payloadFor(t, steps[0], 3)); err != nil {
		t.Fatalf("final attempt error = %v", err)
	}

	if got := flaky.Calls(steps[0].ID); got != 3 {
		t.Errorf("tool executions = %d, want 3", got)
	}
	st, _ := f.store.GetStep(ctx, steps[0].ID)
	if st.Status != store.StepSucceeded {
		t.Errorf("step status = %s, want succeeded", st.Status)
	}

	// One step.started, two step.failed, one step.succeeded.
	counts := map[string]int{}
	for _, typ := range eventTypes(t, f.store, run.ID) {
		counts[typ]++
	}
	if counts[events.TypeStepStarted] != 1 {
		t.Errorf("step.started events = %d, want 1", counts[events.TypeStepStarted])
	}
	if counts[events.TypeStepFailed] != 2 {
		t.Errorf("step.failed events = %d, want 2", counts[events.TypeStepFailed])
	}
	if counts[events.TypeStepSucceeded] != 1 {
		t.Errorf("step.succeeded events = %d, want 1", counts[events.TypeStepSucceeded])
	}
}

func TestHandle_ExhaustedBudgetFailsStep(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	flaky := tools.NewFlaky("test:hopeless", 10)
	if err := f.registry.Register(flaky); err != nil {
		t.Fatal(err)
	}
	run, steps := f.submit(t, plan.StepSpec{Name: "doomed", Tool: "test:hopeless"})

	for attempt := 1; attempt <= 3; attempt++ {
		if err := f.worker.Handle(ctx, payloadFor(t, steps[0], attempt)); err == nil {
			t.Fatalf("attempt %d should fail", attempt)
		}
	}

	// The final attempt wrote the terminal status; the queue dead-letters.
	st, _ := f.store.GetStep(ctx, steps[0].ID)
	if st.Status != store.StepFailed {
		t.Errorf("step status = %s, want failed", st.Status)
	}
	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != store.RunFailed {
		t.Errorf("run status = %s, want failed", got.Status)
	}
}

func TestHandle_Timeout(t *testing.T) {
	opts := defaultOptions()
	opts.StepTimeout = 20 * time.Millisecond
	opts.MaxAttempts = 1
	f := newFixture(t, opts)
	ctx := context.Background()

	run, steps := f.submit(t, plan.StepSpec{
		Name: "slow", Tool: "test:sleep", Inputs: map[string]any{"ms": float64(10000)},
	})

	start := time.Now()
	err := f.worker.Handle(ctx, payloadFor(t, steps[0], 1))
	if err == nil {
		t.Fatal("Handle() should report the timeout")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("handler waited %s for a tool that ignores its budget", elapsed)
	}

	st, _ := f.store.GetStep(ctx, steps[0].ID)
	if st.Status != store.StepTimedOut {
		t.Errorf("step status = %s, want timed_out", st.Status)
	}

	types := eventTypes(t, f.store, run.ID)
	sawTimedOut := false
	for _, typ := range types {
		if typ == events.TypeStepTimedOut {
			sawTimedOut = true
		}
	}
	if !sawTimedOut {
		t.Errorf("timeline %v missing step.timed_out", types)
	}
}

func TestHandle_MalformedPayload(t *testing.T) {
	f := newFixture(t, defaultOptions())
	err := f.worker.Handle(context.Background(), []byte(`not json`))
	if err == nil || !queue.IsPermanent(err) {
		t.Errorf("malformed payload = %v, want permanent error", err)
	}
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	run, steps := f.submit(t, plan.StepSpec{
		Name: "napping", Tool: "test:sleep", Inputs: map[string]any{"ms": float64(10000)},
	})

	done := make(chan error, 1)
	go func() { done <- f.worker.Handle(ctx, payloadFor(t, steps[0], 1)) }()

	// Wait until the tool is running, then cancel the run.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := f.store.GetStep(ctx, steps[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if st.Status == store.StepRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.coord.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("cancelled handler returned %v, want nil ack", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after cancellation")
	}

	st, _ := f.store.GetStep(ctx, steps[0].ID)
	if st.Status != store.StepCancelled {
		t.Errorf("step status = %s, want cancelled", st.Status)
	}
	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != store.RunCancelled {
		t.Errorf("run status = %s, want cancelled", got.Status)
	}
}

func TestCancelRun_WrappedCancellation(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	// Tools that annotate their errors surface cancellation wrapped.
	err := f.registry.Register(tools.Func{
		ToolName: "test:annotating",
		Fn: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, fmt.Errorf("copy interrupted: %w", ctx.Err())
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	run, steps := f.submit(t, plan.StepSpec{Name: "copy", Tool: "test:annotating"})

	done := make(chan error, 1)
	go func() { done <- f.worker.Handle(ctx, payloadFor(t, steps[0], 1)) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := f.store.GetStep(ctx, steps[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if st.Status == store.StepRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.coord.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("cancelled handler returned %v, want nil ack", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after cancellation")
	}

	// The wrapped cancellation must not be mistaken for a tool failure.
	st, _ := f.store.GetStep(ctx, steps[0].ID)
	if st.Status != store.StepCancelled {
		t.Errorf("step status = %s, want cancelled", st.Status)
	}
	for _, eventType := range eventTypes(t, f.store, run.ID) {
		if eventType == events.TypeStepFailed {
			t.Error("step.failed recorded for a cancelled execution")
		}
	}
}
