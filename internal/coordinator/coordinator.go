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

// Package coordinator turns submitted plans into runs and keeps each run's
// steps moving: it materialises runs, computes the ready set after every
// terminal step or gate resolution, enqueues ready steps, and reconciles the
// run's aggregate status.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tombee/dispatch/internal/events"
	"github.com/tombee/dispatch/internal/gate"
	"github.com/tombee/dispatch/internal/metrics"
	"github.com/tombee/dispatch/internal/queue"
	"github.com/tombee/dispatch/internal/store"
	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/plan"
)

// TopicStepReady is the topic workers consume step deliveries from.
const TopicStepReady = "step.ready"

// StepReadyPayload is the wire format of a step delivery.
type StepReadyPayload struct {
	RunID          string `json:"runId"`
	StepID         string `json:"stepId"`
	Attempt        int    `json:"__attempt"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Canceller propagates a run cancellation to in-flight tool executions.
// The worker implements it; cancellation is advisory for running tools.
type Canceller interface {
	CancelRun(runID string)
}

// Options configures a Coordinator.
type Options struct {
	// BackpressureDepth is the step.ready waiting count above which the
	// coordinator defers enqueues. Zero disables backpressure.
	BackpressureDepth int

	// BackpressureAge is how long one deferral waits.
	BackpressureAge time.Duration
}

// Coordinator owns run lifecycle decisions.
type Coordinator struct {
	store    store.Store
	queue    queue.Queue
	recorder *events.Recorder
	eval     *evaluator
	logger   *slog.Logger
	metrics  *metrics.Metrics
	opts     Options

	// canceller is optional; set at assembly time.
	canceller Canceller

	// enqueued suppresses redundant re-enqueues between reconciliations.
	// Advisory only: duplicate deliveries are absorbed by the inbox.
	mu       sync.Mutex
	enqueued map[string]struct{}
}

// New creates a coordinator.
func New(s store.Store, q queue.Queue, recorder *events.Recorder, m *metrics.Metrics, logger *slog.Logger, opts Options) *Coordinator {
	return &Coordinator{
		store:    s,
		queue:    q,
		recorder: recorder,
		eval:     newEvaluator(),
		logger:   logger,
		metrics:  m,
		opts:     opts,
		enqueued: make(map[string]struct{}),
	}
}

// SetCanceller wires the worker's cancellation hook. Assembly-time only.
func (c *Coordinator) SetCanceller(canceller Canceller) { c.canceller = canceller }

// Submit validates the plan, materialises the run and its steps atomically,
// creates any declared gates, and enqueues the initially-ready steps.
// Execution failures after this returns are reported through the run's
// status and timeline, not to the submitting caller.
func (c *Coordinator) Submit(ctx context.Context, p *plan.Plan, projectID string) (*store.Run, error) {
	if p == nil {
		return nil, &errors.InvalidPlanError{Message: "plan is required"}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	run, err := c.store.CreateRun(ctx, p, projectID)
	if err != nil {
		return nil, err
	}

	if _, err := c.recorder.Append(ctx, run.ID, events.TypeRunCreated, map[string]any{
		"goal":       p.Goal,
		"project_id": projectID,
		"steps":      len(p.Steps),
	}, ""); err != nil {
		return nil, err
	}

	steps, err := c.store.ListStepsByRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	for _, st := range steps {
		for _, gateType := range st.Gates {
			g, err := c.store.CreateOrGetGate(ctx, run.ID, st.ID, gateType)
			if err != nil {
				return nil, err
			}
			if _, err := c.recorder.Append(ctx, run.ID, events.TypeGateCreated, map[string]any{
				"gate_id":   g.ID,
				"gate_type": g.GateType,
				"step_name": st.Name,
			}, st.ID); err != nil {
				return nil, err
			}
		}
	}

	if c.metrics != nil {
		c.metrics.RunsCreated.Inc()
	}
	c.logger.Info("run created",
		slog.String("run_id", run.ID),
		slog.String("project_id", projectID),
		slog.Int("steps", len(steps)))

	if err := c.dispatchReady(ctx, run.ID); err != nil {
		return nil, err
	}
	if err := c.reconcile(ctx, run.ID); err != nil {
		return nil, err
	}
	return c.store.GetRun(ctx, run.ID)
}

// OnStepStarted moves the run to running on its first step start.
func (c *Coordinator) OnStepStarted(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunQueued && run.Status != store.RunBlocked {
		return nil
	}
	status := store.RunRunning
	_, err = c.store.UpdateRun(ctx, runID, store.RunPatch{Status: &status})
	if errors.IsInvalidTransition(err) {
		// Lost a race with cancellation; the worker will observe it.
		return nil
	}
	return err
}

// OnStepTerminal recomputes the ready set and reconciles after a step
// reaches a terminal status.
func (c *Coordinator) OnStepTerminal(ctx context.Context, runID string) error {
	if err := c.dispatchReady(ctx, runID); err != nil {
		return err
	}
	return c.reconcile(ctx, runID)
}

// OnGateResolved implements gate.Notifier.
func (c *Coordinator) OnGateResolved(ctx context.Context, runID string) error {
	if err := c.dispatchReady(ctx, runID); err != nil {
		return err
	}
	return c.reconcile(ctx, runID)
}

// Cancel sets every non-terminal step to cancelled, emits run.cancelled and
// signals in-flight executions. Tools that finish before observing the
// signal keep their recorded outcome.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return &errors.InvalidTransitionError{
			Entity: "run", ID: runID,
			From: string(run.Status), To: string(store.RunCancelled),
		}
	}

	steps, err := c.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, st := range steps {
		if st.Status.Terminal() {
			continue
		}
		if err := c.cancelStep(ctx, st, "run cancelled"); err != nil {
			return err
		}
	}

	if c.canceller != nil {
		c.canceller.CancelRun(runID)
	}

	if _, err := c.recorder.Append(ctx, runID, events.TypeRunCancelled, nil, ""); err != nil {
		return err
	}
	status := store.RunCancelled
	if _, err := c.store.UpdateRun(ctx, runID, store.RunPatch{Status: &status}); err != nil {
		return err
	}
	c.releaseEnqueued(steps)
	if c.metrics != nil {
		c.metrics.RunsCompleted.WithLabelValues(string(store.RunCancelled)).Inc()
	}
	c.logger.Info("run cancelled", slog.String("run_id", runID))
	return nil
}

// dispatchReady computes the ready set and enqueues newly-ready steps.
//
// A step is ready when it is queued, every declared predecessor succeeded,
// its condition holds, and none of its gates is pending. Steps whose
// predecessors or gates can never be satisfied are cancelled so the run can
// reach a terminal status.
func (c *Coordinator) dispatchReady(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	steps, err := c.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return err
	}
	gates, err := c.store.ListGatesByRun(ctx, runID)
	if err != nil {
		return err
	}

	byName := make(map[string]*store.Step, len(steps))
	for _, st := range steps {
		byName[st.Name] = st
	}

	for _, st := range steps {
		if st.Status != store.StepQueued {
			continue
		}

		ready := true
		doomed := ""
		for _, need := range st.Needs {
			pred, ok := byName[need]
			if !ok {
				doomed = fmt.Sprintf("predecessor %q does not exist", need)
				break
			}
			switch {
			case pred.Status == store.StepSucceeded:
			case pred.Status.Terminal():
				doomed = fmt.Sprintf("predecessor %q %s", need, pred.Status)
			default:
				ready = false
			}
			if doomed != "" {
				break
			}
		}
		if doomed != "" {
			if err := c.cancelStep(ctx, st, doomed); err != nil {
				return err
			}
			continue
		}
		if !ready {
			continue
		}

		pending, failed := gate.Blocking(gates, st.ID)
		if failed {
			if err := c.cancelStep(ctx, st, "gate failed"); err != nil {
				return err
			}
			continue
		}
		if pending {
			continue
		}

		if st.When != "" {
			ok, err := c.eval.Evaluate(st.When, conditionEnv(st, steps))
			if err != nil {
				if cerr := c.cancelStep(ctx, st, err.Error()); cerr != nil {
					return cerr
				}
				continue
			}
			if !ok {
				if err := c.cancelStep(ctx, st, fmt.Sprintf("condition %q is false", st.When)); err != nil {
					return err
				}
				continue
			}
		}

		if err := c.enqueueStep(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// conditionEnv builds the expression environment for a step.
func conditionEnv(st *store.Step, steps []*store.Step) map[string]any {
	stepsEnv := make(map[string]any, len(steps))
	for _, other := range steps {
		stepsEnv[other.Name] = map[string]any{
			"status":  string(other.Status),
			"outputs": other.Outputs,
		}
	}
	return map[string]any{
		"inputs": st.Inputs,
		"steps":  stepsEnv,
	}
}

// enqueueStep publishes one step.ready delivery, deferring under backpressure.
func (c *Coordinator) enqueueStep(ctx context.Context, st *store.Step) error {
	c.mu.Lock()
	if _, done := c.enqueued[st.ID]; done {
		c.mu.Unlock()
		return nil
	}
	c.enqueued[st.ID] = struct{}{}
	c.mu.Unlock()

	c.waitForDepth(ctx)

	payload, err := json.Marshal(StepReadyPayload{
		RunID:          st.RunID,
		StepID:         st.ID,
		Attempt:        1,
		IdempotencyKey: st.IdempotencyKey,
	})
	if err != nil {
		return err
	}
	if err := c.queue.Enqueue(ctx, TopicStepReady, payload, 0); err != nil {
		// Allow a later reconciliation to retry the enqueue.
		c.mu.Lock()
		delete(c.enqueued, st.ID)
		c.mu.Unlock()
		return err
	}
	c.logger.Debug("step enqueued",
		slog.String("run_id", st.RunID),
		slog.String("step_id", st.ID),
		slog.String("tool", st.Tool))
	return nil
}

// releaseEnqueued drops a finished run's step IDs from the enqueue
// bookkeeping so the map does not grow with every step ever dispatched.
func (c *Coordinator) releaseEnqueued(steps []*store.Step) {
	c.mu.Lock()
	for _, st := range steps {
		delete(c.enqueued, st.ID)
	}
	c.mu.Unlock()
}

// waitForDepth defers while the ready topic is over the configured depth.
// Advisory only; after a bounded number of waits the enqueue proceeds.
func (c *Coordinator) waitForDepth(ctx context.Context) {
	if c.opts.BackpressureDepth <= 0 {
		return
	}
	for i := 0; i < 3; i++ {
		counts, err := c.queue.Counts(ctx, TopicStepReady)
		if err != nil || counts.Waiting <= c.opts.BackpressureDepth {
			return
		}
		c.logger.Debug("deferring enqueue under backpressure",
			slog.Int("waiting", counts.Waiting),
			slog.Int("threshold", c.opts.BackpressureDepth))
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.BackpressureAge):
		}
	}
}

func (c *Coordinator) cancelStep(ctx context.Context, st *store.Step, reason string) error {
	status := store.StepCancelled
	_, err := c.store.UpdateStep(ctx, st.ID, store.StepPatch{Status: &status, Error: &reason})
	if err != nil {
		if errors.IsInvalidTransition(err) {
			return nil
		}
		return err
	}
	if _, err := c.recorder.Append(ctx, st.RunID, events.TypeStepCancelled, map[string]any{
		"step_name": st.Name,
		"reason":    reason,
	}, st.ID); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.StepsCompleted.WithLabelValues(string(store.StepCancelled)).Inc()
	}
	return nil
}

// reconcile applies the aggregate status rules:
// succeeded iff every step succeeded; failed iff any step failed (or timed
// out) and none is running; blocked iff a pending gate holds queued steps
// while nothing runs; cancelled when cancellation consumed the remainder.
func (c *Coordinator) reconcile(ctx context.Context, runID string) error {
	tracer := otel.Tracer("github.com/tombee/dispatch/internal/coordinator")
	ctx, span := tracer.Start(ctx, "run.reconcile")
	span.SetAttributes(attribute.String("dispatch.run_id", runID))
	defer span.End()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	steps, err := c.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return err
	}
	gates, err := c.store.ListGatesByRun(ctx, runID)
	if err != nil {
		return err
	}

	var running, queued, succeeded, failed, cancelled int
	for _, st := range steps {
		switch st.Status {
		case store.StepRunning:
			running++
		case store.StepQueued:
			queued++
		case store.StepSucceeded:
			succeeded++
		case store.StepFailed, store.StepTimedOut:
			failed++
		case store.StepCancelled:
			cancelled++
		}
	}
	pendingGates := 0
	for _, g := range gates {
		if g.Status == store.GatePending {
			pendingGates++
		}
	}

	var next store.RunStatus
	switch {
	case running > 0:
		next = store.RunRunning
	case queued == 0 && failed > 0:
		next = store.RunFailed
	case queued == 0 && cancelled > 0:
		next = store.RunCancelled
	case queued == 0:
		next = store.RunSucceeded
	case pendingGates > 0:
		next = store.RunBlocked
	default:
		// Queued steps are awaiting delivery; leave the status alone.
		return nil
	}

	if next == run.Status {
		return nil
	}
	if _, err := c.store.UpdateRun(ctx, runID, store.RunPatch{Status: &next}); err != nil {
		if errors.IsInvalidTransition(err) {
			return nil
		}
		return err
	}
	if next.Terminal() {
		c.releaseEnqueued(steps)
		if c.metrics != nil {
			c.metrics.RunsCompleted.WithLabelValues(string(next)).Inc()
		}
	}
	c.logger.Info("run reconciled",
		slog.String("run_id", runID),
		slog.String("status", string(next)))
	return nil
}
