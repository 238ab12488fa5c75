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

// Package worker consumes step.ready deliveries: it claims each step through
// the inbox, resolves and executes the step's tool under a hard timeout,
// classifies the outcome, and writes statuses and events back to the store.
// Retry scheduling and dead-lettering are the queue's job; the worker only
// decides whether a failure is worth retrying.
package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/dispatch/internal/coordinator"
	"github.com/tombee/dispatch/internal/events"
	"github.com/tombee/dispatch/internal/inbox"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/internal/metrics"
	"github.com/tombee/dispatch/internal/queue"
	"github.com/tombee/dispatch/internal/store"
	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/tools"
)

// Options configures a Worker.
type Options struct {
	// Concurrency is the number of parallel handlers.
	Concurrency int

	// StepTimeout caps one tool execution attempt.
	StepTimeout time.Duration

	// MaxAttempts is the retry budget N shared with the queue policy.
	MaxAttempts int

	// HeartbeatInterval is how often the liveness marker advances.
	HeartbeatInterval time.Duration
}

// Worker executes step deliveries.
type Worker struct {
	id       string
	store    store.Store
	queue    queue.Queue
	recorder *events.Recorder
	registry *tools.Registry
	coord    *coordinator.Coordinator
	inbox    *inbox.Inbox
	metrics  *metrics.Metrics
	logger   *slog.Logger
	opts     Options

	// inflight tracks cancellation hooks for running tools, per run.
	mu       sync.Mutex
	inflight map[string]map[string]context.CancelFunc
}

// Compile-time assertion: the worker serves run cancellations.
var _ coordinator.Canceller = (*Worker)(nil)

// New creates a worker.
func New(s store.Store, q queue.Queue, recorder *events.Recorder, registry *tools.Registry,
	coord *coordinator.Coordinator, ib *inbox.Inbox, m *metrics.Metrics, logger *slog.Logger, opts Options) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Worker{
		id:       "wrk_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		store:    s,
		queue:    q,
		recorder: recorder,
		registry: registry,
		coord:    coord,
		inbox:    ib,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		inflight: make(map[string]map[string]context.CancelFunc),
	}
}

// ID returns the worker's liveness identifier.
func (w *Worker) ID() string { return w.id }

// Start subscribes to step.ready and begins heartbeating. Handlers stop when
// ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.queue.Subscribe(ctx, coordinator.TopicStepReady, w.Handle, w.opts.Concurrency); err != nil {
		return err
	}
	go w.heartbeat(ctx)
	w.logger.Info("worker started",
		slog.String("worker_id", w.id),
		slog.Int("concurrency", w.opts.Concurrency))
	return nil
}

func (w *Worker) heartbeat(ctx context.Context) {
	interval := w.opts.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.RecordHeartbeat(ctx, w.id, time.Now()); err != nil {
				w.logger.Warn("heartbeat failed", slog.Any("error", err))
			}
		}
	}
}

// CancelRun implements coordinator.Canceller by signalling every in-flight
// tool execution for the run. Advisory: tools that finish first keep their
// recorded outcome.
func (w *Worker) CancelRun(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cancel := range w.inflight[runID] {
		cancel()
	}
}

func (w *Worker) track(runID, stepID string, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[runID] == nil {
		w.inflight[runID] = make(map[string]context.CancelFunc)
	}
	w.inflight[runID][stepID] = cancel
}

func (w *Worker) untrack(runID, stepID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight[runID], stepID)
	if len(w.inflight[runID]) == 0 {
		delete(w.inflight, runID)
	}
}

// Handle processes one delivery. A nil return acks the payload; an error
// return hands retry/DLQ scheduling to the queue.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var delivery coordinator.StepReadyPayload
	if err := json.Unmarshal(payload, &delivery); err != nil {
		// Unparseable payloads can never succeed.
		return queue.Permanent(errors.Fatal("malformed step.ready payload", err))
	}
	if delivery.Attempt < 1 {
		delivery.Attempt = 1
	}

	logger := w.logger.With(
		slog.String(log.RunIDKey, delivery.RunID),
		slog.String(log.StepIDKey, delivery.StepID),
		slog.Int(log.AttemptKey, delivery.Attempt))

	st, err := w.store.GetStep(ctx, delivery.StepID)
	if err != nil {
		if errors.IsNotFound(err) {
			logger.Warn("delivery for unknown step, acking")
			return nil
		}
		return err
	}
	if st.Status.Terminal() {
		// Cancelled or already-finished work; absorb silently.
		return nil
	}

	key := delivery.IdempotencyKey
	if key == "" {
		key = st.IdempotencyKey
	}
	if key == "" {
		key = inbox.Key(st.RunID, st.Name, st.Inputs)
	}

	// The inbox claim gates first execution only. Deliveries with a higher
	// attempt counter are the queue's own retries of a claimed step and
	// proceed without a second claim (and without a second step.started).
	if delivery.Attempt == 1 {
		won, err := w.inbox.MarkIfNew(ctx, key)
		if err != nil {
			return err
		}
		if !won && st.Status == store.StepQueued {
			if w.metrics != nil {
				w.metrics.InboxDuplicates.Inc()
			}
			logger.Debug("duplicate delivery dropped", slog.String("inbox_key", key))
			return nil
		}
		if !won && st.Status != store.StepQueued {
			// Redundant re-enqueue of a step another handler is running.
			return nil
		}
	}

	if st.Status == store.StepQueued {
		now := time.Now().UTC()
		running := store.StepRunning
		st, err = w.store.UpdateStep(ctx, st.ID, store.StepPatch{Status: &running, StartedAt: &now})
		if err != nil {
			if errors.IsInvalidTransition(err) {
				return nil
			}
			return err
		}
		if _, err := w.recorder.Append(ctx, st.RunID, events.TypeStepStarted, map[string]any{
			"step_name": st.Name,
			"tool":      st.Tool,
			"inbox_key": key,
		}, st.ID); err != nil {
			return err
		}
		if err := w.coord.OnStepStarted(ctx, st.RunID); err != nil {
			logger.Warn("run start reconciliation failed", slog.Any("error", err))
		}
	}

	tool, ok := w.registry.Resolve(st.Tool)
	if !ok {
		return w.failFatal(ctx, st, logger, errors.Fatal(fmt.Sprintf("unknown tool %q", st.Tool), nil))
	}

	outputs, execErr := w.execute(ctx, st, tool, delivery.Attempt, logger)
	if execErr == nil {
		return w.succeed(ctx, st, outputs, logger)
	}
	return w.fail(ctx, st, delivery.Attempt, execErr, logger)
}

// execute runs the tool under the per-attempt timeout. If the tool ignores
// cancellation the handler is abandoned with a timeout classification.
func (w *Worker) execute(ctx context.Context, st *store.Step, tool tools.Tool, attempt int, logger *slog.Logger) (map[string]any, error) {
	toolCtx, cancel := context.WithTimeout(ctx, w.opts.StepTimeout)
	defer cancel()
	w.track(st.RunID, st.ID, cancel)
	defer w.untrack(st.RunID, st.ID)

	toolCtx = tools.NewContext(toolCtx, tools.Invocation{
		RunID:   st.RunID,
		StepID:  st.ID,
		Attempt: attempt,
		Logger:  logger.With(slog.String(log.ToolKey, st.Tool)),
	})

	tracer := otel.Tracer("github.com/tombee/dispatch/internal/worker")
	toolCtx, span := tracer.Start(toolCtx, "step.execute", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("dispatch.run_id", st.RunID),
		attribute.String("dispatch.step_id", st.ID),
		attribute.String("dispatch.tool", st.Tool),
		attribute.Int("dispatch.attempt", attempt),
	)
	defer span.End()

	type result struct {
		outputs map[string]any
		err     error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		outputs, err := tool.Execute(toolCtx, st.Inputs)
		done <- result{outputs: outputs, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-toolCtx.Done():
		if toolCtx.Err() == context.DeadlineExceeded {
			res.err = &errors.TimeoutError{Operation: st.Tool, Limit: w.opts.StepTimeout}
		} else {
			res.err = toolCtx.Err()
		}
	}

	outcome := "success"
	if res.err != nil {
		outcome = errors.Classify(res.err)
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	if w.metrics != nil {
		w.metrics.StepDuration.WithLabelValues(st.Tool, outcome).Observe(time.Since(start).Seconds())
	}
	logger.Debug("tool finished",
		slog.String(log.ToolKey, st.Tool),
		slog.String("outcome", outcome),
		slog.Int64(log.DurationKey, time.Since(start).Milliseconds()))
	return res.outputs, res.err
}

func (w *Worker) succeed(ctx context.Context, st *store.Step, outputs map[string]any, logger *slog.Logger) error {
	if outputs == nil {
		outputs = map[string]any{}
	}
	succeeded := store.StepSucceeded
	if _, err := w.store.UpdateStep(ctx, st.ID, store.StepPatch{Status: &succeeded, Outputs: outputs}); err != nil {
		if errors.IsInvalidTransition(err) {
			// The run was cancelled under us; the step keeps its recorded fate.
			return nil
		}
		return err
	}
	if _, err := w.recorder.Append(ctx, st.RunID, events.TypeStepSucceeded, map[string]any{
		"step_name": st.Name,
		"outputs":   outputs,
	}, st.ID); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.StepsCompleted.WithLabelValues(string(store.StepSucceeded)).Inc()
	}
	logger.Info("step succeeded")
	return w.coord.OnStepTerminal(ctx, st.RunID)
}

// fail records the attempt failure, then either lets the queue schedule a
// retry or writes the terminal status and lets the queue dead-letter the
// payload.
func (w *Worker) fail(ctx context.Context, st *store.Step, attempt int, execErr error, logger *slog.Logger) error {
	if stderrors.Is(execErr, context.Canceled) {
		// Run cancellation interrupted the tool; the coordinator has
		// already written the step's fate.
		logger.Info("step execution cancelled")
		return nil
	}

	classification := errors.Classify(execErr)
	retryable := errors.IsRetryable(execErr)

	if _, err := w.recorder.Append(ctx, st.RunID, events.TypeStepFailed, map[string]any{
		"step_name":      st.Name,
		"error":          execErr.Error(),
		"classification": classification,
		"retryable":      retryable,
		"attempt":        attempt,
	}, st.ID); err != nil {
		return err
	}

	if retryable && attempt < w.opts.MaxAttempts {
		logger.Warn("step attempt failed, retrying",
			slog.String("classification", classification),
			slog.Any("error", execErr))
		return execErr
	}

	terminal := store.StepFailed
	eventType := events.TypeStepFailed
	if errors.IsTimeout(execErr) {
		terminal = store.StepTimedOut
		eventType = events.TypeStepTimedOut
	}
	msg := execErr.Error()
	if _, err := w.store.UpdateStep(ctx, st.ID, store.StepPatch{Status: &terminal, Error: &msg}); err != nil {
		if !errors.IsInvalidTransition(err) {
			return err
		}
	} else {
		if terminal == store.StepTimedOut {
			if _, err := w.recorder.Append(ctx, st.RunID, eventType, map[string]any{
				"step_name": st.Name,
				"error":     msg,
			}, st.ID); err != nil {
				return err
			}
		}
		if w.metrics != nil {
			w.metrics.StepsCompleted.WithLabelValues(string(terminal)).Inc()
		}
	}
	logger.Error("step failed terminally",
		slog.String("classification", classification),
		slog.Any("error", execErr))

	if err := w.coord.OnStepTerminal(ctx, st.RunID); err != nil {
		logger.Warn("terminal reconciliation failed", slog.Any("error", err))
	}

	if !retryable {
		return queue.Permanent(execErr)
	}
	// Retry budget exhausted; the returned error moves the payload to the DLQ.
	return execErr
}

// failFatal handles failures that precede tool execution (unknown tool).
func (w *Worker) failFatal(ctx context.Context, st *store.Step, logger *slog.Logger, fatalErr error) error {
	return w.fail(ctx, st, w.opts.MaxAttempts, fatalErr, logger)
}
