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

// Package gate implements the policy checkpoint state machine. A gate is
// pending until exactly one resolution wins; concurrent resolutions race on
// the store's transition guard and the loser surfaces InvalidTransition.
//
// The engine records the actor it is given and nothing more; authorization
// is asserted by the transport layer in front of it.
package gate

import (
	"context"
	"log/slog"

	"github.com/tombee/dispatch/internal/events"
	"github.com/tombee/dispatch/internal/store"
)

// Notifier is told when a gate resolves so the ready-set can be recomputed.
type Notifier interface {
	OnGateResolved(ctx context.Context, runID string) error
}

// Engine resolves gates and records the corresponding events.
type Engine struct {
	store    store.Store
	recorder *events.Recorder
	notifier Notifier
	logger   *slog.Logger
}

// New creates a gate engine. The notifier may be nil until wired.
func New(s store.Store, recorder *events.Recorder, logger *slog.Logger) *Engine {
	return &Engine{store: s, recorder: recorder, logger: logger}
}

// SetNotifier wires the coordinator callback. Assembly-time only.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// Approve moves a pending gate to passed.
func (e *Engine) Approve(ctx context.Context, gateID, actor, reason string) (*store.Gate, error) {
	return e.resolve(ctx, gateID, store.GatePassed, events.TypeGateApproved, actor, reason)
}

// Waive moves a pending gate to waived.
func (e *Engine) Waive(ctx context.Context, gateID, actor, reason string) (*store.Gate, error) {
	return e.resolve(ctx, gateID, store.GateWaived, events.TypeGateWaived, actor, reason)
}

// Fail moves a pending gate to failed. Automated checks may call this.
func (e *Engine) Fail(ctx context.Context, gateID, reason string) (*store.Gate, error) {
	return e.resolve(ctx, gateID, store.GateFailed, events.TypeGateFailed, "", reason)
}

func (e *Engine) resolve(ctx context.Context, gateID string, status store.GateStatus, eventType, actor, reason string) (*store.Gate, error) {
	patch := store.GatePatch{Status: &status}
	if actor != "" {
		patch.ApprovedBy = &actor
	}
	if reason != "" {
		patch.Reason = &reason
	}

	g, err := e.store.UpdateGate(ctx, gateID, patch)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"gate_id": g.ID, "gate_type": g.GateType}
	if actor != "" {
		payload["approved_by"] = actor
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if _, err := e.recorder.Append(ctx, g.RunID, eventType, payload, g.StepID); err != nil {
		return nil, err
	}

	e.logger.Info("gate resolved",
		slog.String("gate_id", g.ID),
		slog.String("gate_type", g.GateType),
		slog.String("status", string(g.Status)),
		slog.String("run_id", g.RunID))

	if e.notifier != nil {
		if err := e.notifier.OnGateResolved(ctx, g.RunID); err != nil {
			// Reconciliation retries on the next terminal event; the gate
			// resolution itself is already durable.
			e.logger.Warn("reconciliation after gate resolution failed",
				slog.String("run_id", g.RunID), slog.Any("error", err))
		}
	}
	return g, nil
}

// Blocking reports whether any of the step's declared gates still blocks it,
// and whether any has failed outright.
func Blocking(gates []*store.Gate, stepID string) (pending bool, failed bool) {
	for _, g := range gates {
		if g.StepID != stepID {
			continue
		}
		switch g.Status {
		case store.GatePending:
			pending = true
		case store.GateFailed:
			failed = true
		}
	}
	return pending, failed
}
