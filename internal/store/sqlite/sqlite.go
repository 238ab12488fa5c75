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

// Package sqlite provides a SQLite store driver for single-node deployments.
// SQLite serialises writes on a single connection, which gives every mutator
// the linearisability the store contract requires; compound operations run
// inside explicit transactions.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/dispatch/internal/store"
	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/plan"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store is the SQLite driver.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens (and migrates) a SQLite-backed store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serialises writes, so only 1 connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			plan TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			tool TEXT NOT NULL,
			inputs TEXT,
			status TEXT NOT NULL,
			outputs TEXT,
			error TEXT,
			idempotency_key TEXT,
			needs TEXT,
			when_expr TEXT,
			gate_types TEXT,
			tools_allowed TEXT,
			env_allowed TEXT,
			secrets_scope TEXT,
			started_at TEXT,
			ended_at TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (run_id, name),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			step_id TEXT,
			occurred_at TEXT NOT NULL,
			PRIMARY KEY (run_id, sequence),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS gates (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT,
			gate_type TEXT NOT NULL,
			status TEXT NOT NULL,
			approved_by TEXT,
			reason TEXT,
			created_at TEXT NOT NULL,
			resolved_at TEXT,
			UNIQUE (run_id, step_id, gate_type),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gates_run_id ON gates(run_id)`,
		`CREATE TABLE IF NOT EXISTS inbox (
			key TEXT PRIMARY KEY,
			first_seen_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS heartbeats (
			worker_id TEXT PRIMARY KEY,
			seen_at TEXT NOT NULL
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateRun implements store.Store.
func (s *Store) CreateRun(ctx context.Context, p *plan.Plan, projectID string) (*store.Run, error) {
	run, steps := store.Materialise(p, projectID, time.Now().UTC())

	planJSON, err := json.Marshal(run.Plan)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Transient("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, project_id, plan, status, error, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, string(planJSON), string(run.Status), run.Error,
		marshalText(run.Metadata), formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}

	for _, st := range steps {
		if err := insertStep(ctx, tx, st); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Transient("commit run creation", err)
	}
	return run, nil
}

func insertStep(ctx context.Context, tx *sql.Tx, st *store.Step) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO steps (id, run_id, name, tool, inputs, status, outputs, error,
			idempotency_key, needs, when_expr, gate_types, tools_allowed, env_allowed,
			secrets_scope, started_at, ended_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.RunID, st.Name, st.Tool, marshalText(st.Inputs), string(st.Status),
		marshalText(st.Outputs), st.Error, st.IdempotencyKey, marshalText(st.Needs),
		st.When, marshalText(st.Gates), marshalText(st.ToolsAllowed),
		marshalText(st.EnvAllowed), st.SecretsScope,
		formatTimePtr(st.StartedAt), formatTimePtr(st.EndedAt), formatTime(st.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert step %s: %w", st.Name, err)
	}
	return nil
}

// GetRun implements store.Store.
func (s *Store) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, plan, status, error, metadata, created_at, updated_at
		 FROM runs WHERE id = ?`, runID)
	return scanRun(row, runID)
}

// ListRuns implements store.Store.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	query := `SELECT id, project_id, plan, status, error, metadata, created_at, updated_at FROM runs`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Transient("list runs", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		run, err := scanRun(rows, "")
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRun implements store.Store.
func (s *Store) UpdateRun(ctx context.Context, runID string, patch store.RunPatch) (*store.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Transient("begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, project_id, plan, status, error, metadata, created_at, updated_at
		 FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row, runID)
	if err != nil {
		return nil, err
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
	if now := time.Now().UTC(); now.After(run.UpdatedAt) {
		run.UpdatedAt = now
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		string(run.Status), run.Error, marshalText(run.Metadata), formatTime(run.UpdatedAt), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Transient("commit run update", err)
	}
	return run, nil
}

// DeleteRun implements store.Store.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return errors.Transient("delete run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return nil
}

// CreateStep implements store.Store.
func (s *Store) CreateStep(ctx context.Context, runID, name, tool string, inputs map[string]any, idempotencyKey string) (*store.Step, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Transient("begin transaction", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return nil, errors.Transient("check run", err)
	}
	if exists == 0 {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}

	row := tx.QueryRowContext(ctx, stepColumns+` WHERE run_id = ? AND name = ?`, runID, name)
	if st, err := scanStep(row, ""); err == nil {
		return st, nil
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	st := &store.Step{
		ID:             store.NewStepID(),
		RunID:          runID,
		Name:           name,
		Tool:           tool,
		Inputs:         inputs,
		Status:         store.StepQueued,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := insertStep(ctx, tx, st); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Transient("commit step creation", err)
	}
	return st, nil
}

const stepColumns = `SELECT id, run_id, name, tool, inputs, status, outputs, error,
	idempotency_key, needs, when_expr, gate_types, tools_allowed, env_allowed,
	secrets_scope, started_at, ended_at, created_at FROM steps`

// GetStep implements store.Store.
func (s *Store) GetStep(ctx context.Context, stepID string) (*store.Step, error) {
	row := s.db.QueryRowContext(ctx, stepColumns+` WHERE id = ?`, stepID)
	return scanStep(row, stepID)
}

// ListStepsByRun implements store.Store.
func (s *Store) ListStepsByRun(ctx context.Context, runID string) ([]*store.Step, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, stepColumns+` WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, errors.Transient("list steps", err)
	}
	defer rows.Close()

	var steps []*store.Step
	for rows.Next() {
		st, err := scanStep(rows, "")
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// UpdateStep implements store.Store.
func (s *Store) UpdateStep(ctx context.Context, stepID string, patch store.StepPatch) (*store.Step, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Transient("begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, stepColumns+` WHERE id = ?`, stepID)
	st, err := scanStep(row, stepID)
	if err != nil {
		return nil, err
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
			now := time.Now().UTC()
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
		st.Outputs = patch.Outputs
	}
	if patch.Error != nil {
		st.Error = *patch.Error
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE steps SET status = ?, outputs = ?, error = ?, started_at = ?, ended_at = ? WHERE id = ?`,
		string(st.Status), marshalText(st.Outputs), st.Error,
		formatTimePtr(st.StartedAt), formatTimePtr(st.EndedAt), stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to update step: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Transient("commit step update", err)
	}
	return st, nil
}

// RecordEvent implements store.Store.
// The next sequence is read and the row inserted in the same transaction;
// SQLite's single-writer connection serialises concurrent recorders.
func (s *Store) RecordEvent(ctx context.Context, runID, eventType string, payload map[string]any, stepID string) (*store.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Transient("begin transaction", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return nil, errors.Transient("check run", err)
	}
	if exists == 0 {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, runID).Scan(&next); err != nil {
		return nil, errors.Transient("next sequence", err)
	}

	ev := &store.Event{
		RunID:      runID,
		Sequence:   next,
		Type:       eventType,
		Payload:    payload,
		StepID:     stepID,
		OccurredAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, sequence, type, payload, step_id, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Sequence, ev.Type, marshalText(ev.Payload), ev.StepID, formatTime(ev.OccurredAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Transient("commit event", err)
	}
	return ev, nil
}

// ListEvents implements store.Store.
func (s *Store) ListEvents(ctx context.Context, runID string, sinceSeq int64) ([]*store.Event, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, sequence, type, payload, step_id, occurred_at
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence`, runID, sinceSeq)
	if err != nil {
		return nil, errors.Transient("list events", err)
	}
	defer rows.Close()

	var events []*store.Event
	for rows.Next() {
		var (
			ev         store.Event
			payload    sql.NullString
			stepID     sql.NullString
			occurredAt string
		)
		if err := rows.Scan(&ev.RunID, &ev.Sequence, &ev.Type, &payload, &stepID, &occurredAt); err != nil {
			return nil, err
		}
		if err := unmarshalText(payload.String, &ev.Payload); err != nil {
			return nil, err
		}
		ev.StepID = stepID.String
		if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// TruncateEvents implements store.Store.
func (s *Store) TruncateEvents(ctx context.Context, runID string, keepThrough int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Transient("begin transaction", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return 0, errors.Transient("check run", err)
	}
	if exists == 0 {
		return 0, &errors.NotFoundError{Resource: "run", ID: runID}
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE run_id = ? AND sequence > ?`, runID, keepThrough)
	if err != nil {
		return 0, fmt.Errorf("failed to truncate events: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	// Renumber survivors contiguously from 1. Sequences are a contiguous
	// prefix already, so this is usually the identity; it is kept for the
	// contract rather than for any current caller.
	_, err = tx.ExecContext(ctx,
		`UPDATE events SET sequence = (
			SELECT n FROM (
				SELECT rowid AS rid, ROW_NUMBER() OVER (ORDER BY sequence) AS n
				FROM events WHERE run_id = ?1
			) WHERE rid = events.rowid
		) WHERE run_id = ?1`, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to renumber events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Transient("commit truncate", err)
	}
	return int(removed), nil
}

// InboxMarkIfNew implements store.Store.
func (s *Store) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbox (key, first_seen_at) VALUES (?, ?)`,
		key, formatTime(time.Now().UTC()))
	if err != nil {
		return false, errors.Transient("inbox insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CreateOrGetGate implements store.Store.
func (s *Store) CreateOrGetGate(ctx context.Context, runID, stepID, gateType string) (*store.Gate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Transient("begin transaction", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return nil, errors.Transient("check run", err)
	}
	if exists == 0 {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}

	row := tx.QueryRowContext(ctx, gateColumns+` WHERE run_id = ? AND step_id = ? AND gate_type = ?`,
		runID, stepID, gateType)
	if g, err := scanGate(row, ""); err == nil {
		return g, nil
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	g := &store.Gate{
		ID:        store.NewGateID(),
		RunID:     runID,
		StepID:    stepID,
		GateType:  gateType,
		Status:    store.GatePending,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO gates (id, run_id, step_id, gate_type, status, approved_by, reason, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.RunID, g.StepID, g.GateType, string(g.Status), g.ApprovedBy, g.Reason,
		formatTime(g.CreatedAt), formatTimePtr(g.ResolvedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert gate: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Transient("commit gate creation", err)
	}
	return g, nil
}

const gateColumns = `SELECT id, run_id, step_id, gate_type, status, approved_by, reason, created_at, resolved_at FROM gates`

// GetGate implements store.Store.
func (s *Store) GetGate(ctx context.Context, gateID string) (*store.Gate, error) {
	row := s.db.QueryRowContext(ctx, gateColumns+` WHERE id = ?`, gateID)
	return scanGate(row, gateID)
}

// ListGatesByRun implements store.Store.
func (s *Store) ListGatesByRun(ctx context.Context, runID string) ([]*store.Gate, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, gateColumns+` WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, errors.Transient("list gates", err)
	}
	defer rows.Close()

	var gates []*store.Gate
	for rows.Next() {
		g, err := scanGate(rows, "")
		if err != nil {
			return nil, err
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

// UpdateGate implements store.Store.
func (s *Store) UpdateGate(ctx context.Context, gateID string, patch store.GatePatch) (*store.Gate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Transient("begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, gateColumns+` WHERE id = ?`, gateID)
	g, err := scanGate(row, gateID)
	if err != nil {
		return nil, err
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
			now := time.Now().UTC()
			g.ResolvedAt = &now
		}
	}
	if patch.ApprovedBy != nil {
		g.ApprovedBy = *patch.ApprovedBy
	}
	if patch.Reason != nil {
		g.Reason = *patch.Reason
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE gates SET status = ?, approved_by = ?, reason = ?, resolved_at = ? WHERE id = ?`,
		string(g.Status), g.ApprovedBy, g.Reason, formatTimePtr(g.ResolvedAt), gateID)
	if err != nil {
		return nil, fmt.Errorf("failed to update gate: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Transient("commit gate update", err)
	}
	return g, nil
}

// RecordHeartbeat implements store.Store.
func (s *Store) RecordHeartbeat(ctx context.Context, workerID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO heartbeats (worker_id, seen_at) VALUES (?, ?)
		 ON CONFLICT(worker_id) DO UPDATE SET seen_at = excluded.seen_at`,
		workerID, formatTime(at.UTC()))
	if err != nil {
		return errors.Transient("record heartbeat", err)
	}
	return nil
}

// ListHeartbeats implements store.Store.
func (s *Store) ListHeartbeats(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT worker_id, seen_at FROM heartbeats`)
	if err != nil {
		return nil, errors.Transient("list heartbeats", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id, seen string
		if err := rows.Scan(&id, &seen); err != nil {
			return nil, err
		}
		t, err := parseTime(seen)
		if err != nil {
			return nil, err
		}
		out[id] = t
	}
	return out, rows.Err()
}

// Close implements store.Store.
func (s *Store) Close() error { return s.db.Close() }

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner, wantID string) (*store.Run, error) {
	var (
		run                  store.Run
		planJSON             string
		errText, metaText    sql.NullString
		createdAt, updatedAt string
		status               string
	)
	err := row.Scan(&run.ID, &run.ProjectID, &planJSON, &status, &errText, &metaText, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: wantID}
	}
	if err != nil {
		return nil, errors.Transient("scan run", err)
	}
	run.Status = store.RunStatus(status)
	run.Error = errText.String
	run.Plan = &plan.Plan{}
	if err := json.Unmarshal([]byte(planJSON), run.Plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	if err := unmarshalText(metaText.String, &run.Metadata); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanStep(row scanner, wantID string) (*store.Step, error) {
	var (
		st                       store.Step
		status                   string
		inputs, outputs, errText sql.NullString
		idemKey, needs, whenExpr sql.NullString
		gateTypes, toolsAllowed  sql.NullString
		envAllowed, secretsScope sql.NullString
		startedAt, endedAt       sql.NullString
		createdAt                string
	)
	err := row.Scan(&st.ID, &st.RunID, &st.Name, &st.Tool, &inputs, &status, &outputs,
		&errText, &idemKey, &needs, &whenExpr, &gateTypes, &toolsAllowed, &envAllowed,
		&secretsScope, &startedAt, &endedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step", ID: wantID}
	}
	if err != nil {
		return nil, errors.Transient("scan step", err)
	}
	st.Status = store.StepStatus(status)
	st.Error = errText.String
	st.IdempotencyKey = idemKey.String
	st.When = whenExpr.String
	st.SecretsScope = secretsScope.String
	if err := unmarshalText(inputs.String, &st.Inputs); err != nil {
		return nil, err
	}
	if err := unmarshalText(outputs.String, &st.Outputs); err != nil {
		return nil, err
	}
	if err := unmarshalText(needs.String, &st.Needs); err != nil {
		return nil, err
	}
	if err := unmarshalText(gateTypes.String, &st.Gates); err != nil {
		return nil, err
	}
	if err := unmarshalText(toolsAllowed.String, &st.ToolsAllowed); err != nil {
		return nil, err
	}
	if err := unmarshalText(envAllowed.String, &st.EnvAllowed); err != nil {
		return nil, err
	}
	if st.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if st.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return nil, err
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanGate(row scanner, wantID string) (*store.Gate, error) {
	var (
		g                  store.Gate
		status             string
		stepID, approvedBy sql.NullString
		reason, resolvedAt sql.NullString
		createdAt          string
	)
	err := row.Scan(&g.ID, &g.RunID, &stepID, &g.GateType, &status, &approvedBy, &reason, &createdAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "gate", ID: wantID}
	}
	if err != nil {
		return nil, errors.Transient("scan gate", err)
	}
	g.Status = store.GateStatus(status)
	g.StepID = stepID.String
	g.ApprovedBy = approvedBy.String
	g.Reason = reason.String
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if g.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// marshalText serialises a JSON-shaped value to TEXT; nil/empty become NULL-ish "".
func marshalText(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	text := string(data)
	if text == "null" {
		return ""
	}
	return text
}

func unmarshalText[T any](text string, out *T) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}
	return nil
}

// timeLayout is fixed width: RFC3339Nano trims trailing zeros, which breaks
// lexicographic ORDER BY over the TEXT columns.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(text string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	return t, nil
}

func parseTimePtr(text sql.NullString) (*time.Time, error) {
	if !text.Valid || text.String == "" {
		return nil, nil
	}
	t, err := parseTime(text.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
