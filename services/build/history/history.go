// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history keeps a SQLite record of past runs.
//
// Each run stores one row per task with its status and wall time. The
// scheduler reads recent durations to start long tasks first.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database file inside the cache directory.
const FileName = "history.db"

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = errors.New("run not found")

// Run is one orchestrator invocation.
type Run struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	ExitCode  int       `json:"exitCode"`
	Tasks     int       `json:"tasks"`
	Failed    int       `json:"failed"`
	CacheHits int       `json:"cacheHits"`
}

// Duration returns the wall time of the run.
func (r Run) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

// TaskRun is the outcome of one task within a run.
type TaskRun struct {
	RunID    string        `json:"runId"`
	TaskID   string        `json:"taskId"`
	Target   string        `json:"target"`
	Hash     string        `json:"hash"`
	Status   string        `json:"status"`
	Code     int           `json:"code"`
	Duration time.Duration `json:"durationNs"`
}

// Store provides access to the history database.
//
// Thread Safety: Safe for concurrent use. SQLite allows one writer, so the
// pool holds a single connection.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		tasks INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		cache_hits INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_runs (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		target TEXT NOT NULL,
		hash TEXT,
		status TEXT NOT NULL,
		code INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (run_id, task_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_task_runs_task_id ON task_runs(task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordRun stores a run and its task outcomes in one transaction.
func (s *Store) RecordRun(ctx context.Context, run Run, tasks []TaskRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, command, started_at, ended_at, exit_code, tasks, failed, cache_hits)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Command, run.StartedAt.UnixMilli(), run.EndedAt.UnixMilli(),
		run.ExitCode, run.Tasks, run.Failed, run.CacheHits)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_runs (run_id, task_id, target, hash, status, code, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare task insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		if _, err := stmt.ExecContext(ctx, run.ID, t.TaskID, t.Target, t.Hash, t.Status, t.Code, t.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("insert task %s: %w", t.TaskID, err)
		}
	}
	return tx.Commit()
}

// Durations returns the most recent executed wall time of each task id.
// Cache hits and skips are ignored since they say nothing about the cost
// of running the task. Ids without history are absent from the result.
func (s *Store) Durations(ctx context.Context, taskIDs []string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(taskIDs)), ",")
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.task_id, t.duration_ms
		FROM task_runs t JOIN runs r ON r.id = t.run_id
		WHERE t.task_id IN (`+placeholders+`) AND t.status IN ('success', 'failure')
		ORDER BY r.started_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			ms int64
		)
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, fmt.Errorf("scan duration: %w", err)
		}
		// Later rows overwrite earlier ones.
		out[id] = time.Duration(ms) * time.Millisecond
	}
	return out, rows.Err()
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, started_at, ended_at, exit_code, tasks, failed, cache_hits
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run and its tasks sorted by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, []TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, command, started_at, ended_at, exit_code, tasks, failed, cache_hits
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Run{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, target, COALESCE(hash, ''), status, code, duration_ms
		FROM task_runs WHERE run_id = ? ORDER BY task_id`, id)
	if err != nil {
		return Run{}, nil, fmt.Errorf("query task runs: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRun
	for rows.Next() {
		var (
			t  TaskRun
			ms int64
		)
		if err := rows.Scan(&t.RunID, &t.TaskID, &t.Target, &t.Hash, &t.Status, &t.Code, &ms); err != nil {
			return Run{}, nil, fmt.Errorf("scan task run: %w", err)
		}
		t.Duration = time.Duration(ms) * time.Millisecond
		tasks = append(tasks, t)
	}
	return run, tasks, rows.Err()
}

// Prune keeps the newest keep runs and deletes the rest.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const stale = `SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_runs WHERE run_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("prune task runs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r            Run
		started, end int64
	)
	if err := row.Scan(&r.ID, &r.Command, &started, &end, &r.ExitCode, &r.Tasks, &r.Failed, &r.CacheHits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt = time.UnixMilli(started)
	r.EndedAt = time.UnixMilli(end)
	return r, nil
}
