// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package report stores interop results in SQLite.
package report

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/absmach/ks/interop"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store records interop runs. Uses SQLite with WAL mode.
type Store struct {
	db *sql.DB
}

// Row is one recorded case.
type Row struct {
	RunID    uuid.UUID
	Scenario string
	Case     string
	Pass     bool
	Error    string
	Duration time.Duration
}

// Open creates or opens the report database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun registers a new run and returns its ID.
func (s *Store) BeginRun(ctx context.Context) (uuid.UUID, error) {
	id := uuid.New()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at) VALUES (?, ?)`,
		id.String(), time.Now().UnixMilli()); err != nil {
		return uuid.Nil, fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// Record stores every case of res under run. Recording the same case twice
// keeps the first row.
func (s *Store) Record(ctx context.Context, run uuid.UUID, res *interop.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	defer tx.Rollback()

	for _, c := range res.Cases {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cases (run_id, scenario, name, pass, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, scenario, name) DO NOTHING
		`, run.String(), res.Scenario, c.Name, c.Pass, c.Error, c.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("record %s/%s: %w", res.Scenario, c.Name, err)
		}
	}
	return tx.Commit()
}

// Cases returns the cases of run ordered by scenario and case name.
func (s *Store) Cases(ctx context.Context, run uuid.UUID) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, scenario, name, pass, error, duration_ms
		FROM cases WHERE run_id = ?
		ORDER BY scenario, name
	`, run.String())
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// Failures returns every failed case of every run, newest run first.
func (s *Store) Failures(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.run_id, c.scenario, c.name, c.pass, c.error, c.duration_ms
		FROM cases c JOIN runs r ON r.id = c.run_id
		WHERE c.pass = 0
		ORDER BY r.started_at DESC, c.scenario, c.name
	`)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var (
			r     Row
			runID string
			ms    int64
		)
		if err := rows.Scan(&runID, &r.Scenario, &r.Case, &r.Pass, &r.Error, &ms); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		id, err := uuid.Parse(runID)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		r.RunID = id
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
