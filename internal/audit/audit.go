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

// Package audit persists a durable record of every accepted submission —
// which target, which run, which workflow, uploaded when and by what
// channel — independent of the engine's own (ephemeral, describe-only)
// view of a run. Schema and connection handling follow the span-storage
// pattern in internal/tracing/storage: SQLite in WAL mode, one writer.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one accepted submission.
type Record struct {
	TargetID      string
	RunID         string
	WorkflowName  string
	Owner         string
	UploadedAt    time.Time
	Channel       string
	CorrelationID string
}

// Log is the submission audit log.
type Log struct {
	db *sql.DB
}

// Open creates (or attaches to) the SQLite-backed audit log at path. The
// special value ":memory:" creates a process-local, non-persistent log
// suitable for tests.
func Open(path string) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}

	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to audit log: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	target_id      TEXT NOT NULL,
	run_id         TEXT NOT NULL PRIMARY KEY,
	workflow_name  TEXT NOT NULL,
	owner          TEXT NOT NULL,
	uploaded_at    INTEGER NOT NULL,
	channel        TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_submissions_target ON submissions(target_id);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	return &Log{db: db}, nil
}

// Close releases the underlying connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record inserts one submission row.
func (l *Log) Record(ctx context.Context, rec Record) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO submissions (target_id, run_id, workflow_name, owner, uploaded_at, channel, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TargetID, rec.RunID, rec.WorkflowName, rec.Owner, rec.UploadedAt.Unix(), rec.Channel, rec.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("recording submission %s: %w", rec.RunID, err)
	}
	return nil
}

// ByRunID looks up the audit record for a run, if any.
func (l *Log) ByRunID(ctx context.Context, runID string) (Record, bool, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT target_id, run_id, workflow_name, owner, uploaded_at, channel, correlation_id
		FROM submissions WHERE run_id = ?`, runID)

	var rec Record
	var uploadedAt int64
	err := row.Scan(&rec.TargetID, &rec.RunID, &rec.WorkflowName, &rec.Owner, &uploadedAt, &rec.Channel, &rec.CorrelationID)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("reading submission %s: %w", runID, err)
	}
	rec.UploadedAt = time.Unix(uploadedAt, 0).UTC()
	return rec, true, nil
}
