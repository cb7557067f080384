// Package store provides SQLite-backed persistence for the concent ledger.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx. Read helpers accept it so
// they can run inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS clients (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	public_key BLOB NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stored_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	type       TEXT NOT NULL,
	timestamp  INTEGER NOT NULL,
	data       BLOB NOT NULL,
	task_id    TEXT NOT NULL DEFAULT '',
	subtask_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_messages_subtask ON stored_messages(subtask_id);

CREATE TABLE IF NOT EXISTS subtasks (
	subtask_id              TEXT PRIMARY KEY,
	task_id                 TEXT NOT NULL,
	provider_id             INTEGER NOT NULL REFERENCES clients(id),
	requestor_id            INTEGER NOT NULL REFERENCES clients(id),
	state                   TEXT NOT NULL,
	next_deadline           INTEGER,
	task_to_compute_id      INTEGER REFERENCES stored_messages(id),
	report_computed_task_id INTEGER REFERENCES stored_messages(id),
	state_version           INTEGER NOT NULL DEFAULT 1,
	escalated               INTEGER NOT NULL DEFAULT 0,
	escalation_code         TEXT NOT NULL DEFAULT '',
	escalation_detail       TEXT NOT NULL DEFAULT '',
	created_at              INTEGER NOT NULL,
	updated_at              INTEGER NOT NULL,
	UNIQUE(task_id, subtask_id),
	CHECK (state NOT IN ('ACCEPTED', 'FAILED', 'RESULT_UPLOADED') OR next_deadline IS NULL)
);
CREATE INDEX IF NOT EXISTS idx_subtasks_state_deadline ON subtasks(state, next_deadline);
CREATE INDEX IF NOT EXISTS idx_subtasks_requestor ON subtasks(requestor_id, state);
CREATE INDEX IF NOT EXISTS idx_subtasks_provider ON subtasks(provider_id, state);

CREATE TABLE IF NOT EXISTS pending_responses (
	id            TEXT PRIMARY KEY,
	response_type TEXT NOT NULL,
	client_id     INTEGER NOT NULL REFERENCES clients(id),
	queue         TEXT NOT NULL,
	subtask_id    TEXT REFERENCES subtasks(subtask_id),
	delivered     INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_client_queue ON pending_responses(client_id, queue, delivered);

CREATE TABLE IF NOT EXISTS payment_info (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	pending_response_id  TEXT NOT NULL UNIQUE REFERENCES pending_responses(id),
	payment_ts           INTEGER NOT NULL,
	task_owner_key       BLOB NOT NULL,
	provider_eth_account TEXT NOT NULL,
	amount_paid          INTEGER NOT NULL DEFAULT 0,
	amount_pending       INTEGER NOT NULL DEFAULT 0,
	recipient_type       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS verification_requests (
	subtask_id          TEXT PRIMARY KEY REFERENCES subtasks(subtask_id),
	task_id             TEXT NOT NULL,
	source_package_path TEXT NOT NULL,
	source_size         INTEGER NOT NULL,
	source_package_hash TEXT NOT NULL,
	result_package_path TEXT NOT NULL,
	result_size         INTEGER NOT NULL,
	result_package_hash TEXT NOT NULL,
	output_format       TEXT NOT NULL,
	scene_file          TEXT NOT NULL,
	upload_finished     INTEGER NOT NULL DEFAULT 0,
	upload_acknowledged INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dispatch_jobs (
	job_id     TEXT PRIMARY KEY,
	subtask_id TEXT NOT NULL UNIQUE REFERENCES verification_requests(subtask_id),
	status     TEXT NOT NULL DEFAULT 'pending',
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	fired_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_dispatch_status ON dispatch_jobs(status, created_at);

CREATE TABLE IF NOT EXISTS upload_reports (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	path       TEXT NOT NULL,
	subtask_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_upload_reports_path ON upload_reports(path);

CREATE TABLE IF NOT EXISTS audit_records (
	id          TEXT PRIMARY KEY,
	subtask_id  TEXT NOT NULL,
	category    TEXT NOT NULL,
	actor       TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	detail_json TEXT NOT NULL DEFAULT '{}',
	severity    TEXT NOT NULL DEFAULT 'info',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_subtask ON audit_records(subtask_id);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers; every ledger transaction is therefore
	// isolated from concurrent admissions of the same subtask.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
