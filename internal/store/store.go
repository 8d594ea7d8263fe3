// Package store is the durable single-node record of tasks, workers,
// templates, events, logs and secrets, backed by one SQLite database.
// All multi-row mutations run in a single short transaction; conditional
// status updates use UPDATE ... WHERE status=? RETURNING so a lost race is
// visible as an empty result set.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/camhq/cam/internal/logging"
)

// Store wraps the SQLite database handle.
type Store struct {
	db  *sql.DB
	log *log.Logger
}

// Open opens (creating if necessary) the database at path and applies the
// schema. WAL mode and foreign keys are enabled via PRAGMAs.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// The modernc driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY storms under concurrent dispatchers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to apply %s", pragma)
		}
	}

	s := &Store{db: db, log: logging.New("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                  TEXT PRIMARY KEY,
	title               TEXT NOT NULL DEFAULT '',
	description         TEXT NOT NULL DEFAULT '',
	agent_definition_id TEXT NOT NULL DEFAULT '',
	repo_url            TEXT NOT NULL DEFAULT '',
	base_branch         TEXT NOT NULL DEFAULT '',
	work_branch         TEXT NOT NULL DEFAULT '',
	work_dir            TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	source              TEXT NOT NULL DEFAULT 'scheduler',
	retry_count         INTEGER NOT NULL DEFAULT 0,
	max_retries         INTEGER NOT NULL DEFAULT 2,
	depends_on          TEXT NOT NULL DEFAULT '[]',
	group_id            TEXT NOT NULL DEFAULT '',
	assigned_worker_id  TEXT NOT NULL DEFAULT '',
	pr_url              TEXT NOT NULL DEFAULT '',
	summary             TEXT NOT NULL DEFAULT '',
	log_file_url        TEXT NOT NULL DEFAULT '',
	feedback            TEXT NOT NULL DEFAULT '',
	review_comment      TEXT NOT NULL DEFAULT '',
	reviewed_at         TEXT,
	input_files         TEXT NOT NULL DEFAULT '[]',
	input_condition     TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL,
	queued_at           TEXT,
	started_at          TEXT,
	completed_at        TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(group_id);
CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(assigned_worker_id);

CREATE TABLE IF NOT EXISTS workers (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL DEFAULT '',
	supported_agent_ids   TEXT NOT NULL DEFAULT '[]',
	max_concurrent        INTEGER NOT NULL DEFAULT 1,
	mode                  TEXT NOT NULL DEFAULT 'unknown',
	status                TEXT NOT NULL DEFAULT 'idle',
	current_task_id       TEXT NOT NULL DEFAULT '',
	last_heartbeat_at     TEXT NOT NULL,
	reported_env_vars     TEXT NOT NULL DEFAULT '[]',
	total_tasks_completed INTEGER NOT NULL DEFAULT 0,
	total_tasks_failed    INTEGER NOT NULL DEFAULT 0,
	uptime_since          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_definitions (
	id                TEXT PRIMARY KEY,
	display_name      TEXT NOT NULL DEFAULT '',
	docker_image      TEXT NOT NULL DEFAULT '',
	command           TEXT NOT NULL DEFAULT '',
	args              TEXT NOT NULL DEFAULT '[]',
	required_env_vars TEXT NOT NULL DEFAULT '[]',
	capabilities      TEXT NOT NULL DEFAULT '{}',
	runtime           TEXT NOT NULL DEFAULT 'native'
);

CREATE TABLE IF NOT EXISTS task_templates (
	name                TEXT PRIMARY KEY,
	title_template      TEXT NOT NULL DEFAULT '',
	prompt_template     TEXT NOT NULL DEFAULT '',
	agent_definition_id TEXT NOT NULL DEFAULT '',
	max_retries         INTEGER NOT NULL DEFAULT 2,
	pipeline_steps      TEXT NOT NULL DEFAULT '[]',
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS system_events (
	id        TEXT PRIMARY KEY,
	type      TEXT NOT NULL,
	actor     TEXT NOT NULL DEFAULT '',
	payload   TEXT NOT NULL DEFAULT '{}',
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON system_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_type ON system_events(type);

CREATE TABLE IF NOT EXISTS task_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL REFERENCES tasks(id),
	line       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id);

CREATE TABLE IF NOT EXISTS secrets (
	name                TEXT NOT NULL,
	agent_definition_id TEXT NOT NULL DEFAULT '',
	repo_url            TEXT NOT NULL DEFAULT '',
	value               TEXT NOT NULL,
	PRIMARY KEY (name, agent_definition_id, repo_url)
);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// isConstraintErr reports whether err is a SQLite constraint violation
// (foreign key contention on the delete path).
func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") || strings.Contains(msg, "FOREIGN KEY")
}

// retryOnConstraint runs fn up to attempts times, backing off briefly when a
// constraint violation is returned.
func retryOnConstraint(attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isConstraintErr(errors.Cause(err)) {
			return err
		}
		time.Sleep(backoff)
	}
	return err
}

// marshalJSON encodes v for a JSON text column. nil slices encode as [].
func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}
	}
	if out == nil {
		out = []string{}
	}
	return out
}
