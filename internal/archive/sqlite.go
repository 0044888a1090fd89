package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kanshi/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS executions (
	correlation_id TEXT PRIMARY KEY,
	parent_id      TEXT,
	agent_target   TEXT    NOT NULL,
	command        TEXT    NOT NULL,
	operation_type TEXT    NOT NULL DEFAULT '',
	status         TEXT    NOT NULL,
	start_time     INTEGER NOT NULL,
	end_time       INTEGER,
	document       TEXT    NOT NULL,
	archived_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_start_time ON executions(start_time DESC);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_id);
CREATE INDEX IF NOT EXISTS idx_executions_agent_start ON executions(agent_target, start_time DESC);
`

// SQLite is a Store backed by a local SQLite file. Times are stored as Unix
// nanoseconds so ordering is exact.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("archive: sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open sqlite: %w", err)
	}
	// One writer; also keeps ":memory:" on a single shared connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: migrate sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

// UpsertExecutions implements Store.
func (s *SQLite) UpsertExecutions(ctx context.Context, execs []model.Execution) error {
	if len(execs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO executions (
			correlation_id, parent_id, agent_target, command, operation_type,
			status, start_time, end_time, document, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			status      = excluded.status,
			end_time    = excluded.end_time,
			document    = excluded.document,
			archived_at = excluded.archived_at`)
	if err != nil {
		return fmt.Errorf("archive: prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixNano()
	for _, e := range execs {
		doc, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("archive: marshal execution %s: %w", e.CorrelationID, err)
		}
		var parent sql.NullString
		if e.ParentID != "" {
			parent = sql.NullString{String: e.ParentID, Valid: true}
		}
		var end sql.NullInt64
		if e.EndTime != nil {
			end = sql.NullInt64{Int64: e.EndTime.UnixNano(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			e.CorrelationID, parent, e.AgentTarget, e.Command, e.OperationType,
			string(e.Status), e.StartTime.UnixNano(), end, string(doc), now,
		); err != nil {
			return fmt.Errorf("archive: upsert %s: %w", e.CorrelationID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// GetExecution implements Store.
func (s *SQLite) GetExecution(ctx context.Context, id string) (model.Execution, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM executions WHERE correlation_id = ?`, id,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Execution{}, fmt.Errorf("archive: execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Execution{}, fmt.Errorf("archive: get execution: %w", err)
	}
	return decode(doc)
}

// RecentExecutions implements Store.
func (s *SQLite) RecentExecutions(ctx context.Context, f model.ExecutionFilter) ([]model.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM executions
		 WHERE (?1 = '' OR status = ?1)
		   AND (?2 = '' OR agent_target = ?2)
		   AND (?3 = '' OR parent_id = ?3)
		 ORDER BY start_time DESC, correlation_id DESC
		 LIMIT ?4`,
		string(f.Status), f.AgentTarget, f.ParentID, f.EffectiveLimit(),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: recent executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Execution
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("archive: scan execution: %w", err)
		}
		e, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Backend implements Store.
func (s *SQLite) Backend() string { return "sqlite" }

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func decode(doc string) (model.Execution, error) {
	var e model.Execution
	if err := json.Unmarshal([]byte(doc), &e); err != nil {
		return model.Execution{}, fmt.Errorf("archive: decode execution: %w", err)
	}
	return e, nil
}
