package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kanshi/internal/model"
)

const upsertExecutionSQL = `
	INSERT INTO executions (
		correlation_id, parent_id, agent_target, command, operation_type,
		status, start_time, end_time, document, archived_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
	ON CONFLICT (correlation_id) DO UPDATE SET
		status      = EXCLUDED.status,
		end_time    = EXCLUDED.end_time,
		document    = EXCLUDED.document,
		archived_at = now()`

// UpsertExecutions writes execution snapshots in one batch. A later snapshot
// of the same execution replaces the stored one, so a timeout that is later
// reconciled to timeoutSuccess ends up archived as timeoutSuccess.
// Serialization and deadlock failures are retried.
func (db *DB) UpsertExecutions(ctx context.Context, execs []model.Execution) error {
	if len(execs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range execs {
		doc, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("storage: marshal execution %s: %w", e.CorrelationID, err)
		}
		batch.Queue(upsertExecutionSQL,
			e.CorrelationID, nullable(e.ParentID), e.AgentTarget, e.Command, e.OperationType,
			string(e.Status), e.StartTime, e.EndTime, doc,
		)
	}

	return WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		if err := db.pool.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("storage: upsert executions: %w", err)
		}
		return nil
	})
}

// GetExecution returns the archived snapshot of an execution.
func (db *DB) GetExecution(ctx context.Context, id string) (model.Execution, error) {
	var doc []byte
	err := db.pool.QueryRow(ctx,
		`SELECT document FROM executions WHERE correlation_id = $1`, id,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Execution{}, fmt.Errorf("storage: execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Execution{}, fmt.Errorf("storage: get execution: %w", err)
	}
	return decodeExecution(doc)
}

// RecentExecutions returns archived executions matching f, newest first.
func (db *DB) RecentExecutions(ctx context.Context, f model.ExecutionFilter) ([]model.Execution, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT document FROM executions
		 WHERE ($1::text = '' OR status = $1)
		   AND ($2::text = '' OR agent_target = $2)
		   AND ($3::text = '' OR parent_id = $3)
		 ORDER BY start_time DESC, correlation_id DESC
		 LIMIT $4`, string(f.Status), f.AgentTarget, f.ParentID, f.EffectiveLimit(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent executions: %w", err)
	}
	defer rows.Close()

	var out []model.Execution
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("storage: scan execution: %w", err)
		}
		e, err := decodeExecution(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func decodeExecution(doc []byte) (model.Execution, error) {
	var e model.Execution
	if err := json.Unmarshal(doc, &e); err != nil {
		return model.Execution{}, fmt.Errorf("storage: decode execution: %w", err)
	}
	return e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
