// Package history archives finished executions in PostgreSQL so operators can
// audit what a transaction actually did. The archive is optional; the agent
// runs without one when no database URL is configured.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/Autonion/Autonion-Extension/api/schemas"
)

// Allows for mocking in tests.
var uuidNewString = uuid.NewString

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateExecutions = `
        CREATE TABLE IF NOT EXISTS executions (
            id TEXT PRIMARY KEY,
            transaction_id TEXT NOT NULL,
            status TEXT NOT NULL,
            steps_attempted INT NOT NULL,
            total_steps INT NOT NULL,
            recorded_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlCreateExecutionsIndex = `
        CREATE INDEX IF NOT EXISTS executions_transaction_idx
            ON executions (transaction_id);
    `
	sqlCreateFailures = `
        CREATE TABLE IF NOT EXISTS execution_failures (
            execution_id TEXT NOT NULL REFERENCES executions (id) ON DELETE CASCADE,
            step_index INT NOT NULL,
            action TEXT NOT NULL,
            reason TEXT NOT NULL
        );
    `

	sqlInsertExecution = `
        INSERT INTO executions (id, transaction_id, status, steps_attempted, total_steps, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6);
    `
	sqlSelectExecutions = `
        SELECT id, status, steps_attempted, total_steps
        FROM executions
        WHERE transaction_id = $1
        ORDER BY recorded_at ASC;
    `
	sqlSelectFailures = `
        SELECT execution_id, step_index, action, reason
        FROM execution_failures
        WHERE execution_id = ANY($1)
        ORDER BY execution_id, step_index ASC;
    `
)

// Archive provides a PostgreSQL implementation of schemas.ResultArchive.
type Archive struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.ResultArchive = (*Archive)(nil)

// New verifies the connection and creates the archive tables when missing.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Archive, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range []string{sqlCreateExecutions, sqlCreateExecutionsIndex, sqlCreateFailures} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to prepare archive schema: %w", err)
		}
	}

	return &Archive{
		pool: pool,
		log:  logger.Named("history"),
	}, nil
}

// Record stores one finished execution and its step failures in a single
// transaction.
func (a *Archive) Record(ctx context.Context, result schemas.ExecutionResult) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports pgx.ErrTxClosed; only a
		// real rollback failure is worth logging.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			a.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	executionID := uuidNewString()
	if _, err := tx.Exec(ctx, sqlInsertExecution,
		executionID,
		result.TransactionID,
		string(result.Status),
		result.StepsAttempted,
		result.TotalSteps,
		time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	if len(result.Failures) > 0 {
		rows := make([][]interface{}, len(result.Failures))
		for i, f := range result.Failures {
			rows[i] = []interface{}{executionID, f.Index, string(f.Action), f.Reason}
		}

		copied, err := tx.CopyFrom(
			ctx,
			pgx.Identifier{"execution_failures"},
			[]string{"execution_id", "step_index", "action", "reason"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("failed to copy step failures: %w", err)
		}
		if int(copied) != len(result.Failures) {
			return fmt.Errorf("mismatch in copied failure count: expected %d, got %d", len(result.Failures), copied)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ByTransaction returns every recorded execution for a transaction, oldest
// first, with step failures attached.
func (a *Archive) ByTransaction(ctx context.Context, txnID string) ([]schemas.ExecutionResult, error) {
	rows, err := a.pool.Query(ctx, sqlSelectExecutions, txnID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var (
		ids     []string
		results []schemas.ExecutionResult
	)
	for rows.Next() {
		var (
			id     string
			status string
			result schemas.ExecutionResult
		)
		if err := rows.Scan(&id, &status, &result.StepsAttempted, &result.TotalSteps); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		result.TransactionID = txnID
		result.Status = schemas.ExecutionStatus(status)
		ids = append(ids, id)
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate execution rows: %w", err)
	}

	if len(results) == 0 {
		return nil, nil
	}
	if err := a.attachFailures(ctx, ids, results); err != nil {
		return nil, err
	}
	return results, nil
}

func (a *Archive) attachFailures(ctx context.Context, ids []string, results []schemas.ExecutionResult) error {
	byID := make(map[string]int, len(ids))
	for i, id := range ids {
		byID[id] = i
	}

	rows, err := a.pool.Query(ctx, sqlSelectFailures, ids)
	if err != nil {
		return fmt.Errorf("failed to query step failures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			executionID string
			action      string
			failure     schemas.StepFailure
		)
		if err := rows.Scan(&executionID, &failure.Index, &action, &failure.Reason); err != nil {
			return fmt.Errorf("failed to scan failure row: %w", err)
		}
		failure.Action = schemas.ActionType(action)
		if i, ok := byID[executionID]; ok {
			results[i].Failures = append(results[i].Failures, failure)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate failure rows: %w", err)
	}
	return nil
}
