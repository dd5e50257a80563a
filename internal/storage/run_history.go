package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/autotask/internal/model"
)

// Record stores one execution attempt
func (s *SQLiteStore) Record(ctx context.Context, run *model.RunRecord) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	var actions sql.NullString
	if len(run.Actions) > 0 {
		data, err := json.Marshal(run.Actions)
		if err != nil {
			return fmt.Errorf("failed to marshal actions: %w", err)
		}
		actions = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_runs (
			id, rule_id, name, run_trigger, status, result, error, actions, started_at, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.RuleID,
		run.Name,
		run.Trigger,
		run.Status,
		nullString(run.Result),
		nullString(run.Error),
		actions,
		run.StartedAt.UTC(),
		sql.NullInt64{Int64: int64(run.Duration), Valid: run.Duration != 0},
	)
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first. An empty ruleID lists runs of
// every rule; limit <= 0 means no limit.
func (s *SQLiteStore) ListRuns(ctx context.Context, ruleID string, limit int) ([]*model.RunRecord, error) {
	query := "SELECT id, rule_id, name, run_trigger, status, result, error, actions, started_at, duration FROM rule_runs"
	args := make([]any, 0, 2)
	if ruleID != "" {
		query += " WHERE rule_id = ?"
		args = append(args, ruleID)
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.RunRecord
	for rows.Next() {
		run := &model.RunRecord{}
		var result, errorStr, actions sql.NullString
		var durationNanos sql.NullInt64

		err := rows.Scan(
			&run.ID,
			&run.RuleID,
			&run.Name,
			&run.Trigger,
			&run.Status,
			&result,
			&errorStr,
			&actions,
			&run.StartedAt,
			&durationNanos,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		run.Result = result.String
		run.Error = errorStr.String
		if actions.Valid && actions.String != "" {
			if err := json.Unmarshal([]byte(actions.String), &run.Actions); err != nil {
				return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
			}
		}
		if durationNanos.Valid {
			run.Duration = time.Duration(durationNanos.Int64)
		}

		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// DeleteRunsBefore prunes run history older than before
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM rule_runs WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old run records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}
