package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/autotask/internal/model"
)

// ErrRuleNotFound is returned when no rule has the requested id
var ErrRuleNotFound = errors.New("rule not found")

const ruleColumns = `id, name, enabled, cron, script, comment,
	last_run_at, last_result, last_error, last_log, created_at, updated_at`

// SQLiteStore keeps automation rules and their run history in SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time keeps UpdateByID transactions from hitting SQLITE_BUSY
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
		now:    time.Now,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	store.logger.Info("Opened rule store", zap.String("path", dbPath))
	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 0,
			cron TEXT,
			script TEXT NOT NULL DEFAULT '',
			comment TEXT,
			last_run_at INTEGER NOT NULL DEFAULT 0,
			last_result TEXT,
			last_error TEXT,
			last_log TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS rule_runs (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			name TEXT NOT NULL,
			run_trigger TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			actions TEXT,
			started_at DATETIME NOT NULL,
			duration INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_rule_runs_rule_id ON rule_runs(rule_id);
		CREATE INDEX IF NOT EXISTS idx_rule_runs_started_at ON rule_runs(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*model.Rule, error) {
	var rule model.Rule
	var enabled int
	var cron, comment, lastResult, lastErr, lastLog sql.NullString
	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&enabled,
		&cron,
		&rule.Script,
		&comment,
		&rule.LastRunAt,
		&lastResult,
		&lastErr,
		&lastLog,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled != 0
	rule.Cron = cron.String
	rule.Comment = comment.String
	rule.LastResult = lastResult.String
	rule.LastError = lastErr.String
	rule.LastLog = lastLog.String
	return &rule, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// List returns every rule in insertion order
func (s *SQLiteStore) List(ctx context.Context) ([]*model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+ruleColumns+" FROM rules ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return rules, nil
}

// Get returns the rule with the given id
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Rule, error) {
	rule, err := scanRule(s.db.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM rules WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// Upsert inserts rule or replaces the stored rule with the same id. A blank
// id is filled with a new UUID.
func (s *SQLiteStore) Upsert(ctx context.Context, rule *model.Rule) error {
	now := s.now().UTC()
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			cron = excluded.cron,
			script = excluded.script,
			comment = excluded.comment,
			last_run_at = excluded.last_run_at,
			last_result = excluded.last_result,
			last_error = excluded.last_error,
			last_log = excluded.last_log,
			updated_at = excluded.updated_at`,
		rule.ID,
		rule.Name,
		boolInt(rule.Enabled),
		nullString(rule.Cron),
		rule.Script,
		nullString(rule.Comment),
		rule.LastRunAt,
		nullString(rule.LastResult),
		nullString(rule.LastError),
		nullString(rule.LastLog),
		rule.CreatedAt.UTC(),
		rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rule: %w", err)
	}
	return nil
}

// UpdateByID applies mutate to the stored rule inside a transaction. The id
// and creation time can't be changed by mutate.
func (s *SQLiteStore) UpdateByID(ctx context.Context, id string, mutate func(*model.Rule)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rule, err := scanRule(tx.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM rules WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load rule: %w", err)
	}

	mutate(rule)
	rule.UpdatedAt = s.now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE rules SET
			name = ?,
			enabled = ?,
			cron = ?,
			script = ?,
			comment = ?,
			last_run_at = ?,
			last_result = ?,
			last_error = ?,
			last_log = ?,
			updated_at = ?
		WHERE id = ?`,
		rule.Name,
		boolInt(rule.Enabled),
		nullString(rule.Cron),
		rule.Script,
		nullString(rule.Comment),
		rule.LastRunAt,
		nullString(rule.LastResult),
		nullString(rule.LastError),
		nullString(rule.LastLog),
		rule.UpdatedAt,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule update: %w", err)
	}
	return nil
}

// DeleteByIDs removes the given rules and their run history
func (s *SQLiteStore) DeleteByIDs(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := inClause(ids)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM rules WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("failed to delete rules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM rule_runs WHERE rule_id IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("failed to delete rule runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	affected, _ := result.RowsAffected()
	s.logger.Info("Deleted rules", zap.Strings("ids", ids), zap.Int64("deleted", affected))
	return nil
}

// SetEnabled toggles the enabled flag of the given rules and returns how many changed
func (s *SQLiteStore) SetEnabled(ctx context.Context, enabled bool, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders, args := inClause(ids)
	args = append([]any{boolInt(enabled), s.now().UTC()}, args...)

	result, err := s.db.ExecContext(ctx,
		"UPDATE rules SET enabled = ?, updated_at = ? WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("failed to set enabled: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
