package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS reports(
	id TEXT PRIMARY KEY,
	environment TEXT NOT NULL,
	ts INTEGER NOT NULL,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_env ON reports(environment, ts);
CREATE TABLE IF NOT EXISTS approvals(
	id TEXT PRIMARY KEY,
	report_id TEXT NOT NULL,
	environment TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	body TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_pending ON approvals(report_id) WHERE status = 'pending';
CREATE TABLE IF NOT EXISTS remediations(
	id TEXT PRIMARY KEY,
	report_id TEXT NOT NULL,
	body TEXT NOT NULL
);`

// maxUpdateRetries bounds optimistic retries of UpdateApproval
const maxUpdateRetries = 5

// SQLiteStorage keeps each record as a JSON body in a single sqlite file
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (and creates) the database at path
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, vahtierrors.ConfigurationError("storage.sqlite_path is required for the sqlite backend")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, vahtierrors.PersistenceError("create directory", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout=5000&_pragma=journal_mode=WAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, vahtierrors.PersistenceError("open sqlite", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, vahtierrors.PersistenceError("ping sqlite", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, vahtierrors.PersistenceError("init sqlite schema", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) SaveReport(ctx context.Context, report *types.DriftReport) error {
	if err := report.Validate(); err != nil {
		return vahtierrors.Wrap(err, vahtierrors.ErrorTypeValidation, "storage", "invalid drift report")
	}
	body, err := json.Marshal(report)
	if err != nil {
		return vahtierrors.PersistenceError("marshal report", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports(id, environment, ts, body) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		report.ID, report.Environment, report.Timestamp.UnixNano(), string(body))
	if err != nil {
		return vahtierrors.PersistenceError("save report", err)
	}
	return nil
}

func (s *SQLiteStorage) LoadReport(ctx context.Context, id string) (*types.DriftReport, error) {
	var report types.DriftReport
	if err := s.loadBody(ctx, `SELECT body FROM reports WHERE id = ?`, "report", id, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *SQLiteStorage) ListReports(ctx context.Context, environment string) ([]*types.DriftReport, error) {
	query := `SELECT body FROM reports ORDER BY ts DESC, id ASC`
	args := []interface{}{}
	if environment != "" {
		query = `SELECT body FROM reports WHERE environment = ? ORDER BY ts DESC, id ASC`
		args = append(args, environment)
	}
	return queryBodies[types.DriftReport](ctx, s.db, "list reports", query, args...)
}

// CreateApproval relies on the partial unique index to reject a second
// pending request for the same report
func (s *SQLiteStorage) CreateApproval(ctx context.Context, approval *types.ApprovalRequest) error {
	body, err := json.Marshal(approval)
	if err != nil {
		return vahtierrors.PersistenceError("marshal approval", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals(id, report_id, environment, status, created_at, version, body) VALUES(?,?,?,?,?,1,?)`,
		approval.ID, approval.DriftReportRef, approval.Environment, string(approval.Status),
		approval.CreatedAt.UnixNano(), string(body))
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return vahtierrors.PersistenceError("create approval", err)
	}

	var pendingID string
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM approvals WHERE report_id = ? AND status = 'pending'`, approval.DriftReportRef)
	if scanErr := row.Scan(&pendingID); scanErr == nil {
		return vahtierrors.Conflict(approval.DriftReportRef, pendingID)
	}
	return vahtierrors.New(vahtierrors.ErrorTypeConflict, "storage",
		fmt.Sprintf("approval request %s already exists", approval.ID))
}

func (s *SQLiteStorage) LoadApproval(ctx context.Context, id string) (*types.ApprovalRequest, error) {
	var approval types.ApprovalRequest
	if err := s.loadBody(ctx, `SELECT body FROM approvals WHERE id = ?`, "approval", id, &approval); err != nil {
		return nil, err
	}
	return &approval, nil
}

func (s *SQLiteStorage) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*types.ApprovalRequest, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Environment != "" {
		clauses = append(clauses, "environment = ?")
		args = append(args, filter.Environment)
	}
	if filter.ReportID != "" {
		clauses = append(clauses, "report_id = ?")
		args = append(args, filter.ReportID)
	}

	query := `SELECT body FROM approvals`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	return queryBodies[types.ApprovalRequest](ctx, s.db, "list approvals", query, args...)
}

// UpdateApproval is an optimistic read-modify-write: the UPDATE only lands
// when the version read is still current, otherwise the mutation is retried
// on the fresh record
func (s *SQLiteStorage) UpdateApproval(ctx context.Context, id string, mutate func(*types.ApprovalRequest) error) (*types.ApprovalRequest, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		var (
			raw     string
			version int64
		)
		err := s.db.QueryRowContext(ctx, `SELECT body, version FROM approvals WHERE id = ?`, id).Scan(&raw, &version)
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, vahtierrors.NotFound("approval", id)
		}
		if err != nil {
			return nil, vahtierrors.PersistenceError("load approval", err)
		}

		var current types.ApprovalRequest
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return nil, vahtierrors.PersistenceError("decode approval", err)
		}

		updated := current
		if err := mutate(&updated); err != nil {
			return &current, err
		}
		if updated.ID != id {
			return &current, vahtierrors.New(vahtierrors.ErrorTypeValidation, "storage", "approval id cannot change")
		}

		body, err := json.Marshal(&updated)
		if err != nil {
			return &current, vahtierrors.PersistenceError("marshal approval", err)
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE approvals SET body = ?, status = ?, version = version + 1 WHERE id = ? AND version = ?`,
			string(body), string(updated.Status), id, version)
		if err != nil {
			return &current, vahtierrors.PersistenceError("update approval", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return &updated, nil
		}
	}

	return nil, vahtierrors.New(vahtierrors.ErrorTypePersistence, "storage",
		fmt.Sprintf("approval %s kept changing during update", id)).
		WithSolutions("Retry the command")
}

func (s *SQLiteStorage) SaveRemediation(ctx context.Context, result *types.RemediationResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return vahtierrors.PersistenceError("marshal remediation", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO remediations(id, report_id, body) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		result.ID, result.ReportRef, string(body))
	if err != nil {
		return vahtierrors.PersistenceError("save remediation", err)
	}
	return nil
}

func (s *SQLiteStorage) LoadRemediation(ctx context.Context, id string) (*types.RemediationResult, error) {
	var result types.RemediationResult
	if err := s.loadBody(ctx, `SELECT body FROM remediations WHERE id = ?`, "remediation", id, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRemediations filters on the decoded body; the table carries no
// environment column
func (s *SQLiteStorage) ListRemediations(ctx context.Context, environment string) ([]*types.RemediationResult, error) {
	results, err := queryBodies[types.RemediationResult](ctx, s.db, "list remediations", `SELECT body FROM remediations`)
	if err != nil {
		return nil, err
	}
	return filterRemediations(results, environment), nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) loadBody(ctx context.Context, query, kind, id string, target interface{}) error {
	var raw string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&raw)
	if stderrors.Is(err, sql.ErrNoRows) {
		return vahtierrors.NotFound(kind, id)
	}
	if err != nil {
		return vahtierrors.PersistenceError("load "+kind, err)
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return vahtierrors.PersistenceError("decode "+kind, err)
	}
	return nil
}

func queryBodies[T any](ctx context.Context, db *sql.DB, op, query string, args ...interface{}) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, vahtierrors.PersistenceError(op, err)
	}
	defer rows.Close()

	records := []*T{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, vahtierrors.PersistenceError(op, err)
		}
		var record T
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, vahtierrors.PersistenceError(op, err)
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, vahtierrors.PersistenceError(op, err)
	}
	return records, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
