package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/model"
	"github.com/slok/agentvault/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.ApprovalRepository.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

// NewRepository creates a new SQLite repository.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

const approvalColumns = `id, task, action, status, approver, created_at, resolved_at`

// CreateApproval stores a new approval request.
func (r *Repository) CreateApproval(ctx context.Context, a model.ApprovalRequest) error {
	if a.ID == "" || a.Task == "" {
		return fmt.Errorf("approval id and task are required: %w", model.ErrNotValid)
	}

	var resolvedAt *int64
	if a.ResolvedAt != nil {
		u := a.ResolvedAt.UnixNano()
		resolvedAt = &u
	}

	query := `INSERT INTO approvals (` + approvalColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.Task,
		a.Action,
		a.Status,
		a.Approver,
		a.CreatedAt.UnixNano(),
		resolvedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: approvals.") {
			return fmt.Errorf("approval already exists: %w", model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert approval: %w", err)
	}

	r.logger.Debugf("Created approval in repository: %s", a.ID)
	return nil
}

// GetApproval retrieves an approval request by ID.
func (r *Repository) GetApproval(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id = ?`

	a, err := scanApproval(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("approval %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query approval: %w", err)
	}

	return &a, nil
}

// ListApprovals returns the approval requests with a status, oldest first.
func (r *Repository) ListApprovals(ctx context.Context, status model.ApprovalStatus) ([]model.ApprovalRequest, error) {
	if status == "" {
		return r.list(ctx, `SELECT `+approvalColumns+` FROM approvals ORDER BY created_at ASC, id ASC`)
	}
	return r.list(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE status = ? ORDER BY created_at ASC, id ASC`, status)
}

// ListTaskApprovals returns the approval requests of a task, oldest first.
func (r *Repository) ListTaskApprovals(ctx context.Context, task string) ([]model.ApprovalRequest, error) {
	return r.list(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE task = ? ORDER BY created_at ASC, id ASC`, task)
}

// ResolveApproval resolves a pending approval request.
func (r *Repository) ResolveApproval(ctx context.Context, id string, status model.ApprovalStatus, approver string, at time.Time) (*model.ApprovalRequest, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `UPDATE approvals SET status = ?, approver = ?, resolved_at = ? WHERE id = ? AND status = ?`
	result, err := tx.ExecContext(ctx, query, status, approver, at.UnixNano(), id, model.ApprovalStatusPending)
	if err != nil {
		return nil, fmt.Errorf("could not update approval: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("could not get rows affected: %w", err)
	}

	a, err := scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("approval %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query approval: %w", err)
	}

	if rows == 0 {
		return nil, fmt.Errorf("approval %s is %s: %w", id, a.Status, model.ErrAlreadyResolved)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Resolved approval in repository: %s (%s)", id, status)
	return &a, nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]model.ApprovalRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []model.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		approvals = append(approvals, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return approvals, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApproval(s scanner) (model.ApprovalRequest, error) {
	var a model.ApprovalRequest
	var createdAt int64
	var resolvedAt sql.NullInt64

	err := s.Scan(
		&a.ID,
		&a.Task,
		&a.Action,
		&a.Status,
		&a.Approver,
		&createdAt,
		&resolvedAt,
	)
	if err != nil {
		return model.ApprovalRequest{}, err
	}

	a.CreatedAt = timeFromUnixNano(createdAt)
	if resolvedAt.Valid {
		t := timeFromUnixNano(resolvedAt.Int64)
		a.ResolvedAt = &t
	}

	return a, nil
}

func timeFromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }
