package branches

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store handles branch persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new branch store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const branchColumns = `id, name, code, parent_branch_id, status, created_at, updated_at`

// CreateBranch inserts a branch after checking its parent exists
func (s *Store) CreateBranch(ctx context.Context, branch *Branch) error {
	if branch.Status == "" {
		branch.Status = StatusActive
	}
	if !branch.Status.Valid() {
		return ErrInvalidStatus
	}

	if branch.ParentBranchID != nil {
		if _, err := s.GetBranch(ctx, *branch.ParentBranchID); err != nil {
			return fmt.Errorf("parent branch %d: %w", *branch.ParentBranchID, err)
		}
	}

	query := `
		INSERT INTO branches (name, code, parent_branch_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		branch.Name,
		branch.Code,
		branch.ParentBranchID,
		branch.Status,
		now,
		now,
	).Scan(&branch.ID)
	if err != nil {
		return fmt.Errorf("failed to create branch: %w", err)
	}

	branch.CreatedAt = now
	branch.UpdatedAt = now
	return nil
}

// GetBranch retrieves a branch by id
func (s *Store) GetBranch(ctx context.Context, id int64) (*Branch, error) {
	query := `SELECT ` + branchColumns + ` FROM branches WHERE id = $1`

	branch, err := scanBranch(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}

	return branch, nil
}

// ListBranches returns every branch ordered by id
func (s *Store) ListBranches(ctx context.Context) ([]Branch, error) {
	query := `SELECT ` + branchColumns + ` FROM branches ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var branches []Branch
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan branch: %w", err)
		}
		branches = append(branches, *branch)
	}

	return branches, rows.Err()
}

// UpdateBranch updates name, code and parent of a branch, rejecting cycles
func (s *Store) UpdateBranch(ctx context.Context, branch *Branch) error {
	if branch.ParentBranchID != nil {
		all, err := s.ListBranches(ctx)
		if err != nil {
			return err
		}
		h := NewHierarchy(all)
		if _, ok := h.Get(*branch.ParentBranchID); !ok {
			return fmt.Errorf("parent branch %d: %w", *branch.ParentBranchID, ErrNotFound)
		}
		if h.WouldCycle(branch.ID, *branch.ParentBranchID) {
			return ErrCycle
		}
	}

	query := `
		UPDATE branches
		SET name = $1, code = $2, parent_branch_id = $3, updated_at = $4
		WHERE id = $5
	`

	branch.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query,
		branch.Name,
		branch.Code,
		branch.ParentBranchID,
		branch.UpdatedAt,
		branch.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update branch: %w", err)
	}

	return requireAffected(result)
}

// SetStatus activates or deactivates a branch
func (s *Store) SetStatus(ctx context.Context, id int64, status Status) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}

	query := `UPDATE branches SET status = $1, updated_at = $2 WHERE id = $3`
	result, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set branch status: %w", err)
	}

	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanBranch scans a branch from a database row
func scanBranch(scanner interface {
	Scan(dest ...interface{}) error
}) (*Branch, error) {
	var branch Branch
	var parentID sql.NullInt64
	var status string

	err := scanner.Scan(
		&branch.ID,
		&branch.Name,
		&branch.Code,
		&parentID,
		&status,
		&branch.CreatedAt,
		&branch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		id := parentID.Int64
		branch.ParentBranchID = &id
	}
	branch.Status = Status(status)

	return &branch, nil
}
