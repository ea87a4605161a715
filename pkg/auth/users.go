package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UserStore handles user persistence
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a new user store
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// Create inserts a new user
func (s *UserStore) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (username, email, full_name, branch_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		user.Username,
		nullString(user.Email),
		nullString(user.FullName),
		user.BranchID,
		user.IsActive,
		now,
		now,
	).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// Get returns the user with the given id, or ErrUserNotFound
func (s *UserStore) Get(ctx context.Context, id int64) (*User, error) {
	return s.getBy(ctx, "id", id)
}

// GetByUsername returns the user with the given username, or ErrUserNotFound
func (s *UserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.getBy(ctx, "username", username)
}

// getBy loads one user; column is never caller supplied
func (s *UserStore) getBy(ctx context.Context, column string, value interface{}) (*User, error) {
	query := `
		SELECT id, username, email, full_name, branch_id, is_active, created_at, updated_at, last_login_at
		FROM users
		WHERE ` + column + ` = $1
	`

	var user User
	var email, fullName sql.NullString
	var branchID sql.NullInt64
	var lastLogin sql.NullTime

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&user.ID,
		&user.Username,
		&email,
		&fullName,
		&branchID,
		&user.IsActive,
		&user.CreatedAt,
		&user.UpdatedAt,
		&lastLogin,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.Email = email.String
	user.FullName = fullName.String
	if branchID.Valid {
		b := branchID.Int64
		user.BranchID = &b
	}
	if lastLogin.Valid {
		user.LastLoginAt = &lastLogin.Time
	}

	return &user, nil
}

// SetActive enables or disables a user
func (s *UserStore) SetActive(ctx context.Context, id int64, active bool) error {
	return s.update(ctx, `UPDATE users SET is_active = $1, updated_at = $2 WHERE id = $3`, active, id)
}

// SetBranch moves a user to another home branch. A nil branch clears it.
func (s *UserStore) SetBranch(ctx context.Context, id int64, branchID *int64) error {
	return s.update(ctx, `UPDATE users SET branch_id = $1, updated_at = $2 WHERE id = $3`, branchID, id)
}

func (s *UserStore) update(ctx context.Context, query string, value interface{}, id int64) error {
	result, err := s.db.ExecContext(ctx, query, value, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
