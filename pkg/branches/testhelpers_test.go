package branches

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// every pooled connection would otherwise get its own in-memory database
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE branches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			code TEXT NOT NULL UNIQUE,
			parent_branch_id INTEGER REFERENCES branches(id),
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}

	return db
}

func mustCreate(t *testing.T, store *Store, name string, parent *int64) *Branch {
	t.Helper()
	b := &Branch{Name: name, Code: name, ParentBranchID: parent}
	if err := store.CreateBranch(context.Background(), b); err != nil {
		t.Fatalf("CreateBranch(%s) failed: %v", name, err)
	}
	return b
}

func ptr(id int64) *int64 {
	return &id
}
