// Package testing holds shared test fixtures.
package testing

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/imgbatch/db"
)

// CreateTestDB creates a migrated in-memory SQLite test database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", db.DSN(":memory:"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	// Each connection to :memory: is its own database; keep exactly one
	conn.SetMaxOpenConns(1)

	if err := db.Migrate(conn, nil); err != nil {
		conn.Close()
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateFileTestDB creates a migrated on-disk database under t.TempDir().
// Use it when a test needs several concurrent connections.
func CreateFileTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(t.TempDir()+"/test.db", nil)
	if err != nil {
		t.Fatalf("Failed to create file test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
