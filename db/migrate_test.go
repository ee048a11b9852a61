package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"schema_migrations", "jobs", "batches", "items"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist after migrations", table)
	}

	versions, err := AppliedVersions(db)
	require.NoError(t, err)
	assert.Equal(t, []string{"000", "001", "002", "003"}, versions)
}

func TestMigrate(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations multiple times should be safe")

		versions, err := AppliedVersions(db)
		require.NoError(t, err)
		assert.Len(t, versions, 4)
	})

	t.Run("items cascade with their batch", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec(`INSERT INTO batches (id, item_count, created_at, updated_at)
			VALUES ('b-1', 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO items (batch_id, ordinal, label, inputs, created_at, updated_at)
			VALUES ('b-1', 1, 'SKU1', '["https://example.com/a.jpg"]', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
		require.NoError(t, err)

		_, err = db.Exec(`DELETE FROM batches WHERE id = 'b-1'`)
		require.NoError(t, err)

		var count int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&count))
		assert.Zero(t, count)
	})

	t.Run("rejects items for unknown batches", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec(`INSERT INTO items (batch_id, ordinal, label, inputs, created_at, updated_at)
			VALUES ('missing', 1, 'SKU1', '[]', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
		assert.Error(t, err, "foreign keys are enforced")
	})

	t.Run("fails on closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		assert.Error(t, Migrate(db, nil))
	})
}

func TestPending(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	all, err := Migrations()
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "000_create_schema_migrations.sql", all[0].Name)

	pending, err := Pending(db)
	require.NoError(t, err)
	assert.Equal(t, all, pending, "a fresh database needs every migration")

	require.NoError(t, Migrate(db, nil))
	pending, err = Pending(db)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
