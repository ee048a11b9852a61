package db

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/imgbatch/errors"
)

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"batches.db?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate&_journal_mode=WAL",
		DSN("batches.db"))
	assert.NotContains(t, DSN(":memory:"), "_journal_mode", "in-memory databases cannot use WAL")
	assert.Contains(t, DSN("file:test.db?cache=shared"), "?cache=shared&_busy_timeout=5000")
}

func TestOpen(t *testing.T) {
	t.Run("opens database with pragmas on every connection", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		// Force distinct pooled connections
		db.SetMaxIdleConns(0)
		for i := 0; i < 3; i++ {
			var journalMode string
			require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
			assert.Equal(t, "wal", journalMode)

			var foreignKeys int
			require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
			assert.Equal(t, 1, foreignKeys)

			var busyTimeout int
			require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
			assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
		}
	})

	t.Run("returns wrapped error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		require.Error(t, err)
		assert.Nil(t, db)

		detailed := fmt.Sprintf("%+v", err)
		assert.Contains(t, detailed, "connection.go", "error should carry a stack trace")
	})

	t.Run("creates database file if it doesn't exist", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")

		_, err := os.Stat(dbPath)
		assert.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("operations on closed database are detected", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		_, err = db.Exec("SELECT 1")
		require.Error(t, err)
		assert.True(t, IsDatabaseClosed(err))
		assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "shutdown")))
		assert.False(t, IsDatabaseClosed(nil))
	})
}

func TestOpen_WithLogger(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	defer db.Close()
}

func TestIsBusy(t *testing.T) {
	assert.True(t, IsBusy(errors.New("database is locked")))
	assert.False(t, IsBusy(errors.New("no such table: items")))
	assert.False(t, IsBusy(nil))
}
