package db

import (
	"strings"

	"github.com/teranos/imgbatch/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically while workers are still draining during shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The driver returns its own error values, so raw messages are matched as a fallback.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}

	return strings.Contains(err.Error(), "database is closed")
}

// IsBusy reports whether err is SQLite refusing a write because another
// connection holds the lock past the busy timeout.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
