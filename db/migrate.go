package db

import (
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/imgbatch/errors"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationsDir = "sqlite/migrations"

// Migration is one embedded schema step, named NNN_description.sql
type Migration struct {
	Version string
	Name    string
}

// Migrations lists the embedded migrations in the order they apply
func Migrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFS, migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, errors.Newf("migration %s has no NNN_ version prefix", name)
		}
		out = append(out, Migration{Version: version, Name: name})
	}
	slices.SortFunc(out, func(a, b Migration) int { return strings.Compare(a.Version, b.Version) })
	return out, nil
}

// Pending returns the migrations not yet recorded in schema_migrations
func Pending(db *sql.DB) ([]Migration, error) {
	all, err := Migrations()
	if err != nil {
		return nil, err
	}

	tracked, err := hasMigrationTable(db)
	if err != nil {
		return nil, err
	}
	if !tracked {
		return all, nil
	}

	applied, err := AppliedVersions(db)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, m := range all {
		if !slices.Contains(applied, m.Version) {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Migrate applies pending migrations, each in its own transaction together
// with its schema_migrations row. logger may be nil.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	pending, err := Pending(db)
	if err != nil {
		return err
	}

	for _, m := range pending {
		logger.Infow("Applying migration", "migration", m.Name, "version", m.Version)
		if err := apply(db, m); err != nil {
			return err
		}
	}

	logger.Debugw("Migrations complete", "applied", len(pending))
	return nil
}

func apply(db *sql.DB, m Migration) error {
	body, err := migrationFS.ReadFile(path.Join(migrationsDir, m.Name))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.Name)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.Name)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.WithDetailf(errors.Wrapf(err, "execute %s", m.Name), "Version: %s", m.Version)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
		return errors.Wrapf(err, "record %s", m.Name)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.Name)
}

func hasMigrationTable(db *sql.DB) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "failed to inspect schema")
	}
	return n == 1, nil
}

// AppliedVersions returns the recorded migration versions in order
func AppliedVersions(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list applied migrations")
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "failed to scan migration version")
		}
		versions = append(versions, v)
	}
	return versions, errors.Wrap(rows.Err(), "error iterating migrations")
}
