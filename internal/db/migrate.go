package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tentickle/tentickle/internal/common/sqlite"
)

// Migration is one schema step for a package. Versions are applied in
// ascending order and recorded per package in _schema_versions.
type Migration struct {
	Version int
	SQL     string
}

// EnsureSchema applies any pending migrations for the named package.
// Each pending migration runs inside BEGIN ... COMMIT; a failure rolls the
// step back and leaves the recorded version unchanged.
func EnsureSchema(database *sqlx.DB, pkg string, migrations []Migration) error {
	exists, err := sqlite.TableExists(database.DB, "_schema_versions")
	if err != nil {
		return fmt.Errorf("failed to check for _schema_versions: %w", err)
	}
	if !exists {
		if _, err := database.Exec(`
			CREATE TABLE _schema_versions (
				package TEXT PRIMARY KEY,
				version INTEGER NOT NULL
			)`); err != nil {
			return fmt.Errorf("failed to create _schema_versions: %w", err)
		}
	}

	var current int
	err = database.Get(&current,
		"SELECT version FROM _schema_versions WHERE package = ?", pkg)
	if errors.Is(err, sql.ErrNoRows) {
		// No row yet: version 0.
		current = 0
	} else if err != nil {
		return fmt.Errorf("failed to read schema version for %s: %w", pkg, err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := database.Beginx()
		if err != nil {
			return fmt.Errorf("failed to begin migration %s/%d: %w", pkg, m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s/%d failed: %w", pkg, m.Version, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO _schema_versions (package, version) VALUES (?, ?)
			ON CONFLICT(package) DO UPDATE SET version = excluded.version`,
			pkg, m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record version %s/%d: %w", pkg, m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s/%d: %w", pkg, m.Version, err)
		}
		current = m.Version
	}
	return nil
}
