// Package sqlite provides common SQLite utility functions.
package sqlite

import (
	"database/sql"
)

// BoolToInt converts a boolean to an integer (for SQLite).
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// TableExists checks if a table exists in the database.
func TableExists(db *sql.DB, table string) (bool, error) {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?", table,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
