// Package migration tracks the Content Store's schema version and guards
// against starting an older kernel binary against a newer schema. It backs
// SQLite, Postgres, and MySQL alike: every query here operates against a
// plain table, never a driver-specific system catalog, so the same code
// path runs regardless of which kernelstore driver is open.
package migration

import (
	"database/sql"
	"fmt"
	"time"
)

// SchemaVersion records the schema version applied to a Content Store.
type SchemaVersion struct {
	StoreName string
	Version   int
	AppliedAt time.Time
}

const createVersionTable = `
CREATE TABLE IF NOT EXISTS _kernel_schema_version (
	store_name TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 0,
	applied_at TEXT NOT NULL
)`

// ensureTable creates the _kernel_schema_version table if it doesn't exist.
func ensureTable(db *sql.DB) error {
	if _, err := db.Exec(createVersionTable); err != nil {
		return fmt.Errorf("create _kernel_schema_version: %w", err)
	}
	return nil
}

// CurrentVersion returns the current schema version stored in db.
// Returns 0 if the _kernel_schema_version table is empty.
func CurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT version FROM _kernel_schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// SetVersion inserts or updates the schema version in db.
func SetVersion(db *sql.DB, version int) error {
	if err := ensureTable(db); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := db.Exec(`UPDATE _kernel_schema_version SET version = ?, applied_at = ?`, version, now)
	if err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		return nil
	}

	if _, err := db.Exec(
		`INSERT INTO _kernel_schema_version (store_name, version, applied_at) VALUES ('', ?, ?)`,
		version, now,
	); err != nil {
		return fmt.Errorf("insert schema version: %w", err)
	}
	return nil
}

// NeedsMigration reports whether the current schema version is below targetVersion.
func NeedsMigration(db *sql.DB, targetVersion int) (bool, error) {
	current, err := CurrentVersion(db)
	if err != nil {
		return false, err
	}
	return current < targetVersion, nil
}

// EnsureVersion creates the _kernel_schema_version table if needed and sets
// the version to initialVersion only if no version has been recorded yet.
// It is idempotent and safe to call on every kernelstore.Open.
func EnsureVersion(db *sql.DB, initialVersion int) error {
	if err := ensureTable(db); err != nil {
		return err
	}

	current, err := CurrentVersion(db)
	if err != nil {
		return err
	}
	if current != 0 {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.Exec(
		`INSERT INTO _kernel_schema_version (store_name, version, applied_at) VALUES ('', ?, ?)`,
		initialVersion, now,
	); err != nil {
		return fmt.Errorf("set initial schema version: %w", err)
	}
	return nil
}

// CheckVersion returns an error if the schema version stored in db is newer
// than binaryVersion. kernelstore.Open calls this before EnsureVersion so a
// rolled-back worker binary refuses to run against a schema it doesn't
// understand instead of silently misreading rows.
func CheckVersion(db *sql.DB, binaryVersion int) error {
	current, err := CurrentVersion(db)
	if err != nil {
		return err
	}
	if current > binaryVersion {
		return fmt.Errorf(
			"content store schema version %d is newer than binary version %d — "+
				"refusing to start (use a newer binary or restore from backup)",
			current, binaryVersion,
		)
	}
	return nil
}
