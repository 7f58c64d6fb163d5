package kernelstore

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/andrewbusc/legatorkernel/internal/kernelstore/migration"
)

// openPostgres opens a kernel store backed by Postgres via pgx's
// database/sql driver. Schema uses the same column layout as the SQLite
// backend; pgx's "pgx" stdlib driver expects "$N" placeholders, so queries
// are routed through rewritingDB, which rewrites the "?" placeholders used
// throughout this package into "$1, $2, ..." before they reach the driver.
func openPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres kernel store: %w", err)
	}

	if err := migration.CheckVersion(db, kernelSchemaVersion); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: rewritingDB{db}, driver: "postgres"}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migration.EnsureVersion(db, kernelSchemaVersion); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema version: %w", err)
	}
	return s, nil
}
