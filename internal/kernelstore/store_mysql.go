package kernelstore

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/andrewbusc/legatorkernel/internal/kernelstore/migration"
)

// openMySQL opens a kernel store backed by MySQL/MariaDB. The MySQL driver
// accepts "?" placeholders natively, so no rewriting wrapper is needed;
// the two INSERT ... ON CONFLICT call sites in store.go branch on
// s.driver == "mysql" to use MySQL's ON DUPLICATE KEY / INSERT IGNORE
// syntax instead.
func openMySQL(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql kernel store: %w", err)
	}

	if err := migration.CheckVersion(db, kernelSchemaVersion); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: plainDB{db}, driver: "mysql"}
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
