package migration_test

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andrewbusc/legatorkernel/internal/kernelstore/migration"
	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// openTempFileDB creates a real SQLite file in t.TempDir() for tests that
// need a file path (backup tests).
func openTempFileDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite file: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _init (x INTEGER)`); err != nil {
		t.Fatalf("init table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestCurrentVersion_FreshDB(t *testing.T) {
	db := openTempDB(t)
	v, err := migration.CurrentVersion(db)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v != 0 {
		t.Errorf("want 0, got %d", v)
	}
}

func TestSetAndCurrentVersion(t *testing.T) {
	db := openTempDB(t)

	if err := migration.SetVersion(db, 3); err != nil {
		t.Fatalf("SetVersion(3): %v", err)
	}
	v, err := migration.CurrentVersion(db)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v != 3 {
		t.Errorf("want 3, got %d", v)
	}

	if err := migration.SetVersion(db, 7); err != nil {
		t.Fatalf("SetVersion(7): %v", err)
	}
	v, _ = migration.CurrentVersion(db)
	if v != 7 {
		t.Errorf("want 7 after update, got %d", v)
	}
}

func TestNeedsMigration(t *testing.T) {
	db := openTempDB(t)
	_ = migration.SetVersion(db, 2)

	needs, err := migration.NeedsMigration(db, 5)
	if err != nil {
		t.Fatalf("NeedsMigration: %v", err)
	}
	if !needs {
		t.Error("expected needs=true when current(2) < target(5)")
	}

	needs, err = migration.NeedsMigration(db, 2)
	if err != nil {
		t.Fatalf("NeedsMigration: %v", err)
	}
	if needs {
		t.Error("expected needs=false when current==target")
	}

	needs, err = migration.NeedsMigration(db, 1)
	if err != nil {
		t.Fatalf("NeedsMigration: %v", err)
	}
	if needs {
		t.Error("expected needs=false when current(2) > target(1)")
	}
}

func TestEnsureVersion_SetOnFreshDB(t *testing.T) {
	db := openTempDB(t)
	if err := migration.EnsureVersion(db, 1); err != nil {
		t.Fatalf("EnsureVersion: %v", err)
	}
	v, _ := migration.CurrentVersion(db)
	if v != 1 {
		t.Errorf("want 1, got %d", v)
	}
}

func TestEnsureVersion_Idempotent(t *testing.T) {
	db := openTempDB(t)
	if err := migration.EnsureVersion(db, 1); err != nil {
		t.Fatalf("first EnsureVersion: %v", err)
	}
	if err := migration.EnsureVersion(db, 1); err != nil {
		t.Fatalf("second EnsureVersion: %v", err)
	}
	v, _ := migration.CurrentVersion(db)
	if v != 1 {
		t.Errorf("want 1 after double call, got %d", v)
	}
}

func TestEnsureVersion_DoesNotOverwrite(t *testing.T) {
	db := openTempDB(t)
	if err := migration.SetVersion(db, 5); err != nil {
		t.Fatalf("SetVersion(5): %v", err)
	}
	if err := migration.EnsureVersion(db, 1); err != nil {
		t.Fatalf("EnsureVersion: %v", err)
	}
	v, _ := migration.CurrentVersion(db)
	if v != 5 {
		t.Errorf("want 5 (unchanged), got %d", v)
	}
}

func TestBackupDatabase(t *testing.T) {
	_, dbPath := openTempFileDB(t)

	backupPath, err := migration.BackupDatabase(dbPath)
	if err != nil {
		t.Fatalf("BackupDatabase: %v", err)
	}
	t.Cleanup(func() { os.Remove(backupPath) })

	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		t.Error("backup file does not exist")
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("original file should still exist")
	}
}

func TestBackupDatabase_IntegrityCheck(t *testing.T) {
	_, dbPath := openTempFileDB(t)

	backupPath, err := migration.BackupDatabase(dbPath)
	if err != nil {
		t.Fatalf("BackupDatabase: %v", err)
	}
	t.Cleanup(func() { os.Remove(backupPath) })

	db, err := sql.Open("sqlite", backupPath)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		t.Fatalf("integrity_check: %v", err)
	}
	if result != "ok" {
		t.Errorf("integrity_check: want 'ok', got %q", result)
	}
}

func TestCleanOldBackups(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	f, err := os.Create(dbPath)
	if err != nil {
		t.Fatalf("create db: %v", err)
	}
	f.Close()

	oldBackup := dbPath + ".bak.2020-01-01T00-00-00Z"
	recentBackup := dbPath + ".bak." + time.Now().UTC().Format("2006-01-02T15-04-05Z")

	for _, p := range []string{oldBackup, recentBackup} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatalf("write backup: %v", err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldBackup, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := migration.CleanOldBackups(dbPath, 24*time.Hour); err != nil {
		t.Fatalf("CleanOldBackups: %v", err)
	}

	if _, err := os.Stat(oldBackup); !os.IsNotExist(err) {
		t.Error("old backup should have been removed")
	}
	if _, err := os.Stat(recentBackup); os.IsNotExist(err) {
		t.Error("recent backup should still exist")
	}
}

func TestCheckVersion_OK(t *testing.T) {
	db := openTempDB(t)
	_ = migration.SetVersion(db, 3)

	if err := migration.CheckVersion(db, 3); err != nil {
		t.Errorf("CheckVersion equal versions: unexpected error: %v", err)
	}
	if err := migration.CheckVersion(db, 5); err != nil {
		t.Errorf("CheckVersion binary newer: unexpected error: %v", err)
	}
}

func TestCheckVersion_RejectsDowngrade(t *testing.T) {
	db := openTempDB(t)
	_ = migration.SetVersion(db, 5)

	err := migration.CheckVersion(db, 3)
	if err == nil {
		t.Fatal("expected error when schema(5) > binary(3), got nil")
	}
	want := "content store schema version 5 is newer than binary version 3"
	if !strings.Contains(err.Error(), want) {
		t.Errorf("error message %q does not contain %q", err.Error(), want)
	}
}

func TestCheckVersion_FreshDB(t *testing.T) {
	db := openTempDB(t)
	if err := migration.CheckVersion(db, 1); err != nil {
		t.Errorf("CheckVersion on fresh DB: unexpected error: %v", err)
	}
}
