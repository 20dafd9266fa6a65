// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, FileName)); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err != nil || result != 1 {
		t.Errorf("Database query failed: %v (result %d)", err, result)
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}
}

// TestOpen_nestedDataDir verifies missing parent directories are created.
func TestOpen_nestedDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	db.Close()

	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		t.Errorf("Database file missing: %v", err)
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	if _, err := Open("/dev/null/invalid_path/that/cannot/be/created"); err == nil {
		t.Error("Open() with invalid path should return error")
	}
}
