package db

import (
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func file(sql string) *fstest.MapFile { return &fstest.MapFile{Data: []byte(sql)} }

func TestMigrator_Load(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql":      file("SELECT 10;"),
		"002_second.sql":      file("SELECT 2;"),
		"001_first.sql":       file("SELECT 1;"),
		"readme.sql":          file("-- no version prefix"),
		"abc_invalid.sql":     file("-- non-numeric prefix"),
		"notes.txt":           file("not sql"),
		"nested/003_skip.sql": file("SELECT 3;"),
	}
	migrations, err := NewMigratorFS(nil, fsys).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []int{1, 2, 10}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %+v", len(want), migrations)
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migration[%d]: version %d, want %d", i, migrations[i].Version, v)
		}
	}
	if migrations[0].Name != "001_first.sql" || migrations[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
}

func TestMigrator_Load_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": file("SELECT 1;"),
		"01_b.sql":  file("SELECT 1;"),
	}
	if _, err := NewMigratorFS(nil, fsys).Load(); err == nil {
		t.Error("expected error for two files with version 1")
	}
}

func TestMigrator_Load_EmptyAndMissingDir(t *testing.T) {
	migrations, err := NewMigrator(nil, t.TempDir()).Load()
	if err != nil || len(migrations) != 0 {
		t.Errorf("empty dir: got %d migrations, err=%v", len(migrations), err)
	}
	if _, err := NewMigrator(nil, "/nonexistent/migrations").Load(); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestMigrator_Load_RepositoryMigrations(t *testing.T) {
	migrations, err := NewMigrator(nil, filepath.Join("..", "..", "..", "migrations")).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected repository migrations to load")
	}
	for i, mig := range migrations {
		if mig.Version != i+1 {
			t.Errorf("expected contiguous versions, got %d at position %d", mig.Version, i)
		}
	}
}

func TestBuildStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_clinical_resource.sql"},
		{Version: 2, Name: "002_ingestion_ledger.sql"},
		{Version: 3, Name: "003_ingestion_report.sql"},
	}
	appliedAt := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	statuses := buildStatus(migrations, map[int]time.Time{1: appliedAt})
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(appliedAt) {
		t.Errorf("migration 1 should be applied at %v, got %+v", appliedAt, statuses[0])
	}
	for _, st := range statuses[1:] {
		if st.Applied || st.AppliedAt != nil {
			t.Errorf("expected %s to be pending", st.Name)
		}
	}
}
