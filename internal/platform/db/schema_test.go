package db

import (
	"context"
	"testing"
)

func TestValidSchemaName(t *testing.T) {
	valid := []string{"public", "hl7_ingest", "_staging", "Tenant01"}
	for _, name := range valid {
		if !ValidSchemaName(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}

	invalid := []string{"", "1abc", "bad-name", "drop table;", "a b", "schema\"quoted",
		"abcdefghijabcdefghijabcdefghijabcdefghijabcdefghijabcdefghij1234"}
	for _, name := range invalid {
		if ValidSchemaName(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestQuoteSchema(t *testing.T) {
	got, err := quoteSchema("hl7_ingest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `"hl7_ingest"` {
		t.Errorf("expected quoted identifier, got %s", got)
	}

	if _, err := quoteSchema("x; DROP SCHEMA public"); err == nil {
		t.Error("expected error for unsafe schema name")
	}
}

func TestEnsureSchema_InvalidName(t *testing.T) {
	if err := EnsureSchema(context.Background(), nil, "invalid-name!", ""); err == nil {
		t.Error("expected error for invalid schema name")
	}
}

func TestMigrator_RejectsInvalidSchemaBeforeQuerying(t *testing.T) {
	m := NewMigrator(nil, t.TempDir())
	if _, err := m.Up(context.Background(), "bad;name"); err == nil {
		t.Error("expected error for invalid schema name")
	}
	if _, err := m.Status(context.Background(), "bad;name"); err == nil {
		t.Error("expected error for invalid schema name")
	}
}
