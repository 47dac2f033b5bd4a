package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestWithSearchPath(t *testing.T) {
	tests := []struct {
		schema string
		want   string
	}{
		{"", ""},
		{DefaultSchema, ""},
		{"hl7", "hl7, public"},
	}
	for _, tt := range tests {
		cfg, err := pgxpool.ParseConfig("postgres://u:p@localhost:5432/db")
		if err != nil {
			t.Fatal(err)
		}
		WithSearchPath(tt.schema)(cfg)
		if got := cfg.ConnConfig.RuntimeParams["search_path"]; got != tt.want {
			t.Errorf("WithSearchPath(%q): search_path = %q, want %q", tt.schema, got, tt.want)
		}
	}
}

func TestNewPool_InvalidURL(t *testing.T) {
	if _, err := NewPool(context.Background(), "postgres://%zz", 4, 1); err == nil {
		t.Error("expected parse error")
	}
}
