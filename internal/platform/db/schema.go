package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is used when no schema is given on the command line.
const DefaultSchema = "public"

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidSchemaName reports whether name can be used as a schema identifier.
func ValidSchemaName(name string) bool {
	return len(name) <= 63 && schemaPattern.MatchString(name)
}

// quoteSchema validates and quotes a schema identifier for use in SQL.
func quoteSchema(schema string) (string, error) {
	if !ValidSchemaName(schema) {
		return "", fmt.Errorf("invalid schema name: %q", schema)
	}
	return pgx.Identifier{schema}.Sanitize(), nil
}

// EnsureSchema creates schema if needed and, when migrationsDir is set,
// applies pending migrations to it.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema, migrationsDir string) error {
	quoted, err := quoteSchema(schema)
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoted); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrationsDir != "" {
		if _, err := NewMigrator(pool, migrationsDir).Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
