package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hl7ingest/internal/platform/db"
)

// testDB is the Postgres instance shared by the suite.
type testDB struct {
	Pool          *pgxpool.Pool
	ConnStr       string
	MigrationsDir string
}

var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr, cleanup, err := startPostgresContainer(ctx)
	if errors.Is(err, errNoDocker) {
		fmt.Fprintln(os.Stderr, "skipping integration tests: docker not available")
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "create pool: %v\n", err)
		os.Exit(1)
	}

	globalDB = &testDB{Pool: pool, ConnStr: connStr, MigrationsDir: findMigrationsDir()}
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// findMigrationsDir locates migrations/ relative to this file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

var schemaSeq int64

// migratedSchema creates a fresh schema, applies every migration to it and
// returns a pool whose connections resolve unqualified tables there.
func migratedSchema(t *testing.T, prefix string) (*pgxpool.Pool, string) {
	t.Helper()
	ctx := context.Background()
	schema := fmt.Sprintf("it_%s_%d", prefix, atomic.AddInt64(&schemaSeq, 1))

	if err := db.EnsureSchema(ctx, globalDB.Pool, schema, globalDB.MigrationsDir); err != nil {
		t.Fatalf("migrate schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		if _, err := globalDB.Pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("warning: drop schema %s: %v", schema, err)
		}
	})

	pool, err := db.NewPool(ctx, globalDB.ConnStr, 8, 1, db.WithSearchPath(schema))
	if err != nil {
		t.Fatalf("pool for %s: %v", schema, err)
	}
	t.Cleanup(pool.Close)
	return pool, schema
}

func hl7(segments ...string) []byte {
	return []byte(strings.Join(segments, "\r") + "\r")
}

func admitPayload(controlID, patientID, visit, family string) []byte {
	return hl7(
		"MSH|^~\\&|EPIC|HOSP|HL7INGEST|HOSP|20240105083000||ADT^A01|"+controlID+"|P|2.5.1",
		"EVN|A01|20240105083000",
		"PID|1||"+patientID+"^^^HOSP^MR||"+family+"^Jane||19800214|F",
		"PV1|1|I|4W^401^A||||||||||||||||"+visit,
	)
}

func resultPayload(controlID, patientID string) []byte {
	return hl7(
		"MSH|^~\\&|LAB|HOSP|HL7INGEST|HOSP|20240105090000||ORU^R01|"+controlID+"|P|2.5.1",
		"PID|1||"+patientID+"^^^HOSP^MR||Doe^Jane",
		"OBR|1|ORD1|FIL1|24331-1^Lipid panel^LN|||20240105070000",
		"OBX|1|NM|2093-3^Cholesterol^LN||182|mg/dL|||||F",
	)
}
