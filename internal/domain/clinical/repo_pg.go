package clinical

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hl7ingest/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore keeps every record kind in the clinical_resource table as FHIR JSON,
// unique on (resource_type, source_system, natural_key).
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *PGStore) Upsert(ctx context.Context, rec Record) (RecordRef, error) {
	return s.upsert(ctx, rec)
}

func (s *PGStore) UpsertAll(ctx context.Context, recs []Record) ([]RecordRef, error) {
	refs := make([]RecordRef, 0, len(recs))
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		for _, rec := range recs {
			ref, err := s.upsert(ctx, rec)
			if err != nil {
				return err
			}
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return nil, classify("upsert", NaturalKey{}, err)
	}
	return refs, nil
}

func (s *PGStore) upsert(ctx context.Context, rec Record) (RecordRef, error) {
	key := rec.Key()
	body, err := json.Marshal(rec.ToFHIR())
	if err != nil {
		return RecordRef{}, &PersistenceError{Kind: ErrKindConstraintViolation, Op: "upsert", Key: key, Err: err}
	}
	refs := rec.References()
	if refs == nil {
		refs = []NaturalKey{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return RecordRef{}, &PersistenceError{Kind: ErrKindConstraintViolation, Op: "upsert", Key: key, Err: err}
	}

	ref := RecordRef{Type: rec.ResourceType(), Key: key}
	err = s.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinical_resource (id, resource_type, source_system, natural_key, resource, refs)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource_type, source_system, natural_key) DO UPDATE
		SET resource = EXCLUDED.resource,
			refs = EXCLUDED.refs,
			version_id = clinical_resource.version_id + 1,
			updated_at = NOW()
		RETURNING id, version_id, (xmax = 0)`,
		uuid.New(), string(key.Type), key.System, key.Value, body, refsJSON,
	).Scan(&ref.ID, &ref.VersionID, &ref.Created)
	if err != nil {
		return RecordRef{}, classify("upsert", key, err)
	}
	return ref, nil
}

func (s *PGStore) ResolveReference(ctx context.Context, rt ResourceType, key NaturalKey) (RecordRef, error) {
	ref := RecordRef{Type: rt, Key: key}
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, version_id FROM clinical_resource
		WHERE resource_type = $1 AND source_system = $2 AND natural_key = $3`,
		string(rt), key.System, key.Value,
	).Scan(&ref.ID, &ref.VersionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return RecordRef{}, ErrNotFound
	}
	if err != nil {
		return RecordRef{}, classify("resolve", key, err)
	}
	return ref, nil
}

// Get returns the stored FHIR JSON for a key.
func (s *PGStore) Get(ctx context.Context, key NaturalKey) (json.RawMessage, RecordRef, error) {
	ref := RecordRef{Type: key.Type, Key: key}
	var body []byte
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, version_id, resource FROM clinical_resource
		WHERE resource_type = $1 AND source_system = $2 AND natural_key = $3`,
		string(key.Type), key.System, key.Value,
	).Scan(&ref.ID, &ref.VersionID, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, RecordRef{}, ErrNotFound
	}
	if err != nil {
		return nil, RecordRef{}, classify("get", key, err)
	}
	return body, ref, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return &PersistenceError{Kind: ErrKindUnavailable, Op: "ping", Err: fmt.Errorf("no database pool configured")}
	}
	if err := s.pool.Ping(ctx); err != nil {
		return &PersistenceError{Kind: ErrKindUnavailable, Op: "ping", Err: err}
	}
	return nil
}

// classify maps a driver error onto the persistence taxonomy. Integrity
// (class 23) and data exceptions (class 22) are the caller's problem;
// everything else is treated as the store being unavailable.
func classify(op string, key NaturalKey, err error) error {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return &PersistenceError{Kind: ErrKindConstraintViolation, Op: op, Key: key, Err: err}
		}
	}
	return &PersistenceError{Kind: ErrKindUnavailable, Op: op, Key: key, Err: err}
}
