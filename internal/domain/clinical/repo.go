package clinical

import (
	"context"
)

// Store is the persistence gateway for clinical records.
//
// Upsert matches on the record's natural key: a new key inserts, an existing
// key overwrites the stored resource in place and bumps its version.
// UpsertAll applies several records atomically, in order.
type Store interface {
	Upsert(ctx context.Context, rec Record) (RecordRef, error)
	UpsertAll(ctx context.Context, recs []Record) ([]RecordRef, error)
	ResolveReference(ctx context.Context, rt ResourceType, key NaturalKey) (RecordRef, error)
	Ping(ctx context.Context) error
}
