package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hl7ingest/internal/domain/clinical"
)

// PostgresLedger stores entries in ingestion_ledger, keyed by
// (source_system, control_id). An expired reservation is taken over in the
// same statement that would otherwise conflict.
type PostgresLedger struct {
	pool    *pgxpool.Pool
	ttl     time.Duration
	nowFunc func() time.Time
}

func NewPostgresLedger(pool *pgxpool.Pool, ttl time.Duration) *PostgresLedger {
	return &PostgresLedger{pool: pool, ttl: ttl, nowFunc: time.Now}
}

const reserveSQL = `
INSERT INTO ingestion_ledger (source_system, control_id, state, batch_id, message_index, reserved_at)
VALUES ($1, $2, 'reserved', $3, $4, $5)
ON CONFLICT (source_system, control_id) DO UPDATE
SET batch_id = EXCLUDED.batch_id,
    message_index = EXCLUDED.message_index,
    reserved_at = EXCLUDED.reserved_at,
    resources = NULL,
    committed_at = NULL
WHERE ingestion_ledger.state = 'reserved' AND ingestion_ledger.reserved_at <= $6
RETURNING batch_id`

const selectLedgerSQL = `
SELECT source_system, control_id, state, batch_id, message_index, resources, reserved_at, committed_at
FROM ingestion_ledger WHERE source_system = $1 AND control_id = $2`

// maxReserveAttempts bounds the retry when the conflicting row disappears
// between the insert and the read.
const maxReserveAttempts = 3

func (l *PostgresLedger) CheckAndReserve(ctx context.Context, key LedgerKey, ref IngestionRef) (Reservation, error) {
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		now := l.nowFunc().UTC()
		var got uuid.UUID
		err := l.pool.QueryRow(ctx, reserveSQL,
			key.SourceSystem, key.ControlID, ref.BatchID, ref.MessageIndex, now, now.Add(-l.ttl),
		).Scan(&got)
		if err == nil {
			return Reservation{Fresh: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, fmt.Errorf("ledger: reserve: %w", err)
		}

		existing, err := l.Lookup(ctx, key)
		if errors.Is(err, ErrNoEntry) {
			continue
		}
		if err != nil {
			return Reservation{}, err
		}
		return Reservation{Original: existing}, nil
	}
	return Reservation{}, fmt.Errorf("ledger: reserve %s/%s: entry kept changing", key.SourceSystem, key.ControlID)
}

func (l *PostgresLedger) Commit(ctx context.Context, key LedgerKey, ref IngestionRef, resources []clinical.RecordRef) error {
	body, err := json.Marshal(resources)
	if err != nil {
		return fmt.Errorf("ledger: encode resources: %w", err)
	}
	tag, err := l.pool.Exec(ctx, `
		UPDATE ingestion_ledger
		SET state = 'committed', resources = $5, committed_at = $6
		WHERE source_system = $1 AND control_id = $2 AND batch_id = $3 AND message_index = $4`,
		key.SourceSystem, key.ControlID, ref.BatchID, ref.MessageIndex, body, l.nowFunc().UTC())
	if err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReservationLost
	}
	return nil
}

func (l *PostgresLedger) Release(ctx context.Context, key LedgerKey, ref IngestionRef) error {
	_, err := l.pool.Exec(ctx, `
		DELETE FROM ingestion_ledger
		WHERE source_system = $1 AND control_id = $2 AND batch_id = $3 AND message_index = $4
		  AND state = 'reserved'`,
		key.SourceSystem, key.ControlID, ref.BatchID, ref.MessageIndex)
	if err != nil {
		return fmt.Errorf("ledger: release: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Lookup(ctx context.Context, key LedgerKey) (*LedgerEntry, error) {
	var (
		e         LedgerEntry
		state     string
		resources []byte
	)
	err := l.pool.QueryRow(ctx, selectLedgerSQL, key.SourceSystem, key.ControlID).Scan(
		&e.Key.SourceSystem, &e.Key.ControlID, &state, &e.Ref.BatchID, &e.Ref.MessageIndex,
		&resources, &e.ReservedAt, &e.CommittedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoEntry
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: lookup: %w", err)
	}
	e.State = LedgerState(state)
	if e.State == LedgerReserved && l.ttl > 0 && l.nowFunc().Sub(e.ReservedAt) >= l.ttl {
		return nil, ErrNoEntry
	}
	if len(resources) > 0 {
		if err := json.Unmarshal(resources, &e.Resources); err != nil {
			return nil, fmt.Errorf("ledger: decode resources: %w", err)
		}
	}
	return &e, nil
}

func (l *PostgresLedger) Ping(ctx context.Context) error {
	if l.pool == nil {
		return fmt.Errorf("ledger: no database pool configured")
	}
	if err := l.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ledger: ping: %w", err)
	}
	return nil
}
