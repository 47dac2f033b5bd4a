package ingestion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ehr/hl7ingest/internal/domain/clinical"
)

var (
	// ErrReservationLost is returned by Commit when the caller no longer
	// holds the reservation, typically because it expired.
	ErrReservationLost = errors.New("ledger: reservation lost")

	// ErrNoEntry is returned by Lookup for keys with no live entry.
	ErrNoEntry = errors.New("ledger: no entry")
)

// LedgerKey identifies one message submission.
type LedgerKey struct {
	SourceSystem string `json:"sourceSystem"`
	ControlID    string `json:"controlId"`
}

type LedgerState string

const (
	LedgerReserved  LedgerState = "reserved"
	LedgerCommitted LedgerState = "committed"
)

// LedgerEntry records who reserved or committed a key.
type LedgerEntry struct {
	Key         LedgerKey            `json:"key"`
	State       LedgerState          `json:"state"`
	Ref         IngestionRef         `json:"ref"`
	Resources   []clinical.RecordRef `json:"resources,omitempty"`
	ReservedAt  time.Time            `json:"reservedAt"`
	CommittedAt *time.Time           `json:"committedAt,omitempty"`
}

// Reservation is the answer to CheckAndReserve. When Fresh is false,
// Original describes the entry that already holds the key.
type Reservation struct {
	Fresh    bool
	Original *LedgerEntry
}

// Ledger is the only serialization point for duplicate detection.
// CheckAndReserve must be atomic per key across every process sharing the
// backend. Reservations expire after the configured TTL; committed entries
// never do.
type Ledger interface {
	CheckAndReserve(ctx context.Context, key LedgerKey, ref IngestionRef) (Reservation, error)
	Commit(ctx context.Context, key LedgerKey, ref IngestionRef, resources []clinical.RecordRef) error
	Release(ctx context.Context, key LedgerKey, ref IngestionRef) error
	Lookup(ctx context.Context, key LedgerKey) (*LedgerEntry, error)
	Ping(ctx context.Context) error
}

func originalOf(e *LedgerEntry) *Original {
	if e == nil {
		return nil
	}
	o := &Original{IngestionRef: e.Ref, Resources: e.Resources, AcceptedAt: e.ReservedAt}
	if e.CommittedAt != nil {
		o.AcceptedAt = *e.CommittedAt
	}
	return o
}

// MemoryLedger keeps entries in process memory. It is only durable for the
// life of the process.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[LedgerKey]*LedgerEntry
	ttl     time.Duration
	nowFunc func() time.Time
}

func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[LedgerKey]*LedgerEntry),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// live returns the entry for key, dropping it first if it is an expired
// reservation. Callers hold mu.
func (l *MemoryLedger) live(key LedgerKey) *LedgerEntry {
	e, ok := l.entries[key]
	if !ok {
		return nil
	}
	if e.State == LedgerReserved && l.ttl > 0 && l.nowFunc().Sub(e.ReservedAt) >= l.ttl {
		delete(l.entries, key)
		return nil
	}
	return e
}

func (l *MemoryLedger) CheckAndReserve(_ context.Context, key LedgerKey, ref IngestionRef) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e := l.live(key); e != nil {
		cp := *e
		return Reservation{Original: &cp}, nil
	}
	l.entries[key] = &LedgerEntry{
		Key:        key,
		State:      LedgerReserved,
		Ref:        ref,
		ReservedAt: l.nowFunc().UTC(),
	}
	return Reservation{Fresh: true}, nil
}

func (l *MemoryLedger) Commit(_ context.Context, key LedgerKey, ref IngestionRef, resources []clinical.RecordRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.live(key)
	if e == nil || e.Ref != ref {
		return ErrReservationLost
	}
	now := l.nowFunc().UTC()
	e.State = LedgerCommitted
	e.Resources = append([]clinical.RecordRef(nil), resources...)
	e.CommittedAt = &now
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, key LedgerKey, ref IngestionRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok && e.State == LedgerReserved && e.Ref == ref {
		delete(l.entries, key)
	}
	return nil
}

func (l *MemoryLedger) Lookup(_ context.Context, key LedgerKey) (*LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.live(key)
	if e == nil {
		return nil, ErrNoEntry
	}
	cp := *e
	return &cp, nil
}

func (l *MemoryLedger) Ping(context.Context) error { return nil }
