package clinical

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

type memoryEntry struct {
	ref  RecordRef
	body json.RawMessage
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[NaturalKey]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[NaturalKey]*memoryEntry)}
}

func (s *MemoryStore) Upsert(ctx context.Context, rec Record) (RecordRef, error) {
	refs, err := s.UpsertAll(ctx, []Record{rec})
	if err != nil {
		return RecordRef{}, err
	}
	return refs[0], nil
}

func (s *MemoryStore) UpsertAll(_ context.Context, recs []Record) ([]RecordRef, error) {
	bodies := make([]json.RawMessage, len(recs))
	for i, rec := range recs {
		body, err := json.Marshal(rec.ToFHIR())
		if err != nil {
			return nil, &PersistenceError{Kind: ErrKindConstraintViolation, Op: "upsert", Key: rec.Key(), Err: err}
		}
		bodies[i] = body
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]RecordRef, len(recs))
	for i, rec := range recs {
		key := rec.Key()
		if e, ok := s.records[key]; ok {
			e.ref.VersionID++
			e.ref.Created = false
			e.body = bodies[i]
			refs[i] = e.ref
			continue
		}
		ref := RecordRef{Type: rec.ResourceType(), ID: uuid.New(), Key: key, VersionID: 1, Created: true}
		s.records[key] = &memoryEntry{ref: ref, body: bodies[i]}
		refs[i] = ref
	}
	return refs, nil
}

func (s *MemoryStore) ResolveReference(_ context.Context, rt ResourceType, key NaturalKey) (RecordRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[key]
	if !ok || e.ref.Type != rt {
		return RecordRef{}, ErrNotFound
	}
	ref := e.ref
	ref.Created = false
	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, key NaturalKey) (json.RawMessage, RecordRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[key]
	if !ok {
		return nil, RecordRef{}, ErrNotFound
	}
	return e.body, e.ref, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
