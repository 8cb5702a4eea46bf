package store

import (
	"context"
	"sync"
	"time"

	"github.com/wnt/compoundr/internal/gateway"
)

// MemoryStore is a mutex-guarded in-memory CycleStore. It keeps the full
// record history per position and is used by tests and the one-shot CLI.
type MemoryStore struct {
	mutex   sync.Mutex
	records map[string][]*CycleRecord
	nextID  uint
}

// NewMemoryStore creates an empty in-memory cycle store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]*CycleRecord),
	}
}

// Begin atomically creates a Claiming record unless one is already active
func (s *MemoryStore) Begin(ctx context.Context, pool, owner string) (*CycleRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := gateway.PositionKey(pool, owner)
	history := s.records[key]
	if len(history) > 0 && !history[len(history)-1].Phase.Terminal() {
		return nil, ErrCycleActive
	}

	s.nextID++
	now := time.Now()
	rec := &CycleRecord{
		ID:          s.nextID,
		PositionKey: key,
		PoolAddress: pool,
		Owner:       owner,
		Phase:       PhaseClaiming,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	s.records[key] = append(history, rec)

	return copyRecord(rec), nil
}

// Update persists the record's current state
func (s *MemoryStore) Update(ctx context.Context, rec *CycleRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	history := s.records[rec.PositionKey]
	for i, existing := range history {
		if existing.ID == rec.ID {
			updated := copyRecord(rec)
			updated.UpdatedAt = time.Now()
			history[i] = updated
			rec.UpdatedAt = updated.UpdatedAt
			return nil
		}
	}
	return ErrNotFound
}

// Latest returns the most recent record for the position key
func (s *MemoryStore) Latest(ctx context.Context, key string) (*CycleRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	history := s.records[key]
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	return copyRecord(history[len(history)-1]), nil
}

// ListActive returns all records in a non-terminal phase
func (s *MemoryStore) ListActive(ctx context.Context) ([]*CycleRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var active []*CycleRecord
	for _, history := range s.records {
		latest := history[len(history)-1]
		if !latest.Phase.Terminal() {
			active = append(active, copyRecord(latest))
		}
	}
	return active, nil
}

func copyRecord(rec *CycleRecord) *CycleRecord {
	out := *rec
	if rec.Claim != nil {
		claim := *rec.Claim
		claim.TxRefs = append([]string(nil), rec.Claim.TxRefs...)
		out.Claim = &claim
	}
	return &out
}
