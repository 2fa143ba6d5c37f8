package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/davidahmann/portero/core/schema/v1/access"
)

// MemoryStore keeps encoded records in process memory. It goes through the
// same codec as the durable stores so corruption handling is identical.
type MemoryStore struct {
	mu          sync.Mutex
	items       map[string][]byte
	quarantined map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte), quarantined: make(map[string][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, state access.AuthorizationState) (access.CheckpointRecord, error) {
	if err := validKey(state.Call.CallID); err != nil {
		return access.CheckpointRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var createdAt time.Time
	if raw, ok := s.items[state.Call.CallID]; ok {
		existing, err := Decode(raw)
		if err != nil {
			return access.CheckpointRecord{}, err
		}
		if err := checkAdvance(existing, state); err != nil {
			return access.CheckpointRecord{}, err
		}
		createdAt = existing.CreatedAt
	}
	record, err := NewRecord(state, createdAt)
	if err != nil {
		return access.CheckpointRecord{}, err
	}
	payload, err := Encode(record)
	if err != nil {
		return access.CheckpointRecord{}, err
	}
	s.items[state.Call.CallID] = payload
	return record, nil
}

func (s *MemoryStore) Load(_ context.Context, callID string) (access.CheckpointRecord, error) {
	s.mu.Lock()
	raw, ok := s.items[callID]
	s.mu.Unlock()
	if !ok {
		return access.CheckpointRecord{}, fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	return Decode(raw)
}

func (s *MemoryStore) Finalize(_ context.Context, callID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.items[callID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	record, err := Decode(raw)
	if err != nil {
		return err
	}
	if record.Finalized {
		return nil
	}
	payload, err := Encode(markFinalized(record, normalizeNow(now)))
	if err != nil {
		return err
	}
	s.items[callID] = payload
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]access.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]access.CheckpointRecord, 0, len(s.items))
	var corrupt []string
	for callID, raw := range s.items {
		record, err := Decode(raw)
		if err != nil {
			corrupt = append(corrupt, callID)
			continue
		}
		if !record.Finalized {
			records = append(records, record)
		}
	}
	sortRecords(records)
	return records, corruptResult(corrupt)
}

func (s *MemoryStore) Quarantine(_ context.Context, callID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.items[callID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	s.quarantined[quarantineKey(callID, now)] = raw
	delete(s.items, callID)
	return nil
}

// Quarantined reports how many records were moved aside.
func (s *MemoryStore) Quarantined() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.quarantined)
}

func (s *MemoryStore) Sweep(_ context.Context, finalizedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for callID, raw := range s.items {
		record, err := Decode(raw)
		if err != nil {
			continue
		}
		if record.Finalized && record.FinalizedAt != nil && record.FinalizedAt.Before(finalizedBefore) {
			delete(s.items, callID)
			removed++
		}
	}
	return removed, nil
}

// Corrupt overwrites the stored bytes for callID. Tests use it to simulate a
// damaged record.
func (s *MemoryStore) Corrupt(callID string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[callID] = append([]byte(nil), payload...)
}

func sortRecords(records []access.CheckpointRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CallID < records[j].CallID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
