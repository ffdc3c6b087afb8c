package testdata

import (
	"context"
	"sync"

	appErr "gavel/pkg/errors"
)

// MemoryStore serves packs from memory, for tests and local development.
type MemoryStore struct {
	mu    sync.RWMutex
	packs map[int64]*Pack
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{packs: make(map[int64]*Pack)}
}

// Put registers a pack. The store keeps the given pointer, so callers
// must not mutate the pack afterwards.
func (s *MemoryStore) Put(pack *Pack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packs[pack.ProblemID] = pack
}

func (s *MemoryStore) Load(_ context.Context, problemID int64) (*Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pack, ok := s.packs[problemID]
	if !ok {
		return nil, appErr.Newf(appErr.TestDataMissing, "test data pack for problem %d not found", problemID)
	}
	return pack, nil
}
