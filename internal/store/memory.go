package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local CheckpointStore, used for tests and the
// one-shot CLI.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Checkpoint)}
}

func (s *MemoryStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.items[threadID]
	if !ok {
		return nil, nil
	}
	cp.Snapshot = append([]byte(nil), cp.Snapshot...)
	return &cp, nil
}

func (s *MemoryStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	have := s.items[cp.ThreadID].Version
	if have != cp.Version {
		return conflict(cp.ThreadID, cp.Version, have)
	}
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	stored := *cp
	stored.Snapshot = append([]byte(nil), cp.Snapshot...)
	s.items[cp.ThreadID] = stored
	return nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]ThreadInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]ThreadInfo, 0, len(s.items))
	for _, cp := range s.items {
		out = append(out, ThreadInfo{ThreadID: cp.ThreadID, Version: cp.Version, UpdatedAt: cp.UpdatedAt})
	}
	s.mu.Unlock()
	sortThreads(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
