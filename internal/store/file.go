package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// FileStore keeps one JSON file per thread under a directory. Writes go
// through an atomic rename so a reader never observes a partial snapshot.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: file driver needs a directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(threadID string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(threadID))+".json")
}

func (s *FileStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(threadID)
}

func (s *FileStore) read(threadID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(threadID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("read checkpoint", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, storeError("decode checkpoint", err)
	}
	return &cp, nil
}

func (s *FileStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(cp.ThreadID)
	if err != nil {
		return err
	}
	var have int64
	if current != nil {
		have = current.Version
	}
	if have != cp.Version {
		return conflict(cp.ThreadID, cp.Version, have)
	}

	next := *cp
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(&next)
	if err != nil {
		return storeError("encode checkpoint", err)
	}
	if err := renameio.WriteFile(s.path(cp.ThreadID), data, 0o600); err != nil {
		return storeError("write checkpoint", err)
	}
	cp.Version = next.Version
	cp.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *FileStore) List(ctx context.Context, limit int) ([]ThreadInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, storeError("list checkpoints", err)
	}
	var out []ThreadInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		cp, err := s.read(string(id))
		if err != nil || cp == nil {
			continue
		}
		out = append(out, ThreadInfo{ThreadID: cp.ThreadID, Version: cp.Version, UpdatedAt: cp.UpdatedAt})
	}
	sortThreads(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FileStore) Close() error { return nil }

func sortThreads(ts []ThreadInfo) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].UpdatedAt.Equal(ts[j].UpdatedAt) {
			return ts[i].UpdatedAt.After(ts[j].UpdatedAt)
		}
		return ts[i].ThreadID < ts[j].ThreadID
	})
}
