package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/querypilot/pkg/schema"
)

// CheckpointStore persists conversation snapshots keyed by thread id.
// All implementations must be safe for concurrent use.
type CheckpointStore interface {
	// Get returns the current checkpoint, or nil when the thread has none.
	Get(ctx context.Context, threadID string) (*Checkpoint, error)

	// Put writes cp if the stored version still equals cp.Version (0 for a
	// thread with no checkpoint). On success cp.Version and cp.UpdatedAt are
	// advanced; a stale version yields a CONFLICT error and nothing is
	// written.
	Put(ctx context.Context, cp *Checkpoint) error

	// List returns stored threads, most recently updated first.
	List(ctx context.Context, limit int) ([]ThreadInfo, error)

	Close() error
}

// Open builds a store for the configured driver: "libsql", "file" or
// "memory".
func Open(ctx context.Context, driver, path string) (CheckpointStore, error) {
	switch strings.ToLower(driver) {
	case "", "libsql", "sqlite":
		if path == "" {
			return nil, fmt.Errorf("store: libsql driver needs a path")
		}
		if !strings.Contains(path, ":") {
			path = "file:" + path
		}
		s, err := NewLibSQLStore(path)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate checkpoint store: %w", err)
		}
		return s, nil
	case "file":
		return NewFileStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}

func conflict(threadID string, expected, current int64) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"checkpoint for thread %q is at version %d, expected %d", threadID, current, expected).
		WithDetails(map[string]any{"thread_id": threadID, "expected": expected, "current": current})
}

func storeError(op string, err error) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func validate(cp *Checkpoint) error {
	if cp == nil || cp.ThreadID == "" {
		return schema.NewError(schema.ErrCodeValidation, "checkpoint thread id is required")
	}
	if cp.Version < 0 {
		return schema.NewError(schema.ErrCodeValidation, "checkpoint version must not be negative")
	}
	if len(cp.Snapshot) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "checkpoint snapshot is empty")
	}
	return nil
}
