package store

import (
	"encoding/json"
	"time"
)

// Checkpoint is the persisted snapshot of one conversation thread.
type Checkpoint struct {
	ThreadID  string          `json:"thread_id"`
	Version   int64           `json:"version"`
	Snapshot  json.RawMessage `json:"snapshot"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ThreadInfo summarizes a stored checkpoint without its snapshot.
type ThreadInfo struct {
	ThreadID  string    `json:"thread_id"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}
