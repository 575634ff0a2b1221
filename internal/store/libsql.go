package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLStore keeps checkpoints in an embedded libSQL database.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	cp := &Checkpoint{ThreadID: threadID}
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, snapshot, updated_at FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&cp.Version, &snapshot, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get checkpoint", err)
	}
	cp.Snapshot = []byte(snapshot)
	return cp, nil
}

func (s *LibSQLStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	now := time.Now().UTC()

	var (
		res sql.Result
		err error
	)
	if cp.Version == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO checkpoints (thread_id, version, snapshot, updated_at) VALUES (?, 1, ?, ?)
			 ON CONFLICT(thread_id) DO NOTHING`,
			cp.ThreadID, string(cp.Snapshot), now,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE checkpoints SET version = version + 1, snapshot = ?, updated_at = ?
			 WHERE thread_id = ? AND version = ?`,
			string(cp.Snapshot), now, cp.ThreadID, cp.Version,
		)
	}
	if err != nil {
		return storeError("put checkpoint", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("put checkpoint", err)
	}
	if n == 0 {
		return conflict(cp.ThreadID, cp.Version, s.currentVersion(ctx, cp.ThreadID))
	}

	cp.Version++
	cp.UpdatedAt = now
	return nil
}

func (s *LibSQLStore) currentVersion(ctx context.Context, threadID string) int64 {
	var v int64
	_ = s.db.QueryRowContext(ctx, `SELECT version FROM checkpoints WHERE thread_id = ?`, threadID).Scan(&v)
	return v
}

func (s *LibSQLStore) List(ctx context.Context, limit int) ([]ThreadInfo, error) {
	query := `SELECT thread_id, version, updated_at FROM checkpoints ORDER BY updated_at DESC, thread_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list checkpoints", err)
	}
	defer rows.Close()

	var out []ThreadInfo
	for rows.Next() {
		var ti ThreadInfo
		if err := rows.Scan(&ti.ThreadID, &ti.Version, &ti.UpdatedAt); err != nil {
			return nil, storeError("list checkpoints", err)
		}
		out = append(out, ti)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list checkpoints", err)
	}
	return out, nil
}
