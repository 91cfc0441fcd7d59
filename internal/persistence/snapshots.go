package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/autoqueue/internal/queue"
)

// SnapshotInfo describes a stored snapshot without its body.
type SnapshotInfo struct {
	ID      int64     `json:"id"`
	Name    string    `json:"name"`
	Version int       `json:"version"`
	Tasks   int       `json:"tasks"`
	TakenAt time.Time `json:"taken_at"`
}

// SaveSnapshot appends a snapshot under name and returns its row ID. Older
// snapshots with the same name are kept until PruneSnapshots removes them.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, name string, snap queue.Snapshot) (int64, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (name, version, tasks, taken_at, body)
		VALUES (?, ?, ?, ?, ?)
	`, name, snap.Version, len(snap.Tasks), snap.TakenAt.UTC(), string(body))
	if err != nil {
		return 0, fmt.Errorf("failed to save snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot id: %w", err)
	}
	return id, nil
}

// LoadSnapshot returns the most recent snapshot saved under name.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, name string) (queue.Snapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM snapshots
		WHERE name = ?
		ORDER BY id DESC
		LIMIT 1
	`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Snapshot{}, fmt.Errorf("snapshot %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return queue.Snapshot{}, fmt.Errorf("failed to query snapshot: %w", err)
	}

	var snap queue.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return queue.Snapshot{}, fmt.Errorf("failed to decode snapshot %q: %w", name, err)
	}
	return snap, nil
}

// ListSnapshots returns every stored snapshot, newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, tasks, taken_at
		FROM snapshots
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.ID, &info.Name, &info.Version, &info.Tasks, &info.TakenAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

// PruneSnapshots keeps the newest keep snapshots under name and deletes the
// rest, returning how many were removed.
func (s *SQLiteStore) PruneSnapshots(ctx context.Context, name string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE name = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE name = ? ORDER BY id DESC LIMIT ?
		)
	`, name, name, max(keep, 0))
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
