package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloud-shuttle/switchboard/internal/tiered"
	"github.com/cloud-shuttle/switchboard/pkg/types"
)

var _ tiered.Durable = (*Store)(nil)

// LoadCheckpoint returns the latest checkpoint for a conversation
func (s *Store) LoadCheckpoint(ctx context.Context, threadID string) (*tiered.Record, error) {
	var data []byte
	var metaJSON string
	err := s.DB.QueryRowContext(ctx, s.rebind(`
		SELECT checkpoint_data, metadata FROM conversation_checkpoints WHERE thread_id = ?
	`), threadID).Scan(&data, &metaJSON)

	if err == sql.ErrNoRows {
		return nil, tiered.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting checkpoint: %w", err)
	}

	var meta types.CheckpointMetadata
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("decoding checkpoint metadata: %w", err)
	}
	return &tiered.Record{ThreadID: threadID, Data: data, Metadata: meta}, nil
}

// SaveCheckpoint upserts the latest checkpoint and appends it to the history.
// The upsert only replaces a row whose version does not order after the new
// one; otherwise a tiered.StaleCheckpointError is returned.
func (s *Store) SaveCheckpoint(ctx context.Context, rec *tiered.Record) error {
	meta := rec.Metadata
	if meta.ConversationID == "" {
		meta.ConversationID = rec.ThreadID
	}
	if meta.SizeBytes == 0 {
		meta.SizeBytes = len(rec.Data)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding checkpoint metadata: %w", err)
	}
	now := s.now().UnixMilli()
	created := now
	if !meta.CreatedAt.IsZero() {
		created = meta.CreatedAt.UnixMilli()
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO conversation_checkpoints (thread_id, checkpoint_id, checkpoint_data, metadata, generation, step, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			checkpoint_id = excluded.checkpoint_id,
			checkpoint_data = excluded.checkpoint_data,
			metadata = excluded.metadata,
			generation = excluded.generation,
			step = excluded.step,
			updated_at = excluded.updated_at
		WHERE excluded.generation > conversation_checkpoints.generation
			OR (excluded.generation = conversation_checkpoints.generation AND excluded.step >= conversation_checkpoints.step)
	`), rec.ThreadID, meta.ID, rec.Data, string(metaJSON), meta.Generation, meta.Step, created, now)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	if n == 0 {
		var cur types.Version
		if err := tx.QueryRowContext(ctx, s.rebind(`
			SELECT generation, step FROM conversation_checkpoints WHERE thread_id = ?
		`), rec.ThreadID).Scan(&cur.Generation, &cur.Step); err != nil {
			return fmt.Errorf("reading current checkpoint version: %w", err)
		}
		return &tiered.StaleCheckpointError{ThreadID: rec.ThreadID, Current: cur, Attempted: meta.Version()}
	}

	if meta.ID != "" {
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO checkpoint_history (checkpoint_id, thread_id, generation, step, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (checkpoint_id) DO NOTHING
		`), meta.ID, rec.ThreadID, meta.Generation, meta.Step, string(metaJSON), created)
		if err != nil {
			return fmt.Errorf("appending checkpoint history: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			DELETE FROM checkpoint_history
			WHERE thread_id = ? AND checkpoint_id NOT IN (
				SELECT checkpoint_id FROM checkpoint_history
				WHERE thread_id = ?
				ORDER BY generation DESC, step DESC, created_at DESC
				LIMIT ?
			)
		`), rec.ThreadID, rec.ThreadID, s.historyLimit)
		if err != nil {
			return fmt.Errorf("pruning checkpoint history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns checkpoint metadata for a conversation, most recent first
func (s *Store) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]types.CheckpointMetadata, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	rows, err := s.DB.QueryContext(ctx, s.rebind(`
		SELECT metadata FROM checkpoint_history
		WHERE thread_id = ?
		ORDER BY generation DESC, step DESC, created_at DESC
		LIMIT ?
	`), threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []types.CheckpointMetadata
	for rows.Next() {
		var metaJSON string
		if err := rows.Scan(&metaJSON); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		var meta types.CheckpointMetadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("decoding checkpoint metadata: %w", err)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// LoadWrites returns an unexpired write-intent record
func (s *Store) LoadWrites(ctx context.Context, threadID, taskID string) ([]byte, error) {
	var writes string
	err := s.DB.QueryRowContext(ctx, s.rebind(`
		SELECT writes FROM checkpoint_writes
		WHERE thread_id = ? AND task_id = ? AND expires_at > ?
	`), threadID, taskID, s.now().UnixMilli()).Scan(&writes)

	if err == sql.ErrNoRows {
		return nil, tiered.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting writes: %w", err)
	}
	return []byte(writes), nil
}

// SaveWrites upserts a write-intent record
func (s *Store) SaveWrites(ctx context.Context, threadID, taskID string, data []byte, expiresAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, s.rebind(`
		INSERT INTO checkpoint_writes (thread_id, task_id, writes, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, task_id) DO UPDATE SET
			writes = excluded.writes,
			expires_at = excluded.expires_at
	`), threadID, taskID, string(data), s.now().UnixMilli(), expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("saving writes: %w", err)
	}
	return nil
}

// DeleteOlderThan removes checkpoints not updated since cutoff, their
// history, and write intents created before cutoff or already expired. It
// returns the number of conversations removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	c := cutoff.UnixMilli()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM conversation_checkpoints WHERE updated_at < ?
	`), c)
	if err != nil {
		return 0, fmt.Errorf("deleting checkpoints: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting checkpoints: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM checkpoint_history WHERE created_at < ?
	`), c); err != nil {
		return 0, fmt.Errorf("deleting checkpoint history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM checkpoint_writes WHERE created_at < ? OR expires_at < ?
	`), c, s.now().UnixMilli()); err != nil {
		return 0, fmt.Errorf("deleting writes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing cleanup: %w", err)
	}
	return removed, nil
}

// CountCheckpoints returns the number of conversations with a stored checkpoint
func (s *Store) CountCheckpoints(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_checkpoints`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting checkpoints: %w", err)
	}
	return n, nil
}

// IsNotFound reports whether err is a missing-record error from the store
func IsNotFound(err error) bool {
	return errors.Is(err, tiered.ErrNotFound)
}
