package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"replywatch/internal/models"
)

// GetCheckpoint fetches the sync checkpoint for a mailbox.
func (s *Store) GetCheckpoint(ctx context.Context, mailbox string) (models.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT mailbox, provider, last_position, last_checked_at, sync_status,
			consecutive_errors, created_at, updated_at
		FROM checkpoints WHERE mailbox = $1
	`, mailbox)
	var cp models.Checkpoint
	err := row.Scan(&cp.Mailbox, &cp.Provider, &cp.LastPosition, &cp.LastCheckedAt,
		&cp.SyncStatus, &cp.ConsecutiveErrors, &cp.CreatedAt, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Checkpoint{}, fmt.Errorf("checkpoint for %s: %w", mailbox, ErrNotFound)
	}
	return cp, err
}

// InitCheckpoint creates the checkpoint on a mailbox's first successful
// sync. Existing rows are left untouched.
func (s *Store) InitCheckpoint(ctx context.Context, mailbox, provider, position string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (mailbox, provider, last_position, sync_status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (mailbox) DO NOTHING
	`, mailbox, provider, position, models.SyncActive)
	return err
}

// AdvanceCheckpoint commits a new position conditionally on the previously
// read one. Single-writer-per-mailbox discipline: a concurrent advance makes
// this return ErrCheckpointConflict rather than losing either update.
func (s *Store) AdvanceCheckpoint(ctx context.Context, mailbox, fromPosition, toPosition string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE checkpoints
		SET last_position = $3, last_checked_at = NOW(), consecutive_errors = 0,
			sync_status = $4, updated_at = NOW()
		WHERE mailbox = $1 AND last_position = $2
	`, mailbox, fromPosition, toPosition, models.SyncActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCheckpointConflict
	}
	return nil
}

// RecordCheckpointError increments the consecutive error counter and
// returns the new count.
func (s *Store) RecordCheckpointError(ctx context.Context, mailbox string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE checkpoints
		SET consecutive_errors = consecutive_errors + 1, updated_at = NOW()
		WHERE mailbox = $1
		RETURNING consecutive_errors
	`, mailbox).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// SetSyncStatus transitions the mailbox sync status (active, paused, error,
// token_expired). Pausing stops automatic scheduling for the mailbox;
// returning to active clears the error counter.
func (s *Store) SetSyncStatus(ctx context.Context, mailbox, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE checkpoints
		SET sync_status = $2,
			consecutive_errors = CASE WHEN $2 = 'active' THEN 0 ELSE consecutive_errors END,
			updated_at = NOW()
		WHERE mailbox = $1
	`, mailbox, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checkpoint for %s: %w", mailbox, ErrNotFound)
	}
	return nil
}
