package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/oklog/ulid/v2"

	"replywatch/internal/models"
)

const deadLetterColumns = `id, job_id, tenant, message_id, contact_id, mailbox, provider, job_type,
	total_attempts, attempts, last_error, requires_manual_review, review_status,
	reviewed_by, reviewed_at, archived, created_at`

// CreateDeadLetter writes the durable record for a terminally failed job.
// Idempotent per job: a redelivered dead-lettering attempt returns the
// already-written entry instead of inserting a second one.
func (s *Store) CreateDeadLetter(ctx context.Context, e models.DeadLetterEntry) (models.DeadLetterEntry, error) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.ReviewStatus == "" {
		e.ReviewStatus = models.ReviewPending
	}
	attemptsJSON, err := json.Marshal(e.Attempts)
	if err != nil {
		return models.DeadLetterEntry{}, fmt.Errorf("marshal attempts: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, job_id, tenant, message_id, contact_id, mailbox,
			provider, job_type, total_attempts, attempts, last_error,
			requires_manual_review, review_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (job_id) DO NOTHING
	`, e.ID, e.JobID, e.Tenant, e.MessageID, e.ContactID, e.Mailbox, e.Provider,
		e.JobType, e.TotalAttempts, attemptsJSON, e.LastError,
		e.RequiresManualReview, e.ReviewStatus)
	if err != nil {
		return models.DeadLetterEntry{}, fmt.Errorf("insert dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		row := s.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE job_id = $1`, e.JobID)
		return scanDeadLetter(row)
	}
	e.CreatedAt = time.Now().UTC()
	return e, nil
}

// GetDeadLetter fetches one entry by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (models.DeadLetterEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id)
	e, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeadLetterEntry{}, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	return e, err
}

// ListDeadLetters returns entries filtered by review status ("" for all),
// newest first.
func (s *Store) ListDeadLetters(ctx context.Context, reviewStatus string, limit int) ([]models.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letters
		WHERE ($1 = '' OR review_status = $1)
		ORDER BY created_at DESC LIMIT $2
	`, reviewStatus, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetReviewStatus applies a review workflow action to an entry.
func (s *Store) SetReviewStatus(ctx context.Context, id, status, reviewer string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letters SET review_status = $2, reviewed_by = $3, reviewed_at = NOW()
		WHERE id = $1
	`, id, status, reviewer)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResolvedUnarchived lists resolved entries past the retention cutoff that
// have not yet been exported.
func (s *Store) ResolvedUnarchived(ctx context.Context, cutoff time.Time, limit int) ([]models.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letters
		WHERE review_status = $1 AND archived = FALSE AND created_at <= $2
		ORDER BY created_at LIMIT $3
	`, models.ReviewResolved, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query resolved dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkArchived flags an entry as exported to long-term storage.
func (s *Store) MarkArchived(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE dead_letters SET archived = TRUE WHERE id = $1`, id)
	return err
}

func scanDeadLetter(row pgx.Row) (models.DeadLetterEntry, error) {
	var e models.DeadLetterEntry
	var attemptsJSON []byte
	var reviewedAt pgtype.Timestamptz
	if err := row.Scan(&e.ID, &e.JobID, &e.Tenant, &e.MessageID, &e.ContactID, &e.Mailbox,
		&e.Provider, &e.JobType, &e.TotalAttempts, &attemptsJSON, &e.LastError,
		&e.RequiresManualReview, &e.ReviewStatus, &e.ReviewedBy, &reviewedAt,
		&e.Archived, &e.CreatedAt); err != nil {
		return models.DeadLetterEntry{}, err
	}
	if err := json.Unmarshal(attemptsJSON, &e.Attempts); err != nil {
		return models.DeadLetterEntry{}, fmt.Errorf("unmarshal attempts: %w", err)
	}
	e.ReviewedAt = tsPtr(reviewedAt)
	return e, nil
}
