package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"replywatch/internal/models"
)

const jobColumns = `id, tenant, message_id, contact_id, mailbox, provider, type, status, priority,
	payload, scheduled_for, started_at, completed_at, attempts, max_attempts, next_retry_at,
	layers_executed, layers_healthy, quorum_met, reply_found, last_error, error_count,
	cancel_requested, created_at, updated_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Tenant       string
	MessageID    string
	ContactID    string
	Mailbox      string
	Provider     string
	Type         string
	Priority     int
	Payload      models.JobPayload
	ScheduledFor time.Time
	MaxAttempts  int
}

// RunSummary is the most-recent-run outcome copied onto the job row.
type RunSummary struct {
	LayersExecuted int
	LayersHealthy  int
	QuorumMet      bool
	ReplyFound     bool
}

// CreateJob inserts a job row for an outbound message. At most one
// non-terminal job may exist per message id; when one already exists it is
// returned with reused=true instead of creating a duplicate.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Tenant == "" {
		p.Tenant = "default"
	}
	if p.Payload.Kind == "" {
		p.Payload.Kind = p.Type
	}
	if err := p.Payload.Validate(); err != nil {
		return models.Job{}, false, fmt.Errorf("validate payload: %w", err)
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant, message_id, contact_id, mailbox, provider, type, status,
			priority, payload, scheduled_for, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $13, $13)
	`, id, p.Tenant, p.MessageID, p.ContactID, p.Mailbox, p.Provider, p.Type, models.JobPending,
		p.Priority, payloadJSON, p.ScheduledFor, p.MaxAttempts, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost the race on jobs_active_message: return the winner.
			existing, ferr := s.ActiveJobForMessage(ctx, p.MessageID)
			if ferr != nil {
				return models.Job{}, false, fmt.Errorf("fetch existing job after conflict: %w", ferr)
			}
			return existing, true, nil
		}
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	job, err := s.GetJob(ctx, id)
	return job, false, err
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ActiveJobForMessage returns the single non-terminal job for an outbound
// message, if any.
func (s *Store) ActiveJobForMessage(ctx context.Context, messageID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE message_id = $1 AND status NOT IN ($2, $3, $4)
	`, messageID, models.JobVerified, models.JobDead, models.JobCancelled)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("active job for message %s: %w", messageID, ErrNotFound)
	}
	return job, err
}

// LeaseJob transitions a job to executing; the jobs_active_message index
// makes this an exclusive lease keyed by the outbound message id. A job
// already in executing is re-leaseable: the queue only redelivers after the
// visibility timeout, so an executing row at delivery time means the prior
// holder crashed or stalled mid-settlement. Returns false when the job is
// terminal.
func (s *Store) LeaseJob(ctx context.Context, id string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4, $5)
		RETURNING `+jobColumns, id, models.JobExecuting, models.JobPending, models.JobQueued, models.JobExecuting)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// MarkVerified transitions an executing job to its terminal success state.
func (s *Store) MarkVerified(ctx context.Context, id string, sum RunSummary) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = NOW(), updated_at = NOW(), last_error = NULL,
			layers_executed = $3, layers_healthy = $4, quorum_met = $5, reply_found = $6
		WHERE id = $1
	`, id, models.JobVerified, sum.LayersExecuted, sum.LayersHealthy, sum.QuorumMet, sum.ReplyFound)
	return err
}

// RecordRetry moves a failed attempt back to pending with its next retry
// time. The attempt count and error bookkeeping live here so retries have a
// single mutation site.
func (s *Store) RecordRetry(ctx context.Context, id string, attempts int, nextRetryAt time.Time, lastErr string, sum RunSummary) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_retry_at = $4, scheduled_for = $4,
			last_error = $5, error_count = error_count + 1, updated_at = NOW(),
			layers_executed = $6, layers_healthy = $7, quorum_met = $8, reply_found = $9
		WHERE id = $1
	`, id, models.JobPending, attempts, nextRetryAt, lastErr,
		sum.LayersExecuted, sum.LayersHealthy, sum.QuorumMet, sum.ReplyFound)
	return err
}

// MarkDead transitions a job to the terminal dead state.
func (s *Store) MarkDead(ctx context.Context, id string, attempts int, lastErr string, sum RunSummary) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, completed_at = NOW(), last_error = $4,
			error_count = error_count + 1, updated_at = NOW(),
			layers_executed = $5, layers_healthy = $6, quorum_met = $7, reply_found = $8
		WHERE id = $1
	`, id, models.JobDead, attempts, lastErr,
		sum.LayersExecuted, sum.LayersHealthy, sum.QuorumMet, sum.ReplyFound)
	return err
}

// CancelJob cancels a pending or queued job outright. An executing job gets
// cancel_requested set instead and is retired by the worker at end of run.
// Returns true when the job went straight to cancelled.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, models.JobCancelled, models.JobPending, models.JobQueued)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, models.JobExecuting)
	return false, err
}

// RetireCancelled finishes an executing job whose cancellation arrived
// mid-run.
func (s *Store) RetireCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND cancel_requested = TRUE
	`, id, models.JobCancelled)
	return err
}

// MarkQueued flips a due pending job to queued when it enters the ready
// queue.
func (s *Store) MarkQueued(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.JobQueued, models.JobPending)
	return err
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var lastErr pgtype.Text
	var startedAt, completedAt, nextRetryAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.Tenant, &job.MessageID, &job.ContactID, &job.Mailbox,
		&job.Provider, &job.Type, &job.Status, &job.Priority, &payloadJSON, &job.ScheduledFor,
		&startedAt, &completedAt, &job.Attempts, &job.MaxAttempts, &nextRetryAt,
		&job.LayersExecuted, &job.LayersHealthy, &job.QuorumMet, &job.ReplyFound,
		&lastErr, &job.ErrorCount, &job.CancelRequested, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.LastError = textPtr(lastErr)
	job.StartedAt = tsPtr(startedAt)
	job.CompletedAt = tsPtr(completedAt)
	job.NextRetryAt = tsPtr(nextRetryAt)
	return job, nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
