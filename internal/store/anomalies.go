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

// RaiseAnomaly records a structured anomaly signal.
func (s *Store) RaiseAnomaly(ctx context.Context, a models.Anomaly) (models.Anomaly, error) {
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	if a.Status == "" {
		a.Status = models.AnomalyOpen
	}
	detailsJSON, err := json.Marshal(a.Details)
	if err != nil {
		return models.Anomaly{}, fmt.Errorf("marshal details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO anomalies (id, type, severity, mailbox, job_id, details, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.Type, a.Severity, a.Mailbox, a.JobID, detailsJSON, a.Status)
	if err != nil {
		return models.Anomaly{}, fmt.Errorf("insert anomaly: %w", err)
	}
	a.CreatedAt = time.Now().UTC()
	return a, nil
}

// ListAnomalies returns anomalies filtered by status ("" for all), newest
// first.
func (s *Store) ListAnomalies(ctx context.Context, status string, limit int) ([]models.Anomaly, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, severity, mailbox, job_id, details, status, created_at, resolved_at
		FROM anomalies
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	var out []models.Anomaly
	for rows.Next() {
		var a models.Anomaly
		var detailsJSON []byte
		var resolvedAt pgtype.Timestamptz
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.Mailbox, &a.JobID,
			&detailsJSON, &a.Status, &a.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		if err := json.Unmarshal(detailsJSON, &a.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details: %w", err)
		}
		a.ResolvedAt = tsPtr(resolvedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAnomalyStatus transitions an anomaly's workflow status.
func (s *Store) SetAnomalyStatus(ctx context.Context, id, status string) error {
	var resolvedAt any
	if status == models.AnomalyResolved || status == models.AnomalyWontFix {
		resolvedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE anomalies SET status = $2, resolved_at = $3 WHERE id = $1
	`, id, status, resolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("anomaly %s: %w", id, ErrNotFound)
	}
	return nil
}

// ConsecutiveQuorumFailures counts how many of a job's most recent runs in a
// row ended partial. Used to decide when recurring quorum failure becomes an
// anomaly.
func (s *Store) ConsecutiveQuorumFailures(ctx context.Context, jobID string) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT outcome FROM runs WHERE job_id = $1 ORDER BY run_number DESC LIMIT 10
	`, jobID)
	if err != nil {
		return 0, fmt.Errorf("query run outcomes: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var outcome string
		if err := rows.Scan(&outcome); err != nil {
			return 0, err
		}
		if outcome != models.RunPartial {
			break
		}
		n++
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	return n, nil
}
