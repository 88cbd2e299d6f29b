package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"replywatch/internal/models"
)

// RecordOutboundMessage upserts the sent message a job will watch. Sends are
// reported by the outbound pipeline and may arrive more than once.
func (s *Store) RecordOutboundMessage(ctx context.Context, m models.OutboundMessage) error {
	if m.Tenant == "" {
		m.Tenant = "default"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbound_messages (id, tenant, mailbox, provider, thread_id,
			rfc822_message_id, contact_id, subject, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			rfc822_message_id = EXCLUDED.rfc822_message_id
	`, m.ID, m.Tenant, m.Mailbox, m.Provider, m.ThreadID, m.RFC822MessageID,
		m.ContactID, m.Subject, m.SentAt)
	return err
}

// GetOutboundMessage fetches a sent message by provider id.
func (s *Store) GetOutboundMessage(ctx context.Context, id string) (models.OutboundMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant, mailbox, provider, thread_id, rfc822_message_id,
			contact_id, subject, sent_at, created_at
		FROM outbound_messages WHERE id = $1
	`, id)
	var m models.OutboundMessage
	err := row.Scan(&m.ID, &m.Tenant, &m.Mailbox, &m.Provider, &m.ThreadID,
		&m.RFC822MessageID, &m.ContactID, &m.Subject, &m.SentAt, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OutboundMessage{}, fmt.Errorf("outbound message %s: %w", id, ErrNotFound)
	}
	return m, err
}

// GetContact fetches a contact with all of its known aliases.
func (s *Store) GetContact(ctx context.Context, id string) (models.Contact, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, tenant, email FROM contacts WHERE id = $1`, id)
	var c models.Contact
	if err := row.Scan(&c.ID, &c.Tenant, &c.Email); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Contact{}, fmt.Errorf("contact %s: %w", id, ErrNotFound)
		}
		return models.Contact{}, err
	}

	rows, err := s.pool.Query(ctx, `SELECT address FROM contact_aliases WHERE contact_id = $1`, id)
	if err != nil {
		return models.Contact{}, fmt.Errorf("query aliases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return models.Contact{}, fmt.Errorf("scan alias: %w", err)
		}
		c.Aliases = append(c.Aliases, addr)
	}
	return c, rows.Err()
}

// UpsertContact records a contact and its aliases.
func (s *Store) UpsertContact(ctx context.Context, c models.Contact) error {
	if c.Tenant == "" {
		c.Tenant = "default"
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO contacts (id, tenant, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email
	`, c.ID, c.Tenant, c.Email)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	for _, alias := range c.Aliases {
		_, err = tx.Exec(ctx, `
			INSERT INTO contact_aliases (contact_id, address) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, c.ID, alias)
		if err != nil {
			return fmt.Errorf("insert alias: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// UnwatchedMessages finds outbound messages inside the watch window, older
// than the grace cutoff, with no recorded reply and no job other than a
// verified no-reply one. A verified job without a reply can be re-armed
// while the message is still watched; dead and cancelled jobs cannot, since
// re-arming those is the review workflow's call, not the sweeper's.
func (s *Store) UnwatchedMessages(ctx context.Context, windowStart, graceCutoff time.Time, limit int) ([]models.OutboundMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.tenant, m.mailbox, m.provider, m.thread_id, m.rfc822_message_id,
			m.contact_id, m.subject, m.sent_at, m.created_at
		FROM outbound_messages m
		WHERE m.sent_at >= $1 AND m.sent_at <= $2
			AND NOT EXISTS (SELECT 1 FROM replies r WHERE r.outbound_message_id = m.id)
			AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.message_id = m.id AND j.status <> 'verified')
		ORDER BY m.sent_at
		LIMIT $3
	`, windowStart, graceCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query unwatched messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.OutboundMessage
	for rows.Next() {
		var m models.OutboundMessage
		if err := rows.Scan(&m.ID, &m.Tenant, &m.Mailbox, &m.Provider, &m.ThreadID,
			&m.RFC822MessageID, &m.ContactID, &m.Subject, &m.SentAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbound message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RecordSweepRun appends the audit summary of one reconciliation sweep.
func (s *Store) RecordSweepRun(ctx context.Context, sr models.SweepRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sweep_runs (id, started_at, finished_at, window_start, window_end,
			checked, created, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sr.ID, sr.StartedAt, sr.FinishedAt, sr.WindowStart, sr.WindowEnd,
		sr.Checked, sr.Created, sr.Errors)
	return err
}
