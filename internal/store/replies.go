package store

import (
	"context"
	"fmt"

	"replywatch/internal/models"
)

// SaveReply persists a detected reply. The provider message id is the
// idempotency key: saving the same reply twice is a no-op. Returns whether a
// new row was written.
func (s *Store) SaveReply(ctx context.Context, r models.Reply) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO replies (provider_message_id, outbound_message_id, thread_id,
			from_address, to_address, received_at, detected_by, run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_message_id) DO NOTHING
	`, r.ProviderMessageID, r.OutboundMessageID, r.ThreadID, r.From, r.To,
		r.ReceivedAt, r.DetectedBy, r.RunID)
	if err != nil {
		return false, fmt.Errorf("insert reply: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RepliesForMessage lists recorded replies for an outbound message.
func (s *Store) RepliesForMessage(ctx context.Context, outboundMessageID string) ([]models.Reply, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider_message_id, outbound_message_id, thread_id, from_address,
			to_address, received_at, detected_by, run_id, created_at
		FROM replies WHERE outbound_message_id = $1 ORDER BY received_at
	`, outboundMessageID)
	if err != nil {
		return nil, fmt.Errorf("query replies: %w", err)
	}
	defer rows.Close()

	var replies []models.Reply
	for rows.Next() {
		var r models.Reply
		if err := rows.Scan(&r.ProviderMessageID, &r.OutboundMessageID, &r.ThreadID,
			&r.From, &r.To, &r.ReceivedAt, &r.DetectedBy, &r.RunID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		replies = append(replies, r)
	}
	return replies, rows.Err()
}
