package models

import "time"

// OutboundMessage is the sent email a job watches for replies to. ID is the
// provider's message id; RFC822MessageID is the Message-ID header the send
// went out with.
type OutboundMessage struct {
	ID              string    `json:"id"`
	Tenant          string    `json:"tenant"`
	Mailbox         string    `json:"mailbox"`
	Provider        string    `json:"provider"`
	ThreadID        string    `json:"thread_id,omitempty"`
	RFC822MessageID string    `json:"rfc822_message_id"`
	ContactID       string    `json:"contact_id"`
	Subject         string    `json:"subject,omitempty"`
	SentAt          time.Time `json:"sent_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// Contact is the counterparty a reply is expected from. Aliases holds every
// historical address known for the contact (plus-tags, forwards, domain
// aliases) beyond the primary Email.
type Contact struct {
	ID      string   `json:"id"`
	Tenant  string   `json:"tenant"`
	Email   string   `json:"email"`
	Aliases []string `json:"aliases,omitempty"`
}

// Reply is a detected inbound reply. ProviderMessageID is the idempotency
// key: persisting the same reply twice is a no-op.
type Reply struct {
	ProviderMessageID string    `json:"provider_message_id"`
	OutboundMessageID string    `json:"outbound_message_id"`
	ThreadID          string    `json:"thread_id,omitempty"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	ReceivedAt        time.Time `json:"received_at"`
	DetectedBy        string    `json:"detected_by"`
	RunID             string    `json:"run_id"`
	CreatedAt         time.Time `json:"created_at"`
}

// SweepRun is the audit summary of one reconciliation sweep.
type SweepRun struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Checked     int       `json:"checked"`
	Created     int       `json:"created"`
	Errors      int       `json:"errors"`
}
