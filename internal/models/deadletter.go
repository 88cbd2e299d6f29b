package models

import "time"

// Dead-letter review workflow states.
const (
	ReviewPending         = "pending_review"
	ReviewManuallyChecked = "manually_checked"
	ReviewRetryScheduled  = "retry_scheduled"
	ReviewSkipped         = "skipped"
	ReviewResolved        = "resolved"
)

// AttemptRecord is one failed attempt inside a dead-letter entry's history.
type AttemptRecord struct {
	Attempt        int       `json:"attempt"`
	At             time.Time `json:"at"`
	Error          string    `json:"error,omitempty"`
	LayersHealthy  int       `json:"layers_healthy"`
	LayersExecuted int       `json:"layers_executed"`
	QuorumMet      bool      `json:"quorum_met"`
	Outcome        string    `json:"outcome"`
}

// DeadLetterEntry is the durable record of a job that exhausted its retries
// or was judged unrecoverable. Job context is denormalized so review never
// needs to rejoin live tables.
type DeadLetterEntry struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	Tenant        string          `json:"tenant"`
	MessageID     string          `json:"message_id"`
	ContactID     string          `json:"contact_id"`
	Mailbox       string          `json:"mailbox"`
	Provider      string          `json:"provider"`
	JobType       string          `json:"job_type"`
	TotalAttempts int             `json:"total_attempts"`
	Attempts      []AttemptRecord `json:"attempts"`
	LastError     string          `json:"last_error"`

	RequiresManualReview bool       `json:"requires_manual_review"`
	ReviewStatus         string     `json:"review_status"`
	ReviewedBy           string     `json:"reviewed_by,omitempty"`
	ReviewedAt           *time.Time `json:"reviewed_at,omitempty"`
	Archived             bool       `json:"archived"`

	CreatedAt time.Time `json:"created_at"`
}
