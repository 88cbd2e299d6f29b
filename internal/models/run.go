package models

import "time"

// Run outcomes.
const (
	RunSuccess  = "success"
	RunPartial  = "partial"
	RunFailed   = "failed"
	RunRetrying = "retrying"
)

// Error kinds a layer can report. Transient errors retry; auth errors fail
// fast and pause the mailbox.
const (
	ErrKindNone      = ""
	ErrKindTransient = "transient"
	ErrKindRateLimit = "rate_limit"
	ErrKindAuth      = "auth"
)

// ReplyEvidence identifies the inbound message a layer matched.
type ReplyEvidence struct {
	ProviderMessageID string    `json:"provider_message_id"`
	ThreadID          string    `json:"thread_id,omitempty"`
	RFC822MessageID   string    `json:"rfc822_message_id,omitempty"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	ReceivedAt        time.Time `json:"received_at"`
}

// CheckpointAdvance is a deferred checkpoint commit produced by the history
// layer. The worker applies it only after the run and any detected reply
// have been durably recorded.
type CheckpointAdvance struct {
	Mailbox      string `json:"mailbox"`
	FromPosition string `json:"from_position"`
	ToPosition   string `json:"to_position"`
}

// LayerResult is the outcome of one detection layer within a run. Healthy
// means the layer reached the provider without infrastructure failure; a
// healthy layer can still find nothing.
type LayerResult struct {
	Layer           string             `json:"layer"`
	Healthy         bool               `json:"healthy"`
	Found           bool               `json:"found"`
	Evidence        *ReplyEvidence     `json:"evidence,omitempty"`
	MessagesScanned int                `json:"messages_scanned"`
	QueriesIssued   []string           `json:"queries_issued,omitempty"`
	DurationMs      int64              `json:"duration_ms"`
	Error           string             `json:"error,omitempty"`
	ErrorKind       string             `json:"error_kind,omitempty"`
	Checkpoint      *CheckpointAdvance `json:"checkpoint,omitempty"`
}

// QuorumResult is the consensus verdict over one run's layer results.
type QuorumResult struct {
	QuorumMet     bool     `json:"quorum_met"`
	ReplyFound    bool     `json:"reply_found"`
	HealthyLayers []string `json:"healthy_layers"`
	FoundLayers   []string `json:"found_layers"`
	FailedLayers  []string `json:"failed_layers"`
}

// Run is the immutable record of one execution attempt of a job. Runs are
// never updated or deleted; they are the audit trail.
type Run struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id"`
	RunNumber  int           `json:"run_number"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Layers     []LayerResult `json:"layers"`
	Quorum     QuorumResult  `json:"quorum"`
	Outcome    string        `json:"outcome"`
	Error      string        `json:"error,omitempty"`
}
