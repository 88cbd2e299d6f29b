package models

import (
	"fmt"
	"time"
)

// Job statuses persisted in Postgres. A job is terminal in verified, dead,
// and cancelled; everything else remains eligible for scheduling.
const (
	JobPending   = "pending"
	JobQueued    = "queued"
	JobExecuting = "executing"
	JobVerified  = "verified"
	JobFailed    = "failed"
	JobDead      = "dead"
	JobCancelled = "cancelled"
)

// Job types describe why a job exists.
const (
	TypeOnSend         = "on_send"
	TypeScheduled      = "scheduled"
	TypeReconciliation = "reconciliation"
	TypeManualRecheck  = "manual_recheck"
	TypeHistorySync    = "history_sync"
)

// Job is the unit of reply-detection work for one outbound message.
type Job struct {
	ID        string     `json:"id"`
	Tenant    string     `json:"tenant"`
	MessageID string     `json:"message_id"`
	ContactID string     `json:"contact_id"`
	Mailbox   string     `json:"mailbox"`
	Provider  string     `json:"provider"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	Priority  int        `json:"priority"`
	Payload   JobPayload `json:"payload"`

	ScheduledFor time.Time  `json:"scheduled_for"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// Outcome summary of the most recent run.
	LayersExecuted int  `json:"layers_executed"`
	LayersHealthy  int  `json:"layers_healthy"`
	QuorumMet      bool `json:"quorum_met"`
	ReplyFound     bool `json:"reply_found"`

	LastError  *string `json:"last_error,omitempty"`
	ErrorCount int     `json:"error_count"`

	// CancelRequested marks an executing job whose cancellation arrived
	// mid-run; it finishes the run but is never re-queued.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the job can never be scheduled again.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobVerified, JobDead, JobCancelled:
		return true
	}
	return false
}

// JobPayload is a closed tagged union: Kind names the job type and the
// matching typed field carries its context. Free-form metadata maps are
// deliberately not supported.
type JobPayload struct {
	Kind           string                 `json:"kind"`
	OnSend         *OnSendPayload         `json:"on_send,omitempty"`
	Scheduled      *ScheduledPayload      `json:"scheduled,omitempty"`
	Reconciliation *ReconciliationPayload `json:"reconciliation,omitempty"`
	ManualRecheck  *ManualRecheckPayload  `json:"manual_recheck,omitempty"`
	HistorySync    *HistorySyncPayload    `json:"history_sync,omitempty"`
}

// OnSendPayload carries the trigger context of an outbound-send event.
type OnSendPayload struct {
	SentAt       time.Time     `json:"sent_at"`
	InitialDelay time.Duration `json:"initial_delay"`
}

// ScheduledPayload marks a job created by a recurring schedule.
type ScheduledPayload struct {
	Cadence string `json:"cadence"`
}

// ReconciliationPayload links a job back to the sweep run that created it.
type ReconciliationPayload struct {
	SweepID     string    `json:"sweep_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// ManualRecheckPayload records who requested the recheck and, when the job
// was re-armed from a dead-letter entry, which one.
type ManualRecheckPayload struct {
	RequestedBy  string `json:"requested_by"`
	DeadLetterID string `json:"dead_letter_id,omitempty"`
}

// HistorySyncPayload scopes a job to a single mailbox delta scan.
type HistorySyncPayload struct {
	Mailbox string `json:"mailbox"`
}

// Validate checks that exactly the variant matching Kind is set.
func (p JobPayload) Validate() error {
	variants := map[string]bool{
		TypeOnSend:         p.OnSend != nil,
		TypeScheduled:      p.Scheduled != nil,
		TypeReconciliation: p.Reconciliation != nil,
		TypeManualRecheck:  p.ManualRecheck != nil,
		TypeHistorySync:    p.HistorySync != nil,
	}
	want, known := variants[p.Kind]
	if !known {
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	// on_send and scheduled tolerate an empty variant; the rest require one.
	switch p.Kind {
	case TypeReconciliation, TypeManualRecheck, TypeHistorySync:
		if !want {
			return fmt.Errorf("%s payload variant is required", p.Kind)
		}
	}
	for kind, set := range variants {
		if set && kind != p.Kind {
			return fmt.Errorf("payload kind %q carries %s variant", p.Kind, kind)
		}
	}
	return nil
}
