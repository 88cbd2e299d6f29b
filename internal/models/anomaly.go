package models

import "time"

// Anomaly severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Anomaly statuses.
const (
	AnomalyOpen          = "open"
	AnomalyInvestigating = "investigating"
	AnomalyResolved      = "resolved"
	AnomalyWontFix       = "wont_fix"
)

// Anomaly types raised by the core.
const (
	AnomalyQuorumFailure     = "quorum_failure"
	AnomalyLayerTimeout      = "layer_timeout"
	AnomalyAuthExpired       = "auth_expired"
	AnomalyCheckpointStalled = "checkpoint_stalled"
	AnomalyLateDetection     = "late_detection"
	AnomalySweepFailure      = "sweep_failure"
	AnomalyRollupFailure     = "rollup_failure"
)

// Anomaly is a structured signal that something is statistically or
// logically wrong even absent a hard job failure.
type Anomaly struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	Mailbox    string         `json:"mailbox,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Status     string         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Alertable reports whether the anomaly must be pushed to the external
// alerting channel.
func (a Anomaly) Alertable() bool {
	return a.Severity == SeverityHigh || a.Severity == SeverityCritical
}
