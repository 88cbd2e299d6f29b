package models

import "time"

// Snapshot periods.
const (
	PeriodHourly = "hourly"
	PeriodDaily  = "daily"
	PeriodWeekly = "weekly"
)

// LayerHealthStat aggregates one layer's behavior over a period.
type LayerHealthStat struct {
	Executed int `json:"executed"`
	Healthy  int `json:"healthy"`
	Found    int `json:"found"`
}

// MetricsSnapshot is a write-once per-period aggregate. Once the period is
// closed and the row written it is never updated.
type MetricsSnapshot struct {
	PeriodType  string    `json:"period_type"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	JobsProcessed  int `json:"jobs_processed"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	Retried        int `json:"retried"`
	DeadLettered   int `json:"dead_lettered"`
	RepliesFound   int `json:"replies_found"`
	QuorumFailures int `json:"quorum_failures"`
	AnomalyCount   int `json:"anomaly_count"`

	LayerHealth map[string]LayerHealthStat `json:"layer_health,omitempty"`

	LatencyP50Ms int64 `json:"latency_p50_ms"`
	LatencyP95Ms int64 `json:"latency_p95_ms"`
	LatencyP99Ms int64 `json:"latency_p99_ms"`

	CreatedAt time.Time `json:"created_at"`
}
