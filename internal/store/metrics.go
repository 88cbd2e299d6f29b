package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"replywatch/internal/models"
)

// ComputeSnapshot aggregates run, reply, dead-letter, and anomaly activity
// for one period. It reads only immutable history, so recomputing a period
// always yields the same numbers.
func (s *Store) ComputeSnapshot(ctx context.Context, periodType string, start, end time.Time) (models.MetricsSnapshot, error) {
	snap := models.MetricsSnapshot{
		PeriodType:  periodType,
		PeriodStart: start,
		PeriodEnd:   end,
		LayerHealth: map[string]models.LayerHealthStat{},
	}

	var p50, p95, p99 float64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE outcome = $3),
			COUNT(*) FILTER (WHERE outcome = $4),
			COUNT(*) FILTER (WHERE outcome = $5),
			COUNT(*) FILTER (WHERE NOT (quorum->>'quorum_met')::bool),
			COALESCE(PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY EXTRACT(EPOCH FROM finished_at - started_at) * 1000), 0),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY EXTRACT(EPOCH FROM finished_at - started_at) * 1000), 0),
			COALESCE(PERCENTILE_CONT(0.99) WITHIN GROUP (ORDER BY EXTRACT(EPOCH FROM finished_at - started_at) * 1000), 0)
		FROM runs WHERE finished_at >= $1 AND finished_at < $2
	`, start, end, models.RunSuccess, models.RunFailed, models.RunPartial).Scan(
		&snap.JobsProcessed, &snap.Succeeded, &snap.Failed, &snap.Retried,
		&snap.QuorumFailures, &p50, &p95, &p99)
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("aggregate runs: %w", err)
	}
	snap.LatencyP50Ms, snap.LatencyP95Ms, snap.LatencyP99Ms = int64(p50), int64(p95), int64(p99)

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM dead_letters WHERE created_at >= $1 AND created_at < $2
	`, start, end).Scan(&snap.DeadLettered)
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("count dead letters: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM replies WHERE created_at >= $1 AND created_at < $2
	`, start, end).Scan(&snap.RepliesFound)
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("count replies: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM anomalies WHERE created_at >= $1 AND created_at < $2
	`, start, end).Scan(&snap.AnomalyCount)
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("count anomalies: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT l->>'layer',
			COUNT(*),
			COUNT(*) FILTER (WHERE (l->>'healthy')::bool),
			COUNT(*) FILTER (WHERE (l->>'found')::bool)
		FROM runs, jsonb_array_elements(runs.layers) AS l
		WHERE finished_at >= $1 AND finished_at < $2
		GROUP BY 1
	`, start, end)
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("aggregate layer health: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var stat models.LayerHealthStat
		if err := rows.Scan(&name, &stat.Executed, &stat.Healthy, &stat.Found); err != nil {
			return models.MetricsSnapshot{}, fmt.Errorf("scan layer health: %w", err)
		}
		snap.LayerHealth[name] = stat
	}
	return snap, rows.Err()
}

// InsertSnapshot writes a period snapshot. Snapshots are write-once: a
// conflicting period insert is a no-op and reports written=false.
func (s *Store) InsertSnapshot(ctx context.Context, snap models.MetricsSnapshot) (bool, error) {
	layerJSON, err := json.Marshal(snap.LayerHealth)
	if err != nil {
		return false, fmt.Errorf("marshal layer health: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO metrics_snapshots (period_type, period_start, period_end,
			jobs_processed, succeeded, failed, retried, dead_lettered, replies_found,
			quorum_failures, anomaly_count, layer_health,
			latency_p50_ms, latency_p95_ms, latency_p99_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (period_type, period_start) DO NOTHING
	`, snap.PeriodType, snap.PeriodStart, snap.PeriodEnd,
		snap.JobsProcessed, snap.Succeeded, snap.Failed, snap.Retried,
		snap.DeadLettered, snap.RepliesFound, snap.QuorumFailures, snap.AnomalyCount,
		layerJSON, snap.LatencyP50Ms, snap.LatencyP95Ms, snap.LatencyP99Ms)
	if err != nil {
		return false, fmt.Errorf("insert snapshot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSnapshots returns snapshots for a period type, newest first.
func (s *Store) ListSnapshots(ctx context.Context, periodType string, limit int) ([]models.MetricsSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT period_type, period_start, period_end, jobs_processed, succeeded, failed,
			retried, dead_lettered, replies_found, quorum_failures, anomaly_count,
			layer_health, latency_p50_ms, latency_p95_ms, latency_p99_ms, created_at
		FROM metrics_snapshots
		WHERE ($1 = '' OR period_type = $1)
		ORDER BY period_start DESC LIMIT $2
	`, periodType, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.MetricsSnapshot
	for rows.Next() {
		var snap models.MetricsSnapshot
		var layerJSON []byte
		if err := rows.Scan(&snap.PeriodType, &snap.PeriodStart, &snap.PeriodEnd,
			&snap.JobsProcessed, &snap.Succeeded, &snap.Failed, &snap.Retried,
			&snap.DeadLettered, &snap.RepliesFound, &snap.QuorumFailures, &snap.AnomalyCount,
			&layerJSON, &snap.LatencyP50Ms, &snap.LatencyP95Ms, &snap.LatencyP99Ms,
			&snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := json.Unmarshal(layerJSON, &snap.LayerHealth); err != nil {
			return nil, fmt.Errorf("unmarshal layer health: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
