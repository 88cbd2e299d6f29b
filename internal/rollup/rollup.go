// Package rollup closes metric periods: on each tick it aggregates the
// most recently completed hourly, daily, and weekly windows into write-once
// snapshot rows.
package rollup

import (
	"context"
	"fmt"
	"log"
	"time"

	"replywatch/internal/config"
	"replywatch/internal/models"
	"replywatch/internal/telemetry"
)

// Store is the aggregation surface the roller reads and writes.
type Store interface {
	ComputeSnapshot(ctx context.Context, periodType string, start, end time.Time) (models.MetricsSnapshot, error)
	InsertSnapshot(ctx context.Context, snap models.MetricsSnapshot) (bool, error)
	RaiseAnomaly(ctx context.Context, a models.Anomaly) (models.Anomaly, error)
}

// Roller materializes closed periods into metrics snapshots.
type Roller struct {
	cfg   config.Config
	store Store
}

func New(cfg config.Config, st Store) *Roller {
	return &Roller{cfg: cfg, store: st}
}

// Run rolls up on the configured interval until the context is cancelled.
func (r *Roller) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.RollupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		r.RollUp(ctx, time.Now())
	}
}

// RollUp closes every period that ended before now. The write-once insert
// makes concurrent rollers harmless: only one snapshot per period lands.
func (r *Roller) RollUp(ctx context.Context, now time.Time) {
	for _, period := range []struct {
		typ        string
		start, end time.Time
	}{
		{models.PeriodHourly, now.Truncate(time.Hour).Add(-time.Hour), now.Truncate(time.Hour)},
		{models.PeriodDaily, dayStart(now).AddDate(0, 0, -1), dayStart(now)},
		{models.PeriodWeekly, weekStart(now).AddDate(0, 0, -7), weekStart(now)},
	} {
		if err := r.close(ctx, period.typ, period.start, period.end); err != nil {
			log.Printf("rollup %s: %v", period.typ, err)
			r.raiseFailure(ctx, period.typ, err)
		}
	}
}

func (r *Roller) close(ctx context.Context, periodType string, start, end time.Time) error {
	snap, err := r.store.ComputeSnapshot(ctx, periodType, start, end)
	if err != nil {
		return fmt.Errorf("compute: %w", err)
	}
	written, err := r.store.InsertSnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	if written {
		log.Printf("rollup %s: closed period %s jobs=%d replies=%d",
			periodType, start.Format(time.RFC3339), snap.JobsProcessed, snap.RepliesFound)
	}
	return nil
}

func (r *Roller) raiseFailure(ctx context.Context, periodType string, cause error) {
	_, err := r.store.RaiseAnomaly(ctx, models.Anomaly{
		Type:     models.AnomalyRollupFailure,
		Severity: models.SeverityLow,
		Details:  map[string]any{"period_type": periodType, "error": cause.Error()},
	})
	if err != nil {
		log.Printf("raise rollup anomaly: %v", err)
		return
	}
	telemetry.AnomaliesRaised.Inc()
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// weekStart truncates to the most recent Monday 00:00 UTC.
func weekStart(t time.Time) time.Time {
	d := dayStart(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}
