package rollup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replywatch/internal/config"
	"replywatch/internal/models"
)

type fakeStore struct {
	computed  []string
	inserted  []models.MetricsSnapshot
	existing  map[string]bool
	computeErr error
	anomalies []models.Anomaly
}

func (f *fakeStore) ComputeSnapshot(_ context.Context, periodType string, start, end time.Time) (models.MetricsSnapshot, error) {
	if f.computeErr != nil {
		return models.MetricsSnapshot{}, f.computeErr
	}
	f.computed = append(f.computed, periodType)
	return models.MetricsSnapshot{PeriodType: periodType, PeriodStart: start, PeriodEnd: end}, nil
}

func (f *fakeStore) InsertSnapshot(_ context.Context, snap models.MetricsSnapshot) (bool, error) {
	if f.existing == nil {
		f.existing = make(map[string]bool)
	}
	key := snap.PeriodType + snap.PeriodStart.String()
	if f.existing[key] {
		return false, nil
	}
	f.existing[key] = true
	f.inserted = append(f.inserted, snap)
	return true, nil
}

func (f *fakeStore) RaiseAnomaly(_ context.Context, a models.Anomaly) (models.Anomaly, error) {
	f.anomalies = append(f.anomalies, a)
	return a, nil
}

func TestRollUpClosesAllPeriods(t *testing.T) {
	fs := &fakeStore{}
	r := New(config.Config{RollupInterval: time.Minute}, fs)

	now := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC) // a Wednesday
	r.RollUp(context.Background(), now)

	require.Len(t, fs.inserted, 3)

	hourly := fs.inserted[0]
	assert.Equal(t, models.PeriodHourly, hourly.PeriodType)
	assert.Equal(t, time.Date(2026, 8, 12, 9, 0, 0, 0, time.UTC), hourly.PeriodStart)
	assert.Equal(t, time.Date(2026, 8, 12, 10, 0, 0, 0, time.UTC), hourly.PeriodEnd)

	daily := fs.inserted[1]
	assert.Equal(t, time.Date(2026, 8, 11, 0, 0, 0, 0, time.UTC), daily.PeriodStart)

	weekly := fs.inserted[2]
	// Week starts Monday 00:00 UTC; the closed week is Aug 3 through Aug 10.
	assert.Equal(t, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC), weekly.PeriodStart)
	assert.Equal(t, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), weekly.PeriodEnd)
}

func TestRollUpIsWriteOnce(t *testing.T) {
	fs := &fakeStore{}
	r := New(config.Config{}, fs)

	now := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)
	r.RollUp(context.Background(), now)
	r.RollUp(context.Background(), now)

	// Second pass recomputes but inserts nothing new.
	assert.Len(t, fs.inserted, 3)
	assert.Len(t, fs.computed, 6)
	assert.Empty(t, fs.anomalies)
}

func TestRollUpFailureRaisesAnomaly(t *testing.T) {
	fs := &fakeStore{computeErr: errors.New("db down")}
	r := New(config.Config{}, fs)

	r.RollUp(context.Background(), time.Now())

	require.Len(t, fs.anomalies, 3)
	assert.Equal(t, models.AnomalyRollupFailure, fs.anomalies[0].Type)
	assert.Equal(t, models.SeverityLow, fs.anomalies[0].Severity)
}

func TestWeekStart(t *testing.T) {
	// Monday itself maps to the same day.
	mon := time.Date(2026, 8, 10, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), weekStart(mon))
	// Sunday maps back to the preceding Monday.
	sun := time.Date(2026, 8, 16, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), weekStart(sun))
}
