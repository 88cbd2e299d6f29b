// Package sweeper is the reconciliation safety net: it periodically finds
// outbound messages inside the watch window that have no reply and no job
// watching them, and re-arms detection for each.
package sweeper

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"replywatch/internal/config"
	"replywatch/internal/models"
	"replywatch/internal/store"
	"replywatch/internal/telemetry"
)

// Store is the persistence surface the sweeper scans and writes through.
type Store interface {
	UnwatchedMessages(ctx context.Context, windowStart, graceCutoff time.Time, limit int) ([]models.OutboundMessage, error)
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	RecordSweepRun(ctx context.Context, sr models.SweepRun) error
	RaiseAnomaly(ctx context.Context, a models.Anomaly) (models.Anomaly, error)
}

// Queue enqueues the reconciliation jobs a sweep creates.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, priority int, runAt time.Time) error
}

// Sweeper runs the reconciliation loop.
type Sweeper struct {
	cfg   config.Config
	store Store
	queue Queue
}

func New(cfg config.Config, st Store, q Queue) *Sweeper {
	return &Sweeper{cfg: cfg, store: st, queue: q}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := s.Sweep(ctx); err != nil {
			log.Printf("sweep: %v", err)
		}
	}
}

// Sweep executes one reconciliation pass. Messages younger than the grace
// window are skipped so the sweeper never races a job that is merely
// waiting out its initial delay. Job creation is idempotent per message,
// so overlapping sweeps cannot double-arm anything.
func (s *Sweeper) Sweep(ctx context.Context) (models.SweepRun, error) {
	now := time.Now()
	sr := models.SweepRun{
		ID:          ulid.Make().String(),
		StartedAt:   now,
		WindowStart: now.Add(-s.cfg.SweepWatchWindow),
		WindowEnd:   now.Add(-s.cfg.SweepGraceWindow),
	}

	messages, err := s.store.UnwatchedMessages(ctx, sr.WindowStart, sr.WindowEnd, s.cfg.SweepBatchSize)
	if err != nil {
		s.raiseFailure(ctx, fmt.Sprintf("list unwatched messages: %v", err))
		return sr, fmt.Errorf("list unwatched messages: %w", err)
	}
	sr.Checked = len(messages)

	var created, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, msg := range messages {
		g.Go(func() error {
			armed, err := s.arm(gctx, msg, sr)
			if err != nil {
				log.Printf("sweep %s: message %s: %v", sr.ID, msg.ID, err)
				failed.Add(1)
				return nil
			}
			if armed {
				created.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sr, err
	}
	sr.Created = int(created.Load())
	sr.Errors = int(failed.Load())
	sr.FinishedAt = time.Now()

	if err := s.store.RecordSweepRun(ctx, sr); err != nil {
		log.Printf("sweep %s: record: %v", sr.ID, err)
	}
	if sr.Errors > 0 {
		s.raiseFailure(ctx, fmt.Sprintf("sweep %s: %d of %d messages failed to arm", sr.ID, sr.Errors, sr.Checked))
	}
	log.Printf("sweep %s: checked=%d created=%d errors=%d", sr.ID, sr.Checked, sr.Created, sr.Errors)
	return sr, nil
}

// arm creates and enqueues one reconciliation job for an unwatched message.
// Returns false when an active job already existed for the message.
func (s *Sweeper) arm(ctx context.Context, msg models.OutboundMessage, sr models.SweepRun) (bool, error) {
	job, reused, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Tenant:    msg.Tenant,
		MessageID: msg.ID,
		ContactID: msg.ContactID,
		Mailbox:   msg.Mailbox,
		Provider:  msg.Provider,
		Type:      models.TypeReconciliation,
		Payload: models.JobPayload{
			Kind: models.TypeReconciliation,
			Reconciliation: &models.ReconciliationPayload{
				SweepID:     sr.ID,
				WindowStart: sr.WindowStart,
				WindowEnd:   sr.WindowEnd,
			},
		},
		ScheduledFor: time.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("create job: %w", err)
	}
	if reused {
		return false, nil
	}
	if err := s.queue.Enqueue(ctx, job.ID, job.Priority, time.Now()); err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	telemetry.SweepJobsCreated.Inc()
	return true, nil
}

func (s *Sweeper) raiseFailure(ctx context.Context, detail string) {
	_, err := s.store.RaiseAnomaly(ctx, models.Anomaly{
		Type:     models.AnomalySweepFailure,
		Severity: models.SeverityMedium,
		Details:  map[string]any{"detail": detail},
	})
	if err != nil {
		log.Printf("raise sweep anomaly: %v", err)
		return
	}
	telemetry.AnomaliesRaised.Inc()
}
