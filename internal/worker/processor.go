package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"replywatch/internal/config"
	"replywatch/internal/detect"
	"replywatch/internal/models"
	"replywatch/internal/notify"
	"replywatch/internal/provider"
	"replywatch/internal/store"
	"replywatch/internal/telemetry"
)

// Store is the persistence surface the processor drives job state through.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	LeaseJob(ctx context.Context, id string) (models.Job, bool, error)
	MarkVerified(ctx context.Context, id string, sum store.RunSummary) error
	RecordRetry(ctx context.Context, id string, attempts int, nextRetryAt time.Time, lastErr string, sum store.RunSummary) error
	MarkDead(ctx context.Context, id string, attempts int, lastErr string, sum store.RunSummary) error
	RetireCancelled(ctx context.Context, id string) error
	AppendRun(ctx context.Context, run models.Run) (models.Run, error)
	RunsForJob(ctx context.Context, jobID string) ([]models.Run, error)
	SaveReply(ctx context.Context, r models.Reply) (bool, error)
	GetOutboundMessage(ctx context.Context, id string) (models.OutboundMessage, error)
	GetContact(ctx context.Context, id string) (models.Contact, error)
	AdvanceCheckpoint(ctx context.Context, mailbox, fromPosition, toPosition string) error
	RecordCheckpointError(ctx context.Context, mailbox string) (int, error)
	SetSyncStatus(ctx context.Context, mailbox, status string) error
	CreateDeadLetter(ctx context.Context, e models.DeadLetterEntry) (models.DeadLetterEntry, error)
	RaiseAnomaly(ctx context.Context, a models.Anomaly) (models.Anomaly, error)
	ConsecutiveQuorumFailures(ctx context.Context, jobID string) (int, error)
}

// Queue is the scheduling surface the processor consumes jobs from.
type Queue interface {
	Schedule(ctx context.Context, jobID string, priority int, runAt time.Time) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Limiter throttles provider access per mailbox.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// errProviderDown feeds the per-mailbox circuit breaker: a run where every
// layer failed on infrastructure counts as one provider failure.
var errProviderDown = errors.New("provider unavailable")

// Processor runs detection jobs: it leases work from the queue, executes
// the layer set against the provider, evaluates quorum, and persists the
// run before touching any job state or checkpoint.
type Processor struct {
	cfg         config.Config
	store       Store
	queue       Queue
	providers   *provider.Registry
	detectors   *detect.Registry
	checkpoints *detect.CheckpointCache
	limiter     Limiter
	notifier    notify.Notifier
	breakers    *breakerSet
}

func NewProcessor(
	cfg config.Config,
	st Store,
	q Queue,
	providers *provider.Registry,
	detectors *detect.Registry,
	checkpoints *detect.CheckpointCache,
	limiter Limiter,
	notifier notify.Notifier,
) *Processor {
	return &Processor{
		cfg:         cfg,
		store:       st,
		queue:       q,
		providers:   providers,
		detectors:   detectors,
		checkpoints: checkpoints,
		limiter:     limiter,
		notifier:    notifier,
		breakers:    newBreakerSet(),
	}
}

// Run starts the worker pool plus one housekeeping loop and blocks until
// the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.housekeep(ctx) })
	for i := 0; i < p.cfg.WorkerCount; i++ {
		g.Go(func() error { return p.loop(ctx) })
	}
	return g.Wait()
}

// housekeep promotes scheduled jobs, reclaims expired leases, and keeps the
// queue depth gauge fresh.
func (p *Processor) housekeep(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
			log.Printf("promote scheduled: %v", err)
		}
		reclaimed, err := p.queue.RequeueExpired(ctx, now, int64(p.cfg.ScheduledBatchSize))
		if err != nil {
			log.Printf("requeue expired: %v", err)
		} else if len(reclaimed) > 0 {
			log.Printf("reclaimed %d expired leases", len(reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (p *Processor) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			log.Printf("dequeue: %v", err)
			p.idle(ctx)
			continue
		}
		if jobID == "" {
			p.idle(ctx)
			continue
		}
		p.process(ctx, jobID)
	}
}

func (p *Processor) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.WorkerPollInterval):
	}
}

// process executes one dequeued job end to end. It acks the queue entry
// only once the job's state has been durably settled; leaving the entry
// in-flight lets the lease reclaim path retry after a crash.
func (p *Processor) process(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.ack(ctx, jobID)
		} else {
			log.Printf("job %s: load: %v", jobID, err)
		}
		return
	}
	if job.Terminal() {
		p.ack(ctx, jobID)
		return
	}

	// Paused, errored, and token-expired mailboxes defer their jobs
	// without consuming attempts.
	if cp, err := p.checkpoints.Get(ctx, job.Mailbox); err == nil && !cp.Schedulable() {
		p.deferQueued(ctx, job, p.cfg.BackoffInitial)
		return
	}

	if allowed, _, err := p.limiter.Allow(ctx, "mailbox:"+job.Mailbox); err == nil && !allowed {
		telemetry.RateLimitRejects.Inc()
		p.deferQueued(ctx, job, 5*time.Second)
		return
	}

	cb := p.breakers.forMailbox(job.Mailbox)
	if cb.State() == gobreaker.StateOpen {
		p.deferQueued(ctx, job, p.cfg.BackoffInitial)
		return
	}

	leased, ok, err := p.store.LeaseJob(ctx, job.ID)
	if err != nil {
		log.Printf("job %s: lease: %v", job.ID, err)
		return
	}
	if !ok {
		// Someone else holds it, or it went terminal since dequeue.
		p.ack(ctx, jobID)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// Layers share one deadline but settlement still hits Postgres; renew
	// the lease so a slow run is not reclaimed mid-settlement.
	if err := p.queue.ExtendLease(ctx, job.ID, 2*p.detectors.LayerTimeoutFor(job.Provider, p.cfg.LayerTimeout)); err != nil {
		log.Printf("job %s: extend lease: %v", job.ID, err)
	}

	var run models.Run
	var kind string
	_, cbErr := cb.Execute(func() (any, error) {
		run, kind = p.executeRun(ctx, leased)
		if kind == models.ErrKindTransient || kind == models.ErrKindRateLimit {
			return nil, errProviderDown
		}
		return nil, nil
	})
	if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
		// Breaker tripped between the pre-lease check and here. Put the
		// job back without charging an attempt.
		next := time.Now().Add(p.cfg.BackoffInitial)
		if err := p.store.RecordRetry(ctx, leased.ID, leased.Attempts, next, "provider unavailable", summaryOf(run)); err != nil {
			log.Printf("job %s: defer: %v", leased.ID, err)
			return
		}
		p.schedule(ctx, leased, next)
		p.ack(ctx, leased.ID)
		return
	}

	persisted, err := p.store.AppendRun(ctx, run)
	if err != nil {
		// Without the audit record nothing else may move; the lease will
		// expire and the attempt repeats.
		log.Printf("job %s: append run: %v", leased.ID, err)
		return
	}
	telemetry.RunDuration.Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	p.noteLayerResults(ctx, leased, run)

	// Cancellation can land while the run executes; the lease-time snapshot
	// would miss it and re-queue a cancelled job.
	if cur, err := p.store.GetJob(ctx, leased.ID); err == nil {
		leased.CancelRequested = cur.CancelRequested
	}

	sum := summaryOf(run)

	if kind == models.ErrKindAuth {
		if p.failAuth(ctx, leased, sum) {
			p.ack(ctx, leased.ID)
		}
		return
	}

	switch {
	case run.Quorum.ReplyFound:
		if !p.settleFound(ctx, leased, persisted, run, sum) {
			return
		}
	case run.Quorum.QuorumMet:
		// Healthy consensus, no reply anywhere: a verified no-match.
		p.commitCheckpoints(ctx, run.Layers)
		if leased.CancelRequested {
			p.retire(ctx, leased.ID)
		} else if err := p.store.MarkVerified(ctx, leased.ID, sum); err != nil {
			log.Printf("job %s: verify: %v", leased.ID, err)
			return
		} else {
			telemetry.JobsVerified.Inc()
		}
	default:
		if !p.settlePartial(ctx, leased, run, sum) {
			return
		}
	}
	p.ack(ctx, leased.ID)
}

// executeRun opens the mailbox, fans the layer set out in parallel with
// per-layer deadlines, and evaluates quorum. The returned kind classifies
// run-level failure: auth fails fast, transient and rate_limit feed the
// breaker and the retry path.
func (p *Processor) executeRun(ctx context.Context, job models.Job) (models.Run, string) {
	run := models.Run{JobID: job.ID, StartedAt: time.Now()}

	conn, ok := p.providers.Connector(job.Provider)
	if !ok {
		return finishRun(run, fmt.Sprintf("no connector for provider %q", job.Provider)), models.ErrKindNone
	}
	mbx, err := conn.Open(ctx, job.Mailbox)
	if err != nil {
		return finishRun(run, fmt.Sprintf("open mailbox: %v", err)), classifyOpen(err)
	}

	outbound, err := p.store.GetOutboundMessage(ctx, job.MessageID)
	if err != nil {
		return finishRun(run, fmt.Sprintf("load message: %v", err)), models.ErrKindTransient
	}
	contact, err := p.store.GetContact(ctx, job.ContactID)
	if err != nil {
		return finishRun(run, fmt.Sprintf("load contact: %v", err)), models.ErrKindTransient
	}
	in := detect.Input{Outbound: outbound, Contact: contact}

	layers := p.detectors.LayersFor(job.Provider)
	timeout := p.detectors.LayerTimeoutFor(job.Provider, p.cfg.LayerTimeout)
	results := make([]models.LayerResult, len(layers))

	var wg sync.WaitGroup
	for i, l := range layers {
		wg.Add(1)
		go func(i int, l detect.Layer) {
			defer wg.Done()
			results[i] = p.runLayer(ctx, l, mbx, in, timeout)
		}(i, l)
	}
	wg.Wait()

	run.Layers = results
	run.Quorum = p.detectors.QuorumFor(job.Provider).Evaluate(results)
	run.FinishedAt = time.Now()
	if run.Quorum.QuorumMet {
		// A failed layer inside a passing quorum is absorbed, never
		// escalated.
		run.Outcome = models.RunSuccess
		return run, models.ErrKindNone
	}
	run.Outcome = models.RunPartial
	run.Error = fmt.Sprintf("quorum not met: %d/%d layers healthy",
		len(run.Quorum.HealthyLayers), len(run.Layers))
	return run, runErrorKind(run)
}

// runLayer executes one layer under its own deadline. The select guards
// against a provider client that ignores context cancellation; the stuck
// goroutine is abandoned and its mailbox handle dies with the run.
func (p *Processor) runLayer(ctx context.Context, l detect.Layer, mbx provider.Mailbox, in detect.Input, timeout time.Duration) models.LayerResult {
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan models.LayerResult, 1)
	go func() { done <- l.Execute(lctx, mbx, in) }()

	select {
	case res := <-done:
		return res
	case <-lctx.Done():
		return models.LayerResult{
			Layer:      l.Name(),
			Healthy:    false,
			Error:      "layer deadline exceeded",
			ErrorKind:  models.ErrKindTransient,
			DurationMs: timeout.Milliseconds(),
		}
	}
}

// settleFound persists the detected reply, commits any pending checkpoint
// advances, and verifies the job. Persistence order matters: reply before
// checkpoint before job state, so a crash anywhere repeats work instead of
// losing it. Returns false when the lease should be left to expire.
func (p *Processor) settleFound(ctx context.Context, job models.Job, persisted models.Run, run models.Run, sum store.RunSummary) bool {
	ev, layer := detect.BestEvidence(run.Layers)
	if ev == nil {
		log.Printf("job %s: quorum found a reply but no layer carries evidence", job.ID)
		return false
	}
	written, err := p.store.SaveReply(ctx, models.Reply{
		ProviderMessageID: ev.ProviderMessageID,
		OutboundMessageID: job.MessageID,
		ThreadID:          ev.ThreadID,
		From:              ev.From,
		To:                ev.To,
		ReceivedAt:        ev.ReceivedAt,
		DetectedBy:        layer,
		RunID:             persisted.ID,
	})
	if err != nil {
		log.Printf("job %s: save reply: %v", job.ID, err)
		return false
	}
	if written {
		telemetry.RepliesFound.Inc()
	}
	if time.Since(ev.ReceivedAt) > 24*time.Hour {
		p.raiseAnomaly(ctx, models.Anomaly{
			Type:     models.AnomalyLateDetection,
			Severity: models.SeverityLow,
			Mailbox:  job.Mailbox,
			JobID:    job.ID,
			Details: map[string]any{
				"received_at": ev.ReceivedAt,
				"detected_by": layer,
				"job_type":    job.Type,
			},
		})
	}
	p.commitCheckpoints(ctx, run.Layers)
	if err := p.store.MarkVerified(ctx, job.ID, sum); err != nil {
		log.Printf("job %s: verify: %v", job.ID, err)
		return false
	}
	telemetry.JobsVerified.Inc()
	return true
}

// settlePartial handles a run that missed quorum: retry with backoff or
// promote to the dead-letter store. Returns false when job state could not
// be settled and the lease should be left to expire.
func (p *Processor) settlePartial(ctx context.Context, job models.Job, run models.Run, sum store.RunSummary) bool {
	if run.Outcome == models.RunPartial {
		telemetry.QuorumFailures.Inc()
	}

	if job.CancelRequested {
		p.retire(ctx, job.ID)
		return true
	}

	if n, err := p.store.ConsecutiveQuorumFailures(ctx, job.ID); err == nil && n >= 2 {
		p.raiseAnomaly(ctx, models.Anomaly{
			Type:     models.AnomalyQuorumFailure,
			Severity: models.SeverityMedium,
			Mailbox:  job.Mailbox,
			JobID:    job.ID,
			Details:  map[string]any{"consecutive_failures": n},
		})
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		return p.deadLetter(ctx, job, attempts, run.Error, sum, false)
	}

	delay := withJitter(retryDelay(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	next := time.Now().Add(delay)
	if err := p.store.RecordRetry(ctx, job.ID, attempts, next, run.Error, sum); err != nil {
		log.Printf("job %s: record retry: %v", job.ID, err)
		return false
	}
	p.schedule(ctx, job, next)
	telemetry.JobsRetried.Inc()
	return true
}

// failAuth handles an expired or revoked credential: the mailbox is marked
// token_expired so nothing else schedules against it, and the job goes
// straight to the dead-letter store flagged for manual review. Retrying
// cannot fix a dead credential. Returns false when dead-lettering did not
// complete and the lease should be left to expire.
func (p *Processor) failAuth(ctx context.Context, job models.Job, sum store.RunSummary) bool {
	if err := p.store.SetSyncStatus(ctx, job.Mailbox, models.SyncTokenExpired); err != nil {
		log.Printf("mailbox %s: mark token expired: %v", job.Mailbox, err)
	}
	p.checkpoints.Invalidate(job.Mailbox)
	p.raiseAnomaly(ctx, models.Anomaly{
		Type:     models.AnomalyAuthExpired,
		Severity: models.SeverityHigh,
		Mailbox:  job.Mailbox,
		JobID:    job.ID,
	})
	return p.deadLetter(ctx, job, job.Attempts+1, "provider credential expired", sum, true)
}

// deadLetter writes the denormalized dead-letter entry with its full
// attempt history, then moves the job to dead. The entry goes first: once
// the job is terminal a redelivery acks without looking at it, so a dead
// job without an entry could never be repaired. Returns false when the
// lease should be left to expire so redelivery retries both writes.
func (p *Processor) deadLetter(ctx context.Context, job models.Job, attempts int, lastErr string, sum store.RunSummary, manualReview bool) bool {
	var history []models.AttemptRecord
	if runs, err := p.store.RunsForJob(ctx, job.ID); err == nil {
		for _, r := range runs {
			history = append(history, models.AttemptRecord{
				Attempt:        r.RunNumber,
				At:             r.FinishedAt,
				Error:          r.Error,
				LayersHealthy:  len(r.Quorum.HealthyLayers),
				LayersExecuted: len(r.Layers),
				QuorumMet:      r.Quorum.QuorumMet,
				Outcome:        r.Outcome,
			})
		}
	}
	entry, err := p.store.CreateDeadLetter(ctx, models.DeadLetterEntry{
		JobID:                job.ID,
		Tenant:               job.Tenant,
		MessageID:            job.MessageID,
		ContactID:            job.ContactID,
		Mailbox:              job.Mailbox,
		Provider:             job.Provider,
		JobType:              job.Type,
		TotalAttempts:        attempts,
		Attempts:             history,
		LastError:            lastErr,
		RequiresManualReview: manualReview,
		ReviewStatus:         models.ReviewPending,
	})
	if err != nil {
		log.Printf("job %s: create dead letter: %v", job.ID, err)
		return false
	}
	if err := p.store.MarkDead(ctx, job.ID, attempts, lastErr, sum); err != nil {
		log.Printf("job %s: mark dead: %v", job.ID, err)
		return false
	}
	telemetry.JobsDeadLettered.Inc()
	if err := p.notifier.JobDeadLettered(ctx, entry); err != nil {
		log.Printf("job %s: dead-letter notify: %v", job.ID, err)
	}
	return true
}

// commitCheckpoints applies the deferred checkpoint advances carried by
// layer results. A conflict means another worker already moved the cursor;
// that is fine, the cache is refreshed and the advance is dropped.
func (p *Processor) commitCheckpoints(ctx context.Context, results []models.LayerResult) {
	for _, res := range results {
		adv := res.Checkpoint
		if adv == nil {
			continue
		}
		err := p.store.AdvanceCheckpoint(ctx, adv.Mailbox, adv.FromPosition, adv.ToPosition)
		switch {
		case errors.Is(err, store.ErrCheckpointConflict):
			p.checkpoints.Invalidate(adv.Mailbox)
		case err != nil:
			log.Printf("mailbox %s: advance checkpoint: %v", adv.Mailbox, err)
		default:
			p.checkpoints.Invalidate(adv.Mailbox)
		}
	}
}

// noteLayerResults feeds telemetry and turns repeated history-layer
// failures into a stalled-checkpoint signal.
func (p *Processor) noteLayerResults(ctx context.Context, job models.Job, run models.Run) {
	for _, res := range run.Layers {
		telemetry.LayerExecutions.WithLabelValues(res.Layer, fmt.Sprintf("%t", res.Healthy)).Inc()
		if res.Healthy {
			continue
		}
		if res.Error == "layer deadline exceeded" {
			p.raiseAnomaly(ctx, models.Anomaly{
				Type:     models.AnomalyLayerTimeout,
				Severity: models.SeverityLow,
				Mailbox:  job.Mailbox,
				JobID:    job.ID,
				Details:  map[string]any{"layer": res.Layer},
			})
		}
		if res.Layer == detect.LayerHistory {
			n, err := p.store.RecordCheckpointError(ctx, job.Mailbox)
			if err != nil || n < p.cfg.CheckpointErrorThreshold {
				continue
			}
			if err := p.store.SetSyncStatus(ctx, job.Mailbox, models.SyncError); err != nil {
				log.Printf("mailbox %s: mark sync error: %v", job.Mailbox, err)
				continue
			}
			p.checkpoints.Invalidate(job.Mailbox)
			p.raiseAnomaly(ctx, models.Anomaly{
				Type:     models.AnomalyCheckpointStalled,
				Severity: models.SeverityMedium,
				Mailbox:  job.Mailbox,
				Details:  map[string]any{"consecutive_errors": n},
			})
		}
	}
}

func (p *Processor) raiseAnomaly(ctx context.Context, a models.Anomaly) {
	saved, err := p.store.RaiseAnomaly(ctx, a)
	if err != nil {
		log.Printf("raise anomaly %s: %v", a.Type, err)
		return
	}
	telemetry.AnomaliesRaised.Inc()
	if saved.Alertable() {
		if err := p.notifier.AnomalyRaised(ctx, saved); err != nil {
			log.Printf("anomaly notify: %v", err)
		}
	}
}

// deferQueued pushes an undispatched job back into the scheduled set
// without touching its attempt count.
func (p *Processor) deferQueued(ctx context.Context, job models.Job, delay time.Duration) {
	p.schedule(ctx, job, time.Now().Add(delay))
	p.ack(ctx, job.ID)
}

func (p *Processor) schedule(ctx context.Context, job models.Job, runAt time.Time) {
	if err := p.queue.Schedule(ctx, job.ID, job.Priority, runAt); err != nil {
		log.Printf("job %s: schedule: %v", job.ID, err)
	}
}

func (p *Processor) retire(ctx context.Context, jobID string) {
	if err := p.store.RetireCancelled(ctx, jobID); err != nil {
		log.Printf("job %s: retire cancelled: %v", jobID, err)
	}
}

func (p *Processor) ack(ctx context.Context, jobID string) {
	if err := p.queue.Ack(ctx, jobID); err != nil {
		log.Printf("job %s: ack: %v", jobID, err)
	}
}

func summaryOf(run models.Run) store.RunSummary {
	return store.RunSummary{
		LayersExecuted: len(run.Layers),
		LayersHealthy:  len(run.Quorum.HealthyLayers),
		QuorumMet:      run.Quorum.QuorumMet,
		ReplyFound:     run.Quorum.ReplyFound,
	}
}

// runErrorKind classifies a completed run: auth anywhere wins, then a run
// with zero healthy layers and only infrastructure errors counts as the
// provider being down.
func runErrorKind(run models.Run) string {
	auth := false
	allDown := len(run.Layers) > 0
	for _, res := range run.Layers {
		if res.ErrorKind == models.ErrKindAuth {
			auth = true
		}
		if res.Healthy {
			allDown = false
		}
	}
	if auth {
		return models.ErrKindAuth
	}
	if allDown {
		return models.ErrKindTransient
	}
	return models.ErrKindNone
}

func classifyOpen(err error) string {
	switch {
	case errors.Is(err, provider.ErrAuthExpired):
		return models.ErrKindAuth
	case errors.Is(err, provider.ErrRateLimited):
		return models.ErrKindRateLimit
	default:
		return models.ErrKindTransient
	}
}

// finishRun closes out a run that never reached the layer fan-out.
func finishRun(run models.Run, errMsg string) models.Run {
	run.FinishedAt = time.Now()
	run.Outcome = models.RunFailed
	run.Error = errMsg
	return run
}
