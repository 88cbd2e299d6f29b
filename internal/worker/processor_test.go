package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"replywatch/internal/config"
	"replywatch/internal/detect"
	"replywatch/internal/models"
	"replywatch/internal/provider"
	"replywatch/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeStore is an in-memory implementation of the processor's persistence
// surface plus the checkpoint source the cache reads through.
type fakeStore struct {
	mu sync.Mutex

	jobs        map[string]models.Job
	runs        map[string][]models.Run
	messages    map[string]models.OutboundMessage
	contacts    map[string]models.Contact
	checkpoints map[string]models.Checkpoint
	replies     map[string]models.Reply
	deadLetters []models.DeadLetterEntry
	anomalies   []models.Anomaly
	cpErrors    map[string]int

	// cancelOnLease flips cancel_requested in the stored row after the
	// lease snapshot is taken, simulating a cancel racing the run.
	cancelOnLease bool
	// failDeadLetter makes that many CreateDeadLetter calls fail.
	failDeadLetter int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:        make(map[string]models.Job),
		runs:        make(map[string][]models.Run),
		messages:    make(map[string]models.OutboundMessage),
		contacts:    make(map[string]models.Contact),
		checkpoints: make(map[string]models.Checkpoint),
		replies:     make(map[string]models.Reply),
		cpErrors:    make(map[string]int),
	}
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) LeaseJob(_ context.Context, id string) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Terminal() {
		return models.Job{}, false, nil
	}
	job.Status = models.JobExecuting
	f.jobs[id] = job
	snapshot := job
	if f.cancelOnLease {
		job.CancelRequested = true
		f.jobs[id] = job
	}
	return snapshot, true, nil
}

func (f *fakeStore) MarkVerified(_ context.Context, id string, sum store.RunSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.Status = models.JobVerified
	job.ReplyFound = sum.ReplyFound
	job.QuorumMet = sum.QuorumMet
	job.LayersHealthy = sum.LayersHealthy
	job.LayersExecuted = sum.LayersExecuted
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) RecordRetry(_ context.Context, id string, attempts int, nextRetryAt time.Time, lastErr string, _ store.RunSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.Status = models.JobPending
	job.Attempts = attempts
	job.NextRetryAt = &nextRetryAt
	job.LastError = &lastErr
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) MarkDead(_ context.Context, id string, attempts int, lastErr string, _ store.RunSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.Status = models.JobDead
	job.Attempts = attempts
	job.LastError = &lastErr
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) RetireCancelled(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.Status = models.JobCancelled
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) AppendRun(_ context.Context, run models.Run) (models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run.RunNumber = len(f.runs[run.JobID]) + 1
	run.ID = "run-" + run.JobID
	f.runs[run.JobID] = append(f.runs[run.JobID], run)
	return run, nil
}

func (f *fakeStore) RunsForJob(_ context.Context, jobID string) ([]models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Run(nil), f.runs[jobID]...), nil
}

func (f *fakeStore) SaveReply(_ context.Context, r models.Reply) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.replies[r.ProviderMessageID]; ok {
		return false, nil
	}
	f.replies[r.ProviderMessageID] = r
	return true, nil
}

func (f *fakeStore) GetOutboundMessage(_ context.Context, id string) (models.OutboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return models.OutboundMessage{}, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) GetContact(_ context.Context, id string) (models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	if !ok {
		return models.Contact{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetCheckpoint(_ context.Context, mailbox string) (models.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.checkpoints[mailbox]
	if !ok {
		return models.Checkpoint{}, store.ErrNotFound
	}
	return cp, nil
}

func (f *fakeStore) InitCheckpoint(_ context.Context, mailbox, prov, position string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.checkpoints[mailbox]; !ok {
		f.checkpoints[mailbox] = models.Checkpoint{
			Mailbox: mailbox, Provider: prov, LastPosition: position, SyncStatus: models.SyncActive,
		}
	}
	return nil
}

func (f *fakeStore) AdvanceCheckpoint(_ context.Context, mailbox, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.checkpoints[mailbox]
	if !ok || cp.LastPosition != from {
		return store.ErrCheckpointConflict
	}
	cp.LastPosition = to
	cp.ConsecutiveErrors = 0
	cp.SyncStatus = models.SyncActive
	f.checkpoints[mailbox] = cp
	return nil
}

func (f *fakeStore) RecordCheckpointError(_ context.Context, mailbox string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cpErrors[mailbox]++
	return f.cpErrors[mailbox], nil
}

func (f *fakeStore) SetSyncStatus(_ context.Context, mailbox, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.checkpoints[mailbox]
	cp.Mailbox = mailbox
	cp.SyncStatus = status
	f.checkpoints[mailbox] = cp
	return nil
}

func (f *fakeStore) CreateDeadLetter(_ context.Context, e models.DeadLetterEntry) (models.DeadLetterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDeadLetter > 0 {
		f.failDeadLetter--
		return models.DeadLetterEntry{}, errors.New("insert dead letter: connection reset")
	}
	for _, existing := range f.deadLetters {
		if existing.JobID == e.JobID {
			return existing, nil
		}
	}
	e.ID = "dl-" + e.JobID
	f.deadLetters = append(f.deadLetters, e)
	return e, nil
}

func (f *fakeStore) RaiseAnomaly(_ context.Context, a models.Anomaly) (models.Anomaly, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = "an"
	a.Status = models.AnomalyOpen
	f.anomalies = append(f.anomalies, a)
	return a, nil
}

func (f *fakeStore) ConsecutiveQuorumFailures(_ context.Context, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	runs := f.runs[jobID]
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Outcome != models.RunPartial {
			break
		}
		n++
	}
	return n, nil
}

func (f *fakeStore) anomalyTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.anomalies))
	for _, a := range f.anomalies {
		out = append(out, a.Type)
	}
	return out
}

// fakeQueue records scheduling and acks.
type fakeQueue struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	acked     map[string]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{scheduled: make(map[string]time.Time), acked: make(map[string]bool)}
}

func (q *fakeQueue) Schedule(_ context.Context, jobID string, _ int, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scheduled[jobID] = runAt
	return nil
}

func (q *fakeQueue) PromoteScheduled(context.Context, time.Time, int64) ([]string, error) {
	return nil, nil
}
func (q *fakeQueue) DequeueWithLease(context.Context) (string, error) { return "", nil }
func (q *fakeQueue) ExtendLease(context.Context, string, time.Duration) error {
	return nil
}
func (q *fakeQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked[jobID] = true
	return nil
}
func (q *fakeQueue) RequeueExpired(context.Context, time.Time, int64) ([]string, error) {
	return nil, nil
}
func (q *fakeQueue) ReadyDepth(context.Context) (int64, error) { return 0, nil }

type allowAll struct{}

func (allowAll) Allow(context.Context, string) (bool, float64, error) { return true, 1, nil }

// fakeNotifier records alert deliveries.
type fakeNotifier struct {
	mu          sync.Mutex
	anomalies   []models.Anomaly
	deadLetters []models.DeadLetterEntry
}

func (n *fakeNotifier) AnomalyRaised(_ context.Context, a models.Anomaly) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.anomalies = append(n.anomalies, a)
	return nil
}

func (n *fakeNotifier) JobDeadLettered(_ context.Context, e models.DeadLetterEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deadLetters = append(n.deadLetters, e)
	return nil
}

// fakeMailbox is a canned provider.Mailbox shared by all layers.
type fakeMailbox struct {
	thread     []provider.Message
	threadErr  error
	search     []provider.Message
	searchErr  error
	history    provider.HistoryPage
	historyErr error
}

func (m *fakeMailbox) Address() string { return "me@corp.io" }
func (m *fakeMailbox) Thread(context.Context, string) ([]provider.Message, error) {
	return m.thread, m.threadErr
}
func (m *fakeMailbox) Search(context.Context, provider.Query) ([]provider.Message, error) {
	return m.search, m.searchErr
}
func (m *fakeMailbox) History(context.Context, string, int64) (provider.HistoryPage, error) {
	return m.history, m.historyErr
}

type fakeConnector struct {
	mbx     provider.Mailbox
	openErr error
}

func (c *fakeConnector) Name() string { return "gmail" }
func (c *fakeConnector) Open(context.Context, string) (provider.Mailbox, error) {
	return c.mbx, c.openErr
}

type harness struct {
	store    *fakeStore
	queue    *fakeQueue
	notifier *fakeNotifier
	proc     *Processor
}

func newHarness(t *testing.T, mbx provider.Mailbox, openErr error) *harness {
	t.Helper()
	cfg := config.Config{
		WorkerCount:              1,
		WorkerPollInterval:       10 * time.Millisecond,
		ScheduledBatchSize:       10,
		LayerTimeout:             time.Second,
		BackoffInitial:           2 * time.Minute,
		BackoffMax:               6 * time.Hour,
		CheckpointErrorThreshold: 3,
		CheckpointCacheTTL:       time.Minute,
		HistoryPageSize:          100,
	}
	fs := newFakeStore()
	fq := newFakeQueue()
	fn := &fakeNotifier{}

	providers := provider.NewRegistry()
	providers.Register(&fakeConnector{mbx: mbx, openErr: openErr})

	cache := detect.NewCheckpointCache(fs, cfg.CheckpointCacheTTL)
	detectors := detect.NewRegistry(config.DefaultDetectionPolicy(), cache, 100)

	return &harness{
		store:    fs,
		queue:    fq,
		notifier: fn,
		proc:     NewProcessor(cfg, fs, fq, providers, detectors, cache, allowAll{}, fn),
	}
}

func (h *harness) seedJob(attempts int) models.Job {
	sentAt := time.Now().Add(-time.Hour)
	job := models.Job{
		ID:          "job-1",
		Tenant:      "default",
		MessageID:   "out-1",
		ContactID:   "c-1",
		Mailbox:     "me@corp.io",
		Provider:    "gmail",
		Type:        models.TypeOnSend,
		Status:      models.JobQueued,
		Attempts:    attempts,
		MaxAttempts: 3,
	}
	h.store.jobs[job.ID] = job
	h.store.messages["out-1"] = models.OutboundMessage{
		ID:              "out-1",
		Tenant:          "default",
		Mailbox:         "me@corp.io",
		Provider:        "gmail",
		ThreadID:        "t-1",
		RFC822MessageID: "<msg-1@corp.io>",
		ContactID:       "c-1",
		SentAt:          sentAt,
	}
	h.store.contacts["c-1"] = models.Contact{ID: "c-1", Tenant: "default", Email: "ada@example.com"}
	h.store.checkpoints["me@corp.io"] = models.Checkpoint{
		Mailbox: "me@corp.io", Provider: "gmail", LastPosition: "1000", SyncStatus: models.SyncActive,
	}
	return job
}

func reply() provider.Message {
	return provider.Message{
		ID:        "in-1",
		ThreadID:  "t-1",
		MessageID: "<reply-1@example.com>",
		InReplyTo: "<msg-1@corp.io>",
		From:      "ada@example.com",
		To:        "me@corp.io",
		Date:      time.Now().Add(-30 * time.Minute),
	}
}

func TestProcessReplyFound(t *testing.T) {
	msg := reply()
	mbx := &fakeMailbox{
		thread:  []provider.Message{msg},
		search:  []provider.Message{msg},
		history: provider.HistoryPage{Added: []provider.Message{msg}, NextPosition: "1042"},
	}
	h := newHarness(t, mbx, nil)
	h.seedJob(0)

	h.proc.process(context.Background(), "job-1")

	job := h.store.jobs["job-1"]
	assert.Equal(t, models.JobVerified, job.Status)
	assert.True(t, job.ReplyFound)
	assert.True(t, job.QuorumMet)

	// One reply row, attributed to the most precise finding layer.
	require.Len(t, h.store.replies, 1)
	saved := h.store.replies["in-1"]
	assert.Equal(t, "out-1", saved.OutboundMessageID)
	assert.Equal(t, detect.LayerThread, saved.DetectedBy)
	assert.NotEmpty(t, saved.RunID)

	// The history advance was committed after persistence.
	assert.Equal(t, "1042", h.store.checkpoints["me@corp.io"].LastPosition)
	assert.True(t, h.queue.acked["job-1"])
	require.Len(t, h.store.runs["job-1"], 1)
	assert.Equal(t, models.RunSuccess, h.store.runs["job-1"][0].Outcome)
}

func TestProcessQuorumMetNoReplyIsVerified(t *testing.T) {
	mbx := &fakeMailbox{history: provider.HistoryPage{NextPosition: "1042"}}
	h := newHarness(t, mbx, nil)
	h.seedJob(0)

	h.proc.process(context.Background(), "job-1")

	job := h.store.jobs["job-1"]
	assert.Equal(t, models.JobVerified, job.Status)
	assert.False(t, job.ReplyFound)
	assert.True(t, job.QuorumMet)
	assert.Empty(t, h.store.replies)
	// No reply does not block the checkpoint advance.
	assert.Equal(t, "1042", h.store.checkpoints["me@corp.io"].LastPosition)
}

func TestProcessQuorumNotMetRetries(t *testing.T) {
	// Search-backed layers fail; only thread and history stay healthy,
	// which is below the 3-of-5 majority.
	mbx := &fakeMailbox{
		searchErr: provider.ErrRateLimited,
		history:   provider.HistoryPage{NextPosition: "1000"},
	}
	h := newHarness(t, mbx, nil)
	h.seedJob(0)

	before := time.Now()
	h.proc.process(context.Background(), "job-1")

	job := h.store.jobs["job-1"]
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.NextRetryAt)
	// Backoff floor: first retry is at least BackoffInitial out.
	assert.True(t, job.NextRetryAt.After(before.Add(2*time.Minute-time.Second)))

	runAt, ok := h.queue.scheduled["job-1"]
	require.True(t, ok)
	assert.WithinDuration(t, *job.NextRetryAt, runAt, time.Second)
	assert.True(t, h.queue.acked["job-1"])
	require.Len(t, h.store.runs["job-1"], 1)
	assert.Equal(t, models.RunPartial, h.store.runs["job-1"][0].Outcome)
}

func TestProcessExhaustedAttemptsDeadLetters(t *testing.T) {
	mbx := &fakeMailbox{
		threadErr:  provider.ErrRateLimited,
		searchErr:  provider.ErrRateLimited,
		historyErr: provider.ErrRateLimited,
	}
	h := newHarness(t, mbx, nil)
	h.seedJob(2) // MaxAttempts is 3; this run is the last.

	h.proc.process(context.Background(), "job-1")

	job := h.store.jobs["job-1"]
	assert.Equal(t, models.JobDead, job.Status)
	assert.Equal(t, 3, job.Attempts)

	require.Len(t, h.store.deadLetters, 1)
	entry := h.store.deadLetters[0]
	assert.Equal(t, "job-1", entry.JobID)
	assert.Equal(t, 3, entry.TotalAttempts)
	assert.False(t, entry.RequiresManualReview)
	assert.Equal(t, models.ReviewPending, entry.ReviewStatus)
	assert.Len(t, entry.Attempts, 1)

	require.Len(t, h.notifier.deadLetters, 1)
	assert.Equal(t, entry.ID, h.notifier.deadLetters[0].ID)
}

func TestProcessAuthFailureFailsFast(t *testing.T) {
	mbx := &fakeMailbox{
		threadErr:  provider.ErrAuthExpired,
		searchErr:  provider.ErrAuthExpired,
		historyErr: provider.ErrAuthExpired,
	}
	h := newHarness(t, mbx, nil)
	h.seedJob(0)

	h.proc.process(context.Background(), "job-1")

	// Straight to dead regardless of remaining attempts.
	job := h.store.jobs["job-1"]
	assert.Equal(t, models.JobDead, job.Status)

	assert.Equal(t, models.SyncTokenExpired, h.store.checkpoints["me@corp.io"].SyncStatus)
	assert.Contains(t, h.store.anomalyTypes(), models.AnomalyAuthExpired)

	require.Len(t, h.store.deadLetters, 1)
	assert.True(t, h.store.deadLetters[0].RequiresManualReview)
	// High-severity anomalies reach the alert channel.
	require.NotEmpty(t, h.notifier.anomalies)
	assert.Equal(t, models.AnomalyAuthExpired, h.notifier.anomalies[0].Type)
}

func TestProcessPausedMailboxDefers(t *testing.T) {
	mbx := &fakeMailbox{}
	h := newHarness(t, mbx, nil)
	job := h.seedJob(0)
	cp := h.store.checkpoints["me@corp.io"]
	cp.SyncStatus = models.SyncPaused
	h.store.checkpoints["me@corp.io"] = cp

	h.proc.process(context.Background(), "job-1")

	// Untouched: no lease, no attempt, just pushed out.
	got := h.store.jobs["job-1"]
	assert.Equal(t, models.JobQueued, got.Status)
	assert.Equal(t, job.Attempts, got.Attempts)
	_, scheduled := h.queue.scheduled["job-1"]
	assert.True(t, scheduled)
	assert.Empty(t, h.store.runs["job-1"])
}

func TestProcessCancelRequestedRetires(t *testing.T) {
	mbx := &fakeMailbox{
		searchErr: provider.ErrRateLimited,
		history:   provider.HistoryPage{NextPosition: "1000"},
	}
	h := newHarness(t, mbx, nil)
	job := h.seedJob(0)
	job.CancelRequested = true
	h.store.jobs[job.ID] = job

	h.proc.process(context.Background(), "job-1")

	got := h.store.jobs["job-1"]
	assert.Equal(t, models.JobCancelled, got.Status)
	// The run itself is still recorded for the audit trail.
	assert.Len(t, h.store.runs["job-1"], 1)
	// And never rescheduled.
	_, scheduled := h.queue.scheduled["job-1"]
	assert.False(t, scheduled)
}

func TestProcessCancelDuringRunRetires(t *testing.T) {
	// The cancel lands after the lease snapshot is taken; the stale
	// snapshot alone would re-queue the job for another full run.
	mbx := &fakeMailbox{
		searchErr: provider.ErrRateLimited,
		history:   provider.HistoryPage{NextPosition: "1000"},
	}
	h := newHarness(t, mbx, nil)
	h.seedJob(0)
	h.store.cancelOnLease = true

	h.proc.process(context.Background(), "job-1")

	got := h.store.jobs["job-1"]
	assert.Equal(t, models.JobCancelled, got.Status)
	_, scheduled := h.queue.scheduled["job-1"]
	assert.False(t, scheduled)
	assert.True(t, h.queue.acked["job-1"])
	// The in-flight run still completes and is recorded.
	assert.Len(t, h.store.runs["job-1"], 1)
}

func TestProcessDeadLetterWriteFailureKeepsLease(t *testing.T) {
	mbx := &fakeMailbox{
		threadErr:  provider.ErrRateLimited,
		searchErr:  provider.ErrRateLimited,
		historyErr: provider.ErrRateLimited,
	}
	h := newHarness(t, mbx, nil)
	h.seedJob(2) // MaxAttempts is 3; this run dead-letters.
	h.store.failDeadLetter = 1

	h.proc.process(context.Background(), "job-1")

	// The entry write failed, so the job must not go dead: a dead job is
	// acked without a look on redelivery and could never gain its entry.
	job := h.store.jobs["job-1"]
	assert.NotEqual(t, models.JobDead, job.Status)
	assert.False(t, h.queue.acked["job-1"])
	assert.Empty(t, h.store.deadLetters)

	// Lease expiry redelivers; both writes complete this time.
	h.proc.process(context.Background(), "job-1")

	job = h.store.jobs["job-1"]
	assert.Equal(t, models.JobDead, job.Status)
	require.Len(t, h.store.deadLetters, 1)
	assert.Equal(t, "job-1", h.store.deadLetters[0].JobID)
	assert.Equal(t, 3, h.store.deadLetters[0].TotalAttempts)
	assert.True(t, h.queue.acked["job-1"])
}

func TestProcessRepeatedQuorumFailureRaisesAnomaly(t *testing.T) {
	mbx := &fakeMailbox{
		searchErr: provider.ErrRateLimited,
		history:   provider.HistoryPage{NextPosition: "1000"},
	}
	h := newHarness(t, mbx, nil)
	h.seedJob(0)

	// First partial run: no anomaly yet.
	h.proc.process(context.Background(), "job-1")
	assert.NotContains(t, h.store.anomalyTypes(), models.AnomalyQuorumFailure)

	// Requeue and fail again: two consecutive partials trip the signal.
	job := h.store.jobs["job-1"]
	job.Status = models.JobQueued
	h.store.jobs["job-1"] = job
	h.proc.process(context.Background(), "job-1")

	assert.Contains(t, h.store.anomalyTypes(), models.AnomalyQuorumFailure)
}

func TestProcessCheckpointStallEscalates(t *testing.T) {
	mbx := &fakeMailbox{
		historyErr: provider.ErrInvalidCursor,
		thread:     nil,
	}
	h := newHarness(t, mbx, nil)
	h.seedJob(0)
	h.store.cpErrors["me@corp.io"] = 2 // threshold is 3; this run crosses it

	h.proc.process(context.Background(), "job-1")

	assert.Equal(t, models.SyncError, h.store.checkpoints["me@corp.io"].SyncStatus)
	assert.Contains(t, h.store.anomalyTypes(), models.AnomalyCheckpointStalled)
}

func TestProcessTerminalJobAckedWithoutWork(t *testing.T) {
	h := newHarness(t, &fakeMailbox{}, nil)
	job := h.seedJob(0)
	job.Status = models.JobVerified
	h.store.jobs[job.ID] = job

	h.proc.process(context.Background(), "job-1")

	assert.True(t, h.queue.acked["job-1"])
	assert.Empty(t, h.store.runs["job-1"])
}

func TestProcessDuplicateDeliveryIsIdempotent(t *testing.T) {
	msg := reply()
	mbx := &fakeMailbox{
		thread:  []provider.Message{msg},
		search:  []provider.Message{msg},
		history: provider.HistoryPage{Added: []provider.Message{msg}, NextPosition: "1042"},
	}
	h := newHarness(t, mbx, nil)
	h.seedJob(0)

	h.proc.process(context.Background(), "job-1")
	// The queue redelivers; the job is already terminal.
	h.proc.process(context.Background(), "job-1")

	assert.Len(t, h.store.replies, 1)
	assert.Len(t, h.store.runs["job-1"], 1)
}
