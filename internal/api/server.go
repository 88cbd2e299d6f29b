package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"replywatch/internal/config"
	"replywatch/internal/models"
	"replywatch/internal/queue"
	"replywatch/internal/ratelimit"
	"replywatch/internal/store"
	"replywatch/internal/telemetry"
)

// Server wires HTTP handlers for the control-plane API: watch triggers,
// job inspection, dead-letter review, anomaly triage, and mailbox control.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleWatch)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/runs", s.handleJobRuns)
	r.Post("/jobs/{id}/cancel", s.handleCancel)

	r.Get("/messages/{id}/replies", s.handleMessageReplies)

	r.Get("/deadletters", s.handleListDeadLetters)
	r.Get("/deadletters/{id}", s.handleGetDeadLetter)
	r.Post("/deadletters/{id}/retry", s.handleDeadLetterRetry)
	r.Post("/deadletters/{id}/check", s.reviewAction(models.ReviewManuallyChecked))
	r.Post("/deadletters/{id}/skip", s.reviewAction(models.ReviewSkipped))
	r.Post("/deadletters/{id}/resolve", s.reviewAction(models.ReviewResolved))

	r.Get("/anomalies", s.handleListAnomalies)
	r.Post("/anomalies/{id}/resolve", s.handleResolveAnomaly)

	r.Get("/checkpoints/{mailbox}", s.handleGetCheckpoint)
	r.Post("/checkpoints/{mailbox}/pause", s.syncAction(models.SyncPaused))
	r.Post("/checkpoints/{mailbox}/resume", s.syncAction(models.SyncActive))

	r.Get("/snapshots", s.handleListSnapshots)
	return r
}

type watchRequest struct {
	MessageID       string     `json:"message_id"`
	ThreadID        string     `json:"thread_id"`
	RFC822MessageID string     `json:"rfc822_message_id"`
	Mailbox         string     `json:"mailbox"`
	Provider        string     `json:"provider"`
	Subject         string     `json:"subject"`
	SentAt          *time.Time `json:"sent_at"`

	Contact struct {
		ID      string   `json:"id"`
		Email   string   `json:"email"`
		Aliases []string `json:"aliases"`
	} `json:"contact"`

	Priority     int `json:"priority"`
	DelaySeconds int `json:"delay_seconds"`
	MaxAttempts  int `json:"max_attempts"`
}

type watchResponse struct {
	Job    models.Job `json:"job"`
	Reused bool       `json:"reused"`
}

// handleWatch is the on-send trigger: it records the outbound message and
// its contact, then arms exactly one detection job for the message.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.MessageID == "" || req.Mailbox == "" || req.Contact.Email == "" {
		http.Error(w, "message_id, mailbox, and contact.email are required", http.StatusBadRequest)
		return
	}
	if req.Provider == "" {
		req.Provider = "gmail"
	}
	sentAt := time.Now()
	if req.SentAt != nil {
		sentAt = *req.SentAt
	}
	if req.Contact.ID == "" {
		req.Contact.ID = req.Contact.Email
	}
	tenant := tenantFromRequest(r)

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", tenant))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	if err := s.store.UpsertContact(r.Context(), models.Contact{
		ID:      req.Contact.ID,
		Tenant:  tenant,
		Email:   req.Contact.Email,
		Aliases: req.Contact.Aliases,
	}); err != nil {
		http.Error(w, "failed to record contact", http.StatusInternalServerError)
		return
	}
	if err := s.store.RecordOutboundMessage(r.Context(), models.OutboundMessage{
		ID:              req.MessageID,
		Tenant:          tenant,
		Mailbox:         req.Mailbox,
		Provider:        req.Provider,
		ThreadID:        req.ThreadID,
		RFC822MessageID: req.RFC822MessageID,
		ContactID:       req.Contact.ID,
		Subject:         req.Subject,
		SentAt:          sentAt,
	}); err != nil {
		http.Error(w, "failed to record message", http.StatusInternalServerError)
		return
	}

	delay := s.cfg.InitialDelay
	if req.DelaySeconds > 0 {
		delay = time.Duration(req.DelaySeconds) * time.Second
	}
	runAt := sentAt.Add(delay)
	if runAt.Before(time.Now()) {
		runAt = time.Now()
	}

	job, reused, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Tenant:    tenant,
		MessageID: req.MessageID,
		ContactID: req.Contact.ID,
		Mailbox:   req.Mailbox,
		Provider:  req.Provider,
		Type:      models.TypeOnSend,
		Priority:  req.Priority,
		Payload: models.JobPayload{
			Kind:   models.TypeOnSend,
			OnSend: &models.OnSendPayload{SentAt: sentAt, InitialDelay: delay},
		},
		ScheduledFor: runAt,
		MaxAttempts:  req.MaxAttempts,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !reused {
		if err := s.queue.Enqueue(r.Context(), job.ID, job.Priority, runAt); err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		// A deferred job stays pending until promotion; only an
		// immediately ready one is queued.
		if !runAt.After(time.Now()) {
			_ = s.store.MarkQueued(r.Context(), job.ID)
		}
		telemetry.JobsCreated.Inc()
	}

	writeJSON(w, http.StatusAccepted, watchResponse{Job: job, Reused: reused})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		statusForError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.RunsForJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		statusForError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleMessageReplies(w http.ResponseWriter, r *http.Request) {
	replies, err := s.store.RepliesForMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		statusForError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replies": replies})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.store.CancelJob(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	if cancelled {
		if err := s.queue.Cancel(r.Context(), id); err != nil {
			http.Error(w, "failed to drop queue entry", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": models.JobCancelled})
		return
	}
	// Executing jobs finish their current run and retire afterwards.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListDeadLetters(r.Context(), r.URL.Query().Get("status"), 100)
	if err != nil {
		http.Error(w, "failed to list dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		statusForError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type reviewRequest struct {
	Reviewer string `json:"reviewer"`
}

// handleDeadLetterRetry re-arms detection for a dead-lettered message with
// a fresh manual_recheck job. The original dead job stays dead; the new job
// starts with a clean attempt budget.
func (s *Server) handleDeadLetterRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reviewRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	entry, err := s.store.GetDeadLetter(r.Context(), id)
	if err != nil {
		statusForError(w, err)
		return
	}

	job, reused, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Tenant:    entry.Tenant,
		MessageID: entry.MessageID,
		ContactID: entry.ContactID,
		Mailbox:   entry.Mailbox,
		Provider:  entry.Provider,
		Type:      models.TypeManualRecheck,
		Payload: models.JobPayload{
			Kind: models.TypeManualRecheck,
			ManualRecheck: &models.ManualRecheckPayload{
				RequestedBy:  req.Reviewer,
				DeadLetterID: entry.ID,
			},
		},
		ScheduledFor: time.Now(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !reused {
		if err := s.queue.Enqueue(r.Context(), job.ID, job.Priority, time.Now()); err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		_ = s.store.MarkQueued(r.Context(), job.ID)
		telemetry.JobsCreated.Inc()
	}
	if err := s.store.SetReviewStatus(r.Context(), id, models.ReviewRetryScheduled, req.Reviewer); err != nil {
		http.Error(w, "failed to update review status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, watchResponse{Job: job, Reused: reused})
}

// reviewAction builds a handler that moves a dead-letter entry to a fixed
// review status.
func (s *Server) reviewAction(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reviewRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if err := s.store.SetReviewStatus(r.Context(), chi.URLParam(r, "id"), status, req.Reviewer); err != nil {
			statusForError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"review_status": status})
	}
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	anomalies, err := s.store.ListAnomalies(r.Context(), r.URL.Query().Get("status"), 100)
	if err != nil {
		http.Error(w, "failed to list anomalies", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

func (s *Server) handleResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetAnomalyStatus(r.Context(), chi.URLParam(r, "id"), models.AnomalyResolved); err != nil {
		statusForError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.AnomalyResolved})
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.store.GetCheckpoint(r.Context(), chi.URLParam(r, "mailbox"))
	if err != nil {
		statusForError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// syncAction builds a handler that flips a mailbox's sync status. Resume
// also clears the error counter so the mailbox re-enters scheduling clean.
func (s *Server) syncAction(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mailbox := chi.URLParam(r, "mailbox")
		if err := s.store.SetSyncStatus(r.Context(), mailbox, status); err != nil {
			statusForError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"mailbox": mailbox, "sync_status": status})
	}
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.ListSnapshots(r.Context(), r.URL.Query().Get("period"), 100)
	if err != nil {
		http.Error(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func statusForError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
