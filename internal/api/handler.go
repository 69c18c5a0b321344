package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"WelcomeSend/internal/csvparser"
	"WelcomeSend/internal/db"
	"WelcomeSend/internal/metrics"
	"WelcomeSend/internal/models"
)

// JobStore is the subset of the database the API needs.
type JobStore interface {
	InsertEmail(ctx context.Context, email, template string) (models.EmailJob, error)
	GetJob(ctx context.Context, id string) (models.EmailJob, error)
}

// CycleRunner runs one dispatch cycle and reports how many jobs it
// delivered.
type CycleRunner interface {
	Run(ctx context.Context) (int, error)
}

type Handler struct {
	Store      JobStore
	Dispatcher CycleRunner
	Log        *zap.Logger

	// CronSecret guards the dispatch endpoint. Empty means the endpoint
	// is unusable; it never means open access.
	CronSecret string
}

// Router builds the HTTP router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Post("/api/emails", h.EnqueueEmail)
	r.Post("/api/emails/import", h.ImportEmails)
	r.Get("/api/emails/{id}", h.GetEmail)
	r.Post("/api/cron/dispatch", h.DispatchCron)

	return r
}

// DispatchCron runs one dispatch cycle. Callers authenticate with
// "Authorization: Bearer <secret>"; a missing or mismatched secret
// aborts before any job is read.
func (h *Handler) DispatchCron(w http.ResponseWriter, r *http.Request) {
	secret := bearerToken(r)
	if h.CronSecret == "" || secret == "" || secret != h.CronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	processed, err := h.Dispatcher.Run(r.Context())
	if err != nil {
		h.Log.Error("dispatch cycle failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "dispatch failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"processed": processed,
	})
}

type enqueueRequest struct {
	Email string `json:"email"`
}

// EnqueueEmail inserts one PENDING welcome job. The dispatch worker
// picks it up once it has aged past the grace period.
func (h *Handler) EnqueueEmail(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "valid email is required"})
		return
	}

	job, err := h.Store.InsertEmail(r.Context(), req.Email, models.TemplateWelcome)
	if err != nil {
		h.Log.Error("enqueue failed", zap.String("email", req.Email), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "enqueue failed"})
		return
	}

	metrics.JobsEnqueued.Inc()
	writeJSON(w, http.StatusAccepted, job)
}

// ImportEmails bulk-enqueues welcome jobs from an uploaded CSV with an
// "Email" column.
func (h *Handler) ImportEmails(w http.ResponseWriter, r *http.Request) {
	emails, err := csvparser.ParseRecipients(r.Body, csvparser.DefaultMaxRows)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	enqueued := 0
	skipped := 0
	for _, email := range emails {
		if _, err := h.Store.InsertEmail(r.Context(), email, models.TemplateWelcome); err != nil {
			h.Log.Error("import enqueue failed", zap.String("email", email), zap.Error(err))
			skipped++
			continue
		}
		metrics.JobsEnqueued.Inc()
		enqueued++
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"enqueued": enqueued,
		"skipped":  skipped,
	})
}

// GetEmail returns a single job row, mainly for operators inspecting
// FAILED or stuck jobs.
func (h *Handler) GetEmail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.Store.GetJob(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	if err != nil {
		h.Log.Error("get job failed", zap.String("job_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "lookup failed"})
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
