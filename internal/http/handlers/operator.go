package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shiftfill/escalation-engine/internal/escalation"
	"github.com/shiftfill/escalation-engine/internal/jobs"
	"github.com/shiftfill/escalation-engine/internal/records"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

// escalationControl is the operator-facing slice of the controller.
// Satisfied by *escalation.Controller.
type escalationControl interface {
	StartEscalation(ctx context.Context, occurrenceID string) error
	CancelEscalation(ctx context.Context, occurrenceID, reason string) error
}

// failedLister reads the failed bucket of a queue. Satisfied by
// *jobs.Scheduler.
type failedLister interface {
	ListFailed(ctx context.Context, queue string, limit int64) ([]*jobs.Job, error)
}

// defaultFailedLimit bounds a failed-bucket listing when the client does not
// ask for a specific size.
const defaultFailedLimit = 50

// OperatorHandler is the authenticated control surface: coordinators start
// and cancel escalations from the dashboard and inspect jobs that burned
// through their retries.
type OperatorHandler struct {
	escalations escalationControl
	failed      failedLister
	queues      []string
	logger      *logging.Logger
}

// OperatorConfig configures the OperatorHandler. Queues is the set of job
// queues the failed listing covers.
type OperatorConfig struct {
	Escalations escalationControl
	Failed      failedLister
	Queues      []string
	Logger      *logging.Logger
}

// NewOperatorHandler creates an OperatorHandler.
func NewOperatorHandler(cfg OperatorConfig) *OperatorHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = []string{
			escalation.QueueSMSWaves,
			escalation.QueueOutboundCalls,
			escalation.QueueConfirmationSMS,
		}
	}
	return &OperatorHandler{
		escalations: cfg.Escalations,
		failed:      cfg.Failed,
		queues:      queues,
		logger:      cfg.Logger,
	}
}

// HandleStart is the HTTP handler for POST /escalations/{occurrenceID}/start.
func (h *OperatorHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	occurrenceID := chi.URLParam(r, "occurrenceID")
	if occurrenceID == "" {
		http.Error(w, "occurrence id required", http.StatusBadRequest)
		return
	}

	err := h.escalations.StartEscalation(r.Context(), occurrenceID)
	switch {
	case errors.Is(err, records.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "occurrence not found"})
	case errors.Is(err, escalation.ErrConfigMissing):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case err != nil:
		h.logger.Error("escalation start failed", "occurrence_id", occurrenceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "escalation start failed"})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"occurrence_id": occurrenceID,
			"status":        "escalation_started",
		})
	}
}

// HandleCancel is the HTTP handler for POST /escalations/{occurrenceID}/cancel.
// The optional JSON body {"reason": "…"} shows up in the provider's event
// feed next to the cancellation.
func (h *OperatorHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	occurrenceID := chi.URLParam(r, "occurrenceID")
	if occurrenceID == "" {
		http.Error(w, "occurrence id required", http.StatusBadRequest)
		return
	}

	reason := "cancelled by operator"
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err == nil && body.Reason != "" {
		reason = body.Reason
	}

	err := h.escalations.CancelEscalation(r.Context(), occurrenceID, reason)
	switch {
	case errors.Is(err, records.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "occurrence not found"})
	case err != nil:
		h.logger.Error("escalation cancel failed", "occurrence_id", occurrenceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "escalation cancel failed"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"occurrence_id": occurrenceID,
			"status":        "cancelled",
		})
	}
}

// HandleFailedJobs is the HTTP handler for GET /jobs/failed. An optional
// queue query parameter narrows the listing to one queue.
func (h *OperatorHandler) HandleFailedJobs(w http.ResponseWriter, r *http.Request) {
	queues := h.queues
	if q := r.URL.Query().Get("queue"); q != "" {
		queues = []string{q}
	}

	out := make(map[string][]*jobs.Job, len(queues))
	total := 0
	for _, queue := range queues {
		failed, err := h.failed.ListFailed(r.Context(), queue, defaultFailedLimit)
		if err != nil {
			h.logger.Error("failed bucket read failed", "queue", queue, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed bucket read failed"})
			return
		}
		out[queue] = failed
		total += len(failed)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queues": out,
		"count":  total,
	})
}
