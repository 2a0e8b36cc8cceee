package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shiftfill/escalation-engine/internal/tts"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

// promptStore serves pre-synthesized prompt audio. Satisfied by
// *tts.Synthesizer.
type promptStore interface {
	Audio(ctx context.Context, promptID string) ([]byte, error)
}

// AudioHandler serves cached µ-law prompts to the carrier's <Play> verb.
// Prompts are synthesized ahead of the call; this endpoint only reads the
// cache, so a miss is a 404 and the caller's TwiML falls back to <Say>.
type AudioHandler struct {
	prompts promptStore
	logger  *logging.Logger
}

// NewAudioHandler creates an AudioHandler.
func NewAudioHandler(prompts promptStore, logger *logging.Logger) *AudioHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AudioHandler{prompts: prompts, logger: logger}
}

// HandleAudio is the HTTP handler for GET /audio/{promptID}.
func (h *AudioHandler) HandleAudio(w http.ResponseWriter, r *http.Request) {
	promptID := chi.URLParam(r, "promptID")
	if promptID == "" {
		http.Error(w, "prompt id required", http.StatusBadRequest)
		return
	}

	ulaw, err := h.prompts.Audio(r.Context(), promptID)
	if errors.Is(err, tts.ErrPromptNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Error("prompt audio read failed", "prompt_id", promptID, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	// audio/basic is exactly µ-law at 8 kHz, which is what the cache holds.
	w.Header().Set("Content-Type", "audio/basic")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ulaw)
}
