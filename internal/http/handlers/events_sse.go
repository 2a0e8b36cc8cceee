package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shiftfill/escalation-engine/internal/events"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

// eventSource reads a provider's activity feed. Satisfied by *events.Reader.
type eventSource interface {
	History(ctx context.Context, providerID string) ([]events.Event, string, error)
	Follow(ctx context.Context, providerID, cursor string, fn func(events.Event) error) error
}

// EventStreamHandler serves a provider's call events over SSE: recent
// history first, then the live tail until the client goes away. Reconnecting
// clients send Last-Event-ID and resume from that stream entry instead of
// replaying history.
type EventStreamHandler struct {
	events eventSource
	logger *logging.Logger
}

// NewEventStreamHandler creates an EventStreamHandler.
func NewEventStreamHandler(source eventSource, logger *logging.Logger) *EventStreamHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &EventStreamHandler{events: source, logger: logger}
}

// HandleEvents is the HTTP handler for GET /events?provider_id=…
func (h *EventStreamHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if providerID == "" {
		http.Error(w, "provider_id required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	cursor := strings.TrimSpace(r.Header.Get("Last-Event-ID"))

	var history []events.Event
	if cursor == "" {
		var err error
		history, cursor, err = h.events.History(ctx, providerID)
		if err != nil {
			h.logger.Error("event history read failed", "provider_id", providerID, "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Tell EventSource clients how long to wait before reconnecting.
	_, _ = fmt.Fprint(w, "retry: 3000\n\n")
	for _, event := range history {
		if err := writeSSE(w, event); err != nil {
			return
		}
	}
	flusher.Flush()

	h.logger.Info("event stream opened", "provider_id", providerID, "cursor", cursor)
	err := h.events.Follow(ctx, providerID, cursor, func(event events.Event) error {
		if err := writeSSE(w, event); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		h.logger.Warn("event stream ended", "provider_id", providerID, "error", err)
	}
}

// writeSSE frames one event. The Redis stream entry ID doubles as the SSE
// event id so Last-Event-ID maps straight back to a stream cursor.
func writeSSE(w http.ResponseWriter, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return nil
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.StreamID, event.Kind, data)
	return err
}
