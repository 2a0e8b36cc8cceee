package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shiftfill/escalation-engine/internal/escalation"
	"github.com/shiftfill/escalation-engine/internal/messaging"
	observemetrics "github.com/shiftfill/escalation-engine/internal/observability/metrics"
	"github.com/shiftfill/escalation-engine/internal/telephony"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

// offerService is the slice of the escalation controller the carrier
// webhooks drive. Satisfied by *escalation.Controller.
type offerService interface {
	HandleInboundSMS(ctx context.Context, sms *messaging.InboundSMS) error
	OnOfferAnswered(ctx context.Context, callSID string) escalation.OfferDecision
	OnOfferResponse(ctx context.Context, callSID, digits string) escalation.OfferDecision
	OnOfferStatus(ctx context.Context, callSID, callStatus, answeredBy string) error
}

// transferService handles the dial-leg callbacks of a mid-call transfer.
// Satisfied by *transfer.Coordinator.
type transferService interface {
	Complete(ctx context.Context, callSID, dialCallSID, dialStatus string) []byte
	Recording(ctx context.Context, callSID, recordingURL string) error
}

// processedTracker remembers webhook deliveries so carrier retries do not
// re-run side effects. Satisfied by *events.SeenStore.
type processedTracker interface {
	AlreadyProcessed(ctx context.Context, callSID, event string) (bool, error)
	MarkProcessed(ctx context.Context, callSID, event string) (bool, error)
}

// WebhookHandler terminates every carrier callback: inbound voice and SMS,
// the outbound offer-call dialogs, and the transfer dial legs. Handlers that
// return TwiML regenerate their document on a carrier retry; handlers with
// one-shot side effects dedupe per (CallSid, event) first.
type WebhookHandler struct {
	escalation offerService
	transfer   transferService
	seen       processedTracker
	metrics    *observemetrics.CallMetrics
	logger     *logging.Logger

	authToken string
	baseURL   string
}

// WebhookConfig configures the WebhookHandler.
type WebhookConfig struct {
	Escalation offerService
	Transfer   transferService
	Seen       processedTracker
	Metrics    *observemetrics.CallMetrics
	Logger     *logging.Logger

	// CarrierAuthToken signs every carrier callback. Leaving it empty
	// disables verification, which is only acceptable in local development.
	CarrierAuthToken string
	// PublicBaseURL is the externally visible origin of this service, e.g.
	// "https://engine.example.com". Signatures are computed over it and the
	// media-stream URL is derived from it.
	PublicBaseURL string
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.CarrierAuthToken == "" {
		cfg.Logger.Warn("carrier webhook signature verification disabled")
	}
	return &WebhookHandler{
		escalation: cfg.Escalation,
		transfer:   cfg.Transfer,
		seen:       cfg.Seen,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		authToken:  cfg.CarrierAuthToken,
		baseURL:    strings.TrimRight(cfg.PublicBaseURL, "/"),
	}
}

// verified checks the carrier signature over the full public URL of this
// request. A missing auth token skips the check.
func (h *WebhookHandler) verified(w http.ResponseWriter, r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	if messaging.ValidateSignature(r, h.authToken, h.baseURL+r.URL.RequestURI()) {
		return true
	}
	h.logger.Warn("webhook signature rejected", "path", r.URL.Path, "remote_ip", r.RemoteAddr)
	http.Error(w, "invalid signature", http.StatusUnauthorized)
	return false
}

// HandleVoice answers an inbound call with TwiML that hands the call's media
// to the websocket bridge. The IVR session itself starts when the stream's
// start frame arrives, so this handler has no side effects and a carrier
// retry simply gets the same document again.
func (h *WebhookHandler) HandleVoice(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !h.verified(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	callSID := r.FormValue("CallSid")
	from := r.FormValue("From")
	if callSID == "" {
		http.Error(w, "CallSid required", http.StatusBadRequest)
		return
	}

	streamURL := h.mediaStreamURL(callSID, from)
	doc, err := telephony.Render(&telephony.Response{Verbs: []any{
		telephony.Connect{Stream: telephony.Stream{
			URL: streamURL,
			Parameters: []telephony.Parameter{
				{Name: "callSid", Value: callSID},
				{Name: "from", Value: from},
			},
		}},
	}})
	h.logger.Info("inbound call answered", "call_sid", callSID, "from", from)
	h.observe("voice", start)
	h.writeDocument(w, doc, err)
}

// HandleSMS processes an inbound SMS reply. Accept/decline side effects run
// at most once per MessageSid.
func (h *WebhookHandler) HandleSMS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !h.verified(w, r) {
		return
	}
	sms, err := messaging.ParseInboundSMS(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if sms.MessageSID == "" || sms.From == "" {
		http.Error(w, "MessageSid and From required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if done, err := h.seen.AlreadyProcessed(ctx, sms.MessageSID, "sms"); err != nil {
		h.logger.Error("sms dedupe lookup failed", "message_sid", sms.MessageSID, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	} else if done {
		h.writeDocument(w, emptyResponseTwiML(), nil)
		return
	}

	if err := h.escalation.HandleInboundSMS(ctx, sms); err != nil {
		h.logger.Error("inbound sms handling failed", "message_sid", sms.MessageSID, "error", err)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}
	if _, err := h.seen.MarkProcessed(ctx, sms.MessageSID, "sms"); err != nil {
		h.logger.Error("sms dedupe mark failed", "message_sid", sms.MessageSID, "error", err)
	}
	h.observe("sms", start)
	h.writeDocument(w, emptyResponseTwiML(), nil)
}

// HandleRecording stores the recording URL the carrier produced for a
// transferred call's dial leg.
func (h *WebhookHandler) HandleRecording(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !h.verified(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	callSID := r.FormValue("CallSid")
	recordingURL := r.FormValue("RecordingUrl")
	if callSID == "" || recordingURL == "" {
		http.Error(w, "CallSid and RecordingUrl required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if done, err := h.seen.AlreadyProcessed(ctx, callSID, "recording"); err != nil {
		h.logger.Error("recording dedupe lookup failed", "call_sid", callSID, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	} else if done {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.transfer.Recording(ctx, callSID, recordingURL); err != nil {
		h.logger.Error("recording callback failed", "call_sid", callSID, "error", err)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}
	if _, err := h.seen.MarkProcessed(ctx, callSID, "recording"); err != nil {
		h.logger.Error("recording dedupe mark failed", "call_sid", callSID, "error", err)
	}
	h.observe("recording", start)
	w.WriteHeader(http.StatusNoContent)
}

// HandleTransferComplete receives the outcome of a transfer's dial leg and
// answers with whatever the coordinator wants the caller to hear next.
func (h *WebhookHandler) HandleTransferComplete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !h.verified(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	callSID := r.FormValue("CallSid")
	if callSID == "" {
		http.Error(w, "CallSid required", http.StatusBadRequest)
		return
	}

	doc := h.transfer.Complete(r.Context(), callSID, r.FormValue("DialCallSid"), r.FormValue("DialStatus"))
	h.observe("transfer_complete", start)
	h.writeDocument(w, doc, nil)
}

// mediaStreamURL derives the websocket endpoint the carrier should connect
// to, carrying the call identity as query parameters as well as custom
// stream parameters so either side of the protocol can recover it.
func (h *WebhookHandler) mediaStreamURL(callSID, from string) string {
	origin := h.baseURL
	switch {
	case strings.HasPrefix(origin, "https://"):
		origin = "wss://" + strings.TrimPrefix(origin, "https://")
	case strings.HasPrefix(origin, "http://"):
		origin = "ws://" + strings.TrimPrefix(origin, "http://")
	}
	q := url.Values{}
	q.Set("callSid", callSID)
	if from != "" {
		q.Set("from", from)
	}
	return origin + "/media-stream?" + q.Encode()
}

func (h *WebhookHandler) observe(webhook string, start time.Time) {
	h.metrics.ObserveWebhookLatency(webhook, time.Since(start).Seconds())
}

// writeDocument writes a TwiML document, falling back to a static apology
// when rendering failed so the caller never hears a carrier error tone.
func (h *WebhookHandler) writeDocument(w http.ResponseWriter, doc []byte, err error) {
	if err != nil {
		h.logger.Error("twiml render failed", "error", err)
		doc = fallbackTwiML()
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}
