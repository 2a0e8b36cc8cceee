package handlers

import (
	"net/http"
	"time"

	"github.com/shiftfill/escalation-engine/internal/escalation"
	"github.com/shiftfill/escalation-engine/internal/telephony"
)

// offerGatherTimeout is how long the carrier waits for a keypress during an
// offer call before posting back with empty digits.
const offerGatherTimeout = 15

// HandleOutboundAnswer runs when a staff member picks up an offer call. The
// shift may already be gone, so the controller decides between the offer
// gather and a short goodbye.
func (h *WebhookHandler) HandleOutboundAnswer(w http.ResponseWriter, r *http.Request) {
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

	decision := h.escalation.OnOfferAnswered(r.Context(), callSID)
	h.observe("outbound_answer", start)
	h.writeDecision(w, r, decision)
}

// HandleOutboundResponse receives the digits pressed during an offer gather.
// An empty Digits value is the gather timing out, which the controller
// treats like any other unusable input.
func (h *WebhookHandler) HandleOutboundResponse(w http.ResponseWriter, r *http.Request) {
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

	decision := h.escalation.OnOfferResponse(r.Context(), callSID, r.FormValue("Digits"))
	h.observe("outbound_response", start)
	h.writeDecision(w, r, decision)
}

// HandleOutboundStatus takes the carrier's terminal status callback for an
// offer call. Status callbacks are redelivered on carrier retries, so the
// dispatch is deduped per (CallSid, status).
func (h *WebhookHandler) HandleOutboundStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !h.verified(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	callSID := r.FormValue("CallSid")
	callStatus := r.FormValue("CallStatus")
	if callSID == "" || callStatus == "" {
		http.Error(w, "CallSid and CallStatus required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	event := "status:" + callStatus
	if done, err := h.seen.AlreadyProcessed(ctx, callSID, event); err != nil {
		h.logger.Error("status dedupe lookup failed", "call_sid", callSID, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	} else if done {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.escalation.OnOfferStatus(ctx, callSID, callStatus, r.FormValue("AnsweredBy")); err != nil {
		h.logger.Error("offer status handling failed",
			"call_sid", callSID,
			"call_status", callStatus,
			"error", err)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}
	if _, err := h.seen.MarkProcessed(ctx, callSID, event); err != nil {
		h.logger.Error("status dedupe mark failed", "call_sid", callSID, "error", err)
	}
	h.observe("outbound_status", start)
	w.WriteHeader(http.StatusNoContent)
}

// writeDecision turns an offer decision into the next TwiML document. The
// response action keeps the incoming query context so the fallback call
// identity survives the gather hop.
func (h *WebhookHandler) writeDecision(w http.ResponseWriter, r *http.Request, d escalation.OfferDecision) {
	responseURL := h.baseURL + "/webhooks/outbound/response"
	if r.URL.RawQuery != "" {
		responseURL += "?" + r.URL.RawQuery
	}

	resp := &telephony.Response{}
	switch d.State {
	case escalation.OfferPlay:
		resp.Verbs = append(resp.Verbs,
			offerGather(responseURL, d),
			telephony.Redirect{Method: http.MethodPost, URL: responseURL},
		)
	case escalation.OfferRepeat:
		resp.Verbs = append(resp.Verbs,
			telephony.Say{Voice: d.Voice, Text: d.Say},
			offerGather(responseURL, d),
			telephony.Redirect{Method: http.MethodPost, URL: responseURL},
		)
	default:
		resp.Verbs = append(resp.Verbs,
			telephony.Say{Voice: d.Voice, Text: d.Say},
			telephony.Hangup{},
		)
	}

	doc, err := telephony.Render(resp)
	h.writeDocument(w, doc, err)
}

// offerGather plays the cached offer prompt inside a one-digit gather,
// falling back to carrier TTS when no audio was pre-generated.
func offerGather(actionURL string, d escalation.OfferDecision) telephony.Gather {
	var prompt any
	if d.PromptURL != "" {
		prompt = telephony.Play{URL: d.PromptURL}
	} else {
		prompt = telephony.Say{Voice: d.Voice, Text: d.PromptText}
	}
	return telephony.Gather{
		Input:     "dtmf",
		NumDigits: 1,
		Timeout:   offerGatherTimeout,
		Action:    actionURL,
		Method:    http.MethodPost,
		Verbs:     []any{prompt},
	}
}
