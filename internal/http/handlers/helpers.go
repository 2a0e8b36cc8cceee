package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/shiftfill/escalation-engine/internal/telephony"
)

// fallbackTwiML apologises and hangs up. It is the document of last resort
// when a handler cannot produce its real response; the caller hears a
// sentence instead of a carrier error tone.
func fallbackTwiML() []byte {
	return telephony.MustRender(&telephony.Response{Verbs: []any{
		telephony.Say{Text: "Sorry, something went wrong. Please try again later."},
		telephony.Hangup{},
	}})
}

// emptyResponseTwiML acknowledges an SMS webhook without replying. Outbound
// texts go through the confirmation queue, never the webhook response.
func emptyResponseTwiML() []byte {
	return telephony.MustRender(&telephony.Response{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
