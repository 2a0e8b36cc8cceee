package events

import "time"

// Kind identifies one entry in a provider's call-event stream.
type Kind string

const (
	KindCallStarted           Kind = "call_started"
	KindCallAuthenticated     Kind = "call_authenticated"
	KindAuthenticationFailed  Kind = "authentication_failed"
	KindIntentDetected        Kind = "intent_detected"
	KindShiftOpened           Kind = "shift_opened"
	KindShiftFilled           Kind = "shift_filled"
	KindStaffNotified         Kind = "staff_notified"
	KindTransferInitiated     Kind = "transfer_initiated"
	KindTransferCompleted     Kind = "transfer_completed"
	KindCallEnded             Kind = "call_ended"
	KindOutboundCallScheduled Kind = "outbound_call_scheduled"
	KindOutboundCancelled     Kind = "outbound_all_rounds_cancelled"
	KindOutboundExhausted     Kind = "outbound_all_rounds_exhausted"
)

// Event is one entry in a provider's activity feed. Detail carries
// kind-specific context (wave number, round, digits pressed) without
// growing the struct per kind.
type Event struct {
	ID           string            `json:"event_id"`
	Kind         Kind              `json:"kind"`
	ProviderID   string            `json:"provider_id"`
	OccurrenceID string            `json:"occurrence_id,omitempty"`
	StaffID      string            `json:"staff_id,omitempty"`
	CallSID      string            `json:"call_sid,omitempty"`
	Detail       map[string]string `json:"detail,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`

	// StreamID is the Redis stream entry ID, set on events read back from
	// a stream. SSE uses it as the event id for resume.
	StreamID string `json:"-"`
}
