// Package escalation drives the shift-filling ladder: three timed SMS waves
// to the occurrence pool, then a round-robin outbound call cascade, ending in
// exactly one assignment or an unfilled alert. All decisions re-check the
// occurrence's escalation epoch so that a cancel, restart, or accept from any
// channel silently retires every job scheduled before it.
package escalation

import "fmt"

// Queue names. One worker pool per queue.
const (
	QueueSMSWaves        = "sms-waves"
	QueueOutboundCalls   = "outbound-calls"
	QueueConfirmationSMS = "confirmation-sms"
)

// Outbound job kinds.
const (
	OutboundKindStart = "start"
	OutboundKindOffer = "offer"
)

// WavePayload is one scheduled SMS wave. Final marks the last wave that fit
// before the shift start; its completion triggers the call cascade.
type WavePayload struct {
	OccurrenceID string `json:"occurrence_id"`
	Epoch        int64  `json:"epoch"`
	Wave         int    `json:"wave"`
	Final        bool   `json:"final"`
}

// OutboundPayload is a call-cascade job: either the cascade kickoff or a
// single offer step at (Round, Index) in the pool rotation.
type OutboundPayload struct {
	Kind         string `json:"kind"`
	OccurrenceID string `json:"occurrence_id"`
	Epoch        int64  `json:"epoch"`
	Round        int    `json:"round,omitempty"`
	Index        int    `json:"index,omitempty"`
}

// ConfirmationPayload asks for the post-assignment confirmation SMS.
type ConfirmationPayload struct {
	OccurrenceID string `json:"occurrence_id"`
	Epoch        int64  `json:"epoch"`
	StaffID      string `json:"staff_id"`
}

// Job identifiers are derived, never stored: any actor that knows an
// occurrence and its epoch can name every job that epoch could have
// scheduled, so cancellation needs no registry of pending work.

func waveJobID(occurrenceID string, epoch int64, wave int) string {
	return fmt.Sprintf("wave:%s:%d:%d", occurrenceID, epoch, wave)
}

func cascadeJobID(occurrenceID string, epoch int64) string {
	return fmt.Sprintf("cascade:%s:%d", occurrenceID, epoch)
}

func offerJobID(occurrenceID string, epoch int64, round, index int) string {
	return fmt.Sprintf("offer:%s:%d:%d:%d", occurrenceID, epoch, round, index)
}

func confirmJobID(occurrenceID string, epoch int64, staffID string) string {
	return fmt.Sprintf("confirm:%s:%d:%s", occurrenceID, epoch, staffID)
}
