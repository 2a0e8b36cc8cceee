// Package records is the typed facade over the external records API, the
// system of record for providers, staff, shift occurrences, and the call log.
// The engine never talks to a database of its own for these entities; every
// read and conditional write goes through this client.
package records

import (
	"errors"
	"time"
)

// Sentinel errors. Callers branch with errors.Is.
var (
	// ErrNotFound marks a 404 from the records API.
	ErrNotFound = errors.New("records: not found")
	// ErrVersionConflict marks a conditional update rejected because the
	// version token no longer matches. Callers reload and retry.
	ErrVersionConflict = errors.New("records: version conflict")
	// ErrUnavailable marks a transport failure or 5xx that survived the
	// retry. Job handlers treat it as transient.
	ErrUnavailable = errors.New("records: unavailable")
)

// Occurrence statuses. ASSIGNED, UNFILLED_AFTER_CALLS, and CANCELLED are
// terminal.
const (
	StatusOpen               = "OPEN"
	StatusWave1Sent          = "WAVE_1_SENT"
	StatusWave2Sent          = "WAVE_2_SENT"
	StatusWave3Sent          = "WAVE_3_SENT"
	StatusCalling            = "CALLING"
	StatusAssigned           = "ASSIGNED"
	StatusUnfilledAfterCalls = "UNFILLED_AFTER_CALLS"
	StatusCancelled          = "CANCELLED"
)

// OpenForAssignment reports whether an occurrence in this status can still
// be taken by a responder.
func OpenForAssignment(status string) bool {
	switch status {
	case StatusOpen, StatusWave1Sent, StatusWave2Sent, StatusWave3Sent, StatusCalling:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusAssigned, StatusUnfilledAfterCalls, StatusCancelled:
		return true
	}
	return false
}

// WaveStatus returns the status an occurrence carries after wave n was sent.
func WaveStatus(n int) string {
	switch n {
	case 1:
		return StatusWave1Sent
	case 2:
		return StatusWave2Sent
	default:
		return StatusWave3Sent
	}
}

// Call log purposes.
const (
	PurposeIVR           = "IVR"
	PurposeOutboundOffer = "OUTBOUND_OFFER"
	PurposeTransfer      = "TRANSFER"
	PurposeSMSWave       = "SMS_WAVE"
)

// Call log outcomes.
const (
	OutcomeAccepted  = "ACCEPTED"
	OutcomeDeclined  = "DECLINED"
	OutcomeNoAnswer  = "NO_ANSWER"
	OutcomeBusy      = "BUSY"
	OutcomeFailed    = "FAILED"
	OutcomeVoicemail = "VOICEMAIL"
	OutcomeCompleted = "COMPLETED"
)

// Occurrence is one concrete shift instance. Version is the opaque token the
// records API requires on conditional updates.
type Occurrence struct {
	ID              string    `json:"occurrence_id"`
	ProviderID      string    `json:"provider_id"`
	PatientRef      string    `json:"patient_ref"`
	PatientName     string    `json:"patient_name"`
	JobCode         string    `json:"job_code"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	Timezone        string    `json:"timezone"`
	WindowStart     string    `json:"window_start"`
	WindowEnd       string    `json:"window_end"`
	Suburb          string    `json:"suburb"`
	Pool            []string  `json:"pool"`
	Status          string    `json:"status"`
	Assignee        string    `json:"assignee,omitempty"`
	EscalationEpoch int64     `json:"escalation_epoch"`
	Version         string    `json:"version"`
}

// OccurrenceUpdate is the conditional-write body. Nil fields are left
// untouched by the records API. ClearAssignee nulls the assignee, which
// Assignee alone cannot express through omitempty.
type OccurrenceUpdate struct {
	Status          string  `json:"status,omitempty"`
	Assignee        *string `json:"assignee,omitempty"`
	ClearAssignee   bool    `json:"clear_assignee,omitempty"`
	EscalationEpoch *int64  `json:"escalation_epoch,omitempty"`
}

// ProviderConfig is a provider's escalation settings.
type ProviderConfig struct {
	ProviderID          string `json:"provider_id"`
	Name                string `json:"name"`
	OutboundEnabled     bool   `json:"outbound_enabled"`
	WaitMinutes         int    `json:"wait_minutes"`
	MaxRounds           int    `json:"max_rounds"`
	MessageTemplate     string `json:"message_template"`
	WaveIntervalMin     int    `json:"wave_interval_min_minutes"`
	WaveIntervalMax     int    `json:"wave_interval_max_minutes"`
	RepresentativePhone string `json:"representative_phone"`
	Timezone            string `json:"timezone"`
	Voice               string `json:"voice"`
	AlertEmail          string `json:"alert_email"`
}

// Staff is a pool member. PINHash is an Argon2id encoded string; the records
// API never exposes the raw PIN.
type Staff struct {
	ID          string   `json:"staff_id"`
	DisplayName string   `json:"display_name"`
	Phone       string   `json:"phone_e164"`
	Languages   []string `json:"languages,omitempty"`
	PINHash     string   `json:"pin_hash,omitempty"`
	ProviderIDs []string `json:"provider_ids"`
}

// ServesProvider reports whether the staff member works for providerID.
func (s *Staff) ServesProvider(providerID string) bool {
	for _, id := range s.ProviderIDs {
		if id == providerID {
			return true
		}
	}
	return false
}

// CallLogEntry is one append-only outreach row: an SMS wave send, an
// outbound offer call, an inbound IVR session, or a transfer leg.
type CallLogEntry struct {
	CallSID              string     `json:"call_sid"`
	OccurrenceID         string     `json:"occurrence_id,omitempty"`
	StaffID              string     `json:"staff_id,omitempty"`
	Purpose              string     `json:"purpose"`
	Round                int        `json:"round,omitempty"`
	Outcome              string     `json:"outcome,omitempty"`
	StartedAt            time.Time  `json:"started_at"`
	EndedAt              *time.Time `json:"ended_at,omitempty"`
	DTMF                 string     `json:"dtmf,omitempty"`
	RecordingURI         string     `json:"recording_uri,omitempty"`
	TransferRecordingURI string     `json:"transfer_recording_uri,omitempty"`
}

// CallLogUpdate patches an existing row once a call resolves. StaffID and
// OccurrenceID exist because an inbound session only learns who is calling,
// and about what, partway through the call.
type CallLogUpdate struct {
	StaffID              string     `json:"staff_id,omitempty"`
	OccurrenceID         string     `json:"occurrence_id,omitempty"`
	Outcome              string     `json:"outcome,omitempty"`
	EndedAt              *time.Time `json:"ended_at,omitempty"`
	DTMF                 string     `json:"dtmf,omitempty"`
	RecordingURI         string     `json:"recording_uri,omitempty"`
	TransferRecordingURI string     `json:"transfer_recording_uri,omitempty"`
}
