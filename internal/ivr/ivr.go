// Package ivr is the inbound call state machine: staff ring the after-hours
// line, authenticate with their PIN, pick one of their shifts by job code,
// and either request a new time, open the shift for the rest of the team, or
// ask for a representative. The machine is transport-free — it consumes
// digits and returns Actions; the voice bridge owns audio and sockets.
package ivr

import "time"

// Phase is where a call session sits in the flow.
type Phase string

const (
	PhasePINAuth          Phase = "PIN_AUTH"
	PhaseProviderSelect   Phase = "PROVIDER_SELECTION"
	PhaseCollectJobCode   Phase = "COLLECT_JOB_CODE"
	PhaseConfirmJobCode   Phase = "CONFIRM_JOB_CODE"
	PhaseJobOptions       Phase = "JOB_OPTIONS"
	PhaseCollectReason    Phase = "COLLECT_REASON"
	PhaseConfirmLeaveOpen Phase = "CONFIRM_LEAVE_OPEN"
	PhaseCollectDay       Phase = "COLLECT_DAY"
	PhaseCollectMonth     Phase = "COLLECT_MONTH"
	PhaseCollectTime      Phase = "COLLECT_TIME"
	PhaseConfirmDatetime  Phase = "CONFIRM_DATETIME"
	PhaseTransfer         Phase = "TRANSFER"
	PhaseDone             Phase = "DONE"
)

const (
	// A phase ends the call toward a human after this many failed inputs.
	maxPhaseAttempts = 3

	pinLength     = 4
	jobCodeLength = 4

	gatherTimeout = 15 * time.Second
	// The leave-open reason is spoken, not keyed; the caller gets longer
	// before any key (or silence) moves the flow on.
	reasonTimeout = 30 * time.Second
)

// Prompt is one utterance for the bridge to speak. Key is a stable template
// identifier so synthesized audio caches across calls; Text is the full
// rendered sentence.
type Prompt struct {
	Key  string
	Text string
}

// Gather is the digit policy for the next input: how many digits to buffer
// before submitting and how long to wait for them.
type Gather struct {
	NumDigits int
	Timeout   time.Duration
}

// Action tells the bridge what to do next: speak Prompt, then either collect
// digits per Gather, hand the caller to a representative, or end the call.
// Exactly one of Gather, Transfer, Hangup is set, except terminal phases
// where all may be zero.
type Action struct {
	Phase    Phase
	Prompt   Prompt
	Gather   *Gather
	Transfer bool
	Hangup   bool
}

func phaseGather(p Phase) *Gather {
	switch p {
	case PhasePINAuth:
		return &Gather{NumDigits: pinLength, Timeout: gatherTimeout}
	case PhaseCollectJobCode:
		return &Gather{NumDigits: jobCodeLength, Timeout: gatherTimeout}
	case PhaseCollectDay, PhaseCollectMonth:
		return &Gather{NumDigits: 2, Timeout: gatherTimeout}
	case PhaseCollectTime:
		return &Gather{NumDigits: 4, Timeout: gatherTimeout}
	case PhaseCollectReason:
		return &Gather{NumDigits: 1, Timeout: reasonTimeout}
	case PhaseProviderSelect, PhaseConfirmJobCode, PhaseJobOptions,
		PhaseConfirmLeaveOpen, PhaseConfirmDatetime:
		return &Gather{NumDigits: 1, Timeout: gatherTimeout}
	}
	return nil
}
