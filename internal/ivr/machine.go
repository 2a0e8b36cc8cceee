package ivr

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shiftfill/escalation-engine/internal/events"
	"github.com/shiftfill/escalation-engine/internal/records"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

var tracer = otel.Tracer("escalation.internal.ivr")

// The call log keeps the digits a caller pressed after authentication. PIN
// entry never lands there, and a stuck key cannot grow the row unbounded.
const trailCap = 64

// Escalator reopens a shift for the rest of the pool. Satisfied by
// escalation.Controller.
type Escalator interface {
	StartEscalation(ctx context.Context, occurrenceID string) error
}

// Config wires a Machine. Records, Publisher, Sessions, and Escalator are
// required; the rest default.
type Config struct {
	Records   *records.Client
	Publisher *events.Publisher
	Sessions  *SessionStore
	Escalator Escalator
	Logger    *logging.Logger
	Now       func() time.Time
}

// Machine walks one inbound call through authentication, shift selection,
// and the caller's chosen action. It holds no per-call state of its own;
// everything lives in the session store so any process can pick up the next
// webhook or frame.
type Machine struct {
	records   *records.Client
	publisher *events.Publisher
	sessions  *SessionStore
	escalator Escalator
	logger    *logging.Logger
	now       func() time.Time
}

// NewMachine validates cfg and builds a Machine.
func NewMachine(cfg Config) *Machine {
	if cfg.Records == nil {
		panic("ivr: machine requires a records client")
	}
	if cfg.Publisher == nil {
		panic("ivr: machine requires an event publisher")
	}
	if cfg.Sessions == nil {
		panic("ivr: machine requires a session store")
	}
	if cfg.Escalator == nil {
		panic("ivr: machine requires an escalator")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{
		records:   cfg.Records,
		publisher: cfg.Publisher,
		sessions:  cfg.Sessions,
		escalator: cfg.Escalator,
		logger:    cfg.Logger.With("component", "ivr"),
		now:       cfg.Now,
	}
}

// Begin opens a session for a freshly answered call and returns the first
// action. Callers whose number resolves to nobody go straight to a
// representative; everyone else is asked for their PIN.
func (m *Machine) Begin(ctx context.Context, callSID, from string) (*Action, error) {
	ctx, span := tracer.Start(ctx, "ivr.begin")
	defer span.End()
	span.SetAttributes(attribute.String("escalation.call_sid", callSID))

	now := m.now()
	sess := &Session{
		CallSID:     callSID,
		RootCallSID: callSID,
		From:        from,
		Phase:       PhasePINAuth,
		StartedAt:   now,
	}
	m.appendSessionLog(ctx, callSID, now)

	var action *Action
	staff, err := m.records.StaffByPhone(ctx, from)
	switch {
	case errors.Is(err, records.ErrNotFound):
		m.logger.Info("inbound call from unknown number", "call_sid", callSID)
		action = transferAction(sess, sayUnknownNumber)
	case err != nil:
		m.logger.Error("staff lookup failed on inbound call",
			"call_sid", callSID, "error", err)
		action = transferAction(sess, sayTrouble)
	default:
		sess.StaffID = staff.ID
		sess.StaffName = staff.DisplayName
		action = &Action{Phase: PhasePINAuth, Prompt: promptWelcome(), Gather: phaseGather(PhasePINAuth)}
	}
	if err := m.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}
	return action, nil
}

// Input feeds collected digits into the session's current phase. Empty
// digits mean the gather timed out. The returned action is always playable;
// internal failures degrade to a representative, never to silence.
func (m *Machine) Input(ctx context.Context, callSID, digits string) (*Action, error) {
	ctx, span := tracer.Start(ctx, "ivr.input")
	defer span.End()
	span.SetAttributes(attribute.String("escalation.call_sid", callSID))

	sess, err := m.sessions.Load(ctx, callSID)
	if err != nil {
		return nil, err
	}
	if sess.Phase == PhaseTransfer || sess.Phase == PhaseDone {
		return &Action{Phase: sess.Phase}, nil
	}
	if digits != "" && sess.Phase != PhasePINAuth && len(sess.Trail)+len(digits) <= trailCap {
		sess.Trail += digits
	}

	action := m.dispatch(ctx, sess, digits)
	if err := m.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}
	return action, nil
}

func (m *Machine) dispatch(ctx context.Context, sess *Session, digits string) *Action {
	switch sess.Phase {
	case PhasePINAuth:
		return m.onPIN(ctx, sess, digits)
	case PhaseProviderSelect:
		return m.onProviderSelect(ctx, sess, digits)
	case PhaseCollectJobCode:
		return m.onCollectJobCode(ctx, sess, digits)
	case PhaseConfirmJobCode:
		return m.onConfirmJobCode(ctx, sess, digits)
	case PhaseJobOptions:
		return m.onJobOptions(ctx, sess, digits)
	case PhaseCollectReason:
		return m.onCollectReason(ctx, sess, digits)
	case PhaseConfirmLeaveOpen:
		return m.onConfirmLeaveOpen(ctx, sess, digits)
	case PhaseCollectDay:
		return m.onCollectDay(ctx, sess, digits)
	case PhaseCollectMonth:
		return m.onCollectMonth(ctx, sess, digits)
	case PhaseCollectTime:
		return m.onCollectTime(ctx, sess, digits)
	case PhaseConfirmDatetime:
		return m.onConfirmDatetime(ctx, sess, digits)
	}
	m.logger.Error("session in unknown phase",
		"call_sid", sess.CallSID, "phase", string(sess.Phase))
	return transferAction(sess, sayTrouble)
}

// End closes the call log row for a session whose call finished without a
// transfer. The session itself is left to its TTL; the capture pipeline may
// still need the root call SID.
func (m *Machine) End(ctx context.Context, callSID string) error {
	ctx, span := tracer.Start(ctx, "ivr.end")
	defer span.End()
	span.SetAttributes(attribute.String("escalation.call_sid", callSID))

	sess, err := m.sessions.Load(ctx, callSID)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}

	now := m.now()
	update := records.CallLogUpdate{
		StaffID:      sess.StaffID,
		OccurrenceID: sess.OccurrenceID,
		Outcome:      records.OutcomeCompleted,
		EndedAt:      &now,
		DTMF:         sess.Trail,
	}
	if err := m.records.UpdateCallLog(ctx, callSID, update); err != nil {
		m.logger.Error("session call log close failed", "call_sid", callSID, "error", err)
	}
	if sess.ProviderID != "" {
		m.publish(ctx, events.Event{
			Kind:         events.KindCallEnded,
			ProviderID:   sess.ProviderID,
			OccurrenceID: sess.OccurrenceID,
			StaffID:      sess.StaffID,
			CallSID:      callSID,
			Detail: map[string]string{
				"duration_seconds": strconv.Itoa(int(now.Sub(sess.StartedAt) / time.Second)),
			},
		})
	}
	return nil
}

func (m *Machine) appendSessionLog(ctx context.Context, callSID string, now time.Time) {
	entry := records.CallLogEntry{
		CallSID:   callSID,
		Purpose:   records.PurposeIVR,
		StartedAt: now,
	}
	if err := m.records.AppendCallLog(ctx, entry); err != nil {
		m.logger.Error("session call log append failed", "call_sid", callSID, "error", err)
	}
}

// publish drops events that resolved no provider: the stream is keyed by
// provider, and a caller who never authenticated has none.
func (m *Machine) publish(ctx context.Context, event events.Event) {
	if event.ProviderID == "" {
		m.logger.Debug("event without provider skipped",
			"kind", string(event.Kind), "call_sid", event.CallSID)
		return
	}
	m.publisher.Publish(ctx, event)
}

// transferAction ends the machine's part of the call; the bridge hands the
// caller to the transfer coordinator after the prompt.
func transferAction(sess *Session, text string) *Action {
	sess.Phase = PhaseTransfer
	return &Action{Phase: PhaseTransfer, Prompt: promptTransfer(text), Transfer: true}
}

// retry replays the current phase after a bad input, escaping to a human
// once the attempts run out.
func (m *Machine) retry(sess *Session, p Prompt) *Action {
	sess.Attempts++
	if sess.Attempts >= maxPhaseAttempts {
		return transferAction(sess, sayEscape)
	}
	return &Action{Phase: sess.Phase, Prompt: p, Gather: phaseGather(sess.Phase)}
}

// advance moves the flow to the next phase with a fresh attempt counter.
func advance(sess *Session, phase Phase, p Prompt) *Action {
	sess.Phase = phase
	sess.Attempts = 0
	return &Action{Phase: phase, Prompt: p, Gather: phaseGather(phase)}
}

func location(occ *records.Occurrence) *time.Location {
	if occ.Timezone != "" {
		if loc, err := time.LoadLocation(occ.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}
