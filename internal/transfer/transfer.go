// Package transfer moves a live call from the automated flow to a human
// representative: it stages the handoff so the audio pipeline keeps the
// recording open, steers the call onto a dial leg, and parks callers nobody
// could answer.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shiftfill/escalation-engine/internal/audio"
	"github.com/shiftfill/escalation-engine/internal/events"
	"github.com/shiftfill/escalation-engine/internal/ivr"
	"github.com/shiftfill/escalation-engine/internal/records"
	"github.com/shiftfill/escalation-engine/internal/telephony"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

var tracer = otel.Tracer("escalation.internal.transfer")

const defaultDialTimeout = 30 * time.Second

const (
	sayAllBusy = "All of our representatives are busy right now. " +
		"Please stay on the line."
	sayStillHolding = "Thanks for holding. A representative will be with " +
		"you as soon as possible."
	sayCallback = "We're sorry for the wait. A representative will call " +
		"you back as soon as possible. Goodbye."
	sayGoodbye = "Goodbye."
)

// Redirector steers a live call onto new TwiML. Satisfied by
// telephony.VoiceClient.
type Redirector interface {
	RedirectTwiML(ctx context.Context, callSID string, twiml []byte) error
}

// Finalizer assembles and archives the audio captured for a root call.
// Satisfied by audio.Recorder.
type Finalizer interface {
	FinalizeCall(ctx context.Context, rec audio.CallRecording) (string, error)
}

// Config wires a Coordinator. Records, Sessions, Publisher, Redirector,
// Recordings, and Park are required; the rest default.
type Config struct {
	Records    *records.Client
	Sessions   *ivr.SessionStore
	Publisher  *events.Publisher
	Redirector Redirector
	Recordings Finalizer
	Park       *ParkStore
	Logger     *logging.Logger
	// BaseURL is the public origin the dial action and recording callbacks
	// are built on.
	BaseURL string
	// FallbackNumber answers transfers from callers who never resolved a
	// provider. Empty means such callers are parked for a callback.
	FallbackNumber string
	DialTimeout    time.Duration
	Now            func() time.Time
}

// Coordinator owns the mid-call handoff. The bridge asks it to Initiate
// when the call flow escapes to a human; the carrier's dial-action and
// recording webhooks report back through Complete and Recording.
type Coordinator struct {
	records    *records.Client
	sessions   *ivr.SessionStore
	publisher  *events.Publisher
	redirector Redirector
	recordings Finalizer
	park       *ParkStore
	logger     *logging.Logger
	baseURL    string
	fallback   string
	timeout    time.Duration
	now        func() time.Time
}

// NewCoordinator validates cfg and builds a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Records == nil {
		panic("transfer: coordinator requires a records client")
	}
	if cfg.Sessions == nil {
		panic("transfer: coordinator requires a session store")
	}
	if cfg.Publisher == nil {
		panic("transfer: coordinator requires an event publisher")
	}
	if cfg.Redirector == nil {
		panic("transfer: coordinator requires a redirector")
	}
	if cfg.Recordings == nil {
		panic("transfer: coordinator requires a recording finalizer")
	}
	if cfg.Park == nil {
		panic("transfer: coordinator requires a park store")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		records:    cfg.Records,
		sessions:   cfg.Sessions,
		publisher:  cfg.Publisher,
		redirector: cfg.Redirector,
		recordings: cfg.Recordings,
		park:       cfg.Park,
		logger:     cfg.Logger.With("component", "transfer"),
		baseURL:    cfg.BaseURL,
		fallback:   cfg.FallbackNumber,
		timeout:    cfg.DialTimeout,
		now:        cfg.Now,
	}
}

// Initiate hands a live call to a representative. The transfer flag is
// staged before the redirect: redirecting tears down the media stream, and
// the stream's close handler must already see the flag when that happens.
// With nobody to dial the caller is parked for a callback instead.
func (c *Coordinator) Initiate(ctx context.Context, callSID string) error {
	ctx, span := tracer.Start(ctx, "transfer.initiate")
	defer span.End()
	span.SetAttributes(attribute.String("escalation.call_sid", callSID))

	sess := c.session(ctx, callSID)
	target := c.target(ctx, sess)
	if target == "" {
		c.parkCall(ctx, sess)
		if err := c.redirector.RedirectTwiML(ctx, callSID, holdTwiML()); err != nil {
			return fmt.Errorf("transfer: hold redirect %s: %w", callSID, err)
		}
		return nil
	}

	if err := c.sessions.StageTransfer(ctx, callSID); err != nil {
		return fmt.Errorf("transfer: stage %s: %w", callSID, err)
	}
	if err := c.redirector.RedirectTwiML(ctx, callSID, c.dialTwiML(sess, target)); err != nil {
		// The call never left the stream, so its close must upload normally.
		if cerr := c.sessions.ClearTransfer(ctx, callSID); cerr != nil {
			c.logger.Error("failed to unstage transfer", "call_sid", callSID, "error", cerr)
		}
		return fmt.Errorf("transfer: redirect %s: %w", callSID, err)
	}

	c.publish(ctx, events.Event{
		Kind:         events.KindTransferInitiated,
		ProviderID:   sess.ProviderID,
		OccurrenceID: sess.OccurrenceID,
		StaffID:      sess.StaffID,
		CallSID:      callSID,
		Detail:       map[string]string{"to": target},
	})
	c.logger.Info("transfer initiated", "call_sid", callSID, "to", target)
	return nil
}

// Complete handles the dial-action callback and returns the TwiML the
// caller hears next. The pre-transfer audio is finalized here in every
// outcome: the dial leg carries its own carrier-side recording, and no
// further media stream will close for this call.
func (c *Coordinator) Complete(ctx context.Context, callSID, dialCallSID, dialStatus string) []byte {
	ctx, span := tracer.Start(ctx, "transfer.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("escalation.call_sid", callSID),
		attribute.String("escalation.transfer.dial_status", dialStatus),
	)

	sess := c.session(ctx, callSID)
	if err := c.sessions.ClearTransfer(ctx, callSID); err != nil {
		c.logger.Error("failed to clear transfer flag", "call_sid", callSID, "error", err)
	}
	c.finalizeRoot(ctx, sess)
	c.logDialLeg(ctx, sess, dialCallSID, dialStatus)

	switch dialStatus {
	case telephony.CallStatusCompleted, telephony.CallStatusAnswered:
		c.publish(ctx, events.Event{
			Kind:         events.KindTransferCompleted,
			ProviderID:   sess.ProviderID,
			OccurrenceID: sess.OccurrenceID,
			StaffID:      sess.StaffID,
			CallSID:      callSID,
			Detail:       map[string]string{"dial_status": dialStatus},
		})
		c.logger.Info("transfer completed", "call_sid", callSID)
		return goodbyeTwiML()
	}

	c.logger.Info("representative unavailable, parking caller",
		"call_sid", callSID, "dial_status", dialStatus)
	c.parkCall(ctx, sess)
	return holdTwiML()
}

// Recording stores the dial leg's carrier recording URI against the root
// call's log row, next to the engine-captured pre-transfer audio.
func (c *Coordinator) Recording(ctx context.Context, callSID, recordingURL string) error {
	if recordingURL == "" {
		return errors.New("transfer: recording URL required")
	}
	root := c.sessions.RootCallSID(ctx, callSID)
	update := records.CallLogUpdate{TransferRecordingURI: recordingURL}
	if err := c.records.UpdateCallLog(ctx, root, update); err != nil {
		return fmt.Errorf("transfer: store recording for %s: %w", root, err)
	}
	return nil
}

// session loads the call's session, degrading to a bare one when it
// expired; a transfer must still reach a human then.
func (c *Coordinator) session(ctx context.Context, callSID string) *ivr.Session {
	sess, err := c.sessions.Load(ctx, callSID)
	if err != nil {
		if !errors.Is(err, ivr.ErrNoSession) {
			c.logger.Error("session load failed during transfer", "call_sid", callSID, "error", err)
		}
		return &ivr.Session{CallSID: callSID, RootCallSID: callSID}
	}
	return sess
}

func (c *Coordinator) target(ctx context.Context, sess *ivr.Session) string {
	if sess.ProviderID != "" {
		cfg, err := c.records.Provider(ctx, sess.ProviderID)
		switch {
		case err != nil:
			c.logger.Warn("provider lookup failed during transfer",
				"provider_id", sess.ProviderID, "error", err)
		case cfg.RepresentativePhone != "":
			return cfg.RepresentativePhone
		}
	}
	return c.fallback
}

func (c *Coordinator) parkCall(ctx context.Context, sess *ivr.Session) {
	entry := ParkedCall{
		CallSID:      sess.CallSID,
		RootCallSID:  sess.RootCallSID,
		From:         sess.From,
		ProviderID:   sess.ProviderID,
		StaffID:      sess.StaffID,
		OccurrenceID: sess.OccurrenceID,
		ParkedAt:     c.now(),
	}
	if err := c.park.Park(ctx, entry); err != nil {
		c.logger.Error("failed to park call", "call_sid", sess.CallSID, "error", err)
		return
	}
	c.logger.Info("call parked for callback",
		"call_sid", sess.CallSID, "provider_id", sess.ProviderID)
}

// finalizeRoot archives the pre-transfer audio and closes the root call-log
// row. The stream's close handler skips both while the transfer flag is
// staged, so for a transferred call this is the only place they happen.
func (c *Coordinator) finalizeRoot(ctx context.Context, sess *ivr.Session) {
	rec := audio.CallRecording{
		RootCallSID:  sess.RootCallSID,
		OccurrenceID: sess.OccurrenceID,
		ProviderID:   sess.ProviderID,
		StaffID:      sess.StaffID,
		Purpose:      records.PurposeIVR,
		RecordedAt:   c.now(),
	}
	uri, err := c.recordings.FinalizeCall(ctx, rec)
	if err != nil {
		// Legs stay in Redis until their TTL; the row still closes.
		c.logger.Error("failed to finalize transfer audio",
			"root_call_sid", sess.RootCallSID, "error", err)
	}

	now := c.now()
	update := records.CallLogUpdate{
		StaffID:      sess.StaffID,
		OccurrenceID: sess.OccurrenceID,
		Outcome:      records.OutcomeCompleted,
		EndedAt:      &now,
		DTMF:         sess.Trail,
		RecordingURI: uri,
	}
	if err := c.records.UpdateCallLog(ctx, sess.RootCallSID, update); err != nil {
		c.logger.Error("failed to close root call log",
			"root_call_sid", sess.RootCallSID, "error", err)
	}
}

// logDialLeg appends the dial attempt to the call log under the dial leg's
// own SID.
func (c *Coordinator) logDialLeg(ctx context.Context, sess *ivr.Session, dialCallSID, dialStatus string) {
	if dialCallSID == "" {
		return
	}
	now := c.now()
	entry := records.CallLogEntry{
		CallSID:      dialCallSID,
		OccurrenceID: sess.OccurrenceID,
		StaffID:      sess.StaffID,
		Purpose:      records.PurposeTransfer,
		Outcome:      dialOutcome(dialStatus),
		StartedAt:    now,
		EndedAt:      &now,
	}
	if err := c.records.AppendCallLog(ctx, entry); err != nil {
		c.logger.Error("failed to log dial leg", "call_sid", dialCallSID, "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, event events.Event) {
	if event.ProviderID == "" {
		c.logger.Debug("event without provider skipped",
			"kind", string(event.Kind), "call_sid", event.CallSID)
		return
	}
	c.publisher.Publish(ctx, event)
}

func dialOutcome(dialStatus string) string {
	switch dialStatus {
	case telephony.CallStatusCompleted, telephony.CallStatusAnswered:
		return records.OutcomeCompleted
	case telephony.CallStatusBusy:
		return records.OutcomeBusy
	case telephony.CallStatusNoAnswer:
		return records.OutcomeNoAnswer
	}
	return records.OutcomeFailed
}

func (c *Coordinator) dialTwiML(sess *ivr.Session, target string) []byte {
	return telephony.MustRender(&telephony.Response{Verbs: []any{
		telephony.Dial{
			CallerID:                sess.From,
			Timeout:                 int(c.timeout / time.Second),
			Action:                  c.baseURL + "/webhooks/transfer/complete",
			Method:                  "POST",
			Record:                  telephony.DialRecordDual,
			RecordingStatusCallback: c.baseURL + "/webhooks/recording",
			Number:                  target,
		},
	}})
}

// holdTwiML keeps a parked caller on the line briefly, then promises a
// callback; the park entry is what actually gets them helped.
func holdTwiML() []byte {
	return telephony.MustRender(&telephony.Response{Verbs: []any{
		telephony.Say{Text: sayAllBusy},
		telephony.Pause{Length: 30},
		telephony.Say{Text: sayStillHolding},
		telephony.Pause{Length: 30},
		telephony.Say{Text: sayCallback},
		telephony.Hangup{},
	}})
}

func goodbyeTwiML() []byte {
	return telephony.MustRender(&telephony.Response{Verbs: []any{
		telephony.Say{Text: sayGoodbye},
		telephony.Hangup{},
	}})
}
