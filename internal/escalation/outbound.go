package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/shiftfill/escalation-engine/internal/events"
	"github.com/shiftfill/escalation-engine/internal/jobs"
	"github.com/shiftfill/escalation-engine/internal/messaging/templates"
	"github.com/shiftfill/escalation-engine/internal/records"
	"github.com/shiftfill/escalation-engine/internal/telephony"
	"github.com/shiftfill/escalation-engine/internal/tts"
)

// The spoken offer uses a fixed template so its synthesized audio caches
// across staff with the same shift details.
const (
	offerTemplateID     = "outbound-offer-v1"
	offerPromptTemplate = "Hello {employeeName}. This is the after hours shift desk. " +
		"A shift with {patientName} on {date} from {startTime} to {endTime} in {suburb} needs cover. " +
		"Press 1 to accept this shift. Press 2 to decline."
)

const defaultMaxRounds = 5

// OfferCallState tells the webhook layer what an offer call should do next.
type OfferCallState string

const (
	// OfferPlay gathers a keypress over the offer prompt.
	OfferPlay OfferCallState = "play"
	// OfferRepeat gathers again after unusable input.
	OfferRepeat OfferCallState = "repeat"
	// OfferConfirmed thanks the winner and hangs up.
	OfferConfirmed OfferCallState = "confirmed"
	// OfferTaken tells a responder the shift was filled elsewhere.
	OfferTaken OfferCallState = "taken"
	// OfferDeclined acknowledges a decline and hangs up.
	OfferDeclined OfferCallState = "declined"
	// OfferGoodbye ends the call after no usable response.
	OfferGoodbye OfferCallState = "goodbye"
	// OfferGone means no offer state exists for the call.
	OfferGone OfferCallState = "gone"
)

// OfferDecision carries everything the webhook layer needs to build the next
// TwiML document without knowing any cascade rules. PromptURL is set when
// cached audio exists; PromptText is the fallback. Say is the terminal
// sentence for non-gathering states.
type OfferDecision struct {
	State      OfferCallState
	PromptURL  string
	PromptText string
	Voice      string
	Say        string
}

// Spoken endings for offer calls.
const (
	sayOfferTaken     = "Sorry, that shift has just been filled. Thank you for responding. Goodbye."
	sayOfferConfirmed = "Thank you. You are confirmed for this shift. A confirmation text is on its way. Goodbye."
	sayOfferDeclined  = "No problem. Thank you for letting us know. Goodbye."
	sayOfferGoodbye   = "Sorry, we didn't get a response. Goodbye."
	sayOfferGone      = "Sorry, this offer is no longer available. Goodbye."
	sayOfferRetry     = "Sorry, we didn't catch that."
)

// HandleOutbound processes one outbound-calls job: the cascade kickoff or a
// single offer step.
func (c *Controller) HandleOutbound(ctx context.Context, job *jobs.Job) error {
	ctx, span := tracer.Start(ctx, "escalation.outbound")
	defer span.End()

	var p OutboundPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		c.logger.Error("outbound payload malformed", "job_id", job.ID, "error", err)
		return nil
	}
	span.SetAttributes(
		attribute.String("escalation.outbound.kind", p.Kind),
		attribute.String("escalation.occurrence_id", p.OccurrenceID),
	)

	switch p.Kind {
	case OutboundKindStart:
		return c.startCascade(ctx, p)
	case OutboundKindOffer:
		return c.placeOffer(ctx, p)
	default:
		c.logger.Error("outbound job with unknown kind", "job_id", job.ID, "kind", p.Kind)
		return nil
	}
}

// startCascade flips the occurrence to CALLING and enqueues the first offer.
func (c *Controller) startCascade(ctx context.Context, p OutboundPayload) error {
	occ, err := c.records.Occurrence(ctx, p.OccurrenceID)
	if errors.Is(err, records.ErrNotFound) {
		c.logger.Warn("cascade for unknown occurrence", "occurrence_id", p.OccurrenceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("escalation: cascade load occurrence: %w", err)
	}
	if occ.EscalationEpoch != p.Epoch || !records.OpenForAssignment(occ.Status) {
		c.logger.Info("cascade dropped, escalation moved on",
			"occurrence_id", occ.ID,
			"status", occ.Status)
		return nil
	}

	if occ.Status != records.StatusCalling {
		occ, err = c.updateWithRetry(ctx, occ, func(cur *records.Occurrence) records.OccurrenceUpdate {
			return records.OccurrenceUpdate{Status: records.StatusCalling}
		})
		if err != nil {
			return fmt.Errorf("escalation: mark calling: %w", err)
		}
		if !records.OpenForAssignment(occ.Status) {
			return nil
		}
	}

	return c.enqueueOfferStep(ctx, occ.ID, p.Epoch, 1, 0)
}

// placeOffer dials the pool member at (Round, Index), skipping unreachable
// members in place. Crossing the round limit closes the occurrence as
// unfilled instead of dialing.
func (c *Controller) placeOffer(ctx context.Context, p OutboundPayload) error {
	occ, err := c.records.Occurrence(ctx, p.OccurrenceID)
	if errors.Is(err, records.ErrNotFound) {
		c.logger.Warn("offer for unknown occurrence", "occurrence_id", p.OccurrenceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("escalation: offer load occurrence: %w", err)
	}
	if occ.EscalationEpoch != p.Epoch || records.Terminal(occ.Status) {
		c.publish(ctx, events.Event{
			Kind:         events.KindOutboundCancelled,
			ProviderID:   occ.ProviderID,
			OccurrenceID: occ.ID,
			Detail: map[string]string{
				"round": strconv.Itoa(p.Round),
				"index": strconv.Itoa(p.Index),
			},
		})
		c.logger.Info("offer dropped, escalation moved on",
			"occurrence_id", occ.ID,
			"status", occ.Status,
			"round", p.Round)
		return nil
	}

	cfg, err := c.records.Provider(ctx, occ.ProviderID)
	if errors.Is(err, records.ErrNotFound) {
		c.logger.Error("offer dropped, provider config gone", "provider_id", occ.ProviderID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("escalation: offer load provider: %w", err)
	}
	rounds := cfg.MaxRounds
	if rounds <= 0 {
		rounds = defaultMaxRounds
	}

	round, index := p.Round, p.Index
	if round < 1 {
		round = 1
	}
	var staff *records.Staff
	var phone string
	for staff == nil {
		if index >= len(occ.Pool) {
			round, index = round+1, 0
		}
		if round > rounds {
			return c.markExhausted(ctx, occ, rounds)
		}
		member, err := c.records.Staff(ctx, occ.Pool[index])
		if err != nil {
			c.logger.Warn("offer skip, staff lookup failed", "staff_id", occ.Pool[index], "error", err)
			index++
			continue
		}
		validated, err := c.phones.Validate(member.Phone)
		if err != nil {
			c.logger.Warn("offer skip, bad phone", "staff_id", member.ID, "error", err)
			index++
			continue
		}
		staff, phone = member, validated
	}

	loc := providerLocation(occ, cfg)
	vars := templates.ShiftVariables(staff.DisplayName, occ, loc)
	text := templates.Render(offerPromptTemplate, vars)
	voice := cfg.Voice

	promptID := ""
	if c.prompts != nil {
		promptID = tts.PromptID(offerTemplateID, vars.Digest(), voice)
		if err := c.prompts.Prepare(ctx, promptID, text, voice); err != nil {
			c.logger.Warn("offer prompt prepare failed, falling back to plain speech",
				"occurrence_id", occ.ID,
				"error", err)
			promptID = ""
		}
	}

	// The query context is a fallback: it lets the answer webhook identify
	// the call even if the offer state in Redis is lost.
	params := url.Values{}
	params.Set("occurrenceId", occ.ID)
	params.Set("employeeId", staff.ID)
	params.Set("round", strconv.Itoa(round))

	call, err := c.dialer.Originate(ctx, telephony.OriginateRequest{
		To:                phone,
		AnswerURL:         c.callbackURL("/webhooks/outbound/answer", params),
		StatusCallbackURL: c.callbackURL("/webhooks/outbound/status", params),
		RingTimeout:       30,
		MachineDetection:  true,
	})
	if err != nil {
		return fmt.Errorf("escalation: originate offer call: %w", err)
	}

	now := c.now()
	offer := Offer{
		CallSID:      call.SID,
		OccurrenceID: occ.ID,
		ProviderID:   occ.ProviderID,
		StaffID:      staff.ID,
		Epoch:        p.Epoch,
		Round:        round,
		Index:        index,
		PoolSize:     len(occ.Pool),
		PromptID:     promptID,
		PromptText:   text,
		Voice:        voice,
		StartedAt:    now,
	}
	if err := c.offers.Record(ctx, offer); err != nil {
		c.logger.Error("offer state record failed", "call_sid", call.SID, "error", err)
	}
	if err := c.records.AppendCallLog(ctx, records.CallLogEntry{
		CallSID:      call.SID,
		OccurrenceID: occ.ID,
		StaffID:      staff.ID,
		Purpose:      records.PurposeOutboundOffer,
		Round:        round,
		StartedAt:    now,
	}); err != nil {
		c.logger.Error("offer call log append failed", "call_sid", call.SID, "error", err)
	}
	c.publish(ctx, events.Event{
		Kind:         events.KindOutboundCallScheduled,
		ProviderID:   occ.ProviderID,
		OccurrenceID: occ.ID,
		StaffID:      staff.ID,
		CallSID:      call.SID,
		Detail: map[string]string{
			"round": strconv.Itoa(round),
			"index": strconv.Itoa(index),
		},
	})
	c.logger.Info("offer call placed",
		"occurrence_id", occ.ID,
		"staff_id", staff.ID,
		"call_sid", call.SID,
		"round", round)
	return nil
}

// OnOfferAnswered decides what a just-connected offer call hears. The shift
// may have been taken between originate and answer, so it re-checks before
// offering.
func (c *Controller) OnOfferAnswered(ctx context.Context, callSID string) OfferDecision {
	offer, err := c.offers.Lookup(ctx, callSID)
	if err != nil {
		if !errors.Is(err, ErrNoOffer) {
			c.logger.Error("offer lookup failed", "call_sid", callSID, "error", err)
		}
		return OfferDecision{State: OfferGone, Say: sayOfferGone}
	}

	occ, err := c.records.Occurrence(ctx, offer.OccurrenceID)
	if err == nil && (occ.EscalationEpoch != offer.Epoch || !records.OpenForAssignment(occ.Status)) {
		c.resolveOffer(ctx, offer, records.OutcomeCompleted, "")
		return OfferDecision{State: OfferTaken, Voice: offer.Voice, Say: sayOfferTaken}
	}
	if err != nil {
		// Offer anyway: the accept path re-verifies against the records API.
		c.logger.Warn("offer answer check degraded", "call_sid", callSID, "error", err)
	}

	return OfferDecision{
		State:      OfferPlay,
		PromptURL:  c.promptURL(offer.PromptID),
		PromptText: offer.PromptText,
		Voice:      offer.Voice,
	}
}

// OnOfferResponse handles the DTMF a responder pressed during an offer call.
func (c *Controller) OnOfferResponse(ctx context.Context, callSID, digits string) OfferDecision {
	offer, err := c.offers.Lookup(ctx, callSID)
	if err != nil {
		if !errors.Is(err, ErrNoOffer) {
			c.logger.Error("offer lookup failed", "call_sid", callSID, "error", err)
		}
		return OfferDecision{State: OfferGone, Say: sayOfferGone}
	}

	switch strings.TrimSpace(digits) {
	case "1":
		outcome, err := c.TryAccept(ctx, offer.OccurrenceID, offer.StaffID, "call")
		if err != nil {
			c.logger.Error("offer accept failed", "call_sid", callSID, "error", err)
			return c.repromptOrGoodbye(ctx, offer, records.OutcomeFailed)
		}
		switch outcome {
		case AcceptAccepted:
			c.resolveOffer(ctx, offer, records.OutcomeAccepted, "1")
			return OfferDecision{State: OfferConfirmed, Voice: offer.Voice, Say: sayOfferConfirmed}
		default:
			c.resolveOffer(ctx, offer, records.OutcomeCompleted, "1")
			return OfferDecision{State: OfferTaken, Voice: offer.Voice, Say: sayOfferTaken}
		}
	case "2":
		if c.resolveOffer(ctx, offer, records.OutcomeDeclined, "2") {
			c.advanceOffer(ctx, offer)
		}
		return OfferDecision{State: OfferDeclined, Voice: offer.Voice, Say: sayOfferDeclined}
	default:
		return c.repromptOrGoodbye(ctx, offer, records.OutcomeNoAnswer)
	}
}

// repromptOrGoodbye replays the gather once, then ends the call and moves the
// cascade along.
func (c *Controller) repromptOrGoodbye(ctx context.Context, offer *Offer, outcome string) OfferDecision {
	first, err := c.offers.MarkReprompted(ctx, offer.CallSID)
	if err != nil {
		c.logger.Error("offer reprompt mark failed", "call_sid", offer.CallSID, "error", err)
	}
	if first {
		return OfferDecision{
			State:      OfferRepeat,
			PromptURL:  c.promptURL(offer.PromptID),
			PromptText: offer.PromptText,
			Voice:      offer.Voice,
			Say:        sayOfferRetry,
		}
	}
	if c.resolveOffer(ctx, offer, outcome, "") {
		c.advanceOffer(ctx, offer)
	}
	return OfferDecision{State: OfferGoodbye, Voice: offer.Voice, Say: sayOfferGoodbye}
}

// OnOfferStatus handles the carrier's terminal status callback for an offer
// call. Calls that never produced a keypress resolve here: voicemail when
// machine detection fired, otherwise the mapped ring outcome.
func (c *Controller) OnOfferStatus(ctx context.Context, callSID, callStatus, answeredBy string) error {
	offer, err := c.offers.Lookup(ctx, callSID)
	if errors.Is(err, ErrNoOffer) {
		return nil
	}
	if err != nil {
		return err
	}

	var outcome string
	switch callStatus {
	case telephony.CallStatusNoAnswer, telephony.CallStatusCanceled:
		outcome = records.OutcomeNoAnswer
	case telephony.CallStatusBusy:
		outcome = records.OutcomeBusy
	case telephony.CallStatusFailed:
		outcome = records.OutcomeFailed
	case telephony.CallStatusCompleted:
		if offer.Resolved {
			c.finishOfferLog(ctx, callSID)
			return nil
		}
		if strings.HasPrefix(answeredBy, "machine") || answeredBy == "fax" {
			outcome = records.OutcomeVoicemail
		} else {
			// Connected but hung up without pressing anything.
			outcome = records.OutcomeNoAnswer
		}
	default:
		// Interim statuses carry nothing to act on.
		return nil
	}

	if c.resolveOffer(ctx, offer, outcome, "") {
		c.advanceOffer(ctx, offer)
	}
	c.finishOfferLog(ctx, callSID)
	return nil
}

// resolveOffer marks the offer's one allowed resolution and patches the call
// log. It reports whether this caller won the resolution race; only the
// winner may advance the cascade.
func (c *Controller) resolveOffer(ctx context.Context, offer *Offer, outcome, dtmf string) bool {
	won, err := c.offers.MarkResolved(ctx, offer.CallSID)
	if err != nil {
		c.logger.Error("offer resolve mark failed", "call_sid", offer.CallSID, "error", err)
		return false
	}
	if !won {
		return false
	}
	c.metrics.ObserveOffer(strings.ToLower(outcome))
	ended := c.now()
	err = c.records.UpdateCallLog(ctx, offer.CallSID, records.CallLogUpdate{
		Outcome: outcome,
		EndedAt: &ended,
		DTMF:    dtmf,
	})
	if err != nil {
		c.logger.Error("offer call log update failed", "call_sid", offer.CallSID, "error", err)
	}
	return true
}

// finishOfferLog stamps the end time on an offer row that already has its
// outcome.
func (c *Controller) finishOfferLog(ctx context.Context, callSID string) {
	ended := c.now()
	err := c.records.UpdateCallLog(ctx, callSID, records.CallLogUpdate{EndedAt: &ended})
	if err != nil {
		c.logger.Error("offer call log finish failed", "call_sid", callSID, "error", err)
	}
}

// advanceOffer enqueues the next rotation step after this offer.
func (c *Controller) advanceOffer(ctx context.Context, offer *Offer) {
	round, index := offer.Round, offer.Index+1
	if offer.PoolSize > 0 && index >= offer.PoolSize {
		round, index = round+1, 0
	}
	if err := c.enqueueOfferStep(ctx, offer.OccurrenceID, offer.Epoch, round, index); err != nil {
		c.logger.Error("offer advance failed",
			"occurrence_id", offer.OccurrenceID,
			"round", round,
			"index", index,
			"error", err)
	}
}

func (c *Controller) enqueueOfferStep(ctx context.Context, occurrenceID string, epoch int64, round, index int) error {
	payload, err := json.Marshal(OutboundPayload{
		Kind:         OutboundKindOffer,
		OccurrenceID: occurrenceID,
		Epoch:        epoch,
		Round:        round,
		Index:        index,
	})
	if err != nil {
		return fmt.Errorf("escalation: encode offer payload: %w", err)
	}
	_, err = c.scheduler.Enqueue(ctx, QueueOutboundCalls, payload, c.now(),
		jobs.WithJobID(offerJobID(occurrenceID, epoch, round, index)),
		jobs.WithMaxAttempts(3))
	if err != nil {
		return fmt.Errorf("escalation: enqueue offer step: %w", err)
	}
	return nil
}

// markExhausted closes the occurrence after every round completed without an
// accept, then tells the operator.
func (c *Controller) markExhausted(ctx context.Context, occ *records.Occurrence, rounds int) error {
	for attempt := 1; ; attempt++ {
		if !records.OpenForAssignment(occ.Status) {
			return nil
		}
		_, err := c.records.UpdateOccurrence(ctx, occ.ID, occ.Version, records.OccurrenceUpdate{
			Status: records.StatusUnfilledAfterCalls,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, records.ErrVersionConflict) || attempt >= maxCASAttempts {
			return fmt.Errorf("escalation: mark unfilled: %w", err)
		}
		occ, err = c.records.Occurrence(ctx, occ.ID)
		if err != nil {
			return fmt.Errorf("escalation: mark unfilled: %w", err)
		}
	}

	c.publish(ctx, events.Event{
		Kind:         events.KindOutboundExhausted,
		ProviderID:   occ.ProviderID,
		OccurrenceID: occ.ID,
		Detail:       map[string]string{"rounds": strconv.Itoa(rounds)},
	})
	c.logger.Error("escalation exhausted, shift unfilled",
		"occurrence_id", occ.ID,
		"rounds", rounds)
	if c.alerter != nil {
		subject := "Shift unfilled after calls: " + occ.ID
		body := fmt.Sprintf(
			"No staff member accepted the shift with %s on %s in %s after %d calling rounds. Manual follow-up is needed.",
			occ.PatientName, occ.ScheduledAt.Format(time.RFC1123), occ.Suburb, rounds)
		if err := c.alerter.AlertProvider(ctx, occ.ProviderID, subject, body); err != nil {
			c.logger.Error("unfilled alert failed", "occurrence_id", occ.ID, "error", err)
		}
	}
	return nil
}

func (c *Controller) promptURL(promptID string) string {
	if promptID == "" {
		return ""
	}
	return c.baseURL + "/audio/" + promptID
}
