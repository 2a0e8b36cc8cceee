package escalation

import (
	"context"
	"errors"
	"fmt"

	"github.com/shiftfill/escalation-engine/internal/events"
	"github.com/shiftfill/escalation-engine/internal/messaging"
	"github.com/shiftfill/escalation-engine/internal/records"
)

// Reply texts. The accepted case sends nothing here; the confirmation job
// carries the full shift details.
const (
	smsHelpReply   = "Reply YES to accept the most recent shift offer or NO to decline it. For anything else please call your office."
	smsShiftTaken  = "Sorry, that shift has already been filled. Thank you for responding."
	smsShiftClosed = "That shift is no longer available. Thank you for responding."
	smsNotEligible = "We couldn't match you to that shift. Please call your office if you think this is a mistake."
	smsNoOffer     = "We couldn't find a current shift offer for this number. Please call your office if you need help."
)

// HandleInboundSMS resolves a staff reply against the most recent wave sent
// to that number. Unknown senders are dropped; unknown keywords get one help
// reply per number per day.
func (c *Controller) HandleInboundSMS(ctx context.Context, sms *messaging.InboundSMS) error {
	ctx, span := tracer.Start(ctx, "escalation.inbound_sms")
	defer span.End()

	phone, err := c.phones.Validate(sms.From)
	if err != nil {
		c.logger.Info("inbound sms from unusable number dropped", "error", err)
		return nil
	}

	kind := c.keywords.Classify(sms.Body)
	if kind == messaging.ReplyUnknown {
		allowed, err := c.intents.AllowHelpReply(ctx, phone)
		if err != nil {
			return err
		}
		if allowed {
			c.sendReply(ctx, phone, smsHelpReply)
		}
		return nil
	}

	staff, err := c.records.StaffByPhone(ctx, phone)
	if errors.Is(err, records.ErrNotFound) {
		c.logger.Info("inbound sms from unknown number dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("escalation: inbound sms staff lookup: %w", err)
	}

	intent, err := c.intents.Lookup(ctx, phone)
	if errors.Is(err, ErrNoIntent) {
		if kind == messaging.ReplyAccept {
			c.sendReply(ctx, phone, smsNoOffer)
		}
		return nil
	}
	if err != nil {
		return err
	}

	switch kind {
	case messaging.ReplyAccept:
		outcome, err := c.TryAccept(ctx, intent.OccurrenceID, staff.ID, "sms")
		if err != nil {
			return err
		}
		switch outcome {
		case AcceptAccepted:
			// The confirmation job texts the details.
		case AcceptAlreadyAssigned:
			c.sendReply(ctx, phone, smsShiftTaken)
		case AcceptClosed:
			c.sendReply(ctx, phone, smsShiftClosed)
		case AcceptIneligible:
			c.sendReply(ctx, phone, smsNotEligible)
		}
	case messaging.ReplyDecline:
		c.recordDecline(ctx, sms, intent, staff.ID)
	}
	return nil
}

// recordDecline logs an SMS decline against the wave that prompted it. No
// reply goes out and the ladder keeps running for everyone else.
func (c *Controller) recordDecline(ctx context.Context, sms *messaging.InboundSMS, intent *WaveIntent, staffID string) {
	now := c.now()
	sid := "sms:" + sms.MessageSID
	err := c.records.AppendCallLog(ctx, records.CallLogEntry{
		CallSID:      sid,
		OccurrenceID: intent.OccurrenceID,
		StaffID:      staffID,
		Purpose:      records.PurposeSMSWave,
		Round:        intent.Wave,
		Outcome:      records.OutcomeDeclined,
		StartedAt:    now,
		EndedAt:      &now,
	})
	if err != nil {
		c.logger.Error("decline call log append failed", "staff_id", staffID, "error", err)
	}
	c.publish(ctx, events.Event{
		Kind:         events.KindIntentDetected,
		ProviderID:   intent.ProviderID,
		OccurrenceID: intent.OccurrenceID,
		StaffID:      staffID,
		Detail: map[string]string{
			"channel": "sms",
			"intent":  "decline",
		},
	})
	c.logger.Info("sms decline recorded",
		"occurrence_id", intent.OccurrenceID,
		"staff_id", staffID,
		"wave", intent.Wave)
}

// sendReply sends a short reply SMS, logging failures instead of surfacing
// them; replies are courtesies, not state.
func (c *Controller) sendReply(ctx context.Context, phone, body string) {
	if err := c.sender.Send(ctx, messaging.Message{To: phone, Body: body}); err != nil {
		c.logger.Error("sms reply send failed", "error", err)
	}
}
