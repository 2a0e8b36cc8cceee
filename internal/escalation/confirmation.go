package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shiftfill/escalation-engine/internal/events"
	"github.com/shiftfill/escalation-engine/internal/jobs"
	"github.com/shiftfill/escalation-engine/internal/messaging"
	"github.com/shiftfill/escalation-engine/internal/messaging/templates"
	"github.com/shiftfill/escalation-engine/internal/records"
)

const confirmationTemplate = "Hi {employeeName}, you're confirmed for the shift with {patientName} " +
	"on {date} from {startTime} to {endTime} in {suburb}. Thank you."

// HandleConfirmation sends the assignment confirmation SMS. The job only
// fires for the staff member the accept actually landed on; anything else
// means the assignment moved again and the message must not go out.
func (c *Controller) HandleConfirmation(ctx context.Context, job *jobs.Job) error {
	ctx, span := tracer.Start(ctx, "escalation.confirmation")
	defer span.End()

	var p ConfirmationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		c.logger.Error("confirmation payload malformed", "job_id", job.ID, "error", err)
		return nil
	}

	occ, err := c.records.Occurrence(ctx, p.OccurrenceID)
	if errors.Is(err, records.ErrNotFound) {
		c.logger.Warn("confirmation for unknown occurrence", "occurrence_id", p.OccurrenceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("escalation: confirmation load occurrence: %w", err)
	}
	if occ.Status != records.StatusAssigned || occ.Assignee != p.StaffID {
		c.logger.Info("confirmation dropped, assignment changed",
			"occurrence_id", occ.ID,
			"staff_id", p.StaffID,
			"status", occ.Status)
		return nil
	}

	staff, err := c.records.Staff(ctx, p.StaffID)
	if errors.Is(err, records.ErrNotFound) {
		c.alertConfirmationFailure(ctx, occ, p.StaffID, "staff record missing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("escalation: confirmation load staff: %w", err)
	}
	phone, err := c.phones.Validate(staff.Phone)
	if err != nil {
		c.alertConfirmationFailure(ctx, occ, p.StaffID, "staff phone unusable: "+err.Error())
		return nil
	}

	cfg, err := c.records.Provider(ctx, occ.ProviderID)
	if err != nil {
		c.logger.Warn("confirmation rendering without provider config",
			"provider_id", occ.ProviderID,
			"error", err)
		cfg = &records.ProviderConfig{}
	}

	body := templates.Render(confirmationTemplate, templates.ShiftVariables(staff.DisplayName, occ, providerLocation(occ, cfg)))
	if err := c.sender.Send(ctx, messaging.Message{To: phone, Body: body}); err != nil {
		return fmt.Errorf("escalation: confirmation send: %w", err)
	}

	c.publish(ctx, events.Event{
		Kind:         events.KindStaffNotified,
		ProviderID:   occ.ProviderID,
		OccurrenceID: occ.ID,
		StaffID:      staff.ID,
		Detail: map[string]string{
			"channel": "sms",
			"context": "confirmation",
		},
	})
	c.logger.Info("confirmation sent", "occurrence_id", occ.ID, "staff_id", staff.ID)
	return nil
}

// alertConfirmationFailure flags an assignment whose confirmation can never
// be delivered, so the operator confirms by hand.
func (c *Controller) alertConfirmationFailure(ctx context.Context, occ *records.Occurrence, staffID, reason string) {
	c.logger.Error("confirmation undeliverable",
		"occurrence_id", occ.ID,
		"staff_id", staffID,
		"reason", reason)
	if c.alerter == nil {
		return
	}
	subject := "Confirmation undeliverable: " + occ.ID
	body := fmt.Sprintf("The shift %s was assigned to staff %s but the confirmation SMS cannot be sent: %s. Please confirm with them directly.",
		occ.ID, staffID, reason)
	if err := c.alerter.AlertProvider(ctx, occ.ProviderID, subject, body); err != nil {
		c.logger.Error("confirmation alert failed", "error", err)
	}
}
