package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shiftfill/escalation-engine/internal/events"
	"github.com/shiftfill/escalation-engine/internal/jobs"
	"github.com/shiftfill/escalation-engine/internal/messaging"
	"github.com/shiftfill/escalation-engine/internal/messaging/templates"
	"github.com/shiftfill/escalation-engine/internal/records"
)

// statusRank orders the pre-terminal ladder so a rerun wave can tell whether
// its sends already went out.
var statusRank = map[string]int{
	records.StatusOpen:      0,
	records.StatusWave1Sent: 1,
	records.StatusWave2Sent: 2,
	records.StatusWave3Sent: 3,
	records.StatusCalling:   4,
}

// HandleWave processes one sms-waves job. The handler is safe to rerun: a
// wave whose status bump already landed skips its sends and only re-arms the
// cascade hand-off.
func (c *Controller) HandleWave(ctx context.Context, job *jobs.Job) error {
	ctx, span := tracer.Start(ctx, "escalation.wave")
	defer span.End()

	var p WavePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		c.logger.Error("wave payload malformed", "job_id", job.ID, "error", err)
		return nil
	}

	occ, err := c.records.Occurrence(ctx, p.OccurrenceID)
	if errors.Is(err, records.ErrNotFound) {
		c.logger.Warn("wave for unknown occurrence", "occurrence_id", p.OccurrenceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("escalation: wave %d load occurrence: %w", p.Wave, err)
	}
	if occ.EscalationEpoch != p.Epoch {
		c.logger.Info("wave dropped, stale epoch",
			"occurrence_id", occ.ID,
			"wave", p.Wave,
			"job_epoch", p.Epoch,
			"epoch", occ.EscalationEpoch)
		return nil
	}
	if records.Terminal(occ.Status) {
		return nil
	}

	cfg, err := c.records.Provider(ctx, occ.ProviderID)
	if errors.Is(err, records.ErrNotFound) {
		c.logger.Error("wave dropped, provider config gone", "provider_id", occ.ProviderID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("escalation: wave %d load provider: %w", p.Wave, err)
	}

	if statusRank[occ.Status] < statusRank[records.WaveStatus(p.Wave)] {
		if err := c.sendWave(ctx, occ, cfg, p); err != nil {
			return err
		}
		c.metrics.ObserveWave(strconv.Itoa(p.Wave))
		if err := c.markWaveSent(ctx, occ, p.Wave); err != nil {
			return err
		}
	} else {
		c.logger.Info("wave already sent, skipping sends",
			"occurrence_id", occ.ID,
			"wave", p.Wave,
			"status", occ.Status)
	}

	return c.OnWaveComplete(ctx, occ.ID, p.Epoch, p.Wave, p.Final)
}

// sendWave texts every reachable pool member. One undeliverable member never
// blocks the wave, but a wave where nothing at all went out is returned as an
// error so the job retries.
func (c *Controller) sendWave(ctx context.Context, occ *records.Occurrence, cfg *records.ProviderConfig, p WavePayload) error {
	loc := providerLocation(occ, cfg)
	now := c.now()

	sent := 0
	for _, staffID := range occ.Pool {
		staff, err := c.records.Staff(ctx, staffID)
		if err != nil {
			c.logger.Warn("wave skip, staff lookup failed", "staff_id", staffID, "error", err)
			continue
		}
		phone, err := c.phones.Validate(staff.Phone)
		if err != nil {
			c.logger.Warn("wave skip, bad phone", "staff_id", staffID, "error", err)
			continue
		}

		body := templates.Render(cfg.MessageTemplate, templates.ShiftVariables(staff.DisplayName, occ, loc))
		msg := messaging.Message{
			To:       phone,
			Body:     body,
			Metadata: map[string]string{},
		}
		if err := c.sender.Send(ctx, msg); err != nil {
			c.logger.Error("wave send failed", "staff_id", staffID, "error", err)
			c.appendWaveLog(ctx, occ, staffID, p.Wave, records.OutcomeFailed, "", now)
			continue
		}
		sent++

		c.appendWaveLog(ctx, occ, staffID, p.Wave, records.OutcomeCompleted, msg.Metadata["carrier_message_id"], now)
		err = c.intents.Record(ctx, phone, WaveIntent{
			OccurrenceID: occ.ID,
			ProviderID:   occ.ProviderID,
			StaffID:      staffID,
			Epoch:        p.Epoch,
			Wave:         p.Wave,
		}, occ.ScheduledAt, now)
		if err != nil {
			c.logger.Error("intent record failed", "staff_id", staffID, "error", err)
		}
		c.publish(ctx, events.Event{
			Kind:         events.KindStaffNotified,
			ProviderID:   occ.ProviderID,
			OccurrenceID: occ.ID,
			StaffID:      staffID,
			Detail: map[string]string{
				"channel": "sms",
				"wave":    strconv.Itoa(p.Wave),
			},
		})
	}

	if sent == 0 {
		return fmt.Errorf("escalation: wave %d for %s: no messages sent", p.Wave, occ.ID)
	}
	c.logger.Info("wave sent",
		"occurrence_id", occ.ID,
		"wave", p.Wave,
		"recipients", sent,
		"pool", len(occ.Pool))
	return nil
}

// appendWaveLog records one wave send in the call log. SMS rows get a
// synthetic SID so the log keys stay unique.
func (c *Controller) appendWaveLog(ctx context.Context, occ *records.Occurrence, staffID string, wave int, outcome, carrierID string, now time.Time) {
	sid := carrierID
	if sid == "" {
		sid = "sms:" + uuid.NewString()
	}
	ended := now
	err := c.records.AppendCallLog(ctx, records.CallLogEntry{
		CallSID:      sid,
		OccurrenceID: occ.ID,
		StaffID:      staffID,
		Purpose:      records.PurposeSMSWave,
		Round:        wave,
		Outcome:      outcome,
		StartedAt:    now,
		EndedAt:      &ended,
	})
	if err != nil {
		c.logger.Error("wave call log append failed", "staff_id", staffID, "error", err)
	}
}

// markWaveSent raises the occurrence status to WAVE_n_SENT. Losing the race
// to an accept or cancel is fine; the status only moves while the ladder is
// still live and never backwards.
func (c *Controller) markWaveSent(ctx context.Context, occ *records.Occurrence, wave int) error {
	target := records.WaveStatus(wave)
	for attempt := 1; ; attempt++ {
		if !records.OpenForAssignment(occ.Status) || statusRank[occ.Status] >= statusRank[target] {
			return nil
		}
		_, err := c.records.UpdateOccurrence(ctx, occ.ID, occ.Version, records.OccurrenceUpdate{Status: target})
		if err == nil {
			return nil
		}
		if !errors.Is(err, records.ErrVersionConflict) || attempt >= maxCASAttempts {
			return fmt.Errorf("escalation: mark wave %d sent: %w", wave, err)
		}
		occ, err = c.records.Occurrence(ctx, occ.ID)
		if err != nil {
			return fmt.Errorf("escalation: mark wave %d sent: %w", wave, err)
		}
	}
}
