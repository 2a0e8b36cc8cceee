package ivr

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/shiftfill/escalation-engine/internal/events"
	"github.com/shiftfill/escalation-engine/internal/records"
)

const maxProviderChoices = 9

func (m *Machine) onPIN(ctx context.Context, sess *Session, digits string) *Action {
	if digits == "" {
		return m.retry(sess, retryPrompt(promptWelcome()))
	}
	staff, err := m.records.Staff(ctx, sess.StaffID)
	if err != nil {
		m.logger.Error("staff reload failed during pin check",
			"call_sid", sess.CallSID, "error", err)
		return transferAction(sess, sayTrouble)
	}

	ok := false
	if staff.PINHash != "" {
		ok, err = VerifyPIN(digits, staff.PINHash)
		if err != nil {
			m.logger.Warn("undecodable pin hash", "staff_id", staff.ID, "error", err)
		}
	}
	if !ok {
		sess.Attempts++
		if sess.Attempts >= maxPhaseAttempts {
			m.publish(ctx, events.Event{
				Kind:       events.KindAuthenticationFailed,
				ProviderID: firstProvider(staff),
				StaffID:    staff.ID,
				CallSID:    sess.CallSID,
				Detail:     map[string]string{"attempts": strconv.Itoa(sess.Attempts)},
			})
			return transferAction(sess, sayAuthExhausted)
		}
		return &Action{Phase: PhasePINAuth, Prompt: promptPINRetry(), Gather: phaseGather(PhasePINAuth)}
	}
	return m.authenticated(ctx, sess, staff)
}

func (m *Machine) authenticated(ctx context.Context, sess *Session, staff *records.Staff) *Action {
	sess.Attempts = 0
	switch len(staff.ProviderIDs) {
	case 0:
		m.logger.Error("staff serves no providers", "staff_id", staff.ID)
		return transferAction(sess, sayTrouble)
	case 1:
		return m.selectProvider(ctx, sess, staff.ProviderIDs[0])
	}

	ids := staff.ProviderIDs
	if len(ids) > maxProviderChoices {
		ids = ids[:maxProviderChoices]
	}
	sess.Providers = ids
	sess.Phase = PhaseProviderSelect
	return &Action{
		Phase:  PhaseProviderSelect,
		Prompt: m.providerMenu(ctx, ids),
		Gather: phaseGather(PhaseProviderSelect),
	}
}

func (m *Machine) providerMenu(ctx context.Context, ids []string) Prompt {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		cfg, err := m.records.Provider(ctx, id)
		if err != nil {
			m.logger.Warn("provider name lookup failed", "provider_id", id, "error", err)
			names = append(names, "your other provider")
			continue
		}
		names = append(names, cfg.Name)
	}
	return promptProviderSelect(names)
}

// selectProvider pins the session to one provider. Only now can the call
// surface on an operator dashboard, so the started and authenticated events
// go out together.
func (m *Machine) selectProvider(ctx context.Context, sess *Session, providerID string) *Action {
	sess.ProviderID = providerID
	m.publish(ctx, events.Event{
		Kind:       events.KindCallStarted,
		ProviderID: providerID,
		StaffID:    sess.StaffID,
		CallSID:    sess.CallSID,
		Detail:     map[string]string{"from": sess.From},
	})
	m.publish(ctx, events.Event{
		Kind:       events.KindCallAuthenticated,
		ProviderID: providerID,
		StaffID:    sess.StaffID,
		CallSID:    sess.CallSID,
	})
	return advance(sess, PhaseCollectJobCode, prompt("ivr-job-code", sayJobCode))
}

func (m *Machine) onProviderSelect(ctx context.Context, sess *Session, digits string) *Action {
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 || n > len(sess.Providers) {
		return m.retry(sess, retryPrompt(m.providerMenu(ctx, sess.Providers)))
	}
	return m.selectProvider(ctx, sess, sess.Providers[n-1])
}

func (m *Machine) onCollectJobCode(ctx context.Context, sess *Session, digits string) *Action {
	if len(digits) != jobCodeLength {
		return m.retry(sess, retryPrompt(prompt("ivr-job-code", sayJobCode)))
	}
	occ, err := m.records.OccurrenceByJobCode(ctx, sess.ProviderID, digits)
	switch {
	case errors.Is(err, records.ErrNotFound):
		return m.retry(sess, prompt("ivr-job-code-retry", sayJobCodeRetry))
	case err != nil:
		m.logger.Error("job code lookup failed", "call_sid", sess.CallSID, "error", err)
		return transferAction(sess, sayTrouble)
	}
	if occ.Assignee != sess.StaffID {
		return m.retry(sess, prompt("ivr-job-code-retry", sayJobCodeRetry))
	}
	sess.OccurrenceID = occ.ID
	sess.JobCode = occ.JobCode
	return advance(sess, PhaseConfirmJobCode, promptConfirmJob(occ, location(occ)))
}

func (m *Machine) onConfirmJobCode(ctx context.Context, sess *Session, digits string) *Action {
	switch digits {
	case "1":
		return advance(sess, PhaseJobOptions, prompt("ivr-job-options", sayJobOptions))
	case "2":
		sess.OccurrenceID, sess.JobCode = "", ""
		return advance(sess, PhaseCollectJobCode, prompt("ivr-job-code", sayJobCode))
	}
	occ, err := m.records.Occurrence(ctx, sess.OccurrenceID)
	if err != nil {
		m.logger.Error("occurrence reload failed", "call_sid", sess.CallSID, "error", err)
		return transferAction(sess, sayTrouble)
	}
	return m.retry(sess, retryPrompt(promptConfirmJob(occ, location(occ))))
}

func (m *Machine) onJobOptions(ctx context.Context, sess *Session, digits string) *Action {
	switch digits {
	case "1":
		m.publishIntent(ctx, sess, map[string]string{"intent": "reschedule"})
		return advance(sess, PhaseCollectDay, prompt("ivr-collect-day", sayCollectDay))
	case "2":
		m.publishIntent(ctx, sess, map[string]string{"intent": "leave_open"})
		return advance(sess, PhaseCollectReason, prompt("ivr-reason", sayReason))
	case "3":
		m.publishIntent(ctx, sess, map[string]string{"intent": "representative"})
		return transferAction(sess, sayHoldTransfer)
	case "4":
		sess.OccurrenceID, sess.JobCode = "", ""
		return advance(sess, PhaseCollectJobCode, prompt("ivr-job-code", sayJobCode))
	}
	return m.retry(sess, retryPrompt(prompt("ivr-job-options", sayJobOptions)))
}

// onCollectReason moves on whatever happens: the reason is spoken, and both
// a keypress and silence mean the caller finished talking.
func (m *Machine) onCollectReason(_ context.Context, sess *Session, _ string) *Action {
	return advance(sess, PhaseConfirmLeaveOpen, prompt("ivr-confirm-leave-open", sayConfirmLeaveOpen))
}

func (m *Machine) onConfirmLeaveOpen(ctx context.Context, sess *Session, digits string) *Action {
	switch digits {
	case "1":
		if err := m.escalator.StartEscalation(ctx, sess.OccurrenceID); err != nil {
			m.logger.Error("leave open failed", "call_sid", sess.CallSID,
				"occurrence_id", sess.OccurrenceID, "error", err)
			return transferAction(sess, sayTrouble)
		}
		sess.Phase = PhaseDone
		return &Action{Phase: PhaseDone, Prompt: prompt("ivr-leave-open-done", sayLeaveOpenDone), Hangup: true}
	case "2":
		return advance(sess, PhaseJobOptions, prompt("ivr-keep-shift", sayKeepShift))
	}
	return m.retry(sess, retryPrompt(prompt("ivr-confirm-leave-open", sayConfirmLeaveOpen)))
}

func (m *Machine) onCollectDay(_ context.Context, sess *Session, digits string) *Action {
	n, err := strconv.Atoi(digits)
	if len(digits) != 2 || err != nil || n < 1 || n > 31 {
		return m.retry(sess, retryPrompt(prompt("ivr-collect-day", sayCollectDay)))
	}
	sess.Day = n
	return advance(sess, PhaseCollectMonth, prompt("ivr-collect-month", sayCollectMonth))
}

func (m *Machine) onCollectMonth(_ context.Context, sess *Session, digits string) *Action {
	n, err := strconv.Atoi(digits)
	if len(digits) != 2 || err != nil || n < 1 || n > 12 {
		return m.retry(sess, retryPrompt(prompt("ivr-collect-month", sayCollectMonth)))
	}
	if sess.Day > daysInMonthMax(n) {
		sess.Day, sess.Month = 0, 0
		return advance(sess, PhaseCollectDay, prompt("ivr-bad-date", sayBadDate))
	}
	sess.Month = n
	return advance(sess, PhaseCollectTime, prompt("ivr-collect-time", sayCollectTime))
}

func (m *Machine) onCollectTime(ctx context.Context, sess *Session, digits string) *Action {
	if len(digits) != 4 {
		return m.retry(sess, retryPrompt(prompt("ivr-collect-time", sayCollectTime)))
	}
	hh, err1 := strconv.Atoi(digits[:2])
	mm, err2 := strconv.Atoi(digits[2:])
	if err1 != nil || err2 != nil || hh > 23 || mm > 59 {
		return m.retry(sess, retryPrompt(prompt("ivr-collect-time", sayCollectTime)))
	}

	occ, err := m.records.Occurrence(ctx, sess.OccurrenceID)
	if err != nil {
		m.logger.Error("occurrence reload failed", "call_sid", sess.CallSID, "error", err)
		return transferAction(sess, sayTrouble)
	}
	loc := location(occ)
	at := rescheduleCandidate(m.now().In(loc), sess.Month, sess.Day, hh, mm, loc)
	if at.IsZero() {
		sess.Day, sess.Month = 0, 0
		return advance(sess, PhaseCollectDay, prompt("ivr-bad-date", sayBadDate))
	}
	sess.TimeHHMM = digits
	sess.RescheduleAt = at.Format(time.RFC3339)
	return advance(sess, PhaseConfirmDatetime, promptConfirmDatetime(at))
}

func (m *Machine) onConfirmDatetime(ctx context.Context, sess *Session, digits string) *Action {
	switch digits {
	case "1":
		m.publishIntent(ctx, sess, map[string]string{
			"intent":          "reschedule",
			"requested_start": sess.RescheduleAt,
		})
		sess.Phase = PhaseDone
		return &Action{Phase: PhaseDone, Prompt: prompt("ivr-reschedule-done", sayRescheduleDone), Hangup: true}
	case "2":
		sess.Day, sess.Month, sess.TimeHHMM, sess.RescheduleAt = 0, 0, "", ""
		return advance(sess, PhaseCollectDay, prompt("ivr-collect-day", sayCollectDay))
	}
	at, err := time.Parse(time.RFC3339, sess.RescheduleAt)
	if err != nil {
		m.logger.Error("session lost its reschedule candidate", "call_sid", sess.CallSID)
		return transferAction(sess, sayTrouble)
	}
	return m.retry(sess, retryPrompt(promptConfirmDatetime(at)))
}

func (m *Machine) publishIntent(ctx context.Context, sess *Session, detail map[string]string) {
	m.publish(ctx, events.Event{
		Kind:         events.KindIntentDetected,
		ProviderID:   sess.ProviderID,
		OccurrenceID: sess.OccurrenceID,
		StaffID:      sess.StaffID,
		CallSID:      sess.CallSID,
		Detail:       detail,
	})
}

func firstProvider(staff *records.Staff) string {
	if len(staff.ProviderIDs) == 0 {
		return ""
	}
	return staff.ProviderIDs[0]
}

// daysInMonthMax is the calendar ceiling for a month in any year; February
// allows 29 here because the year is unknown until the time step resolves it.
func daysInMonthMax(month int) int {
	switch time.Month(month) {
	case time.February:
		return 29
	case time.April, time.June, time.September, time.November:
		return 30
	}
	return 31
}

// rescheduleCandidate resolves day/month/time to the next future instant
// matching them, trying this year then next. Zero when the combination names
// no real date, like February 29th before two common years.
func rescheduleCandidate(now time.Time, month, day, hour, minute int, loc *time.Location) time.Time {
	for year := now.Year(); year <= now.Year()+1; year++ {
		at := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
		if at.Day() != day || at.Month() != time.Month(month) {
			continue
		}
		if at.After(now) {
			return at
		}
	}
	return time.Time{}
}
