package ivr

import (
	"fmt"
	"strings"
	"time"

	"github.com/shiftfill/escalation-engine/internal/records"
)

// All caller-facing wording lives here. Keys are stable so synthesized audio
// caches across calls; the rendered text is what actually gets spoken.

const (
	sayWelcome  = "Welcome to the after hours shift line. Please enter your four digit PIN."
	sayPINRetry = "That PIN wasn't recognised. Please enter your four digit PIN again."
	sayUnknownNumber = "We don't recognise the number you're calling from. " +
		"Transferring you to a representative. Please hold."
	sayAuthExhausted = "We couldn't verify your PIN. " +
		"Transferring you to a representative. Please hold."
	sayTrouble = "We're having trouble right now. " +
		"Transferring you to a representative. Please hold."
	sayEscape = "Sorry, we're not getting that. " +
		"Transferring you to a representative. Please hold."
	sayJobCode = "Enter the four digit job code for the shift you're calling about."
	sayJobCodeRetry = "That code doesn't match a shift assigned to you today. " +
		"Please enter the four digit job code again."
	sayJobOptions = "Press 1 to request a new time for this shift. " +
		"Press 2 to open the shift for another team member to take. " +
		"Press 3 to speak with a representative. " +
		"Press 4 to choose a different shift."
	sayReason = "Briefly state the reason you can't attend, " +
		"then press any key to continue."
	sayConfirmLeaveOpen = "Press 1 to confirm you're opening this shift for " +
		"someone else to take. Press 2 to keep the shift."
	sayLeaveOpenDone = "Thanks. The shift is now open and the team is being " +
		"notified. Goodbye."
	sayKeepShift = "No changes made. " + sayJobOptions
	sayCollectDay = "Enter the new day of the month as two digits. " +
		"For example, press 0 5 for the fifth."
	sayCollectMonth = "Enter the month as two digits."
	sayCollectTime = "Enter the new start time as four digits in 24 hour time. " +
		"For example, 1 4 3 0 for half past two in the afternoon."
	sayBadDate = "That date isn't valid. Let's try again. " + sayCollectDay
	sayRescheduleDone = "Thanks. Your reschedule request has been sent to the " +
		"coordinator, who will confirm with you by text. Goodbye."
	sayHoldTransfer = "Please hold while we connect you to a representative."
	sayRetryPrefix  = "Sorry, I didn't get that. "
)

func prompt(key, text string) Prompt {
	return Prompt{Key: key, Text: text}
}

func promptWelcome() Prompt  { return prompt("ivr-welcome", sayWelcome) }
func promptPINRetry() Prompt { return prompt("ivr-pin-retry", sayPINRetry) }

func promptTransfer(text string) Prompt {
	return prompt("ivr-transfer", text)
}

func promptProviderSelect(names []string) Prompt {
	var b strings.Builder
	b.WriteString("You work with more than one provider. ")
	for i, name := range names {
		fmt.Fprintf(&b, "Press %d for %s. ", i+1, name)
	}
	return prompt("ivr-provider-select", strings.TrimSpace(b.String()))
}

func promptConfirmJob(occ *records.Occurrence, loc *time.Location) Prompt {
	at := occ.ScheduledAt.In(loc)
	text := fmt.Sprintf(
		"You selected the shift with %s on %s at %s. "+
			"Press 1 to confirm, or 2 to enter a different code.",
		occ.PatientName, at.Format("Monday 2 January"), at.Format("3:04 PM"))
	return prompt("ivr-confirm-job", text)
}

func promptConfirmDatetime(at time.Time) Prompt {
	text := fmt.Sprintf(
		"You asked to move this shift to %s at %s. "+
			"Press 1 to confirm, or 2 to start again.",
		at.Format("Monday 2 January"), at.Format("3:04 PM"))
	return prompt("ivr-confirm-datetime", text)
}

// retryPrompt prefixes the phase's own prompt with a short apology for
// timeouts and stray digits.
func retryPrompt(p Prompt) Prompt {
	return Prompt{Key: p.Key + "-retry", Text: sayRetryPrefix + p.Text}
}
