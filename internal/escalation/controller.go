package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shiftfill/escalation-engine/internal/events"
	"github.com/shiftfill/escalation-engine/internal/jobs"
	"github.com/shiftfill/escalation-engine/internal/messaging"
	"github.com/shiftfill/escalation-engine/internal/observability/metrics"
	"github.com/shiftfill/escalation-engine/internal/records"
	"github.com/shiftfill/escalation-engine/internal/telephony"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

var tracer = otel.Tracer("escalation.internal.escalation")

// ErrConfigMissing marks a provider whose escalation settings are absent or
// unusable. The operator has been alerted; nothing was scheduled.
var ErrConfigMissing = errors.New("escalation: provider config missing or invalid")

// Conditional updates reload and retry this many times before giving up.
const maxCASAttempts = 3

// AcceptOutcome is the result of an assignment attempt, regardless of the
// channel it arrived on.
type AcceptOutcome string

const (
	AcceptAccepted        AcceptOutcome = "ACCEPTED"
	AcceptAlreadyAssigned AcceptOutcome = "ALREADY_ASSIGNED"
	AcceptIneligible      AcceptOutcome = "INELIGIBLE"
	AcceptClosed          AcceptOutcome = "CLOSED"
)

// Dialer places outbound calls. Satisfied by telephony.VoiceClient.
type Dialer interface {
	Originate(ctx context.Context, req telephony.OriginateRequest) (*telephony.Call, error)
}

// PromptCache pre-renders voice prompts so the answer webhook can play cached
// audio instead of robo-reading text. Satisfied by tts.Synthesizer.
type PromptCache interface {
	Prepare(ctx context.Context, promptID, text, voice string) error
}

// Alerter notifies the operator of conditions no retry will fix. The
// provider-scoped form also reaches the provider's own alert address.
// Satisfied by notify.Service.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
	AlertProvider(ctx context.Context, providerID, subject, body string) error
}

// Config wires a Controller. Records, Scheduler, Publisher, Sender, Offers,
// Intents, and Dialer are required; the rest default.
type Config struct {
	Records   *records.Client
	Scheduler *jobs.Scheduler
	Publisher *events.Publisher
	Sender    messaging.Sender
	Dialer    Dialer
	Intents   *IntentStore
	Offers    *OfferStore
	Prompts   PromptCache
	Alerter   Alerter
	Phones    *messaging.PhonePolicy
	Keywords  *messaging.Classifier
	Metrics   *metrics.EscalationMetrics
	Logger    *logging.Logger
	// BaseURL is the public origin webhooks and audio URLs are built on,
	// e.g. "https://engine.example.com".
	BaseURL string
	Now     func() time.Time
}

// Controller owns every escalation decision. Job handlers, webhook handlers,
// and the IVR all funnel through it so that epoch checks and the
// single-assignment rule live in one place.
type Controller struct {
	records   *records.Client
	scheduler *jobs.Scheduler
	publisher *events.Publisher
	sender    messaging.Sender
	dialer    Dialer
	intents   *IntentStore
	offers    *OfferStore
	prompts   PromptCache
	alerter   Alerter
	phones    *messaging.PhonePolicy
	keywords  *messaging.Classifier
	metrics   *metrics.EscalationMetrics
	logger    *logging.Logger
	baseURL   string
	now       func() time.Time
}

// NewController validates cfg and builds a Controller.
func NewController(cfg Config) *Controller {
	if cfg.Records == nil {
		panic("escalation: controller requires a records client")
	}
	if cfg.Scheduler == nil {
		panic("escalation: controller requires a scheduler")
	}
	if cfg.Publisher == nil {
		panic("escalation: controller requires an event publisher")
	}
	if cfg.Sender == nil {
		panic("escalation: controller requires an sms sender")
	}
	if cfg.Dialer == nil {
		panic("escalation: controller requires a dialer")
	}
	if cfg.Intents == nil {
		panic("escalation: controller requires an intent store")
	}
	if cfg.Offers == nil {
		panic("escalation: controller requires an offer store")
	}
	if cfg.Phones == nil {
		cfg.Phones = messaging.NewPhonePolicy(nil)
	}
	if cfg.Keywords == nil {
		cfg.Keywords = messaging.NewClassifier(nil, nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		records:   cfg.Records,
		scheduler: cfg.Scheduler,
		publisher: cfg.Publisher,
		sender:    cfg.Sender,
		dialer:    cfg.Dialer,
		intents:   cfg.Intents,
		offers:    cfg.Offers,
		prompts:   cfg.Prompts,
		alerter:   cfg.Alerter,
		phones:    cfg.Phones,
		keywords:  cfg.Keywords,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		baseURL:   cfg.BaseURL,
		now:       cfg.Now,
	}
}

// StartEscalation opens the ladder for an occurrence: it bumps the epoch,
// resets the status to OPEN, and schedules up to three SMS waves spaced
// evenly across the remaining time. A provider whose config cannot carry an
// escalation gets an operator alert instead of a half-started ladder.
func (c *Controller) StartEscalation(ctx context.Context, occurrenceID string) error {
	ctx, span := tracer.Start(ctx, "escalation.start")
	defer span.End()
	span.SetAttributes(attribute.String("escalation.occurrence_id", occurrenceID))

	occ, err := c.records.Occurrence(ctx, occurrenceID)
	if err != nil {
		return fmt.Errorf("escalation: load occurrence %s: %w", occurrenceID, err)
	}

	cfg, err := c.records.Provider(ctx, occ.ProviderID)
	if errors.Is(err, records.ErrNotFound) {
		c.alertConfig(ctx, occ, "no escalation settings found for provider "+occ.ProviderID)
		return fmt.Errorf("escalation: provider %s: %w", occ.ProviderID, ErrConfigMissing)
	}
	if err != nil {
		return fmt.Errorf("escalation: load provider %s: %w", occ.ProviderID, err)
	}
	if reason := c.configProblem(ctx, cfg, occ); reason != "" {
		c.alertConfig(ctx, occ, reason)
		return fmt.Errorf("escalation: provider %s: %s: %w", occ.ProviderID, reason, ErrConfigMissing)
	}

	occ, err = c.updateWithRetry(ctx, occ, func(cur *records.Occurrence) records.OccurrenceUpdate {
		epoch := cur.EscalationEpoch + 1
		return records.OccurrenceUpdate{
			Status:          records.StatusOpen,
			ClearAssignee:   true,
			EscalationEpoch: &epoch,
		}
	})
	if err != nil {
		return fmt.Errorf("escalation: open occurrence %s: %w", occurrenceID, err)
	}

	epoch := occ.EscalationEpoch
	now := c.now()
	delta := waveInterval(now, occ.ScheduledAt, cfg)

	waves := []time.Time{now}
	for n := 2; n <= 3; n++ {
		at := now.Add(time.Duration(n-1) * delta)
		if at.Before(occ.ScheduledAt) {
			waves = append(waves, at)
		}
	}
	for i, at := range waves {
		wave := i + 1
		payload, err := json.Marshal(WavePayload{
			OccurrenceID: occ.ID,
			Epoch:        epoch,
			Wave:         wave,
			Final:        i == len(waves)-1,
		})
		if err != nil {
			return fmt.Errorf("escalation: encode wave payload: %w", err)
		}
		_, err = c.scheduler.Enqueue(ctx, QueueSMSWaves, payload, at,
			jobs.WithJobID(waveJobID(occ.ID, epoch, wave)),
			jobs.WithMaxAttempts(3))
		if err != nil {
			return fmt.Errorf("escalation: schedule wave %d: %w", wave, err)
		}
	}

	c.publish(ctx, events.Event{
		Kind:         events.KindShiftOpened,
		ProviderID:   occ.ProviderID,
		OccurrenceID: occ.ID,
		Detail: map[string]string{
			"epoch":         strconv.FormatInt(epoch, 10),
			"waves_planned": strconv.Itoa(len(waves)),
		},
	})
	c.logger.Info("escalation started",
		"occurrence_id", occ.ID,
		"epoch", epoch,
		"waves", len(waves),
		"interval", delta.String())
	return nil
}

// TryAccept attempts to assign the occurrence to staffID. The conditional
// update on the occurrence version is the only arbiter: whichever channel
// lands first wins and everyone else sees ALREADY_ASSIGNED. Source labels
// the channel ("sms", "call", "ivr", "operator") for events and metrics.
func (c *Controller) TryAccept(ctx context.Context, occurrenceID, staffID, source string) (AcceptOutcome, error) {
	ctx, span := tracer.Start(ctx, "escalation.accept")
	defer span.End()
	span.SetAttributes(
		attribute.String("escalation.occurrence_id", occurrenceID),
		attribute.String("escalation.accept.source", source),
	)

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		occ, err := c.records.Occurrence(ctx, occurrenceID)
		if err != nil {
			return "", fmt.Errorf("escalation: load occurrence %s: %w", occurrenceID, err)
		}

		switch {
		case occ.Status == records.StatusAssigned:
			if occ.Assignee == staffID {
				// The winner retrying their own accept stays a win.
				c.metrics.ObserveAccept(source, "accepted")
				return AcceptAccepted, nil
			}
			c.metrics.ObserveAccept(source, "already_assigned")
			return AcceptAlreadyAssigned, nil
		case records.Terminal(occ.Status):
			c.metrics.ObserveAccept(source, "closed")
			return AcceptClosed, nil
		}
		if !poolContains(occ.Pool, staffID) {
			c.metrics.ObserveAccept(source, "ineligible")
			return AcceptIneligible, nil
		}

		assignee := staffID
		epoch := occ.EscalationEpoch + 1
		updated, err := c.records.UpdateOccurrence(ctx, occ.ID, occ.Version, records.OccurrenceUpdate{
			Status:          records.StatusAssigned,
			Assignee:        &assignee,
			EscalationEpoch: &epoch,
		})
		if errors.Is(err, records.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("escalation: assign occurrence %s: %w", occurrenceID, err)
		}

		c.metrics.ObserveAccept(source, "accepted")
		c.cancelOutstanding(ctx, updated, occ.EscalationEpoch)
		c.enqueueConfirmation(ctx, updated, staffID)
		c.publish(ctx, events.Event{
			Kind:         events.KindShiftFilled,
			ProviderID:   updated.ProviderID,
			OccurrenceID: updated.ID,
			StaffID:      staffID,
			Detail:       map[string]string{"source": source},
		})
		c.logger.Info("shift filled",
			"occurrence_id", updated.ID,
			"staff_id", staffID,
			"source", source)
		return AcceptAccepted, nil
	}
	return "", fmt.Errorf("escalation: accept %s for %s: %w", occurrenceID, staffID, records.ErrVersionConflict)
}

// CancelEscalation closes the occurrence and retires all outstanding
// outreach for it. Cancelling an already-terminal occurrence is a no-op.
func (c *Controller) CancelEscalation(ctx context.Context, occurrenceID, reason string) error {
	ctx, span := tracer.Start(ctx, "escalation.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("escalation.occurrence_id", occurrenceID))

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		occ, err := c.records.Occurrence(ctx, occurrenceID)
		if err != nil {
			return fmt.Errorf("escalation: load occurrence %s: %w", occurrenceID, err)
		}
		if records.Terminal(occ.Status) {
			return nil
		}

		epoch := occ.EscalationEpoch + 1
		updated, err := c.records.UpdateOccurrence(ctx, occ.ID, occ.Version, records.OccurrenceUpdate{
			Status:          records.StatusCancelled,
			EscalationEpoch: &epoch,
		})
		if errors.Is(err, records.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("escalation: cancel occurrence %s: %w", occurrenceID, err)
		}

		c.cancelOutstanding(ctx, updated, occ.EscalationEpoch)
		c.publish(ctx, events.Event{
			Kind:         events.KindOutboundCancelled,
			ProviderID:   updated.ProviderID,
			OccurrenceID: updated.ID,
			Detail:       map[string]string{"reason": reason},
		})
		c.logger.Info("escalation cancelled", "occurrence_id", occurrenceID, "reason", reason)
		return nil
	}
	return fmt.Errorf("escalation: cancel %s: %w", occurrenceID, records.ErrVersionConflict)
}

// OnWaveComplete runs after a wave's sends finish. Only the final wave
// schedules the call cascade: after the provider's wait when wave three
// actually went out, immediately when later waves were squeezed out by a
// close shift start.
func (c *Controller) OnWaveComplete(ctx context.Context, occurrenceID string, epoch int64, wave int, final bool) error {
	if !final {
		return nil
	}

	occ, err := c.records.Occurrence(ctx, occurrenceID)
	if err != nil {
		return fmt.Errorf("escalation: load occurrence %s: %w", occurrenceID, err)
	}
	if occ.EscalationEpoch != epoch || !records.OpenForAssignment(occ.Status) {
		c.logger.Info("cascade not scheduled, escalation moved on",
			"occurrence_id", occurrenceID,
			"status", occ.Status)
		return nil
	}

	cfg, err := c.records.Provider(ctx, occ.ProviderID)
	if err != nil {
		return fmt.Errorf("escalation: load provider %s: %w", occ.ProviderID, err)
	}
	if !cfg.OutboundEnabled {
		c.logger.Info("outbound calling disabled for provider",
			"provider_id", occ.ProviderID,
			"occurrence_id", occurrenceID)
		return nil
	}

	var delay time.Duration
	if wave == 3 {
		delay = time.Duration(clampInt(cfg.WaitMinutes, 1, 120)) * time.Minute
	}

	payload, err := json.Marshal(OutboundPayload{
		Kind:         OutboundKindStart,
		OccurrenceID: occ.ID,
		Epoch:        epoch,
	})
	if err != nil {
		return fmt.Errorf("escalation: encode cascade payload: %w", err)
	}
	_, err = c.scheduler.Enqueue(ctx, QueueOutboundCalls, payload, c.now().Add(delay),
		jobs.WithJobID(cascadeJobID(occ.ID, epoch)),
		jobs.WithMaxAttempts(3))
	if err != nil {
		return fmt.Errorf("escalation: schedule cascade: %w", err)
	}
	c.logger.Info("call cascade scheduled",
		"occurrence_id", occ.ID,
		"after_wave", wave,
		"delay", delay.String())
	return nil
}

// configProblem validates that a provider's settings can carry an
// escalation for occ. It returns an empty string when everything is usable.
func (c *Controller) configProblem(ctx context.Context, cfg *records.ProviderConfig, occ *records.Occurrence) string {
	if len(occ.Pool) == 0 {
		return "occurrence has an empty staff pool"
	}
	if cfg.MessageTemplate == "" {
		return "no wave message template configured"
	}
	reachable := 0
	for _, staffID := range occ.Pool {
		staff, err := c.records.Staff(ctx, staffID)
		if err != nil {
			continue
		}
		if _, err := c.phones.Validate(staff.Phone); err == nil {
			reachable++
		}
	}
	if reachable == 0 {
		return "no pool member has a reachable phone number"
	}
	return ""
}

func (c *Controller) alertConfig(ctx context.Context, occ *records.Occurrence, reason string) {
	c.logger.Error("escalation blocked by provider config",
		"occurrence_id", occ.ID,
		"provider_id", occ.ProviderID,
		"reason", reason)
	if c.alerter == nil {
		return
	}
	subject := "Escalation blocked: " + occ.ID
	body := fmt.Sprintf("Escalation for occurrence %s (provider %s, shift %s) could not start: %s.",
		occ.ID, occ.ProviderID, occ.ScheduledAt.Format(time.RFC3339), reason)
	if err := c.alerter.AlertProvider(ctx, occ.ProviderID, subject, body); err != nil {
		c.logger.Error("config alert failed", "error", err)
	}
}

// cancelOutstanding best-effort cancels every job the given epoch could have
// scheduled. Job IDs are derivable, so nothing needs to be looked up; a
// cancel for a job that never existed is a cheap no-op.
func (c *Controller) cancelOutstanding(ctx context.Context, occ *records.Occurrence, epoch int64) {
	for wave := 1; wave <= 3; wave++ {
		c.cancelJob(ctx, QueueSMSWaves, waveJobID(occ.ID, epoch, wave))
	}
	c.cancelJob(ctx, QueueOutboundCalls, cascadeJobID(occ.ID, epoch))

	rounds := 5
	if cfg, err := c.records.Provider(ctx, occ.ProviderID); err == nil && cfg.MaxRounds > 0 {
		rounds = cfg.MaxRounds
	}
	// Include one round past the limit: the advance that discovers
	// exhaustion is itself a queued job.
	for round := 1; round <= rounds+1; round++ {
		for index := 0; index < len(occ.Pool); index++ {
			c.cancelJob(ctx, QueueOutboundCalls, offerJobID(occ.ID, epoch, round, index))
		}
	}
}

func (c *Controller) cancelJob(ctx context.Context, queue, jobID string) {
	if _, err := c.scheduler.Cancel(ctx, queue, jobID); err != nil {
		c.logger.Warn("job cancel failed", "queue", queue, "job_id", jobID, "error", err)
	}
}

func (c *Controller) enqueueConfirmation(ctx context.Context, occ *records.Occurrence, staffID string) {
	payload, err := json.Marshal(ConfirmationPayload{
		OccurrenceID: occ.ID,
		Epoch:        occ.EscalationEpoch,
		StaffID:      staffID,
	})
	if err != nil {
		c.logger.Error("confirmation payload encode failed", "occurrence_id", occ.ID, "error", err)
		return
	}
	_, err = c.scheduler.Enqueue(ctx, QueueConfirmationSMS, payload, c.now(),
		jobs.WithJobID(confirmJobID(occ.ID, occ.EscalationEpoch, staffID)),
		jobs.WithMaxAttempts(5))
	if err != nil {
		c.logger.Error("confirmation enqueue failed", "occurrence_id", occ.ID, "error", err)
	}
}

// updateWithRetry applies a conditional update built from the freshest read,
// reloading on version conflicts.
func (c *Controller) updateWithRetry(ctx context.Context, occ *records.Occurrence, build func(*records.Occurrence) records.OccurrenceUpdate) (*records.Occurrence, error) {
	for attempt := 1; ; attempt++ {
		updated, err := c.records.UpdateOccurrence(ctx, occ.ID, occ.Version, build(occ))
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, records.ErrVersionConflict) || attempt >= maxCASAttempts {
			return nil, err
		}
		occ, err = c.records.Occurrence(ctx, occ.ID)
		if err != nil {
			return nil, err
		}
	}
}

// publish forwards to the event stream and counts the kind. Publishing never
// fails the caller.
func (c *Controller) publish(ctx context.Context, event events.Event) {
	c.publisher.Publish(ctx, event)
	c.metrics.ObserveEvent(string(event.Kind))
}

// callbackURL builds an absolute webhook URL carrying enough query context
// to survive the offer state expiring.
func (c *Controller) callbackURL(path string, params url.Values) string {
	u := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

// waveInterval spaces the waves: a quarter of the remaining time, at least a
// minute, clamped to the provider's configured bounds.
func waveInterval(now, scheduledAt time.Time, cfg *records.ProviderConfig) time.Duration {
	delta := scheduledAt.Sub(now) / 4
	if delta < time.Minute {
		delta = time.Minute
	}
	if cfg.WaveIntervalMin > 0 {
		if floor := time.Duration(cfg.WaveIntervalMin) * time.Minute; delta < floor {
			delta = floor
		}
	}
	if cfg.WaveIntervalMax > 0 {
		if ceil := time.Duration(cfg.WaveIntervalMax) * time.Minute; delta > ceil {
			delta = ceil
		}
	}
	return delta
}

func poolContains(pool []string, staffID string) bool {
	for _, id := range pool {
		if id == staffID {
			return true
		}
	}
	return false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// providerLocation resolves the timezone used for rendering shift times,
// preferring the occurrence's own zone, then the provider's, then UTC.
func providerLocation(occ *records.Occurrence, cfg *records.ProviderConfig) *time.Location {
	for _, name := range []string{occ.Timezone, cfg.Timezone} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}
