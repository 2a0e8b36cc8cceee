package bootstrap

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/redis/go-redis/v9"

	"github.com/shiftfill/escalation-engine/internal/audio"
	"github.com/shiftfill/escalation-engine/internal/bridge"
	appconfig "github.com/shiftfill/escalation-engine/internal/config"
	"github.com/shiftfill/escalation-engine/internal/escalation"
	"github.com/shiftfill/escalation-engine/internal/events"
	"github.com/shiftfill/escalation-engine/internal/ivr"
	"github.com/shiftfill/escalation-engine/internal/jobs"
	"github.com/shiftfill/escalation-engine/internal/messaging"
	"github.com/shiftfill/escalation-engine/internal/notify"
	"github.com/shiftfill/escalation-engine/internal/observability/metrics"
	"github.com/shiftfill/escalation-engine/internal/records"
	"github.com/shiftfill/escalation-engine/internal/telephony"
	"github.com/shiftfill/escalation-engine/internal/transfer"
	"github.com/shiftfill/escalation-engine/internal/tts"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

// Core is the service graph both binaries share: the escalation controller
// and every collaborator it drives. The API serves webhooks through it, the
// worker runs job handlers on it.
type Core struct {
	Records     *records.Client
	Scheduler   *jobs.Scheduler
	Publisher   *events.Publisher
	Sender      *messaging.CarrierSender
	Voice       *telephony.VoiceClient
	Synthesizer *tts.Synthesizer
	Alerter     *notify.Service
	Intents     *escalation.IntentStore
	Offers      *escalation.OfferStore
	Controller  *escalation.Controller
}

// BuildCore wires the shared service graph. rdb must be a live client; m
// may be nil when the caller does not collect escalation metrics.
func BuildCore(cfg *appconfig.Config, awsCfg aws.Config, rdb *redis.Client, m *metrics.EscalationMetrics, logger *logging.Logger) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("bootstrap: redis client is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	recordsClient, err := BuildRecordsClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	voice, err := telephony.NewVoiceClient(telephony.VoiceClientConfig{
		AccountSID: cfg.CarrierAccountSID,
		AuthToken:  cfg.CarrierAuthToken,
		From:       cfg.CarrierFromNumber,
		BaseURL:    cfg.CarrierBaseURL,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: voice client: %w", err)
	}
	sender := messaging.NewCarrierSender(cfg.CarrierAccountSID, cfg.CarrierAuthToken, cfg.CarrierFromNumber, cfg.CarrierBaseURL, logger)
	synth := tts.NewSynthesizer(polly.NewFromConfig(awsCfg), rdb, tts.Config{
		Voice:    cfg.TTSVoiceDefault,
		Timeout:  cfg.TTSTimeout,
		CacheTTL: cfg.TTSCacheTTL,
		Logger:   logger,
	})
	alerter := BuildAlerter(cfg, sesv2.NewFromConfig(awsCfg), recordsClient, logger)

	scheduler := jobs.NewScheduler(rdb, logger)
	publisher := events.NewPublisher(rdb, logger).WithTTL(cfg.EventStreamTTL)
	intents := escalation.NewIntentStore(rdb, nil)
	offers := escalation.NewOfferStore(rdb, nil)

	controller := escalation.NewController(escalation.Config{
		Records:   recordsClient,
		Scheduler: scheduler,
		Publisher: publisher,
		Sender:    sender,
		Dialer:    voice,
		Intents:   intents,
		Offers:    offers,
		Prompts:   synth,
		Alerter:   alerter,
		Phones:    messaging.NewPhonePolicy(cfg.AllowedPhonePrefixes),
		Keywords:  messaging.NewClassifier(cfg.AcceptKeywords, cfg.DeclineKeywords),
		Metrics:   m,
		Logger:    logger,
		BaseURL:   cfg.PublicBaseURL,
	})

	return &Core{
		Records:     recordsClient,
		Scheduler:   scheduler,
		Publisher:   publisher,
		Sender:      sender,
		Voice:       voice,
		Synthesizer: synth,
		Alerter:     alerter,
		Intents:     intents,
		Offers:      offers,
		Controller:  controller,
	}, nil
}

// VoiceStack is the inbound call machinery only the API runs: sessions, the
// IVR flow, transfer handling, audio capture, and the media bridge.
type VoiceStack struct {
	Sessions  *ivr.SessionStore
	Machine   *ivr.Machine
	Park      *transfer.ParkStore
	Transfers *transfer.Coordinator
	Capture   *audio.CaptureStore
	Recorder  *audio.Recorder
	Reaper    *audio.Reaper
	Bridge    *bridge.Server
}

// BuildVoiceStack wires the call-handling stack on top of core. m may be
// nil when the caller does not collect call metrics.
func BuildVoiceStack(cfg *appconfig.Config, core *Core, rdb *redis.Client, s3Client *s3.Client, m *metrics.CallMetrics, logger *logging.Logger) *VoiceStack {
	if cfg == nil || core == nil || rdb == nil {
		panic("bootstrap: voice stack requires config, core, and redis")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.RecordingsBucket == "" {
		logger.Warn("recordings bucket not configured, call audio will not be archived")
	}

	sessions := ivr.NewSessionStore(rdb).WithTTL(cfg.SessionTTL)
	capture := audio.NewCaptureStore(rdb, logger)
	archiver := audio.NewArchiver(s3Client, cfg.RecordingsBucket, logger)
	recorder := audio.NewRecorder(capture, archiver, logger)
	reaper := audio.NewReaper(archiver, time.Duration(cfg.RetentionHours)*time.Hour, logger)
	park := transfer.NewParkStore(rdb)

	machine := ivr.NewMachine(ivr.Config{
		Records:   core.Records,
		Publisher: core.Publisher,
		Sessions:  sessions,
		Escalator: core.Controller,
		Logger:    logger,
	})
	transfers := transfer.NewCoordinator(transfer.Config{
		Records:        core.Records,
		Sessions:       sessions,
		Publisher:      core.Publisher,
		Redirector:     core.Voice,
		Recordings:     recorder,
		Park:           park,
		Logger:         logger,
		BaseURL:        cfg.PublicBaseURL,
		FallbackNumber: cfg.TransferFallbackNumber,
		DialTimeout:    cfg.TransferDialTimeout,
	})
	server := bridge.NewServer(bridge.Config{
		Flow:       machine,
		Speaker:    core.Synthesizer,
		Handoff:    transfers,
		Sessions:   sessions,
		Capture:    capture,
		Recordings: recorder,
		CallLog:    core.Records,
		Metrics:    m,
		Logger:     logger,
	})

	return &VoiceStack{
		Sessions:  sessions,
		Machine:   machine,
		Park:      park,
		Transfers: transfers,
		Capture:   capture,
		Recorder:  recorder,
		Reaper:    reaper,
		Bridge:    server,
	}
}
