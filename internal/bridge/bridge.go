// Package bridge terminates the carrier media-stream WebSocket. One
// connection is one phone call: inbound µ-law frames feed the capture
// pipeline, the IVR machine's prompts go back out as synthesized media, and
// keyed digits are buffered per the machine's gather policy. The machine's
// verdicts end the stream — a hangup closes it from our side, a transfer
// steers the call away and lets the carrier close it.
package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shiftfill/escalation-engine/internal/audio"
	"github.com/shiftfill/escalation-engine/internal/ivr"
	"github.com/shiftfill/escalation-engine/internal/observability/metrics"
	"github.com/shiftfill/escalation-engine/internal/records"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

var tracer = otel.Tracer("escalation.internal.bridge")

const (
	// defaultInterDigit is how long a partial digit string waits for the
	// next key before submitting as-is.
	defaultInterDigit = 15 * time.Second

	// mediaFrameBytes is 20 ms of 8 kHz µ-law, the frame size the carrier
	// itself sends.
	mediaFrameBytes = 160

	// playoutGrace pads the mark-echo deadline beyond the audio's own
	// duration; past it the prompt is assumed played and the flow moves on.
	playoutGrace = 2 * time.Second

	// closeTimeout bounds the flush-and-archive work after a stream drops.
	closeTimeout = 15 * time.Second

	writeWait = 10 * time.Second
)

// The carrier connects straight to the stream URL with no browser origin;
// the signed voice webhook that issued the URL is the authentication.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// CallFlow walks one caller through the shift flow. Satisfied by
// ivr.Machine.
type CallFlow interface {
	Begin(ctx context.Context, callSID, from string) (*ivr.Action, error)
	Input(ctx context.Context, callSID, digits string) (*ivr.Action, error)
	End(ctx context.Context, callSID string) error
}

// Speaker renders and caches prompt audio. Satisfied by tts.Synthesizer.
type Speaker interface {
	Prepare(ctx context.Context, promptID, text, voice string) error
	Audio(ctx context.Context, promptID string) ([]byte, error)
	Voice() string
}

// Handoff moves a live caller to a human. Satisfied by
// transfer.Coordinator.
type Handoff interface {
	Initiate(ctx context.Context, callSID string) error
}

// Finalizer archives a finished call's captured audio. Satisfied by
// audio.Recorder.
type Finalizer interface {
	FinalizeCall(ctx context.Context, rec audio.CallRecording) (string, error)
}

// CallLog receives the archived recording URI. Satisfied by records.Client.
type CallLog interface {
	UpdateCallLog(ctx context.Context, callSID string, update records.CallLogUpdate) error
}

// Config wires a Server. Flow, Speaker, Handoff, Sessions, Capture,
// Recordings, and CallLog are required; the rest default.
type Config struct {
	Flow       CallFlow
	Speaker    Speaker
	Handoff    Handoff
	Sessions   *ivr.SessionStore
	Capture    *audio.CaptureStore
	Recordings Finalizer
	CallLog    CallLog
	Metrics    *metrics.CallMetrics
	Logger     *logging.Logger
	// InterDigitTimeout overrides how long a partial digit string waits for
	// the next key.
	InterDigitTimeout time.Duration
	Now               func() time.Time
}

// Server handles the media-stream WebSocket endpoint.
type Server struct {
	flow       CallFlow
	speaker    Speaker
	handoff    Handoff
	sessions   *ivr.SessionStore
	capture    *audio.CaptureStore
	recordings Finalizer
	callLog    CallLog
	metrics    *metrics.CallMetrics
	logger     *logging.Logger
	interDigit time.Duration
	now        func() time.Time
}

// NewServer validates cfg and builds a Server.
func NewServer(cfg Config) *Server {
	if cfg.Flow == nil {
		panic("bridge: server requires a call flow")
	}
	if cfg.Speaker == nil {
		panic("bridge: server requires a speaker")
	}
	if cfg.Handoff == nil {
		panic("bridge: server requires a transfer handoff")
	}
	if cfg.Sessions == nil {
		panic("bridge: server requires a session store")
	}
	if cfg.Capture == nil {
		panic("bridge: server requires a capture store")
	}
	if cfg.Recordings == nil {
		panic("bridge: server requires a recording finalizer")
	}
	if cfg.CallLog == nil {
		panic("bridge: server requires a call log")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.InterDigitTimeout <= 0 {
		cfg.InterDigitTimeout = defaultInterDigit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		flow:       cfg.Flow,
		speaker:    cfg.Speaker,
		handoff:    cfg.Handoff,
		sessions:   cfg.Sessions,
		capture:    cfg.Capture,
		recordings: cfg.Recordings,
		callLog:    cfg.CallLog,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("component", "bridge"),
		interDigit: cfg.InterDigitTimeout,
		now:        cfg.Now,
	}
}

// ServeHTTP upgrades the connection and runs the call until either side
// drops the stream.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.metrics.MediaSessionStarted()
	defer s.metrics.MediaSessionEnded()

	ctx, span := tracer.Start(r.Context(), "bridge.stream")
	defer span.End()

	call := &streamCall{
		srv:   s,
		conn:  conn,
		log:   s.logger,
		timer: newStoppedTimer(),
		done:  make(chan struct{}),
	}
	call.run(ctx)
	span.SetAttributes(attribute.String("escalation.call_sid", call.callSID))
}

// textDigest keys the prompt cache by the fully rendered sentence; IVR
// prompts carry their variables baked into the text.
func textDigest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
