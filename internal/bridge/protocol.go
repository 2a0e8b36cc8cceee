package bridge

// The media-stream wire protocol frames every event as one JSON object per
// WebSocket text message, discriminated by "event".
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventDTMF      = "dtmf"
	eventMark      = "mark"
	eventStop      = "stop"
	eventClear     = "clear"
)

const trackOutbound = "outbound"

type streamMessage struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Start     *startFrame `json:"start,omitempty"`
	Media     *mediaFrame `json:"media,omitempty"`
	DTMF      *dtmfFrame  `json:"dtmf,omitempty"`
	Mark      *markFrame  `json:"mark,omitempty"`
	Stop      *stopFrame  `json:"stop,omitempty"`
}

// startFrame announces the call behind the stream. CustomParameters carries
// whatever the voice webhook put on the <Stream> element; the caller's
// number rides in under "from", since the carrier's own frame omits it.
type startFrame struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
}

// mediaFrame is 20 ms of base64 µ-law.
type mediaFrame struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type dtmfFrame struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// markFrame names a position in the outbound audio queue; the carrier
// echoes it back once everything queued before it has played.
type markFrame struct {
	Name string `json:"name"`
}

type stopFrame struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// Messages the bridge sends back down the stream.

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Event     string    `json:"event"`
	StreamSID string    `json:"streamSid"`
	Mark      markFrame `json:"mark"`
}

// outboundClear tells the carrier to drop any queued but unplayed audio,
// used when a caller keys a digit into a still-playing prompt.
type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}
