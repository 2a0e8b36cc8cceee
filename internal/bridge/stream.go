package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shiftfill/escalation-engine/internal/audio"
	"github.com/shiftfill/escalation-engine/internal/ivr"
	"github.com/shiftfill/escalation-engine/internal/records"
	"github.com/shiftfill/escalation-engine/internal/tts"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

// streamCall is one live media stream. All state belongs to the run
// goroutine; the read pump only parses frames and hands them over.
type streamCall struct {
	srv  *Server
	conn *websocket.Conn
	log  *logging.Logger
	done chan struct{}

	callSID   string
	streamSID string
	from      string
	root      string

	inbound  *audio.LegWriter
	outbound *audio.LegWriter

	// verdict is the action whose post-playout step is pending. playing is
	// true from the moment its prompt frames are queued until the carrier's
	// mark echo, or the playout deadline if the echo never comes.
	verdict *ivr.Action
	playing bool
	mark    string
	markSeq int
	digits  []byte

	// timer is shared: while playing it bounds the mark echo, while
	// gathering it bounds the wait for digits.
	timer    *time.Timer
	closed   bool
	finished bool
}

func (c *streamCall) run(ctx context.Context) {
	defer c.finish()
	defer close(c.done)

	msgs := make(chan streamMessage)
	errc := make(chan error, 1)
	go c.readPump(msgs, errc)

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				select {
				case err := <-errc:
					if websocket.IsUnexpectedCloseError(err,
						websocket.CloseNormalClosure,
						websocket.CloseGoingAway,
						websocket.CloseAbnormalClosure) {
						c.log.Warn("media stream read failed", "error", err)
					}
				default:
				}
				return
			}
			c.handle(ctx, msg)
		case <-c.timer.C:
			c.timerFired(ctx)
		case <-ctx.Done():
			return
		}
		if c.closed {
			return
		}
	}
}

func (c *streamCall) readPump(msgs chan<- streamMessage, errc chan<- error) {
	defer close(msgs)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("unparseable stream frame", "error", err)
			continue
		}
		select {
		case msgs <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *streamCall) handle(ctx context.Context, msg streamMessage) {
	switch msg.Event {
	case eventConnected:
		c.log.Debug("media stream connected")
	case eventStart:
		c.handleStart(ctx, msg)
	case eventMedia:
		c.handleMedia(ctx, msg)
	case eventDTMF:
		c.handleDTMF(ctx, msg)
	case eventMark:
		c.handleMark(ctx, msg)
	case eventStop:
		c.log.Info("media stream stopped", "call_sid", c.callSID)
		c.closed = true
	default:
		c.log.Debug("unknown stream event", "event", msg.Event)
	}
}

func (c *streamCall) handleStart(ctx context.Context, msg streamMessage) {
	if msg.Start == nil || msg.Start.CallSID == "" {
		c.log.Error("start frame without a call SID")
		c.closed = true
		return
	}
	if c.callSID != "" {
		c.log.Warn("duplicate start frame ignored", "call_sid", c.callSID)
		return
	}
	c.callSID = msg.Start.CallSID
	c.streamSID = msg.Start.StreamSID
	if c.streamSID == "" {
		c.streamSID = msg.StreamSID
	}
	c.from = msg.Start.CustomParameters["from"]
	c.log = c.log.With("call_sid", c.callSID)

	// A surviving session means this stream continues an earlier call leg;
	// its audio joins the same recording.
	c.root = c.srv.sessions.RootCallSID(ctx, c.callSID)
	c.inbound = c.srv.capture.Leg(c.root, audio.LegInbound)
	c.outbound = c.srv.capture.Leg(c.root, audio.LegOutbound)

	c.log.Info("call answered", "stream_sid", c.streamSID)
	action, err := c.srv.flow.Begin(ctx, c.callSID, c.from)
	if err != nil {
		c.log.Error("call flow begin failed", "error", err)
		c.escapeToHuman(ctx)
		return
	}
	c.execute(ctx, action)
}

func (c *streamCall) handleMedia(ctx context.Context, msg streamMessage) {
	if msg.Media == nil || msg.Media.Payload == "" || c.inbound == nil {
		return
	}
	frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		c.log.Warn("undecodable media frame", "error", err)
		return
	}
	leg := c.inbound
	if msg.Media.Track == trackOutbound {
		leg = c.outbound
	}
	if err := leg.Append(ctx, frame); err != nil {
		c.log.Warn("capture append failed", "track", msg.Media.Track, "error", err)
	}
}

func (c *streamCall) handleDTMF(ctx context.Context, msg streamMessage) {
	if msg.DTMF == nil || msg.DTMF.Digit == "" {
		return
	}
	v := c.verdict
	if v == nil || v.Gather == nil {
		return
	}
	if c.playing {
		// Barge-in: the caller answered before the prompt finished. Drop
		// the queued audio so the next prompt does not stack behind it.
		c.clearPlayout()
		c.playing = false
	}
	c.digits = append(c.digits, msg.DTMF.Digit...)
	if len(c.digits) >= v.Gather.NumDigits {
		c.submit(ctx, string(c.digits))
		return
	}
	c.armTimer(c.srv.interDigit)
}

func (c *streamCall) handleMark(ctx context.Context, msg streamMessage) {
	if !c.playing || msg.Mark == nil || msg.Mark.Name != c.mark {
		return
	}
	c.playing = false
	c.afterPlayout(ctx)
}

func (c *streamCall) timerFired(ctx context.Context) {
	if c.playing {
		// The mark echo never came; assume the prompt played out.
		c.playing = false
		c.afterPlayout(ctx)
		return
	}
	if v := c.verdict; v != nil && v.Gather != nil {
		c.submit(ctx, string(c.digits))
	}
}

// execute speaks the action's prompt and stages its follow-up. Actions with
// nothing to say act immediately.
func (c *streamCall) execute(ctx context.Context, action *ivr.Action) {
	if action == nil {
		return
	}
	c.verdict = action
	c.digits = c.digits[:0]
	if action.Prompt.Text != "" {
		if err := c.speak(ctx, action.Prompt); err != nil {
			c.log.Error("prompt playout failed",
				"prompt", action.Prompt.Key, "error", err)
			c.verdict = nil
			c.escapeToHuman(ctx)
		}
		return
	}
	c.playing = false
	c.afterPlayout(ctx)
}

// afterPlayout runs an action's verdict once its prompt has been heard.
func (c *streamCall) afterPlayout(ctx context.Context) {
	v := c.verdict
	switch {
	case v == nil:
		c.disarmTimer()
	case v.Gather != nil:
		c.digits = c.digits[:0]
		c.armTimer(v.Gather.Timeout)
	case v.Transfer:
		c.verdict = nil
		c.disarmTimer()
		c.escapeToHuman(ctx)
	case v.Hangup:
		c.verdict = nil
		c.disarmTimer()
		c.endCall()
	default:
		c.verdict = nil
		c.disarmTimer()
	}
}

func (c *streamCall) submit(ctx context.Context, digits string) {
	c.disarmTimer()
	c.verdict = nil
	c.digits = c.digits[:0]
	action, err := c.srv.flow.Input(ctx, c.callSID, digits)
	if err != nil {
		c.log.Error("call flow input failed", "error", err)
		c.escapeToHuman(ctx)
		return
	}
	c.execute(ctx, action)
}

// speak renders the prompt through the cache, mirrors it into the outbound
// capture leg, and queues it down the stream followed by a mark.
func (c *streamCall) speak(ctx context.Context, p ivr.Prompt) error {
	voice := c.srv.speaker.Voice()
	promptID := tts.PromptID(p.Key, textDigest(p.Text), voice)
	if err := c.srv.speaker.Prepare(ctx, promptID, p.Text, voice); err != nil {
		return err
	}
	ulaw, err := c.srv.speaker.Audio(ctx, promptID)
	if err != nil {
		return err
	}
	if err := c.outbound.Append(ctx, ulaw); err != nil {
		c.log.Warn("outbound capture append failed", "error", err)
	}

	for off := 0; off < len(ulaw); off += mediaFrameBytes {
		end := off + mediaFrameBytes
		if end > len(ulaw) {
			end = len(ulaw)
		}
		frame := outboundMedia{
			Event:     eventMedia,
			StreamSID: c.streamSID,
			Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(ulaw[off:end])},
		}
		if err := c.writeJSON(frame); err != nil {
			return fmt.Errorf("bridge: write media: %w", err)
		}
	}

	c.markSeq++
	c.mark = fmt.Sprintf("prompt-%d", c.markSeq)
	if err := c.writeJSON(outboundMark{Event: eventMark, StreamSID: c.streamSID, Mark: markFrame{Name: c.mark}}); err != nil {
		return fmt.Errorf("bridge: write mark: %w", err)
	}
	c.playing = true
	c.armTimer(playoutDeadline(len(ulaw)))
	return nil
}

func (c *streamCall) clearPlayout() {
	if err := c.writeJSON(outboundClear{Event: eventClear, StreamSID: c.streamSID}); err != nil {
		c.log.Warn("clear write failed", "error", err)
	}
}

// escapeToHuman is the last resort when the flow cannot continue: hand the
// caller to the transfer coordinator, or drop the stream if even that
// fails. A successful handoff redirects the call, and the carrier tears the
// stream down on its own.
func (c *streamCall) escapeToHuman(ctx context.Context) {
	if err := c.srv.handoff.Initiate(ctx, c.callSID); err != nil {
		c.log.Error("transfer escape failed, dropping call", "error", err)
		c.closed = true
	}
}

// endCall closes the stream from our side; with no TwiML after the stream
// verb, the carrier hangs the call up.
func (c *streamCall) endCall() {
	c.closed = true
	deadline := time.Now().Add(writeWait)
	if err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
		c.log.Debug("close frame write failed", "error", err)
	}
}

// finish settles the call after the stream drops: flush the capture legs,
// then either leave them for the transfer path or archive them now.
func (c *streamCall) finish() {
	if c.finished || c.callSID == "" {
		return
	}
	c.finished = true

	// The request context dies with the socket; closeout gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := c.inbound.Flush(ctx); err != nil {
		c.log.Warn("inbound capture flush failed", "error", err)
	}
	if err := c.outbound.Flush(ctx); err != nil {
		c.log.Warn("outbound capture flush failed", "error", err)
	}

	if c.srv.sessions.PendingTransfer(ctx, c.callSID) {
		// The dial-action webhook owns the rest of this call's paperwork.
		c.log.Info("stream closed into a transfer, audio stays open",
			"root_call_sid", c.root)
		return
	}

	if err := c.srv.flow.End(ctx, c.callSID); err != nil {
		c.log.Error("call flow end failed", "error", err)
	}
	c.archive(ctx)
}

func (c *streamCall) archive(ctx context.Context) {
	rec := audio.CallRecording{
		RootCallSID: c.root,
		Purpose:     records.PurposeIVR,
		RecordedAt:  c.srv.now(),
	}
	if sess, err := c.srv.sessions.Load(ctx, c.callSID); err == nil {
		rec.OccurrenceID = sess.OccurrenceID
		rec.ProviderID = sess.ProviderID
		rec.StaffID = sess.StaffID
	}
	uri, err := c.srv.recordings.FinalizeCall(ctx, rec)
	if err != nil {
		c.srv.metrics.ObserveAudioUpload("failed")
		c.log.Error("recording archive failed", "root_call_sid", c.root, "error", err)
		return
	}
	if uri == "" {
		return
	}
	c.srv.metrics.ObserveAudioUpload("archived")
	if err := c.srv.callLog.UpdateCallLog(ctx, c.root, records.CallLogUpdate{RecordingURI: uri}); err != nil {
		c.log.Error("recording uri update failed", "root_call_sid", c.root, "error", err)
	}
}

func (c *streamCall) writeJSON(v any) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *streamCall) armTimer(d time.Duration) {
	c.disarmTimer()
	c.timer.Reset(d)
}

func (c *streamCall) disarmTimer() {
	if !c.timer.Stop() {
		select {
		case <-c.timer.C:
		default:
		}
	}
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

// playoutDeadline bounds how long to wait for the carrier's mark echo: the
// audio's real duration plus grace for network and carrier buffering. A
// byte of 8 kHz µ-law is an eighth of a millisecond.
func playoutDeadline(ulawBytes int) time.Duration {
	return time.Duration(ulawBytes)*time.Millisecond/8 + playoutGrace
}
