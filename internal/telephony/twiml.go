package telephony

import (
	"encoding/xml"
	"fmt"
)

// Response is the root of a TwiML document. Verbs execute top to bottom.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say speaks text with the carrier's built-in TTS.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// Play streams an audio file to the call.
type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

// Pause holds the line silently for Length seconds.
type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Redirect hands control of the call to another TwiML URL.
type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

// Gather collects DTMF digits and posts them to Action. Nested verbs play
// while the carrier waits for input.
type Gather struct {
	XMLName   xml.Name `xml:"Gather"`
	Input     string   `xml:"input,attr,omitempty"`
	NumDigits int      `xml:"numDigits,attr,omitempty"`
	Timeout   int      `xml:"timeout,attr,omitempty"`
	Action    string   `xml:"action,attr,omitempty"`
	Method    string   `xml:"method,attr,omitempty"`
	Verbs     []any
}

// Dial bridges the caller to another number. Action receives the dial
// outcome when the bridged leg ends or fails to connect.
type Dial struct {
	XMLName                 xml.Name `xml:"Dial"`
	CallerID                string   `xml:"callerId,attr,omitempty"`
	Timeout                 int      `xml:"timeout,attr,omitempty"`
	Action                  string   `xml:"action,attr,omitempty"`
	Method                  string   `xml:"method,attr,omitempty"`
	Record                  string   `xml:"record,attr,omitempty"`
	RecordingStatusCallback string   `xml:"recordingStatusCallback,attr,omitempty"`
	Number                  string   `xml:"Number,omitempty"`
}

// Connect hands the call's media to a bidirectional websocket stream.
type Connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  Stream   `xml:"Stream"`
}

// Stream identifies the websocket endpoint and custom parameters the
// carrier echoes back in the stream's start message.
type Stream struct {
	XMLName    xml.Name    `xml:"Stream"`
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter,omitempty"`
}

// Parameter is one key/value pair passed through to the stream.
type Parameter struct {
	XMLName xml.Name `xml:"Parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// DialRecordDual records both legs of a dialed call from the moment it is
// answered, on separate channels.
const DialRecordDual = "record-from-answer-dual"

// Render marshals a TwiML document with the XML prolog.
func Render(resp *Response) ([]byte, error) {
	body, err := xml.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("telephony: marshal twiml: %w", err)
	}
	out := make([]byte, 0, len(xml.Header)+len(body))
	out = append(out, xml.Header...)
	out = append(out, body...)
	return out, nil
}

// MustRender renders a document built from static parts, where a marshal
// failure means a programming error.
func MustRender(resp *Response) []byte {
	out, err := Render(resp)
	if err != nil {
		panic(err)
	}
	return out
}
