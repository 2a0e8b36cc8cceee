package telephony

import (
	"strings"
	"testing"
)

func renderBody(t *testing.T, resp *Response) string {
	t.Helper()
	out, err := Render(resp)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	s := string(out)
	if !strings.HasPrefix(s, `<?xml version="1.0" encoding="UTF-8"?>`) {
		t.Fatalf("missing XML prolog: %s", s)
	}
	return s[strings.Index(s, "?>")+2:]
}

func TestRenderSayHangup(t *testing.T) {
	body := renderBody(t, &Response{Verbs: []any{
		Say{Voice: "Polly.Olivia", Text: "Sorry, we could not process your call."},
		Hangup{},
	}})
	want := `<Response><Say voice="Polly.Olivia">Sorry, we could not process your call.</Say><Hangup></Hangup></Response>`
	if strings.TrimSpace(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}

func TestRenderGatherWithNestedPlay(t *testing.T) {
	body := renderBody(t, &Response{Verbs: []any{
		Gather{
			Input:     "dtmf",
			NumDigits: 1,
			Timeout:   15,
			Action:    "/webhooks/voice/outbound/response",
			Method:    "POST",
			Verbs:     []any{Play{URL: "https://engine.example.com/audio/pr-1"}},
		},
	}})
	want := `<Response><Gather input="dtmf" numDigits="1" timeout="15" action="/webhooks/voice/outbound/response" method="POST"><Play>https://engine.example.com/audio/pr-1</Play></Gather></Response>`
	if strings.TrimSpace(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}

func TestRenderDialNumber(t *testing.T) {
	body := renderBody(t, &Response{Verbs: []any{
		Dial{
			CallerID:                "+61412345678",
			Timeout:                 30,
			Action:                  "/webhooks/voice/transfer/complete",
			Method:                  "POST",
			Record:                  DialRecordDual,
			RecordingStatusCallback: "/webhooks/voice/recording",
			Number:                  "+61255550199",
		},
	}})
	want := `<Response><Dial callerId="+61412345678" timeout="30" action="/webhooks/voice/transfer/complete" method="POST" record="record-from-answer-dual" recordingStatusCallback="/webhooks/voice/recording"><Number>+61255550199</Number></Dial></Response>`
	if strings.TrimSpace(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}

func TestRenderConnectStream(t *testing.T) {
	body := renderBody(t, &Response{Verbs: []any{
		Connect{Stream: Stream{
			URL: "wss://engine.example.com/media",
			Parameters: []Parameter{
				{Name: "session_kind", Value: "outbound_offer"},
				{Name: "occurrence_id", Value: "occ-42"},
			},
		}},
	}})
	want := `<Response><Connect><Stream url="wss://engine.example.com/media">` +
		`<Parameter name="session_kind" value="outbound_offer"></Parameter>` +
		`<Parameter name="occurrence_id" value="occ-42"></Parameter>` +
		`</Stream></Connect></Response>`
	if strings.TrimSpace(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}

func TestRenderEmptyResponse(t *testing.T) {
	body := renderBody(t, &Response{})
	if strings.TrimSpace(body) != `<Response></Response>` {
		t.Errorf("body = %s", body)
	}
}

func TestRenderEscapesText(t *testing.T) {
	body := renderBody(t, &Response{Verbs: []any{Say{Text: "Jones & Co <shift>"}}})
	if !strings.Contains(body, "Jones &amp; Co &lt;shift&gt;") {
		t.Errorf("body = %s, want escaped text", body)
	}
}

func TestMustRenderPanicsOnBadDocument(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustRender(&Response{Verbs: []any{func() {}}})
}
