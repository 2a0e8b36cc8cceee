package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shiftfill/escalation-engine/internal/escalation"
	"github.com/shiftfill/escalation-engine/internal/messaging"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

type fakeOfferService struct {
	smsErr    error
	sms       []*messaging.InboundSMS
	answer    escalation.OfferDecision
	response  escalation.OfferDecision
	statusErr error
	statuses  []string
	digits    []string
}

func (f *fakeOfferService) HandleInboundSMS(_ context.Context, sms *messaging.InboundSMS) error {
	if f.smsErr != nil {
		return f.smsErr
	}
	f.sms = append(f.sms, sms)
	return nil
}

func (f *fakeOfferService) OnOfferAnswered(context.Context, string) escalation.OfferDecision {
	return f.answer
}

func (f *fakeOfferService) OnOfferResponse(_ context.Context, _ string, digits string) escalation.OfferDecision {
	f.digits = append(f.digits, digits)
	return f.response
}

func (f *fakeOfferService) OnOfferStatus(_ context.Context, callSID, callStatus, answeredBy string) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statuses = append(f.statuses, callSID+"/"+callStatus+"/"+answeredBy)
	return nil
}

type fakeTransferService struct {
	doc        []byte
	recordings []string
	recErr     error
}

func (f *fakeTransferService) Complete(_ context.Context, callSID, dialCallSID, dialStatus string) []byte {
	return f.doc
}

func (f *fakeTransferService) Recording(_ context.Context, callSID, recordingURL string) error {
	if f.recErr != nil {
		return f.recErr
	}
	f.recordings = append(f.recordings, callSID+"/"+recordingURL)
	return nil
}

// memSeen is an in-memory processedTracker.
type memSeen struct {
	seen map[string]bool
	err  error
}

func newMemSeen() *memSeen { return &memSeen{seen: map[string]bool{}} }

func (m *memSeen) AlreadyProcessed(_ context.Context, callSID, event string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.seen[callSID+":"+event], nil
}

func (m *memSeen) MarkProcessed(_ context.Context, callSID, event string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	key := callSID + ":" + event
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

type webhookEnv struct {
	handler  *WebhookHandler
	offers   *fakeOfferService
	transfer *fakeTransferService
	seen     *memSeen
}

func newWebhookEnv(t *testing.T, authToken string) *webhookEnv {
	t.Helper()
	env := &webhookEnv{
		offers:   &fakeOfferService{},
		transfer: &fakeTransferService{doc: []byte("<Response><Hangup></Hangup></Response>")},
		seen:     newMemSeen(),
	}
	env.handler = NewWebhookHandler(WebhookConfig{
		Escalation:       env.offers,
		Transfer:         env.transfer,
		Seen:             env.seen,
		Logger:           logging.New("error"),
		CarrierAuthToken: authToken,
		PublicBaseURL:    "https://engine.test",
	})
	return env
}

func postForm(t *testing.T, handler http.HandlerFunc, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleVoiceReturnsConnectStream(t *testing.T) {
	env := newWebhookEnv(t, "")

	rec := postForm(t, env.handler.HandleVoice, "/webhooks/voice", url.Values{
		"CallSid": {"CA100"},
		"From":    {"+61400111222"},
		"To":      {"+61255512345"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("expected text/xml, got %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Connect>") {
		t.Fatalf("expected Connect verb, got %s", body)
	}
	if !strings.Contains(body, "wss://engine.test/media-stream?callSid=CA100") {
		t.Fatalf("expected media stream url with call sid, got %s", body)
	}
	if !strings.Contains(body, `<Parameter name="from" value="+61400111222"`) {
		t.Fatalf("expected from parameter, got %s", body)
	}
}

func TestHandleVoiceRequiresCallSid(t *testing.T) {
	env := newWebhookEnv(t, "")

	rec := postForm(t, env.handler.HandleVoice, "/webhooks/voice", url.Values{
		"From": {"+61400111222"},
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleVoiceVerifiesSignature(t *testing.T) {
	env := newWebhookEnv(t, "carrier-token")

	form := url.Values{"CallSid": {"CA100"}, "From": {"+61400111222"}}
	rec := postForm(t, env.handler.HandleVoice, "/webhooks/voice", form)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected unsigned request rejected with %d, got %d", http.StatusUnauthorized, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature",
		messaging.Signature("https://engine.test/webhooks/voice", form, "carrier-token"))
	rec = httptest.NewRecorder()
	env.handler.HandleVoice(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected signed request accepted, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSMSDispatchesOncePerMessage(t *testing.T) {
	env := newWebhookEnv(t, "")
	form := url.Values{
		"MessageSid": {"SM1"},
		"From":       {"+61400111222"},
		"Body":       {"YES"},
	}

	rec := postForm(t, env.handler.HandleSMS, "/webhooks/sms", form)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Response") {
		t.Fatalf("expected empty response document, got %s", rec.Body.String())
	}
	if len(env.offers.sms) != 1 || env.offers.sms[0].Body != "YES" {
		t.Fatalf("expected one dispatched sms, got %+v", env.offers.sms)
	}

	// A carrier redelivery of the same MessageSid must not re-run the reply.
	rec = postForm(t, env.handler.HandleSMS, "/webhooks/sms", form)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d on redelivery, got %d", http.StatusOK, rec.Code)
	}
	if len(env.offers.sms) != 1 {
		t.Fatalf("expected redelivery deduped, got %d dispatches", len(env.offers.sms))
	}
}

func TestHandleSMSFailureStaysRetryable(t *testing.T) {
	env := newWebhookEnv(t, "")
	env.offers.smsErr = errors.New("records down")
	form := url.Values{
		"MessageSid": {"SM2"},
		"From":       {"+61400111222"},
		"Body":       {"YES"},
	}

	rec := postForm(t, env.handler.HandleSMS, "/webhooks/sms", form)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}

	// The failure must not have consumed the dedupe slot.
	env.offers.smsErr = nil
	rec = postForm(t, env.handler.HandleSMS, "/webhooks/sms", form)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d", rec.Code)
	}
	if len(env.offers.sms) != 1 {
		t.Fatalf("expected exactly one dispatch after retry, got %d", len(env.offers.sms))
	}
}

func TestHandleSMSRequiresMessageSid(t *testing.T) {
	env := newWebhookEnv(t, "")

	rec := postForm(t, env.handler.HandleSMS, "/webhooks/sms", url.Values{
		"From": {"+61400111222"},
		"Body": {"YES"},
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleRecordingForwardsOnce(t *testing.T) {
	env := newWebhookEnv(t, "")
	form := url.Values{
		"CallSid":      {"CA300"},
		"RecordingUrl": {"https://api.carrier.test/rec/RE1"},
	}

	rec := postForm(t, env.handler.HandleRecording, "/webhooks/recording", form)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if len(env.transfer.recordings) != 1 {
		t.Fatalf("expected one recording forward, got %v", env.transfer.recordings)
	}

	rec = postForm(t, env.handler.HandleRecording, "/webhooks/recording", form)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d on redelivery, got %d", http.StatusNoContent, rec.Code)
	}
	if len(env.transfer.recordings) != 1 {
		t.Fatalf("expected redelivery deduped, got %v", env.transfer.recordings)
	}
}

func TestHandleTransferCompleteWritesCoordinatorDocument(t *testing.T) {
	env := newWebhookEnv(t, "")

	rec := postForm(t, env.handler.HandleTransferComplete, "/webhooks/transfer/complete", url.Values{
		"CallSid":     {"CA400"},
		"DialCallSid": {"CA401"},
		"DialStatus":  {"completed"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if rec.Body.String() != string(env.transfer.doc) {
		t.Fatalf("expected coordinator document, got %s", rec.Body.String())
	}
}

func TestWriteDocumentFallsBackOnRenderError(t *testing.T) {
	env := newWebhookEnv(t, "")
	rec := httptest.NewRecorder()

	env.handler.writeDocument(rec, nil, errors.New("marshal failed"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "try again later") || !strings.Contains(body, "<Hangup") {
		t.Fatalf("expected apology document, got %s", body)
	}
}
