package messaging

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestValidateSignature(t *testing.T) {
	const authToken = "secret-token"
	const webhookURL = "https://engine.example.com/webhooks/sms"

	params := url.Values{}
	params.Set("From", "+61400111222")
	params.Set("To", "+61400999888")
	params.Set("Body", "YES")
	params.Set("MessageSid", "SM123")

	req := httptest.NewRequest("POST", "/webhooks/sms", strings.NewReader(params.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", Signature(webhookURL, params, authToken))

	if !ValidateSignature(req, authToken, webhookURL) {
		t.Fatal("expected valid signature")
	}
}

func TestValidateSignatureRejectsTampering(t *testing.T) {
	const authToken = "secret-token"
	const webhookURL = "https://engine.example.com/webhooks/sms"

	params := url.Values{}
	params.Set("Body", "YES")
	sig := Signature(webhookURL, params, authToken)

	// Body changed after signing.
	tampered := url.Values{}
	tampered.Set("Body", "NO")
	req := httptest.NewRequest("POST", "/webhooks/sms", strings.NewReader(tampered.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", sig)
	if ValidateSignature(req, authToken, webhookURL) {
		t.Fatal("tampered body must fail validation")
	}

	// Missing header.
	req = httptest.NewRequest("POST", "/webhooks/sms", strings.NewReader(params.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if ValidateSignature(req, authToken, webhookURL) {
		t.Fatal("missing signature must fail validation")
	}

	// Wrong auth token.
	req = httptest.NewRequest("POST", "/webhooks/sms", strings.NewReader(params.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", Signature(webhookURL, params, "other-token"))
	if ValidateSignature(req, authToken, webhookURL) {
		t.Fatal("wrong token must fail validation")
	}
}

func TestSignatureSortsParams(t *testing.T) {
	const webhookURL = "https://engine.example.com/webhooks/voice"
	a := url.Values{"Zed": {"1"}, "Alpha": {"2"}}
	b := url.Values{"Alpha": {"2"}, "Zed": {"1"}}
	if Signature(webhookURL, a, "tok") != Signature(webhookURL, b, "tok") {
		t.Fatal("signature must be insensitive to map iteration order")
	}
}

func TestParseInboundSMS(t *testing.T) {
	params := url.Values{}
	params.Set("MessageSid", "SM123")
	params.Set("From", "+61400111222")
	params.Set("To", "+61400999888")
	params.Set("Body", " yes ")

	req := httptest.NewRequest("POST", "/webhooks/sms", strings.NewReader(params.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	sms, err := ParseInboundSMS(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sms.MessageSID != "SM123" || sms.From != "+61400111222" || sms.Body != " yes " {
		t.Fatalf("unexpected parse: %#v", sms)
	}
}
