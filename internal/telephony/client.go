// Package telephony holds the voice carrier REST client and the TwiML
// document types the webhook handlers answer with.
package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shiftfill/escalation-engine/pkg/logging"
)

var clientTracer = otel.Tracer("escalation.internal.telephony")

// ErrCallNotFound marks an update against a call the carrier no longer
// knows, typically one that already hung up.
var ErrCallNotFound = errors.New("telephony: call not found")

// Call status values delivered by the carrier's status callbacks.
const (
	CallStatusAnswered  = "answered"
	CallStatusCompleted = "completed"
	CallStatusNoAnswer  = "no-answer"
	CallStatusCanceled  = "canceled"
	CallStatusBusy      = "busy"
	CallStatusFailed    = "failed"
)

// VoiceClientConfig configures the outbound voice client.
type VoiceClientConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	// BaseURL overrides the carrier API base URL (for testing).
	BaseURL    string
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// VoiceClient originates and updates calls through the carrier's REST API.
type VoiceClient struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewVoiceClient creates a client for placing and steering calls.
func NewVoiceClient(cfg VoiceClientConfig) (*VoiceClient, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, fmt.Errorf("telephony: account SID required")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("telephony: auth token required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &VoiceClient{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// OriginateRequest contains the parameters for one outbound call.
type OriginateRequest struct {
	To   string
	From string
	// AnswerURL serves the TwiML once the callee picks up.
	AnswerURL string
	// StatusCallbackURL receives lifecycle events (answered, completed,
	// no-answer, busy, failed, canceled).
	StatusCallbackURL string
	// RingTimeout in seconds before the carrier gives up; defaults to 30.
	RingTimeout int
	// MachineDetection asks the carrier to flag voicemail pickups in the
	// status callback's AnsweredBy field.
	MachineDetection bool
}

// Call is the carrier's view of a placed call.
type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// Originate places an outbound call.
func (c *VoiceClient) Originate(ctx context.Context, req OriginateRequest) (*Call, error) {
	if req.To == "" {
		return nil, fmt.Errorf("telephony: to required")
	}
	if req.From == "" {
		req.From = c.from
	}
	if req.From == "" {
		return nil, fmt.Errorf("telephony: from required")
	}
	if req.AnswerURL == "" {
		return nil, fmt.Errorf("telephony: answer URL required")
	}

	ctx, span := clientTracer.Start(ctx, "telephony.originate")
	defer span.End()
	span.SetAttributes(attribute.String("escalation.call.to", req.To))

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.AnswerURL)
	form.Set("Method", "POST")
	timeout := req.RingTimeout
	if timeout <= 0 {
		timeout = 30
	}
	form.Set("Timeout", strconv.Itoa(timeout))
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackEvent", "answered completed")
		form.Set("StatusCallbackMethod", "POST")
	}
	if req.MachineDetection {
		form.Set("MachineDetection", "Enable")
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	body, err := c.post(ctx, endpoint, form)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	var call Call
	if err := json.Unmarshal(body, &call); err != nil {
		return nil, fmt.Errorf("telephony: decode originate response: %w", err)
	}
	c.logger.Info("call originated", "call_sid", call.SID, "to", req.To)
	return &call, nil
}

// Redirect points a live call at new TwiML. The carrier fetches twimlURL and
// replaces whatever the call was doing, which is how mid-call transfer moves
// a caller off the media stream and onto a dial leg.
func (c *VoiceClient) Redirect(ctx context.Context, callSID, twimlURL string) error {
	if callSID == "" || twimlURL == "" {
		return fmt.Errorf("telephony: call SID and TwiML URL required")
	}
	ctx, span := clientTracer.Start(ctx, "telephony.redirect")
	defer span.End()
	span.SetAttributes(attribute.String("escalation.call_sid", callSID))

	form := url.Values{}
	form.Set("Url", twimlURL)
	form.Set("Method", "POST")
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)
	if _, err := c.post(ctx, endpoint, form); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// RedirectTwiML replaces a live call's flow with an inline TwiML document,
// sparing the carrier a fetch back to us for a document we already hold.
func (c *VoiceClient) RedirectTwiML(ctx context.Context, callSID string, twiml []byte) error {
	if callSID == "" || len(twiml) == 0 {
		return fmt.Errorf("telephony: call SID and TwiML required")
	}
	ctx, span := clientTracer.Start(ctx, "telephony.redirect_twiml")
	defer span.End()
	span.SetAttributes(attribute.String("escalation.call_sid", callSID))

	form := url.Values{}
	form.Set("Twiml", string(twiml))
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)
	if _, err := c.post(ctx, endpoint, form); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Hangup completes a live call.
func (c *VoiceClient) Hangup(ctx context.Context, callSID string) error {
	if callSID == "" {
		return fmt.Errorf("telephony: call SID required")
	}
	ctx, span := clientTracer.Start(ctx, "telephony.hangup")
	defer span.End()

	form := url.Values{}
	form.Set("Status", "completed")
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)
	if _, err := c.post(ctx, endpoint, form); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// post submits one form-encoded request, retrying transient failures.
func (c *VoiceClient) post(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("telephony: build request: %w", err)
		}
		req.SetBasicAuth(c.accountSID, c.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("telephony: http request: %w", err)
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return body, nil
			}
			if resp.StatusCode == http.StatusNotFound {
				return nil, fmt.Errorf("%w: status 404", ErrCallNotFound)
			}
			lastErr = fmt.Errorf("telephony: carrier returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			// Don't retry non-rate-limit 4xx errors.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
				return nil, lastErr
			}
		}

		if attempt < 3 {
			sleep := time.Duration(200+rand.Intn(300)) * time.Millisecond
			time.Sleep(sleep)
		}
	}
	return nil, lastErr
}
