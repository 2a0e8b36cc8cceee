// Package messaging holds the SMS side of the engine: the carrier REST
// sender, webhook signature validation and parsing, regional phone
// validation, and the reply keyword classifier.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shiftfill/escalation-engine/pkg/logging"
)

var senderTracer = otel.Tracer("escalation.internal.messaging.sender")

// Message is one outbound SMS.
type Message struct {
	To   string
	From string
	Body string
	// Metadata, when non-nil, receives carrier identifiers after a send.
	Metadata map[string]string
}

// Sender dispatches SMS messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// CarrierSender posts messages to the carrier's REST API with basic auth and
// form encoding.
type CarrierSender struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

var _ Sender = (*CarrierSender)(nil)

// NewCarrierSender builds a sender with sane defaults. baseURL may be empty
// for the production carrier endpoint.
func NewCarrierSender(accountSID, authToken, defaultFrom, baseURL string, logger *logging.Logger) *CarrierSender {
	if logger == nil {
		logger = logging.Default()
	}
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &CarrierSender{
		accountSID: accountSID,
		authToken:  authToken,
		from:       defaultFrom,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Send dispatches a single SMS, retrying transient failures.
func (s *CarrierSender) Send(ctx context.Context, msg Message) error {
	if s.accountSID == "" || s.authToken == "" {
		return errors.New("messaging: carrier credentials missing")
	}
	if msg.To == "" {
		return errors.New("messaging: to required")
	}
	if msg.From == "" {
		msg.From = s.from
	}
	if msg.From == "" {
		return errors.New("messaging: from required")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return errors.New("messaging: body required")
	}

	ctx, span := senderTracer.Start(ctx, "messaging.sms.send")
	defer span.End()
	span.SetAttributes(attribute.String("escalation.sms.to", msg.To))

	payload := url.Values{}
	payload.Set("To", msg.To)
	payload.Set("From", msg.From)
	payload.Set("Body", msg.Body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, s.accountSID)

	var attempt int
	var lastErr error
	for attempt = 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
		if err != nil {
			lastErr = err
			break
		}
		req.SetBasicAuth(s.accountSID, s.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if msg.Metadata != nil && len(body) > 0 {
					var parsed struct {
						SID    string `json:"sid"`
						Status string `json:"status"`
					}
					if err := json.Unmarshal(body, &parsed); err == nil {
						if parsed.SID != "" {
							msg.Metadata["carrier_message_id"] = parsed.SID
						}
						if parsed.Status != "" {
							msg.Metadata["carrier_status"] = parsed.Status
						}
					}
				}
				s.logger.Info("sms sent", "to", msg.To)
				return nil
			}
			lastErr = fmt.Errorf("messaging: carrier send failed: %s", formatCarrierError(resp.StatusCode, body))
			// Don't retry non-rate-limit 4xx errors.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
				break
			}
		}

		if attempt < 3 {
			sleep := time.Duration(200+rand.Intn(300)) * time.Millisecond
			time.Sleep(sleep)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
	}
	return lastErr
}

type carrierAPIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func formatCarrierError(status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fmt.Sprintf("status %d", status)
	}
	var parsed carrierAPIError
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Message != "" {
		if parsed.Code != 0 {
			return fmt.Sprintf("status %d code %d: %s", status, parsed.Code, parsed.Message)
		}
		return fmt.Sprintf("status %d: %s", status, parsed.Message)
	}
	return fmt.Sprintf("status %d: %s", status, trimmed)
}
