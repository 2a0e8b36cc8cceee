package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shiftfill/escalation-engine/pkg/logging"
)

var recordsTracer = otel.Tracer("escalation.internal.records")

const defaultUserAgent = "escalation-engine-records/0.1"

// Config controls how the records client behaves.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
	UserAgent  string
}

// Client wraps the records REST endpoints the engine needs.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger
	userAgent  string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("records: base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("records: API key is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

// Occurrence fetches one occurrence by ID.
func (c *Client) Occurrence(ctx context.Context, occurrenceID string) (*Occurrence, error) {
	if strings.TrimSpace(occurrenceID) == "" {
		return nil, errors.New("records: occurrence id required")
	}
	data, err := c.invoke(ctx, "occurrence.get", http.MethodGet,
		"/v1/occurrences/"+url.PathEscape(occurrenceID), nil, nil, "")
	if err != nil {
		return nil, err
	}
	return decodeInto[Occurrence](data)
}

// OccurrenceByJobCode resolves the short numeric code a caller keys into the
// IVR. Codes are unique per provider per day.
func (c *Client) OccurrenceByJobCode(ctx context.Context, providerID, jobCode string) (*Occurrence, error) {
	if strings.TrimSpace(providerID) == "" || strings.TrimSpace(jobCode) == "" {
		return nil, errors.New("records: provider id and job code required")
	}
	q := url.Values{}
	q.Set("provider_id", providerID)
	data, err := c.invoke(ctx, "occurrence.by_code", http.MethodGet,
		"/v1/occurrences/by-code/"+url.PathEscape(jobCode), q, nil, "")
	if err != nil {
		return nil, err
	}
	return decodeInto[Occurrence](data)
}

// UpdateOccurrence applies a conditional update. The version token must match
// the stored row or the API answers 409/412, surfaced as ErrVersionConflict;
// on success the refreshed occurrence (new version, new epoch) is returned.
func (c *Client) UpdateOccurrence(ctx context.Context, occurrenceID, version string, update OccurrenceUpdate) (*Occurrence, error) {
	if strings.TrimSpace(occurrenceID) == "" {
		return nil, errors.New("records: occurrence id required")
	}
	if strings.TrimSpace(version) == "" {
		return nil, errors.New("records: version token required")
	}
	body, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("records: marshal occurrence update: %w", err)
	}
	data, err := c.invoke(ctx, "occurrence.update", http.MethodPatch,
		"/v1/occurrences/"+url.PathEscape(occurrenceID), nil, body, version)
	if err != nil {
		return nil, err
	}
	return decodeInto[Occurrence](data)
}

// Staff fetches one staff member by ID.
func (c *Client) Staff(ctx context.Context, staffID string) (*Staff, error) {
	if strings.TrimSpace(staffID) == "" {
		return nil, errors.New("records: staff id required")
	}
	data, err := c.invoke(ctx, "staff.get", http.MethodGet,
		"/v1/staff/"+url.PathEscape(staffID), nil, nil, "")
	if err != nil {
		return nil, err
	}
	return decodeInto[Staff](data)
}

// StaffByPhone resolves a staff member from an E.164 number, used for inbound
// SMS replies and IVR caller identification.
func (c *Client) StaffByPhone(ctx context.Context, phone string) (*Staff, error) {
	if strings.TrimSpace(phone) == "" {
		return nil, errors.New("records: phone required")
	}
	q := url.Values{}
	q.Set("phone", phone)
	data, err := c.invoke(ctx, "staff.by_phone", http.MethodGet, "/v1/staff/by-phone", q, nil, "")
	if err != nil {
		return nil, err
	}
	return decodeInto[Staff](data)
}

// Provider fetches a provider's escalation settings.
func (c *Client) Provider(ctx context.Context, providerID string) (*ProviderConfig, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, errors.New("records: provider id required")
	}
	data, err := c.invoke(ctx, "provider.get", http.MethodGet,
		"/v1/providers/"+url.PathEscape(providerID), nil, nil, "")
	if err != nil {
		return nil, err
	}
	return decodeInto[ProviderConfig](data)
}

// AppendCallLog appends one outreach row.
func (c *Client) AppendCallLog(ctx context.Context, entry CallLogEntry) error {
	if strings.TrimSpace(entry.CallSID) == "" {
		return errors.New("records: call sid required")
	}
	if entry.Purpose == "" {
		return errors.New("records: purpose required")
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("records: marshal call log entry: %w", err)
	}
	_, err = c.invoke(ctx, "calllog.append", http.MethodPost, "/v1/call-logs", nil, body, "")
	return err
}

// UpdateCallLog patches the row for callSID once the attempt resolves.
func (c *Client) UpdateCallLog(ctx context.Context, callSID string, update CallLogUpdate) error {
	if strings.TrimSpace(callSID) == "" {
		return errors.New("records: call sid required")
	}
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("records: marshal call log update: %w", err)
	}
	_, err = c.invoke(ctx, "calllog.update", http.MethodPatch,
		"/v1/call-logs/"+url.PathEscape(callSID), nil, body, "")
	return err
}

// invoke performs one request with auth, retry on transient failures, and
// status-to-sentinel mapping. ifMatch, when non-empty, is sent as the
// conditional-update precondition.
func (c *Client) invoke(ctx context.Context, op, method, path string, query url.Values, body []byte, ifMatch string) ([]byte, error) {
	ctx, span := recordsTracer.Start(ctx, "records."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("escalation.records.op", op),
		attribute.String("http.method", method),
	)

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("records: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if ifMatch != "" {
			req.Header.Set("If-Match", ifMatch)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !retryable(0, err) || attempt == c.maxRetries {
				span.RecordError(err)
				return nil, fmt.Errorf("records: %s: %w: %v", op, ErrUnavailable, err)
			}
			lastErr = err
			c.logRetry(op, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("records: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}

		apiErr := mapStatus(op, resp.StatusCode, data)
		if attempt < c.maxRetries && retryable(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(op, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		span.RecordError(apiErr)
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, fmt.Errorf("records: %s: %w: %v", op, ErrUnavailable, lastErr)
	}
	return nil, fmt.Errorf("records: %s: %w", op, ErrUnavailable)
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.backoff * time.Duration(1<<attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(op string, attempt, status int, err error) {
	c.logger.Warn("records retry",
		"op", op,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func retryable(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status <= 599
}

// mapStatus converts API failures into the package's sentinel taxonomy so
// callers can branch without knowing HTTP.
func mapStatus(op string, status int, body []byte) error {
	detail := apiDetail(body)
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("records: %s: %w", op, ErrNotFound)
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return fmt.Errorf("records: %s: %w", op, ErrVersionConflict)
	case status >= 500:
		if detail != "" {
			return fmt.Errorf("records: %s: %w: status %d: %s", op, ErrUnavailable, status, detail)
		}
		return fmt.Errorf("records: %s: %w: status %d", op, ErrUnavailable, status)
	default:
		if detail != "" {
			return fmt.Errorf("records: %s: status %d: %s", op, status, detail)
		}
		return fmt.Errorf("records: %s: status %d", op, status)
	}
}

func apiDetail(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if parsed.Error != "" {
		return parsed.Error
	}
	return parsed.Message
}

func decodeInto[T any](body []byte) (*T, error) {
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("records: decode response: %w", err)
	}
	return &out, nil
}
