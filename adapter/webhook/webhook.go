// Package webhook delivers records as JSON POST requests to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/velmie/delivery"
)

const (
	// HeaderIdempotencyKey carries the record's idempotency key so receivers can de-duplicate.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderOperation carries the record operation.
	HeaderOperation = "X-Delivery-Operation"
	// HeaderResource carries the stable resource ID.
	HeaderResource = "X-Delivery-Resource"
	// HeaderAttempt carries the 1-based attempt number.
	HeaderAttempt = "X-Delivery-Attempt"

	maxBodyBytes = 1 << 20
	maxErrorBody = 512
)

// ErrURLRequired is returned when the endpoint URL is empty.
var ErrURLRequired = errors.New("delivery webhook: url is required")

// StatusError describes a non-2xx answer other than 429.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}

	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// Unwrap lets errors.Is match delivery.ErrProviderFailure.
func (e *StatusError) Unwrap() error {
	return delivery.ErrProviderFailure
}

// Permanent reports whether retrying cannot change the answer.
func (e *StatusError) Permanent() bool {
	if e.StatusCode < 400 || e.StatusCode >= 500 {
		return false
	}
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly:
		return false
	}

	return true
}

// Adapter implements delivery.Adapter for a single endpoint.
type Adapter struct {
	url     string
	client  *http.Client
	headers http.Header
	clock   delivery.Clock
}

var _ delivery.Adapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithClient sets the HTTP client. The dispatcher call timeout applies through the request context.
func WithClient(client *http.Client) Option {
	return func(a *Adapter) {
		if client != nil {
			a.client = client
		}
	}
}

// WithHeader adds a static header to every request, e.g. an authorization token.
func WithHeader(key, value string) Option {
	return func(a *Adapter) {
		a.headers.Add(key, value)
	}
}

// WithClock sets the clock used to resolve HTTP-date Retry-After values.
func WithClock(clock delivery.Clock) Option {
	return func(a *Adapter) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// New returns an Adapter posting to url.
func New(url string, opts ...Option) (*Adapter, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrURLRequired
	}

	a := &Adapter{
		url:     url,
		client:  http.DefaultClient,
		headers: make(http.Header),
		clock:   delivery.SystemClock{},
	}
	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Send implements delivery.Adapter.
func (a *Adapter) Send(ctx context.Context, req delivery.Request) (delivery.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(req.Payload))
	if err != nil {
		return delivery.Response{}, fmt.Errorf("delivery webhook: build request: %w", err)
	}
	for key, values := range a.headers {
		httpReq.Header[key] = append([]string(nil), values...)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	httpReq.Header.Set(HeaderOperation, req.Operation)
	httpReq.Header.Set(HeaderResource, req.StableResourceID)
	httpReq.Header.Set(HeaderAttempt, strconv.Itoa(req.Attempt))

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return delivery.Response{}, fmt.Errorf("%w: webhook request: %w", delivery.ErrProviderFailure, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return delivery.Response{}, fmt.Errorf("%w: read webhook response: %w", delivery.ErrProviderFailure, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return delivery.Response{OK: true, StatusCode: resp.StatusCode, Data: responseData(resp.StatusCode, body)}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return delivery.Response{
			StatusCode: resp.StatusCode,
			Error:      truncate(string(body)),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After"), a.clock.Now()),
		}, nil
	default:
		return delivery.Response{}, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body))}
	}
}

// PermanentFailures dead-letters records whose webhook answered with a non-retryable 4xx.
func PermanentFailures(_ context.Context, _ delivery.Record, err error) delivery.FailureAction {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Permanent() {
		return delivery.FailureDead
	}

	return delivery.FailureRetry
}

func responseData(status int, body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}

	wrapped := struct {
		Status int    `json:"status"`
		Body   string `json:"body,omitempty"`
	}{Status: status, Body: string(trimmed)}
	data, _ := json.Marshal(wrapped)

	return data
}

// retryAfter parses delay-seconds or an HTTP date. Unparseable values yield zero.
func retryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}

		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}

// truncate caps s at maxErrorBody bytes on a rune boundary and replaces invalid UTF-8.
func truncate(s string) string {
	s = strings.ToValidUTF8(s, string(utf8.RuneError))
	if len(s) <= maxErrorBody {
		return s
	}

	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut]
}
