// Package webhook delivers outbox entries as signed HTTP POST requests.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/veldtbase/lib-reliable/reliable/outbox"
)

const (
	// HeaderSignature carries the hex encoded HMAC-SHA256 of the payload.
	HeaderSignature = "X-Webhook-Signature"
	// HeaderEventID carries the outbox entry id. Receivers use it to
	// deduplicate redeliveries.
	HeaderEventID = "X-Webhook-Event-Id"
	// HeaderEventType carries the event type of the entry.
	HeaderEventType = "X-Webhook-Event-Type"

	defaultRequestTimeout = 10 * time.Second
	maxDrainBytes         = 4096
)

var (
	ErrEndpointRequired = errors.New("webhook endpoint is required")
	ErrSecretRequired   = errors.New("webhook signing secret is required")
)

// StatusError reports a non-2xx response from the receiving endpoint.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook endpoint returned status %d", e.StatusCode)
}

type Option func(*Sink)

func WithHTTPClient(client *http.Client) Option {
	return func(sink *Sink) {
		if client != nil {
			sink.client = client
		}
	}
}

func WithRequestTimeout(timeout time.Duration) Option {
	return func(sink *Sink) {
		if timeout > 0 {
			sink.timeout = timeout
		}
	}
}

// WithHeader adds a static header to every delivery request.
func WithHeader(key, value string) Option {
	return func(sink *Sink) {
		key = strings.TrimSpace(key)
		if key != "" {
			sink.headers[key] = value
		}
	}
}

// Sink posts entry payloads to a single endpoint, signing each request
// with HMAC-SHA256 over the raw payload bytes.
type Sink struct {
	endpoint string
	secret   []byte
	client   *http.Client
	timeout  time.Duration
	headers  map[string]string
}

var _ outbox.Sink = (*Sink)(nil)

// NewSink creates a webhook sink for endpoint signed with secret.
func NewSink(endpoint, secret string, opts ...Option) (*Sink, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, ErrEndpointRequired
	}

	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: invalid url %q", ErrEndpointRequired, endpoint)
	}

	if secret == "" {
		return nil, ErrSecretRequired
	}

	sink := &Sink{
		endpoint: endpoint,
		secret:   []byte(secret),
		client:   &http.Client{},
		timeout:  defaultRequestTimeout,
		headers:  make(map[string]string),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sink)
		}
	}

	return sink, nil
}

// Deliver posts the entry payload to the endpoint. Any non-2xx response is
// an error so the dispatcher retries.
func (sink *Sink) Deliver(ctx context.Context, entry *outbox.Entry) error {
	if entry == nil {
		return outbox.ErrEntryRequired
	}

	ctx, cancel := context.WithTimeout(ctx, sink.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.endpoint, bytes.NewReader(entry.Payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, sink.Signature(entry.Payload))
	req.Header.Set(HeaderEventID, entry.ID.String())
	req.Header.Set(HeaderEventType, entry.EventType)

	for key, value := range sink.headers {
		req.Header.Set(key, value)
	}

	resp, err := sink.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	return nil
}

// Signature computes the hex encoded HMAC-SHA256 of payload.
func (sink *Sink) Signature(payload []byte) string {
	mac := hmac.New(sha256.New, sink.secret)
	mac.Write(payload)

	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against payload using secret.
// Receivers call this on inbound webhooks before trusting the payload.
func VerifySignature(secret string, payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)

	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// RetryClassifier reports permanent failures: client errors other than
// request timeout and too-many-requests never succeed on retry.
//
// It is opt-in. Receiver status codes are an in-band signal the receiver
// controls, and a misconfigured endpoint returning 4xx for transient
// problems would dead-letter good entries. The recommended default is no
// classifier at all, leaving the attempt budget as the only path to DEAD;
// install this one only for receivers whose 4xx responses are trusted.
func RetryClassifier() outbox.RetryClassifier {
	return outbox.RetryClassifierFunc(func(err error) bool {
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			return false
		}

		switch statusErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return false
		}

		return statusErr.StatusCode >= http.StatusBadRequest && statusErr.StatusCode < http.StatusInternalServerError
	})
}
