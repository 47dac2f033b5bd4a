package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookOption configures a WebhookPublisher.
type WebhookOption func(*WebhookPublisher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(p *WebhookPublisher) { p.httpClient = c }
}

// WithMaxRetries sets how many times a failed delivery is retried.
func WithMaxRetries(n int) WebhookOption {
	return func(p *WebhookPublisher) { p.maxRetries = n }
}

// WithRetryDelays sets the wait before each retry. The last delay repeats.
func WithRetryDelays(d ...time.Duration) WebhookOption {
	return func(p *WebhookPublisher) { p.retryDelays = d }
}

// DeliveryAttempt records one POST to one endpoint.
type DeliveryAttempt struct {
	URL        string        `json:"url"`
	EventID    string        `json:"event_id"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
}

func (a *DeliveryAttempt) ok() bool { return a.Error == "" }

// WebhookPublisher POSTs each event as JSON to a fixed list of endpoints,
// signed with a shared secret.
type WebhookPublisher struct {
	urls        []string
	secret      string
	httpClient  *http.Client
	maxRetries  int
	retryDelays []time.Duration
}

func NewWebhookPublisher(urls []string, secret string, opts ...WebhookOption) (*WebhookPublisher, error) {
	for _, u := range urls {
		if err := validateWebhookURL(u); err != nil {
			return nil, err
		}
	}
	p := &WebhookPublisher{
		urls:        urls,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxRetries:  3,
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid webhook url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url %q must use http or https", rawURL)
	}
	return nil
}

func (p *WebhookPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	var errs []error
	for _, u := range p.urls {
		if last := p.deliverWithRetry(ctx, u, ev.ID, payload); !last.ok() {
			errs = append(errs, fmt.Errorf("webhook %s: %s", u, last.Error))
		}
	}
	return errors.Join(errs...)
}

func (p *WebhookPublisher) deliverWithRetry(ctx context.Context, target, eventID string, payload []byte) *DeliveryAttempt {
	var attempt *DeliveryAttempt
	for i := 0; i <= p.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				attempt.Error = ctx.Err().Error()
				return attempt
			case <-time.After(p.delay(i - 1)):
			}
		}
		attempt = p.deliver(ctx, target, eventID, payload)
		attempt.Attempt = i + 1
		if attempt.ok() {
			return attempt
		}
	}
	return attempt
}

func (p *WebhookPublisher) delay(i int) time.Duration {
	if len(p.retryDelays) == 0 {
		return 0
	}
	if i >= len(p.retryDelays) {
		return p.retryDelays[len(p.retryDelays)-1]
	}
	return p.retryDelays[i]
}

// deliver signs the payload and POSTs it once.
func (p *WebhookPublisher) deliver(ctx context.Context, target, eventID string, payload []byte) *DeliveryAttempt {
	attempt := &DeliveryAttempt{URL: target, EventID: eventID}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, p.secret))
	req.Header.Set("X-Webhook-ID", eventID)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	attempt.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return attempt
}
