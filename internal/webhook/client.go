package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	HeaderSignature = "X-Skinsight-Signature"
	HeaderTimestamp = "X-Skinsight-Timestamp"
	HeaderEvent     = "X-Skinsight-Event"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DeliveryError is returned once a delivery gives up. StatusCode is zero
// when the receiver never answered.
type DeliveryError struct {
	Event      string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook %s: receiver answered %d after %d attempt(s)", e.Event, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("webhook %s: %v after %d attempt(s)", e.Event, e.Err, e.Attempts)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Client posts signed diagnosis events to caller supplied endpoints.
type Client struct {
	httpClient    *http.Client
	signingSecret string
	maxAttempts   uint
	newBackOff    func() backoff.BackOff
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := max(cfg.MaxAttempts, 1)
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	ceiling := max(cfg.MaxBackoff, initial)

	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		signingSecret: cfg.SigningSecret,
		maxAttempts:   uint(attempts),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = ceiling
			b.Multiplier = 2
			return b
		},
	}
}

// Send delivers event to endpoint. A blank endpoint is a no-op. Every
// attempt carries the same timestamp and signature.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	signature := Sign(c.signingSecret, timestamp, body)

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		status, err := c.post(ctx, endpoint, event, timestamp, signature, body)
		if err == nil {
			return struct{}{}, nil
		}
		failure := &DeliveryError{Event: event, StatusCode: status, Err: err}
		if !retryable(status) {
			return struct{}{}, backoff.Permanent(failure)
		}
		return struct{}{}, failure
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxAttempts),
	)
	if err == nil {
		return nil
	}

	var failure *DeliveryError
	if errors.As(err, &failure) {
		failure.Attempts = attempts
		return failure
	}
	return err
}

// post makes one attempt and returns the receiver's status code, or zero
// when there was no response.
func (c *Client) post(ctx context.Context, endpoint, event, timestamp, signature string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, event)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, errors.New(http.StatusText(resp.StatusCode))
}

// Sign computes the signature header value for a delivery.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received delivery. Receivers should also reject stale
// timestamps.
func Verify(secret, timestamp, signature string, body []byte) error {
	if !hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// retryable reports whether a failed attempt is worth repeating. Client
// errors other than 408 and 429 are final; a missing response is not.
func retryable(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 400 && status < 500:
		return false
	default:
		return true
	}
}
