// Package relay forwards captured samples and access events to the upstream
// backend.
package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"zk-agent-go/internal/faults"
	"zk-agent-go/internal/types"
)

const (
	PathCapture      = "/api/fingerprint/capture"
	PathIdentify     = "/api/fingerprint/identify"
	PathAccessLog    = "/api/access/log"
	PathDeviceStatus = "/api/device/status"
	PathHealth       = "/api/health"

	DefaultAttempts = 3
	DefaultDelay    = time.Second
	DefaultTimeout  = 10 * time.Second
)

// DeviceInfo identifies this agent in every upstream payload.
type DeviceInfo struct {
	Type    string `json:"type"`
	Agent   string `json:"agent"`
	Version string `json:"version"`
}

var defaultDeviceInfo = DeviceInfo{Type: "ZKTeco", Agent: "zk-agent-go", Version: "1.0.0"}

type Options struct {
	BaseURL  string
	Timeout  time.Duration
	Attempts int
	Delay    time.Duration
}

type Client struct {
	baseURL  string
	http     *http.Client
	attempts int
	delay    time.Duration
	info     DeviceInfo
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Attempts < 1 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     &http.Client{Timeout: opts.Timeout},
		attempts: opts.Attempts,
		delay:    opts.Delay,
		info:     defaultDeviceInfo,
		sleep:    sleepContext,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// CapturePayload builds the body of a capture POST.
func (c *Client) CapturePayload(sample types.Sample) ([]byte, error) {
	return json.Marshal(map[string]any{
		"template":   base64.StdEncoding.EncodeToString(sample.Template),
		"image":      base64.StdEncoding.EncodeToString(sample.Image),
		"quality":    sample.Quality,
		"timestamp":  sample.CapturedAt.UTC().Format(time.RFC3339Nano),
		"deviceInfo": c.info,
	})
}

// AccessPayload builds the body of an access-log POST.
func (c *Client) AccessPayload(event types.AccessEvent) ([]byte, error) {
	return json.Marshal(map[string]any{
		"userId":     event.UserID,
		"eventType":  event.EventType,
		"timestamp":  event.OccurredAt.UTC().Format(time.RFC3339Nano),
		"deviceInfo": c.info,
		"fingerprintData": map[string]any{
			"quality":     event.Quality,
			"hasTemplate": true,
		},
	})
}

// RequestIdentification asks the backend to identify a template.
func (c *Client) RequestIdentification(ctx context.Context, template []byte) (types.Identification, error) {
	payload, err := json.Marshal(map[string]any{
		"template":  base64.StdEncoding.EncodeToString(template),
		"timestamp": types.Now(),
	})
	if err != nil {
		return types.Identification{}, faults.Wrap(faults.CodeUpstream, err, "encode identify")
	}
	body, err := c.Deliver(ctx, PathIdentify, payload)
	if err != nil {
		return types.Identification{}, err
	}
	var result types.Identification
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return types.Identification{}, faults.Wrap(faults.CodeUpstream, err, "decode identify response")
		}
	}
	if result.Timestamp == "" {
		result.Timestamp = types.Now()
	}
	return result, nil
}

func (c *Client) SendDeviceStatus(ctx context.Context, status types.DeviceStatus) error {
	payload, err := json.Marshal(map[string]any{
		"status":     status,
		"timestamp":  types.Now(),
		"deviceInfo": c.info,
	})
	if err != nil {
		return faults.Wrap(faults.CodeUpstream, err, "encode device status")
	}
	_, err = c.Deliver(ctx, PathDeviceStatus, payload)
	return err
}

// CheckHealth reports whether the backend answers its health endpoint. It
// does not retry.
func (c *Client) CheckHealth(ctx context.Context) error {
	status, _, err := c.do(ctx, http.MethodGet, PathHealth, nil)
	if err != nil {
		return faults.Wrap(faults.CodeUpstream, err, "health check")
	}
	if status != http.StatusOK {
		return faults.New(faults.CodeUpstream, "health check returned %d", status)
	}
	return nil
}

// Deliver POSTs payload to path, retrying with a fixed delay when the backend
// does not answer, answers 5xx or answers 429. Any other 4xx fails at once.
func (c *Client) Deliver(ctx context.Context, path string, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		status, body, err := c.do(ctx, http.MethodPost, path, payload)
		switch {
		case err != nil:
			lastErr = faults.Wrap(faults.CodeUpstream, err, "POST %s", path)
		case status >= 200 && status < 300:
			return body, nil
		case retryable(status):
			lastErr = faults.New(faults.CodeUpstream, "POST %s returned %d", path, status)
		default:
			rejected := &RejectedError{Status: status, Body: truncate(body)}
			return nil, faults.Wrap(faults.CodeUpstream, rejected, "POST %s", path)
		}

		if ctx.Err() != nil || attempt == c.attempts {
			break
		}
		log.Printf("relay: attempt %d/%d failed: %v", attempt, c.attempts, lastErr)
		if err := c.sleep(ctx, c.delay); err != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// RejectedError is a 4xx answer other than 429. Sending the same payload
// again will not change it.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("rejected with %d", e.Status)
	}
	return fmt.Sprintf("rejected with %d: %s", e.Status, e.Body)
}

// IsPermanent reports whether err came from a post the backend rejected.
func IsPermanent(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
