package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"zk-agent-go/internal/faults"
	"zk-agent-go/internal/types"
)

func newTestClient(url string) *Client {
	c := New(Options{BaseURL: url, Attempts: 3, Delay: time.Millisecond})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestCapturePayload(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathCapture || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	sample := types.Sample{
		Template:   []byte{1, 2, 3},
		Image:      []byte{4, 5},
		Quality:    50,
		CapturedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	c := newTestClient(ts.URL)
	payload, err := c.CapturePayload(sample)
	if err != nil {
		t.Fatalf("capture payload: %v", err)
	}
	if _, err := c.Deliver(context.Background(), PathCapture, payload); err != nil {
		t.Fatalf("deliver capture: %v", err)
	}
	if got["template"] != base64.StdEncoding.EncodeToString(sample.Template) {
		t.Fatalf("unexpected template: %v", got["template"])
	}
	if got["quality"].(float64) != 50 || got["timestamp"] != "2024-01-02T03:04:05Z" {
		t.Fatalf("unexpected payload: %v", got)
	}
	info := got["deviceInfo"].(map[string]any)
	if info["type"] != "ZKTeco" {
		t.Fatalf("unexpected device info: %v", info)
	}
}

func TestDeliverRetriesTransientFailures(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(status)
				return
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))

		body, err := newTestClient(ts.URL).Deliver(context.Background(), PathAccessLog, []byte(`{}`))
		ts.Close()
		if err != nil {
			t.Fatalf("status %d: expected success on third attempt, got %v", status, err)
		}
		if calls.Load() != 3 || string(body) != `{"ok":true}` {
			t.Fatalf("status %d: calls=%d body=%s", status, calls.Load(), body)
		}
	}
}

func TestDeliverGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Deliver(context.Background(), PathCapture, []byte(`{}`))
	if !errors.Is(err, faults.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if IsPermanent(err) {
		t.Fatalf("5xx reported as permanent: %v", err)
	}
}

func TestDeliverFailsFastOnClientError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad template", http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Deliver(context.Background(), PathCapture, []byte(`{}`))
	if faults.CodeOf(err) != faults.CodeUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("client error was retried: %d calls", calls.Load())
	}
	var rejected *RejectedError
	if !IsPermanent(err) || !errors.As(err, &rejected) || rejected.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected a permanent rejection, got %v", err)
	}
}

func TestDeliverRetriesWithoutResponse(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := newTestClient(url)
	var sleeps int
	c.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}
	if _, err := c.Deliver(context.Background(), PathCapture, []byte(`{}`)); !errors.Is(err, faults.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if sleeps != 2 {
		t.Fatalf("expected 2 delays between 3 attempts, got %d", sleeps)
	}
}

func TestRequestIdentification(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"identified":true,"userId":42}`))
	}))
	defer ts.Close()

	ident, err := newTestClient(ts.URL).RequestIdentification(context.Background(), []byte{9})
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if !ident.Identified || ident.UserID == nil || *ident.UserID != 42 || ident.Timestamp == "" {
		t.Fatalf("unexpected identification: %+v", ident)
	}
}

func TestCheckHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathHealth || !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	if err := c.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	healthy.Store(false)
	if err := c.CheckHealth(context.Background()); err == nil {
		t.Fatalf("expected unhealthy backend to fail")
	}
}
