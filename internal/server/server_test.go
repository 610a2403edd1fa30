package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"zk-agent-go/internal/capture"
	"zk-agent-go/internal/config"
	"zk-agent-go/internal/faults"
	"zk-agent-go/internal/types"
)

type fakeController struct {
	captureErr error
	stopped    int
	templates  [][]byte
}

func (f *fakeController) Capture(context.Context) (types.SampleInfo, error) {
	if f.captureErr != nil {
		return types.SampleInfo{}, f.captureErr
	}
	return types.SampleInfo{Success: true, Quality: 50, TemplateSize: 1024, HasTemplate: true}, nil
}

func (f *fakeController) StopCapture() { f.stopped++ }

func (f *fakeController) Identify(_ context.Context, template []byte) (types.Identification, error) {
	f.templates = append(f.templates, template)
	id := 1000
	return types.Identification{Identified: true, UserID: &id}, nil
}

func (f *fakeController) Compare(a, b []byte) (capture.MatchResult, error) {
	return capture.MatchResult{Match: bytes.Equal(a, b)}, nil
}

func TestHandleConfig(t *testing.T) {
	srv := &Server{
		cfg: config.AppConfig{
			Port:           9999,
			DeviceIndex:    2,
			CaptureTimeout: 15 * time.Second,
		},
	}

	req := httptest.NewRequest("GET", "/config", nil)
	rec := httptest.NewRecorder()
	srv.handleConfig(rec, req)

	if rec.Code != 200 {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["port"].(float64) != 9999 {
		t.Fatalf("unexpected port: %v", payload["port"])
	}
	if payload["device_index"].(float64) != 2 {
		t.Fatalf("unexpected device_index: %v", payload["device_index"])
	}
	if payload["capture_timeout"] != "15s" {
		t.Fatalf("unexpected capture_timeout: %v", payload["capture_timeout"])
	}
}

func TestCaptureErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{faults.New(faults.CodeBusy, "busy"), http.StatusConflict},
		{faults.New(faults.CodeTimeout, "timeout"), http.StatusRequestTimeout},
		{faults.New(faults.CodeNoDevice, "no device"), http.StatusServiceUnavailable},
		{faults.New(faults.CodeHardware, "broken"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		srv := New(config.Default(), newTestHub(), &fakeController{captureErr: tc.err}, nil)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/capture", nil))
		if rec.Code != tc.want {
			t.Fatalf("%v: got status %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestIdentifyRequest(t *testing.T) {
	ctrl := &fakeController{}
	srv := New(config.Default(), newTestHub(), ctrl, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/identify", strings.NewReader(`{"template":"AQID"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	if len(ctrl.templates) != 1 || !bytes.Equal(ctrl.templates[0], []byte{1, 2, 3}) {
		t.Fatalf("unexpected templates: %v", ctrl.templates)
	}
	var ident types.Identification
	if err := json.Unmarshal(rec.Body.Bytes(), &ident); err != nil || ident.UserID == nil || *ident.UserID != 1000 {
		t.Fatalf("unexpected body %s (%v)", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/identify", strings.NewReader(`{"template":""}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty template should be rejected, got %d", rec.Code)
	}
}

func TestStatusIncludesHub(t *testing.T) {
	srv := New(config.Default(), newTestHub(), &fakeController{}, func() map[string]any {
		return map[string]any{"device": "ok"}
	})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["device"] != "ok" {
		t.Fatalf("missing device status: %v", payload)
	}
	ws, ok := payload["ws"].(map[string]any)
	if !ok || ws["isRunning"] != true {
		t.Fatalf("missing hub status: %v", payload)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocketSubscribeAndBroadcast(t *testing.T) {
	hub := NewHub(time.Minute)
	ts := httptest.NewServer(New(config.Default(), hub, &fakeController{}, nil).Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	welcome := readEnvelope(t, conn)
	if welcome["type"] != types.KindConnection || welcome["clientId"] == "" {
		t.Fatalf("unexpected welcome: %v", welcome)
	}

	if err := conn.WriteJSON(map[string]any{"type": "subscribe", "events": []string{types.KindCaptured}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ack := readEnvelope(t, conn); ack["type"] != types.KindSubscribed {
		t.Fatalf("unexpected ack: %v", ack)
	}

	hub.Broadcast(types.NewEnvelope(types.KindIdentified, nil), types.KindIdentified)
	if n := hub.Broadcast(types.NewEnvelope(types.KindCaptured, map[string]any{"quality": 50}), types.KindCaptured); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	msg := readEnvelope(t, conn)
	if msg["type"] != types.KindCaptured {
		t.Fatalf("received unsubscribed event first: %v", msg)
	}

	hub.Shutdown()
	if bye := readEnvelope(t, conn); bye["type"] != types.KindServerShutdown {
		t.Fatalf("unexpected shutdown message: %v", bye)
	}
}
