package server

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"zk-agent-go/internal/types"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      []types.Envelope
	pings     int
	closed    bool
	failWrite bool
}

func (f *fakeTransport) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, v.(types.Envelope))
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, env := range f.sent {
		out = append(out, env.Type)
	}
	return out
}

func (f *fakeTransport) count(kind string) int {
	n := 0
	for _, k := range f.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (f *fakeTransport) last() types.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestHub() *Hub {
	h := NewHub(0)
	n := 0
	h.newID = func() string {
		n++
		return fmt.Sprintf("client-%d", n)
	}
	return h
}

func TestConnectSendsWelcome(t *testing.T) {
	h := newTestHub()
	tr := &fakeTransport{}
	client := h.Connect(tr, "127.0.0.1:5000")
	if client == nil || client.ID != "client-1" {
		t.Fatalf("unexpected client: %+v", client)
	}
	welcome := tr.last()
	if welcome.Type != types.KindConnection || welcome.ClientID != "client-1" || welcome.Timestamp == "" {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}
	if h.ClientCount() != 1 {
		t.Fatalf("unexpected client count %d", h.ClientCount())
	}
	if subs := h.Clients()[0].Subscriptions; len(subs) != 0 {
		t.Fatalf("new client should have no subscriptions: %v", subs)
	}
}

func TestBroadcastTopicFiltering(t *testing.T) {
	h := newTestHub()
	captured, status, none := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	a := h.Connect(captured, "a")
	b := h.Connect(status, "b")
	h.Connect(none, "c")

	h.HandleMessage(a.ID, []byte(`{"type":"subscribe","events":["fingerprint_captured"]}`))
	h.HandleMessage(b.ID, []byte(`{"type":"subscribe","events":["device_status","fingerprint_identified"]}`))
	if captured.last().Type != types.KindSubscribed {
		t.Fatalf("expected subscribed ack, got %+v", captured.last())
	}

	n := h.Broadcast(types.NewEnvelope(types.KindCaptured, map[string]any{"quality": 50}), types.KindCaptured)
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if captured.count(types.KindCaptured) != 1 || status.count(types.KindCaptured) != 0 || none.count(types.KindCaptured) != 0 {
		t.Fatalf("captured event reached the wrong clients")
	}

	n = h.Broadcast(types.NewEnvelope(types.KindDeviceStatus, nil), "")
	if n != 3 {
		t.Fatalf("expected 3 deliveries for an untargeted broadcast, got %d", n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub()
	tr := &fakeTransport{}
	c := h.Connect(tr, "a")
	h.HandleMessage(c.ID, []byte(`{"type":"subscribe","events":["fingerprint_captured"]}`))
	h.Broadcast(types.NewEnvelope(types.KindCaptured, nil), types.KindCaptured)

	h.HandleMessage(c.ID, []byte(`{"type":"unsubscribe","events":["fingerprint_captured"]}`))
	if tr.last().Type != types.KindUnsubscribed {
		t.Fatalf("expected unsubscribed ack, got %+v", tr.last())
	}
	for i := 0; i < 3; i++ {
		h.Broadcast(types.NewEnvelope(types.KindCaptured, nil), types.KindCaptured)
	}
	if got := tr.count(types.KindCaptured); got != 1 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d total", got)
	}
}

func TestBroadcastEvictsFailedClientOnly(t *testing.T) {
	h := newTestHub()
	good, bad := &fakeTransport{}, &fakeTransport{}
	h.Connect(good, "good")
	h.Connect(bad, "bad")
	bad.mu.Lock()
	bad.failWrite = true
	bad.mu.Unlock()

	n := h.Broadcast(types.NewEnvelope(types.KindDeviceStatus, nil), "")
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if h.ClientCount() != 1 {
		t.Fatalf("expected failed client to be evicted, %d remain", h.ClientCount())
	}
	if good.count(types.KindDeviceStatus) != 1 {
		t.Fatalf("healthy client missed the broadcast")
	}
}

func TestHeartbeatEviction(t *testing.T) {
	h := newTestHub()
	responsive, silent := &fakeTransport{}, &fakeTransport{}
	r := h.Connect(responsive, "r")
	h.Connect(silent, "s")

	h.Sweep()
	if responsive.pings != 1 || silent.pings != 1 {
		t.Fatalf("expected both clients to be probed")
	}
	h.MarkAlive(r.ID)

	h.Sweep()
	if h.ClientCount() != 1 || !silent.closed {
		t.Fatalf("silent client should be evicted after missing a probe cycle")
	}

	for i := 0; i < 5; i++ {
		h.MarkAlive(r.ID)
		h.Sweep()
	}
	if h.ClientCount() != 1 || responsive.closed {
		t.Fatalf("responsive client was evicted")
	}
}

func TestHandleMessageReplies(t *testing.T) {
	h := newTestHub()
	sender, other := &fakeTransport{}, &fakeTransport{}
	c := h.Connect(sender, "a")
	h.Connect(other, "b")

	h.HandleMessage(c.ID, []byte(`{"type":"ping"}`))
	if sender.last().Type != types.KindPong {
		t.Fatalf("expected pong, got %+v", sender.last())
	}

	h.HandleMessage(c.ID, []byte(`{"type":"status"}`))
	resp := sender.last()
	if resp.Type != types.KindStatusResponse {
		t.Fatalf("expected status response, got %+v", resp)
	}
	if st, ok := resp.Data.(Status); !ok || st.Clients != 2 || !st.Running {
		t.Fatalf("unexpected status payload: %#v", resp.Data)
	}

	before := len(other.kinds())
	h.HandleMessage(c.ID, []byte(`{"type":"reboot"}`))
	if sender.last().Type != types.KindError {
		t.Fatalf("expected error, got %+v", sender.last())
	}
	h.HandleMessage(c.ID, []byte(`not json`))
	if sender.last().Type != types.KindError {
		t.Fatalf("expected error for invalid json, got %+v", sender.last())
	}
	if len(other.kinds()) != before {
		t.Fatalf("error envelope leaked to another client")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newTestHub()
	c := h.Connect(&fakeTransport{}, "a")
	h.Disconnect(c.ID)
	h.Disconnect(c.ID)
	h.Disconnect("unknown")
	if h.ClientCount() != 0 {
		t.Fatalf("client still registered")
	}
	h.HandleMessage(c.ID, []byte(`{"type":"ping"}`))
}

func TestShutdown(t *testing.T) {
	h := newTestHub()
	a, b := &fakeTransport{}, &fakeTransport{}
	h.Connect(a, "a")
	h.Connect(b, "b")

	h.Shutdown()
	for _, tr := range []*fakeTransport{a, b} {
		if tr.last().Type != types.KindServerShutdown || !tr.closed {
			t.Fatalf("client not notified and closed: %v closed=%v", tr.kinds(), tr.closed)
		}
	}
	if h.ClientCount() != 0 || h.Status().Running {
		t.Fatalf("hub still running")
	}

	late := &fakeTransport{}
	if c := h.Connect(late, "late"); c != nil || !late.closed {
		t.Fatalf("connect after shutdown should be refused")
	}
}
