package types

import "time"

// Envelope is the JSON object exchanged with broadcast clients. It carries
// metadata only; sample bytes never go on the wire.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	Timestamp string `json:"timestamp"`
}

const (
	KindPing        = "ping"
	KindStatus      = "status"
	KindSubscribe   = "subscribe"
	KindUnsubscribe = "unsubscribe"

	KindConnection     = "connection"
	KindPong           = "pong"
	KindStatusResponse = "status_response"
	KindSubscribed     = "subscribed"
	KindUnsubscribed   = "unsubscribed"
	KindCaptured       = "fingerprint_captured"
	KindIdentified     = "fingerprint_identified"
	KindDeviceStatus   = "device_status"
	KindError          = "error"
	KindServerShutdown = "server_shutdown"
)

// Inbound is a message sent by a broadcast client.
type Inbound struct {
	Type   string   `json:"type"`
	Events []string `json:"events,omitempty"`
}

func NewEnvelope(kind string, data any) Envelope {
	return Envelope{
		Type:      kind,
		Data:      data,
		Timestamp: Now(),
	}
}

func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
