package types

import "time"

// Sample is one captured fingerprint. Template and Image are owned copies;
// nothing aliases the device buffers they were read from.
type Sample struct {
	Template   []byte    `json:"-" cbor:"template"`
	Image      []byte    `json:"-" cbor:"image"`
	Quality    int       `json:"quality" cbor:"quality"`
	Coverage   float64   `json:"coverage" cbor:"coverage"`
	Attempts   int       `json:"attempts" cbor:"attempts"`
	CapturedAt time.Time `json:"captured_at" cbor:"captured_at"`
}

// Info is the metadata view of a sample that is safe to broadcast.
func (s Sample) Info() SampleInfo {
	return SampleInfo{
		Success:      true,
		Quality:      s.Quality,
		Coverage:     s.Coverage,
		Attempts:     s.Attempts,
		TemplateSize: len(s.Template),
		HasTemplate:  len(s.Template) > 0,
		HasImage:     len(s.Image) > 0,
		Timestamp:    s.CapturedAt.UTC().Format(time.RFC3339Nano),
	}
}

type SampleInfo struct {
	Success      bool    `json:"success"`
	Quality      int     `json:"quality"`
	Coverage     float64 `json:"coverage"`
	Attempts     int     `json:"attempts"`
	TemplateSize int     `json:"template_size"`
	HasTemplate  bool    `json:"hasTemplate"`
	HasImage     bool    `json:"hasImage"`
	Timestamp    string  `json:"timestamp"`
}

type Identification struct {
	Identified bool   `json:"identified"`
	UserID     *int   `json:"userId"`
	Timestamp  string `json:"timestamp"`
}

type DeviceStatus struct {
	Initialized bool   `json:"initialized"`
	Connected   bool   `json:"connected"`
	Index       int    `json:"index"`
	DeviceCount int    `json:"device_count"`
	LastError   string `json:"last_error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
}

type ApplianceStatus struct {
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Reachable bool   `json:"reachable"`
	Method    string `json:"method"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
	CheckedAt string `json:"checked_at"`
}

// AccessEvent is a door decision derived from an identification.
type AccessEvent struct {
	UserID     *int      `json:"userId" cbor:"user_id"`
	EventType  string    `json:"eventType" cbor:"event_type"`
	Quality    int       `json:"quality" cbor:"quality"`
	OccurredAt time.Time `json:"timestamp" cbor:"occurred_at"`
}

const (
	AccessEntry  = "entry"
	AccessDenied = "denied"
)

// Command is a capture trigger received from an external controller.
type Command struct {
	Type   string `json:"type" cbor:"type"`
	Source string `json:"source" cbor:"source"`
}

const (
	CommandCapture  = "capture"
	CommandIdentify = "identify"
	CommandStop     = "stop"
)
