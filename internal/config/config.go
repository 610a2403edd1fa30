// Package config holds the agent configuration. Values come from defaults,
// then an optional YAML file, then command-line flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Port              int           `yaml:"port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	LibraryPath      string        `yaml:"library_path"`
	DeviceIndex      int           `yaml:"device_index"`
	ImageWidth       int           `yaml:"image_width"`
	ImageHeight      int           `yaml:"image_height"`
	CaptureTimeout   time.Duration `yaml:"capture_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PollLogEvery     int           `yaml:"poll_log_every"`
	Debug            bool          `yaml:"debug"`
	DebugFingerEvery int           `yaml:"debug_finger_every"`

	UpstreamURL     string        `yaml:"upstream_url"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	OutboxInterval  time.Duration `yaml:"outbox_interval"`

	ApplianceAddress string        `yaml:"appliance_address"`
	AppliancePort    int           `yaml:"appliance_port"`
	ProbeMethod      string        `yaml:"probe_method"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`

	JournalDir      string `yaml:"journal_dir"`
	DatabasePath    string `yaml:"database_path"`
	TriggerEndpoint string `yaml:"trigger_endpoint"`
	IngestLogEvery  int    `yaml:"ingest_log_every"`
}

func Default() AppConfig {
	return AppConfig{
		Port:              8080,
		HeartbeatInterval: 30 * time.Second,
		LibraryPath:       "./lib/libzkfp.so",
		ImageWidth:        640,
		ImageHeight:       480,
		CaptureTimeout:    15 * time.Second,
		PollInterval:      100 * time.Millisecond,
		PollLogEvery:      50,
		DebugFingerEvery:  30,
		UpstreamURL:       "http://localhost:3000",
		UpstreamTimeout:   10 * time.Second,
		RetryAttempts:     3,
		RetryDelay:        time.Second,
		OutboxInterval:    time.Minute,
		AppliancePort:     4370,
		ProbeMethod:       "tcp",
		ProbeInterval:     time.Minute,
		ProbeTimeout:      5 * time.Second,
		JournalDir:        "journal",
		DatabasePath:      "./zk-agent.db",
		IngestLogEvery:    100,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.CaptureTimeout <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("capture timeout and poll interval must be positive")
	}
	if c.PollInterval >= c.CaptureTimeout {
		return fmt.Errorf("poll interval %s must be shorter than capture timeout %s", c.PollInterval, c.CaptureTimeout)
	}
	if c.DeviceIndex < 0 {
		return fmt.Errorf("invalid device index %d", c.DeviceIndex)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	switch c.ProbeMethod {
	case "tcp", "nmap":
	default:
		return fmt.Errorf("unknown probe method %q", c.ProbeMethod)
	}
	return nil
}
