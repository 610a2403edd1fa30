package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zk-agent-go/internal/agent"
	"zk-agent-go/internal/capture"
	"zk-agent-go/internal/config"
	"zk-agent-go/internal/ingest"
	"zk-agent-go/internal/output"
	"zk-agent-go/internal/probe"
	"zk-agent-go/internal/relay"
	"zk-agent-go/internal/server"
	"zk-agent-go/internal/simulator"
	"zk-agent-go/internal/store"
	"zk-agent-go/internal/zkfp"
)

const deviceCheckInterval = 5 * time.Second

func main() {
	defaults := config.Default()
	var (
		configPath       = flag.String("config", "", "Path to a YAML config file")
		port             = flag.Int("port", defaults.Port, "HTTP/WebSocket port")
		libraryPath      = flag.String("lib", defaults.LibraryPath, "Path to the fingerprint SDK shared library")
		deviceIndex      = flag.Int("device-index", defaults.DeviceIndex, "Scanner index to open")
		captureTimeout   = flag.Duration("capture-timeout", defaults.CaptureTimeout, "How long a capture waits for a finger")
		pollInterval     = flag.Duration("poll-interval", defaults.PollInterval, "Interval between acquisition polls")
		heartbeat        = flag.Duration("heartbeat", defaults.HeartbeatInterval, "WebSocket heartbeat interval")
		debug            = flag.Bool("debug", false, "Use the simulated scanner instead of the native SDK")
		debugFingerEvery = flag.Int("debug-finger-every", defaults.DebugFingerEvery, "Simulated finger appears every Nth poll")
		upstreamURL      = flag.String("upstream-url", defaults.UpstreamURL, "Upstream backend base URL (empty disables relaying)")
		retryAttempts    = flag.Int("retry-attempts", defaults.RetryAttempts, "Relay attempts per post")
		retryDelay       = flag.Duration("retry-delay", defaults.RetryDelay, "Delay between relay attempts")
		appliance        = flag.String("appliance", defaults.ApplianceAddress, "Door appliance address to probe (empty disables)")
		probeMethod      = flag.String("probe-method", defaults.ProbeMethod, "Appliance probe: tcp or nmap")
		journalDir       = flag.String("journal-dir", defaults.JournalDir, "Capture journal directory (empty disables)")
		databasePath     = flag.String("db", defaults.DatabasePath, "SQLite database for access events and the outbox (empty disables)")
		trigger          = flag.String("trigger", defaults.TriggerEndpoint, "ZMQ endpoint for capture triggers (empty disables)")
		ingestLogEvery   = flag.Int("ingest-log-every", defaults.IngestLogEvery, "Log every Nth trigger error")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "lib":
			cfg.LibraryPath = *libraryPath
		case "device-index":
			cfg.DeviceIndex = *deviceIndex
		case "capture-timeout":
			cfg.CaptureTimeout = *captureTimeout
		case "poll-interval":
			cfg.PollInterval = *pollInterval
		case "heartbeat":
			cfg.HeartbeatInterval = *heartbeat
		case "debug":
			cfg.Debug = *debug
		case "debug-finger-every":
			cfg.DebugFingerEvery = *debugFingerEvery
		case "upstream-url":
			cfg.UpstreamURL = *upstreamURL
		case "retry-attempts":
			cfg.RetryAttempts = *retryAttempts
		case "retry-delay":
			cfg.RetryDelay = *retryDelay
		case "appliance":
			cfg.ApplianceAddress = *appliance
		case "probe-method":
			cfg.ProbeMethod = *probeMethod
		case "journal-dir":
			cfg.JournalDir = *journalDir
		case "db":
			cfg.DatabasePath = *databasePath
		case "trigger":
			cfg.TriggerEndpoint = *trigger
		case "ingest-log-every":
			cfg.IngestLogEvery = *ingestLogEvery
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var loader zkfp.Loader
	if cfg.Debug {
		sim := simulator.New(simulator.Options{
			Devices:     1,
			FingerEvery: cfg.DebugFingerEvery,
			Fingers:     4,
			Width:       cfg.ImageWidth,
			Height:      cfg.ImageHeight,
		})
		loader = sim.Loader()
		log.Printf("debug mode: using simulated scanner")
	}
	dev := zkfp.NewDevice(zkfp.Options{
		LibraryPath: cfg.LibraryPath,
		Index:       cfg.DeviceIndex,
		ImageWidth:  cfg.ImageWidth,
		ImageHeight: cfg.ImageHeight,
	}, loader)
	if err := dev.Initialize(); err != nil {
		log.Printf("fingerprint subsystem unavailable: %v", err)
	} else if !dev.Connect(cfg.DeviceIndex) {
		log.Printf("no scanner at index %d yet; will retry on the next capture", cfg.DeviceIndex)
	}
	defer func() {
		if err := dev.Cleanup(); err != nil {
			log.Printf("device cleanup: %v", err)
		}
	}()

	orch := capture.New(dev, capture.Options{
		PollInterval: cfg.PollInterval,
		Timeout:      cfg.CaptureTimeout,
		LogEvery:     cfg.PollLogEvery,
	})
	hub := server.NewHub(cfg.HeartbeatInterval)

	opts := agent.Options{Device: dev, Capture: orch, Hub: hub}
	if cfg.UpstreamURL != "" {
		opts.Relay = relay.New(relay.Options{
			BaseURL:  cfg.UpstreamURL,
			Timeout:  cfg.UpstreamTimeout,
			Attempts: cfg.RetryAttempts,
			Delay:    cfg.RetryDelay,
		})
		if err := opts.Relay.CheckHealth(ctx); err != nil {
			log.Printf("upstream %s not healthy yet: %v", cfg.UpstreamURL, err)
		}
	}
	if cfg.DatabasePath != "" {
		st, err := store.Open(cfg.DatabasePath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer st.Close()
		opts.Store = st
	}
	if cfg.JournalDir != "" {
		journal, err := output.NewJournal(cfg.JournalDir, "captures")
		if err != nil {
			log.Fatalf("failed to start capture journal: %v", err)
		}
		defer func() {
			if err := journal.Close(); err != nil {
				log.Printf("journal close failed: %v", err)
			}
		}()
		opts.Journal = journal
		log.Printf("capture journal: %s", journal.Path())
	}

	a := agent.New(opts)
	go a.MonitorDevice(ctx, deviceCheckInterval)
	if opts.Relay != nil && opts.Store != nil {
		go a.RunOutbox(ctx, cfg.OutboxInterval)
	}

	if cfg.ApplianceAddress != "" {
		p, err := probe.New(cfg.ProbeMethod, probe.Target{
			Address: cfg.ApplianceAddress,
			Port:    cfg.AppliancePort,
			Timeout: cfg.ProbeTimeout,
		})
		if err != nil {
			log.Fatalf("probe: %v", err)
		}
		go probe.Poll(ctx, p, cfg.ProbeInterval, a.SetAppliance)
	}

	if cfg.TriggerEndpoint != "" {
		commands, err := ingest.Commands(ctx, cfg.TriggerEndpoint, cfg.IngestLogEvery)
		if err != nil {
			log.Printf("failed to start trigger ingest: %v", err)
		} else {
			go a.RunCommands(ctx, commands)
		}
	}

	statusFn := func() map[string]any {
		snap := a.Snapshot()
		snap["debug"] = cfg.Debug
		return snap
	}

	log.Printf("Starting fingerprint agent at http://localhost:%d (ws: /ws)", cfg.Port)
	if err := server.Run(ctx, cfg, hub, a, statusFn); err != nil {
		log.Printf("server stopped: %v", err)
	}
	a.StopCapture()
	a.Wait()
	log.Printf("shutdown complete")
}
