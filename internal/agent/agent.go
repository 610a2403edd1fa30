// Package agent wires capture, broadcast, journaling, storage and relay into
// the access pipeline: trigger, capture, score, broadcast, journal, relay,
// identify.
package agent

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"zk-agent-go/internal/capture"
	"zk-agent-go/internal/faults"
	"zk-agent-go/internal/output"
	"zk-agent-go/internal/relay"
	"zk-agent-go/internal/server"
	"zk-agent-go/internal/store"
	"zk-agent-go/internal/types"
)

const (
	DefaultOutboxBatch  = 50
	DefaultRelayTimeout = 30 * time.Second
	storeTimeout        = 5 * time.Second
)

// DeviceStatuser reports the scanner's binding state.
type DeviceStatuser interface {
	Status() types.DeviceStatus
}

type Options struct {
	Device  DeviceStatuser
	Capture *capture.Orchestrator
	Hub     *server.Hub
	// Relay, Store and Journal are optional.
	Relay       *relay.Client
	Store       *store.Store
	Journal     *output.Journal
	OutboxBatch int
	// RelayTimeout bounds one background delivery, retries included.
	RelayTimeout time.Duration
}

type metrics struct {
	capturesOK      atomic.Uint64
	capturesFailed  atomic.Uint64
	identified      atomic.Uint64
	denied          atomic.Uint64
	broadcasts      atomic.Uint64
	journalErrors   atomic.Uint64
	relayOK         atomic.Uint64
	relayFailed     atomic.Uint64
	relayRejected   atomic.Uint64
	outboxQueued    atomic.Uint64
	outboxDelivered atomic.Uint64
	commands        atomic.Uint64
}

func (m *metrics) snapshot() map[string]any {
	return map[string]any{
		"captures_ok_total":      m.capturesOK.Load(),
		"captures_failed_total":  m.capturesFailed.Load(),
		"identified_total":       m.identified.Load(),
		"denied_total":           m.denied.Load(),
		"broadcast_total":        m.broadcasts.Load(),
		"journal_err_total":      m.journalErrors.Load(),
		"relay_ok_total":         m.relayOK.Load(),
		"relay_failed_total":     m.relayFailed.Load(),
		"relay_rejected_total":   m.relayRejected.Load(),
		"outbox_queued_total":    m.outboxQueued.Load(),
		"outbox_delivered_total": m.outboxDelivered.Load(),
		"trigger_commands_total": m.commands.Load(),
	}
}

type Agent struct {
	opts    Options
	metrics metrics
	wg      sync.WaitGroup

	mu           sync.Mutex
	lastScanner  types.DeviceStatus
	appliance    *types.ApplianceStatus
	lastSample   *types.SampleInfo
	lastIdentity *types.Identification
	statusPrimed bool
}

func New(opts Options) *Agent {
	if opts.OutboxBatch < 1 {
		opts.OutboxBatch = DefaultOutboxBatch
	}
	if opts.RelayTimeout <= 0 {
		opts.RelayTimeout = DefaultRelayTimeout
	}
	return &Agent{opts: opts}
}

// Capture runs one capture session and hands the sample down the pipeline.
// The returned metadata never contains template or image bytes.
func (a *Agent) Capture(ctx context.Context) (types.SampleInfo, error) {
	sample, err := a.capture(ctx)
	if err != nil {
		return types.SampleInfo{}, err
	}
	return sample.Info(), nil
}

func (a *Agent) capture(ctx context.Context) (types.Sample, error) {
	sample, err := a.opts.Capture.Start(ctx)
	if err != nil {
		a.metrics.capturesFailed.Add(1)
		switch faults.CodeOf(err) {
		case faults.CodeNoDevice, faults.CodeHandleInvalid, faults.CodeHardware:
			a.PublishDeviceStatus(ctx)
		}
		return types.Sample{}, err
	}
	a.metrics.capturesOK.Add(1)

	info := sample.Info()
	a.mu.Lock()
	a.lastSample = &info
	a.mu.Unlock()

	a.broadcast(types.KindCaptured, info)
	if a.opts.Journal != nil {
		if err := a.opts.Journal.RecordSample(sample); err != nil {
			a.metrics.journalErrors.Add(1)
			log.Printf("agent: journal sample: %v", err)
		}
	}
	if a.opts.Relay != nil {
		payload, err := a.opts.Relay.CapturePayload(sample)
		if err != nil {
			log.Printf("agent: encode capture: %v", err)
		} else {
			a.deliverAsync(relay.PathCapture, payload)
		}
	}
	return sample, nil
}

// CaptureAndIdentify captures a finger, identifies it and records the
// resulting access decision.
func (a *Agent) CaptureAndIdentify(ctx context.Context) (types.Identification, error) {
	sample, err := a.capture(ctx)
	if err != nil {
		return types.Identification{}, err
	}
	ident, err := a.Identify(ctx, sample.Template)
	if err != nil {
		return types.Identification{}, err
	}
	a.recordAccess(ctx, ident, sample.Quality)
	return ident, nil
}

// Identify looks a template up on the device and falls back to the upstream
// backend when the device does not know the finger.
func (a *Agent) Identify(ctx context.Context, template []byte) (types.Identification, error) {
	ident, err := a.opts.Capture.Identify(template)
	if err != nil {
		return types.Identification{}, err
	}
	if !ident.Identified && a.opts.Relay != nil {
		remote, rerr := a.opts.Relay.RequestIdentification(ctx, template)
		if rerr != nil {
			log.Printf("agent: upstream identification: %v", rerr)
		} else {
			ident = remote
		}
	}

	if ident.Identified {
		a.metrics.identified.Add(1)
	}
	a.mu.Lock()
	a.lastIdentity = &ident
	a.mu.Unlock()
	a.broadcast(types.KindIdentified, ident)
	return ident, nil
}

func (a *Agent) Compare(x, y []byte) (capture.MatchResult, error) {
	return a.opts.Capture.Compare(x, y)
}

func (a *Agent) StopCapture() {
	a.opts.Capture.Stop()
}

func (a *Agent) recordAccess(ctx context.Context, ident types.Identification, quality int) {
	event := types.AccessEvent{
		UserID:     ident.UserID,
		EventType:  types.AccessDenied,
		Quality:    quality,
		OccurredAt: time.Now().UTC(),
	}
	if ident.Identified {
		event.EventType = types.AccessEntry
	} else {
		a.metrics.denied.Add(1)
	}

	if a.opts.Store != nil {
		if _, err := a.opts.Store.RecordAccess(ctx, event); err != nil {
			log.Printf("agent: store access event: %v", err)
		}
	}
	if a.opts.Journal != nil {
		if err := a.opts.Journal.RecordAccess(event); err != nil {
			a.metrics.journalErrors.Add(1)
			log.Printf("agent: journal access event: %v", err)
		}
	}
	if a.opts.Relay != nil {
		payload, err := a.opts.Relay.AccessPayload(event)
		if err != nil {
			log.Printf("agent: encode access event: %v", err)
			return
		}
		a.deliverAsync(relay.PathAccessLog, payload)
	}
}

// deliverAsync relays payload in the background. A post that still fails
// after the relay's retries goes to the outbox unless the backend rejected it.
func (a *Agent) deliverAsync(path string, payload []byte) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.RelayTimeout)
		defer cancel()
		_, err := a.opts.Relay.Deliver(ctx, path, payload)
		if err == nil {
			a.metrics.relayOK.Add(1)
			return
		}
		if relay.IsPermanent(err) {
			a.metrics.relayRejected.Add(1)
			log.Printf("agent: relay %s dropped: %v", path, err)
			return
		}
		a.metrics.relayFailed.Add(1)
		log.Printf("agent: relay %s: %v", path, err)
		// ctx may already be spent on retries.
		a.enqueue(context.WithoutCancel(ctx), path, payload, err)
	}()
}

func (a *Agent) enqueue(ctx context.Context, path string, payload []byte, cause error) {
	if a.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if _, err := a.opts.Store.Enqueue(ctx, path, payload, cause); err != nil {
		log.Printf("agent: outbox enqueue %s: %v", path, err)
		return
	}
	a.metrics.outboxQueued.Add(1)
}

// ReplayOutbox delivers queued posts oldest first. A rejected post becomes a
// dead letter and replay moves on. Any other failure ends the round.
func (a *Agent) ReplayOutbox(ctx context.Context) (int, error) {
	if a.opts.Relay == nil || a.opts.Store == nil {
		return 0, nil
	}
	items, err := a.opts.Store.Pending(ctx, a.opts.OutboxBatch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, item := range items {
		if _, err := a.opts.Relay.Deliver(ctx, item.Path, item.Payload); err != nil {
			if relay.IsPermanent(err) {
				a.metrics.relayRejected.Add(1)
				log.Printf("agent: outbox %s %s rejected, kept as dead letter: %v", item.ID, item.Path, err)
				if derr := a.opts.Store.DeadLetter(ctx, item.ID, err); derr != nil {
					return delivered, derr
				}
				continue
			}
			if merr := a.opts.Store.MarkAttempt(ctx, item.ID, err); merr != nil {
				log.Printf("agent: outbox mark %s: %v", item.ID, merr)
			} else if item.Attempts+1 >= store.MaxAttempts {
				log.Printf("agent: outbox %s %s gave up after %d attempts", item.ID, item.Path, item.Attempts+1)
			}
			return delivered, err
		}
		if err := a.opts.Store.Delete(ctx, item.ID); err != nil {
			return delivered, err
		}
		delivered++
		a.metrics.outboxDelivered.Add(1)
	}
	if delivered > 0 {
		log.Printf("agent: replayed %d outbox posts", delivered)
	}
	return delivered, nil
}

func (a *Agent) RunOutbox(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.ReplayOutbox(ctx); err != nil {
				log.Printf("agent: outbox replay: %v", err)
			}
		}
	}
}

// PublishDeviceStatus broadcasts the current scanner and appliance state and
// reports it upstream.
func (a *Agent) PublishDeviceStatus(ctx context.Context) {
	scanner := a.opts.Device.Status()
	a.mu.Lock()
	a.lastScanner = scanner
	a.statusPrimed = true
	payload := a.deviceStatusLocked(scanner)
	a.mu.Unlock()

	a.broadcast(types.KindDeviceStatus, payload)
	if a.opts.Relay != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.RelayTimeout)
			defer cancel()
			if err := a.opts.Relay.SendDeviceStatus(ctx, scanner); err != nil {
				log.Printf("agent: relay device status: %v", err)
			}
		}()
	}
}

// MonitorDevice publishes the device status whenever it changes.
func (a *Agent) MonitorDevice(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	a.PublishDeviceStatus(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := a.opts.Device.Status()
			a.mu.Lock()
			changed := !a.statusPrimed || current != a.lastScanner
			a.mu.Unlock()
			if changed {
				a.PublishDeviceStatus(ctx)
			}
		}
	}
}

// SetAppliance records a reachability result and broadcasts when the
// appliance changes between reachable and unreachable.
func (a *Agent) SetAppliance(status types.ApplianceStatus) {
	a.mu.Lock()
	changed := a.appliance == nil || a.appliance.Reachable != status.Reachable
	a.appliance = &status
	payload := a.deviceStatusLocked(a.lastScanner)
	a.mu.Unlock()
	if changed {
		a.broadcast(types.KindDeviceStatus, payload)
	}
}

func (a *Agent) deviceStatusLocked(scanner types.DeviceStatus) map[string]any {
	payload := map[string]any{"scanner": scanner}
	if a.appliance != nil {
		payload["appliance"] = *a.appliance
	}
	return payload
}

// HandleCommand runs one trigger command. Capture and identify block for the
// length of a capture session.
func (a *Agent) HandleCommand(ctx context.Context, cmd types.Command) error {
	a.metrics.commands.Add(1)
	switch cmd.Type {
	case types.CommandCapture:
		_, err := a.Capture(ctx)
		return err
	case types.CommandIdentify:
		_, err := a.CaptureAndIdentify(ctx)
		return err
	case types.CommandStop:
		a.StopCapture()
		return nil
	default:
		return faults.New(faults.CodeInvalid, "unknown command %q", cmd.Type)
	}
}

// RunCommands consumes trigger commands until the channel closes or ctx is
// done. Captures run concurrently with the loop so a stop can interrupt them.
func (a *Agent) RunCommands(ctx context.Context, commands <-chan types.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			if cmd.Type == types.CommandStop {
				_ = a.HandleCommand(ctx, cmd)
				continue
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				if err := a.HandleCommand(ctx, cmd); err != nil {
					log.Printf("agent: %s command from %s: %v", cmd.Type, cmd.Source, err)
				}
			}()
		}
	}
}

func (a *Agent) broadcast(kind string, data any) {
	if a.opts.Hub == nil {
		return
	}
	n := a.opts.Hub.Broadcast(types.NewEnvelope(kind, data), kind)
	a.metrics.broadcasts.Add(uint64(n))
}

// Snapshot is the agent section of GET /status.
func (a *Agent) Snapshot() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := map[string]any{
		"device":       a.opts.Device.Status(),
		"session":      a.opts.Capture.Session(),
		"last_session": a.opts.Capture.LastSession(),
		"metrics":      a.metrics.snapshot(),
	}
	if a.appliance != nil {
		snap["appliance"] = *a.appliance
	}
	if a.lastSample != nil {
		snap["last_capture"] = *a.lastSample
	}
	if a.lastIdentity != nil {
		snap["last_identification"] = *a.lastIdentity
	}
	return snap
}

// Wait blocks until background relays and commands have finished.
func (a *Agent) Wait() {
	a.wg.Wait()
}
