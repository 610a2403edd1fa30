// Package capture drives the poll-based capture protocol of the fingerprint
// SDK: one session at a time, polled on an interval and raced against a
// deadline.
package capture

import (
	"context"
	"log"
	"sync"
	"time"

	"zk-agent-go/internal/faults"
	"zk-agent-go/internal/processing"
	"zk-agent-go/internal/types"
	"zk-agent-go/internal/zkfp"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultTimeout      = 15 * time.Second

	// matchConfidence is reported for a DBMatch hit. The SDK only answers
	// match or no match.
	matchConfidence = 95
)

type State int

const (
	Idle State = iota
	Capturing
	Succeeded
	Failed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Capturing:
		return "capturing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Session struct {
	State      State     `json:"state"`
	Generation uint64    `json:"generation"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"started_at"`
	Deadline   time.Time `json:"deadline"`
}

// Device is the part of zkfp.Device the orchestrator drives.
type Device interface {
	EnsureConnection() error
	AcquireOnce(visit func(template, image []byte)) (zkfp.Acquisition, error)
	StartCapture() error
	StopCapture() error
	Match(a, b []byte) (bool, error)
	Identify(template []byte) (int, bool, error)
	MaxTemplateLength() int
}

type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
	// LogEvery rate-limits the "still waiting" poll log.
	LogEvery int
	// OnTransition, when set, observes every state change of a session.
	OnTransition func(from, to State, session Session)
}

type MatchResult struct {
	Match      bool   `json:"match"`
	Confidence int    `json:"confidence"`
	Timestamp  string `json:"timestamp"`
}

type Orchestrator struct {
	dev  Device
	opts Options

	mu         sync.Mutex
	generation uint64
	session    Session
	last       Session
	stop       chan struct{}
}

func New(dev Device, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.LogEvery < 1 {
		opts.LogEvery = 50
	}
	return &Orchestrator{dev: dev, opts: opts}
}

// Start runs one capture session and blocks until it ends. A second caller
// while a session is capturing gets a busy error immediately.
func (o *Orchestrator) Start(ctx context.Context) (types.Sample, error) {
	o.mu.Lock()
	if o.session.State == Capturing {
		gen := o.session.Generation
		o.mu.Unlock()
		return types.Sample{}, faults.New(faults.CodeBusy, "capture session %d is in progress", gen)
	}
	if err := o.dev.EnsureConnection(); err != nil {
		o.mu.Unlock()
		return types.Sample{}, err
	}

	now := time.Now()
	o.generation++
	gen := o.generation
	stop := make(chan struct{})
	o.stop = stop
	o.transitionLocked(Session{
		State:      Capturing,
		Generation: gen,
		StartedAt:  now,
		Deadline:   now.Add(o.opts.Timeout),
	})
	o.mu.Unlock()

	if err := o.dev.StartCapture(); err != nil {
		log.Printf("capture: start capture (session %d): %v", gen, err)
	}
	log.Printf("capture: session %d started, waiting up to %s for a finger", gen, o.opts.Timeout)
	return o.run(ctx, gen, stop)
}

func (o *Orchestrator) run(ctx context.Context, gen uint64, stop <-chan struct{}) (types.Sample, error) {
	deadline := time.NewTimer(o.opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		sample, done, err := o.poll(gen)
		if done {
			return sample, err
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return types.Sample{}, o.finish(gen, TimedOut, o.timeoutError())
		case <-stop:
			return types.Sample{}, faults.New(faults.CodeCancelled, "capture session %d stopped", gen)
		case <-ctx.Done():
			o.cancel(gen)
			return types.Sample{}, faults.Wrap(faults.CodeCancelled, ctx.Err(), "capture session %d abandoned", gen)
		}
	}
}

// poll performs one acquisition for session gen. done reports that the
// session reached a terminal state.
func (o *Orchestrator) poll(gen uint64) (types.Sample, bool, error) {
	o.mu.Lock()
	if o.session.Generation != gen || o.session.State != Capturing {
		o.mu.Unlock()
		return types.Sample{}, true, faults.New(faults.CodeCancelled, "capture session %d superseded", gen)
	}
	// The ticker can win the select against an expired deadline.
	if !time.Now().Before(o.session.Deadline) {
		o.mu.Unlock()
		return types.Sample{}, true, o.finish(gen, TimedOut, o.timeoutError())
	}
	o.session.Attempts++
	attempts := o.session.Attempts
	o.mu.Unlock()

	maxLength := o.dev.MaxTemplateLength()
	var sample types.Sample
	result, err := o.dev.AcquireOnce(func(template, image []byte) {
		sample = processing.NewSample(template, image, maxLength, attempts, time.Now())
	})
	if err != nil {
		return types.Sample{}, true, o.finish(gen, Failed, err)
	}

	switch result.Status {
	case zkfp.StatusSuccess:
		if err := o.finish(gen, Succeeded, nil); err != nil {
			return types.Sample{}, true, err
		}
		log.Printf("capture: session %d captured %d byte template (quality %d) after %d attempts",
			gen, len(sample.Template), sample.Quality, attempts)
		return sample, true, nil
	case zkfp.StatusHardwareError:
		err := faults.New(faults.CodeHardware, "ZKFPM_AcquireFingerprint returned %d", result.Code)
		return types.Sample{}, true, o.finish(gen, Failed, err)
	case zkfp.StatusLowQuality:
		if attempts%o.opts.LogEvery == 0 {
			log.Printf("capture: session %d low quality image, reposition finger (attempt %d)", gen, attempts)
		}
	default:
		if attempts%o.opts.LogEvery == 0 {
			log.Printf("capture: session %d waiting for finger (attempt %d, code %d)", gen, attempts, result.Code)
		}
	}
	return types.Sample{}, false, nil
}

func (o *Orchestrator) timeoutError() error {
	return faults.New(faults.CodeTimeout, "no finger detected within %s", o.opts.Timeout)
}

// finish moves session gen into a terminal state, stops the device capture
// once and returns to Idle. A stale generation is left alone.
func (o *Orchestrator) finish(gen uint64, state State, cause error) error {
	o.mu.Lock()
	if o.session.Generation != gen || o.session.State != Capturing {
		o.mu.Unlock()
		return faults.New(faults.CodeCancelled, "capture session %d superseded", gen)
	}
	terminal := o.session
	terminal.State = state
	o.transitionLocked(terminal)
	o.last = terminal
	o.stop = nil
	o.transitionLocked(Session{State: Idle, Generation: gen})
	o.mu.Unlock()

	o.stopDevice(gen)
	if cause != nil {
		log.Printf("capture: session %d %s: %v", gen, state, cause)
	}
	return cause
}

// Stop abandons the running session, if any, and returns to Idle.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	gen := o.session.Generation
	o.mu.Unlock()
	o.cancel(gen)
}

func (o *Orchestrator) cancel(gen uint64) {
	o.mu.Lock()
	if o.session.Generation != gen || o.session.State != Capturing {
		o.mu.Unlock()
		return
	}
	o.last = o.session
	if o.stop != nil {
		close(o.stop)
		o.stop = nil
	}
	o.transitionLocked(Session{State: Idle, Generation: gen})
	o.mu.Unlock()

	o.stopDevice(gen)
	log.Printf("capture: session %d stopped", gen)
}

func (o *Orchestrator) stopDevice(gen uint64) {
	if err := o.dev.StopCapture(); err != nil {
		log.Printf("capture: stop capture (session %d): %v", gen, err)
	}
}

func (o *Orchestrator) transitionLocked(next Session) {
	prev := o.session.State
	o.session = next
	if o.opts.OnTransition != nil && prev != next.State {
		o.opts.OnTransition(prev, next.State, next)
	}
}

// Session returns the current session. It is Idle between captures.
func (o *Orchestrator) Session() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// LastSession returns the most recently ended session with its terminal
// state.
func (o *Orchestrator) LastSession() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *Orchestrator) State() State {
	return o.Session().State
}

// Compare matches two templates on the device.
func (o *Orchestrator) Compare(a, b []byte) (MatchResult, error) {
	if err := o.dev.EnsureConnection(); err != nil {
		return MatchResult{}, err
	}
	match, err := o.dev.Match(a, b)
	if err != nil {
		return MatchResult{}, err
	}
	result := MatchResult{Match: match, Timestamp: types.Now()}
	if match {
		result.Confidence = matchConfidence
	}
	return result, nil
}

// Identify looks a template up among the device's enrolled users.
func (o *Orchestrator) Identify(template []byte) (types.Identification, error) {
	if err := o.dev.EnsureConnection(); err != nil {
		return types.Identification{}, err
	}
	userID, ok, err := o.dev.Identify(template)
	if err != nil {
		return types.Identification{}, err
	}
	result := types.Identification{Identified: ok, Timestamp: types.Now()}
	if ok {
		result.UserID = &userID
	}
	return result, nil
}
