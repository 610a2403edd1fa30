// Package simulator provides an in-process stand-in for the vendor
// fingerprint SDK. It is used by -debug mode and by tests.
package simulator

import (
	"math"
	"sync"

	"zk-agent-go/internal/zkfp"
)

type Options struct {
	// Devices is the number of attached scanners reported by GetDeviceCount.
	Devices int
	// FingerEvery makes a finger appear on every Nth poll. Zero means a finger
	// only appears when scripted.
	FingerEvery int
	// Fingers is the number of distinct virtual fingers cycled through. All but
	// the last are enrolled, so identification sees both hits and misses.
	Fingers      int
	TemplateSize int
	Width        int
	Height       int
	InitCode     int
}

// Counters records how often each entry point was called.
type Counters struct {
	Init        int
	Terminate   int
	Open        int
	CloseDevice int
	Acquire     int
	Start       int
	Stop        int
	Match       int
	Identify    int
	Close       int
}

type Scanner struct {
	mu         sync.Mutex
	opts       Options
	script     []int
	open       map[zkfp.Handle]int
	nextHandle zkfp.Handle
	polls      int
	finger     int
	enrolled   map[string]int
	calls      Counters
}

func New(opts Options) *Scanner {
	if opts.TemplateSize <= 0 || opts.TemplateSize > zkfp.TemplateCapacity {
		opts.TemplateSize = zkfp.TemplateCapacity / 2
	}
	if opts.Width <= 0 {
		opts.Width = zkfp.DefaultImageWidth
	}
	if opts.Height <= 0 {
		opts.Height = zkfp.DefaultImageHeight
	}
	if opts.Fingers <= 0 {
		opts.Fingers = 1
	}
	s := &Scanner{
		opts:       opts,
		open:       make(map[zkfp.Handle]int),
		nextHandle: 0x1000,
		enrolled:   make(map[string]int),
	}
	for k := 0; k < opts.Fingers-1; k++ {
		s.enrolled[string(fingerTemplate(k, opts.TemplateSize))] = 1000 + k
	}
	return s
}

// Loader returns a zkfp.Loader that always yields this scanner.
func (s *Scanner) Loader() zkfp.Loader {
	return func(string) (zkfp.Library, error) {
		return s, nil
	}
}

// Script queues AcquireFingerprint return codes. Queued codes are consumed
// before the FingerEvery schedule applies.
func (s *Scanner) Script(codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, codes...)
}

func (s *Scanner) SetDevices(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Devices = n
}

// Enroll registers template under userID for DBIdentify.
func (s *Scanner) Enroll(template []byte, userID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrolled[string(template)] = userID
}

func (s *Scanner) Counts() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// OpenHandles is the number of handles currently open.
func (s *Scanner) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

func (s *Scanner) Init() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Init++
	return s.opts.InitCode
}

func (s *Scanner) Terminate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Terminate++
	return zkfp.CodeTerminateOK
}

func (s *Scanner) GetDeviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Devices
}

func (s *Scanner) OpenDevice(index int) zkfp.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Open++
	if index < 0 || index >= s.opts.Devices {
		return 0
	}
	h := s.nextHandle
	s.nextHandle++
	s.open[h] = index
	return h
}

func (s *Scanner) CloseDevice(h zkfp.Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.CloseDevice++
	delete(s.open, h)
	return zkfp.CodeCloseOK
}

func (s *Scanner) AcquireFingerprint(h zkfp.Handle, image []byte, template []byte, templateLen *uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Acquire++
	if _, ok := s.open[h]; !ok {
		return zkfp.CodeHardwareFault
	}

	code := zkfp.CodeCaptureNotReady
	if len(s.script) > 0 {
		code = s.script[0]
		s.script = s.script[1:]
	} else if s.opts.FingerEvery > 0 {
		s.polls++
		if s.polls%s.opts.FingerEvery == 0 {
			code = zkfp.CodeAcquireOK
		}
	}
	if code != zkfp.CodeAcquireOK {
		return code
	}

	tpl := fingerTemplate(s.finger, s.opts.TemplateSize)
	n := copy(template, tpl)
	if templateLen != nil {
		*templateLen = uint32(n)
	}
	renderRidges(image, s.opts.Width, s.opts.Height, s.finger)
	s.finger = (s.finger + 1) % s.opts.Fingers
	return code
}

func (s *Scanner) StartCapture(h zkfp.Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Start++
	if _, ok := s.open[h]; !ok {
		return zkfp.CodeHardwareFault
	}
	return zkfp.CodeStartCaptureOK
}

func (s *Scanner) StopCapture(h zkfp.Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Stop++
	if _, ok := s.open[h]; !ok {
		return zkfp.CodeHardwareFault
	}
	return zkfp.CodeStopCaptureOK
}

func (s *Scanner) DBMatch(_ zkfp.Handle, a, b []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Match++
	if string(a) == string(b) {
		return 1
	}
	return 0
}

func (s *Scanner) DBIdentify(_ zkfp.Handle, template []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Identify++
	return s.enrolled[string(template)]
}

func (s *Scanner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Close++
	return nil
}

// FingerTemplate returns the template the scanner produces for virtual
// finger k.
func FingerTemplate(k, size int) []byte {
	return fingerTemplate(k, size)
}

func fingerTemplate(k, size int) []byte {
	out := make([]byte, size)
	seed := uint32(2166136261) ^ uint32(k+1)*16777619
	for i := range out {
		seed ^= seed << 13
		seed ^= seed >> 17
		seed ^= seed << 5
		out[i] = byte(seed)
	}
	return out
}

// renderRidges draws a concentric ridge pattern centred slightly differently
// per finger, fading out towards the edge of the sensor.
func renderRidges(image []byte, width, height, finger int) {
	if width*height > len(image) {
		return
	}
	centerX := float64(width)/2.0 + float64(finger%5)*7
	centerY := float64(height)/2.0 - float64(finger%3)*5
	spread := float64(width*height) / 12
	for i := 0; i < width*height; i++ {
		x := float64(i % width)
		y := float64(i / width)
		dx := x - centerX
		dy := y - centerY
		distance := math.Sqrt(dx*dx + dy*dy)
		envelope := math.Exp(-(distance * distance) / spread)
		ridge := 0.5 + 0.5*math.Cos(distance/3.0+float64(finger))
		// Dark ridges on a light background, like the sensor's raw output.
		image[i] = byte(255 - 255*envelope*ridge)
	}
}
