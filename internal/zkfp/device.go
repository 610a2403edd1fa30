package zkfp

import (
	"fmt"
	"log"
	"sync"

	"zk-agent-go/internal/faults"
	"zk-agent-go/internal/types"
)

const (
	TemplateCapacity   = 2048
	DefaultImageWidth  = 640
	DefaultImageHeight = 480
)

type Options struct {
	LibraryPath string
	Index       int
	ImageWidth  int
	ImageHeight int
}

// handle is the capability for an open device. Only Connect creates one and
// only Disconnect/Cleanup drop it.
type handle struct {
	index int
	ref   Handle
	open  bool
}

// Acquisition is the result of one AcquireOnce poll. Length is the template
// length reported by the SDK and is only meaningful on StatusSuccess.
type Acquisition struct {
	Status Status
	Length int
	Code   int
}

type Device struct {
	mu          sync.Mutex
	opts        Options
	load        Loader
	lib         Library
	initialized bool
	dev         *handle
	lastCount   int
	lastErr     error

	// Fixed for the lifetime of the device and reused by every poll.
	image       []byte
	template    []byte
	templateLen uint32
}

func NewDevice(opts Options, load Loader) *Device {
	if opts.ImageWidth <= 0 {
		opts.ImageWidth = DefaultImageWidth
	}
	if opts.ImageHeight <= 0 {
		opts.ImageHeight = DefaultImageHeight
	}
	if load == nil {
		load = Load
	}
	return &Device{
		opts:     opts,
		load:     load,
		image:    make([]byte, opts.ImageWidth*opts.ImageHeight),
		template: make([]byte, TemplateCapacity),
	}
}

// Initialize loads the native module and calls Init. It is a no-op once it
// has succeeded.
func (d *Device) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}

	lib, err := d.load(d.opts.LibraryPath)
	if err != nil {
		d.lastErr = faults.Wrap(faults.CodeBinding, err, "load native module %q", d.opts.LibraryPath)
		return d.lastErr
	}
	if code := lib.Init(); !initSucceeded(code) {
		_ = lib.Close()
		d.lastErr = faults.New(faults.CodeBinding, "ZKFPM_Init failed with code %d", code)
		return d.lastErr
	}

	d.lib = lib
	d.initialized = true
	d.lastErr = nil
	log.Printf("zkfp: SDK initialised from %s", d.opts.LibraryPath)
	return nil
}

// Connect opens the device at index. Failures are recorded and reported as
// false so a scanner plugged in later can be picked up by EnsureConnection.
func (d *Device) Connect(index int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectLocked(index)
}

func (d *Device) connectLocked(index int) bool {
	if d.dev != nil && d.dev.open {
		return true
	}
	if !d.initialized {
		d.lastErr = faults.New(faults.CodeBinding, "SDK not initialised")
		return false
	}

	d.lastCount = d.lib.GetDeviceCount()
	if d.lastCount <= 0 {
		d.lastErr = faults.New(faults.CodeNoDevice, "no fingerprint device detected")
		log.Printf("zkfp: connect index %d: no device, will retry on next capture", index)
		return false
	}

	ref := d.lib.OpenDevice(index)
	if ref == 0 {
		d.lastErr = faults.New(faults.CodeHandleInvalid, "ZKFPM_OpenDevice(%d) returned a null handle", index)
		log.Printf("zkfp: connect index %d: null handle", index)
		return false
	}

	d.dev = &handle{index: index, ref: ref, open: true}
	d.lastErr = nil
	log.Printf("zkfp: device %d opened (%d detected)", index, d.lastCount)
	return true
}

// EnsureConnection reconnects the configured device if it is not open.
func (d *Device) EnsureConnection() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectLocked(d.opts.Index) {
		return nil
	}
	if d.lastErr != nil {
		return d.lastErr
	}
	return faults.ErrHandleInvalid
}

// DeviceCount asks the SDK how many scanners are attached.
func (d *Device) DeviceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0
	}
	d.lastCount = d.lib.GetDeviceCount()
	return d.lastCount
}

// AcquireOnce issues one non-blocking AcquireFingerprint poll. On success
// visit is called with views over the device buffers; they are overwritten by
// the next poll and must be copied if kept.
func (d *Device) AcquireOnce(visit func(template, image []byte)) (Acquisition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.openHandleLocked()
	if err != nil {
		return Acquisition{}, err
	}

	d.templateLen = uint32(len(d.template))
	code := d.lib.AcquireFingerprint(h.ref, d.image, d.template, &d.templateLen)
	result := Acquisition{Status: classifyAcquire(code), Code: code}
	if result.Status != StatusSuccess {
		return result, nil
	}

	n := int(d.templateLen)
	if n <= 0 || n > len(d.template) {
		// The SDK claimed success but produced no usable template.
		result.Status = StatusLowQuality
		return result, nil
	}
	result.Length = n
	if visit != nil {
		visit(d.template[:n], d.image)
	}
	return result, nil
}

func (d *Device) StartCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.openHandleLocked()
	if err != nil {
		return err
	}
	if code := d.lib.StartCapture(h.ref); code != CodeStartCaptureOK {
		return faults.New(faults.CodeHardware, "ZKFPM_StartCapture returned %d", code)
	}
	return nil
}

func (d *Device) StopCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.openHandleLocked()
	if err != nil {
		return err
	}
	if code := d.lib.StopCapture(h.ref); code != CodeStopCaptureOK {
		return faults.New(faults.CodeHardware, "ZKFPM_StopCapture returned %d", code)
	}
	return nil
}

// Match compares two templates with DBMatch.
func (d *Device) Match(a, b []byte) (bool, error) {
	if len(a) == 0 || len(b) == 0 {
		return false, faults.New(faults.CodeInvalid, "two non-empty templates are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.openHandleLocked()
	if err != nil {
		return false, err
	}
	code := d.lib.DBMatch(h.ref, a, b)
	if code == CodeNotSupported {
		return false, faults.New(faults.CodeBinding, "ZKFPM_DBMatch is not available in %s", d.opts.LibraryPath)
	}
	return matchSucceeded(code), nil
}

// Identify looks template up in the SDK's enrolled set.
func (d *Device) Identify(template []byte) (int, bool, error) {
	if len(template) == 0 {
		return 0, false, faults.New(faults.CodeInvalid, "empty template")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.openHandleLocked()
	if err != nil {
		return 0, false, err
	}
	code := d.lib.DBIdentify(h.ref, template)
	if code == CodeNotSupported {
		return 0, false, faults.New(faults.CodeBinding, "ZKFPM_DBIdentify is not available in %s", d.opts.LibraryPath)
	}
	userID, ok := identifiedUser(code)
	return userID, ok, nil
}

// Disconnect closes the open handle, if any.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnectLocked()
}

func (d *Device) disconnectLocked() error {
	if d.dev == nil {
		return nil
	}
	h := d.dev
	d.dev = nil
	if code := d.lib.CloseDevice(h.ref); code != CodeCloseOK {
		return faults.New(faults.CodeHardware, "ZKFPM_CloseDevice(%d) returned %d", h.index, code)
	}
	log.Printf("zkfp: device %d closed", h.index)
	return nil
}

// Cleanup closes the device, terminates the SDK and releases the module.
func (d *Device) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return nil
	}
	var firstErr error
	if err := d.disconnectLocked(); err != nil {
		firstErr = err
	}
	if code := d.lib.Terminate(); code != CodeTerminateOK && firstErr == nil {
		firstErr = faults.New(faults.CodeBinding, "ZKFPM_Terminate returned %d", code)
	}
	if err := d.lib.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("release native module: %w", err)
	}
	d.lib = nil
	d.initialized = false
	return firstErr
}

func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dev != nil && d.dev.open
}

func (d *Device) Status() types.DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := types.DeviceStatus{
		Initialized: d.initialized,
		Connected:   d.dev != nil && d.dev.open,
		Index:       d.opts.Index,
		DeviceCount: d.lastCount,
	}
	if d.lastErr != nil {
		status.LastError = faults.MessageOf(d.lastErr)
		status.ErrorCode = string(faults.CodeOf(d.lastErr))
	}
	return status
}

// MaxTemplateLength is the denominator of the quality score.
func (d *Device) MaxTemplateLength() int {
	return len(d.template)
}

func (d *Device) openHandleLocked() (*handle, error) {
	if d.dev == nil || !d.dev.open {
		return nil, faults.New(faults.CodeHandleInvalid, "device is not open")
	}
	return d.dev, nil
}
