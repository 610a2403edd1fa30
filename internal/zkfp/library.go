// Package zkfp binds the ZKTeco fingerprint SDK (libzkfp). The native module
// is reached through Library, one method per vendor entry point, and Device
// owns the SDK lifecycle, the open handle and the capture buffers.
package zkfp

// Handle is the opaque device reference returned by OpenDevice. Zero is the
// null handle.
type Handle uintptr

// Library mirrors the vendor's C function table. Return codes are passed
// through untouched; their meaning differs per entry point (see codes.go).
type Library interface {
	Init() int
	Terminate() int
	GetDeviceCount() int
	OpenDevice(index int) Handle
	CloseDevice(h Handle) int
	// AcquireFingerprint polls once. templateLen holds the template capacity
	// on entry and the produced length on exit.
	AcquireFingerprint(h Handle, image []byte, template []byte, templateLen *uint32) int
	StartCapture(h Handle) int
	StopCapture(h Handle) int
	DBMatch(h Handle, a, b []byte) int
	DBIdentify(h Handle, template []byte) int
	// Close releases the module and every resolved entry point.
	Close() error
}

// Loader opens the native module at path.
type Loader func(path string) (Library, error)
