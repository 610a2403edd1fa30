package zkfp

// The SDK does not use one success convention. Each entry point is checked
// against its own code here and nowhere else.
const (
	CodeInitOK          = 0
	CodeInitAlready     = 1
	CodeCloseOK         = 0
	CodeTerminateOK     = 0
	CodeAcquireOK       = 0
	CodeHardwareFault   = -2
	CodeNotSupported    = -4
	CodeLowQuality      = -5
	CodeCaptureNotReady = -8
	CodeStartCaptureOK  = 1
	CodeStopCaptureOK   = 1
)

func initSucceeded(code int) bool {
	return code == CodeInitOK || code == CodeInitAlready
}

// matchSucceeded reports a DBMatch hit. The SDK only tells us match or not.
func matchSucceeded(code int) bool {
	return code > 0
}

// identifiedUser returns the user id encoded in a DBIdentify result.
func identifiedUser(code int) (int, bool) {
	if code > 0 {
		return code, true
	}
	return 0, false
}

// Status is the outcome of a single acquisition poll.
type Status int

const (
	StatusNoFinger Status = iota
	StatusSuccess
	StatusLowQuality
	StatusHardwareError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusLowQuality:
		return "low_quality"
	case StatusHardwareError:
		return "hardware_error"
	default:
		return "no_finger"
	}
}

func classifyAcquire(code int) Status {
	switch code {
	case CodeAcquireOK:
		return StatusSuccess
	case CodeLowQuality:
		return StatusLowQuality
	case CodeHardwareFault:
		return StatusHardwareError
	default:
		// -8 is the steady "no finger yet" answer; anything unrecognised is
		// polled again as well.
		return StatusNoFinger
	}
}
