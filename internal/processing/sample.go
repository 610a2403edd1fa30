package processing

import (
	"math"
	"time"

	"zk-agent-go/internal/types"
)

// RidgeThreshold is the grey level below which a pixel counts as finger
// contact.
const RidgeThreshold = 128

// Quality scores a template by how much of the vendor maximum it fills:
// round(100 * length / max), clamped to [0, 100].
func Quality(length, max int) int {
	if max <= 0 || length <= 0 {
		return 0
	}
	q := int(math.Round(100 * float64(length) / float64(max)))
	if q < 0 {
		return 0
	}
	if q > 100 {
		return 100
	}
	return q
}

// Coverage is the fraction of image pixels darker than threshold.
func Coverage(image []byte, threshold byte) float64 {
	if len(image) == 0 {
		return 0
	}
	return float64(countBelow(image, threshold)) / float64(len(image))
}

func countBelow(values []byte, threshold byte) int {
	count := 0
	for _, v := range values {
		if v < threshold {
			count++
		}
	}
	return count
}

// NewSample copies template and image out of the device buffers and scores
// them. The returned sample shares no memory with its inputs.
func NewSample(template, image []byte, maxLength, attempts int, capturedAt time.Time) types.Sample {
	tpl := make([]byte, len(template))
	copy(tpl, template)
	img := make([]byte, len(image))
	copy(img, image)
	return types.Sample{
		Template:   tpl,
		Image:      img,
		Quality:    Quality(len(tpl), maxLength),
		Coverage:   math.Round(Coverage(img, RidgeThreshold)*1000) / 1000,
		Attempts:   attempts,
		CapturedAt: capturedAt,
	}
}
