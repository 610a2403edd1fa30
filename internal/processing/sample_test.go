package processing

import (
	"testing"
	"time"
)

func TestQuality(t *testing.T) {
	cases := []struct {
		length int
		max    int
		want   int
	}{
		{1024, 2048, 50},
		{2048, 2048, 100},
		{4096, 2048, 100},
		{0, 2048, 0},
		{1, 2048, 0},
		{11, 2048, 1},
		{1535, 2048, 75},
		{10, 0, 0},
	}
	for _, tc := range cases {
		if got := Quality(tc.length, tc.max); got != tc.want {
			t.Fatalf("Quality(%d, %d) = %d, want %d", tc.length, tc.max, got, tc.want)
		}
	}
}

func TestCoverage(t *testing.T) {
	image := []byte{0, 10, 200, 255}
	if got := Coverage(image, RidgeThreshold); got != 0.5 {
		t.Fatalf("unexpected coverage: %v", got)
	}
	if Coverage(nil, RidgeThreshold) != 0 {
		t.Fatalf("empty image should have zero coverage")
	}
}

func TestNewSampleCopiesBuffers(t *testing.T) {
	template := []byte{1, 2, 3, 4}
	image := []byte{0, 0, 255, 255}
	sample := NewSample(template, image, 8, 6, time.Unix(10, 0))

	template[0] = 9
	image[0] = 9
	if sample.Template[0] != 1 || sample.Image[0] != 0 {
		t.Fatalf("sample aliases device buffers")
	}
	if sample.Quality != 50 || sample.Attempts != 6 || sample.Coverage != 0.5 {
		t.Fatalf("unexpected sample: %+v", sample)
	}
}
