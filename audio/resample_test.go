package audio

import (
	"math"
	"testing"
)

func pcmFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

func samplesFromPCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return out
}

func TestResampleLengthRatio(t *testing.T) {
	// 20 ms at 8 kHz is 160 samples; at 24 kHz it must be 480.
	in := pcmFromSamples(make([]int16, 160))
	out := Resample(in, TelephonyRate, BackendRate)
	if len(out) != 480*2 {
		t.Fatalf("upsampled length %d bytes, want %d", len(out), 480*2)
	}

	down := Resample(out, BackendRate, TelephonyRate)
	if len(down) != 160*2 {
		t.Fatalf("downsampled length %d bytes, want %d", len(down), 160*2)
	}
}

func TestResampleSameRateCopies(t *testing.T) {
	in := pcmFromSamples([]int16{1, -2, 3, -4})
	out := Resample(in, TelephonyRate, TelephonyRate)
	if len(out) != len(in) {
		t.Fatalf("length changed: %d vs %d", len(out), len(in))
	}
	out[0] = 0xAA
	if in[0] == 0xAA {
		t.Fatalf("Resample must not alias the input")
	}
}

func TestResamplePreservesSineShape(t *testing.T) {
	// A 400 Hz tone is well inside both Nyquist limits; round-tripping
	// 8k -> 24k -> 8k should reproduce it closely.
	const n = 800
	src := make([]int16, n)
	for i := range src {
		src[i] = int16(8000 * math.Sin(2*math.Pi*400*float64(i)/float64(TelephonyRate)))
	}

	up := Resample(pcmFromSamples(src), TelephonyRate, BackendRate)
	back := samplesFromPCM(Resample(up, BackendRate, TelephonyRate))
	if len(back) != n {
		t.Fatalf("round trip length %d, want %d", len(back), n)
	}

	var maxErr float64
	for i := 10; i < n-10; i++ {
		if err := math.Abs(float64(back[i]) - float64(src[i])); err > maxErr {
			maxErr = err
		}
	}
	if maxErr > 400 {
		t.Fatalf("round-trip error %.0f too large for a 400 Hz tone", maxErr)
	}
}

func TestDownsample3x(t *testing.T) {
	src := []int16{300, 600, 900, -300, -600, -900}
	out := samplesFromPCM(Downsample3x(pcmFromSamples(src)))
	if len(out) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(out))
	}
	if out[0] != 600 || out[1] != -600 {
		t.Fatalf("expected averages [600 -600], got %v", out)
	}
}
