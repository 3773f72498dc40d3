package audio

import (
	"math"
	"testing"
	"time"
)

func TestDecodePCM16_Normalisation(t *testing.T) {
	t.Parallel()

	// int16 max, min, zero as little-endian bytes.
	data := []byte{0xFF, 0x7F, 0x00, 0x80, 0x00, 0x00}
	got := DecodePCM16(data)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if math.Abs(float64(got[0])-32767.0/32768.0) > 1e-6 {
		t.Errorf("max sample = %f, want ~0.99997", got[0])
	}
	if got[1] != -1 {
		t.Errorf("min sample = %f, want -1", got[1])
	}
	if got[2] != 0 {
		t.Errorf("zero sample = %f, want 0", got[2])
	}
}

func TestDecodePCM16_OddTrailingByte(t *testing.T) {
	t.Parallel()

	got := DecodePCM16([]byte{0x00, 0x00, 0x7F})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (trailing byte dropped)", len(got))
	}
}

func TestBufferize_SplitsAtCapacity(t *testing.T) {
	t.Parallel()

	samples := make([]float32, BufferSamples*2+100)
	bufs := Bufferize(samples, SampleRate)
	if len(bufs) != 3 {
		t.Fatalf("got %d buffers, want 3", len(bufs))
	}
	if len(bufs[0].Samples) != BufferSamples || len(bufs[1].Samples) != BufferSamples {
		t.Errorf("full buffers hold %d and %d samples, want %d",
			len(bufs[0].Samples), len(bufs[1].Samples), BufferSamples)
	}
	if len(bufs[2].Samples) != 100 {
		t.Errorf("trailing buffer holds %d samples, want 100", len(bufs[2].Samples))
	}
}

func TestBufferize_Empty(t *testing.T) {
	t.Parallel()

	if bufs := Bufferize(nil, SampleRate); bufs != nil {
		t.Fatalf("got %d buffers for empty input, want none", len(bufs))
	}
}

func TestSampleBuffer_Duration(t *testing.T) {
	t.Parallel()

	b := &SampleBuffer{Samples: make([]float32, BufferSamples), Rate: SampleRate}
	want := 320 * time.Millisecond
	if d := b.Duration(); d != want {
		t.Errorf("Duration = %v, want %v", d, want)
	}
}

func TestEncodePCM16_RoundTripAndClamp(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.5, -0.5, 1.5, -1.5}
	out := DecodePCM16(EncodePCM16(in))
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i, want := range []float32{0, 0.5, -0.5, 32767.0 / 32768.0, -1} {
		if math.Abs(float64(out[i]-want)) > 1e-3 {
			t.Errorf("sample[%d] = %f, want ~%f", i, out[i], want)
		}
	}
}
