// Package audio defines the sample-buffer data model and the output device
// abstraction for livedub.
//
// Audio flows through the system as [SampleBuffer] values: fixed-capacity
// arrays of normalised float32 samples decoded from the little-endian 16-bit
// PCM the upstream voice service emits. Buffers are handed to a [Device] for
// rendering at an absolute time on the device's own clock — the device clock
// is the timebase the playback scheduler paces against.
//
// A bundled [MixDevice] renders to any io.Writer in real time; platform
// adapters (ALSA, PortAudio, a network sink) implement [Device] themselves.
package audio

import "time"

const (
	// SampleRate is the output sample rate in Hz. It matches the PCM16
	// format negotiated with the upstream voice service.
	SampleRate = 24000

	// BufferSamples is the capacity of a full SampleBuffer: 7680 samples at
	// 24 kHz, roughly 320 ms of audio.
	BufferSamples = 7680
)

// SampleBuffer holds normalised mono audio samples in the range [-1, 1].
// Buffers produced by [Bufferize] contain at most [BufferSamples] samples;
// the trailing buffer of a chunk may be shorter.
type SampleBuffer struct {
	// Samples is the normalised PCM data. Never empty.
	Samples []float32

	// Rate is the sample rate in Hz.
	Rate int
}

// Duration returns the playback duration of the buffer at its sample rate.
func (b *SampleBuffer) Duration() time.Duration {
	if b.Rate <= 0 {
		return 0
	}
	return time.Duration(int64(len(b.Samples)) * int64(time.Second) / int64(b.Rate))
}
