package audio

// DecodePCM16 converts little-endian 16-bit PCM bytes into normalised
// float32 samples (sample = int16 / 32768). A trailing odd byte is dropped —
// chunk boundaries from the upstream service are not guaranteed to be
// sample-aligned only in the error case, and half a sample is noise.
func DecodePCM16(data []byte) []float32 {
	samples := make([]float32, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		s := int16(data[i]) | int16(data[i+1])<<8
		samples = append(samples, float32(s)/32768)
	}
	return samples
}

// EncodePCM16 converts normalised float32 samples back into little-endian
// 16-bit PCM bytes, clamping to the int16 range.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// Bufferize splits samples into SampleBuffers of at most [BufferSamples]
// samples each. The final buffer holds the remainder and may be shorter.
// Returns nil for empty input.
func Bufferize(samples []float32, rate int) []*SampleBuffer {
	if len(samples) == 0 {
		return nil
	}
	bufs := make([]*SampleBuffer, 0, (len(samples)+BufferSamples-1)/BufferSamples)
	for len(samples) > 0 {
		n := min(len(samples), BufferSamples)
		bufs = append(bufs, &SampleBuffer{Samples: samples[:n:n], Rate: rate})
		samples = samples[n:]
	}
	return bufs
}
