package audio

import "time"

// CancelFunc stops a single in-flight render. After it returns, the render's
// completion callback will never be invoked. Calling it more than once, or
// after the render completed naturally, is a no-op.
type CancelFunc func()

// Device is the output endpoint for scheduled audio. The playback scheduler
// commits buffers to a Device at absolute times on the device clock and
// relies on the completion callback to track in-flight renders.
//
// Implementations must be safe for concurrent use. Renders may overlap in
// time (the ambient pad plays underneath the main queue); the device is
// responsible for mixing overlapping renders.
type Device interface {
	// Now returns the current position of the device's monotonic output
	// clock. The zero point is implementation-defined but must not move.
	Now() time.Duration

	// Render schedules buf to start playing at the absolute clock time at.
	// If at is already in the past the device starts the buffer as soon as
	// possible. done is invoked exactly once, on an internal goroutine,
	// after the buffer has finished rendering — unless the render is
	// cancelled first. done may be nil.
	Render(buf *SampleBuffer, at time.Duration, done func()) CancelFunc
}
