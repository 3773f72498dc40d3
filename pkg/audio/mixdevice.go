package audio

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// Compile-time interface assertion.
var _ Device = (*MixDevice)(nil)

// defaultFlushInterval is how often the emit goroutine converts the elapsed
// clock window into PCM output.
const defaultFlushInterval = 50 * time.Millisecond

// maxWriteFailures is how many consecutive sink write errors the device
// tolerates before closing itself.
const maxWriteFailures = 10

// MixDevice is a real-time [Device] that mixes all scheduled renders into a
// single mono PCM16 stream written to an io.Writer. It is suitable for
// piping into a playback utility or a network sink.
//
// The device clock is wall time measured from construction. Every flush
// interval the device sums the samples of all renders overlapping the
// elapsed window, clamps, encodes and writes them. Silence is emitted for
// gaps so the output stream stays continuous. A sink that persistently
// rejects writes closes the device.
type MixDevice struct {
	w io.Writer

	epoch time.Time

	mu        sync.Mutex
	renders   map[uint64]*render
	nextID    uint64
	cursor    time.Duration // clock position up to which output has been emitted
	writeErrs int           // consecutive sink write failures
	closed    bool

	done chan struct{}
}

type render struct {
	buf      *SampleBuffer
	start    time.Duration
	complete func()
}

// end returns the clock time at which the render finishes.
func (r *render) end() time.Duration { return r.start + r.buf.Duration() }

// NewMixDevice creates a MixDevice writing mono PCM16 at [SampleRate] to w
// and starts its emit goroutine. Call [MixDevice.Close] to stop it.
func NewMixDevice(w io.Writer) *MixDevice {
	d := &MixDevice{
		w:       w,
		epoch:   time.Now(),
		renders: make(map[uint64]*render),
		done:    make(chan struct{}),
	}
	go d.emitLoop()
	return d
}

// Now returns the device clock: wall time elapsed since construction.
func (d *MixDevice) Now() time.Duration {
	return time.Since(d.epoch)
}

// Render schedules buf to start at the absolute clock time at. Renders whose
// start time has already passed begin at the current emit cursor.
func (d *MixDevice) Render(buf *SampleBuffer, at time.Duration, done func()) CancelFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return func() {}
	}
	if at < d.cursor {
		at = d.cursor
	}
	id := d.nextID
	d.nextID++
	d.renders[id] = &render{buf: buf, start: at, complete: done}

	return func() {
		d.mu.Lock()
		delete(d.renders, id)
		d.mu.Unlock()
	}
}

// Close stops the emit goroutine. Pending completion callbacks are dropped.
// Idempotent.
func (d *MixDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.renders = make(map[uint64]*render)
	d.mu.Unlock()
	close(d.done)
	return nil
}

func (d *MixDevice) emitLoop() {
	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.emit(d.Now())
		}
	}
}

// emit mixes and writes the window [cursor, until) and fires completions for
// renders that finished inside it.
func (d *MixDevice) emit(until time.Duration) {
	d.mu.Lock()
	if d.closed || until <= d.cursor {
		d.mu.Unlock()
		return
	}

	from := d.cursor
	frames := int(int64(until-from) * SampleRate / int64(time.Second))
	if frames == 0 {
		d.mu.Unlock()
		return
	}
	// Advance the cursor by the exact duration of the frames emitted, not by
	// the requested window, so rounding never accumulates drift.
	d.cursor = from + time.Duration(int64(frames)*int64(time.Second)/SampleRate)

	mixed := make([]float32, frames)
	var finished []func()
	for id, r := range d.renders {
		mixInto(mixed, from, r)
		if r.end() <= d.cursor {
			if r.complete != nil {
				finished = append(finished, r.complete)
			}
			delete(d.renders, id)
		}
	}
	d.mu.Unlock()

	if _, err := d.w.Write(EncodePCM16(mixed)); err != nil {
		d.writeFailed(err)
	} else {
		d.mu.Lock()
		d.writeErrs = 0
		d.mu.Unlock()
	}
	for _, fn := range finished {
		fn()
	}
}

// writeFailed tracks consecutive sink write errors. The first failure of a
// streak is logged; when the sink keeps failing the device closes itself, as
// there is nowhere left to put the audio.
func (d *MixDevice) writeFailed(err error) {
	d.mu.Lock()
	d.writeErrs++
	n := d.writeErrs
	d.mu.Unlock()

	switch {
	case n == 1:
		slog.Warn("audio sink write failed", slog.String("error", err.Error()))
	case n >= maxWriteFailures:
		slog.Error("audio sink persistently failing, closing device",
			slog.Int("consecutive_failures", n),
			slog.String("error", err.Error()))
		_ = d.Close()
	}
}

// mixInto adds the portion of r that overlaps the window starting at from
// into dst (one dst element per output sample).
func mixInto(dst []float32, from time.Duration, r *render) {
	step := time.Second / SampleRate
	for i := range dst {
		t := from + time.Duration(i)*step
		if t < r.start {
			continue
		}
		idx := int(int64(t-r.start) * int64(r.buf.Rate) / int64(time.Second))
		if idx >= len(r.buf.Samples) {
			return
		}
		v := dst[i] + r.buf.Samples[idx]
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		dst[i] = v
	}
}
