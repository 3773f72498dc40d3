// Package playback implements the real-time buffer scheduler that turns
// irregular bursts of decoded audio into gapless, strictly ordered output.
//
// The central idea is the separation of two clocks: the device's wall clock
// ("now") and the scheduler's logical clock (scheduledTime — the end of all
// audio committed so far). Buffers are committed to the device only inside a
// short look-ahead window so that a stop() can take effect quickly, and the
// commit point is always clamped to max(scheduledTime, now) so playback can
// neither overlap nor be scheduled in the past.
package playback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/veltrane/livedub/pkg/audio"
)

const (
	// DefaultLookahead is how far beyond the device clock buffers are
	// committed. Small enough that stop() feels immediate, large enough to
	// ride out timer jitter.
	DefaultLookahead = 200 * time.Millisecond

	// DefaultRearmInterval is the period of the self-rearming scheduling
	// pass while queued work remains.
	DefaultRearmInterval = 100 * time.Millisecond

	// DefaultInitialLead is the buffer lead applied when the logical clock
	// is re-anchored on an idle-to-playing transition.
	DefaultInitialLead = 50 * time.Millisecond
)

// Snapshot is a point-in-time view of scheduler telemetry. Both duration
// values are computed from the device clock on demand, never cached, so a
// snapshot is only as fresh as the moment it was taken.
type Snapshot struct {
	// Playing reports whether any audio is queued or in flight.
	Playing bool

	// Duration is the remaining buffered audio: max(0, scheduledTime − now)
	// while playing, 0 when idle.
	Duration time.Duration

	// EndOfQueueTime is the logical clock — the absolute device-clock time
	// at which all committed audio ends.
	EndOfQueueTime time.Duration
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithLookahead sets the commit look-ahead window.
func WithLookahead(d time.Duration) Option {
	return func(s *Scheduler) { s.lookahead = d }
}

// WithRearmInterval sets the period of the self-rearming scheduling pass.
func WithRearmInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.rearm = d }
}

// WithInitialLead sets the buffer lead applied when playback starts from
// idle.
func WithInitialLead(d time.Duration) Option {
	return func(s *Scheduler) { s.initialLead = d }
}

// WithOnComplete registers a callback invoked whenever playback drains to
// idle, including after [Scheduler.Stop]. Invoked on an internal goroutine;
// must not block.
func WithOnComplete(fn func()) Option {
	return func(s *Scheduler) { s.onComplete = fn }
}

// Scheduler owns the playback queue and the logical output clock. All
// exported methods are safe for concurrent use. Telemetry reads never take
// the scheduler lock — they load atomics — so polling waits cannot invert
// priority with the timer-driven scheduling pass.
type Scheduler struct {
	device      audio.Device
	lookahead   time.Duration
	rearm       time.Duration
	initialLead time.Duration
	onComplete  func()

	// Lock-free telemetry state. Written under mu, read atomically.
	scheduledNanos atomic.Int64
	playing        atomic.Bool

	mu       sync.Mutex
	queue    []*audio.SampleBuffer
	inflight map[uint64]audio.CancelFunc
	nextID   uint64
	armed    bool
	timer    *time.Timer

	pad *Pad
}

// New creates a Scheduler rendering through device.
func New(device audio.Device, opts ...Option) *Scheduler {
	s := &Scheduler{
		device:      device,
		lookahead:   DefaultLookahead,
		rearm:       DefaultRearmInterval,
		initialLead: DefaultInitialLead,
		inflight:    make(map[uint64]audio.CancelFunc),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnqueueChunk decodes a raw little-endian PCM16 chunk, splits it into
// fixed-size sample buffers (trailing remainder shorter) and appends them to
// the playback queue, then runs a scheduling pass. Never blocks on playback.
func (s *Scheduler) EnqueueChunk(raw []byte) {
	bufs := audio.Bufferize(audio.DecodePCM16(raw), audio.SampleRate)
	if len(bufs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.playing.Load() && len(s.inflight) == 0 {
		// Idle → Playing. Re-anchor the logical clock if it fell behind
		// real time during the idle gap, otherwise resume where it left off.
		now := s.device.Now()
		if time.Duration(s.scheduledNanos.Load()) < now {
			s.scheduledNanos.Store(int64(now + s.initialLead))
		}
		s.playing.Store(true)
	}
	s.queue = append(s.queue, bufs...)
	s.passLocked()
}

// Stop immediately discards all pending and in-flight audio, resets the
// logical clock to now, transitions to idle and raises the playback-complete
// notification. The ambient pad is unaffected.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.queue = nil
	for id, cancel := range s.inflight {
		cancel()
		delete(s.inflight, id)
	}
	s.scheduledNanos.Store(int64(s.device.Now()))
	s.playing.Store(false)
	if s.timer != nil {
		s.timer.Stop()
		s.armed = false
	}
	fn := s.onComplete
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Telemetry returns the current telemetry snapshot without locking.
func (s *Scheduler) Telemetry() Snapshot {
	end := time.Duration(s.scheduledNanos.Load())
	playing := s.playing.Load()
	snap := Snapshot{Playing: playing, EndOfQueueTime: end}
	if playing {
		if d := end - s.device.Now(); d > 0 {
			snap.Duration = d
		}
	}
	return snap
}

// passLocked commits queued buffers to the device while the logical clock is
// inside the look-ahead window, then re-arms the pass timer if work remains.
// Must be called with mu held.
func (s *Scheduler) passLocked() {
	now := s.device.Now()
	scheduled := time.Duration(s.scheduledNanos.Load())

	for len(s.queue) > 0 && scheduled < now+s.lookahead {
		buf := s.queue[0]
		s.queue = s.queue[1:]

		start := scheduled
		if start < now {
			// Never schedule in the past: a late clock would stack buffers
			// on top of each other instead of after each other.
			start = now
		}
		id := s.nextID
		s.nextID++
		s.inflight[id] = s.device.Render(buf, start, func() { s.renderDone(id) })
		scheduled = start + buf.Duration()
	}
	s.scheduledNanos.Store(int64(scheduled))

	if len(s.queue) > 0 {
		s.armLocked()
	}
}

// armLocked schedules the next timer-driven pass. Must be called with mu held.
func (s *Scheduler) armLocked() {
	if s.armed {
		return
	}
	s.armed = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.rearm, s.timerPass)
		return
	}
	s.timer.Reset(s.rearm)
}

func (s *Scheduler) timerPass() {
	s.mu.Lock()
	s.armed = false
	s.passLocked()
	s.mu.Unlock()
}

// renderDone is the device completion callback for a committed buffer.
func (s *Scheduler) renderDone(id uint64) {
	s.mu.Lock()
	if _, ok := s.inflight[id]; !ok {
		// Already removed by Stop; the device raced its completion against
		// our cancel.
		s.mu.Unlock()
		return
	}
	delete(s.inflight, id)
	drained := len(s.inflight) == 0 && len(s.queue) == 0 && s.playing.Load()
	if drained {
		s.playing.Store(false)
	}
	fn := s.onComplete
	s.mu.Unlock()

	if drained && fn != nil {
		fn()
	}
}
