package playback

import (
	"math"
	"sync"
	"time"

	"github.com/veltrane/livedub/pkg/audio"
)

const (
	// padRampDuration is the linear gain ramp applied to every pad volume
	// change, including the fade to zero on stop.
	padRampDuration = 2 * time.Second

	// padChunk is the synthesis granule: 200 ms of samples per render.
	padChunk = audio.SampleRate / 5

	// padLead is how far ahead of the device clock the pad keeps itself
	// scheduled.
	padLead = 500 * time.Millisecond

	// padTick is the self-scheduling period of the synthesis goroutine.
	padTick = 100 * time.Millisecond

	// padCutoffHz is the one-pole low-pass corner frequency.
	padCutoffHz = 420.0

	// padLevel scales the summed oscillators so the pad sits under speech.
	padLevel = 0.18
)

// padFrequencies are the slightly detuned oscillators that make up the pad
// tone. The detune keeps the sum from sounding like a test signal.
var padFrequencies = [...]float64{110.0, 110.77, 55.31}

// StartPad fades the ambient background layer in toward volume. Starting an
// already-running pad just retargets its gain, cancelling any pending
// teardown from a previous StopPad.
func (s *Scheduler) StartPad(volume float64) {
	s.padInstance().setTarget(volume)
}

// SetPadVolume ramps the running pad toward volume. A no-op if the pad was
// never started.
func (s *Scheduler) SetPadVolume(volume float64) {
	s.mu.Lock()
	pad := s.pad
	s.mu.Unlock()
	if pad != nil {
		pad.setTarget(volume)
	}
}

// StopPad fades the pad out and tears down the synthesis chain once the fade
// has completed. The main playback queue is unaffected.
func (s *Scheduler) StopPad() {
	s.mu.Lock()
	pad := s.pad
	s.mu.Unlock()
	if pad != nil {
		pad.stop()
	}
}

// padInstance returns the scheduler's pad, creating and starting it on first
// use.
func (s *Scheduler) padInstance() *Pad {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pad == nil || s.pad.stopped() {
		s.pad = newPad(s.device)
	}
	return s.pad
}

// Pad is the independently faded background tone layer: a small set of
// detuned sine oscillators through a one-pole low-pass filter into a gain
// stage with linear ramps. Its lifecycle is decoupled from the main playback
// queue — [Scheduler.Stop] never touches it.
type Pad struct {
	device audio.Device

	mu        sync.Mutex
	gain      float64 // current gain, advanced per generated sample
	target    float64
	step      float64 // per-sample gain increment for the active ramp
	phases    [len(padFrequencies)]float64
	lp        float64 // low-pass filter state
	scheduled time.Duration
	stopTimer *time.Timer
	done      chan struct{}
	closed    bool
}

func newPad(device audio.Device) *Pad {
	p := &Pad{
		device: device,
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// setTarget retargets the gain ramp and cancels any pending teardown.
func (p *Pad) setTarget(volume float64) {
	if volume < 0 {
		volume = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopTimer != nil {
		p.stopTimer.Stop()
		p.stopTimer = nil
	}
	p.target = volume
	p.step = (volume - p.gain) / (padRampDuration.Seconds() * audio.SampleRate)
}

// stop fades to silence and schedules teardown for after the fade.
func (p *Pad) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = 0
	p.step = -p.gain / (padRampDuration.Seconds() * audio.SampleRate)
	if p.stopTimer == nil {
		p.stopTimer = time.AfterFunc(padRampDuration+padLead, p.teardown)
	}
}

func (p *Pad) teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

func (p *Pad) stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// run keeps the pad scheduled padLead ahead of the device clock until
// teardown.
func (p *Pad) run() {
	ticker := time.NewTicker(padTick)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.schedule()
		}
	}
}

func (p *Pad) schedule() {
	now := p.device.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.scheduled < now {
		p.scheduled = now + 50*time.Millisecond
	}
	for p.scheduled < now+padLead {
		buf := p.generateLocked()
		p.device.Render(buf, p.scheduled, nil)
		p.scheduled += buf.Duration()
	}
}

// generateLocked synthesises the next granule, advancing oscillator phases,
// the filter state and the gain ramp. Must be called with mu held.
func (p *Pad) generateLocked() *audio.SampleBuffer {
	const twoPi = 2 * math.Pi
	alpha := 1 - math.Exp(-twoPi*padCutoffHz/audio.SampleRate)

	samples := make([]float32, padChunk)
	for i := range samples {
		var sum float64
		for o, f := range padFrequencies {
			sum += math.Sin(p.phases[o])
			p.phases[o] += twoPi * f / audio.SampleRate
			if p.phases[o] > twoPi {
				p.phases[o] -= twoPi
			}
		}
		x := sum / float64(len(padFrequencies))
		p.lp += alpha * (x - p.lp)

		// Linear gain ramp toward target, clamped at the target.
		if p.step != 0 {
			p.gain += p.step
			if (p.step > 0 && p.gain >= p.target) || (p.step < 0 && p.gain <= p.target) {
				p.gain = p.target
				p.step = 0
			}
		}
		samples[i] = float32(p.lp * p.gain * padLevel)
	}
	return &audio.SampleBuffer{Samples: samples, Rate: audio.SampleRate}
}
