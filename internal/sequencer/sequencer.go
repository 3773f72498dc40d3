// Package sequencer paces text dispatch against audio playback progress.
//
// Transcript records are split into segments and queued FIFO. A single
// consumer loop drains the queue one segment at a time: it styles the text,
// sends it to the right channel, waits for the segment's audio to start
// arriving, then waits for the buffered audio to drain below a pacing
// threshold before dispatching the next segment. This closed loop keeps
// playback gapless without racing ahead of what has actually been spoken.
//
// The loop is strictly non-reentrant: producers push segments and try to
// start it, but a loop already running absorbs the trigger. All pacing waits
// poll the scheduler's lock-free telemetry so the scheduler's own timer pass
// is never blocked.
package sequencer

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/veltrane/livedub/internal/observe"
	"github.com/veltrane/livedub/internal/store"
	"github.com/veltrane/livedub/internal/transcript"
	"github.com/veltrane/livedub/internal/ui"
	"github.com/veltrane/livedub/pkg/playback"
)

const (
	// DefaultPipelineThreshold is the buffered-audio level below which the
	// next segment may be dispatched.
	DefaultPipelineThreshold = 3 * time.Second

	// DefaultArrivalTimeout bounds the wait for a segment's audio to start
	// arriving. On expiry the loop proceeds anyway.
	DefaultArrivalTimeout = 15 * time.Second

	// DefaultArrivalMinGrowth is how much the end-of-queue time must grow
	// before a segment's audio counts as arrived.
	DefaultArrivalMinGrowth = 100 * time.Millisecond

	// DefaultPollInterval is the telemetry polling period for pacing waits.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultFillerText is the injected non-verbal cue segment.
	DefaultFillerText = "Mm-hmm."

	// fillerEvery injects one filler after every n-th paragraph.
	fillerEvery = 3
)

// Playback exposes the scheduler telemetry the sequencer paces against.
type Playback interface {
	Telemetry() playback.Snapshot
}

// Dispatcher routes styled text to a voice channel. Implemented by the
// channel router.
type Dispatcher interface {
	// Send dispatches text to the named channel. Fire-and-forget: an error
	// means the send was rejected, not that synthesis failed.
	Send(channel ChannelID, text string) error

	// Connected reports whether all channels are currently usable.
	Connected() bool
}

// Option is a functional option for configuring a Sequencer.
type Option func(*Sequencer)

// WithStyle sets the active voice style applied to non-filler segments.
func WithStyle(style string) Option {
	return func(s *Sequencer) { s.style = style }
}

// WithFillerText overrides the injected filler token.
func WithFillerText(text string) Option {
	return func(s *Sequencer) { s.fillerText = text }
}

// WithPipelineThreshold sets the buffered-audio level below which the next
// segment is dispatched.
func WithPipelineThreshold(d time.Duration) Option {
	return func(s *Sequencer) { s.threshold = d }
}

// WithArrivalTimeout bounds the arrival wait.
func WithArrivalTimeout(d time.Duration) Option {
	return func(s *Sequencer) { s.arrivalTimeout = d }
}

// WithArrivalMinGrowth sets the end-of-queue growth that counts as arrival.
func WithArrivalMinGrowth(d time.Duration) Option {
	return func(s *Sequencer) { s.arrivalMinGrowth = d }
}

// WithPollInterval sets the telemetry polling period.
func WithPollInterval(d time.Duration) Option {
	return func(s *Sequencer) { s.poll = d }
}

// WithStore enables translation persistence.
func WithStore(st store.Store) Option {
	return func(s *Sequencer) { s.store = st }
}

// WithSink enables turn notifications to a UI sink.
func WithSink(sink ui.Sink) Option {
	return func(s *Sequencer) { s.sink = sink }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sequencer) { s.metrics = m }
}

// WithLanguage sets the language recorded with persisted translations.
func WithLanguage(lang string) Option {
	return func(s *Sequencer) { s.language = lang }
}

// WithLogger overrides the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Sequencer) { s.log = log }
}

// Sequencer owns the segment queue and its single consumer loop.
type Sequencer struct {
	ctx      context.Context
	dispatch Dispatcher
	playback Playback
	store    store.Store
	sink     ui.Sink
	metrics  *observe.Metrics
	log      *slog.Logger

	style            string
	fillerText       string
	language         string
	threshold        time.Duration
	arrivalTimeout   time.Duration
	arrivalMinGrowth time.Duration
	poll             time.Duration

	mu          sync.Mutex
	queue       []Segment
	running     bool
	paragraphs  int // running count across the session, drives filler cadence
	turnID      string
	translation strings.Builder
}

// New creates a Sequencer. The context bounds the consumer loop's lifetime:
// cancelling it stops the loop at the next segment boundary, leaving queued
// segments in place.
func New(ctx context.Context, dispatch Dispatcher, pb Playback, opts ...Option) *Sequencer {
	s := &Sequencer{
		ctx:              ctx,
		dispatch:         dispatch,
		playback:         pb,
		log:              slog.Default(),
		style:            "neutral",
		fillerText:       DefaultFillerText,
		language:         "en",
		threshold:        DefaultPipelineThreshold,
		arrivalTimeout:   DefaultArrivalTimeout,
		arrivalMinGrowth: DefaultArrivalMinGrowth,
		poll:             DefaultPollInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnqueueTranscript splits a transcript record into segments, injects filler
// cadence, registers conversation turns, and kicks the consumer loop if it
// is idle. Never blocks on dispatch.
func (s *Sequencer) EnqueueTranscript(rec *transcript.Record) {
	paragraphs := SplitParagraphs(rec.FullText)
	if len(paragraphs) == 0 {
		return
	}

	var turns []ui.ConversationTurn

	s.mu.Lock()
	for _, p := range paragraphs {
		tag, body := SplitSpeaker(p)
		seg := Segment{
			Text:         body,
			SpeakerTag:   tag,
			SourceTurnID: uuid.NewString(),
			SessionID:    rec.SessionID,
			UserID:       rec.UserID,
		}
		s.queue = append(s.queue, seg)
		turns = append(turns, ui.ConversationTurn{ID: seg.SourceTurnID, SourceText: body})

		s.paragraphs++
		if s.paragraphs%fillerEvery == 0 {
			s.queue = append(s.queue, Segment{
				Text:      s.fillerText,
				IsFiller:  true,
				SessionID: rec.SessionID,
				UserID:    rec.UserID,
			})
		}
	}
	start := !s.running
	if start {
		s.running = true
	}
	s.mu.Unlock()

	if s.sink != nil {
		for _, t := range turns {
			s.sink.AddTurn(t)
		}
	}
	if s.metrics != nil {
		s.metrics.TranscriptRecords.Add(s.ctx, 1)
	}
	s.log.Info("transcript enqueued",
		slog.String("record_id", rec.ID),
		slog.Int("segments", len(paragraphs)))

	if start {
		go s.consume()
	}
}

// Kick restarts the consumer loop when it is idle and segments are queued.
// Call it after the channels reconnect: segments stranded by a disconnect
// resume without waiting for the next transcript record. A running loop or an
// empty queue makes this a no-op.
func (s *Sequencer) Kick() {
	s.mu.Lock()
	start := !s.running && len(s.queue) > 0
	if start {
		s.running = true
	}
	s.mu.Unlock()

	if start {
		s.log.Info("consumer loop kicked", slog.Int("pending", s.Pending()))
		go s.consume()
	}
}

// AccumulateTranslation appends transcription text from the voice service to
// the in-flight turn's translation buffer and mirrors it to the UI sink.
func (s *Sequencer) AccumulateTranslation(text string, final bool) {
	if text == "" && !final {
		return
	}
	s.mu.Lock()
	s.translation.WriteString(text)
	turnID := s.turnID
	translated := s.translation.String()
	s.mu.Unlock()

	if s.sink != nil && turnID != "" {
		s.sink.UpdateTurn(turnID, ui.TurnUpdate{Translation: &translated})
	}
}

// Pending returns the number of queued segments.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// consume is the single non-reentrant consumer loop. It exits when the queue
// drains, the context ends, or the channels disconnect — queued segments are
// left in place for a future connected session.
func (s *Sequencer) consume() {
	for {
		if s.ctx.Err() != nil || !s.dispatch.Connected() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		seg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if !s.process(seg) {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		}
	}
}

// process handles one segment end to end. It returns false when the loop
// should stop (send rejected — the segment goes back to the front of the
// queue). Errors never escape: every failure is logged and absorbed.
func (s *Sequencer) process(seg Segment) (cont bool) {
	channel := channelFor(seg.SpeakerTag)

	text := seg.Text
	if !seg.IsFiller {
		text = Transform(s.style, text)
	}
	if strings.TrimSpace(text) == "" {
		return true
	}

	ctx, span := observe.StartSpan(s.ctx, "sequencer.dispatch",
		trace.WithAttributes(
			observe.Attr("channel", string(channel)),
			attribute.Bool("filler", seg.IsFiller),
		))
	defer span.End()

	s.mu.Lock()
	s.translation.Reset()
	s.turnID = seg.SourceTurnID
	s.mu.Unlock()

	pre := s.playback.Telemetry()

	if err := s.dispatch.Send(channel, text); err != nil {
		s.log.Warn("segment send rejected",
			slog.String("channel", string(channel)),
			slog.String("error", err.Error()))
		if s.metrics != nil {
			s.metrics.RecordSessionError(ctx, string(channel))
		}
		s.mu.Lock()
		s.queue = append([]Segment{seg}, s.queue...)
		s.mu.Unlock()
		return false
	}

	if s.metrics != nil {
		s.metrics.RecordSegmentDispatched(ctx, string(channel), seg.IsFiller)
	}

	s.waitForArrival(ctx, pre)
	s.waitForDrain(ctx)

	if !seg.IsFiller {
		s.finishTurn(ctx, seg)
	}
	return true
}

// waitForArrival polls telemetry until the committed end-of-queue time has
// grown past the pre-send snapshot by the minimum delta, or the deadline
// passes. Timing out is a pacing degradation, not an error.
func (s *Sequencer) waitForArrival(ctx context.Context, pre playback.Snapshot) {
	start := time.Now()
	deadline := start.Add(s.arrivalTimeout)

	for {
		snap := s.playback.Telemetry()
		if snap.EndOfQueueTime >= pre.EndOfQueueTime+s.arrivalMinGrowth {
			if s.metrics != nil {
				s.metrics.ArrivalWait.Record(ctx, time.Since(start).Seconds())
			}
			return
		}
		if time.Now().After(deadline) {
			s.log.Warn("arrival wait timed out, proceeding",
				slog.Duration("waited", time.Since(start)))
			if s.metrics != nil {
				s.metrics.ArrivalTimeouts.Add(ctx, 1)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poll):
		}
	}
}

// waitForDrain polls telemetry until the remaining buffered duration drops
// below the pacing threshold.
func (s *Sequencer) waitForDrain(ctx context.Context) {
	start := time.Now()

	for {
		snap := s.playback.Telemetry()
		if snap.Duration < s.threshold {
			if s.metrics != nil {
				s.metrics.PipelineWait.Record(ctx, time.Since(start).Seconds())
				s.metrics.BufferedAudio.Record(ctx, snap.Duration.Seconds())
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poll):
		}
	}
}

// finishTurn finalises the turn in the UI and persists the accumulated
// translation at most once. Persistence failures are logged and skipped.
func (s *Sequencer) finishTurn(ctx context.Context, seg Segment) {
	s.mu.Lock()
	translated := s.translation.String()
	s.turnID = ""
	s.mu.Unlock()

	if s.sink != nil && seg.SourceTurnID != "" {
		final := true
		s.sink.UpdateTurn(seg.SourceTurnID, ui.TurnUpdate{Translation: &translated, IsFinal: &final})
	}

	if s.store == nil || strings.TrimSpace(translated) == "" {
		return
	}
	err := s.store.Insert(ctx, store.Translation{
		SessionID:      seg.SessionID,
		UserID:         seg.UserID,
		OriginalText:   seg.Text,
		TranslatedText: translated,
		Language:       s.language,
	})
	if err != nil {
		s.log.Error("translation persist failed",
			slog.String("turn_id", seg.SourceTurnID),
			slog.String("error", err.Error()))
		if s.metrics != nil {
			s.metrics.RecordPersistenceError(ctx)
		}
	}
}
