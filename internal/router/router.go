// Package router maintains the fixed set of voice channels: one upstream
// session per channel, each with its own voice identity. All decoded audio
// funnels into the single shared playback scheduler and all transcription
// events into the sequencer's translation accumulator.
//
// Channels connect and disconnect as a unit. Partial connection is not a
// supported steady state: if any session drops, the router tears the rest
// down and reports disconnected until the next ConnectAll.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/veltrane/livedub/internal/observe"
	"github.com/veltrane/livedub/internal/sequencer"
	"github.com/veltrane/livedub/pkg/voice"
)

// ErrNotConnected is returned by Send while the channels are down. The
// segment is kept by the caller and retried on the next connected session.
var ErrNotConnected = errors.New("router: channels not connected")

// AudioSink receives decoded audio from every channel.
type AudioSink interface {
	EnqueueChunk(data []byte)
	Stop()
}

// TranslationSink receives transcription events from every channel.
type TranslationSink interface {
	AccumulateTranslation(text string, final bool)
}

// Option is a functional option for configuring a Router.
type Option func(*Router)

// WithInstructions sets the system instructions sent to every session.
func WithInstructions(instructions string) Option {
	return func(r *Router) { r.instructions = instructions }
}

// WithTools registers tool definitions and their handler. Tools are offered
// on the default channel only.
func WithTools(tools []voice.ToolDefinition, handler voice.ToolCallHandler) Option {
	return func(r *Router) {
		r.tools = tools
		r.toolHandler = handler
	}
}

// WithOnDisconnect registers a callback invoked after the router tears its
// sessions down, once per disconnect. The callback runs on the goroutine that
// triggered the teardown and must not block.
func WithOnDisconnect(fn func()) Option {
	return func(r *Router) { r.onDisconnect = fn }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// Router implements [sequencer.Dispatcher] over a set of live voice sessions.
type Router struct {
	provider     voice.Provider
	audio        AudioSink
	translations TranslationSink
	voices       map[sequencer.ChannelID]voice.Identity
	instructions string
	tools        []voice.ToolDefinition
	toolHandler  voice.ToolCallHandler
	onDisconnect func()
	metrics      *observe.Metrics
	log          *slog.Logger

	mu        sync.Mutex
	sessions  map[sequencer.ChannelID]voice.Session
	connected bool
}

var _ sequencer.Dispatcher = (*Router)(nil)

// New creates a Router. voices must contain an identity for every channel in
// [sequencer.AllChannels].
func New(provider voice.Provider, audio AudioSink, translations TranslationSink,
	voices map[sequencer.ChannelID]voice.Identity, opts ...Option) *Router {
	r := &Router{
		provider:     provider,
		audio:        audio,
		translations: translations,
		voices:       voices,
		log:          slog.Default(),
		sessions:     make(map[sequencer.ChannelID]voice.Session),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ConnectAll opens a session for every channel. Atomic: if any session fails
// to connect, every session opened so far is closed and the router stays
// disconnected.
func (r *Router) ConnectAll(ctx context.Context) error {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	var smu sync.Mutex
	opened := make(map[sequencer.ChannelID]voice.Session, len(sequencer.AllChannels))

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range sequencer.AllChannels {
		g.Go(func() error {
			identity, ok := r.voices[ch]
			if !ok {
				return fmt.Errorf("router: no voice identity for channel %q", ch)
			}
			cfg := voice.SessionConfig{
				Voice:        identity,
				Instructions: r.instructions,
			}
			if ch == sequencer.ChannelDefault {
				cfg.Tools = r.tools
			}
			sess, err := r.provider.Connect(gctx, cfg)
			if err != nil {
				return fmt.Errorf("router: connect channel %q: %w", ch, err)
			}
			smu.Lock()
			opened[ch] = sess
			smu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, sess := range opened {
			_ = sess.Close()
		}
		return err
	}

	if r.toolHandler != nil {
		opened[sequencer.ChannelDefault].OnToolCall(r.toolHandler)
	}

	r.mu.Lock()
	r.sessions = opened
	r.connected = true
	r.mu.Unlock()

	for ch, sess := range opened {
		go r.pump(ch, sess)
	}

	if r.metrics != nil {
		r.metrics.ActiveChannels.Add(ctx, int64(len(opened)))
	}
	r.log.Info("all channels connected", slog.Int("channels", len(opened)))
	return nil
}

// DisconnectAll closes every session. Idempotent; safe to call from pump
// goroutines.
func (r *Router) DisconnectAll() {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return
	}
	r.connected = false
	closing := r.sessions
	r.sessions = make(map[sequencer.ChannelID]voice.Session)
	r.mu.Unlock()

	for ch, sess := range closing {
		if err := sess.Close(); err != nil {
			r.log.Warn("session close failed",
				slog.String("channel", string(ch)),
				slog.String("error", err.Error()))
		}
	}
	if r.metrics != nil {
		r.metrics.ActiveChannels.Add(context.Background(), -int64(len(closing)))
	}
	r.log.Info("all channels disconnected")

	if r.onDisconnect != nil {
		r.onDisconnect()
	}
}

// Connected reports whether every channel currently has a live session.
func (r *Router) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Send dispatches text to the named channel's session.
func (r *Router) Send(channel sequencer.ChannelID, text string) error {
	r.mu.Lock()
	sess, ok := r.sessions[channel]
	connected := r.connected
	r.mu.Unlock()

	if !connected || !ok {
		return ErrNotConnected
	}
	if err := sess.Send(text); err != nil {
		return fmt.Errorf("router: send on channel %q: %w", channel, err)
	}
	return nil
}

// pump forwards one session's events into the shared sinks until the session
// terminates. A terminated session takes the whole router down.
func (r *Router) pump(ch sequencer.ChannelID, sess voice.Session) {
	audioCh := sess.Audio()
	transcriptsCh := sess.Transcriptions()
	interruptedCh := sess.Interrupted()

	for {
		select {
		case data, ok := <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
			r.audio.EnqueueChunk(data)

		case tr, ok := <-transcriptsCh:
			if !ok {
				transcriptsCh = nil
				continue
			}
			r.translations.AccumulateTranslation(tr.Text, tr.Final)

		case _, ok := <-interruptedCh:
			if !ok {
				interruptedCh = nil
				continue
			}
			r.log.Info("upstream interrupted playback", slog.String("channel", string(ch)))
			r.audio.Stop()

		case <-sess.Closed():
			if err := sess.Err(); err != nil {
				r.log.Error("session terminated",
					slog.String("channel", string(ch)),
					slog.String("error", err.Error()))
				if r.metrics != nil {
					r.metrics.RecordSessionError(context.Background(), string(ch))
				}
			} else {
				r.log.Info("session closed", slog.String("channel", string(ch)))
			}
			r.DisconnectAll()
			return
		}
	}
}
