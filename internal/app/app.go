// Package app wires all livedub subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the performance loop until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject fake implementations via functional options
// (WithProvider, WithStore, WithDevice, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veltrane/livedub/internal/config"
	"github.com/veltrane/livedub/internal/health"
	"github.com/veltrane/livedub/internal/observe"
	"github.com/veltrane/livedub/internal/router"
	"github.com/veltrane/livedub/internal/sequencer"
	"github.com/veltrane/livedub/internal/store"
	"github.com/veltrane/livedub/internal/transcript"
	"github.com/veltrane/livedub/internal/ui"
	"github.com/veltrane/livedub/pkg/audio"
	"github.com/veltrane/livedub/pkg/playback"
	"github.com/veltrane/livedub/pkg/voice"
	"github.com/veltrane/livedub/pkg/voice/openai"
)

const (
	// reconnectAttempts bounds how many times a dropped channel set is
	// redialed before Run gives up.
	reconnectAttempts = 5

	// reconnectBackoff is the fixed wait between redial attempts.
	reconnectBackoff = 500 * time.Millisecond
)

// App owns all subsystem lifetimes and orchestrates the live performance
// pipeline: transcript sources feed the sequencer, the sequencer dispatches
// through the channel router, and every session's audio lands in the shared
// playback scheduler.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	// Subsystems — initialised in New, torn down in Shutdown.
	st       store.Store
	sink     ui.Sink
	device   audio.Device
	sched    *playback.Scheduler
	provider voice.Provider
	router   *router.Router
	seq      *sequencer.Sequencer
	feed     *transcript.Feed
	httpSrc  *transcript.HTTPSource
	natsSrc  *transcript.NATSSource

	output io.Writer

	// reconnectCh carries one pending redial request from the router's
	// disconnect callback to the Run loop.
	reconnectCh chan struct{}

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a translation store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.st = s }
}

// WithSink injects a conversation sink instead of the default log sink.
func WithSink(s ui.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithDevice injects an audio output device instead of creating a MixDevice.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithProvider injects a voice provider instead of creating one from config.
func WithProvider(p voice.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithAudioOutput sets the writer the default MixDevice streams PCM to.
// Ignored when a device is injected. Default: os.Stdout.
func WithAudioOutput(w io.Writer) Option {
	return func(a *App) { a.output = w }
}

// WithMetrics injects a metrics instance instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// translationRelay forwards router transcription events to the sequencer.
// It breaks the construction cycle: the router needs a translation sink
// before the sequencer (which needs the router as dispatcher) exists.
type translationRelay struct {
	seq *sequencer.Sequencer
}

func (r *translationRelay) AccumulateTranslation(text string, final bool) {
	if r.seq != nil {
		r.seq.AccumulateTranslation(text, final)
	}
}

// New creates an App by wiring all subsystems together. The context bounds
// the sequencer loop's lifetime and is used for initial store/NATS
// connections. Use Option functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:         cfg,
		log:         slog.Default(),
		output:      os.Stdout,
		reconnectCh: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.sink == nil {
		a.sink = ui.NewLogSink(a.log)
	}

	// ── 1. Translation store (optional) ──────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Output device + playback scheduler ────────────────────────────
	a.initPlayback()

	// ── 3. Voice provider + channel router ───────────────────────────────
	relay := &translationRelay{}
	a.initRouter(relay)

	// ── 4. Sequencer ─────────────────────────────────────────────────────
	a.initSequencer(ctx)
	relay.seq = a.seq

	// ── 5. Transcript sources ────────────────────────────────────────────
	if err := a.initTranscripts(); err != nil {
		return nil, fmt.Errorf("app: init transcripts: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the PostgreSQL store when a DSN is configured. An empty
// DSN means translations are spoken but not persisted.
func (a *App) initStore(ctx context.Context) error {
	if a.st != nil {
		return nil // injected
	}
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		a.log.Warn("no postgres_dsn configured, translations will not be persisted")
		return nil
	}

	st, err := store.NewPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	a.st = st
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	return nil
}

// initPlayback creates the output device (unless injected) and the scheduler
// pacing all committed audio against it.
func (a *App) initPlayback() {
	if a.device == nil {
		dev := audio.NewMixDevice(a.output)
		a.device = dev
		a.closers = append(a.closers, dev.Close)
	}

	var opts []playback.Option
	if d := a.cfg.Pacing.Lookahead.Std(); d > 0 {
		opts = append(opts, playback.WithLookahead(d))
	}
	if d := a.cfg.Pacing.InitialLead.Std(); d > 0 {
		opts = append(opts, playback.WithInitialLead(d))
	}
	a.sched = playback.New(a.device, opts...)
}

// initRouter creates the voice provider (unless injected) and the channel
// router fanning its sessions into the shared scheduler.
func (a *App) initRouter(translations router.TranslationSink) {
	if a.provider == nil {
		var opts []openai.Option
		if a.cfg.Voice.Model != "" {
			opts = append(opts, openai.WithModel(a.cfg.Voice.Model))
		}
		if a.cfg.Voice.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(a.cfg.Voice.BaseURL))
		}
		a.provider = openai.New(a.cfg.Voice.APIKey, opts...)
	}

	voices := map[sequencer.ChannelID]voice.Identity{
		sequencer.ChannelDefault: {ID: a.cfg.Channels.Default},
		sequencer.ChannelMale1:   {ID: a.cfg.Channels.Male1},
		sequencer.ChannelMale2:   {ID: a.cfg.Channels.Male2},
		sequencer.ChannelFemale1: {ID: a.cfg.Channels.Female1},
		sequencer.ChannelFemale2: {ID: a.cfg.Channels.Female2},
	}

	a.router = router.New(a.provider, a.sched, translations, voices,
		router.WithInstructions(a.cfg.Voice.Instructions),
		router.WithOnDisconnect(a.notifyDisconnect),
		router.WithMetrics(a.metrics),
		router.WithLogger(a.log),
	)
}

// notifyDisconnect hands a redial request to the Run loop. Non-blocking: a
// request already pending absorbs the signal.
func (a *App) notifyDisconnect() {
	select {
	case a.reconnectCh <- struct{}{}:
	default:
	}
}

// initSequencer builds the pacing loop from config.
func (a *App) initSequencer(ctx context.Context) {
	opts := []sequencer.Option{
		sequencer.WithStyle(a.cfg.Sequencer.Style),
		sequencer.WithLanguage(a.cfg.Sequencer.Language),
		sequencer.WithSink(a.sink),
		sequencer.WithMetrics(a.metrics),
		sequencer.WithLogger(a.log),
	}
	if a.cfg.Sequencer.FillerText != "" {
		opts = append(opts, sequencer.WithFillerText(a.cfg.Sequencer.FillerText))
	}
	if d := a.cfg.Pacing.PipelineThreshold.Std(); d > 0 {
		opts = append(opts, sequencer.WithPipelineThreshold(d))
	}
	if d := a.cfg.Pacing.ArrivalTimeout.Std(); d > 0 {
		opts = append(opts, sequencer.WithArrivalTimeout(d))
	}
	if d := a.cfg.Pacing.ArrivalMinGrowth.Std(); d > 0 {
		opts = append(opts, sequencer.WithArrivalMinGrowth(d))
	}
	if a.st != nil {
		opts = append(opts, sequencer.WithStore(a.st))
	}
	a.seq = sequencer.New(ctx, a.router, a.sched, opts...)
}

// initTranscripts prepares the configured transcript sources and the feed
// that dedupes records into the sequencer.
func (a *App) initTranscripts() error {
	a.feed = transcript.NewFeed(a.seq.EnqueueTranscript, a.log)

	if url := a.cfg.Transcript.HTTPURL; url != "" {
		a.httpSrc = transcript.NewHTTPSource(url, a.log)
	}
	if url := a.cfg.Transcript.NATSURL; url != "" {
		src, err := transcript.ConnectNATS(url, a.cfg.Transcript.NATSSubject, a.log)
		if err != nil {
			return err
		}
		a.natsSrc = src
		a.closers = append(a.closers, func() error {
			src.Close()
			return nil
		})
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects all voice channels, starts the transcript sources and the
// metrics/health HTTP server, then blocks until ctx is cancelled. A dropped
// session triggers a bounded redial of the full channel set; when every
// attempt fails, Run returns the connect error.
func (a *App) Run(ctx context.Context) error {
	if err := a.router.ConnectAll(ctx); err != nil {
		return fmt.Errorf("app: connect channels: %w", err)
	}

	if a.cfg.Pad.Enabled {
		a.sched.StartPad(a.cfg.Pad.Volume)
		a.log.Info("ambient pad started", slog.Float64("volume", a.cfg.Pad.Volume))
	}

	if a.natsSrc != nil {
		if err := a.natsSrc.Subscribe(a.feed); err != nil {
			return fmt.Errorf("app: subscribe transcripts: %w", err)
		}
	}
	if a.httpSrc != nil {
		go a.httpSrc.Poll(ctx, a.cfg.Transcript.PollInterval.Std(), a.feed)
	}

	srv := a.newHTTPServer()
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	a.log.Info("livedub running",
		slog.String("listen_addr", a.cfg.Server.ListenAddr),
		slog.Int("channels", len(sequencer.AllChannels)))

	for {
		select {
		case err := <-srvErr:
			return fmt.Errorf("app: http server: %w", err)

		case <-a.reconnectCh:
			err := a.reconnect(ctx)
			if err == nil || ctx.Err() != nil {
				continue
			}
			a.closeHTTPServer(srv)
			return fmt.Errorf("app: reconnect channels: %w", err)

		case <-ctx.Done():
			a.closeHTTPServer(srv)
			return ctx.Err()
		}
	}
}

// reconnect redials the full channel set after a session drop, a bounded
// number of attempts with a fixed backoff. On success it kicks the sequencer
// so segments stranded in the queue by the disconnect resume immediately.
// Returns the last connect error when every attempt fails.
func (a *App) reconnect(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = a.router.ConnectAll(ctx); err == nil {
			a.log.Info("channels reconnected", slog.Int("attempt", attempt))
			a.seq.Kick()
			return nil
		}
		a.log.Warn("channel redial failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", reconnectAttempts),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectBackoff):
		}
	}
	return err
}

// closeHTTPServer shuts the metrics/health server down with a short budget.
func (a *App) closeHTTPServer(srv *http.Server) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(closeCtx); err != nil {
		a.log.Warn("http server shutdown error", slog.String("error", err.Error()))
	}
}

// newHTTPServer builds the metrics + health endpoint server.
func (a *App) newHTTPServer() *http.Server {
	checks := []health.Check{
		{
			Name: "channels",
			Probe: func(context.Context) error {
				if !a.router.Connected() {
					return errors.New("voice channels disconnected")
				}
				return nil
			},
		},
	}
	if pinger, ok := a.st.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, health.Check{Name: "store", Probe: pinger.Ping})
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checks...).Register(mux)

	return &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse dependency order: stop the
// pad fade, disconnect the voice channels, discard pending audio, then run
// the registered closers. It respects the context deadline: if ctx expires,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", slog.Int("closers", len(a.closers)))

		a.sched.StopPad()
		a.router.DisconnectAll()
		a.sched.Stop()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded",
					slog.Int("remaining", len(a.closers)-i))
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error",
					slog.Int("index", i), slog.String("error", err.Error()))
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
