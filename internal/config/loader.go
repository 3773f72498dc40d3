package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veltrane/livedub/internal/sequencer"
)

// Defaults applied by [LoadFromReader] for fields left empty.
const (
	DefaultListenAddr   = ":8080"
	DefaultPollInterval = 2 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Sequencer.Style == "" {
		cfg.Sequencer.Style = "neutral"
	}
	if cfg.Sequencer.FillerText == "" {
		cfg.Sequencer.FillerText = sequencer.DefaultFillerText
	}
	if cfg.Sequencer.Language == "" {
		cfg.Sequencer.Language = "en"
	}
	if cfg.Pacing.PipelineThreshold == 0 {
		cfg.Pacing.PipelineThreshold = Duration(sequencer.DefaultPipelineThreshold)
	}
	if cfg.Pacing.ArrivalTimeout == 0 {
		cfg.Pacing.ArrivalTimeout = Duration(sequencer.DefaultArrivalTimeout)
	}
	if cfg.Pacing.ArrivalMinGrowth == 0 {
		cfg.Pacing.ArrivalMinGrowth = Duration(sequencer.DefaultArrivalMinGrowth)
	}
	if cfg.Transcript.HTTPURL != "" && cfg.Transcript.PollInterval == 0 {
		cfg.Transcript.PollInterval = Duration(DefaultPollInterval)
	}
	if cfg.Pad.Enabled && cfg.Pad.Volume == 0 {
		cfg.Pad.Volume = 0.3
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Voice provider.
	switch cfg.Voice.Name {
	case "":
		errs = append(errs, errors.New("voice.name is required"))
	case "openai":
		if cfg.Voice.APIKey == "" {
			errs = append(errs, errors.New("voice.api_key is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("voice.name %q is unknown; valid values: openai", cfg.Voice.Name))
	}

	// Channels — every slot needs a voice identity.
	channels := map[string]string{
		"channels.default": cfg.Channels.Default,
		"channels.male1":   cfg.Channels.Male1,
		"channels.male2":   cfg.Channels.Male2,
		"channels.female1": cfg.Channels.Female1,
		"channels.female2": cfg.Channels.Female2,
	}
	for key, id := range channels {
		if id == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}

	// Sequencer.
	if !sequencer.KnownStyle(cfg.Sequencer.Style) {
		errs = append(errs, fmt.Errorf("sequencer.style %q is invalid; valid values: %s",
			cfg.Sequencer.Style, strings.Join(sequencer.StyleNames(), ", ")))
	}

	// Pacing sanity.
	if cfg.Pacing.PipelineThreshold < 0 {
		errs = append(errs, errors.New("pacing.pipeline_threshold must not be negative"))
	}
	if cfg.Pacing.ArrivalTimeout < 0 {
		errs = append(errs, errors.New("pacing.arrival_timeout must not be negative"))
	}

	// Transcript source.
	if cfg.Transcript.HTTPURL == "" && cfg.Transcript.NATSURL == "" {
		errs = append(errs, errors.New("transcript requires http_url, nats_url, or both"))
	}
	if cfg.Transcript.NATSURL != "" && cfg.Transcript.NATSSubject == "" {
		errs = append(errs, errors.New("transcript.nats_subject is required when nats_url is set"))
	}

	// Pad.
	if cfg.Pad.Volume < 0 || cfg.Pad.Volume > 1 {
		errs = append(errs, fmt.Errorf("pad.volume %.2f is out of range [0, 1]", cfg.Pad.Volume))
	}

	// Persistence availability warning.
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; spoken translations will not be persisted")
	}

	return errors.Join(errs...)
}

// SlogLevel maps the configured log level to a slog.Level.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
