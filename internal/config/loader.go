package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callscribe/pkg/audio/codec"
)

// APIKeyEnv is consulted when provider.api_key is empty.
const APIKeyEnv = "OPENAI_API_KEY"

// ValidProviderNames lists the realtime provider names known to this build.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai"}

// ValidCodecNames lists the frame codecs known to this build.
var ValidCodecNames = []string{codec.NamePCM16, codec.NameOpus}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills in defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero-valued field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = ":8080"
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 15 * time.Second
	}

	p := &cfg.Provider
	if p.Name == "" {
		p.Name = "openai"
	}
	if p.APIKey == "" {
		p.APIKey = os.Getenv(APIKeyEnv)
	}
	if p.Model == "" {
		p.Model = "gpt-4o-transcribe"
	}
	if p.VAD.Threshold == 0 {
		p.VAD.Threshold = 0.5
	}
	if p.VAD.PrefixPaddingMs == 0 {
		p.VAD.PrefixPaddingMs = 300
	}
	if p.VAD.SilenceDurationMs == 0 {
		p.VAD.SilenceDurationMs = 500
	}
	if p.AckTimeout == 0 {
		p.AckTimeout = 10 * time.Second
	}
	for i := range p.Fallbacks {
		if p.Fallbacks[i].Name == "" {
			p.Fallbacks[i].Name = p.Name
		}
		if p.Fallbacks[i].APIKey == "" {
			p.Fallbacks[i].APIKey = p.APIKey
		}
	}

	if cfg.Audio.Codec == "" {
		cfg.Audio.Codec = codec.NamePCM16
	}
	if cfg.Audio.TargetSampleRate == 0 {
		cfg.Audio.TargetSampleRate = 24000
	}

	pl := &cfg.Pipeline
	if pl.FlushInterval == 0 {
		pl.FlushInterval = 100 * time.Millisecond
	}
	if pl.MaxQueueDurationMs == 0 {
		pl.MaxQueueDurationMs = 5000
	}
	if pl.OutboxSize == 0 {
		pl.OutboxSize = 32
	}
	if pl.MaxReconnectAttempts == 0 {
		pl.MaxReconnectAttempts = 3
	}
	if pl.ReconnectBaseDelay == 0 {
		pl.ReconnectBaseDelay = time.Second
	}
	if pl.ReconnectMaxDelay == 0 {
		pl.ReconnectMaxDelay = 10 * time.Second
	}

	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = 5
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = 30 * time.Second
	}

	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = "callscribe"
	}
	if cfg.Observe.MetricsPath == "" {
		cfg.Observe.MetricsPath = "/metrics"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	p := cfg.Provider
	for i, e := range p.Endpoints() {
		prefix := "provider"
		if i > 0 {
			prefix = fmt.Sprintf("provider.fallbacks[%d]", i-1)
		}
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(prefix, e.Name)
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required (or set %s)", prefix, APIKeyEnv))
		}
	}
	if p.Language != "" && len(p.Language) != 2 {
		errs = append(errs, fmt.Errorf("provider.language %q must be an ISO-639-1 code", p.Language))
	}
	if !p.NoiseReduction.IsValid() {
		errs = append(errs, fmt.Errorf("provider.noise_reduction %q is invalid; valid values: near_field, far_field", p.NoiseReduction))
	}
	if p.VAD.Threshold < 0 || p.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("provider.vad.threshold %.2f is out of range [0, 1]", p.VAD.Threshold))
	}
	if p.VAD.PrefixPaddingMs < 0 || p.VAD.SilenceDurationMs < 0 {
		errs = append(errs, errors.New("provider.vad durations must not be negative"))
	}
	if p.AckTimeout < 0 {
		errs = append(errs, fmt.Errorf("provider.ack_timeout %v must not be negative", p.AckTimeout))
	}

	// Audio
	if !slices.Contains(ValidCodecNames, cfg.Audio.Codec) {
		errs = append(errs, fmt.Errorf("audio.codec %q is invalid; valid values: %s", cfg.Audio.Codec, strings.Join(ValidCodecNames, ", ")))
	}
	if r := cfg.Audio.TargetSampleRate; r < 8000 || r > 48000 {
		errs = append(errs, fmt.Errorf("audio.target_sample_rate %d is out of range [8000, 48000]", r))
	}

	// Pipeline
	pl := cfg.Pipeline
	if pl.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.flush_interval %v must be positive", pl.FlushInterval))
	}
	if pl.MaxQueueDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_queue_duration_ms %v must be positive", pl.MaxQueueDurationMs))
	}
	if pl.OutboxSize <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.outbox_size %d must be positive", pl.OutboxSize))
	}
	if pl.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_reconnect_attempts %d must not be negative", pl.MaxReconnectAttempts))
	}
	if pl.ReconnectBaseDelay <= 0 || pl.ReconnectMaxDelay < pl.ReconnectBaseDelay {
		errs = append(errs, fmt.Errorf("pipeline.reconnect delays invalid: base %v, max %v", pl.ReconnectBaseDelay, pl.ReconnectMaxDelay))
	}

	// Breaker
	if cfg.Breaker.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must be at least 1", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout %v must be positive", cfg.Breaker.ResetTimeout))
	}

	// Archive availability
	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; final transcripts will not be archived")
	}

	// Observe
	if !strings.HasPrefix(cfg.Observe.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("observe.metrics_path %q must start with /", cfg.Observe.MetricsPath))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not in [ValidProviderNames].
func validateProviderName(field, name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
