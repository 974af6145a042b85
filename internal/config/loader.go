package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.SSEHeartbeatS < 0 {
		errs = append(errs, fmt.Errorf("server.sse_heartbeat_s %d must not be negative", cfg.Server.SSEHeartbeatS))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Limits and timeouts: zero keeps defaults, negatives are always wrong.
	for _, v := range []struct {
		name  string
		value int
	}{
		{"limits.ask_per_minute", cfg.Limits.AskPerMinute},
		{"limits.ask_prefetch_per_minute", cfg.Limits.AskPrefetchPerMinute},
		{"limits.asr_per_3s", cfg.Limits.ASRPer3S},
		{"limits.wake_word_per_3s", cfg.Limits.WakeWordPer3S},
		{"limits.tts_per_minute", cfg.Limits.TTSPerMinute},
		{"timeouts.request_hard_s", cfg.Timeouts.RequestHardS},
		{"timeouts.asr_s", cfg.Timeouts.ASRS},
		{"timeouts.rag_first_byte_s", cfg.Timeouts.RAGFirstByteS},
		{"timeouts.rag_inter_byte_s", cfg.Timeouts.RAGInterByteS},
		{"timeouts.tts_first_byte_s", cfg.Timeouts.TTSFirstByteS},
		{"segmenter.min_chunk_size", cfg.Segmenter.MinChunkSize},
		{"segmenter.soft_min", cfg.Segmenter.SoftMin},
		{"segmenter.max_chunk_size", cfg.Segmenter.MaxChunkSize},
		{"tts.in_flight", cfg.TTS.InFlight},
		{"intent.max_distance", cfg.Intent.MaxDistance},
	} {
		if v.value < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", v.name, v.value))
		}
	}
	if cfg.Segmenter.MinChunkSize > 0 && cfg.Segmenter.MaxChunkSize > 0 &&
		cfg.Segmenter.MinChunkSize > cfg.Segmenter.MaxChunkSize {
		errs = append(errs, fmt.Errorf("segmenter.min_chunk_size %d exceeds segmenter.max_chunk_size %d",
			cfg.Segmenter.MinChunkSize, cfg.Segmenter.MaxChunkSize))
	}

	// TTS
	if cfg.TTS.Provider == "" {
		errs = append(errs, errors.New("tts.provider is required"))
	} else if !cfg.TTS.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("tts.provider %q is invalid; valid values: gpt_sovits_v1, gpt_sovits_v2, edge, sapi, cloud_cosyvoice", cfg.TTS.Provider))
	}
	if cfg.TTS.Fallback != "" {
		if !cfg.TTS.Fallback.IsValid() {
			errs = append(errs, fmt.Errorf("tts.fallback %q is invalid", cfg.TTS.Fallback))
		} else if cfg.TTS.Fallback == cfg.TTS.Provider {
			errs = append(errs, errors.New("tts.fallback must differ from tts.provider"))
		}
	}
	for name := range cfg.TTS.Providers {
		if !name.IsValid() {
			errs = append(errs, fmt.Errorf("tts.providers has unknown backend %q", name))
		}
	}
	for name, voice := range cfg.TTS.Voices {
		if !name.IsValid() {
			errs = append(errs, fmt.Errorf("tts.voices has unknown backend %q", name))
			continue
		}
		if voice.SpeedFactor != 0 && (voice.SpeedFactor < 0.5 || voice.SpeedFactor > 2.0) {
			errs = append(errs, fmt.Errorf("tts.voices.%s.speed_factor %.2f is out of range [0.5, 2.0]", name, voice.SpeedFactor))
		}
	}

	// RAG
	if cfg.RAG.Endpoint.Model == "" {
		errs = append(errs, errors.New("rag.endpoint.model is required"))
	}

	// ASR is optional; when pointed somewhere, the address must be usable.
	if cfg.ASR.Endpoint.APIKey != "" && cfg.ASR.Endpoint.BaseURL == "" {
		errs = append(errs, errors.New("asr.endpoint.base_url is required when asr is configured"))
	}

	// Postgres
	if cfg.Postgres.DSN == "" && (cfg.Postgres.Events || cfg.Postgres.History) {
		errs = append(errs, errors.New("postgres.dsn is required when postgres.events or postgres.history is enabled"))
	}
	if cfg.Postgres.DSN != "" && !cfg.Postgres.Events && !cfg.Postgres.History {
		slog.Warn("postgres.dsn is set but neither postgres.events nor postgres.history is enabled; nothing will be persisted")
	}

	// Tour
	if cfg.Tour.PrefetchWindow != nil && *cfg.Tour.PrefetchWindow < 0 {
		errs = append(errs, fmt.Errorf("tour.prefetch_window %d must not be negative", *cfg.Tour.PrefetchWindow))
	}
	if cfg.Tour.ResumePolicy != "" && !cfg.Tour.ResumePolicy.IsValid() {
		errs = append(errs, fmt.Errorf("tour.resume_policy %q is invalid; valid values: restart", cfg.Tour.ResumePolicy))
	}

	return errors.Join(errs...)
}
