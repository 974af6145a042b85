package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/openmuse/docent/pkg/provider/tts"
	"github.com/openmuse/docent/pkg/provider/tts/cosyvoice"
	"github.com/openmuse/docent/pkg/provider/tts/edge"
	"github.com/openmuse/docent/pkg/provider/tts/sapi"
	"github.com/openmuse/docent/pkg/provider/tts/sovits"
)

// ErrProviderNotRegistered is returned by [Registry.CreateTTS] when no factory
// has been registered under the requested backend name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TTSFactory constructs a synthesis backend from its configuration entry.
type TTSFactory func(ProviderEntry) (tts.Provider, error)

// Registry maps TTS backend names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	tts map[tts.Name]TTSFactory
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{tts: make(map[tts.Name]TTSFactory)}
}

// DefaultRegistry returns a [Registry] with every built-in backend wired.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterTTS(tts.GPTSoVITSV1, func(e ProviderEntry) (tts.Provider, error) {
		return sovits.New(e.BaseURL, sovitsOptions(e, sovits.APIModeV1)...)
	})
	r.RegisterTTS(tts.GPTSoVITSV2, func(e ProviderEntry) (tts.Provider, error) {
		return sovits.New(e.BaseURL, sovitsOptions(e, sovits.APIModeV2)...)
	})
	r.RegisterTTS(tts.Edge, func(e ProviderEntry) (tts.Provider, error) {
		var opts []edge.Option
		if e.APIKey != "" {
			opts = append(opts, edge.WithToken(e.APIKey))
		}
		if format := e.Options["output_format"]; format != "" {
			opts = append(opts, edge.WithOutputFormat(format))
		}
		return edge.New(opts...), nil
	})
	r.RegisterTTS(tts.SAPI, func(e ProviderEntry) (tts.Provider, error) {
		var opts []sapi.Option
		if e.TimeoutS > 0 {
			opts = append(opts, sapi.WithTimeout(e.Timeout()))
		}
		return sapi.New(e.BaseURL, opts...)
	})
	r.RegisterTTS(tts.CloudCosyVoice, func(e ProviderEntry) (tts.Provider, error) {
		var opts []cosyvoice.Option
		if e.BaseURL != "" {
			opts = append(opts, cosyvoice.WithEndpoint(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, cosyvoice.WithModel(e.Model))
		}
		if hz := e.Options["sample_rate"]; hz != "" {
			rate, err := strconv.Atoi(hz)
			if err != nil {
				return nil, fmt.Errorf("config: cosyvoice sample_rate %q: %w", hz, err)
			}
			opts = append(opts, cosyvoice.WithSampleRate(rate))
		}
		return cosyvoice.New(e.APIKey, opts...)
	})

	return r
}

func sovitsOptions(e ProviderEntry, mode sovits.APIMode) []sovits.Option {
	opts := []sovits.Option{sovits.WithAPIMode(mode)}
	if e.TimeoutS > 0 {
		opts = append(opts, sovits.WithTimeout(e.Timeout()))
	}
	if mt := e.Options["media_type"]; mt != "" {
		opts = append(opts, sovits.WithMediaType(mt))
	}
	return opts
}

// RegisterTTS registers a backend factory under name. Subsequent calls with
// the same name overwrite the previous registration.
func (r *Registry) RegisterTTS(name tts.Name, factory TTSFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateTTS instantiates the backend registered under name using the
// configuration entry from cfg.Providers. A missing entry is allowed: some
// backends (edge) work with an empty block.
// Returns [ErrProviderNotRegistered] when no factory is registered for name.
func (r *Registry) CreateTTS(cfg TTSConfig, name tts.Name) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg.Providers[name])
}

// Voice translates the configured voice entry for the given backend into the
// provider-independent voice selection, loading the reference sample from
// disk when one is configured.
func (c TTSConfig) Voice(name tts.Name) (tts.VoiceConfig, error) {
	entry, ok := c.Voices[name]
	if !ok {
		return tts.VoiceConfig{}, nil
	}

	voice := tts.VoiceConfig{
		VoiceID:       entry.VoiceID,
		Language:      entry.Language,
		SpeedFactor:   entry.SpeedFactor,
		ReferenceText: entry.ReferenceText,
		Extra:         entry.Extra,
	}
	if entry.ReferenceAudioPath != "" {
		audio, err := os.ReadFile(entry.ReferenceAudioPath)
		if err != nil {
			return tts.VoiceConfig{}, fmt.Errorf("config: read tts.voices.%s.reference_audio_path: %w", name, err)
		}
		voice.ReferenceAudio = audio
	}
	return voice, nil
}
