// Package sovits provides a GPT-SoVITS-backed TTS provider speaking the
// inference server's streaming HTTP API. It implements the tts.Provider
// interface.
//
// Two API generations are supported:
//
//   - APIModeV1 targets the original api.py server: synthesis via
//     GET /?text=…&text_language=… with refer_wav_path/prompt_text taken
//     from the voice's reference sample.
//
//   - APIModeV2 targets api_v2.py: synthesis via POST /tts with a JSON body
//     and server-side streaming enabled (streaming_mode=true), which yields
//     chunked audio with a markedly lower first-byte latency.
//
// Both modes stream the response body in fixed-size frames on the returned
// channel, so playback starts as soon as the server produces audio.
package sovits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/openmuse/docent/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultTimeout = 30 * time.Second

	// frameSize is the size of each audio frame emitted on the stream
	// channel.
	frameSize = 4096

	// frameChanBuf is the buffer depth of the returned frame channel.
	frameChanBuf = 64
)

// APIMode selects which GPT-SoVITS server generation the provider targets.
type APIMode string

const (
	// APIModeV1 targets the original api.py endpoint.
	APIModeV1 APIMode = "v1"

	// APIModeV2 targets api_v2.py with streaming_mode enabled.
	APIModeV2 APIMode = "v2"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithTimeout sets the HTTP client timeout for non-streaming phases of a
// synthesis call. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithAPIMode selects the server API generation. Defaults to APIModeV2.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithMediaType overrides the advertised content type. Defaults to
// "audio/wav", matching the server's default output format.
func WithMediaType(mt string) Option {
	return func(p *Provider) { p.mediaType = mt }
}

// Provider implements tts.Provider backed by a GPT-SoVITS inference server.
type Provider struct {
	baseURL    string
	mode       APIMode
	mediaType  string
	httpClient *http.Client
}

// New creates a Provider targeting the GPT-SoVITS server at baseURL
// (e.g. "http://localhost:9880").
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("sovits: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    baseURL,
		mode:       APIModeV2,
		mediaType:  "audio/wav",
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements tts.Provider.
func (p *Provider) Name() tts.Name {
	if p.mode == APIModeV1 {
		return tts.GPTSoVITSV1
	}
	return tts.GPTSoVITSV2
}

// ContentType implements tts.Provider.
func (p *Provider) ContentType() string { return p.mediaType }

// v2Request is the JSON body of an api_v2.py /tts call.
type v2Request struct {
	Text          string  `json:"text"`
	TextLang      string  `json:"text_lang"`
	RefAudioPath  string  `json:"ref_audio_path,omitempty"`
	PromptText    string  `json:"prompt_text,omitempty"`
	PromptLang    string  `json:"prompt_lang,omitempty"`
	SpeedFactor   float64 `json:"speed_factor,omitempty"`
	StreamingMode bool    `json:"streaming_mode"`
	MediaType     string  `json:"media_type,omitempty"`
}

// StreamTTS implements tts.Provider.
func (p *Provider) StreamTTS(ctx context.Context, text string, voice tts.VoiceConfig) (*tts.Stream, error) {
	req, err := p.buildRequest(ctx, text, voice)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sovits: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("sovits: server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	frames := make(chan []byte, frameChanBuf)
	stream := tts.NewStream(frames)

	go func() {
		defer close(frames)
		defer resp.Body.Close()

		for {
			buf := make([]byte, frameSize)
			n, err := io.ReadFull(resp.Body, buf)
			if n > 0 {
				select {
				case frames <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && err != io.ErrUnexpectedEOF {
					stream.SetErr(fmt.Errorf("sovits: read stream: %w", err))
				}
				return
			}
		}
	}()

	return stream, nil
}

// buildRequest assembles the mode-specific HTTP request.
func (p *Provider) buildRequest(ctx context.Context, text string, voice tts.VoiceConfig) (*http.Request, error) {
	lang := voice.Language
	if lang == "" {
		lang = "zh"
	}

	switch p.mode {
	case APIModeV1:
		q := url.Values{}
		q.Set("text", text)
		q.Set("text_language", lang)
		if ref := voice.Extra["ref_audio_path"]; ref != "" {
			q.Set("refer_wav_path", ref)
		}
		if voice.ReferenceText != "" {
			q.Set("prompt_text", voice.ReferenceText)
			q.Set("prompt_language", lang)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("sovits: build request: %w", err)
		}
		return req, nil

	default: // APIModeV2
		body := v2Request{
			Text:          text,
			TextLang:      lang,
			RefAudioPath:  voice.Extra["ref_audio_path"],
			PromptText:    voice.ReferenceText,
			PromptLang:    lang,
			SpeedFactor:   voice.SpeedFactor,
			StreamingMode: true,
			MediaType:     mediaTypeParam(p.mediaType),
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("sovits: marshal body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/tts", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("sovits: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
}

// mediaTypeParam maps a MIME type onto the media_type parameter the v2
// server expects ("wav", "ogg", "aac", "raw").
func mediaTypeParam(mime string) string {
	switch mime {
	case "audio/wav":
		return "wav"
	case "audio/ogg":
		return "ogg"
	case "audio/aac":
		return "aac"
	default:
		return "raw"
	}
}
