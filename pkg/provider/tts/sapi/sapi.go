// Package sapi provides a TTS provider backed by a local Windows SAPI HTTP
// bridge. The bridge is a small sidecar exposing POST /speak that renders
// text through the OS speech stack and returns WAV audio. It exists as a
// zero-dependency offline fallback, not as a primary voice.
package sapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openmuse/docent/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultTimeout = 60 * time.Second

	frameSize    = 4096
	frameChanBuf = 64
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithTimeout sets the HTTP client timeout. Synthesis on the local speech
// stack is not streaming, so the timeout bounds the whole render.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements tts.Provider against a local SAPI bridge.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Provider targeting the bridge at baseURL
// (e.g. "http://127.0.0.1:9884").
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("sapi: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements tts.Provider.
func (p *Provider) Name() tts.Name { return tts.SAPI }

// ContentType implements tts.Provider.
func (p *Provider) ContentType() string { return "audio/wav" }

// StreamTTS implements tts.Provider. The bridge renders the whole chunk
// before responding; the body is still re-framed onto the channel so the
// caller sees the same contract as the streaming providers.
func (p *Provider) StreamTTS(ctx context.Context, text string, voice tts.VoiceConfig) (*tts.Stream, error) {
	form := url.Values{}
	form.Set("text", text)
	if voice.VoiceID != "" {
		form.Set("voice", voice.VoiceID)
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1.0 {
		// SAPI rate runs -10..10; map the 0.5..2.0 factor onto it.
		form.Set("rate", strconv.Itoa(int((voice.SpeedFactor-1.0)*10)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/speak", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("sapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sapi: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("sapi: bridge returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
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
					stream.SetErr(fmt.Errorf("sapi: read body: %w", err))
				}
				return
			}
		}
	}()

	return stream, nil
}
