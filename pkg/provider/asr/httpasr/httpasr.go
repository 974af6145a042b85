// Package httpasr provides an asr.Provider backed by a local inference
// server speaking the whisper.cpp server protocol: POST /inference with a
// multipart form carrying the audio file and response_format=json.
//
// FunASR's HTTP bridge and faster-whisper-server expose the same surface,
// so one client covers all three deployments.
package httpasr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/openmuse/docent/pkg/provider/asr"
)

// Compile-time interface assertion.
var _ asr.Provider = (*Client)(nil)

const defaultTimeout = 30 * time.Second

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTimeout sets the HTTP client timeout. The orchestrator usually applies
// a tighter per-request deadline via context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithModel pins a server-side model name for deployments that host several.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// Client implements asr.Provider against a whisper.cpp-style HTTP server.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a Client targeting the inference server at baseURL
// (e.g. "http://localhost:9883").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("httpasr: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// inferenceResponse is the JSON body returned with response_format=json.
type inferenceResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error"`
}

// Transcribe implements asr.Provider.
func (c *Client) Transcribe(ctx context.Context, audio []byte, opts asr.Options) (asr.Transcript, error) {
	if len(audio) == 0 {
		return asr.Transcript{}, fmt.Errorf("httpasr: empty audio payload")
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	ext := opts.Format
	if ext == "" {
		ext = "wav"
	}
	part, err := form.CreateFormFile("file", "audio."+ext)
	if err != nil {
		return asr.Transcript{}, fmt.Errorf("httpasr: build form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return asr.Transcript{}, fmt.Errorf("httpasr: write audio: %w", err)
	}
	form.WriteField("response_format", "json")
	if opts.Language != "" {
		form.WriteField("language", opts.Language)
	}
	if c.model != "" {
		form.WriteField("model", c.model)
	}
	if len(opts.Hotwords) > 0 {
		form.WriteField("prompt", strings.Join(opts.Hotwords, ", "))
	}
	if err := form.Close(); err != nil {
		return asr.Transcript{}, fmt.Errorf("httpasr: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/inference", &buf)
	if err != nil {
		return asr.Transcript{}, fmt.Errorf("httpasr: build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return asr.Transcript{}, fmt.Errorf("httpasr: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return asr.Transcript{}, fmt.Errorf("httpasr: server returned %d: %s",
			resp.StatusCode, bytes.TrimSpace(body))
	}

	var out inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return asr.Transcript{}, fmt.Errorf("httpasr: decode response: %w", err)
	}
	if out.Error != "" {
		return asr.Transcript{}, fmt.Errorf("httpasr: inference failed: %s", out.Error)
	}

	lang := out.Language
	if lang == "" {
		lang = opts.Language
	}
	return asr.Transcript{
		Text:     strings.TrimSpace(out.Text),
		Language: lang,
		Duration: time.Duration(out.Duration * float64(time.Second)),
	}, nil
}
