// Package openaicompat provides a rag.Provider backed by any service
// exposing an OpenAI-compatible chat completions endpoint. Knowledge-base
// deployments such as Dify, RAGFlow and FastGPT all publish this surface,
// so one client covers every backend the exhibition hall runs.
package openaicompat

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/openmuse/docent/pkg/provider/rag"
)

// Compile-time interface assertion.
var _ rag.Provider = (*Provider)(nil)

const fragmentChanBuf = 32

// config holds optional configuration for the provider.
type config struct {
	baseURL       string
	prefetchModel string
	systemPrompt  string
	timeout       time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL points the client at a compatible server instead of the
// OpenAI API (e.g. "http://ragflow.local/v1").
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithPrefetchModel routes speculative queries to a separate, usually
// cheaper, model. Defaults to the foreground model.
func WithPrefetchModel(model string) Option {
	return func(c *config) { c.prefetchModel = model }
}

// WithSystemPrompt sets the docent persona prompt sent ahead of every
// conversation.
func WithSystemPrompt(prompt string) Option {
	return func(c *config) { c.systemPrompt = prompt }
}

// WithTimeout sets a per-request HTTP timeout covering the whole stream.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Provider implements rag.Provider over an OpenAI-compatible API.
type Provider struct {
	client        oai.Client
	model         string
	prefetchModel string
	systemPrompt  string
}

// New constructs a Provider. model names the chat model (or knowledge-base
// application) queried for answers.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openaicompat: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openaicompat: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	prefetchModel := cfg.prefetchModel
	if prefetchModel == "" {
		prefetchModel = model
	}
	return &Provider{
		client:        oai.NewClient(reqOpts...),
		model:         model,
		prefetchModel: prefetchModel,
		systemPrompt:  cfg.systemPrompt,
	}, nil
}

// Generate implements rag.Provider.
func (p *Provider) Generate(ctx context.Context, q rag.Query) (*rag.Stream, error) {
	if q.Question == "" {
		return nil, fmt.Errorf("openaicompat: question must not be empty")
	}

	model := p.model
	if q.Prefetch {
		model = p.prefetchModel
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if p.systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(p.systemPrompt))
	}
	if directive := styleDirective(q); directive != "" {
		messages = append(messages, oai.SystemMessage(directive))
	}
	for _, turn := range q.History {
		switch turn.Role {
		case "assistant":
			messages = append(messages, oai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, oai.UserMessage(turn.Content))
		}
	}
	question := q.Question
	if q.ExhibitID != "" {
		// Compatible knowledge-base servers route retrieval on this prefix.
		question = fmt.Sprintf("[exhibit:%s] %s", q.ExhibitID, q.Question)
	}
	messages = append(messages, oai.UserMessage(question))

	stream := p.client.Chat.Completions.NewStreaming(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	})
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openaicompat: start stream: %w", err)
	}

	fragments := make(chan string, fragmentChanBuf)
	out := rag.NewStream(fragments)

	go func() {
		defer close(fragments)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case fragments <- delta:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			out.SetErr(fmt.Errorf("openaicompat: stream: %w", err))
		}
	}()

	return out, nil
}

// styleDirective renders the query's narration constraints as an extra
// system message, or "" when the query carries none.
func styleDirective(q rag.Query) string {
	switch {
	case q.Style != "" && q.DurationS > 0:
		return fmt.Sprintf("Answer in the %q narration style. Keep the answer speakable in about %d seconds.", q.Style, q.DurationS)
	case q.Style != "":
		return fmt.Sprintf("Answer in the %q narration style.", q.Style)
	case q.DurationS > 0:
		return fmt.Sprintf("Keep the answer speakable in about %d seconds.", q.DurationS)
	}
	return ""
}
