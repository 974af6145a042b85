// Package cosyvoice provides a cloud CosyVoice TTS provider speaking the
// DashScope WebSocket streaming API. It implements the tts.Provider
// interface.
//
// The protocol is task-oriented: the client opens a WebSocket, sends a
// run-task directive carrying the synthesis parameters, then a continue-task
// with the text and a finish-task marker. Audio arrives as binary messages;
// a task-finished (or task-failed) event message ends the stream.
package cosyvoice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/openmuse/docent/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultEndpoint = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	defaultModel    = "cosyvoice-v1"
	defaultVoice    = "longxiaochun"

	frameChanBuf = 64
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithModel selects the CosyVoice model. Defaults to "cosyvoice-v1".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithSampleRate sets the output sample rate in Hz. Defaults to 22050.
func WithSampleRate(hz int) Option {
	return func(p *Provider) { p.sampleRate = hz }
}

// Provider implements tts.Provider backed by the cloud CosyVoice service.
type Provider struct {
	endpoint   string
	apiKey     string
	model      string
	sampleRate int
}

// New creates a Provider. apiKey is the DashScope API key and must not be
// empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("cosyvoice: apiKey must not be empty")
	}
	p := &Provider{
		endpoint:   defaultEndpoint,
		apiKey:     apiKey,
		model:      defaultModel,
		sampleRate: 22050,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements tts.Provider.
func (p *Provider) Name() tts.Name { return tts.CloudCosyVoice }

// ContentType implements tts.Provider.
func (p *Provider) ContentType() string { return "audio/mpeg" }

// directive is the envelope of every client-to-server message.
type directive struct {
	Header  directiveHeader `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type directiveHeader struct {
	Action    string `json:"action"`
	TaskID    string `json:"task_id"`
	Streaming string `json:"streaming"`
}

// event mirrors the header of server-to-client text messages.
type event struct {
	Header struct {
		Event        string `json:"event"`
		ErrorMessage string `json:"error_message"`
	} `json:"header"`
}

type runTaskPayload struct {
	TaskGroup  string        `json:"task_group"`
	Task       string        `json:"task"`
	Function   string        `json:"function"`
	Model      string        `json:"model"`
	Parameters runTaskParams `json:"parameters"`
	Input      struct{}      `json:"input"`
}

type runTaskParams struct {
	TextType   string  `json:"text_type"`
	Voice      string  `json:"voice"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate"`
	Rate       float64 `json:"rate,omitempty"`
}

type textPayload struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
}

// StreamTTS implements tts.Provider. Each call runs one complete task on a
// dedicated connection so cancellation stays scoped to the chunk.
func (p *Provider) StreamTTS(ctx context.Context, text string, voice tts.VoiceConfig) (*tts.Stream, error) {
	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"bearer " + p.apiKey},
			"X-DashScope-DataInspection": []string{"enable"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cosyvoice: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	taskID := uuid.NewString()
	if err := p.sendTask(ctx, conn, taskID, text, voice); err != nil {
		conn.Close(websocket.StatusInternalError, "task setup failed")
		return nil, err
	}

	frames := make(chan []byte, frameChanBuf)
	stream := tts.NewStream(frames)

	go func() {
		defer close(frames)
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					stream.SetErr(fmt.Errorf("cosyvoice: read: %w", err))
				}
				return
			}

			switch typ {
			case websocket.MessageText:
				var ev event
				if err := json.Unmarshal(data, &ev); err != nil {
					continue
				}
				switch ev.Header.Event {
				case "task-finished":
					return
				case "task-failed":
					stream.SetErr(fmt.Errorf("cosyvoice: task failed: %s", ev.Header.ErrorMessage))
					return
				}
			case websocket.MessageBinary:
				if len(data) == 0 {
					continue
				}
				select {
				case frames <- data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return stream, nil
}

// sendTask issues the run-task, continue-task and finish-task directives for
// one utterance.
func (p *Provider) sendTask(ctx context.Context, conn *websocket.Conn, taskID, text string, voice tts.VoiceConfig) error {
	voiceName := voice.VoiceID
	if voiceName == "" {
		voiceName = defaultVoice
	}
	params := runTaskParams{
		TextType:   "PlainText",
		Voice:      voiceName,
		Format:     "mp3",
		SampleRate: p.sampleRate,
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1.0 {
		params.Rate = voice.SpeedFactor
	}

	run, err := json.Marshal(runTaskPayload{
		TaskGroup:  "audio",
		Task:       "tts",
		Function:   "SpeechSynthesizer",
		Model:      p.model,
		Parameters: params,
	})
	if err != nil {
		return fmt.Errorf("cosyvoice: marshal run-task: %w", err)
	}
	if err := p.writeDirective(ctx, conn, "run-task", taskID, run); err != nil {
		return err
	}

	var tp textPayload
	tp.Input.Text = text
	cont, err := json.Marshal(tp)
	if err != nil {
		return fmt.Errorf("cosyvoice: marshal continue-task: %w", err)
	}
	if err := p.writeDirective(ctx, conn, "continue-task", taskID, cont); err != nil {
		return err
	}
	return p.writeDirective(ctx, conn, "finish-task", taskID, json.RawMessage(`{"input":{}}`))
}

func (p *Provider) writeDirective(ctx context.Context, conn *websocket.Conn, action, taskID string, payload json.RawMessage) error {
	msg, err := json.Marshal(directive{
		Header: directiveHeader{
			Action:    action,
			TaskID:    taskID,
			Streaming: "duplex",
		},
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("cosyvoice: marshal %s: %w", action, err)
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("cosyvoice: send %s: %w", action, err)
	}
	return nil
}
