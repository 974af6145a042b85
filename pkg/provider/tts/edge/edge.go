// Package edge provides a Microsoft Edge read-aloud TTS provider using the
// Edge streaming WebSocket API. It implements the tts.Provider interface.
//
// The Edge service is keyless: a trusted client token is sent as a query
// parameter. Audio arrives as binary WebSocket messages whose payload
// follows a 2-byte big-endian header length; the stream for one utterance
// ends with a "turn.end" text message.
package edge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/openmuse/docent/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	wsEndpoint = "wss://speech.platform.bing.com/consumer/speech/synthesize/" +
		"readaloud/edge/v1?TrustedClientToken=%s"

	defaultToken  = "6A5AA1D4EAFF4E9FB37E23D68491D6F4"
	defaultVoice  = "zh-CN-XiaoxiaoNeural"
	defaultFormat = "audio-24khz-48kbitrate-mono-mp3"

	frameChanBuf = 64
)

// Option is a functional option for configuring the Edge Provider.
type Option func(*Provider)

// WithToken overrides the trusted client token.
func WithToken(token string) Option {
	return func(p *Provider) { p.token = token }
}

// WithOutputFormat sets the audio output format identifier
// (e.g. "audio-24khz-48kbitrate-mono-mp3").
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.format = format }
}

// Provider implements tts.Provider backed by the Edge read-aloud service.
type Provider struct {
	token  string
	format string
}

// New creates an Edge Provider with the built-in public token.
func New(opts ...Option) *Provider {
	p := &Provider{token: defaultToken, format: defaultFormat}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements tts.Provider.
func (p *Provider) Name() tts.Name { return tts.Edge }

// ContentType implements tts.Provider.
func (p *Provider) ContentType() string { return "audio/mpeg" }

// speechConfig is the JSON payload of the initial speech.config message.
type speechConfig struct {
	Context struct {
		Synthesis struct {
			Audio struct {
				MetadataOptions struct {
					SentenceBoundaryEnabled bool `json:"sentenceBoundaryEnabled"`
					WordBoundaryEnabled     bool `json:"wordBoundaryEnabled"`
				} `json:"metadataoptions"`
				OutputFormat string `json:"outputFormat"`
			} `json:"audio"`
		} `json:"synthesis"`
	} `json:"context"`
}

// StreamTTS implements tts.Provider. It opens a fresh WebSocket per chunk:
// the Edge service tears the turn down after each utterance anyway, and a
// dedicated connection keeps cancellation scoped to one chunk.
func (p *Provider) StreamTTS(ctx context.Context, text string, voice tts.VoiceConfig) (*tts.Stream, error) {
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf(wsEndpoint, p.token), nil)
	if err != nil {
		return nil, fmt.Errorf("edge: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	if err := p.sendConfig(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "config failed")
		return nil, err
	}
	if err := p.sendSSML(ctx, conn, text, voice); err != nil {
		conn.Close(websocket.StatusInternalError, "ssml failed")
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
					stream.SetErr(fmt.Errorf("edge: read: %w", err))
				}
				return
			}

			switch typ {
			case websocket.MessageText:
				if strings.Contains(string(data), "Path:turn.end") {
					return // clean end of utterance
				}
			case websocket.MessageBinary:
				payload := audioPayload(data)
				if len(payload) == 0 {
					continue
				}
				select {
				case frames <- payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return stream, nil
}

// sendConfig transmits the speech.config message selecting the output format.
func (p *Provider) sendConfig(ctx context.Context, conn *websocket.Conn) error {
	var cfg speechConfig
	cfg.Context.Synthesis.Audio.OutputFormat = p.format
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("edge: marshal config: %w", err)
	}
	msg := fmt.Sprintf("X-Timestamp:%s\r\nContent-Type:application/json; charset=utf-8\r\nPath:speech.config\r\n\r\n%s",
		time.Now().UTC().Format(time.RFC1123), body)
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		return fmt.Errorf("edge: send config: %w", err)
	}
	return nil
}

// sendSSML transmits the utterance as an SSML document.
func (p *Provider) sendSSML(ctx context.Context, conn *websocket.Conn, text string, voice tts.VoiceConfig) error {
	voiceName := voice.VoiceID
	if voiceName == "" {
		voiceName = defaultVoice
	}
	lang := voice.Language
	if lang == "" {
		lang = "zh-CN"
	}

	rate := "+0%"
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1.0 {
		rate = fmt.Sprintf("%+d%%", int((voice.SpeedFactor-1.0)*100))
	}

	ssml := fmt.Sprintf(
		`<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='%s'>`+
			`<voice name='%s'><prosody rate='%s'>%s</prosody></voice></speak>`,
		lang, voiceName, rate, escapeXML(text))

	msg := fmt.Sprintf("X-RequestId:%d\r\nContent-Type:application/ssml+xml\r\nPath:ssml\r\n\r\n%s",
		time.Now().UnixNano(), ssml)
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		return fmt.Errorf("edge: send ssml: %w", err)
	}
	return nil
}

// audioPayload strips the binary message header. The first two bytes encode
// the header length big-endian; audio follows the header.
func audioPayload(data []byte) []byte {
	if len(data) < 2 {
		return nil
	}
	headerLen := int(binary.BigEndian.Uint16(data[:2]))
	start := 2 + headerLen
	if start >= len(data) {
		return nil
	}
	if !strings.Contains(string(data[2:start]), "Path:audio") {
		return nil
	}
	return data[start:]
}

// escapeXML escapes the five XML special characters for SSML embedding.
func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}
