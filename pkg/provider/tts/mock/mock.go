// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio frames to consumers and to verify
// the text and VoiceConfig passed to the backend.
//
// Example:
//
//	p := &mock.Provider{
//	    NameValue: tts.Edge,
//	    Frames:    [][]byte{[]byte("audio1"), []byte("audio2")},
//	}
//	stream, _ := p.StreamTTS(ctx, "hello", tts.VoiceConfig{})
package mock

import (
	"context"
	"sync"

	"github.com/openmuse/docent/pkg/provider/tts"
)

// StreamTTSCall records a single invocation of StreamTTS.
type StreamTTSCall struct {
	// Ctx is the context passed to StreamTTS.
	Ctx context.Context
	// Text is the chunk text passed to StreamTTS.
	Text string
	// Voice is the VoiceConfig passed to StreamTTS.
	Voice tts.VoiceConfig
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// NameValue is returned by Name. Defaults to tts.Edge when unset.
	NameValue tts.Name

	// ContentTypeValue is returned by ContentType. Defaults to "audio/wav"
	// when unset.
	ContentTypeValue string

	// Frames is the sequence of audio byte slices emitted on the stream.
	Frames [][]byte

	// StartErr, if non-nil, is returned from StreamTTS instead of starting
	// a stream.
	StartErr error

	// MidStreamErr, if non-nil, is set on the stream after FailAfter frames
	// have been delivered, simulating a synthesis failure mid-way.
	MidStreamErr error

	// FailAfter is the number of frames delivered before MidStreamErr takes
	// effect. Zero fails before any audio.
	FailAfter int

	// block makes streams hang before emitting frames until ctx ends.
	block bool

	// --- Call records ---

	// StreamTTSCalls records every call to StreamTTS in order.
	StreamTTSCalls []StreamTTSCall
}

// StreamTTS records the call and, if StartErr is nil, returns a stream that
// emits Frames then closes. MidStreamErr truncates the stream after
// FailAfter frames.
func (p *Provider) StreamTTS(ctx context.Context, text string, voice tts.VoiceConfig) (*tts.Stream, error) {
	p.mu.Lock()
	p.StreamTTSCalls = append(p.StreamTTSCalls, StreamTTSCall{Ctx: ctx, Text: text, Voice: voice})
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	frames := make([][]byte, len(p.Frames))
	copy(frames, p.Frames)
	midErr := p.MidStreamErr
	failAfter := p.FailAfter
	blocked := p.block
	p.mu.Unlock()

	ch := make(chan []byte, len(frames))
	stream := tts.NewStream(ch)
	go func() {
		defer close(ch)
		if blocked {
			<-ctx.Done()
			return
		}
		for i, audio := range frames {
			if midErr != nil && i >= failAfter {
				stream.SetErr(midErr)
				return
			}
			select {
			case <-ctx.Done():
				return
			case ch <- audio:
			}
		}
		if midErr != nil && failAfter >= len(frames) {
			stream.SetErr(midErr)
		}
	}()
	return stream, nil
}

// Name returns NameValue, defaulting to tts.Edge.
func (p *Provider) Name() tts.Name {
	if p.NameValue == "" {
		return tts.Edge
	}
	return p.NameValue
}

// ContentType returns ContentTypeValue, defaulting to "audio/wav".
func (p *Provider) ContentType() string {
	if p.ContentTypeValue == "" {
		return "audio/wav"
	}
	return p.ContentTypeValue
}

// Block makes subsequent streams hang before emitting frames until their
// context ends. Used to exercise first-byte timeouts.
func (p *Provider) Block() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.block = true
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamTTSCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
