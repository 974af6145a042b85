// Package tts defines the Provider contract for text-to-speech backends.
//
// A provider synthesises one chunk of text per call and streams the audio
// back as raw frames on a channel, so playback can begin before synthesis
// finishes. The dispatcher (internal/dispatch) owns provider selection,
// fallback, and per-request sequencing; providers only ever see one chunk at
// a time.
//
// Implementations must be safe for concurrent use: several chunks of the
// same request are synthesised in parallel by the pipeline.
package tts

import (
	"context"
	"sync/atomic"
)

// Name identifies a recognised TTS backend.
type Name string

const (
	GPTSoVITSV1    Name = "gpt_sovits_v1"
	GPTSoVITSV2    Name = "gpt_sovits_v2"
	Edge           Name = "edge"
	SAPI           Name = "sapi"
	CloudCosyVoice Name = "cloud_cosyvoice"
)

// IsValid reports whether n is a recognised provider name.
func (n Name) IsValid() bool {
	switch n {
	case GPTSoVITSV1, GPTSoVITSV2, Edge, SAPI, CloudCosyVoice:
		return true
	}
	return false
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// StreamTTS synthesises text and returns a finite stream of audio
	// frames. The stream's channel is closed by the implementation when
	// synthesis completes, fails mid-way, or ctx is cancelled; callers must
	// drain it and then check [Stream.Err].
	//
	// A non-nil error return means the stream could not be started at all
	// (no audio was produced).
	StreamTTS(ctx context.Context, text string, voice VoiceConfig) (*Stream, error)

	// Name returns the provider's registered name.
	Name() Name

	// ContentType returns the MIME type of the frames this provider emits
	// (e.g. "audio/wav", "audio/mpeg", "audio/pcm;rate=16000").
	ContentType() string
}

// Stream is one in-flight synthesis. Frames is closed by the producer; after
// it closes, Err distinguishes clean completion from a mid-stream failure.
type Stream struct {
	// Frames emits raw audio in provider-native framing. Callers must drain
	// the channel even on cancellation to release the producer goroutine.
	Frames <-chan []byte

	streamErr atomic.Pointer[error]
}

// NewStream wraps a frame channel owned by a provider implementation.
func NewStream(frames <-chan []byte) *Stream {
	return &Stream{Frames: frames}
}

// Err returns the error that ended the stream early, or nil after a clean
// completion. Valid once Frames is closed.
func (s *Stream) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetErr records a mid-stream failure. Implementations call it before
// closing Frames.
func (s *Stream) SetErr(err error) {
	s.streamErr.Store(&err)
}
