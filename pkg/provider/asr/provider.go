// Package asr defines the Provider interface for automatic speech
// recognition backends.
//
// Exhibition-hall queries are short utterances captured as one audio clip,
// so the contract is a blocking Transcribe call rather than a duplex audio
// session. The orchestrator bounds the call with a context deadline and
// maps failures onto typed errors.
//
// Implementations must be safe for concurrent use. Several clients may be
// transcribing at once.
package asr

import (
	"context"
	"time"
)

// Transcript is the recognition result for one audio clip.
type Transcript struct {
	// Text is the recognised speech content, already normalised by the
	// provider (no leading or trailing whitespace).
	Text string

	// Language is the BCP-47 tag the provider detected or was told to use.
	Language string

	// Confidence is the overall confidence score (0.0 to 1.0). Zero when
	// the provider does not report confidence.
	Confidence float64

	// Duration is the length of the recognised audio.
	Duration time.Duration
}

// Options carries recognition hints for one Transcribe call.
type Options struct {
	// Language is the BCP-47 tag for recognition (e.g. "zh-CN"). Empty lets
	// the provider auto-detect.
	Language string

	// Format names the container of the audio payload ("wav", "webm",
	// "ogg"). Empty means the provider sniffs the payload.
	Format string

	// Hotwords lists vocabulary hints, such as exhibit and artist names,
	// that should be boosted during recognition.
	Hotwords []string
}

// Provider is the abstraction over any ASR backend.
type Provider interface {
	// Transcribe recognises one complete audio clip and returns its
	// transcript. Cancellation and deadlines arrive via ctx; a cancelled
	// context must abort the call promptly.
	Transcribe(ctx context.Context, audio []byte, opts Options) (Transcript, error)
}
