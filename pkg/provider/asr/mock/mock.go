// Package mock provides a test double for the asr.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/openmuse/docent/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is a copy of the audio payload passed to Transcribe.
	Audio []byte
	// Opts is the Options value passed to Transcribe.
	Opts asr.Options
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Result is returned by Transcribe when Err is nil.
	Result asr.Transcript

	// Err, if non-nil, is returned by Transcribe.
	Err error

	// Delay, if set via Block, makes Transcribe wait for ctx cancellation.
	block bool

	// --- Call records ---

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Block makes subsequent Transcribe calls hang until their context is
// cancelled, returning ctx.Err(). Used to exercise stage timeouts.
func (p *Provider) Block() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.block = true
}

// Transcribe records the call and returns Result, Err.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, opts asr.Options) (asr.Transcript, error) {
	p.mu.Lock()
	audioCopy := make([]byte, len(audio))
	copy(audioCopy, audio)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Audio: audioCopy, Opts: opts})
	blocked := p.block
	result, err := p.Result, p.Err
	p.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return asr.Transcript{}, ctx.Err()
	}
	return result, err
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)
