// Package mock provides a test double for the rag.Provider interface.
//
// Use Provider to feed controlled answer fragments to consumers and to
// verify the Query values passed to the backend.
package mock

import (
	"context"
	"sync"

	"github.com/openmuse/docent/pkg/provider/rag"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Query is the Query value passed to Generate.
	Query rag.Query
}

// Provider is a mock implementation of rag.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Fragments is the sequence of text fragments emitted on the stream.
	Fragments []string

	// StartErr, if non-nil, is returned from Generate instead of starting
	// a stream.
	StartErr error

	// MidStreamErr, if non-nil, is set on the stream after FailAfter
	// fragments have been delivered, simulating a generation failure
	// mid-way.
	MidStreamErr error

	// FailAfter is the number of fragments delivered before MidStreamErr
	// takes effect. Zero fails before any text.
	FailAfter int

	// block makes Generate's stream hang until ctx is cancelled.
	block bool

	// --- Call records ---

	// GenerateCalls records every call to Generate in order.
	GenerateCalls []GenerateCall
}

// Block makes subsequent streams hang after their fragments until the
// context is cancelled. Used to exercise inter-byte timeouts.
func (p *Provider) Block() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.block = true
}

// Generate records the call and, if StartErr is nil, returns a stream that
// emits Fragments then closes. MidStreamErr truncates the stream after
// FailAfter fragments.
func (p *Provider) Generate(ctx context.Context, q rag.Query) (*rag.Stream, error) {
	p.mu.Lock()
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Ctx: ctx, Query: q})
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	fragments := make([]string, len(p.Fragments))
	copy(fragments, p.Fragments)
	midErr := p.MidStreamErr
	failAfter := p.FailAfter
	blocked := p.block
	p.mu.Unlock()

	ch := make(chan string, len(fragments))
	stream := rag.NewStream(ch)
	go func() {
		defer close(ch)
		for i, frag := range fragments {
			if midErr != nil && i >= failAfter {
				stream.SetErr(midErr)
				return
			}
			select {
			case <-ctx.Done():
				return
			case ch <- frag:
			}
		}
		if midErr != nil && failAfter >= len(fragments) {
			stream.SetErr(midErr)
			return
		}
		if blocked {
			<-ctx.Done()
		}
	}()
	return stream, nil
}

// Calls returns a snapshot of the recorded Generate calls. Thread-safe,
// for asserting while streams are still running.
func (p *Provider) Calls() []GenerateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	calls := make([]GenerateCall, len(p.GenerateCalls))
	copy(calls, p.GenerateCalls)
	return calls
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = nil
}

// Ensure Provider implements rag.Provider at compile time.
var _ rag.Provider = (*Provider)(nil)
