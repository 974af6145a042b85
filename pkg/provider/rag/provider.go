// Package rag defines the Provider interface for retrieval-augmented answer
// generation backends.
//
// A provider answers one visitor question per call, streaming the answer
// text back as fragments so that segmentation and synthesis can begin
// before generation finishes. Retrieval happens behind the provider; the
// orchestrator only sees text.
//
// Implementations must be safe for concurrent use. Prefetch runs several
// generations in parallel with the foreground conversation.
package rag

import (
	"context"
	"sync/atomic"
)

// Turn is one prior exchange carried as conversational context.
type Turn struct {
	// Role is "user" or "assistant".
	Role string

	// Content is the turn's text.
	Content string
}

// Query carries one question and its retrieval context.
type Query struct {
	// Question is the visitor's question text.
	Question string

	// ExhibitID scopes retrieval to one exhibit when set. Empty means
	// collection-wide retrieval.
	ExhibitID string

	// History is the recent conversation, oldest first. May be nil.
	History []Turn

	// Style names the narration register the answer should use, such as
	// "children" or "expert". Empty means the backend default.
	Style string

	// DurationS is the target spoken length in seconds. Zero means
	// unconstrained.
	DurationS int

	// Prefetch marks speculative background generation. Providers may route
	// it to a cheaper model or lower priority queue.
	Prefetch bool
}

// Provider is the abstraction over any RAG backend.
type Provider interface {
	// Generate answers the query and returns a finite stream of text
	// fragments. The stream's channel is closed by the implementation when
	// generation completes, fails mid-way, or ctx is cancelled; callers
	// must drain it and then check [Stream.Err].
	//
	// A non-nil error return means generation could not be started at all
	// (no text was produced).
	Generate(ctx context.Context, q Query) (*Stream, error)
}

// Stream is one in-flight generation. Fragments is closed by the producer;
// after it closes, Err distinguishes clean completion from a mid-stream
// failure. Text delivered before a mid-stream failure is still valid and
// may be spoken as a partial answer.
type Stream struct {
	// Fragments emits answer text in model-native increments. Callers must
	// drain the channel even on cancellation to release the producer
	// goroutine.
	Fragments <-chan string

	streamErr atomic.Pointer[error]
}

// NewStream wraps a fragment channel owned by a provider implementation.
func NewStream(fragments <-chan string) *Stream {
	return &Stream{Fragments: fragments}
}

// Err returns the error that ended the stream early, or nil after a clean
// completion. Valid once Fragments is closed.
func (s *Stream) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetErr records a mid-stream failure. Implementations call it before
// closing Fragments.
func (s *Stream) SetErr(err error) {
	s.streamErr.Store(&err)
}
