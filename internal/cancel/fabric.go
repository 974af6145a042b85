// Package cancel implements the cancellation fabric: a registry of broadcast
// cancellation tokens keyed by request id and by client id.
//
// A [Token] is a one-shot broadcast. Any number of observers may wait on
// [Token.Done]; firing is idempotent and O(1) regardless of observer count,
// and a token fired before an observer attaches is still observed as fired.
// The fabric never blocks on I/O and never waits for observers.
//
// Every blocking operation in the pipeline derives a [context.Context] from
// its token via [Token.Context], so a single Fire propagates through ASR, RAG,
// TTS, and response writes without any stage polling.
package cancel

import (
	"context"
	"errors"
	"sync"
)

// Reason records why a token fired. It is carried into the request's
// terminal event.
type Reason string

const (
	// ReasonUser is an explicit /cancel from the client.
	ReasonUser Reason = "user"

	// ReasonSuperseded means a newer request of the same kind from the same
	// client displaced this one.
	ReasonSuperseded Reason = "superseded"

	// ReasonTimeout is a hard-deadline or stage-timeout expiry.
	ReasonTimeout Reason = "timeout"

	// ReasonDisconnect is a failed SSE/audio write, i.e. the client left.
	ReasonDisconnect Reason = "disconnect"

	// ReasonShutdown is process teardown.
	ReasonShutdown Reason = "shutdown"
)

// ErrDuplicate is returned by [Fabric.Register] when the request id is
// already registered.
var ErrDuplicate = errors.New("cancel: request id already registered")

// Token is a broadcast cancellation signal. The zero value is not usable;
// obtain tokens from [Fabric.Register] or [NewToken].
type Token struct {
	done chan struct{}

	mu     sync.Mutex
	fired  bool
	reason Reason
}

// NewToken creates a standalone token not tracked by any fabric. Used by
// tests and by internal work that needs token semantics without registration.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Fire cancels the token with the given reason and reports whether this call
// won. The first call wins; later calls are no-ops and do not overwrite the
// reason.
func (t *Token) Fire(reason Reason) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return false
	}
	t.fired = true
	t.reason = reason
	close(t.done)
	return true
}

// Done returns a channel that is closed once the token fires.
func (t *Token) Done() <-chan struct{} { return t.done }

// Fired reports whether the token has fired.
func (t *Token) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Reason returns the reason recorded by the winning Fire call, or the empty
// string if the token has not fired.
func (t *Token) Reason() Reason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Context derives a context from parent that is cancelled when the token
// fires (or when the parent ends). The returned stop function releases the
// bridging goroutine and must be called when the request finishes.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// entry pairs a token with its registration keys.
type entry struct {
	clientID  string
	requestID string
	kind      string
	token     *Token
}

// Fabric maps (client_id, request_id) registrations to tokens and fans
// cancellations out to them. All methods are safe for concurrent use.
type Fabric struct {
	mu        sync.Mutex
	byRequest map[string]*entry
	byClient  map[string]map[string]*entry // client_id → request_id → entry
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		byRequest: make(map[string]*entry),
		byClient:  make(map[string]map[string]*entry),
	}
}

// Register creates and tracks a token for (clientID, requestID). kind is the
// request kind used by [Fabric.CancelClient] filtering. Returns
// [ErrDuplicate] if requestID is already registered.
func (f *Fabric) Register(clientID, requestID, kind string) (*Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.byRequest[requestID]; exists {
		return nil, ErrDuplicate
	}

	e := &entry{
		clientID:  clientID,
		requestID: requestID,
		kind:      kind,
		token:     NewToken(),
	}
	f.byRequest[requestID] = e

	perClient, ok := f.byClient[clientID]
	if !ok {
		perClient = make(map[string]*entry)
		f.byClient[clientID] = perClient
	}
	perClient[requestID] = e

	return e.token, nil
}

// CancelRequest fires the token registered under requestID and reports
// whether this call newly fired it. Released, unknown, and already-fired ids
// all return false, so callers can count the cancellations they caused.
func (f *Fabric) CancelRequest(requestID string, reason Reason) bool {
	f.mu.Lock()
	e, ok := f.byRequest[requestID]
	f.mu.Unlock()
	if !ok {
		return false
	}
	return e.token.Fire(reason)
}

// CancelClient fires every token registered under clientID, optionally
// restricted to the given kinds, and returns the number of tokens that were
// newly fired. An empty kinds list matches all kinds.
func (f *Fabric) CancelClient(clientID string, reason Reason, kinds ...string) int {
	kindSet := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	f.mu.Lock()
	var targets []*entry
	for _, e := range f.byClient[clientID] {
		if len(kindSet) > 0 && !kindSet[e.kind] {
			continue
		}
		targets = append(targets, e)
	}
	f.mu.Unlock()

	// Fire outside the lock: Fire is O(1) but observer callbacks derived from
	// contexts may run immediately on the closed channel.
	fired := 0
	for _, e := range targets {
		if e.token.Fire(reason) {
			fired++
		}
	}
	return fired
}

// Release removes the registration for requestID on normal completion.
// Cancelling a released id is a no-op.
func (f *Fabric) Release(requestID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.byRequest[requestID]
	if !ok {
		return
	}
	delete(f.byRequest, requestID)

	if perClient, ok := f.byClient[e.clientID]; ok {
		delete(perClient, requestID)
		if len(perClient) == 0 {
			delete(f.byClient, e.clientID)
		}
	}
}

// Lookup returns the token registered under requestID, if any. Read-only
// status endpoints use this to report cancellation state.
func (f *Fabric) Lookup(requestID string) (*Token, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byRequest[requestID]
	if !ok {
		return nil, false
	}
	return e.token, true
}

// ActiveForClient returns the ids of all registered requests for clientID of
// the given kind. Used by the admission layer to implement the
// one-active-request-per-kind rule.
func (f *Fabric) ActiveForClient(clientID, kind string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, e := range f.byClient[clientID] {
		if e.kind == kind {
			ids = append(ids, id)
		}
	}
	return ids
}
