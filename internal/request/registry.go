// Package request tracks the lifecycle of every admitted request and enforces
// per-client admission limits.
//
// A [Request] is created exactly once at admission and terminated exactly once
// (completed or cancelled). Admission couples three rules:
//
//  1. the sliding-window rate limit for the request's kind,
//  2. the one-active-request-per-(client, kind) rule — a newly admitted
//     request implicitly cancels the prior active one of the same kind,
//  3. registration of a cancellation token with the fabric.
//
// Rejections do not touch the registry: a rate-limited attempt leaves no
// trace beyond the typed error it returns.
package request

import (
	"fmt"
	"sync"
	"time"

	"github.com/openmuse/docent/internal/cancel"
	"github.com/openmuse/docent/internal/fault"
)

// Kind classifies a request for admission limits and implicit-cancel scoping.
type Kind string

const (
	// KindAsk is an interactive visitor question streamed over SSE.
	KindAsk Kind = "ask"

	// KindAskPrefetch is a tour narration generated ahead of playback and
	// staged in a prefetch slot instead of an HTTP response.
	KindAskPrefetch Kind = "ask_prefetch"

	// KindWakeWord is a short kiosk wake-word utterance.
	KindWakeWord Kind = "wake_word"

	// KindASR is a blocking speech-to-text call.
	KindASR Kind = "asr"

	// KindTTS is a standalone synthesis call bound to /tts_stream.
	KindTTS Kind = "tts"
)

// IsValid reports whether k is a recognised request kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindAsk, KindAskPrefetch, KindWakeWord, KindASR, KindTTS:
		return true
	}
	return false
}

// Request is one admitted unit of work. Fields are fixed at admission; only
// the lifecycle state changes afterwards, through [Registry.Complete] or the
// cancellation token.
type Request struct {
	ID       string
	ClientID string
	Kind     Kind

	// ParentID correlates an ask_prefetch with the tour epoch that scheduled
	// it. Empty for interactive requests.
	ParentID string

	CreatedAt time.Time
	Token     *cancel.Token
}

// Registry tracks active requests and performs admission. Safe for
// concurrent use.
type Registry struct {
	fabric  *cancel.Fabric
	limiter *SlidingWindow

	mu     sync.Mutex
	active map[string]*Request

	now func() time.Time
}

// NewRegistry creates a registry that registers tokens with fabric and
// admits through limiter.
func NewRegistry(fabric *cancel.Fabric, limiter *SlidingWindow) *Registry {
	return &Registry{
		fabric:  fabric,
		limiter: limiter,
		active:  make(map[string]*Request),
		now:     time.Now,
	}
}

// Admit runs the full admission sequence for a new request and returns the
// tracked [Request] carrying its cancellation token.
//
// Rate-limit rejections return a [*fault.Fault] with code rate_limited and a
// retry-after hint; duplicate ids return bad_request. When admission
// succeeds, any prior active request of the same (client, kind) has been
// fired with reason superseded before Admit returns, except for
// ask_prefetch which admits concurrently.
func (r *Registry) Admit(clientID, requestID string, kind Kind, parentID string) (*Request, error) {
	if !kind.IsValid() {
		return nil, fault.New(fault.CodeBadRequest, fmt.Sprintf("unknown request kind %q", kind))
	}

	ok, retryAfter := r.limiter.Allow(clientID, kind)
	if !ok {
		return nil, fault.New(fault.CodeRateLimited,
			fmt.Sprintf("rate limit exceeded for kind %q", kind)).WithRetryAfter(retryAfter)
	}

	// A new request displaces the prior active one of the same kind.
	// Prefetch is exempt: a tour window runs several ask_prefetch requests
	// at once, and stale ones are cancelled by epoch eviction instead.
	if kind != KindAskPrefetch {
		r.fabric.CancelClient(clientID, cancel.ReasonSuperseded, string(kind))
	}

	token, err := r.fabric.Register(clientID, requestID, string(kind))
	if err != nil {
		return nil, fault.Wrap(fault.CodeBadRequest, "request id already in use", err)
	}

	req := &Request{
		ID:        requestID,
		ClientID:  clientID,
		Kind:      kind,
		ParentID:  parentID,
		CreatedAt: r.now(),
		Token:     token,
	}

	r.mu.Lock()
	r.active[requestID] = req
	r.mu.Unlock()

	return req, nil
}

// Reserve charges one admission slot of the kind's rate window without
// tracking a request. Segment downloads over /tts_stream count against the
// tts window this way: they consume quota but must not displace the ask
// pipeline that produced the audio.
func (r *Registry) Reserve(clientID string, kind Kind) error {
	ok, retryAfter := r.limiter.Allow(clientID, kind)
	if !ok {
		return fault.New(fault.CodeRateLimited,
			fmt.Sprintf("rate limit exceeded for kind %q", kind)).WithRetryAfter(retryAfter)
	}
	return nil
}

// Complete terminates a request on normal completion or after cancellation
// has been fully drained. It releases the fabric registration and is
// idempotent: terminating an unknown or already-terminated id is a no-op.
func (r *Registry) Complete(requestID string) {
	r.mu.Lock()
	_, ok := r.active[requestID]
	delete(r.active, requestID)
	r.mu.Unlock()

	if ok {
		r.fabric.Release(requestID)
	}
}

// Get returns the active request with the given id, if any.
func (r *Registry) Get(requestID string) (*Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.active[requestID]
	return req, ok
}

// ActiveCount returns the number of requests currently tracked. Exposed for
// the status surface and metrics.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
