// Package orchestrator runs the conversation flow: admission, speech
// recognition, intent classification, retrieval-augmented generation,
// segmentation, and synthesis, wired into one cancellable pipeline per
// request.
//
// A request's stages communicate over bounded queues so back-pressure from a
// slow consumer propagates naturally to the RAG reader. Audio segments are
// delivered strictly in seq order even though synthesis runs concurrently.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/openmuse/docent/internal/cancel"
	"github.com/openmuse/docent/internal/dispatch"
	"github.com/openmuse/docent/internal/events"
	"github.com/openmuse/docent/internal/fault"
	"github.com/openmuse/docent/internal/observe"
	"github.com/openmuse/docent/internal/request"
	"github.com/openmuse/docent/internal/segment"
	"github.com/openmuse/docent/pkg/provider/asr"
	"github.com/openmuse/docent/pkg/provider/rag"
)

const (
	// queueCap bounds every inter-stage queue of a request's pipeline.
	queueCap = 16

	// defaultTTSInFlight is the number of segments synthesised concurrently.
	defaultTTSInFlight = 2

	// historyDepth is how many prior turns accompany a RAG query.
	historyDepth = 6

	// audioRetention keeps a finished request's segments retrievable.
	audioRetention = 5 * time.Minute
)

// Timeouts carries the per-stage soft deadlines and the request hard
// deadline.
type Timeouts struct {
	Hard         time.Duration
	ASR          time.Duration
	RAGFirstByte time.Duration
	RAGInterByte time.Duration
}

// DefaultTimeouts returns the standard deadline set.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Hard:         120 * time.Second,
		ASR:          10 * time.Second,
		RAGFirstByte: 8 * time.Second,
		RAGInterByte: 5 * time.Second,
	}
}

// History is the conversation memory consulted for RAG context and updated
// after each completed answer. May be absent.
type History interface {
	AppendTurn(ctx context.Context, clientID, question, answer string) error
	RecentTurns(ctx context.Context, clientID string, n int) ([]rag.Turn, error)
}

// Input describes one conversation request.
type Input struct {
	// RequestID is the caller-chosen id; generated when empty.
	RequestID string

	// ClientID identifies the visitor device. Required.
	ClientID string

	// Kind is the admission class; defaults to ask.
	Kind request.Kind

	// ParentID correlates a prefetch request with the tour epoch that
	// scheduled it. Optional.
	ParentID string

	// Question is the text input. Ignored when Audio is set.
	Question string

	// Audio is a recorded utterance transcribed before classification.
	Audio []byte

	// AudioFormat names the container of Audio ("wav", "webm").
	AudioFormat string

	// SessionID scopes retrieval (exhibit or zone id). Optional.
	SessionID string

	// Style is the narration register forwarded to the RAG collaborator.
	// Optional.
	Style string

	// DurationS is the target spoken length in seconds forwarded to the RAG
	// collaborator. Optional.
	DurationS int

	// Segmenter overrides the chunking bounds for this request.
	Segmenter *segment.Config
}

// TextDelta is one text frame of the answer stream, mirroring the RAG
// fragments in order.
type TextDelta struct {
	Seq   int    `json:"seq"`
	Delta string `json:"delta"`
}

// AudioSegment is one synthesised chunk, delivered in seq order.
type AudioSegment struct {
	RequestID   string
	Seq         int
	Bytes       []byte
	ContentType string
	Provider    string
}

// Outcome is a running request. Text and Segments are closed when the
// pipeline ends; Err is valid afterwards.
type Outcome struct {
	RequestID string

	// Text emits the answer text frames.
	Text <-chan TextDelta

	// Segments emits synthesised audio strictly ordered by seq.
	Segments <-chan AudioSegment

	err  atomic.Pointer[error]
	done chan struct{}
}

// Done is closed when the request has fully finished.
func (o *Outcome) Done() <-chan struct{} { return o.done }

// Err returns the terminal error, or nil for a clean completion. Valid once
// Done is closed. Cancellation surfaces as a fault with code cancelled.
func (o *Outcome) Err() error {
	if p := o.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (o *Outcome) setErr(err error) { o.err.Store(&err) }

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithASR sets the speech recognition backend. Audio inputs fail with
// asr_error when absent.
func WithASR(p asr.Provider) Option {
	return func(o *Orchestrator) { o.asr = p }
}

// WithASROptions sets recognition defaults (language, hotwords) merged into
// every transcription call.
func WithASROptions(opts asr.Options) Option {
	return func(o *Orchestrator) { o.asrOpts = opts }
}

// WithAudioRetention overrides how long finished requests keep their audio
// segments fetchable.
func WithAudioRetention(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.audioTTL = d
		}
	}
}

// WithHistory wires the conversation memory.
func WithHistory(h History) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithIntentConfig overrides the classification phrase tables.
func WithIntentConfig(cfg IntentConfig) Option {
	return func(o *Orchestrator) { o.classifier = NewClassifier(cfg) }
}

// WithSegmenterConfig sets the default chunking bounds.
func WithSegmenterConfig(cfg segment.Config) Option {
	return func(o *Orchestrator) { o.segCfg = cfg }
}

// WithTimeouts overrides the deadline set.
func WithTimeouts(t Timeouts) Option {
	return func(o *Orchestrator) { o.timeouts = t }
}

// WithTTSInFlight bounds concurrent synthesis per request. Default 2.
func WithTTSInFlight(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.ttsInFlight = n
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator coordinates every conversation request. Safe for concurrent
// use; each request runs its own pipeline.
type Orchestrator struct {
	registry   *request.Registry
	store      events.Store
	rag        rag.Provider
	dispatcher *dispatch.Dispatcher
	asr        asr.Provider
	asrOpts    asr.Options
	history    History
	classifier *Classifier

	segCfg      segment.Config
	timeouts    Timeouts
	ttsInFlight int
	audioTTL    time.Duration
	logger      *slog.Logger
	metrics     *observe.Metrics

	audio audioStore
}

// New creates an Orchestrator. registry, store, ragProvider and dispatcher
// are required; the rest arrives via options.
func New(registry *request.Registry, store events.Store, ragProvider rag.Provider, dispatcher *dispatch.Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		store:       store,
		rag:         ragProvider,
		dispatcher:  dispatcher,
		classifier:  NewClassifier(IntentConfig{}),
		segCfg:      segment.DefaultConfig(),
		timeouts:    DefaultTimeouts(),
		ttsInFlight: defaultTTSInFlight,
		audioTTL:    audioRetention,
		logger:      slog.Default(),
		metrics:     observe.DefaultMetrics(),
		audio:       audioStore{byRequest: make(map[string]*requestAudio)},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run admits and starts one request. A non-nil error means admission failed
// (rate limit, validation); otherwise the Outcome's channels carry the
// response and the terminal state arrives via [Outcome.Err].
//
// ctx is the caller's lifetime: when it ends (client disconnect), the
// request is cancelled.
func (o *Orchestrator) Run(ctx context.Context, in Input) (*Outcome, error) {
	if in.ClientID == "" {
		return nil, fault.New(fault.CodeBadRequest, "client id required")
	}
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	if in.Kind == "" {
		in.Kind = request.KindAsk
	}
	if in.Question == "" && len(in.Audio) == 0 {
		return nil, fault.New(fault.CodeBadRequest, "question or audio required")
	}

	req, err := o.registry.Admit(in.ClientID, in.RequestID, in.Kind, in.ParentID)
	if err != nil {
		return nil, err
	}

	o.emit(req, events.KindApp, events.NameSubmit, events.LevelInfo, map[string]any{
		"kind":         string(in.Kind),
		"question_len": len(in.Question),
		"audio_bytes":  len(in.Audio),
	})
	o.audio.open(in.RequestID)

	textCh := make(chan TextDelta, queueCap)
	segCh := make(chan AudioSegment, queueCap)
	out := &Outcome{
		RequestID: in.RequestID,
		Text:      textCh,
		Segments:  segCh,
		done:      make(chan struct{}),
	}

	go o.runRequest(ctx, req, in, out, textCh, segCh)
	return out, nil
}

// runRequest owns the request lifecycle: it derives the cancellable context,
// runs the pipeline, records exactly one terminal event, and finalizes the
// registry entry.
func (o *Orchestrator) runRequest(parent context.Context, req *request.Request, in Input, out *Outcome, textCh chan TextDelta, segCh chan AudioSegment) {
	defer close(out.done)

	kindAttr := metric.WithAttributes(observe.Attr("kind", string(req.Kind)))
	o.metrics.ActiveRequests.Add(parent, 1, kindAttr)

	ctx, cancelToken := req.Token.Context(parent)
	defer cancelToken()
	ctx, cancelHard := context.WithTimeout(ctx, o.timeouts.Hard)
	defer cancelHard()

	answer, err := o.pipeline(ctx, req, in, textCh, segCh)
	close(textCh)
	close(segCh)

	status := "ok"
	switch {
	case err == nil:
		o.emit(req, events.KindApp, events.NameDone, events.LevelInfo, nil)
		o.appendHistory(req.ClientID, in, answer)

	case o.isCancellation(ctx, req, err):
		status = "cancelled"
		reason := o.cancelReason(ctx, req)
		o.emit(req, events.KindApp, events.NameCancelled, events.LevelInfo, map[string]any{
			"reason": string(reason),
		})
		if reason == cancel.ReasonTimeout {
			out.setErr(fault.New(fault.CodeTimeout, "request deadline exceeded"))
		} else {
			out.setErr(fault.New(fault.CodeCancelled, "request cancelled"))
		}

	default:
		status = "error"
		fe := fault.As(err)
		if fe == nil {
			o.logger.Error("request failed with internal error",
				"request_id", req.ID, "error", err)
			fe = fault.Wrap(fault.CodeInternal, "request failed", err)
		}
		o.emit(req, events.KindErr, events.NameError, events.LevelError, map[string]any{
			"code":    string(fe.Code),
			"message": fe.Message,
		})
		out.setErr(fe)
	}

	o.registry.Complete(req.ID)
	o.audio.finish(req.ID)

	o.metrics.ActiveRequests.Add(parent, -1, kindAttr)
	o.metrics.RequestDuration.Record(parent, time.Since(req.CreatedAt).Seconds(),
		metric.WithAttributes(
			observe.Attr("kind", string(req.Kind)),
			observe.Attr("status", status),
		))
}

// isCancellation reports whether err reflects the request being cancelled or
// timed out rather than a stage failure.
func (o *Orchestrator) isCancellation(ctx context.Context, req *request.Request, err error) bool {
	if req.Token.Fired() {
		return true
	}
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// cancelReason resolves why the request ended early. A hard-deadline expiry
// fires the token so later observers see the request as cancelled.
func (o *Orchestrator) cancelReason(ctx context.Context, req *request.Request) cancel.Reason {
	if req.Token.Fired() {
		return req.Token.Reason()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		req.Token.Fire(cancel.ReasonTimeout)
		return cancel.ReasonTimeout
	}
	req.Token.Fire(cancel.ReasonDisconnect)
	return cancel.ReasonDisconnect
}

// appendHistory records a completed ask turn. Best-effort: failures log.
func (o *Orchestrator) appendHistory(clientID string, in Input, answer string) {
	if o.history == nil || in.Kind != request.KindAsk || answer == "" {
		return
	}
	question := in.Question
	if question == "" {
		question = "(voice)"
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	if err := o.history.AppendTurn(ctx, clientID, question, answer); err != nil {
		o.logger.Warn("history append failed", "client_id", clientID, "error", err)
	}
}

// recentTurns fetches conversation context. Best-effort.
func (o *Orchestrator) recentTurns(ctx context.Context, clientID string) []rag.Turn {
	if o.history == nil {
		return nil
	}
	turns, err := o.history.RecentTurns(ctx, clientID, historyDepth)
	if err != nil {
		o.logger.Warn("history fetch failed", "client_id", clientID, "error", err)
		return nil
	}
	return turns
}

// emit appends one event; append never blocks the pipeline.
func (o *Orchestrator) emit(req *request.Request, kind events.Kind, name string, level events.Level, fields map[string]any) {
	o.store.Append(events.Event{
		RequestID: req.ID,
		ClientID:  req.ClientID,
		TS:        time.Now(),
		Kind:      kind,
		Name:      name,
		Level:     level,
		Fields:    fields,
	})
}

// ── audio segment store ──────────────────────────────────────────────────

// Segment returns a delivered audio segment for /tts_stream retrieval.
func (o *Orchestrator) Segment(requestID string, seq int) (AudioSegment, bool) {
	return o.audio.segment(requestID, seq)
}

// SegmentCount returns how many segments a request has delivered so far.
func (o *Orchestrator) SegmentCount(requestID string) int {
	return o.audio.count(requestID)
}

// SweepAudio drops segment buffers of requests finished longer ago than the
// retention window. Called periodically by the server.
func (o *Orchestrator) SweepAudio() int {
	return o.audio.sweep(time.Now(), o.audioTTL)
}

type requestAudio struct {
	segments map[int]AudioSegment
	done     bool
	doneAt   time.Time
}

type audioStore struct {
	mu        sync.Mutex
	byRequest map[string]*requestAudio
}

func (s *audioStore) open(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRequest[requestID] = &requestAudio{segments: make(map[int]AudioSegment)}
}

func (s *audioStore) add(seg AudioSegment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ra, ok := s.byRequest[seg.RequestID]; ok {
		ra.segments[seg.Seq] = seg
	}
}

func (s *audioStore) segment(requestID string, seq int) (AudioSegment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ra, ok := s.byRequest[requestID]
	if !ok {
		return AudioSegment{}, false
	}
	seg, ok := ra.segments[seq]
	return seg, ok
}

func (s *audioStore) count(requestID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ra, ok := s.byRequest[requestID]; ok {
		return len(ra.segments)
	}
	return 0
}

func (s *audioStore) finish(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ra, ok := s.byRequest[requestID]; ok {
		ra.done = true
		ra.doneAt = time.Now()
	}
}

func (s *audioStore) sweep(now time.Time, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, ra := range s.byRequest {
		if ra.done && now.Sub(ra.doneAt) > ttl {
			delete(s.byRequest, id)
			removed++
		}
	}
	return removed
}
