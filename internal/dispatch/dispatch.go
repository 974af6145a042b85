// Package dispatch routes synthesis requests to the configured TTS backend
// and handles failover.
//
// The dispatcher owns provider selection: it holds the primary backend, an
// optional fallback backend, a per-provider circuit breaker, and the
// per-provider voice table. Failover is deliberately narrow: a segment is
// retried on the fallback exactly once, and only when the primary delivered
// zero audio bytes. Once any audio for a segment has been sent downstream,
// switching providers would audibly change the voice mid-sentence, so a
// partially delivered segment fails instead.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/openmuse/docent/internal/fault"
	"github.com/openmuse/docent/internal/observe"
	"github.com/openmuse/docent/internal/resilience"
	"github.com/openmuse/docent/pkg/provider/tts"
)

const (
	defaultFirstByteTimeout = 6 * time.Second

	outChanBuf = 16
)

// Option is a functional option for configuring a Dispatcher.
type Option func(*Dispatcher)

// WithFallback registers the fallback backend tried when the primary
// delivers zero bytes.
func WithFallback(p tts.Provider) Option {
	return func(d *Dispatcher) { d.fallback = p }
}

// WithVoice sets the voice used for a specific provider. Voice identifiers
// are provider-specific, so each backend carries its own entry.
func WithVoice(name tts.Name, voice tts.VoiceConfig) Option {
	return func(d *Dispatcher) { d.voices[name] = voice }
}

// WithFirstByteTimeout bounds the wait for the first audio frame of a
// segment. Expiry counts as a zero-byte failure and triggers failover.
// Defaults to 6s.
func WithFirstByteTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.firstByteTimeout = timeout }
}

// WithBreakerConfig tunes the per-provider circuit breakers.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(d *Dispatcher) { d.breakerCfg = cfg }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher selects a TTS backend per segment and fails over once on
// zero-byte failures. Safe for concurrent use; the pipeline synthesises
// several segments of one request in parallel.
type Dispatcher struct {
	primary  tts.Provider
	fallback tts.Provider

	voices           map[tts.Name]tts.VoiceConfig
	firstByteTimeout time.Duration
	breakerCfg       resilience.CircuitBreakerConfig
	breakers         map[tts.Name]*resilience.CircuitBreaker
	logger           *slog.Logger
	metrics          *observe.Metrics
}

// New creates a Dispatcher with primary as the preferred backend.
func New(primary tts.Provider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		primary:          primary,
		voices:           make(map[tts.Name]tts.VoiceConfig),
		firstByteTimeout: defaultFirstByteTimeout,
		logger:           slog.Default(),
		metrics:          observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(d)
	}

	d.breakers = make(map[tts.Name]*resilience.CircuitBreaker)
	for _, p := range []tts.Provider{d.primary, d.fallback} {
		if p == nil {
			continue
		}
		cfg := d.breakerCfg
		cfg.Name = string(p.Name())
		d.breakers[p.Name()] = resilience.NewCircuitBreaker(cfg)
	}
	return d
}

// source identifies the backend currently feeding a Result.
type source struct {
	name        tts.Name
	contentType string
}

// Result is one dispatched synthesis. Frames is closed when synthesis
// completes, fails, or the context is cancelled; callers must drain it and
// then check [Result.Err].
type Result struct {
	// Frames emits the segment's audio in provider-native framing.
	Frames <-chan []byte

	src      atomic.Pointer[source]
	err      atomic.Pointer[error]
	fellBack atomic.Bool
	bytes    atomic.Int64
}

// Provider returns the backend that served (or is serving) the segment.
// Stable once the first frame has been delivered.
func (r *Result) Provider() tts.Name { return r.src.Load().name }

// ContentType returns the MIME type of the frames. Stable once the first
// frame has been delivered.
func (r *Result) ContentType() string { return r.src.Load().contentType }

// UsedFallback reports whether the fallback backend served the segment.
func (r *Result) UsedFallback() bool { return r.fellBack.Load() }

// Bytes returns the number of audio bytes delivered so far.
func (r *Result) Bytes() int64 { return r.bytes.Load() }

// Err returns the error that ended the stream, or nil after a clean
// completion. Valid once Frames is closed.
func (r *Result) Err() error {
	if p := r.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *Result) setErr(err error) { r.err.Store(&err) }

func (r *Result) adopt(p tts.Provider) {
	r.src.Store(&source{name: p.Name(), contentType: p.ContentType()})
}

// Synthesize dispatches one text segment. A non-nil error return means no
// backend could start a stream; otherwise the returned Result carries the
// audio and any mid-stream failure.
func (d *Dispatcher) Synthesize(ctx context.Context, text string) (*Result, error) {
	out := make(chan []byte, outChanBuf)
	res := &Result{Frames: out}

	stream, err := d.startStream(ctx, d.primary, text, res)
	if err != nil {
		// Primary refused before any stream existed; this consumes the
		// single fallback attempt.
		if d.fallback == nil {
			return nil, err
		}
		d.logger.Warn("primary synthesis backend unavailable, using fallback",
			"primary", d.primary.Name(), "error", err)
		res.fellBack.Store(true)
		d.metrics.TTSFallbacks.Add(ctx, 1)
		stream, err = d.startStream(ctx, d.fallback, text, res)
		if err != nil {
			return nil, err
		}
		go d.pump(ctx, stream, d.fallback, text, res, out, false)
		return res, nil
	}

	go d.pump(ctx, stream, d.primary, text, res, out, d.fallback != nil)
	return res, nil
}

// startStream opens a stream on p, consulting its breaker. On a start
// error the breaker records the failure immediately; on success the caller
// records the final outcome from pump.
func (d *Dispatcher) startStream(ctx context.Context, p tts.Provider, text string, res *Result) (*tts.Stream, error) {
	if p == nil {
		return nil, fault.New(fault.CodeTTSError, "no synthesis backend available")
	}

	breaker := d.breakers[p.Name()]
	if !breaker.Allow() {
		return nil, fault.New(fault.CodeTTSError,
			"synthesis backend "+string(p.Name())+" unavailable")
	}

	stream, err := p.StreamTTS(ctx, text, d.voices[p.Name()])
	if err != nil {
		breaker.Record(err)
		d.metrics.RecordProviderRequest(ctx, string(p.Name()), "tts", "error")
		d.metrics.RecordProviderError(ctx, string(p.Name()), "tts")
		return nil, fault.Wrap(fault.CodeTTSError, "start synthesis", err)
	}

	res.adopt(p)
	return stream, nil
}

// pump copies frames from stream to out, applying the first-byte timeout
// and, when permitted, one zero-byte failover. It closes out when done.
func (d *Dispatcher) pump(ctx context.Context, stream *tts.Stream, p tts.Provider, text string, res *Result, out chan<- []byte, mayFallBack bool) {
	defer close(out)

	delivered, err := d.copyFrames(ctx, stream, res, out)
	perr := providerErr(ctx, err)
	d.breakers[p.Name()].Record(perr)
	d.recordOutcome(ctx, p, perr)

	if err == nil {
		return
	}
	if ctx.Err() != nil {
		res.setErr(ctx.Err())
		return
	}

	if delivered == 0 && mayFallBack {
		d.logger.Warn("zero-byte synthesis failure, retrying on fallback",
			"primary", p.Name(), "fallback", d.fallback.Name(), "error", err)
		res.fellBack.Store(true)
		d.metrics.TTSFallbacks.Add(ctx, 1)

		fstream, ferr := d.startStream(ctx, d.fallback, text, res)
		if ferr == nil {
			_, ferr = d.copyFrames(ctx, fstream, res, out)
			fperr := providerErr(ctx, ferr)
			d.breakers[d.fallback.Name()].Record(fperr)
			d.recordOutcome(ctx, d.fallback, fperr)
			if ferr == nil {
				return
			}
		}
		res.setErr(fault.Wrap(fault.CodeTTSError, "fallback synthesis", ferr))
		return
	}

	res.setErr(fault.Wrap(fault.CodeTTSError, "synthesis", err))
}

// copyFrames forwards frames until the stream closes, the first-byte timer
// expires, or ctx is cancelled. It returns the byte count delivered.
func (d *Dispatcher) copyFrames(ctx context.Context, stream *tts.Stream, res *Result, out chan<- []byte) (int64, error) {
	timer := time.NewTimer(d.firstByteTimeout)
	defer timer.Stop()
	timeoutC := timer.C

	var delivered int64
	for {
		select {
		case frame, ok := <-stream.Frames:
			if !ok {
				if err := stream.Err(); err != nil {
					return delivered, err
				}
				// Providers close cleanly on cancellation; report the
				// context state so callers can tell the two apart.
				return delivered, ctx.Err()
			}
			timeoutC = nil
			select {
			case out <- frame:
				delivered += int64(len(frame))
				res.bytes.Add(int64(len(frame)))
			case <-ctx.Done():
				go drain(stream)
				return delivered, ctx.Err()
			}

		case <-timeoutC:
			go drain(stream)
			return delivered, fault.New(fault.CodeTimeout, "no audio within first-byte deadline")

		case <-ctx.Done():
			go drain(stream)
			return delivered, ctx.Err()
		}
	}
}

// recordOutcome counts one finished backend stream for metrics. perr has
// caller cancellation already filtered out; cancelled streams stay uncounted.
func (d *Dispatcher) recordOutcome(ctx context.Context, p tts.Provider, perr error) {
	if ctx.Err() != nil {
		return
	}
	if perr == nil {
		d.metrics.RecordProviderRequest(ctx, string(p.Name()), "tts", "ok")
		return
	}
	d.metrics.RecordProviderRequest(ctx, string(p.Name()), "tts", "error")
	d.metrics.RecordProviderError(ctx, string(p.Name()), "tts")
}

// providerErr filters caller cancellation out of breaker accounting; only
// genuine backend failures should trip the breaker.
func providerErr(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// drain releases a provider goroutine blocked on its frame channel.
func drain(stream *tts.Stream) {
	for range stream.Frames {
	}
}
