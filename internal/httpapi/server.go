// Package httpapi is the HTTP and SSE surface of the docent server.
//
// Every conversational endpoint requires an X-Client-ID header; X-Request-ID
// is optional and generated when absent. Errors share one JSON envelope with
// the fault code, a client-safe message, and an optional retry-after hint.
// Streaming answers go out as SSE frames; audio segments are fetched
// separately through /tts_stream.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openmuse/docent/internal/cancel"
	"github.com/openmuse/docent/internal/events"
	"github.com/openmuse/docent/internal/fault"
	"github.com/openmuse/docent/internal/health"
	"github.com/openmuse/docent/internal/history"
	"github.com/openmuse/docent/internal/observe"
	"github.com/openmuse/docent/internal/orchestrator"
	"github.com/openmuse/docent/internal/request"
	"github.com/openmuse/docent/internal/tour"
	"github.com/openmuse/docent/pkg/provider/asr"
)

const (
	// defaultHeartbeat is the SSE keep-alive cadence.
	defaultHeartbeat = 15 * time.Second

	// defaultASRTimeout bounds a blocking /speech_to_text call.
	defaultASRTimeout = 10 * time.Second

	// maxBodyBytes bounds JSON request bodies.
	maxBodyBytes = 1 << 20

	// maxAudioBytes bounds an uploaded utterance.
	maxAudioBytes = 16 << 20
)

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithASR enables the /speech_to_text endpoint.
func WithASR(p asr.Provider) Option {
	return func(s *Server) { s.asr = p }
}

// WithHistory wires tour breakpoint persistence.
func WithHistory(h history.Store) Option {
	return func(s *Server) { s.history = h }
}

// WithHealth mounts the liveness and readiness handlers.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHeartbeat overrides the SSE heartbeat cadence.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithASRTimeout bounds /speech_to_text calls.
func WithASRTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.asrTimeout = d
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server holds the handler dependencies. Construct with [New], mount with
// [Server.Router].
type Server struct {
	orch     *orchestrator.Orchestrator
	registry *request.Registry
	fabric   *cancel.Fabric
	store    events.Store
	tours    *tour.Manager

	asr     asr.Provider
	history history.Store
	health  *health.Handler
	metrics *observe.Metrics

	heartbeat  time.Duration
	asrTimeout time.Duration
	logger     *slog.Logger
}

// New creates a Server. orch, registry, fabric, store and tours are required;
// the rest arrives via options.
func New(orch *orchestrator.Orchestrator, registry *request.Registry, fabric *cancel.Fabric, store events.Store, tours *tour.Manager, opts ...Option) *Server {
	s := &Server{
		orch:       orch,
		registry:   registry,
		fabric:     fabric,
		store:      store,
		tours:      tours,
		heartbeat:  defaultHeartbeat,
		asrTimeout: defaultASRTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	if s.health != nil {
		r.Get("/healthz", s.health.Healthz)
		r.Get("/readyz", s.health.Readyz)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.identify)

		r.Post("/ask", s.handleAsk)
		r.Get("/tts_stream", s.handleTTSStream)
		r.Post("/speech_to_text", s.handleSpeechToText)
		r.Post("/cancel", s.handleCancel)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)

		r.Route("/tour", func(r chi.Router) {
			r.Post("/start", s.handleTourStart)
			r.Post("/pause", s.handleTourPause)
			r.Post("/resume", s.handleTourResume)
			r.Post("/next", s.handleTourNext)
			r.Post("/prev", s.handleTourPrev)
			r.Post("/jump", s.handleTourJump)
			r.Post("/stop", s.handleTourStop)
			r.Post("/reset", s.handleTourReset)
			r.Get("/state", s.handleTourState)
		})
	})

	return r
}

// ── request identity ─────────────────────────────────────────────────────

type ctxKey int

const (
	ctxClientID ctxKey = iota
	ctxRequestID
)

// identify enforces the X-Client-ID header and assigns a request id when the
// caller did not bring one.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.Header.Get("X-Client-ID")
		if clientID == "" {
			s.writeFault(w, r, fault.New(fault.CodeBadRequest, "X-Client-ID header required"))
			return
		}
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), ctxClientID, clientID)
		ctx = context.WithValue(ctx, ctxRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientID(r *http.Request) string {
	id, _ := r.Context().Value(ctxClientID).(string)
	return id
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxRequestID).(string)
	return id
}

// ── response helpers ─────────────────────────────────────────────────────

// errorBody is the error envelope shared by every endpoint.
type errorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Retriable    bool   `json:"retriable"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// statusFor maps a fault code onto an HTTP status.
func statusFor(code fault.Code) int {
	switch code {
	case fault.CodeBadRequest:
		return http.StatusBadRequest
	case fault.CodeNotFound:
		return http.StatusNotFound
	case fault.CodeRateLimited:
		return http.StatusTooManyRequests
	case fault.CodeCancelled:
		return http.StatusConflict
	case fault.CodeTimeout:
		return http.StatusGatewayTimeout
	case fault.CodeASRError, fault.CodeRAGError, fault.CodeRAGPartial, fault.CodeTTSError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// envelope converts a fault into the wire error shape.
func envelope(f *fault.Fault) errorBody {
	return errorBody{
		Code:         string(f.Code),
		Message:      f.Message,
		Retriable:    f.Retriable,
		RetryAfterMS: f.RetryAfter.Milliseconds(),
	}
}

func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	f := fault.As(err)
	if f.Code == fault.CodeInternal {
		s.logger.Error("request failed",
			"path", r.URL.Path, "client_id", clientID(r), "error", err)
	}
	if f.RetryAfter > 0 {
		secs := int64((f.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, statusFor(f.Code), envelope(f))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON parses a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.CodeBadRequest, "invalid JSON body", err)
	}
	return nil
}
