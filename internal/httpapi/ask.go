package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openmuse/docent/internal/cancel"
	"github.com/openmuse/docent/internal/fault"
	"github.com/openmuse/docent/internal/orchestrator"
	"github.com/openmuse/docent/internal/request"
)

// askRequest is the /ask body.
type askRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Style     string `json:"style,omitempty"`
	DurationS int    `json:"duration_s,omitempty"`
}

// handleAsk admits a question and streams the answer as SSE. Audio segments
// are announced with audio_ready frames and fetched through /tts_stream.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var body askRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeFault(w, r, err)
		return
	}

	kind := request.KindAsk
	switch body.Kind {
	case "", string(request.KindAsk):
	case string(request.KindWakeWord):
		kind = request.KindWakeWord
	default:
		s.writeFault(w, r, fault.New(fault.CodeBadRequest,
			fmt.Sprintf("kind %q not accepted here", body.Kind)))
		return
	}

	in := orchestrator.Input{
		RequestID: requestID(r),
		ClientID:  clientID(r),
		Kind:      kind,
		Question:  body.Question,
		SessionID: body.SessionID,
		Style:     body.Style,
		DurationS: body.DurationS,
	}

	out, err := s.orch.Run(r.Context(), in)
	if err != nil {
		f := fault.As(err)
		s.metrics.RecordRejection(r.Context(), string(kind), string(f.Code))
		s.writeFault(w, r, err)
		return
	}
	s.metrics.RecordAdmission(r.Context(), string(kind))

	// A question arriving mid-tour interrupts the narration. The machine
	// no-ops unless a tour is actually running.
	if mach, ok := s.tours.Peek(in.ClientID); ok && kind == request.KindAsk {
		mach.Interrupt(out)
	}

	s.streamAsk(w, r, out)
}

// streamAsk relays an outcome's channels as SSE frames until the request
// finishes or the client leaves.
func (s *Server) streamAsk(w http.ResponseWriter, r *http.Request, out *orchestrator.Outcome) {
	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeFault(w, r, err)
		drainOutcome(out)
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	text := out.Text
	segments := out.Segments
	for text != nil || segments != nil {
		select {
		case d, ok := <-text:
			if !ok {
				text = nil
				continue
			}
			err = sse.send("text", map[string]any{
				"type": "text", "seq": d.Seq, "delta": d.Delta,
			})

		case seg, ok := <-segments:
			if !ok {
				segments = nil
				continue
			}
			err = sse.send("audio_ready", map[string]any{
				"type":         "audio_ready",
				"request_id":   seg.RequestID,
				"seq":          seg.Seq,
				"content_type": seg.ContentType,
			})

		case <-heartbeat.C:
			err = sse.send("heartbeat", map[string]any{
				"type": "heartbeat", "ts_ms": time.Now().UnixMilli(),
			})

		case <-r.Context().Done():
			err = r.Context().Err()
		}

		if err != nil {
			// A failed write means the client left; the pipeline still has
			// to drain so the producers can finish.
			s.fabric.CancelRequest(out.RequestID, cancel.ReasonDisconnect)
			s.metrics.RecordCancellation(r.Context(), string(cancel.ReasonDisconnect))
			drainOutcome(out)
			return
		}
	}

	<-out.Done()
	switch ferr := out.Err(); {
	case ferr == nil:
		_ = sse.send("done", map[string]any{
			"type": "done", "request_id": out.RequestID,
		})
	case fault.Is(ferr, fault.CodeCancelled):
		_ = sse.send("done", map[string]any{
			"type": "done", "request_id": out.RequestID, "cancelled": true,
		})
	default:
		f := fault.As(ferr)
		_ = sse.send("error", map[string]any{
			"type":           "error",
			"code":           string(f.Code),
			"message":        f.Message,
			"retriable":      f.Retriable,
			"retry_after_ms": f.RetryAfter.Milliseconds(),
		})
	}
}

// drainOutcome consumes an abandoned outcome so its producers unblock.
func drainOutcome(out *orchestrator.Outcome) {
	go func() {
		for range out.Text {
		}
	}()
	go func() {
		for range out.Segments {
		}
	}()
}

// sseWriter frames SSE events over a flushable response.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fault.New(fault.CodeInternal, "streaming unsupported by connection")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, nil
}

// send writes one "event:"/"data:" frame and flushes it.
func (s *sseWriter) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
