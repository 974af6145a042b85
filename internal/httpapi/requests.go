package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/openmuse/docent/internal/cancel"
	"github.com/openmuse/docent/internal/events"
	"github.com/openmuse/docent/internal/fault"
	"github.com/openmuse/docent/internal/request"
	"github.com/openmuse/docent/pkg/provider/asr"
)

// handleTTSStream serves one synthesised audio segment of an existing
// request. Downloads count against the client's tts rate window.
func (s *Server) handleTTSStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("request_id")
	if id == "" {
		s.writeFault(w, r, fault.New(fault.CodeBadRequest, "request_id query parameter required"))
		return
	}
	seq, err := strconv.Atoi(q.Get("seq"))
	if err != nil || seq < 0 {
		s.writeFault(w, r, fault.New(fault.CodeBadRequest, "seq must be a non-negative integer"))
		return
	}

	if err := s.registry.Reserve(clientID(r), request.KindTTS); err != nil {
		s.metrics.RecordRejection(r.Context(), string(request.KindTTS), string(fault.As(err).Code))
		s.writeFault(w, r, err)
		return
	}

	seg, ok := s.orch.Segment(id, seq)
	if !ok {
		s.writeFault(w, r, fault.New(fault.CodeNotFound, "audio segment not found"))
		return
	}

	ct := seg.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(seg.Bytes)))
	w.Header().Set("X-TTS-Provider", seg.Provider)
	_, _ = w.Write(seg.Bytes)
}

// handleSpeechToText runs blocking recognition on an uploaded utterance.
func (s *Server) handleSpeechToText(w http.ResponseWriter, r *http.Request) {
	if s.asr == nil {
		s.writeFault(w, r, fault.New(fault.CodeASRError, "speech recognition not configured"))
		return
	}

	audio, format, err := readUtterance(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}

	req, err := s.registry.Admit(clientID(r), requestID(r), request.KindASR, "")
	if err != nil {
		s.metrics.RecordRejection(r.Context(), string(request.KindASR), string(fault.As(err).Code))
		s.writeFault(w, r, err)
		return
	}
	defer s.registry.Complete(req.ID)
	s.metrics.RecordAdmission(r.Context(), string(request.KindASR))

	ctx, stop := req.Token.Context(r.Context())
	defer stop()
	ctx, cancelFn := context.WithTimeout(ctx, s.asrTimeout)
	defer cancelFn()

	start := time.Now()
	transcript, err := s.asr.Transcribe(ctx, audio, asr.Options{Format: format})
	if err != nil {
		s.writeFault(w, r, fault.Wrap(fault.CodeASRError, "speech recognition failed", err))
		return
	}
	s.metrics.ASRDuration.Record(r.Context(), time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": req.ID,
		"text":       transcript.Text,
	})
}

// readUtterance extracts the audio payload from a multipart form (field
// "audio") or, for simple clients, the raw body.
func readUtterance(r *http.Request) ([]byte, string, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/") {
		if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
			return nil, "", fault.Wrap(fault.CodeBadRequest, "invalid multipart body", err)
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			return nil, "", fault.Wrap(fault.CodeBadRequest, `multipart field "audio" required`, err)
		}
		defer file.Close()
		audio, err := io.ReadAll(io.LimitReader(file, maxAudioBytes))
		if err != nil {
			return nil, "", fault.Wrap(fault.CodeBadRequest, "failed to read audio", err)
		}
		format := strings.TrimPrefix(path.Ext(header.Filename), ".")
		if v := r.FormValue("format"); v != "" {
			format = v
		}
		return audio, format, nil
	}

	audio, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBytes))
	if err != nil {
		return nil, "", fault.Wrap(fault.CodeBadRequest, "failed to read audio", err)
	}
	if len(audio) == 0 {
		return nil, "", fault.New(fault.CodeBadRequest, "audio payload required")
	}
	return audio, "", nil
}

// cancelRequest is the /cancel body.
type cancelRequest struct {
	RequestID string   `json:"request_id,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Kinds     []string `json:"kinds,omitempty"`
}

// handleCancel fires cancellation for one request or for a client's active
// set. Cancelling finished or unknown work counts zero.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeFault(w, r, err)
		return
	}
	if body.RequestID == "" && body.ClientID == "" {
		s.writeFault(w, r, fault.New(fault.CodeBadRequest, "request_id or client_id required"))
		return
	}

	cancelled := 0
	if body.RequestID != "" {
		if s.fabric.CancelRequest(body.RequestID, cancel.ReasonUser) {
			cancelled++
		}
	}
	if body.ClientID != "" {
		cancelled += s.fabric.CancelClient(body.ClientID, cancel.ReasonUser, body.Kinds...)
	}
	for i := 0; i < cancelled; i++ {
		s.metrics.RecordCancellation(r.Context(), string(cancel.ReasonUser))
	}

	writeJSON(w, http.StatusOK, map[string]int{"cancelled": cancelled})
}

// statusResponse is the /status body.
type statusResponse struct {
	RequestID string         `json:"request_id"`
	Active    bool           `json:"active"`
	Cancelled bool           `json:"cancelled"`
	Kind      string         `json:"kind,omitempty"`
	TTSState  ttsState       `json:"tts_state"`
	DerivedMS events.Timings `json:"derived_ms"`
	LastError *errorBody     `json:"last_error,omitempty"`
}

type ttsState struct {
	Count int `json:"count"`
}

// handleStatus reports a request's lifecycle, latency summary, and delivered
// segment count.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("request_id")
	if id == "" {
		s.writeFault(w, r, fault.New(fault.CodeBadRequest, "request_id query parameter required"))
		return
	}

	evs, err := s.store.Query(r.Context(), id, time.Time{}, 0)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	req, active := s.registry.Get(id)
	if len(evs) == 0 && !active {
		s.writeFault(w, r, fault.New(fault.CodeNotFound, "unknown request"))
		return
	}

	resp := statusResponse{
		RequestID: id,
		Active:    active,
		TTSState:  ttsState{Count: s.orch.SegmentCount(id)},
	}
	if active {
		resp.Kind = string(req.Kind)
	}

	if token, ok := s.fabric.Lookup(id); ok {
		resp.Cancelled = token.Fired()
	}
	for _, e := range evs {
		switch e.Name {
		case events.NameCancelled:
			resp.Cancelled = true
		case events.NameError:
			code, _ := e.Fields["code"].(string)
			message, _ := e.Fields["message"].(string)
			resp.LastError = &errorBody{Code: code, Message: message}
		}
	}

	if resp.DerivedMS, err = s.store.Derive(r.Context(), id); err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents returns a request's event log. format=json (default) returns
// an array, ndjson one object per line, sse a live stream that ends with the
// terminal event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("request_id")
	if id == "" {
		s.writeFault(w, r, fault.New(fault.CodeBadRequest, "request_id query parameter required"))
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		evs, err := s.store.Query(r.Context(), id, time.Time{}, 0)
		if err != nil {
			s.writeFault(w, r, err)
			return
		}
		if evs == nil {
			evs = []events.Event{}
		}
		writeJSON(w, http.StatusOK, evs)

	case "ndjson":
		evs, err := s.store.Query(r.Context(), id, time.Time{}, 0)
		if err != nil {
			s.writeFault(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for _, e := range evs {
			if err := enc.Encode(e); err != nil {
				return
			}
		}

	case "sse":
		s.streamEvents(w, r, id)

	default:
		s.writeFault(w, r, fault.New(fault.CodeBadRequest, "format must be json, ndjson or sse"))
	}
}

// streamEvents follows a request's live event feed until its terminal event.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, id string) {
	feed, err := s.store.Stream(r.Context(), id)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case e, ok := <-feed:
			if !ok {
				return
			}
			if err := sse.send(e.Name, e); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := sse.send("heartbeat", map[string]any{
				"type": "heartbeat", "ts_ms": time.Now().UnixMilli(),
			}); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
