// Package events implements the per-request telemetry timeline: an
// append-only event log with bounded retention, live streaming for the
// /events SSE endpoint, and latency derivation.
//
// Each request id owns an independent log. Appends for one request are
// serialised by the store so insertion order and timestamps are monotonic;
// readers always see an immutable prefix. Two backends exist: the in-process
// ring store (default) and a postgres-backed log for deployments that need
// the timeline to survive restarts.
package events

import (
	"time"
)

// Kind groups events by the pipeline stage that emitted them.
type Kind string

const (
	KindNav Kind = "nav" // tour navigation: start, next, interrupt, …
	KindRAG Kind = "rag"
	KindTTS Kind = "tts"
	KindASR Kind = "asr"
	KindApp Kind = "app" // request lifecycle: submit, done, cancelled
	KindErr Kind = "err"
)

// Level is the severity attached to an event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Well-known event names. The derivation table in derive.go and the terminal
// detection in the stores key off these.
const (
	NameSubmit        = "submit"
	NameASRBegin      = "asr_begin"
	NameASRDone       = "asr_done"
	NameRAGFirstChunk = "rag_first_chunk"
	NameRAGFirstText  = "rag_first_text"
	NameRAGDone       = "rag_done"
	NameRAGPartial    = "rag_partial"
	NameFirstSegment  = "first_segment"
	NameTTSFirstAudio = "tts_first_audio"
	NameTTSSegment    = "tts_segment_done"
	NameTTSSkipped    = "tts_segment_skipped"
	NameTTSAllDone    = "tts_all_done"
	NamePlayEnd       = "play_end"
	NameDone          = "done"
	NameError         = "error"
	NameCancelled     = "cancelled"
	NameDropped       = "dropped"
)

// Event is one entry in a request's timeline.
type Event struct {
	RequestID string         `json:"request_id"`
	ClientID  string         `json:"client_id"`
	TS        time.Time      `json:"-"`
	Kind      Kind           `json:"kind"`
	Name      string         `json:"name"`
	Level     Level          `json:"level"`
	Fields    map[string]any `json:"fields,omitempty"`

	// TSMillis mirrors TS for wire encoding; the store fills it on append.
	TSMillis int64 `json:"ts_ms"`
}

// Terminal reports whether e ends its request's timeline. Exactly one
// terminal event appears per request.
func (e Event) Terminal() bool {
	switch e.Name {
	case NameDone, NameError, NameCancelled:
		return true
	}
	return false
}
