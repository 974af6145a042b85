package events

// Timings is the latency summary derived from one request's event log.
// Pointer fields are nil when an anchor event is missing, which serialises
// to JSON null.
type Timings struct {
	SubmitToRAGFirstChunkMS *int64 `json:"submit_to_rag_first_chunk_ms"`
	SubmitToRAGFirstTextMS  *int64 `json:"submit_to_rag_first_text_ms"`
	SubmitToFirstSegmentMS  *int64 `json:"submit_to_first_segment_ms"`
	SubmitToTTSFirstAudioMS *int64 `json:"submit_to_tts_first_audio_ms"`
	SubmitToPlayEndMS       *int64 `json:"submit_to_play_end_ms"`
	RAGDurationMS           *int64 `json:"rag_duration_ms"`
	TTSCount                int    `json:"tts_count"`
}

// anchorPair names the start and end events of one derived interval.
type anchorPair struct {
	start, end string
}

// deriveTable maps each interval to its anchors. The first occurrence of
// each anchor name wins.
var deriveTable = map[string]anchorPair{
	"submit_to_rag_first_chunk_ms": {NameSubmit, NameRAGFirstChunk},
	"submit_to_rag_first_text_ms":  {NameSubmit, NameRAGFirstText},
	"submit_to_first_segment_ms":   {NameSubmit, NameFirstSegment},
	"submit_to_tts_first_audio_ms": {NameSubmit, NameTTSFirstAudio},
	"submit_to_play_end_ms":        {NameSubmit, NamePlayEnd},
	"rag_duration_ms":              {NameRAGFirstChunk, NameRAGDone},
}

// deriveTimings computes the summary from events already in timestamp order.
func deriveTimings(evs []Event) Timings {
	first := make(map[string]int64, 8)
	ttsCount := 0
	for _, e := range evs {
		if _, seen := first[e.Name]; !seen {
			first[e.Name] = e.TSMillis
		}
		if e.Name == NameTTSSegment {
			ttsCount++
		}
	}

	interval := func(pair anchorPair) *int64 {
		start, okS := first[pair.start]
		end, okE := first[pair.end]
		if !okS || !okE {
			return nil
		}
		d := end - start
		return &d
	}

	return Timings{
		SubmitToRAGFirstChunkMS: interval(deriveTable["submit_to_rag_first_chunk_ms"]),
		SubmitToRAGFirstTextMS:  interval(deriveTable["submit_to_rag_first_text_ms"]),
		SubmitToFirstSegmentMS:  interval(deriveTable["submit_to_first_segment_ms"]),
		SubmitToTTSFirstAudioMS: interval(deriveTable["submit_to_tts_first_audio_ms"]),
		SubmitToPlayEndMS:       interval(deriveTable["submit_to_play_end_ms"]),
		RAGDurationMS:           interval(deriveTable["rag_duration_ms"]),
		TTSCount:                ttsCount,
	}
}
