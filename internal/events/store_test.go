package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/openmuse/docent/internal/events"
)

// appendNamed appends a minimal event with the given name to store.
func appendNamed(s events.Store, requestID, name string, ts time.Time) {
	s.Append(events.Event{
		RequestID: requestID,
		ClientID:  "c1",
		TS:        ts,
		Kind:      events.KindApp,
		Name:      name,
		Level:     events.LevelInfo,
	})
}

func TestRingStore_AppendAndQueryOrder(t *testing.T) {
	t.Parallel()

	s := events.NewRingStore(256)
	base := time.Now()
	appendNamed(s, "r1", events.NameSubmit, base)
	appendNamed(s, "r1", events.NameRAGFirstChunk, base.Add(10*time.Millisecond))
	appendNamed(s, "r1", events.NameDone, base.Add(20*time.Millisecond))

	evs, err := s.Query(context.Background(), "r1", time.Time{}, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("want 3 events, got %d", len(evs))
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].TSMillis < evs[i-1].TSMillis {
			t.Errorf("events out of order at %d: %d < %d", i, evs[i].TSMillis, evs[i-1].TSMillis)
		}
	}
}

func TestRingStore_MonotonicClamp(t *testing.T) {
	t.Parallel()

	s := events.NewRingStore(256)
	base := time.Now()
	appendNamed(s, "r1", "a", base)
	appendNamed(s, "r1", "b", base.Add(-time.Second)) // clock went backwards

	evs, _ := s.Query(context.Background(), "r1", time.Time{}, 0)
	if evs[1].TSMillis < evs[0].TSMillis {
		t.Errorf("timestamps must be clamped monotonic: %d then %d", evs[0].TSMillis, evs[1].TSMillis)
	}
}

func TestRingStore_RetentionDropsOldestWithMarker(t *testing.T) {
	t.Parallel()

	s := events.NewRingStore(256) // minimum retention
	base := time.Now()
	for i := 0; i < 300; i++ {
		appendNamed(s, "r1", "tick", base.Add(time.Duration(i)*time.Millisecond))
	}

	evs, _ := s.Query(context.Background(), "r1", time.Time{}, 0)
	if len(evs) > 256 {
		t.Fatalf("retention exceeded: %d events", len(evs))
	}
	if evs[0].Name != events.NameDropped {
		t.Fatalf("first event should be the dropped marker, got %q", evs[0].Name)
	}
	count, ok := evs[0].Fields["count"].(int64)
	if !ok || count <= 0 {
		t.Errorf("dropped marker should carry a positive count, got %v", evs[0].Fields["count"])
	}
}

func TestRingStore_StreamEndsAtTerminal(t *testing.T) {
	t.Parallel()

	s := events.NewRingStore(256)
	base := time.Now()
	appendNamed(s, "r1", events.NameSubmit, base)

	ch, err := s.Stream(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	appendNamed(s, "r1", events.NameRAGDone, base.Add(time.Millisecond))
	appendNamed(s, "r1", events.NameDone, base.Add(2*time.Millisecond))

	var names []string
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				if len(names) != 3 {
					t.Fatalf("want 3 streamed events, got %v", names)
				}
				if names[len(names)-1] != events.NameDone {
					t.Fatalf("stream should end with done, got %v", names)
				}
				return
			}
			names = append(names, e.Name)
		case <-deadline:
			t.Fatalf("stream did not close after terminal event; got %v", names)
		}
	}
}

func TestRingStore_StreamAfterTerminalReplaysAndCloses(t *testing.T) {
	t.Parallel()

	s := events.NewRingStore(256)
	appendNamed(s, "r1", events.NameSubmit, time.Now())
	appendNamed(s, "r1", events.NameCancelled, time.Now())

	ch, _ := s.Stream(context.Background(), "r1")
	var n int
	for range ch {
		n++
	}
	if n != 2 {
		t.Fatalf("replay of finished request: want 2 events, got %d", n)
	}
}

func TestRingStore_Sweep(t *testing.T) {
	t.Parallel()

	s := events.NewRingStore(256)
	appendNamed(s, "r1", events.NameSubmit, time.Now().Add(-2*time.Hour))
	appendNamed(s, "r1", events.NameDone, time.Now().Add(-2*time.Hour))
	appendNamed(s, "r2", events.NameSubmit, time.Now())

	if removed := s.Sweep(); removed != 1 {
		t.Fatalf("Sweep: want 1 removed, got %d", removed)
	}
	evs, _ := s.Query(context.Background(), "r2", time.Time{}, 0)
	if len(evs) != 1 {
		t.Error("live request must survive the sweep")
	}
}

func TestRingStore_StreamUnknownIDClosesImmediately(t *testing.T) {
	t.Parallel()

	s := events.NewRingStore(256)
	ch, err := s.Stream(context.Background(), "no-such-request")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unknown request id must not yield events")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream of unknown request id did not close")
	}

	// Streaming must not have materialised a log for the bogus id.
	if evs, _ := s.Query(context.Background(), "no-such-request", time.Time{}, 0); len(evs) != 0 {
		t.Fatalf("stream created a log: %v", evs)
	}
}

func TestRingStore_SweepDropsOrphanedLog(t *testing.T) {
	t.Parallel()

	s := events.NewRingStore(256)
	// Orphan: submitted long ago, never reached a terminal event.
	appendNamed(s, "r1", events.NameSubmit, time.Now().Add(-3*time.Hour))
	appendNamed(s, "r2", events.NameSubmit, time.Now())

	ch, err := s.Stream(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	<-ch // drain the replayed submit

	if removed := s.Sweep(); removed != 1 {
		t.Fatalf("Sweep: want 1 removed, got %d", removed)
	}

	// The orphan's subscriber must unblock.
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("swept orphan must not yield further events")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber of swept orphan did not unblock")
	}

	if evs, _ := s.Query(context.Background(), "r2", time.Time{}, 0); len(evs) != 1 {
		t.Error("live request must survive the sweep")
	}
}

func TestDerive_Intervals(t *testing.T) {
	t.Parallel()

	s := events.NewRingStore(256)
	base := time.Now()
	appendNamed(s, "r1", events.NameSubmit, base)
	appendNamed(s, "r1", events.NameRAGFirstChunk, base.Add(120*time.Millisecond))
	appendNamed(s, "r1", events.NameFirstSegment, base.Add(180*time.Millisecond))
	appendNamed(s, "r1", events.NameTTSFirstAudio, base.Add(400*time.Millisecond))
	appendNamed(s, "r1", events.NameTTSSegment, base.Add(500*time.Millisecond))
	appendNamed(s, "r1", events.NameRAGDone, base.Add(700*time.Millisecond))
	appendNamed(s, "r1", events.NameTTSSegment, base.Add(900*time.Millisecond))

	timings, err := s.Derive(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if timings.SubmitToRAGFirstChunkMS == nil || *timings.SubmitToRAGFirstChunkMS != 120 {
		t.Errorf("submit_to_rag_first_chunk_ms: got %v", msVal(timings.SubmitToRAGFirstChunkMS))
	}
	if timings.SubmitToFirstSegmentMS == nil || *timings.SubmitToFirstSegmentMS != 180 {
		t.Errorf("submit_to_first_segment_ms: got %v", msVal(timings.SubmitToFirstSegmentMS))
	}
	if timings.SubmitToTTSFirstAudioMS == nil || *timings.SubmitToTTSFirstAudioMS != 400 {
		t.Errorf("submit_to_tts_first_audio_ms: got %v", msVal(timings.SubmitToTTSFirstAudioMS))
	}
	if timings.RAGDurationMS == nil || *timings.RAGDurationMS != 580 {
		t.Errorf("rag_duration_ms: got %v", msVal(timings.RAGDurationMS))
	}
	if timings.TTSCount != 2 {
		t.Errorf("tts_count: want 2, got %d", timings.TTSCount)
	}
	// play_end never happened: must be null, not zero.
	if timings.SubmitToPlayEndMS != nil {
		t.Errorf("submit_to_play_end_ms should be nil, got %v", *timings.SubmitToPlayEndMS)
	}
}

// msVal dereferences a millisecond field for failure messages.
func msVal(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func TestDerive_EmptyLog(t *testing.T) {
	t.Parallel()

	s := events.NewRingStore(256)
	timings, err := s.Derive(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if timings.SubmitToRAGFirstChunkMS != nil || timings.TTSCount != 0 {
		t.Error("empty log must derive to all-null timings")
	}
}
