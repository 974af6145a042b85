package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/openmuse/docent/internal/events"
	"github.com/openmuse/docent/internal/fault"
	"github.com/openmuse/docent/internal/observe"
	"github.com/openmuse/docent/internal/request"
	"github.com/openmuse/docent/internal/segment"
	"github.com/openmuse/docent/pkg/provider/rag"
)

// pipeState collects cross-task outcomes. Tasks write before their queues
// close; the pipeline reads after the WaitGroup settles.
type pipeState struct {
	mu         sync.Mutex
	err        error
	ragPartial bool
	answer     string
}

// fail records the first fatal stage error.
func (s *pipeState) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *pipeState) fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// synthResult is one finished (or failed) segment synthesis.
type synthResult struct {
	seg AudioSegment
	err error
}

// pendingSegment links a chunk awaiting synthesis to its eventual result.
// The dispatcher task enqueues these in seq order, which is what lets the
// emitter deliver ordered audio while synthesis runs concurrently.
type pendingSegment struct {
	seq  int
	text string
	done chan synthResult
}

// pipeline runs the request's stages and returns the full answer text. The
// four tasks (reader, segmenter, dispatcher, emitter) communicate over
// bounded queues; a fatal stage error aborts the shared context and wins
// over secondary cancellation errors.
func (o *Orchestrator) pipeline(ctx context.Context, req *request.Request, in Input, textCh chan<- TextDelta, segCh chan<- AudioSegment) (string, error) {
	question, err := o.resolveQuestion(ctx, req, in)
	if err != nil {
		return "", err
	}

	intent := o.classifier.Classify(question)
	o.emit(req, events.KindApp, "intent", events.LevelDebug, map[string]any{
		"type":   string(intent.Type),
		"action": string(intent.Action),
	})

	pctx, abort := context.WithCancel(ctx)
	defer abort()

	fragments, streamErr, isRAG, err := o.fragmentSource(pctx, in, intent, question)
	if err != nil {
		return "", err
	}

	state := &pipeState{}
	fragQ := make(chan string, queueCap)
	chunkQ := make(chan segment.Chunk, queueCap)
	readyQ := make(chan *pendingSegment, queueCap)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		o.readerTask(pctx, abort, req, state, fragments, streamErr, isRAG, textCh, fragQ)
	}()
	go func() {
		defer wg.Done()
		o.segmenterTask(pctx, req, in, state, fragQ, chunkQ)
	}()
	go func() {
		defer wg.Done()
		o.dispatcherTask(pctx, &wg, chunkQ, readyQ)
	}()
	go func() {
		defer wg.Done()
		o.emitterTask(pctx, abort, req, in.RequestID, state, readyQ, segCh)
	}()
	wg.Wait()

	if err := state.fatal(); err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if state.ragPartial {
		return state.answer, fault.New(fault.CodeRAGPartial, "answer generation ended early")
	}
	return state.answer, nil
}

// resolveQuestion turns audio input into text through ASR, or passes text
// input through.
func (o *Orchestrator) resolveQuestion(ctx context.Context, req *request.Request, in Input) (string, error) {
	if len(in.Audio) == 0 {
		return in.Question, nil
	}
	if o.asr == nil {
		return "", fault.New(fault.CodeASRError, "no speech recognition backend configured")
	}

	o.emit(req, events.KindASR, events.NameASRBegin, events.LevelInfo, map[string]any{
		"audio_bytes": len(in.Audio),
	})
	actx, cancelFn := context.WithTimeout(ctx, o.timeouts.ASR)
	defer cancelFn()
	actx, span := observe.StartSpan(actx, "asr.transcribe")
	defer span.End()

	opts := o.asrOpts
	if in.AudioFormat != "" {
		opts.Format = in.AudioFormat
	}
	start := time.Now()
	tr, err := o.asr.Transcribe(actx, in.Audio, opts)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		o.metrics.RecordProviderRequest(ctx, "asr", "transcribe", "error")
		o.metrics.RecordProviderError(ctx, "asr", "transcribe")
		return "", fault.Wrap(fault.CodeASRError, "transcribe", err)
	}
	o.metrics.RecordProviderRequest(ctx, "asr", "transcribe", "ok")
	o.metrics.ASRDuration.Record(ctx, time.Since(start).Seconds())
	o.emit(req, events.KindASR, events.NameASRDone, events.LevelInfo, map[string]any{
		"transcript_len": len(tr.Text),
	})
	return tr.Text, nil
}

// fragmentSource picks where answer text comes from: a template for
// greetings and tour commands, the RAG backend for questions.
func (o *Orchestrator) fragmentSource(ctx context.Context, in Input, intent Intent, question string) (<-chan string, func() error, bool, error) {
	if intent.Type != IntentQuestion {
		ch := make(chan string, 1)
		ch <- intent.Reply
		close(ch)
		return ch, func() error { return nil }, false, nil
	}

	stream, err := o.rag.Generate(ctx, rag.Query{
		Question:  question,
		ExhibitID: in.SessionID,
		History:   o.recentTurns(ctx, in.ClientID),
		Style:     in.Style,
		DurationS: in.DurationS,
		Prefetch:  in.Kind == request.KindAskPrefetch,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, false, ctx.Err()
		}
		o.metrics.RecordProviderRequest(ctx, "rag", "generate", "error")
		o.metrics.RecordProviderError(ctx, "rag", "generate")
		return nil, nil, false, fault.Wrap(fault.CodeRAGError, "start generation", err)
	}
	o.metrics.RecordProviderRequest(ctx, "rag", "generate", "ok")
	return stream.Fragments, stream.Err, true, nil
}

// readerTask consumes answer fragments, mirrors them onto the text stream,
// and forwards them to the segmenter. It applies the first-byte and
// inter-byte stall deadlines and owns the rag_* lifecycle events.
func (o *Orchestrator) readerTask(ctx context.Context, abort context.CancelFunc, req *request.Request, state *pipeState, fragments <-chan string, streamErr func() error, isRAG bool, textCh chan<- TextDelta, fragQ chan<- string) {
	defer close(fragQ)

	var timeoutC <-chan time.Time
	var timer *time.Timer
	if isRAG {
		timer = time.NewTimer(o.timeouts.RAGFirstByte)
		defer timer.Stop()
		timeoutC = timer.C
	}

	seq := 0
	gotText := false
	for {
		select {
		case frag, ok := <-fragments:
			if !ok {
				o.finishRead(ctx, req, state, streamErr, isRAG, gotText, abort)
				return
			}
			if isRAG {
				if seq == 0 {
					o.emit(req, events.KindRAG, events.NameRAGFirstChunk, events.LevelInfo, nil)
				}
				if !gotText && frag != "" {
					o.emit(req, events.KindRAG, events.NameRAGFirstText, events.LevelInfo, nil)
					o.metrics.RAGFirstText.Record(ctx, time.Since(req.CreatedAt).Seconds())
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(o.timeouts.RAGInterByte)
			}
			if frag != "" {
				gotText = true
			}

			select {
			case textCh <- TextDelta{Seq: seq, Delta: frag}:
			case <-ctx.Done():
				return
			}
			select {
			case fragQ <- frag:
			case <-ctx.Done():
				return
			}
			seq++

		case <-timeoutC:
			if !gotText {
				state.fail(fault.New(fault.CodeTimeout, "no answer text within deadline"))
				abort()
				return
			}
			// Stalled mid-answer: speak what we have.
			state.mu.Lock()
			state.ragPartial = true
			state.mu.Unlock()
			o.emit(req, events.KindRAG, events.NameRAGPartial, events.LevelWarn, map[string]any{
				"reason": "stalled",
			})
			return

		case <-ctx.Done():
			return
		}
	}
}

// finishRead handles the fragment channel closing: a clean end, or a
// mid-stream failure that downgrades to a partial answer when text already
// arrived.
func (o *Orchestrator) finishRead(ctx context.Context, req *request.Request, state *pipeState, streamErr func() error, isRAG, gotText bool, abort context.CancelFunc) {
	err := streamErr()
	if err == nil {
		if isRAG {
			o.emit(req, events.KindRAG, events.NameRAGDone, events.LevelInfo, nil)
			o.metrics.RAGDuration.Record(ctx, time.Since(req.CreatedAt).Seconds())
		}
		return
	}
	if !gotText {
		state.fail(fault.Wrap(fault.CodeRAGError, "generation", err))
		abort()
		return
	}
	state.mu.Lock()
	state.ragPartial = true
	state.mu.Unlock()
	o.emit(req, events.KindRAG, events.NameRAGPartial, events.LevelWarn, map[string]any{
		"error": excerpt(err.Error()),
	})
}

// segmenterTask hosts the cleaner state, turning fragments into chunks. It
// also accumulates the full answer for the history store.
func (o *Orchestrator) segmenterTask(ctx context.Context, req *request.Request, in Input, state *pipeState, fragQ <-chan string, chunkQ chan<- segment.Chunk) {
	defer close(chunkQ)

	cfg := o.segCfg
	if in.Segmenter != nil {
		cfg = *in.Segmenter
	}
	cleaner := segment.NewCleaner(cfg)

	forward := func(chunks []segment.Chunk) bool {
		for _, ch := range chunks {
			if ch.Seq == 0 {
				o.emit(req, events.KindApp, events.NameFirstSegment, events.LevelInfo, map[string]any{
					"len": len(ch.Text),
				})
			}
			state.mu.Lock()
			state.answer += ch.Text
			state.mu.Unlock()
			select {
			case chunkQ <- ch:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	for {
		select {
		case frag, ok := <-fragQ:
			if !ok {
				forward(cleaner.Flush())
				return
			}
			if !forward(cleaner.Push(frag)) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatcherTask starts synthesis workers, holding at most ttsInFlight in
// flight. Pending results enter readyQ in seq order so the emitter can
// release them ordered.
func (o *Orchestrator) dispatcherTask(ctx context.Context, wg *sync.WaitGroup, chunkQ <-chan segment.Chunk, readyQ chan<- *pendingSegment) {
	defer close(readyQ)

	sem := make(chan struct{}, o.ttsInFlight)
	for {
		select {
		case chunk, ok := <-chunkQ:
			if !ok {
				return
			}
			if chunk.Text == "" {
				// Empty finalized chunk is an end-of-stream sentinel.
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			pend := &pendingSegment{
				seq:  chunk.Seq,
				text: chunk.Text,
				done: make(chan synthResult, 1),
			}
			select {
			case readyQ <- pend:
			case <-ctx.Done():
				<-sem
				return
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				pend.done <- o.synthesize(ctx, pend)
			}()

		case <-ctx.Done():
			return
		}
	}
}

// synthesize runs one segment through the dispatcher and buffers its audio.
func (o *Orchestrator) synthesize(ctx context.Context, pend *pendingSegment) synthResult {
	ctx, span := observe.StartSpan(ctx, "tts.synthesize")
	defer span.End()

	start := time.Now()
	res, err := o.dispatcher.Synthesize(ctx, pend.text)
	if err != nil {
		return synthResult{err: err}
	}

	var buf []byte
	for frame := range res.Frames {
		buf = append(buf, frame...)
	}
	if err := res.Err(); err != nil {
		return synthResult{err: err}
	}
	o.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	return synthResult{seg: AudioSegment{
		Seq:         pend.seq,
		Bytes:       buf,
		ContentType: res.ContentType(),
		Provider:    string(res.Provider()),
	}}
}

// emitterTask releases synthesised segments downstream strictly in seq
// order and applies the per-chunk failure policy: a failed first chunk
// fails the request, later failures skip the chunk and leave a gap.
func (o *Orchestrator) emitterTask(ctx context.Context, abort context.CancelFunc, req *request.Request, requestID string, state *pipeState, readyQ <-chan *pendingSegment, segCh chan<- AudioSegment) {
	delivered := 0
	skipped := 0
	for {
		var pend *pendingSegment
		var ok bool
		select {
		case pend, ok = <-readyQ:
		case <-ctx.Done():
			return
		}
		if !ok {
			break
		}

		var res synthResult
		select {
		case res = <-pend.done:
		case <-ctx.Done():
			return
		}

		if res.err != nil {
			if ctx.Err() != nil {
				return
			}
			if pend.seq == 0 {
				state.fail(fault.Wrap(fault.CodeTTSError, "synthesis of first segment", res.err))
				abort()
				return
			}
			skipped++
			o.metrics.SegmentsSkipped.Add(ctx, 1)
			o.emit(req, events.KindTTS, events.NameTTSSkipped, events.LevelWarn, map[string]any{
				"seq":   pend.seq,
				"error": excerpt(res.err.Error()),
			})
			continue
		}

		seg := res.seg
		seg.RequestID = requestID
		if delivered == 0 {
			o.emit(req, events.KindTTS, events.NameTTSFirstAudio, events.LevelInfo, map[string]any{
				"seq": seg.Seq,
			})
			o.metrics.TTSFirstAudio.Record(ctx, time.Since(req.CreatedAt).Seconds())
		}
		o.audio.add(seg)
		select {
		case segCh <- seg:
		case <-ctx.Done():
			return
		}
		delivered++
		o.emit(req, events.KindTTS, events.NameTTSSegment, events.LevelInfo, map[string]any{
			"seq":      seg.Seq,
			"bytes":    len(seg.Bytes),
			"provider": seg.Provider,
		})
	}

	o.emit(req, events.KindTTS, events.NameTTSAllDone, events.LevelInfo, map[string]any{
		"count":   delivered,
		"skipped": skipped,
	})
	o.emit(req, events.KindApp, events.NamePlayEnd, events.LevelInfo, nil)
}

// excerpt bounds upstream error text carried in events.
func excerpt(s string) string {
	const max = 160
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
