package httpapi_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openmuse/docent/internal/cancel"
	"github.com/openmuse/docent/internal/dispatch"
	"github.com/openmuse/docent/internal/events"
	"github.com/openmuse/docent/internal/health"
	"github.com/openmuse/docent/internal/history"
	"github.com/openmuse/docent/internal/httpapi"
	"github.com/openmuse/docent/internal/orchestrator"
	"github.com/openmuse/docent/internal/request"
	"github.com/openmuse/docent/internal/tour"
	"github.com/openmuse/docent/pkg/provider/asr"
	asrmock "github.com/openmuse/docent/pkg/provider/asr/mock"
	ragmock "github.com/openmuse/docent/pkg/provider/rag/mock"
	ttsmock "github.com/openmuse/docent/pkg/provider/tts/mock"
)

// harness runs the whole server against mock providers over httptest.
type harness struct {
	fabric *cancel.Fabric
	store  *events.RingStore
	rag    *ragmock.Provider
	orch   *orchestrator.Orchestrator
	hist   *history.Memory
	srv    *httptest.Server
}

func newHarness(t *testing.T, limits map[request.Kind]request.Limit) *harness {
	t.Helper()

	fabric := cancel.NewFabric()
	if limits == nil {
		limits = request.DefaultLimits()
	}
	registry := request.NewRegistry(fabric, request.NewSlidingWindow(limits))
	store := events.NewRingStore(512)
	ragP := &ragmock.Provider{Fragments: []string{"这件展品诞生于商代，", "是王室祭祀所用的重器。"}}
	ttsP := &ttsmock.Provider{Frames: [][]byte{[]byte("audio-frame")}}
	orch := orchestrator.New(registry, store, ragP, dispatch.New(ttsP))

	tourCfg := tour.DefaultConfig()
	tourCfg.PrefetchWindow = 0
	mgr := tour.NewManager(orch, fabric, store, tourCfg, nil)
	t.Cleanup(mgr.Shutdown)

	hist := history.NewMemory()
	asrP := &asrmock.Provider{Result: asr.Transcript{Text: "这是什么材料"}}

	s := httpapi.New(orch, registry, fabric, store, mgr,
		httpapi.WithASR(asrP),
		httpapi.WithHistory(hist),
		httpapi.WithHealth(health.New()),
	)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &harness{fabric: fabric, store: store, rag: ragP, orch: orch, hist: hist, srv: srv}
}

func (h *harness) do(t *testing.T, method, path, client string, body any, header map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if client != "" {
		req.Header.Set("X-Client-ID", client)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// sseFrame is one parsed event/data pair.
type sseFrame struct {
	Event string
	Data  map[string]any
}

func parseSSE(t *testing.T, r io.Reader) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = map[string]any{}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.Data); err != nil {
				t.Fatalf("bad SSE data %q: %v", line, err)
			}
		case line == "":
			if cur.Event != "" {
				frames = append(frames, cur)
				cur = sseFrame{}
			}
		}
	}
	return frames
}

func framesOf(frames []sseFrame, event string) []sseFrame {
	var out []sseFrame
	for _, f := range frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAsk_StreamsAnswer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	resp := h.do(t, http.MethodPost, "/ask", "c1",
		map[string]any{"question": "介绍一下司母戊鼎"}, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	frames := parseSSE(t, resp.Body)
	if len(frames) == 0 {
		t.Fatal("no SSE frames")
	}

	var answer strings.Builder
	for _, f := range framesOf(frames, "text") {
		answer.WriteString(f.Data["delta"].(string))
	}
	if got := answer.String(); got != "这件展品诞生于商代，是王室祭祀所用的重器。" {
		t.Errorf("streamed answer = %q", got)
	}

	if len(framesOf(frames, "audio_ready")) == 0 {
		t.Error("want at least one audio_ready frame")
	}
	last := frames[len(frames)-1]
	if last.Event != "done" {
		t.Errorf("stream must end with done, got %q", last.Event)
	}
}

func TestAsk_RequiresClientHeader(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	resp := h.do(t, http.MethodPost, "/ask", "", map[string]any{"question": "你好"}, nil)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["code"] != "bad_request" {
		t.Errorf("error body = %v", body)
	}
}

func TestAsk_ForwardsStyleAndDuration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	resp := h.do(t, http.MethodPost, "/ask", "c1",
		map[string]any{"question": "介绍一下", "style": "children", "duration_s": 30}, nil)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	calls := h.rag.Calls()
	if len(calls) != 1 {
		t.Fatalf("rag calls = %d, want 1", len(calls))
	}
	q := calls[0].Query
	if q.Style != "children" {
		t.Errorf("style = %q, want %q", q.Style, "children")
	}
	if q.DurationS != 30 {
		t.Errorf("duration_s = %d, want 30", q.DurationS)
	}
}

func TestAsk_RejectsInternalKinds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	resp := h.do(t, http.MethodPost, "/ask", "c1",
		map[string]any{"question": "x", "kind": "ask_prefetch"}, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAsk_RateLimited(t *testing.T) {
	t.Parallel()

	limits := request.DefaultLimits()
	limits[request.KindAsk] = request.Limit{Max: 1, Window: time.Minute}
	h := newHarness(t, limits)

	first := h.do(t, http.MethodPost, "/ask", "c1", map[string]any{"question": "你好"}, nil)
	io.Copy(io.Discard, first.Body)
	first.Body.Close()

	resp := h.do(t, http.MethodPost, "/ask", "c1", map[string]any{"question": "你好"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("want Retry-After header")
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["code"] != "rate_limited" || body["retriable"] != true {
		t.Errorf("error body = %v", body)
	}
	if ms, ok := body["retry_after_ms"].(float64); !ok || ms < 0 {
		t.Errorf("retry_after_ms = %v", body["retry_after_ms"])
	}
}

func TestCancel_MidStream(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.rag.Block()

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		payload, _ := json.Marshal(map[string]any{"question": "介绍第一个展厅"})
		req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/ask", bytes.NewReader(payload))
		if err != nil {
			done <- result{err: err}
			return
		}
		req.Header.Set("X-Client-ID", "c1")
		req.Header.Set("X-Request-ID", "r-cancel")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		done <- result{body: body, err: err}
	}()

	// Wait until audio has been delivered, then cancel.
	waitFor(t, "first audio segment", func() bool {
		return h.orch.SegmentCount("r-cancel") > 0
	})
	var cr map[string]int
	resp := h.do(t, http.MethodPost, "/cancel", "c1",
		map[string]any{"request_id": "r-cancel"}, nil)
	decodeBody(t, resp, &cr)
	if cr["cancelled"] != 1 {
		t.Fatalf("cancelled = %d, want 1", cr["cancelled"])
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("ask stream: %v", res.err)
	}
	frames := parseSSE(t, bytes.NewReader(res.body))
	if len(frames) == 0 {
		t.Fatal("no SSE frames")
	}
	last := frames[len(frames)-1]
	if last.Event != "done" || last.Data["cancelled"] != true {
		t.Errorf("stream must end with done{cancelled:true}, got %+v", last)
	}

	var st map[string]any
	decodeBody(t, h.do(t, http.MethodGet, "/status?request_id=r-cancel", "c1", nil, nil), &st)
	if st["cancelled"] != true {
		t.Errorf("status = %v", st)
	}
	if count := st["tts_state"].(map[string]any)["count"].(float64); count < 1 {
		t.Errorf("tts count = %v", count)
	}
}

func TestCancel_UnknownIsZero(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	var body map[string]int
	decodeBody(t, h.do(t, http.MethodPost, "/cancel", "c1",
		map[string]any{"request_id": "never-admitted"}, nil), &body)
	if body["cancelled"] != 0 {
		t.Errorf("cancelled = %d, want 0", body["cancelled"])
	}

	resp := h.do(t, http.MethodPost, "/cancel", "c1", map[string]any{}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty cancel: status = %d", resp.StatusCode)
	}
}

func TestTTSStream_ServesDeliveredSegment(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	resp := h.do(t, http.MethodPost, "/ask", "c1",
		map[string]any{"question": "介绍一下"},
		map[string]string{"X-Request-ID": "r-audio"})
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	audio := h.do(t, http.MethodGet, "/tts_stream?request_id=r-audio&seq=0", "c1", nil, nil)
	defer audio.Body.Close()
	if audio.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", audio.StatusCode)
	}
	buf, _ := io.ReadAll(audio.Body)
	if !bytes.Equal(buf, []byte("audio-frame")) {
		t.Errorf("segment bytes = %q", buf)
	}

	missing := h.do(t, http.MethodGet, "/tts_stream?request_id=r-audio&seq=99", "c1", nil, nil)
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing seq: status = %d", missing.StatusCode)
	}
}

func TestTTSStream_RateLimited(t *testing.T) {
	t.Parallel()

	limits := request.DefaultLimits()
	limits[request.KindTTS] = request.Limit{Max: 1, Window: time.Minute}
	h := newHarness(t, limits)

	resp := h.do(t, http.MethodPost, "/ask", "c1",
		map[string]any{"question": "介绍一下"},
		map[string]string{"X-Request-ID": "r-limit"})
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	first := h.do(t, http.MethodGet, "/tts_stream?request_id=r-limit&seq=0", "c1", nil, nil)
	io.Copy(io.Discard, first.Body)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first fetch: status = %d", first.StatusCode)
	}

	second := h.do(t, http.MethodGet, "/tts_stream?request_id=r-limit&seq=0", "c1", nil, nil)
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second fetch: status = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("want Retry-After header")
	}
}

func TestSpeechToText(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", "utterance.wav")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(fw, "RIFFfakewav")
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/speech_to_text", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Client-ID", "c1")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["text"] != "这是什么材料" {
		t.Errorf("transcript = %v", body)
	}
}

func TestStatus_CompletedRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	resp := h.do(t, http.MethodPost, "/ask", "c1",
		map[string]any{"question": "介绍一下"},
		map[string]string{"X-Request-ID": "r-status"})
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	var st map[string]any
	decodeBody(t, h.do(t, http.MethodGet, "/status?request_id=r-status", "c1", nil, nil), &st)
	if st["active"] != false || st["cancelled"] != false {
		t.Errorf("status = %v", st)
	}
	derived := st["derived_ms"].(map[string]any)
	if derived["submit_to_first_segment_ms"] == nil {
		t.Error("want submit_to_first_segment_ms derived")
	}
	if derived["tts_count"].(float64) < 1 {
		t.Errorf("tts_count = %v", derived["tts_count"])
	}
}

func TestStatus_UnknownRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	resp := h.do(t, http.MethodGet, "/status?request_id=ghost", "c1", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestEvents_Formats(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	resp := h.do(t, http.MethodPost, "/ask", "c1",
		map[string]any{"question": "介绍一下"},
		map[string]string{"X-Request-ID": "r-events"})
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	var evs []map[string]any
	decodeBody(t, h.do(t, http.MethodGet, "/events?request_id=r-events", "c1", nil, nil), &evs)
	if len(evs) < 2 {
		t.Fatalf("events = %d, want submit..done at least", len(evs))
	}
	if evs[0]["name"] != "submit" || evs[len(evs)-1]["name"] != "done" {
		t.Errorf("first/last = %v / %v", evs[0]["name"], evs[len(evs)-1]["name"])
	}

	nd := h.do(t, http.MethodGet, "/events?request_id=r-events&format=ndjson", "c1", nil, nil)
	defer nd.Body.Close()
	if ct := nd.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("ndjson content type = %q", ct)
	}
	lines := 0
	sc := bufio.NewScanner(nd.Body)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			lines++
		}
	}
	if lines != len(evs) {
		t.Errorf("ndjson lines = %d, want %d", lines, len(evs))
	}

	bad := h.do(t, http.MethodGet, "/events?request_id=r-events&format=xml", "c1", nil, nil)
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bad format: status = %d", bad.StatusCode)
	}
}

func TestEvents_SSEEndsAtTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	resp := h.do(t, http.MethodPost, "/ask", "c1",
		map[string]any{"question": "介绍一下"},
		map[string]string{"X-Request-ID": "r-sse"})
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	feed := h.do(t, http.MethodGet, "/events?request_id=r-sse&format=sse", "c1", nil, nil)
	defer feed.Body.Close()

	frames := parseSSE(t, feed.Body)
	if len(frames) == 0 {
		t.Fatal("no frames")
	}
	if frames[len(frames)-1].Event != "done" {
		t.Errorf("last frame = %q, want done", frames[len(frames)-1].Event)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	resp, err := http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
}
