package tour_test

import (
	"context"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/openmuse/docent/internal/cancel"
	"github.com/openmuse/docent/internal/dispatch"
	"github.com/openmuse/docent/internal/events"
	"github.com/openmuse/docent/internal/fault"
	"github.com/openmuse/docent/internal/observe"
	"github.com/openmuse/docent/internal/orchestrator"
	"github.com/openmuse/docent/internal/request"
	"github.com/openmuse/docent/internal/tour"
	ragmock "github.com/openmuse/docent/pkg/provider/rag/mock"
	ttsmock "github.com/openmuse/docent/pkg/provider/tts/mock"
)

// harness wires a real conversation pipeline behind the tour manager so
// narrations and prefetch run end to end against mock providers.
type harness struct {
	fabric *cancel.Fabric
	store  *events.RingStore
	rag    *ragmock.Provider
	orch   *orchestrator.Orchestrator
	mgr    *tour.Manager
}

func newHarness(t *testing.T, cfg tour.Config) *harness {
	t.Helper()
	fabric := cancel.NewFabric()
	registry := request.NewRegistry(fabric, request.NewSlidingWindow(request.DefaultLimits()))
	store := events.NewRingStore(512)
	ragP := &ragmock.Provider{Fragments: []string{"这件展品诞生于商代，", "是王室祭祀所用的重器。"}}
	ttsP := &ttsmock.Provider{Frames: [][]byte{[]byte("audio-frame")}}
	orch := orchestrator.New(registry, store, ragP, dispatch.New(ttsP))
	mgr := tour.NewManager(orch, fabric, store, cfg, nil)
	return &harness{fabric: fabric, store: store, rag: ragP, orch: orch, mgr: mgr}
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

func navEvents(t *testing.T, store events.Store, clientID string) []string {
	t.Helper()
	evs, err := store.Query(context.Background(), "tour-"+clientID, time.Time{}, 0)
	if err != nil {
		t.Fatalf("query nav events: %v", err)
	}
	names := make([]string, len(evs))
	for i, ev := range evs {
		names[i] = ev.Name
	}
	return names
}

func hasEvent(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

// liveCalls counts narrations that ran live rather than as prefetch.
func (h *harness) liveCalls() int {
	n := 0
	for _, c := range h.rag.Calls() {
		if !c.Query.Prefetch {
			n++
		}
	}
	return n
}

func (h *harness) prefetchCalls() int {
	n := 0
	for _, c := range h.rag.Calls() {
		if c.Query.Prefetch {
			n++
		}
	}
	return n
}

var stops = []string{"司母戊鼎", "四羊方尊", "唐三彩骆驼", "青花瓷瓶"}

func noPrefetch() tour.Config {
	cfg := tour.DefaultConfig()
	cfg.PrefetchWindow = 0
	return cfg
}

func TestStart_NarratesFirstStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noPrefetch())
	m := h.mgr.Machine("c1")

	st, err := m.Start(tour.Params{Stops: stops, Zone: "青铜馆", Profile: "成人", Style: "生动", DurationS: 60})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.Mode != tour.ModeRunning || st.StopIndex != 0 || st.Epoch != 1 {
		t.Errorf("state after start = %+v", st)
	}
	if st.ActiveRequestID == "" {
		t.Error("start must bind an active narration request")
	}

	waitFor(t, "first narration", func() bool { return h.liveCalls() == 1 })
	q := h.rag.Calls()[0].Query
	if !strings.Contains(q.Question, "司母戊鼎") || !strings.Contains(q.Question, "青铜馆") {
		t.Errorf("narration prompt = %q", q.Question)
	}

	waitFor(t, "narration audio", func() bool {
		return h.orch.SegmentCount(st.ActiveRequestID) > 0
	})
	waitFor(t, "narration_done event", func() bool {
		return hasEvent(navEvents(t, h.store, "c1"), "narration_done")
	})
}

func TestStart_RequiresStops(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noPrefetch())
	if _, err := h.mgr.Machine("c1").Start(tour.Params{}); !fault.Is(err, fault.CodeBadRequest) {
		t.Errorf("want bad_request, got %v", err)
	}
}

func TestPrefetch_SchedulesUpcomingStops(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tour.DefaultConfig())
	m := h.mgr.Machine("c1")

	if _, err := m.Start(tour.Params{Stops: stops, Zone: "z"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "two prefetch narrations", func() bool { return h.prefetchCalls() == 2 })
	var prompts []string
	for _, c := range h.rag.Calls() {
		if c.Query.Prefetch {
			prompts = append(prompts, c.Query.Question)
		}
	}
	joined := strings.Join(prompts, "\n")
	if !strings.Contains(joined, stops[1]) || !strings.Contains(joined, stops[2]) {
		t.Errorf("prefetch prompts cover wrong stops: %q", joined)
	}
	if strings.Contains(joined, stops[3]) {
		t.Error("stop beyond the window must not be prefetched yet")
	}
}

func TestNext_ReplaysReadySlot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tour.DefaultConfig())
	m := h.mgr.Machine("c1")

	if _, err := m.Start(tour.Params{Stops: stops, Zone: "z"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "slot for stop 1 ready", func() bool {
		return m.PrefetchState()[1] == "ready"
	})

	st, err := m.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if st.StopIndex != 1 || st.Mode != tour.ModeRunning {
		t.Errorf("state after next = %+v", st)
	}
	if st.Epoch != 2 {
		t.Errorf("epoch = %d, want 2", st.Epoch)
	}
	if !hasEvent(navEvents(t, h.store, "c1"), "narration_replayed") {
		t.Error("ready slot should be replayed, not narrated live")
	}
	if n := h.orch.SegmentCount(st.ActiveRequestID); n == 0 {
		t.Error("replayed slot must already hold staged audio")
	}
	if h.liveCalls() != 1 {
		t.Errorf("live narrations = %d, want only the first stop", h.liveCalls())
	}
}

func TestNext_AtLastStopFinishesTour(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noPrefetch())
	m := h.mgr.Machine("c1")

	if _, err := m.Start(tour.Params{Stops: stops[:1]}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, err := m.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if st.Mode != tour.ModeIdle {
		t.Errorf("mode = %s, want idle", st.Mode)
	}
	if !hasEvent(navEvents(t, h.store, "c1"), "tour_finished") {
		t.Error("missing tour_finished event")
	}
}

func TestNext_WhilePausedStaysHalted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noPrefetch())
	m := h.mgr.Machine("c1")

	if _, err := m.Start(tour.Params{Stops: stops}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	st, err := m.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if st.Mode != tour.ModePaused || st.StopIndex != 1 {
		t.Errorf("state = %+v, want paused at stop 1", st)
	}
	if st.ActiveRequestID != "" {
		t.Error("halted machine must not start narration")
	}
}

func TestPrev_SaturatesAtFirstStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noPrefetch())
	m := h.mgr.Machine("c1")

	if _, err := m.Start(tour.Params{Stops: stops}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, err := m.Prev()
	if err != nil {
		t.Fatalf("Prev: %v", err)
	}
	if st.StopIndex != 0 || st.Mode != tour.ModeRunning {
		t.Errorf("state = %+v, want running at stop 0", st)
	}
	if st.Epoch != 2 {
		t.Errorf("epoch = %d, prev must abandon the old narration", st.Epoch)
	}
	waitFor(t, "re-narration of stop 0", func() bool { return h.liveCalls() == 2 })
}

func TestJump_ClampsToRoute(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noPrefetch())
	m := h.mgr.Machine("c1")

	if _, err := m.Start(tour.Params{Stops: stops}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, err := m.Jump(len(stops) + 5)
	if err != nil {
		t.Fatalf("Jump past end: %v", err)
	}
	if st.StopIndex != len(stops)-1 {
		t.Errorf("stop index = %d, want clamp to %d", st.StopIndex, len(stops)-1)
	}
	st, err = m.Jump(-1)
	if err != nil {
		t.Fatalf("Jump before start: %v", err)
	}
	if st.StopIndex != 0 {
		t.Errorf("stop index = %d, want clamp to 0", st.StopIndex)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noPrefetch())
	m := h.mgr.Machine("c1")

	if _, err := m.Start(tour.Params{Stops: stops}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, err := m.Pause()
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if st.Mode != tour.ModePaused || st.ActiveRequestID != "" {
		t.Errorf("state after pause = %+v", st)
	}
	if _, err := m.Pause(); !fault.Is(err, fault.CodeBadRequest) {
		t.Errorf("double pause: want bad_request, got %v", err)
	}

	st, err = m.Resume()
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if st.Mode != tour.ModeRunning || st.StopIndex != 0 {
		t.Errorf("state after resume = %+v", st)
	}
	waitFor(t, "fresh narration of the same stop", func() bool { return h.liveCalls() == 2 })
}

func TestResume_WhenIdleIsInvalid(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noPrefetch())
	if _, err := h.mgr.Machine("c1").Resume(); !fault.Is(err, fault.CodeBadRequest) {
		t.Errorf("want bad_request, got %v", err)
	}
}

func TestInterrupt_QuestionThenManualResume(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noPrefetch())
	m := h.mgr.Machine("c1")

	if _, err := m.Start(tour.Params{Stops: stops}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := m.State()

	st := m.Interrupt(nil)
	if st.Mode != tour.ModeInterrupted {
		t.Errorf("mode = %s, want interrupted", st.Mode)
	}
	if st.Epoch <= before.Epoch {
		t.Error("interrupt must advance the epoch")
	}
	if st.ActiveRequestID != "" {
		t.Error("interrupt must cancel the active narration")
	}

	st, err := m.Resume()
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if st.Mode != tour.ModeRunning || st.StopIndex != before.StopIndex {
		t.Errorf("resume should re-narrate the interrupted stop, got %+v", st)
	}
}

func TestInterrupt_AutoResumeWithContinuousTour(t *testing.T) {
	t.Parallel()

	cfg := noPrefetch()
	cfg.ContinuousTour = true
	h := newHarness(t, cfg)
	m := h.mgr.Machine("c1")

	if _, err := m.Start(tour.Params{Stops: stops}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	out, err := h.orch.Run(context.Background(), orchestrator.Input{
		ClientID: "c1",
		Question: "你好",
	})
	if err != nil {
		t.Fatalf("question: %v", err)
	}
	if st := m.Interrupt(out); st.Mode != tour.ModeInterrupted {
		t.Fatalf("mode = %s, want interrupted", st.Mode)
	}

	go func() {
		for range out.Text {
		}
	}()
	for range out.Segments {
	}
	<-out.Done()

	waitFor(t, "auto-resume after the question", func() bool {
		return m.State().Mode == tour.ModeRunning
	})
}

func TestInterrupt_IgnoredOutsideRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noPrefetch())
	m := h.mgr.Machine("c1")
	if st := m.Interrupt(nil); st.Mode != tour.ModeIdle {
		t.Errorf("interrupt on idle machine changed mode to %s", st.Mode)
	}
}

func TestStop_ClearsTour(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noPrefetch())
	m := h.mgr.Machine("c1")

	if _, err := m.Start(tour.Params{Stops: stops}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, err := m.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st.Mode != tour.ModeIdle || len(st.Stops) != 0 {
		t.Errorf("state after stop = %+v", st)
	}
	if _, err := m.Stop(); !fault.Is(err, fault.CodeBadRequest) {
		t.Errorf("stop when idle: want bad_request, got %v", err)
	}
}

func TestManager_ResetDestroysMachine(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noPrefetch())
	m := h.mgr.Machine("c1")
	if _, err := m.Start(tour.Params{Stops: stops}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := h.mgr.Reset("c1")
	if st.Mode != tour.ModeIdle {
		t.Errorf("mode after reset = %s", st.Mode)
	}
	if _, ok := h.mgr.Peek("c1"); ok {
		t.Error("reset must destroy the machine")
	}
}

func TestManager_MachinePerClient(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noPrefetch())
	a, b := h.mgr.Machine("a"), h.mgr.Machine("b")
	if a == b {
		t.Fatal("clients must not share a machine")
	}
	if h.mgr.Machine("a") != a {
		t.Error("machine lookup must be stable per client")
	}
}

// gaugeValue sums all data points of an int64 up-down counter.
func gaugeValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", name)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestStartStop_TracksActiveTourGauge(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	cfg := noPrefetch()
	cfg.Metrics = metrics
	h := newHarness(t, cfg)
	m := h.mgr.Machine("c1")

	if _, err := m.Start(tour.Params{Stops: stops}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := gaugeValue(t, reader, "docent.active_tours"); got != 1 {
		t.Errorf("active tours after start = %d, want 1", got)
	}

	// Pause and resume stay within one active tour.
	if _, err := m.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := gaugeValue(t, reader, "docent.active_tours"); got != 1 {
		t.Errorf("active tours while paused = %d, want 1", got)
	}

	if _, err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := gaugeValue(t, reader, "docent.active_tours"); got != 0 {
		t.Errorf("active tours after stop = %d, want 0", got)
	}
}

func TestPrefetch_TracksSlotGauge(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	cfg := tour.DefaultConfig()
	cfg.PrefetchWindow = 2
	cfg.Metrics = metrics
	h := newHarness(t, cfg)
	m := h.mgr.Machine("c1")

	if _, err := m.Start(tour.Params{Stops: stops}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "prefetch slots scheduled", func() bool {
		return gaugeValue(t, reader, "docent.prefetch_slots") == 2
	})

	if _, err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := gaugeValue(t, reader, "docent.prefetch_slots"); got != 0 {
		t.Errorf("prefetch slots after stop = %d, want 0", got)
	}
}
