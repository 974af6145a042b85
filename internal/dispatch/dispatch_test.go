package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/openmuse/docent/internal/dispatch"
	"github.com/openmuse/docent/internal/fault"
	"github.com/openmuse/docent/internal/observe"
	"github.com/openmuse/docent/pkg/provider/tts"
	"github.com/openmuse/docent/pkg/provider/tts/mock"
)

// counterValue sums all data points of an int64 counter, or returns 0 when
// the metric was never recorded.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
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

func drainResult(t *testing.T, r *dispatch.Result) []byte {
	t.Helper()
	var out bytes.Buffer
	for frame := range r.Frames {
		out.Write(frame)
	}
	return out.Bytes()
}

func TestSynthesize_PrimaryServes(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{
		NameValue: tts.GPTSoVITSV2,
		Frames:    [][]byte{[]byte("aa"), []byte("bb")},
	}
	d := dispatch.New(primary)

	res, err := d.Synthesize(context.Background(), "欢迎参观。")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := drainResult(t, res); string(got) != "aabb" {
		t.Errorf("audio: got %q", got)
	}
	if res.Err() != nil {
		t.Errorf("stream error: %v", res.Err())
	}
	if res.UsedFallback() {
		t.Error("fallback must not be used when primary succeeds")
	}
	if res.Provider() != tts.GPTSoVITSV2 {
		t.Errorf("provider: got %s", res.Provider())
	}
	if len(primary.StreamTTSCalls) != 1 || primary.StreamTTSCalls[0].Text != "欢迎参观。" {
		t.Errorf("primary calls: %+v", primary.StreamTTSCalls)
	}
}

func TestSynthesize_FallbackOnStartError(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{
		NameValue: tts.GPTSoVITSV2,
		StartErr:  errors.New("connection refused"),
	}
	fallback := &mock.Provider{
		NameValue: tts.Edge,
		Frames:    [][]byte{[]byte("audio")},
	}
	d := dispatch.New(primary, dispatch.WithFallback(fallback))

	res, err := d.Synthesize(context.Background(), "text")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := drainResult(t, res); string(got) != "audio" {
		t.Errorf("audio: got %q", got)
	}
	if res.Err() != nil {
		t.Errorf("stream error: %v", res.Err())
	}
	if !res.UsedFallback() {
		t.Error("UsedFallback should be true")
	}
	if res.Provider() != tts.Edge {
		t.Errorf("provider: got %s", res.Provider())
	}
}

func TestSynthesize_FallbackOnZeroByteMidStreamFailure(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{
		NameValue:    tts.GPTSoVITSV2,
		MidStreamErr: errors.New("model crashed"),
		FailAfter:    0, // fails before producing any frame
	}
	fallback := &mock.Provider{
		NameValue: tts.Edge,
		Frames:    [][]byte{[]byte("rescued")},
	}
	d := dispatch.New(primary, dispatch.WithFallback(fallback))

	res, err := d.Synthesize(context.Background(), "text")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := drainResult(t, res); string(got) != "rescued" {
		t.Errorf("audio: got %q", got)
	}
	if res.Err() != nil {
		t.Errorf("stream error: %v", res.Err())
	}
	if !res.UsedFallback() {
		t.Error("UsedFallback should be true")
	}
}

func TestSynthesize_NoFallbackAfterPartialDelivery(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{
		NameValue:    tts.GPTSoVITSV2,
		Frames:       [][]byte{[]byte("partial")},
		MidStreamErr: errors.New("model crashed"),
		FailAfter:    1, // one frame delivered, then failure
	}
	fallback := &mock.Provider{
		NameValue: tts.Edge,
		Frames:    [][]byte{[]byte("unused")},
	}
	d := dispatch.New(primary, dispatch.WithFallback(fallback))

	res, err := d.Synthesize(context.Background(), "text")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	got := drainResult(t, res)
	if string(got) != "partial" {
		t.Errorf("audio: got %q", got)
	}
	if !fault.Is(res.Err(), fault.CodeTTSError) {
		t.Errorf("want tts_error after partial delivery, got %v", res.Err())
	}
	if res.UsedFallback() {
		t.Error("a partially delivered segment must not fail over")
	}
	if len(fallback.StreamTTSCalls) != 0 {
		t.Errorf("fallback should never be called, got %d calls", len(fallback.StreamTTSCalls))
	}
}

func TestSynthesize_BothBackendsFail(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{NameValue: tts.GPTSoVITSV2, StartErr: errors.New("down")}
	fallback := &mock.Provider{NameValue: tts.Edge, StartErr: errors.New("also down")}
	d := dispatch.New(primary, dispatch.WithFallback(fallback))

	_, err := d.Synthesize(context.Background(), "text")
	if !fault.Is(err, fault.CodeTTSError) {
		t.Fatalf("want tts_error, got %v", err)
	}
}

func TestSynthesize_NoFallbackConfigured(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{NameValue: tts.GPTSoVITSV2, StartErr: errors.New("down")}
	d := dispatch.New(primary)

	_, err := d.Synthesize(context.Background(), "text")
	if !fault.Is(err, fault.CodeTTSError) {
		t.Fatalf("want tts_error, got %v", err)
	}
}

func TestSynthesize_FirstByteTimeoutTriggersFallback(t *testing.T) {
	t.Parallel()

	// Primary opens a stream but never produces a frame.
	primary := &mock.Provider{NameValue: tts.GPTSoVITSV2}
	primary.Block()
	fallback := &mock.Provider{
		NameValue: tts.Edge,
		Frames:    [][]byte{[]byte("late rescue")},
	}
	d := dispatch.New(primary,
		dispatch.WithFallback(fallback),
		dispatch.WithFirstByteTimeout(30*time.Millisecond))

	res, err := d.Synthesize(context.Background(), "text")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := drainResult(t, res); string(got) != "late rescue" {
		t.Errorf("audio: got %q", got)
	}
	if !res.UsedFallback() {
		t.Error("UsedFallback should be true")
	}
}

func TestSynthesize_CountsFallbacksAndOutcomes(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	primary := &mock.Provider{
		NameValue: tts.GPTSoVITSV2,
		StartErr:  errors.New("connection refused"),
	}
	fallback := &mock.Provider{
		NameValue: tts.Edge,
		Frames:    [][]byte{[]byte("audio")},
	}
	d := dispatch.New(primary,
		dispatch.WithFallback(fallback),
		dispatch.WithMetrics(m))

	res, err := d.Synthesize(context.Background(), "text")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	drainResult(t, res)

	if got := counterValue(t, reader, "docent.tts.fallbacks"); got != 1 {
		t.Errorf("fallback count = %d, want 1", got)
	}
	// One error for the refused primary, one ok for the fallback stream.
	if got := counterValue(t, reader, "docent.provider.errors"); got != 1 {
		t.Errorf("provider error count = %d, want 1", got)
	}
	if got := counterValue(t, reader, "docent.provider.requests"); got != 2 {
		t.Errorf("provider request count = %d, want 2", got)
	}
}

func TestSynthesize_CancellationStopsStream(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{NameValue: tts.GPTSoVITSV2}
	primary.Block()
	d := dispatch.New(primary)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := d.Synthesize(ctx, "text")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	cancel()

	drainResult(t, res)
	if !errors.Is(res.Err(), context.Canceled) {
		t.Errorf("want context.Canceled, got %v", res.Err())
	}
}
