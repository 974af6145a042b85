// Command docent is the exhibition guide conversation server: speech in,
// retrieval-augmented answers out, streamed as text and synthesised audio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openmuse/docent/internal/cancel"
	"github.com/openmuse/docent/internal/config"
	"github.com/openmuse/docent/internal/dispatch"
	"github.com/openmuse/docent/internal/events"
	"github.com/openmuse/docent/internal/health"
	"github.com/openmuse/docent/internal/history"
	"github.com/openmuse/docent/internal/httpapi"
	"github.com/openmuse/docent/internal/observe"
	"github.com/openmuse/docent/internal/orchestrator"
	"github.com/openmuse/docent/internal/request"
	"github.com/openmuse/docent/internal/segment"
	"github.com/openmuse/docent/internal/tour"
	"github.com/openmuse/docent/pkg/provider/asr"
	"github.com/openmuse/docent/pkg/provider/asr/httpasr"
	"github.com/openmuse/docent/pkg/provider/rag/openaicompat"
)

// Exit codes: 0 clean shutdown, 2 configuration error, 3 listen failure,
// 4 collaborator probe failure.
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
	exitListen = 3
	exitProbe  = 4
)

const (
	defaultListenAddr = ":8080"
	eventRetention    = 512
	sweepInterval     = time.Minute
	shutdownGrace     = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	probe := flag.Bool("probe", false, "ping collaborators at startup and exit non-zero when any is down")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "docent: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "docent: %v\n", err)
		}
		return exitConfig
	}

	logger := newLogger(cfg.Server)
	slog.SetDefault(logger)
	slog.Info("docent starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"tts_provider", string(cfg.TTS.Provider),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "docent"})
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		return exitError
	}
	defer func() {
		sctx, cancelFn := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancelFn()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()

	// ── Event store ──────────────────────────────────────────────────────

	var (
		store events.Store
		ring  *events.RingStore
	)
	if cfg.Postgres.Events && cfg.Postgres.DSN != "" {
		pg, err := events.NewPGStore(ctx, cfg.Postgres.DSN, eventRetention)
		if err != nil {
			slog.Error("event store unavailable", "error", err)
			return exitProbe
		}
		defer pg.Close()
		store = pg
		slog.Info("event log persisted to postgres")
	} else {
		ring = events.NewRingStore(eventRetention)
		store = ring
	}

	// ── Admission ────────────────────────────────────────────────────────

	fabric := cancel.NewFabric()
	registry := request.NewRegistry(fabric, request.NewSlidingWindow(limitsFrom(cfg.Limits)))

	// ── Synthesis ────────────────────────────────────────────────────────

	providers := config.DefaultRegistry()
	primary, err := providers.CreateTTS(cfg.TTS, cfg.TTS.Provider)
	if err != nil {
		slog.Error("tts provider init failed", "provider", string(cfg.TTS.Provider), "error", err)
		return exitConfig
	}

	dispatchOpts := []dispatch.Option{dispatch.WithLogger(logger)}
	if cfg.TTS.Fallback != "" {
		fb, err := providers.CreateTTS(cfg.TTS, cfg.TTS.Fallback)
		if err != nil {
			slog.Error("tts fallback init failed", "provider", string(cfg.TTS.Fallback), "error", err)
			return exitConfig
		}
		dispatchOpts = append(dispatchOpts, dispatch.WithFallback(fb))
	}
	for name := range cfg.TTS.Voices {
		voice, err := cfg.TTS.Voice(name)
		if err != nil {
			slog.Error("voice config invalid", "provider", string(name), "error", err)
			return exitConfig
		}
		dispatchOpts = append(dispatchOpts, dispatch.WithVoice(name, voice))
	}
	if cfg.Timeouts.TTSFirstByteS > 0 {
		dispatchOpts = append(dispatchOpts,
			dispatch.WithFirstByteTimeout(time.Duration(cfg.Timeouts.TTSFirstByteS)*time.Second))
	}
	dispatcher := dispatch.New(primary, dispatchOpts...)

	// ── Retrieval ────────────────────────────────────────────────────────

	ragOpts := []openaicompat.Option{}
	if cfg.RAG.Endpoint.BaseURL != "" {
		ragOpts = append(ragOpts, openaicompat.WithBaseURL(cfg.RAG.Endpoint.BaseURL))
	}
	if cfg.RAG.PrefetchModel != "" {
		ragOpts = append(ragOpts, openaicompat.WithPrefetchModel(cfg.RAG.PrefetchModel))
	}
	if cfg.RAG.SystemPrompt != "" {
		ragOpts = append(ragOpts, openaicompat.WithSystemPrompt(cfg.RAG.SystemPrompt))
	}
	if d := cfg.RAG.Endpoint.Timeout(); d > 0 {
		ragOpts = append(ragOpts, openaicompat.WithTimeout(d))
	}
	ragProvider, err := openaicompat.New(cfg.RAG.Endpoint.APIKey, cfg.RAG.Endpoint.Model, ragOpts...)
	if err != nil {
		slog.Error("rag provider init failed", "error", err)
		return exitConfig
	}

	// ── Recognition ──────────────────────────────────────────────────────

	var asrProvider asr.Provider
	if cfg.ASR.Endpoint.BaseURL != "" {
		asrOpts := []httpasr.Option{}
		if cfg.ASR.Endpoint.Model != "" {
			asrOpts = append(asrOpts, httpasr.WithModel(cfg.ASR.Endpoint.Model))
		}
		if d := cfg.ASR.Endpoint.Timeout(); d > 0 {
			asrOpts = append(asrOpts, httpasr.WithTimeout(d))
		}
		asrProvider, err = httpasr.New(cfg.ASR.Endpoint.BaseURL, asrOpts...)
		if err != nil {
			slog.Error("asr provider init failed", "error", err)
			return exitConfig
		}
	}

	// ── History ──────────────────────────────────────────────────────────

	var (
		hist   history.Store = history.NewMemory()
		pgHist *history.PGStore
	)
	if cfg.Postgres.History && cfg.Postgres.DSN != "" {
		pgHist, err = history.NewPGStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			slog.Error("history store unavailable", "error", err)
			return exitProbe
		}
		defer pgHist.Close()
		hist = pgHist
		slog.Info("conversation history persisted to postgres")
	}

	// ── Orchestrator ─────────────────────────────────────────────────────

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithHistory(hist),
		orchestrator.WithTimeouts(timeoutsFrom(cfg.Timeouts)),
		orchestrator.WithSegmenterConfig(segmenterFrom(cfg.Segmenter)),
		orchestrator.WithIntentConfig(intentFrom(cfg.Intent)),
	}
	if cfg.TTS.InFlight > 0 {
		orchOpts = append(orchOpts, orchestrator.WithTTSInFlight(cfg.TTS.InFlight))
	}
	if cfg.Server.AudioRetentionS > 0 {
		orchOpts = append(orchOpts,
			orchestrator.WithAudioRetention(time.Duration(cfg.Server.AudioRetentionS)*time.Second))
	}
	if asrProvider != nil {
		orchOpts = append(orchOpts,
			orchestrator.WithASR(asrProvider),
			orchestrator.WithASROptions(asr.Options{
				Language: cfg.ASR.Language,
				Hotwords: cfg.ASR.Hotwords,
			}))
	}
	orch := orchestrator.New(registry, store, ragProvider, dispatcher, orchOpts...)

	// ── Tours ────────────────────────────────────────────────────────────

	tours := tour.NewManager(orch, fabric, store, tourFrom(cfg.Tour), logger)
	defer tours.Shutdown()

	// ── Health ───────────────────────────────────────────────────────────

	var checkers []health.Checker
	if cfg.RAG.Endpoint.BaseURL != "" {
		checkers = append(checkers, health.CheckHTTP("rag", cfg.RAG.Endpoint.BaseURL))
	}
	if cfg.ASR.Endpoint.BaseURL != "" {
		checkers = append(checkers, health.CheckHTTP("asr", cfg.ASR.Endpoint.BaseURL))
	}
	if entry, ok := cfg.TTS.Providers[cfg.TTS.Provider]; ok && entry.BaseURL != "" {
		checkers = append(checkers, health.CheckHTTP("tts", entry.BaseURL))
	}
	if pgHist != nil {
		checkers = append(checkers, health.CheckPostgres(pgHist.Pool()))
	}

	if *probe {
		if err := health.Probe(ctx, checkers...); err != nil {
			slog.Error("collaborator probe failed", "error", err)
			return exitProbe
		}
		slog.Info("collaborator probe passed", "checks", len(checkers))
	}

	// ── HTTP server ──────────────────────────────────────────────────────

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithHistory(hist),
		httpapi.WithHealth(health.New(checkers...)),
	}
	if asrProvider != nil {
		apiOpts = append(apiOpts, httpapi.WithASR(asrProvider))
	}
	if cfg.Server.SSEHeartbeatS > 0 {
		apiOpts = append(apiOpts,
			httpapi.WithHeartbeat(time.Duration(cfg.Server.SSEHeartbeatS)*time.Second))
	}
	if cfg.Timeouts.ASRS > 0 {
		apiOpts = append(apiOpts,
			httpapi.WithASRTimeout(time.Duration(cfg.Timeouts.ASRS)*time.Second))
	}
	api := httpapi.New(orch, registry, fabric, store, tours, apiOpts...)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("listen failed", "addr", addr, "error", err)
		return exitListen
	}

	srv := &http.Server{
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go janitor(ctx, orch, ring)

	serveErr := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			serveErr <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			serveErr <- srv.Serve(ln)
		}
	}()
	slog.Info("docent listening", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "error", err)
			return exitError
		}
	}

	// Teardown in reverse construction order: stop accepting requests,
	// cancel everything still running, then close the stores via defers.
	sctx, cancelFn := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelFn()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Warn("http shutdown error", "error", err)
	}
	tours.Shutdown()

	slog.Info("goodbye")
	return exitOK
}

// janitor periodically drops expired audio buffers and finished event logs.
func janitor(ctx context.Context, orch *orchestrator.Orchestrator, ring *events.RingStore) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := orch.SweepAudio(); n > 0 {
				slog.Debug("audio buffers swept", "requests", n)
			}
			if ring != nil {
				if n := ring.Sweep(); n > 0 {
					slog.Debug("event logs swept", "requests", n)
				}
			}
		}
	}
}

// ── Config translation ───────────────────────────────────────────────────

// limitsFrom overlays configured admission limits onto the defaults.
func limitsFrom(lc config.LimitsConfig) map[request.Kind]request.Limit {
	limits := request.DefaultLimits()
	if lc.AskPerMinute > 0 {
		limits[request.KindAsk] = request.Limit{Max: lc.AskPerMinute, Window: time.Minute}
	}
	if lc.AskPrefetchPerMinute > 0 {
		limits[request.KindAskPrefetch] = request.Limit{Max: lc.AskPrefetchPerMinute, Window: time.Minute}
	}
	if lc.ASRPer3S > 0 {
		limits[request.KindASR] = request.Limit{Max: lc.ASRPer3S, Window: 3 * time.Second}
	}
	if lc.WakeWordPer3S > 0 {
		limits[request.KindWakeWord] = request.Limit{Max: lc.WakeWordPer3S, Window: 3 * time.Second}
	}
	if lc.TTSPerMinute > 0 {
		limits[request.KindTTS] = request.Limit{Max: lc.TTSPerMinute, Window: time.Minute}
	}
	return limits
}

func timeoutsFrom(tc config.TimeoutsConfig) orchestrator.Timeouts {
	t := orchestrator.DefaultTimeouts()
	if tc.RequestHardS > 0 {
		t.Hard = time.Duration(tc.RequestHardS) * time.Second
	}
	if tc.ASRS > 0 {
		t.ASR = time.Duration(tc.ASRS) * time.Second
	}
	if tc.RAGFirstByteS > 0 {
		t.RAGFirstByte = time.Duration(tc.RAGFirstByteS) * time.Second
	}
	if tc.RAGInterByteS > 0 {
		t.RAGInterByte = time.Duration(tc.RAGInterByteS) * time.Second
	}
	return t
}

func segmenterFrom(sc config.SegmenterConfig) segment.Config {
	c := segment.DefaultConfig()
	if sc.MinChunkSize > 0 {
		c.MinChunkSize = sc.MinChunkSize
	}
	if sc.SoftMin > 0 {
		c.SoftMin = sc.SoftMin
	}
	if sc.MaxChunkSize > 0 {
		c.MaxChunkSize = sc.MaxChunkSize
	}
	return c
}

func intentFrom(ic config.IntentConfig) orchestrator.IntentConfig {
	return orchestrator.IntentConfig{
		Greetings:     ic.Greetings,
		GreetingReply: ic.GreetingReply,
		ControlReply:  ic.ControlReply,
		MaxDistance:   ic.MaxDistance,
	}
}

func tourFrom(tc config.TourConfig) tour.Config {
	c := tour.DefaultConfig()
	if tc.PrefetchWindow != nil {
		c.PrefetchWindow = *tc.PrefetchWindow
	}
	c.ContinuousTour = tc.ContinuousTour
	if tc.ResumePolicy != "" {
		c.ResumePolicy = tour.ResumePolicy(tc.ResumePolicy)
	}
	if tc.PromptTemplate != "" {
		c.PromptTemplate = tc.PromptTemplate
	}
	return c
}

// ── Logger ───────────────────────────────────────────────────────────────

func newLogger(sc config.ServerConfig) *slog.Logger {
	var lvl slog.Level
	switch sc.LogLevel {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if sc.LogFormat == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
