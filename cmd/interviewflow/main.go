// Command interviewflow runs the practice-interview service.
//
// In serve mode (the default) it hosts the interview backend: the websocket
// session endpoint plus health and metrics routes. In client mode it joins a
// running backend as a candidate with a terminal transcript: typed lines are
// submitted as answers, "/code <lang>" enters a code block, "/end" finishes
// the session and prints the grading report.
//
// The terminal client is text-only: it wires no microphone or speaker
// device. Spoken input and audio playback require embedding internal/app
// with a capture.Source and speech.Sink for the host platform.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/interviewflow/interviewflow/internal/app"
	"github.com/interviewflow/interviewflow/internal/config"
	"github.com/interviewflow/interviewflow/internal/controller"
	"github.com/interviewflow/interviewflow/internal/observe"
	"github.com/interviewflow/interviewflow/internal/server"
	"github.com/interviewflow/interviewflow/pkg/provider/llm"
	"github.com/interviewflow/interviewflow/pkg/provider/llm/anyllm"
	"github.com/interviewflow/interviewflow/pkg/provider/stt"
	"github.com/interviewflow/interviewflow/pkg/provider/stt/deepgram"
	"github.com/interviewflow/interviewflow/pkg/provider/tts"
	"github.com/interviewflow/interviewflow/pkg/provider/tts/elevenlabs"
	oaitts "github.com/interviewflow/interviewflow/pkg/provider/tts/openai"
	"github.com/interviewflow/interviewflow/pkg/types"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", "serve", `"serve" runs the backend, "client" joins one as a candidate`)
	endpoint := flag.String("endpoint", "http://localhost:8080", "interview server base URL (client mode)")
	sessionID := flag.String("session", "", "session id (client mode; defaults to a timestamp)")
	interviewType := flag.String("type", "technical", "interview type (client mode)")
	difficulty := flag.String("difficulty", "medium", "interview difficulty (client mode)")
	topic := flag.String("topic", "", "practice topic (client mode)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "interviewflow: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "interviewflow: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("interviewflow starting",
		"version", version,
		"mode", *mode,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "serve":
		return runServe(ctx, cfg, reg)
	case "client":
		params := types.SessionParams{
			SessionID:     *sessionID,
			InterviewType: types.InterviewType(*interviewType),
			Difficulty:    *difficulty,
			Topic:         *topic,
		}
		if params.SessionID == "" {
			params.SessionID = fmt.Sprintf("session-%d", time.Now().Unix())
		}
		return runClient(ctx, cfg, reg, *endpoint, params)
	default:
		fmt.Fprintf(os.Stderr, "interviewflow: unknown mode %q\n", *mode)
		return 2
	}
}

// ── Serve mode ────────────────────────────────────────────────────────────────

func runServe(ctx context.Context, cfg *config.Config, reg *config.Registry) int {
	llmProvider, err := buildLLM(cfg, reg)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}
	if llmProvider == nil {
		slog.Error("serve mode requires a configured llm provider")
		return 1
	}
	synth, err := buildTTS(cfg, reg)
	if err != nil {
		slog.Error("failed to build tts provider", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	srv, err := server.New(server.Config{
		LLM:   llmProvider,
		Synth: synth,
		Voice: tts.Voice{
			ID:       cfg.Session.Voice.VoiceID,
			Provider: cfg.Session.Voice.Provider,
		},
		Version: version,
		Metrics: observe.DefaultMetrics(),
	})
	if err != nil {
		slog.Error("failed to build server", "err", err)
		return 1
	}

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "listen_addr", addr)
		if cfg.Server.TLS != nil {
			errCh <- httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			errCh <- httpSrv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Client mode ───────────────────────────────────────────────────────────────

func runClient(ctx context.Context, cfg *config.Config, reg *config.Registry, endpoint string, params types.SessionParams) int {
	// The terminal client wires no microphone device, so a configured
	// recognizer would open streams that never receive audio. Voice needs
	// internal/app embedded with a capture.Source for the host platform.
	if cfg.Providers.STT.Name != "" {
		slog.Warn("stt provider configured but the terminal client has no microphone device; running text-only",
			"provider", cfg.Providers.STT.Name)
	}

	sess, err := app.New(ctx, app.Config{
		Settings: cfg,
		Endpoint: endpoint,
		Params:   params,
		Metrics:  observe.DefaultMetrics(),
		OnTranscript: func(entries []types.TranscriptEntry) {
			if len(entries) == 0 {
				return
			}
			last := entries[len(entries)-1]
			if last.Live {
				fmt.Printf("\r[%s …] %s", last.Speaker, last.Text)
			} else {
				fmt.Printf("\n[%s] %s\n> ", last.Speaker, last.Text)
			}
		},
	})
	if err != nil {
		slog.Error("failed to join session", "err", err)
		return 1
	}
	defer sess.Close()

	go sess.Run(ctx)

	fmt.Printf("joined session %s (%s, %s) — type answers, /end to finish\n> ",
		params.SessionID, params.InterviewType, params.Difficulty)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			fmt.Print("> ")
		case line == "/end":
			report, err := sess.Controller.EndSession(ctx)
			if err != nil {
				slog.Error("end session failed; transcript kept, retry with /end", "err", err)
				fmt.Print("> ")
				continue
			}
			printReport(report)
			return 0
		case strings.HasPrefix(line, "/code "):
			if err := submit(func() error {
				return sess.Controller.SubmitCode(ctx, readCodeBlock(scanner), strings.TrimPrefix(line, "/code "))
			}); err != nil {
				return 1
			}
		default:
			if err := submit(func() error { return sess.Controller.SubmitText(ctx, line) }); err != nil {
				return 1
			}
		}
		if ctx.Err() != nil {
			return 0
		}
	}
	return 0
}

// submit runs a controller submission and reports recoverable rejections on
// the terminal instead of exiting.
func submit(fn func() error) error {
	err := fn()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, controller.ErrBusy):
		fmt.Print("(interviewer is responding, hold on)\n> ")
		return nil
	case errors.Is(err, controller.ErrEnded):
		fmt.Println("session already ended")
		return err
	default:
		slog.Error("submission failed", "err", err)
		return nil
	}
}

// readCodeBlock collects stdin lines until a lone "." terminator.
func readCodeBlock(scanner *bufio.Scanner) string {
	fmt.Println("(enter code, end with a single '.' line)")
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "." {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func printReport(report *types.Report) {
	if report == nil {
		fmt.Println("session ended (no grading configured)")
		return
	}
	fmt.Println("─── interview report ───")
	fmt.Printf("technical: %d  communication: %d  confidence: %d\n",
		report.Scores.Technical, report.Scores.Communication, report.Scores.Confidence)
	fmt.Println(report.Feedback)
	for _, s := range report.Strengths {
		fmt.Println("  + " + s)
	}
	for _, s := range report.Improvements {
		fmt.Println("  - " + s)
	}
	if len(report.KeywordsMissed) > 0 {
		fmt.Println("keywords missed: " + strings.Join(report.KeywordsMissed, ", "))
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyLLMProviders are the model backends reachable through any-llm-go.
var anyLLMProviders = []string{
	"openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// All remote LLM backends share the same pattern: optional APIKey +
	// optional BaseURL.
	for _, providerName := range anyLLMProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		return oaitts.New(entry.APIKey, entry.Model, opts...)
	})
}

func buildLLM(cfg *config.Config, reg *config.Registry) (llm.Provider, error) {
	name := cfg.Providers.LLM.Name
	if name == "" {
		return nil, nil
	}
	p, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", name)
	return p, nil
}

func buildTTS(cfg *config.Config, reg *config.Registry) (tts.Synthesizer, error) {
	name := cfg.Providers.TTS.Name
	if name == "" {
		return nil, nil
	}
	p, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", name)
	return p, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     InterviewFlow — startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	if cfg.Grading.URL != "" {
		fmt.Printf("║  Grading      : %-22s ║\n", "configured")
	} else {
		fmt.Printf("║  Grading      : %-22s ║\n", "(disabled)")
	}
	fmt.Printf("║  Silence win. : %-22s ║\n", cfg.Session.SilenceWindowOrDefault())
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr  : %-22s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 22 {
		value = value[:19] + "…"
	}
	fmt.Printf("║  %-12s : %-22s ║\n", kind, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
