// Command callvoxd runs the HVAC voice-dispatch agent: it accepts inbound
// carrier calls, drives the dialog state machine over streaming audio, and
// hands every finished call to the post-call classifier and dashboard
// webhook pipeline. Startup wiring runs config → logger → tracer →
// collaborators → server → signal-driven shutdown, as a single
// long-running daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hvac-dispatch/callvox/internal/backend"
	"github.com/hvac-dispatch/callvox/internal/breaker"
	"github.com/hvac-dispatch/callvox/internal/call"
	"github.com/hvac-dispatch/callvox/internal/dialog"
	"github.com/hvac-dispatch/callvox/internal/infra/config"
	"github.com/hvac-dispatch/callvox/internal/infra/logger"
	"github.com/hvac-dispatch/callvox/internal/infra/tracer"
	"github.com/hvac-dispatch/callvox/internal/llm"
	"github.com/hvac-dispatch/callvox/internal/postcall"
	"github.com/hvac-dispatch/callvox/internal/tts"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to YAML configuration file")
	envPath := flag.String("env", ".env", "path to .env file (missing file is not an error)")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load %s: %v (continuing with existing environment)\n", *envPath, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLogger, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	deps, err := buildDeps(cfg, log)
	if err != nil {
		return fmt.Errorf("build collaborators: %w", err)
	}

	srv := call.NewServer(call.FromConfig(cfg.Telephony, cfg.Call), deps)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start call server: %w", err)
	}

	log.Info("callvoxd started", "addr", srv.BoundAddr())
	<-ctx.Done()
	log.Info("shutting down")
	srv.Stop(context.Background())
	return nil
}

// buildDeps assembles the process-wide collaborators every accepted Call
// shares: the dispatch backend client, the main-conversation and
// field-extraction LLM clients, primary/fallback TTS with the realtime STT
// provider, the state machine tables, and the post-call webhook pipeline.
func buildDeps(cfg *config.Config, log *slog.Logger) (call.Deps, error) {
	backendClient := backend.NewHTTPClient(cfg.Backend, log)

	chatClient := llm.New(llm.Config{
		APIKey: cfg.Backend.APIKey,
		Model:  "gpt-4o-mini",
	})

	var extractor dialog.Extractor
	if cfg.Backend.APIKey != "" {
		extractor = dialog.NewOpenAIExtractor(cfg.Backend.APIKey)
	}

	primaryTTS := tts.NewHTTPProvider(tts.HTTPProviderConfig{
		Name:       "inworld",
		BaseURL:    "https://api.inworld.ai",
		Path:       "/tts/v1/voice",
		APIKey:     cfg.Speech.TTSAPIKey,
		Voice:      cfg.Speech.TTSVoice,
		AuthHeader: "Authorization",
		Timeout:    10 * time.Second,
	})
	fallbackTTS := tts.NewHTTPProvider(tts.HTTPProviderConfig{
		Name:       "openai-tts",
		BaseURL:    "https://api.openai.com",
		Path:       "/v1/audio/speech",
		APIKey:     cfg.Speech.FallbackAPIKey,
		Voice:      cfg.Speech.FallbackVoice,
		AuthHeader: "Authorization",
		Timeout:    10 * time.Second,
	})
	ttsFallback := tts.NewFallback("tts", primaryTTS, fallbackTTS, tts.FallbackConfig{
		Breaker: breaker.Config{},
	}, log)

	sttProvider := tts.NewRealtimeSTTProvider(tts.RealtimeSTTConfig{
		Name:              "deepgram",
		APIKey:            cfg.Speech.STTAPIKey,
		SilenceDurationMs: cfg.Call.SilenceDurationMs,
	}, log)

	machine := dialog.NewStateMachine(log)

	webhookClient := postcall.NewWebhookClient(cfg.Dashboard)
	postCallPipeline := postcall.NewPipeline(webhookClient, cfg.Dashboard.UserEmail, log)

	return call.Deps{
		Machine:       machine,
		Tools:         backendClient,
		Extractor:     extractor,
		Chat:          chatClient,
		Scoped:        chatClient,
		TTS:           ttsFallback,
		STT:           sttProvider,
		PostCall:      postCallPipeline,
		Logger:        log,
		Voice:         cfg.Speech.TTSVoice,
		TTSSampleRate: 24000,
	}, nil
}
