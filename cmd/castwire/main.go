// Command castwire is the main entry point for the castwire streaming
// overlay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/castwire/castwire/internal/app"
	"github.com/castwire/castwire/internal/config"
	"github.com/castwire/castwire/internal/health"
	"github.com/castwire/castwire/internal/observe"
	"github.com/castwire/castwire/internal/resilience"
	"github.com/castwire/castwire/pkg/provider/llm"
	"github.com/castwire/castwire/pkg/provider/llm/anyllm"
	"github.com/castwire/castwire/pkg/provider/llm/openai"
	"github.com/castwire/castwire/pkg/provider/tts"
	"github.com/castwire/castwire/pkg/provider/tts/cartesia"
	"github.com/castwire/castwire/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "castwire: config file %q not found — create it to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "castwire: %v\n", err)
		}
		return 1
	}

	// ── Logger ───────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("castwire starting",
		"config", *configPath,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Metrics/tracing provider ─────────────────────────────────────────
	shutdownObserve, err := observe.InitProvider(observe.ProviderConfig{ServiceName: "castwire"})
	if err != nil {
		slog.Error("failed to initialise telemetry provider", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObserve(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to build metrics instruments", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Application wiring ────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, *cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────
	healthHandler := health.New(
		health.Checker{Name: "llm_provider", Check: func(ctx context.Context) error {
			if providers.LLM == nil {
				return fmt.Errorf("no llm provider configured")
			}
			return nil
		}},
		health.Checker{Name: "tts_provider", Check: func(ctx context.Context) error {
			if providers.TTS == nil {
				return fmt.Errorf("no tts provider configured")
			}
			return nil
		}},
	)

	mux := http.NewServeMux()
	mux.Handle("/", application.Handler())
	healthHandler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: observe.Middleware(metrics)(mux),
	}

	serverErrs := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrs <- err
			return
		}
		serverErrs <- nil
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	runErrs := make(chan error, 1)
	go func() { runErrs <- application.Run(ctx) }()

	select {
	case err := <-runErrs:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
			return 1
		}
	case err := <-serverErrs:
		if err != nil {
			slog.Error("http server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ────────────────────────────────────────────────────────

// anyllmProviderNames are LLM backends delegated to the universal
// any-llm-go adapter, keyed by castwire's own provider-entry name.
var anyllmProviderNames = []string{"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"}

// registerBuiltinProviders registers every LLM/TTS factory castwire ships
// with. "openai" uses the direct OpenAI SDK client; "openrouter" and the
// any-llm-go-backed names share one universal provider adapter selected by
// provider-entry name.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		opts := []openai.Option{}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("openrouter", func(entry config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewOpenRouter(entry.Model, anyllmlib.WithAPIKey(entry.APIKey))
	})

	for _, name := range anyllmProviderNames {
		name := name
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			opts := []anyllmlib.Option{}
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("cartesia", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []cartesia.Option{}
		if entry.Model != "" {
			opts = append(opts, cartesia.WithModel(entry.Model))
		}
		return cartesia.New(entry.APIKey, opts...)
	})
}

func buildProviders(cfg *config.Config, reg *config.Registry) (app.Providers, error) {
	ps := app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return ps, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "llm", "name", name)

		if len(cfg.Providers.LLMFallbacks) == 0 {
			ps.LLM = p
		} else {
			fb := resilience.NewLLMFallback(p, name, resilience.FallbackConfig{})
			for _, entry := range cfg.Providers.LLMFallbacks {
				fp, err := reg.CreateLLM(entry)
				if err != nil {
					return ps, fmt.Errorf("create llm fallback provider %q: %w", entry.Name, err)
				}
				fb.AddFallback(entry.Name, fp)
				slog.Info("llm fallback registered", "name", entry.Name)
			}
			ps.LLM = fb
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return ps, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "tts", "name", name)

		if len(cfg.Providers.TTSFallbacks) == 0 {
			ps.TTS = p
		} else {
			fb := resilience.NewTTSFallback(p, name, resilience.FallbackConfig{})
			for _, entry := range cfg.Providers.TTSFallbacks {
				fp, err := reg.CreateTTS(entry)
				if err != nil {
					return ps, fmt.Errorf("create tts fallback provider %q: %w", entry.Name, err)
				}
				fb.AddFallback(entry.Name, fp)
				slog.Info("tts fallback registered", "name", entry.Name)
			}
			ps.TTS = fb
		}
	}

	return ps, nil
}

// ── Startup summary ──────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         castwire — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fmt.Printf("║  Wish character  : %-19s ║\n", valueOr(cfg.Wish.Character, "(not configured)"))
	fmt.Printf("║  Listen addr     : %-19s ║\n", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// ── Logger ────────────────────────────────────────────────────────────────

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
