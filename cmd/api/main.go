package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/promptdeck/backend/internal/auth"
	"github.com/zhouzirui/promptdeck/backend/internal/config"
	"github.com/zhouzirui/promptdeck/backend/internal/gateway"
	"github.com/zhouzirui/promptdeck/backend/internal/handler"
	"github.com/zhouzirui/promptdeck/backend/internal/logging"
	"github.com/zhouzirui/promptdeck/backend/internal/model/prompt"
	"github.com/zhouzirui/promptdeck/backend/internal/observe"
	"github.com/zhouzirui/promptdeck/backend/internal/service/ai"
	"github.com/zhouzirui/promptdeck/backend/internal/service/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/store"
	"github.com/zhouzirui/promptdeck/backend/internal/store/postgres"
	"github.com/zhouzirui/promptdeck/backend/internal/store/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Info("no .env file loaded, using process environment", zap.Error(envErr))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observe.Nop()
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		provider, err := observe.NewPrometheusProvider()
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		defer func() { _ = provider.Shutdown(context.Background()) }()
		if metrics, err = observe.NewMetrics(provider.MeterProvider); err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		metricsHandler = provider.Handler
	}

	transcripts, err := openTranscriptStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer transcripts.Close()

	catalogue := prompt.Seed()
	if cfg.Prompts.File != "" {
		if catalogue, err = prompt.LoadCatalogue(cfg.Prompts.File); err != nil {
			return fmt.Errorf("load prompts: %w", err)
		}
	}
	var promptOpts []prompt.Option
	if overrides, ok := transcripts.(prompt.OverrideStore); ok {
		promptOpts = append(promptOpts, prompt.WithOverrides(overrides))
		logger.Info("prompt customisations stored with transcripts", zap.String("driver", cfg.Store.Driver))
	}
	prompts := prompt.NewMemoryStore(catalogue, promptOpts...)
	logger.Info("prompt catalogue loaded",
		zap.Int("categories", len(catalogue.Categories)),
		zap.Int("prompts", len(catalogue.Prompts)))

	verifier, err := auth.ParseTokens(cfg.Auth.Tokens)
	if err != nil {
		return fmt.Errorf("parse auth tokens: %w", err)
	}
	if verifier.Len() == 0 {
		logger.Warn("AUTH_TOKENS is empty, every authenticated route will answer 401")
	}

	// Initialize AI service
	var aiService *ai.Service
	if cfg.AI.Enabled() {
		aiService, err = ai.NewService(ctx, cfg.AI, logger)
		if err != nil {
			logger.Warn("failed to initialize AI service, continuing without relay", zap.Error(err))
		} else {
			logger.Info("AI service initialized", zap.String("provider", cfg.AI.Provider))
		}
	} else {
		logger.Info("AI credentials not configured, relay disabled", zap.String("provider", cfg.AI.Provider))
	}

	deps := handler.Deps{
		Prompts:          prompts,
		Transcripts:      transcripts,
		Verifier:         verifier,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		RelayMaxInFlight: cfg.Server.RelayMaxInFlight,
		Metrics:          metrics,
		MetricsHandler:   metricsHandler,
		Logger:           logger,
	}
	if aiService != nil {
		deps.Completer = aiService
	}

	// Conversations call the relay over HTTP when GATEWAY_URL is set,
	// otherwise the in-process AI service.
	var convGateway chat.Gateway
	switch {
	case cfg.Gateway.URL != "":
		convGateway = gateway.New(cfg.Gateway.URL, gateway.WithToken(cfg.Gateway.Token))
		logger.Info("conversations use remote relay", zap.String("url", cfg.Gateway.URL))
	case aiService != nil:
		convGateway = aiService
	}

	var registry *chat.Registry
	if convGateway != nil {
		registry, err = chat.NewRegistry(chat.RegistryOptions{
			Gateway:          convGateway,
			Store:            transcripts,
			Prompts:          prompts,
			PlaceholderDelay: cfg.Chat.PlaceholderDelay,
			PlaceholderText:  cfg.Chat.PlaceholderText,
			IdleTimeout:      cfg.Chat.IdleTimeout,
			Logger:           logger,
			Metrics:          metrics,
		})
		if err != nil {
			return fmt.Errorf("init conversations: %w", err)
		}
		deps.Conversations = registry
	} else {
		logger.Warn("no completion gateway available, conversation routes disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("promptdeck backend listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if registry != nil {
		g.Go(func() error {
			return registry.RunJanitor(gctx, janitorInterval(cfg.Chat.IdleTimeout))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if registry != nil {
			err = errors.Join(err, registry.Shutdown(shutdownCtx))
		}
		logger.Info("server stopped")
		return err
	})

	return g.Wait()
}

func openTranscriptStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.TranscriptStore, error) {
	switch cfg.Driver {
	case config.StorePostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		logger.Warn("using in-memory transcript store, saved chats are lost on restart")
		return store.NewMemoryStore(), nil
	}
}

func janitorInterval(idle time.Duration) time.Duration {
	if idle <= 0 {
		return time.Minute
	}
	if interval := idle / 4; interval > time.Second {
		return interval
	}
	return time.Second
}
