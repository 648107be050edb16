package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/chat-relay/server/internal/api"
	"github.com/chat-relay/server/internal/chat/conversations"
	"github.com/chat-relay/server/internal/chat/llm"
	"github.com/chat-relay/server/internal/chat/model"
	"github.com/chat-relay/server/internal/chat/prompts"
	"github.com/chat-relay/server/internal/chat/repo"
	"github.com/chat-relay/server/internal/core"
	logx "github.com/chat-relay/server/pkg/logger"
	pkgredis "github.com/chat-relay/server/pkg/redis"
)

// AppConfig defines all configurable parameters of the relay,
// sourced from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment core.Environment `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string           `envconfig:"LOG_LEVEL"`

	// HTTP
	Port            int           `envconfig:"PORT" default:"8000"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// Infrastructure
	Redis pkgredis.Config

	// Chat
	LLM        model.LLMConfig
	Chat       model.ChatConfig
	Transcript model.TranscriptConfig
}

func main() {
	if err := godotenv.Load(".env"); err != nil {
		// Logger is not configured yet; the default console logger is fine here.
		logx.Warn().Err(err).Msg("could not load .env file")
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logx.Fatal().Err(err).Msg("failed to process environment config")
	}

	logx.Init(logx.LoggerOpts{
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logx.Fatal().Err(err).Msg("server stopped with error")
	}
}

func run(ctx context.Context, cfg AppConfig) error {
	store, closeStore, err := newTranscriptStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	completer, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("build llm adapter: %w", err)
	}

	orch := conversations.NewOrchestrator(store, completer, conversations.Config{
		Policy:        conversations.PolicyForMaxTurns(cfg.Chat.HistoryMaxTurns),
		System:        prompts.NewSystemRenderer(cfg.Chat),
		FallbackReply: cfg.Chat.FallbackReply,
	})

	handler := api.NewHandler(orch, cfg.LLM.Configured(), cfg.RequestTimeout)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(handler, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logx.Info().
			Str("addr", srv.Addr).
			Str("environment", cfg.Environment.String()).
			Str("provider", cfg.LLM.Provider).
			Str("model", cfg.LLM.Model).
			Str("transcript_backend", cfg.Transcript.Backend).
			Bool("api_key_configured", cfg.LLM.Configured()).
			Msg("chat relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logx.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logx.Info().Msg("server stopped")
	return nil
}

func newTranscriptStore(ctx context.Context, cfg AppConfig) (model.TranscriptStore, func(), error) {
	switch cfg.Transcript.Backend {
	case model.BackendRedis:
		rdb, err := cfg.Redis.New(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("initialise redis client: %w", err)
		}
		logx.Info().Dur("ttl", cfg.Transcript.TTL).Msg("connected to Redis transcript store")
		return repo.NewRedisTranscriptStore(rdb, cfg.Transcript.TTL), func() { _ = rdb.Close() }, nil
	case model.BackendMemory, "":
		return repo.NewMemoryTranscriptStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown TRANSCRIPT_BACKEND %q", cfg.Transcript.Backend)
	}
}
