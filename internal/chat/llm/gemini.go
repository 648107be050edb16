package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"google.golang.org/genai"

	"github.com/chat-relay/server/internal/chat/model"
	logx "github.com/chat-relay/server/pkg/logger"
)

// NewGeminiCompleter builds a Completer on the native Gemini API through eino.
func NewGeminiCompleter(ctx context.Context, cfg model.LLMConfig) (*ChatModelCompleter, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.GeminiBaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.GeminiBaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	temperature := cfg.Temperature
	geminiCfg := &gemini.Config{
		Client:      client,
		Model:       cfg.Model,
		Temperature: &temperature,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		geminiCfg.MaxTokens = &maxTokens
	}

	chatModel, err := gemini.NewChatModel(ctx, geminiCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini chat model")
		return nil, fmt.Errorf("error creating Gemini chat model: %w", err)
	}

	logx.Debug().Str("model", cfg.Model).Msg("Gemini chat model ready")
	return NewChatModelCompleter(chatModel, cfg.Model, NewModelObserver()), nil
}
