package llm

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/chat-relay/server/internal/chat/model"
	errx "github.com/chat-relay/server/internal/core/error"
	logx "github.com/chat-relay/server/pkg/logger"
)

// Completer is the outbound boundary to the LLM backend. Implementations return
// errx.ErrMissingCredential when they hold no credential, any other error for
// transport or response failures, and a message with empty Content when the
// backend answered without text.
type Completer interface {
	Complete(ctx context.Context, messages []*schema.Message) (*schema.Message, error)
}

// Unconfigured is the Completer used when no credential was supplied at startup.
type Unconfigured struct{}

func (Unconfigured) Complete(context.Context, []*schema.Message) (*schema.Message, error) {
	return nil, errx.ErrMissingCredential
}

// New selects a Completer for the configured provider.
func New(ctx context.Context, cfg model.LLMConfig) (Completer, error) {
	if !cfg.Configured() {
		logx.Warn().Msg("GEMINI_API_KEY is not set; chat requests will fail until it is configured")
		return Unconfigured{}, nil
	}
	switch strings.ToLower(cfg.Provider) {
	case model.ProviderGemini:
		return NewGeminiCompleter(ctx, cfg)
	default:
		return NewClient(cfg), nil
	}
}

// logUsage records token usage and cost when the backend reported it.
func logUsage(modelName string, usage *schema.TokenUsage) {
	if usage == nil {
		return
	}
	inC, outC, totalC := model.ComputeCost(usage, model.ResolvePricing(modelName))
	logx.Debug().
		Str("model", modelName).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Int("total_tokens", usage.TotalTokens).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")
}
