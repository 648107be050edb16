package model

import "time"

// ================ Config ================
type LLMConfig struct {
	Provider      string        `envconfig:"LLM_PROVIDER" default:"openai"`
	APIKey        string        `envconfig:"GEMINI_API_KEY"`
	BaseURL       string        `envconfig:"LLM_BASE_URL" default:"https://generativelanguage.googleapis.com/v1beta/openai/"`
	GeminiBaseURL string        `envconfig:"GEMINI_BASE_URL"`
	Model         string        `envconfig:"LLM_MODEL" default:"gemini-2.0-flash-exp"`
	Temperature   float32       `envconfig:"LLM_TEMPERATURE" default:"0.7"`
	MaxTokens     int           `envconfig:"LLM_MAX_TOKENS" default:"0"`
	Timeout       time.Duration `envconfig:"LLM_TIMEOUT" default:"60s"`
}

// Configured reports whether the backend credential is present.
func (c LLMConfig) Configured() bool {
	return c.APIKey != ""
}

type ChatConfig struct {
	HistoryMaxTurns int    `envconfig:"CHAT_HISTORY_MAX_TURNS" default:"0"`
	SystemPrompt    string `envconfig:"CHAT_SYSTEM_PROMPT"`
	AssistantName   string `envconfig:"CHAT_ASSISTANT_NAME" default:"Assistant"`
	FallbackReply   string `envconfig:"CHAT_FALLBACK_REPLY" default:"no response generated"`
}

type TranscriptConfig struct {
	Backend string        `envconfig:"TRANSCRIPT_BACKEND" default:"memory"`
	TTL     time.Duration `envconfig:"CONVERSATION_TTL" default:"0s"`
}

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	BackendMemory = "memory"
	BackendRedis  = "redis"
)
