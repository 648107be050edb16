package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/chat-relay/server/internal/chat/model"
	errx "github.com/chat-relay/server/internal/core/error"
)

const maxErrorBody = 400

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	apiKey      string
	url         string
	model       string
	temperature float32
	maxTokens   int
	httpClient  *http.Client
}

// NewClient creates a chat completions client. cfg.BaseURL may be either the
// API root (".../openai/") or the full completions URL.
func NewClient(cfg model.LLMConfig) *Client {
	return &Client{
		apiKey:      cfg.APIKey,
		url:         completionsURL(cfg.BaseURL),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func completionsURL(base string) string {
	base = strings.TrimSpace(base)
	if strings.HasSuffix(strings.TrimRight(base, "/"), "/chat/completions") {
		return strings.TrimRight(base, "/")
	}
	return strings.TrimRight(base, "/") + "/chat/completions"
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-success status=%d body=%s", e.StatusCode, e.Body)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends the messages in order and returns the first choice.
func (c *Client) Complete(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
	if c.apiKey == "" {
		return nil, errx.ErrMissingCredential
	}

	reqBody := chatRequest{
		Model:       c.model,
		Messages:    make([]chatMessage, 0, len(messages)),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	for _, m := range messages {
		if m == nil {
			continue
		}
		reqBody.Messages = append(reqBody.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse chat response: %w: %s", err, truncate(string(body), maxErrorBody))
	}

	out := schema.AssistantMessage("", nil)
	if parsed.Usage != nil {
		out.ResponseMeta = &schema.ResponseMeta{
			Usage: &schema.TokenUsage{
				PromptTokens:     parsed.Usage.PromptTokens,
				CompletionTokens: parsed.Usage.CompletionTokens,
				TotalTokens:      parsed.Usage.TotalTokens,
			},
		}
		logUsage(c.model, out.ResponseMeta.Usage)
	}
	if len(parsed.Choices) > 0 && parsed.Choices[0].Message.Content != nil {
		out.Content = *parsed.Choices[0].Message.Content
		if out.ResponseMeta == nil {
			out.ResponseMeta = &schema.ResponseMeta{}
		}
		out.ResponseMeta.FinishReason = parsed.Choices[0].FinishReason
	}
	return out, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

var _ Completer = (*Client)(nil)
