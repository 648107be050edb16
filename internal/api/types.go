package api

import "github.com/chat-relay/server/internal/chat/model"

type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type ChatResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
}

type ClearResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status           string `json:"status"`
	Message          string `json:"message"`
	Version          string `json:"version"`
	APIKeyConfigured bool   `json:"api_key_configured"`
}

type TranscriptResponse struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []model.Entry `json:"messages"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
}

const (
	msgConversationCleared  = "Conversation cleared"
	msgConversationNotFound = "Conversation not found"
)
