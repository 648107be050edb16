package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"

	"github.com/chat-relay/server/internal/chat/conversations"
	"github.com/chat-relay/server/internal/chat/model"
	errx "github.com/chat-relay/server/internal/core/error"
	logx "github.com/chat-relay/server/pkg/logger"
)

// Version is reported by the health probe.
const Version = "1.0.0"

// maxRequestBodySize caps chat request bodies (1MB).
const maxRequestBodySize = 1 << 20

// ChatService is what the HTTP layer needs from the orchestrator.
type ChatService interface {
	Handle(ctx context.Context, message, conversationID string) (conversations.Result, error)
	Clear(ctx context.Context, conversationID string) (bool, error)
	Transcript(ctx context.Context, conversationID string) ([]*schema.Message, bool, error)
}

// Handler serves the chat relay endpoints.
type Handler struct {
	chat             ChatService
	apiKeyConfigured bool
	requestTimeout   time.Duration
}

// NewHandler creates a Handler. A zero requestTimeout leaves requests bounded
// only by the client connection.
func NewHandler(chat ChatService, apiKeyConfigured bool, requestTimeout time.Duration) *Handler {
	return &Handler{
		chat:             chat,
		apiKeyConfigured: apiKeyConfigured,
		requestTimeout:   requestTimeout,
	}
}

// RegisterRoutes mounts every route, including the aliases older clients use.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Health)
	r.Get("/api", h.Health)
	r.Post("/", h.Chat)
	r.Post("/api/chat", h.Chat)
	r.Get("/api/conversation/{id}", h.GetConversation)
	r.Delete("/api/conversation/{id}", h.ClearConversation)
}

// NewRouter builds the full middleware stack around h.
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(hlog.NewHandler(logx.Logger()))
	r.Use(AccessLog())
	r.Use(chiMiddleware.Recoverer)
	r.Use(CORS(allowedOrigins))

	h.RegisterRoutes(r)
	return r
}

// Health reports liveness and whether the LLM credential is present.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, HealthResponse{
		Status:           "healthy",
		Message:          "Chat API is running",
		Version:          Version,
		APIKeyConfigured: h.apiKeyConfigured,
	})
}

// Chat relays one message and returns the assistant reply.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("invalid chat request body")
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	hlog.FromRequest(r).Debug().
		Str("conversation_id", req.ConversationID).
		Str("message", logx.Truncate(req.Message, 50)).
		Msg("chat request received")

	res, err := h.chat.Handle(ctx, req.Message, req.ConversationID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, ChatResponse{
		Response:       res.Reply,
		ConversationID: res.ConversationID,
	})
}

// ClearConversation deletes a transcript. Unknown ids are not an error.
func (h *Handler) ClearConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	removed, err := h.chat.Clear(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !removed {
		JSON(w, http.StatusOK, ClearResponse{Message: msgConversationNotFound})
		return
	}
	JSON(w, http.StatusOK, ClearResponse{Message: msgConversationCleared})
}

// GetConversation returns the committed transcript; unknown ids yield an empty list.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	msgs, _, err := h.chat.Transcript(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, TranscriptResponse{
		ConversationID: id,
		Messages:       model.Entries(msgs),
	})
}

// writeError maps the error taxonomy onto a status code and a detail string.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errx.StatusOf(err)
	kind := errx.KindOf(err)

	ev := hlog.FromRequest(r).Error()
	if kind == errx.KindValidation {
		ev = hlog.FromRequest(r).Warn()
	}
	ev.Err(err).Str("kind", kind.String()).Int("status", status).Msg("chat request failed")

	Error(w, status, err.Error())
}
