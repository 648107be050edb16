package conversations

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/chat-relay/server/internal/chat/llm"
	"github.com/chat-relay/server/internal/chat/model"
	"github.com/chat-relay/server/internal/chat/prompts"
	errx "github.com/chat-relay/server/internal/core/error"
	logx "github.com/chat-relay/server/pkg/logger"
)

// DefaultFallbackReply is committed and returned when the backend answers with no text.
const DefaultFallbackReply = "no response generated"

// Config tunes how the Orchestrator builds the outbound request.
type Config struct {
	// Policy windows the history sent to the backend. Nil means KeepAll.
	Policy HistoryPolicy
	// System, when non-nil and configured, prepends a system message to the
	// outbound list. It is never stored.
	System *prompts.SystemRenderer
	// FallbackReply replaces an empty backend reply. Empty means DefaultFallbackReply.
	FallbackReply string
}

// Result is the outcome of one committed turn.
type Result struct {
	Reply          string
	ConversationID string
	TurnID         string
	// Fallback is set when the backend returned no text and FallbackReply was used.
	Fallback bool
}

// Orchestrator turns one inbound message into one reply. Every error it
// returns is an *errx.AppError of kind Validation, Configuration, Upstream or
// Internal; on any error the transcript is left untouched.
type Orchestrator struct {
	store     model.TranscriptStore
	completer llm.Completer
	policy    HistoryPolicy
	system    *prompts.SystemRenderer
	fallback  string
	locks     *keyedLocks
}

func NewOrchestrator(store model.TranscriptStore, completer llm.Completer, cfg Config) *Orchestrator {
	if cfg.Policy == nil {
		cfg.Policy = KeepAll{}
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = DefaultFallbackReply
	}
	return &Orchestrator{
		store:     store,
		completer: completer,
		policy:    cfg.Policy,
		system:    cfg.System,
		fallback:  cfg.FallbackReply,
		locks:     newKeyedLocks(),
	}
}

// Handle validates message, runs it against the conversation's history and
// commits the user/assistant pair only after the backend succeeded.
func (o *Orchestrator) Handle(ctx context.Context, message, conversationID string) (Result, error) {
	if strings.TrimSpace(message) == "" {
		return Result{}, errx.Validation(errx.EmptyMessage)
	}

	id := model.ResolveConversationID(conversationID)
	turnID := uuid.NewString()

	// Held from history read to commit so concurrent turns on one id never
	// read the same history. Other ids are unaffected.
	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		logx.Warn().Err(err).Str("conversation_id", id).Str("turn_id", turnID).Msg("request ended while waiting for conversation")
		return Result{}, errx.Internal(fmt.Errorf("wait for conversation %q: %w", id, err))
	}
	defer unlock()

	history, err := o.store.GetOrCreate(ctx, id)
	if err != nil {
		logx.Error().Err(err).Str("conversation_id", id).Str("turn_id", turnID).Msg("failed to load transcript")
		return Result{}, errx.Internal(fmt.Errorf("load transcript: %w", err))
	}

	outbound, err := o.buildOutbound(ctx, history, message)
	if err != nil {
		logx.Error().Err(err).Str("conversation_id", id).Str("turn_id", turnID).Msg("failed to build outbound messages")
		return Result{}, errx.Internal(err)
	}

	logx.Info().
		Str("conversation_id", id).
		Str("turn_id", turnID).
		Int("history_len", len(history)).
		Int("outbound_len", len(outbound)).
		Str("message", logx.Truncate(message, 50)).
		Msg("sending chat request to LLM")

	out, err := o.completer.Complete(ctx, outbound)
	if err != nil {
		if errors.Is(err, errx.ErrMissingCredential) {
			logx.Error().Str("conversation_id", id).Str("turn_id", turnID).Msg("API key not configured")
			return Result{}, errx.Configuration(err)
		}
		logx.Error().Err(err).Str("conversation_id", id).Str("turn_id", turnID).Msg("error calling LLM API")
		return Result{}, errx.Upstream(err)
	}

	res := Result{ConversationID: id, TurnID: turnID}
	if out != nil {
		res.Reply = out.Content
	}
	if strings.TrimSpace(res.Reply) == "" {
		logx.Warn().Str("conversation_id", id).Str("turn_id", turnID).Msg("LLM returned an empty reply, using fallback")
		res.Reply = o.fallback
		res.Fallback = true
	}

	// The backend already answered; a caller disconnecting now must not drop the turn.
	if err := o.store.AppendTurn(context.WithoutCancel(ctx), id, message, res.Reply); err != nil {
		logx.Error().Err(err).Str("conversation_id", id).Str("turn_id", turnID).Msg("failed to commit turn")
		return Result{}, errx.Internal(fmt.Errorf("commit turn: %w", err))
	}

	logx.Info().
		Str("conversation_id", id).
		Str("turn_id", turnID).
		Bool("fallback", res.Fallback).
		Msg("response generated successfully")
	return res, nil
}

// buildOutbound is the windowed history, an optional system message first,
// and the new user message last.
func (o *Orchestrator) buildOutbound(ctx context.Context, history []*schema.Message, message string) ([]*schema.Message, error) {
	window := o.policy.Apply(history)

	outbound := make([]*schema.Message, 0, len(window)+2)
	sys, err := o.system.Render(ctx)
	if err != nil {
		return nil, err
	}
	if sys != nil {
		outbound = append(outbound, sys)
	}
	outbound = append(outbound, window...)
	outbound = append(outbound, schema.UserMessage(message))
	return outbound, nil
}

// Clear deletes a conversation. It waits for an in-flight turn on the same id
// so a turn never commits into a transcript that was just cleared.
func (o *Orchestrator) Clear(ctx context.Context, conversationID string) (bool, error) {
	unlock, err := o.locks.Lock(ctx, conversationID)
	if err != nil {
		return false, errx.Internal(fmt.Errorf("wait for conversation %q: %w", conversationID, err))
	}
	defer unlock()

	removed, err := o.store.Delete(ctx, conversationID)
	if err != nil {
		logx.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to delete transcript")
		return false, errx.Internal(fmt.Errorf("delete transcript: %w", err))
	}
	logx.Info().Str("conversation_id", conversationID).Bool("removed", removed).Msg("conversation clear requested")
	return removed, nil
}

// Transcript returns the committed history without materialising unknown ids.
func (o *Orchestrator) Transcript(ctx context.Context, conversationID string) ([]*schema.Message, bool, error) {
	msgs, ok, err := o.store.Lookup(ctx, conversationID)
	if err != nil {
		return nil, false, errx.Internal(fmt.Errorf("lookup transcript: %w", err))
	}
	return msgs, ok, nil
}
