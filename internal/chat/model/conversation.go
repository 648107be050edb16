package model

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/schema"
)

// DefaultConversationID is used when a request carries no conversation id.
const DefaultConversationID = "default"

// ErrTranscriptNotFound is returned by AppendTurn when the transcript was never
// materialised with GetOrCreate, or was deleted in between.
var ErrTranscriptNotFound = errors.New("transcript not found")

// TranscriptStore owns every conversation history. It is the single source of
// truth for what has been said so far in each conversation.
type TranscriptStore interface {
	// GetOrCreate returns a copy of the transcript for id, materialising an empty one if unseen.
	GetOrCreate(ctx context.Context, conversationID string) ([]*schema.Message, error)

	// Lookup returns a copy of the transcript for id without materialising it.
	Lookup(ctx context.Context, conversationID string) ([]*schema.Message, bool, error)

	// AppendTurn appends a user message then an assistant message as one unit.
	AppendTurn(ctx context.Context, conversationID, userText, assistantText string) error

	// Delete removes the transcript and reports whether anything was removed.
	Delete(ctx context.Context, conversationID string) (bool, error)
}

// ResolveConversationID applies the default sentinel to an empty id.
func ResolveConversationID(id string) string {
	if id == "" {
		return DefaultConversationID
	}
	return id
}

// TurnMessages builds the user/assistant pair that makes up one committed turn.
func TurnMessages(userText, assistantText string) []*schema.Message {
	return []*schema.Message{
		schema.UserMessage(userText),
		schema.AssistantMessage(assistantText, nil),
	}
}

// CloneMessages copies role and content of each message so stored entries are
// never shared with callers.
func CloneMessages(msgs []*schema.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		out = append(out, &schema.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// Entry is the wire form of a stored message.
type Entry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Entries converts messages to their wire form.
func Entries(msgs []*schema.Message) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		out = append(out, Entry{Role: string(m.Role), Content: m.Content})
	}
	return out
}
