package prompts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/chat-relay/server/internal/chat/model"
)

// SystemRenderer renders the configured system prompt as a Go template. The
// template is parsed once; an empty template renders nothing.
type SystemRenderer struct {
	tpl           prompt.ChatTemplate
	assistantName string
	now           func() time.Time
}

func NewSystemRenderer(cfg model.ChatConfig) *SystemRenderer {
	r := &SystemRenderer{assistantName: cfg.AssistantName, now: time.Now}
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		r.tpl = prompt.FromMessages(schema.GoTemplate, schema.SystemMessage(cfg.SystemPrompt))
	}
	return r
}

// Render returns the system message to prepend, or nil when none is configured.
// Template variables: {{.AssistantName}}, {{.Date}}.
func (r *SystemRenderer) Render(ctx context.Context) (*schema.Message, error) {
	if r == nil || r.tpl == nil {
		return nil, nil
	}
	msgs, err := r.tpl.Format(ctx, map[string]any{
		"AssistantName": r.assistantName,
		"Date":          r.now().UTC().Format("2006-01-02"),
	})
	if err != nil {
		return nil, fmt.Errorf("system prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return nil, fmt.Errorf("system prompt render: empty result")
	}
	return msgs[0], nil
}
