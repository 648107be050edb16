package llm

import (
	"context"
	"fmt"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ChatModelCompleter adapts any eino chat model to the Completer boundary.
type ChatModelCompleter struct {
	chatModel einomodel.BaseChatModel
	modelName string
	handlers  []einocb.Handler
}

// NewChatModelCompleter wraps chatModel. Handlers receive the model's
// start/end/error callbacks for every completion.
func NewChatModelCompleter(chatModel einomodel.BaseChatModel, modelName string, handlers ...einocb.Handler) *ChatModelCompleter {
	return &ChatModelCompleter{
		chatModel: chatModel,
		modelName: modelName,
		handlers:  handlers,
	}
}

func (c *ChatModelCompleter) Complete(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
	if len(c.handlers) > 0 {
		ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
			Name:      c.modelName,
			Type:      "relay",
			Component: components.ComponentOfChatModel,
		}, c.handlers...)
	}

	out, err := c.chatModel.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if out == nil {
		return schema.AssistantMessage("", nil), nil
	}
	if out.ResponseMeta != nil {
		logUsage(c.modelName, out.ResponseMeta.Usage)
	}
	return out, nil
}

var _ Completer = (*ChatModelCompleter)(nil)
