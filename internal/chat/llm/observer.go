package llm

import (
	"context"

	einocb "github.com/cloudwego/eino/callbacks"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	logx "github.com/chat-relay/server/pkg/logger"
)

const logPreview = 120

// NewModelObserver returns a callbacks.Handler that logs every chat model call.
func NewModelObserver() einocb.Handler {
	return callbackHelper.NewHandlerHelper().
		ChatModel(newModelHandler()).
		Handler()
}

func newModelHandler() *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *einomodel.CallbackInput) context.Context {
			ev := logx.Debug().Str("model", info.Name)
			if input != nil {
				ev = ev.Int("messages", len(input.Messages)).
					Str("user", logx.Truncate(lastUserContent(input.Messages), logPreview))
			}
			ev.Msg("model call start")
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *einomodel.CallbackOutput) context.Context {
			ev := logx.Debug().Str("model", info.Name)
			if output != nil && output.Message != nil {
				ev = ev.Str("assistant", logx.Truncate(output.Message.Content, logPreview))
			}
			ev.Msg("model call end")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Warn().Err(err).Str("model", info.Name).Msg("model call failed")
			return ctx
		},
	}
}

func lastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil {
			continue
		}
		if m.Role == schema.User {
			return m.Content
		}
	}
	return ""
}
