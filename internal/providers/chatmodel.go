package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/cloudwego/eino/components/model"

	"github.com/danielpatrickdp/newsgate/internal/prompt"
)

// #region chat-model
// ChatModel adapts an eino chat model to Provider.
type ChatModel struct {
	name        string
	model       model.BaseChatModel
	temperature float32
	maxTokens   int
}

// NewChatModel wraps m under name with fixed sampling options.
func NewChatModel(name string, m model.BaseChatModel, temperature float32, maxTokens int) *ChatModel {
	return &ChatModel{name: name, model: m, temperature: temperature, maxTokens: maxTokens}
}

func (c *ChatModel) Name() string { return c.name }

// Complete sends the system + user messages and returns the reply text.
// An empty reply is a malformed response.
func (c *ChatModel) Complete(ctx context.Context, p prompt.Prompt) (string, error) {
	opts := []model.Option{model.WithTemperature(c.temperature)}
	if c.maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(c.maxTokens))
	}

	msg, err := c.model.Generate(ctx, p.Messages(), opts...)
	if err != nil {
		if ctx.Err() != nil {
			return "", &Error{Provider: c.name, Kind: KindTimeout, Err: err}
		}
		return "", Classify(c.name, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", &Error{Provider: c.name, Kind: KindMalformed, Err: errors.New("empty completion")}
	}
	return strings.TrimSpace(msg.Content), nil
}

// #endregion chat-model
