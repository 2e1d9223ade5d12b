package callx

import (
	"context"
	"errors"
	"time"

	"github.com/Abraxas-365/craftable/ai/llm"
)

// CompletionFunc sends a chat to a model and returns the reply text.
type CompletionFunc func(ctx context.Context, messages []llm.Message, opts ...llm.Option) (string, error)

// FromLLMClient adapts a craftable llm client.
func FromLLMClient(client *llm.Client) CompletionFunc {
	return func(ctx context.Context, messages []llm.Message, opts ...llm.Option) (string, error) {
		resp, err := client.Chat(ctx, messages, opts...)
		if err != nil {
			return "", err
		}
		return resp.Message.Content, nil
	}
}

// Prompt is a fully resolved AI Prompt request.
type Prompt struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float32
	MaxTokens    int
	Timeout      time.Duration
	Policy       *RetryPolicy
}

// LLMClient runs AI Prompt nodes.
type LLMClient struct {
	complete     CompletionFunc
	defaultModel string
	invoker      Invoker
}

func NewLLMClient(complete CompletionFunc, defaultModel string, invoker Invoker) *LLMClient {
	return &LLMClient{complete: complete, defaultModel: defaultModel, invoker: invoker}
}

// Complete returns the model reply. Unclassified provider errors are retried.
func (c *LLMClient) Complete(ctx context.Context, p Prompt) (string, error) {
	if c == nil || c.complete == nil {
		return "", &CallError{Kind: KindPermanent, Backend: "llm", Cause: ErrNoBackend().WithDetail("backend", "llm")}
	}
	model := p.Model
	if model == "" {
		model = c.defaultModel
	}

	var messages []llm.Message
	if p.SystemPrompt != "" {
		messages = append(messages, llm.NewSystemMessage(p.SystemPrompt))
	}
	messages = append(messages, llm.NewUserMessage(p.Prompt))

	opts := []llm.Option{
		llm.WithTemperature(p.Temperature),
		llm.WithMaxTokens(p.MaxTokens),
	}
	if model != "" {
		opts = append(opts, llm.WithModel(model))
	}

	out, err := c.invoker.Invoke(ctx, Call{
		Backend: "llm",
		Name:    model,
		Timeout: p.Timeout,
		Policy:  p.Policy,
		Do: func(ctx context.Context) (any, error) {
			text, err := c.complete(ctx, messages, opts...)
			if err != nil {
				var ce *CallError
				if errors.As(err, &ce) {
					return nil, err
				}
				return nil, Transient(err)
			}
			return text, nil
		},
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}
