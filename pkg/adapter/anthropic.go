package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/zen-systems/careflow/pkg/artifact"
)

// AnthropicAdapter implements the Adapter interface for Claude models.
type AnthropicAdapter struct {
	client anthropic.Client
}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter(apiKey string, opts ...option.RequestOption) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	client := anthropic.NewClient(opts...)
	return &AnthropicAdapter{client: client}, nil
}

// Name returns the adapter identifier.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Models returns the list of supported Claude models.
func (a *AnthropicAdapter) Models() []string {
	return []string{
		"claude-3-5-haiku-20241022",
		"claude-sonnet-4-20250514",
		"claude-opus-4-20250514",
	}
}

// Complete sends the messages to Claude. Cache-eligible messages are sent
// with an ephemeral cache_control block.
func (a *AnthropicAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("anthropic: request is nil")
	}

	resp, err := a.client.Messages.New(ctx, messageParams(req))
	if err != nil {
		return nil, wrapAnthropicError(err)
	}
	return messageResponse(resp, a.Name(), req.Model, req.Digest()), nil
}

// messageParams maps a Request onto Messages API parameters. System messages
// become system blocks; the rest keep their order.
func messageParams(req *Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(maxTokensOr(req.MaxTokens, 2048)),
		Temperature: anthropic.Float(req.Temperature),
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			block := anthropic.TextBlockParam{Text: m.Content}
			if m.Cache {
				block.CacheControl = anthropic.NewCacheControlEphemeralParam()
			}
			params.System = append(params.System, block)
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropicText(m)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropicText(m)))
		}
	}
	return params
}

func messageResponse(msg *anthropic.Message, adapterName, model, digest string) *Response {
	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	usage := &Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		CacheReadTokens:  int(msg.Usage.CacheReadInputTokens),
		CacheWriteTokens: int(msg.Usage.CacheCreationInputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return &Response{
		Artifact: artifact.New(content, adapterName, model, digest),
		Usage:    usage,
	}
}

func anthropicText(m Message) anthropic.ContentBlockParamUnion {
	block := &anthropic.TextBlockParam{Text: m.Content}
	if m.Cache {
		block.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	return anthropic.ContentBlockParamUnion{OfText: block}
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &AdapterError{
			Provider: "anthropic",
			Status:   apiErr.StatusCode,
			Err:      fmt.Errorf("anthropic API error: %w", err),
		}
	}
	return &AdapterError{Provider: "anthropic", Err: fmt.Errorf("anthropic API error: %w", err)}
}
