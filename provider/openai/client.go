// Package openai implements provider.Client on top of the official OpenAI Go
// SDK (github.com/openai/openai-go). The "create completion" call sits
// behind a small interface so tests can inject a fake.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/provider"
)

// ChatClient is the subset of the SDK's chat-completions client the adapter
// uses, satisfied by client.Chat.Completions in production.
type ChatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures default model parameters.
type Options struct {
	DefaultModel string
	Temperature  float64
}

// Client implements provider.Client against OpenAI Chat Completions.
type Client struct {
	chat  ChatClient
	model string
	temp  float64
}

// New builds a Client from an explicit chat client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, model: modelID, temp: opts.Temperature}, nil
}

// NewFromAPIKey builds a Client using the standard OpenAI SDK HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Invoke performs one synchronous chat-completion call.
func (c *Client) Invoke(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content))
		case model.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case model.RoleTool:
			msgs = append(msgs, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	temp := c.temp
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	if temp > 0 {
		params.Temperature = openai.Float(temp)
	}
	for _, t := range req.ToolDefs {
		fn := openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
		}
		if len(t.Parameters) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return model.Response{}, fmt.Errorf("openai: tool %q schema: %w", t.Name, err)
			}
			fn.Parameters = openai.FunctionParameters(schema)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{Function: fn})
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translate(resp), nil
}

func translate(resp *openai.ChatCompletion) model.Response {
	var out model.Message
	out.Role = model.RoleAssistant
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Content = choice.Message.Content
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCallRequest{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: []byte(tc.Function.Arguments),
			})
		}
	}
	return model.Response{
		Message: out,
		Usage: model.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
}

// Stream replays a single Invoke call as one terminal delta; see the
// Anthropic adapter for rationale.
func (c *Client) Stream(ctx context.Context, req model.Request, onDelta func(provider.StreamDelta)) (model.Response, error) {
	resp, err := c.Invoke(ctx, req)
	if err != nil {
		return model.Response{}, err
	}
	onDelta(provider.StreamDelta{TextDelta: resp.Message.Content, Done: true})
	return resp, nil
}
