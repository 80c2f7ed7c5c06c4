// Package anthropic implements provider.Client on top of the Anthropic
// Claude Messages API, translating to and from this module's
// model.Request/Response types.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/provider"
)

// MessagesClient is the subset of the Anthropic SDK client the adapter uses,
// satisfied by *sdk.MessageService in production and by a fake in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures default model/sampling parameters applied when a
// model.Request leaves them unset.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements provider.Client against Anthropic Claude.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// New builds a Client from an explicit Messages client (tests inject a fake here).
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

// NewFromAPIKey builds a Client using the standard Anthropic SDK HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, Options{DefaultModel: defaultModel})
}

// Invoke performs one synchronous Messages.New call.
func (c *Client) Invoke(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepare(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translate(msg), nil
}

func (c *Client) prepare(req model.Request) (sdk.MessageNewParams, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens <= 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: max_tokens must be positive")
	}
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleTool:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	toolDefs := make([]sdk.ToolUnionParam, 0, len(req.ToolDefs))
	for _, t := range req.ToolDefs {
		schema, err := toolInputSchema(t.Parameters)
		if err != nil {
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: tool %q schema: %w", t.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		toolDefs = append(toolDefs, u)
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(toolDefs) > 0 {
		params.Tools = toolDefs
	}
	temp := req.Temperature
	t := c.temperature
	if temp != nil {
		t = *temp
	}
	if t > 0 {
		params.Temperature = sdk.Float(t)
	}
	return params, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translate(msg *sdk.Message) model.Response {
	out := model.Message{Role: model.RoleAssistant}
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case sdk.TextBlock:
			out.Content += v.Text
		case sdk.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, model.ToolCallRequest{
				ID:   v.ID,
				Name: v.Name,
				Args: v.Input,
			})
		}
	}
	return model.Response{
		Message: out,
		Usage: model.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

// Stream performs one call and replays it as a single terminal delta. A full
// incremental adapter would use sdk.MessageService.NewStreaming instead; the
// reference adapter keeps this simple since the runtime's tick loop does not
// require streaming to function.
func (c *Client) Stream(ctx context.Context, req model.Request, onDelta func(provider.StreamDelta)) (model.Response, error) {
	resp, err := c.Invoke(ctx, req)
	if err != nil {
		return model.Response{}, err
	}
	onDelta(provider.StreamDelta{TextDelta: resp.Message.Content, Done: true})
	return resp, nil
}
