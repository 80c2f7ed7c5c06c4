// Package bedrock implements provider.Client on top of the AWS Bedrock
// Converse API: system and conversational messages are split per the
// Converse contract, and Converse text + tool_use blocks are translated
// back into model.Response.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/provider"
)

// RuntimeClient is the subset of the Bedrock runtime client the adapter
// uses, satisfied by *bedrockruntime.Client in production.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures default model/sampling parameters.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Client implements provider.Client against AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int
	temperature  float32
}

// New builds a Client from an explicit runtime client (tests inject a fake here).
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{runtime: runtime, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

// Invoke performs one synchronous Converse call.
func (c *Client) Invoke(ctx context.Context, req model.Request) (model.Response, error) {
	input, err := c.buildInput(req)
	if err != nil {
		return model.Response{}, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return model.Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translate(out)
}

func (c *Client) buildInput(req model.Request) (*bedrockruntime.ConverseInput, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages := make([]brtypes.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleUser:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleAssistant:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleTool:
			messages = append(messages, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(m.ToolCallID),
						Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
					},
				}},
			})
		}
	}
	var system []brtypes.SystemContentBlock
	if req.SystemPrompt != "" {
		system = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt}}
	}
	inferenceConfig := &brtypes.InferenceConfiguration{}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		v := int32(maxTokens)
		inferenceConfig.MaxTokens = &v
	}
	temp := c.temperature
	if req.Temperature != nil {
		temp = float32(*req.Temperature)
	}
	if temp > 0 {
		inferenceConfig.Temperature = &temp
	}
	var toolConfig *brtypes.ToolConfiguration
	if len(req.ToolDefs) > 0 {
		tools := make([]brtypes.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			spec := brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
			}
			if len(t.Parameters) > 0 {
				var schema map[string]any
				if err := json.Unmarshal(t.Parameters, &schema); err != nil {
					return nil, fmt.Errorf("bedrock: tool %q schema: %w", t.Name, err)
				}
				spec.InputSchema = &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)}
			}
			tools = append(tools, &brtypes.ToolMemberToolSpec{Value: spec})
		}
		toolConfig = &brtypes.ToolConfiguration{Tools: tools}
	}
	return &bedrockruntime.ConverseInput{
		ModelId:         &modelID,
		Messages:        messages,
		System:          system,
		InferenceConfig: inferenceConfig,
		ToolConfig:      toolConfig,
	}, nil
}

func translate(out *bedrockruntime.ConverseOutput) (model.Response, error) {
	msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return model.Response{}, errors.New("bedrock: unexpected converse output type")
	}
	result := model.Message{Role: model.RoleAssistant}
	for _, block := range msgOutput.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			result.Content += v.Value
		case *brtypes.ContentBlockMemberToolUse:
			args, _ := v.Value.Input.(interface{ MarshalSmithyDocument() ([]byte, error) })
			var raw []byte
			if args != nil {
				raw, _ = args.MarshalSmithyDocument()
			}
			result.ToolCalls = append(result.ToolCalls, model.ToolCallRequest{
				ID:   aws.ToString(v.Value.ToolUseId),
				Name: aws.ToString(v.Value.Name),
				Args: raw,
			})
		}
	}
	usage := model.Usage{}
	if out.Usage != nil {
		usage.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		usage.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return model.Response{Message: result, Usage: usage}, nil
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
