// Package anthropic provides a planning adapter for the Anthropic Claude API.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/provider"
)

// Options configures the Anthropic planning adapter (model id, temperature,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Adapter wraps the Anthropic Messages API behind the provider.Adapter
// interface.
type Adapter struct {
	client *anthropic.Client
	opts   Options
}

// New creates a new Anthropic adapter using the official client.
func New(optFns ...func(o *Options)) *Adapter {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.2,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Adapter{client: &client, opts: opts}
}

// NewFromClient creates an adapter from an existing client, mainly for tests
// with a stubbed transport.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Adapter {
	a := New(optFns...)
	a.client = client
	return a
}

// Plan implements provider.Adapter. Tool-use blocks in the completion become
// a ToolCalls action; a pure-text completion becomes Respond.
func (a *Adapter) Plan(ctx context.Context, history []core.Message, tools []provider.ToolSpec) (core.AssistantAction, error) {
	params := anthropic.MessageNewParams{
		Model:       a.opts.Model,
		Messages:    buildMessages(history),
		MaxTokens:   a.opts.MaxTokens,
		Temperature: anthropic.Float(a.opts.Temperature),
	}
	if system := extractSystem(history); len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = buildTools(tools)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, core.WrapError(core.ErrCodeProvider, err, "anthropic api error")
	}

	var text string
	var calls []core.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			args := map[string]any{}
			if tu.Input != nil {
				if raw, err := json.Marshal(tu.Input); err == nil {
					_ = json.Unmarshal(raw, &args)
				}
			}
			calls = append(calls, core.ToolCall{ID: tu.ID, Name: tu.Name, Args: args})
		}
	}

	if len(calls) > 0 {
		return core.ToolCalls{Calls: calls}, nil
	}
	return core.Respond{Text: text}, nil
}

// ExtractImage implements provider.VisionAdapter using an image block plus
// an extraction prompt.
func (a *Adapter) ExtractImage(ctx context.Context, image []byte, prompt string) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(image)
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.opts.Model,
		MaxTokens: a.opts.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64("image/png", encoded),
				anthropic.NewTextBlock(prompt),
			),
		},
	})
	if err != nil {
		return "", core.WrapError(core.ErrCodeProvider, err, "anthropic vision error")
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	return text, nil
}

// Info implements provider.Adapter.
func (a *Adapter) Info() provider.Info {
	return provider.Info{Name: string(a.opts.Model), Provider: "anthropic", SupportsVision: true}
}

// buildMessages converts run history to Anthropic message format. System
// messages are handled separately; tool results become tool_result blocks in
// a user turn, per the Messages API contract.
func buildMessages(history []core.Message) []anthropic.MessageParam {
	var messages []anthropic.MessageParam

	for _, m := range history {
		switch m.Role {
		case core.RoleSystem:
			continue
		case core.RoleUser:
			if m.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		case core.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				content = append(content, anthropic.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(call.ID, call.Args, call.Name))
			}
			if len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}
		case core.RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		default:
			if m.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}

	return messages
}

func extractSystem(history []core.Message) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	for _, m := range history {
		if m.Role == core.RoleSystem && m.Content != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: m.Content})
		}
	}
	return blocks
}

func buildTools(tools []provider.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if tool.Parameters != nil {
			if properties, ok := tool.Parameters["properties"]; ok {
				inputSchema.Properties = properties
			}
			if required, ok := tool.Parameters["required"]; ok {
				switch req := required.(type) {
				case []string:
					inputSchema.Required = req
				case []any:
					for _, r := range req {
						if s, ok := r.(string); ok {
							inputSchema.Required = append(inputSchema.Required, s)
						}
					}
				}
			}
		}
		out[i] = anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
	}
	return out
}
