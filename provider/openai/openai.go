// Package openai provides a planning adapter over the OpenAI Chat
// Completions API (including function/tool calling). It adapts run history
// into the SDK's message format and completion choices back into assistant
// actions.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/provider"
)

// Options configure the OpenAI planning adapter. Fields mirror a subset of
// Chat Completion parameters intentionally kept minimal.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
}

// Adapter wraps the OpenAI Chat Completions API behind the provider.Adapter
// interface.
type Adapter struct {
	client *openai.Client
	opts   Options
}

// New creates a new OpenAI adapter using the official client.
func New(optFns ...func(o *Options)) *Adapter {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.2,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)

	return &Adapter{client: &client, opts: opts}
}

// NewFromClient creates an adapter from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Adapter {
	a := New(optFns...)
	a.client = client
	return a
}

// Plan implements provider.Adapter.
func (a *Adapter) Plan(ctx context.Context, history []core.Message, tools []provider.ToolSpec) (core.AssistantAction, error) {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(history),
		Model:               a.opts.Model,
		Temperature:         openai.Float(a.opts.Temperature),
		MaxCompletionTokens: openai.Int(a.opts.MaxCompletionTokens),
	}
	if len(tools) > 0 {
		params.Tools = buildTools(tools)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, core.WrapError(core.ErrCodeProvider, err, "openai api error")
	}
	if len(resp.Choices) == 0 {
		return nil, core.NewError(core.ErrCodeProvider, "openai returned no choices")
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		calls := make([]core.ToolCall, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			args := map[string]any{}
			if tc.Function.Arguments != "" {
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			}
			calls = append(calls, core.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
		}
		return core.ToolCalls{Calls: calls}, nil
	}

	return core.Respond{Text: msg.Content}, nil
}

// ExtractImage implements provider.VisionAdapter with an image_url data URI.
func (a *Adapter) ExtractImage(ctx context.Context, image []byte, prompt string) (string, error) {
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(image)
	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: a.opts.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: dataURI,
				}),
			}),
		},
		MaxCompletionTokens: openai.Int(a.opts.MaxCompletionTokens),
	})
	if err != nil {
		return "", core.WrapError(core.ErrCodeProvider, err, "openai vision error")
	}
	if len(resp.Choices) == 0 {
		return "", core.NewError(core.ErrCodeProvider, "openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Info implements provider.Adapter.
func (a *Adapter) Info() provider.Info {
	return provider.Info{Name: a.opts.Model, Provider: "openai", SupportsVision: true}
}

// buildMessages converts run history into OpenAI chat messages. Assistant
// tool calls keep their IDs so tool result messages pair up server-side.
func buildMessages(history []core.Message) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion

	for _, m := range history {
		switch m.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case core.RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case core.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(m.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, call := range m.ToolCalls {
				args, err := json.Marshal(call.Args)
				if err != nil {
					args = []byte("{}")
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				},
			})
		case core.RoleTool:
			messages = append(messages, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			if m.Content != "" {
				messages = append(messages, openai.UserMessage(m.Content))
			}
		}
	}

	return messages
}

func buildTools(tools []provider.ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, tool := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  tool.Parameters,
			},
		}
	}
	return out
}
