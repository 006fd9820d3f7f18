package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/tentickle/tentickle/internal/retry"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

const DefaultOpenAIModel = "gpt-4o"

var _ Client = (*OpenAIClient)(nil)

// OpenAIClient talks to the OpenAI Chat Completions API through the
// official SDK. The SDK's own retry loop is disabled; the shared retry
// wrapper owns backoff so both providers behave the same.
type OpenAIClient struct {
	client        openai.Client
	sdkOpts       []option.RequestOption
	model         string
	maxTokens     int
	maxRetries    int
	retryBaseWait time.Duration
}

// OpenAIOption configures the OpenAI client.
type OpenAIOption func(*OpenAIClient)

// WithOpenAIAPIKey sets the API key.
func WithOpenAIAPIKey(key string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.sdkOpts = append(c.sdkOpts, option.WithAPIKey(key))
	}
}

// WithOpenAIEndpoint sets the API base URL.
func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.sdkOpts = append(c.sdkOpts, option.WithBaseURL(endpoint))
	}
}

// WithOpenAIModel sets the default model.
func WithOpenAIModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithOpenAIHTTPClient sets the HTTP client.
func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(c *OpenAIClient) {
		c.sdkOpts = append(c.sdkOpts, option.WithHTTPClient(client))
	}
}

// WithOpenAIMaxTokens sets the completion token limit.
func WithOpenAIMaxTokens(n int) OpenAIOption {
	return func(c *OpenAIClient) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithOpenAIMaxRetries sets the maximum request attempts.
func WithOpenAIMaxRetries(n int) OpenAIOption {
	return func(c *OpenAIClient) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// NewOpenAIClient creates an OpenAI chat client. The API key defaults to
// OPENAI_API_KEY via the SDK.
func NewOpenAIClient(opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		model:         DefaultOpenAIModel,
		maxTokens:     4096,
		maxRetries:    retry.DefaultMaxRetries,
		retryBaseWait: retry.DefaultBaseWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.client = openai.NewClient(append([]option.RequestOption{option.WithMaxRetries(0)}, c.sdkOpts...)...)
	return c
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string { return "openai" }

// Generate submits the request and normalizes the reply.
func (c *OpenAIClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	var completion *openai.ChatCompletion
	err = retry.Do(ctx, func() error {
		var callErr error
		completion, callErr = c.client.Chat.Completions.New(ctx, params)
		return wrapOpenAIError(callErr)
	}, retry.WithMaxRetries(c.maxRetries), retry.WithBaseWait(c.retryBaseWait))
	if err != nil {
		return nil, err
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}
	return convertOpenAIResponse(completion), nil
}

// wrapOpenAIError lifts the SDK's status error into the retry layer's
// status-carrying error so 429/503/504 keep retrying.
func wrapOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return NewAPIError(apierr.StatusCode, apierr.Error())
	}
	return fmt.Errorf("error making request: %w", err)
}

func (c *OpenAIClient) buildParams(req *Request) (openai.ChatCompletionNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(model),
		MaxTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	if req.SystemPrompt != "" {
		params.Messages = append(params.Messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, msg := range req.Messages {
		converted, err := convertToOpenAI(msg)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		params.Messages = append(params.Messages, converted...)
	}

	for _, tool := range req.Tools {
		def := shared.FunctionDefinitionParam{Name: tool.Name}
		if tool.Description != "" {
			def.Description = openai.String(tool.Description)
		}
		if len(tool.InputSchema) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return openai.ChatCompletionNewParams{}, fmt.Errorf("invalid schema for tool %q: %w", tool.Name, err)
			}
			def.Parameters = shared.FunctionParameters(schema)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(def))
	}
	return params, nil
}

// convertToOpenAI maps one timeline turn onto the chat wire format. A
// single tool-role turn may expand into multiple "tool" messages, one per
// tool_result block.
func convertToOpenAI(msg Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	switch msg.Role {
	case v1.RoleAssistant:
		assistant := openai.ChatCompletionAssistantMessageParam{}
		var text string
		for _, block := range msg.Content {
			switch block.Type {
			case v1.BlockTypeToolUse:
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: block.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      block.Name,
							Arguments: string(block.Input),
						},
					},
				})
			default:
				if t := block.ExtractText(); t != "" {
					if text != "" {
						text += "\n"
					}
					text += t
				}
			}
		}
		if text != "" {
			assistant.Content.OfString = openai.String(text)
		}
		return []openai.ChatCompletionMessageParamUnion{{OfAssistant: &assistant}}, nil

	case v1.RoleTool:
		var out []openai.ChatCompletionMessageParamUnion
		for _, block := range msg.Content {
			if block.Type != v1.BlockTypeToolResult {
				continue
			}
			content := block.ExtractText()
			if content == "" {
				content = "(no output)"
			}
			out = append(out, openai.ToolMessage(content, block.ToolUseID))
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("tool message has no tool_result blocks")
		}
		return out, nil

	case v1.RoleSystem:
		return []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(flattenText(msg.Content))}, nil

	default:
		// user and event roles both present as user input.
		return []openai.ChatCompletionMessageParamUnion{openai.UserMessage(flattenText(msg.Content))}, nil
	}
}

func flattenText(blocks []v1.ContentBlock) string {
	var out string
	for _, block := range blocks {
		t := block.ExtractText()
		if t == "" && block.IsMedia() {
			t = fmt.Sprintf("[%s attachment]", block.Type)
		}
		if t == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += t
	}
	return out
}

func convertOpenAIResponse(completion *openai.ChatCompletion) *Response {
	choice := completion.Choices[0]

	var blocks []v1.ContentBlock
	if choice.Message.Content != "" {
		blocks = append(blocks, v1.TextBlock(choice.Message.Content))
	}
	for _, call := range choice.Message.ToolCalls {
		args := call.Function.Arguments
		if args == "" {
			args = "{}"
		}
		blocks = append(blocks, v1.ToolUseBlock(call.ID, call.Function.Name, json.RawMessage(args)))
	}

	stopReason := StopEndTurn
	switch choice.FinishReason {
	case "tool_calls":
		stopReason = StopToolUse
	case "length":
		stopReason = StopMaxTokens
	case "stop":
		stopReason = StopEndTurn
	}
	// Some models report "stop" even when tool calls are present.
	if stopReason == StopEndTurn && len(choice.Message.ToolCalls) > 0 {
		stopReason = StopToolUse
	}

	return &Response{
		Model:      completion.Model,
		Content:    blocks,
		StopReason: stopReason,
		Usage: v1.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
}
