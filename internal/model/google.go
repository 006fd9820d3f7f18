package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tentickle/tentickle/internal/retry"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

const (
	DefaultGoogleModel   = "gemini-2.0-flash"
	DefaultGoogleBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

var _ Client = (*GoogleClient)(nil)

// GoogleClient talks to the Gemini generateContent API.
type GoogleClient struct {
	client        *http.Client
	apiKey        string
	baseURL       string
	model         string
	maxTokens     int
	maxRetries    int
	retryBaseWait time.Duration
}

// GoogleOption configures the Google client.
type GoogleOption func(*GoogleClient)

// WithGoogleAPIKey sets the API key.
func WithGoogleAPIKey(key string) GoogleOption {
	return func(c *GoogleClient) { c.apiKey = key }
}

// WithGoogleBaseURL sets the API base URL.
func WithGoogleBaseURL(url string) GoogleOption {
	return func(c *GoogleClient) { c.baseURL = url }
}

// WithGoogleModel sets the default model.
func WithGoogleModel(model string) GoogleOption {
	return func(c *GoogleClient) { c.model = model }
}

// WithGoogleHTTPClient sets the HTTP client.
func WithGoogleHTTPClient(client *http.Client) GoogleOption {
	return func(c *GoogleClient) { c.client = client }
}

// NewGoogleClient creates a Gemini chat client.
func NewGoogleClient(opts ...GoogleOption) *GoogleClient {
	c := &GoogleClient{
		apiKey:        os.Getenv("GOOGLE_API_KEY"),
		baseURL:       DefaultGoogleBaseURL,
		client:        &http.Client{Timeout: 120 * time.Second},
		model:         DefaultGoogleModel,
		maxTokens:     4096,
		maxRetries:    retry.DefaultMaxRetries,
		retryBaseWait: retry.DefaultBaseWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name.
func (c *GoogleClient) Name() string { return "google" }

// Wire types for the generateContent API.

type gPart struct {
	Text             string             `json:"text,omitempty"`
	FunctionCall     *gFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *gFunctionResponse `json:"functionResponse,omitempty"`
}

type gFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type gFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type gContent struct {
	Role  string  `json:"role,omitempty"`
	Parts []gPart `json:"parts"`
}

type gRequest struct {
	SystemInstruction *gContent `json:"systemInstruction,omitempty"`
	Contents          []gContent `json:"contents"`
	Tools             []gTools   `json:"tools,omitempty"`
	GenerationConfig  *gGenConfig `json:"generationConfig,omitempty"`
}

type gTools struct {
	FunctionDeclarations []gFunctionDecl `json:"functionDeclarations"`
}

type gFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type gGenConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type gResponse struct {
	Candidates []struct {
		Content      gContent `json:"content"`
		FinishReason string   `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Generate submits the request and normalizes the reply.
func (c *GoogleClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	payload, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)

	var result gResponse
	err = retry.Do(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("error creating request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("error making request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(resp.Body)
			return NewAPIError(resp.StatusCode, string(data))
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	}, retry.WithMaxRetries(c.maxRetries), retry.WithBaseWait(c.retryBaseWait))
	if err != nil {
		return nil, err
	}

	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("model returned no candidates")
	}
	return c.convertResponse(model, &result)
}

func (c *GoogleClient) buildRequest(req *Request) (*gRequest, error) {
	out := &gRequest{
		GenerationConfig: &gGenConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	if out.GenerationConfig.MaxOutputTokens == 0 {
		out.GenerationConfig.MaxOutputTokens = c.maxTokens
	}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &gContent{Parts: []gPart{{Text: req.SystemPrompt}}}
	}

	// Gemini identifies function responses by name, not call id; collect
	// the id→name mapping from prior tool_use blocks.
	callNames := make(map[string]string)

	for _, msg := range req.Messages {
		content, err := convertToGemini(msg, callNames)
		if err != nil {
			return nil, err
		}
		if len(content.Parts) > 0 {
			out.Contents = append(out.Contents, content)
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]gFunctionDecl, len(req.Tools))
		for i, tool := range req.Tools {
			decls[i] = gFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			}
		}
		out.Tools = []gTools{{FunctionDeclarations: decls}}
	}
	return out, nil
}

func convertToGemini(msg Message, callNames map[string]string) (gContent, error) {
	switch msg.Role {
	case v1.RoleAssistant:
		content := gContent{Role: "model"}
		for _, block := range msg.Content {
			switch block.Type {
			case v1.BlockTypeToolUse:
				callNames[block.ID] = block.Name
				content.Parts = append(content.Parts, gPart{
					FunctionCall: &gFunctionCall{Name: block.Name, Args: block.Input},
				})
			default:
				if t := block.ExtractText(); t != "" {
					content.Parts = append(content.Parts, gPart{Text: t})
				}
			}
		}
		return content, nil

	case v1.RoleTool:
		content := gContent{Role: "user"}
		for _, block := range msg.Content {
			if block.Type != v1.BlockTypeToolResult {
				continue
			}
			name := callNames[block.ToolUseID]
			if name == "" {
				name = "tool"
			}
			content.Parts = append(content.Parts, gPart{
				FunctionResponse: &gFunctionResponse{
					Name:     name,
					Response: map[string]any{"output": block.ExtractText()},
				},
			})
		}
		return content, nil

	default:
		// user, system, event roles all present as user input.
		if t := flattenText(msg.Content); t != "" {
			return gContent{Role: "user", Parts: []gPart{{Text: t}}}, nil
		}
		return gContent{}, nil
	}
}

func (c *GoogleClient) convertResponse(model string, resp *gResponse) (*Response, error) {
	candidate := resp.Candidates[0]

	var blocks []v1.ContentBlock
	hasToolUse := false
	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			hasToolUse = true
			args := part.FunctionCall.Args
			if args == nil {
				args = json.RawMessage("{}")
			}
			blocks = append(blocks, v1.ToolUseBlock(
				"fc-"+uuid.New().String(), part.FunctionCall.Name, args))
		case part.Text != "":
			blocks = append(blocks, v1.TextBlock(part.Text))
		}
	}

	stopReason := StopEndTurn
	switch candidate.FinishReason {
	case "MAX_TOKENS":
		stopReason = StopMaxTokens
	case "STOP":
		stopReason = StopEndTurn
	}
	if hasToolUse {
		stopReason = StopToolUse
	}

	return &Response{
		Model:      model,
		Content:    blocks,
		StopReason: stopReason,
		Usage: v1.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}
