// Package model defines the abstract model client contract and its HTTP
// provider implementations. Providers convert between the runtime's
// content block union and each API's wire format; the engine only sees
// Request and Response.
package model

import (
	"context"
	"encoding/json"
	"fmt"

	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// Stop reasons normalized across providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
	StopError     = "error"
)

// Message is one conversation turn submitted to the model.
type Message struct {
	Role    v1.Role
	Content []v1.ContentBlock
}

// ToolSchema describes one callable tool in the request payload.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a provider-independent model invocation.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSchema
	MaxTokens    int
	Temperature  *float64
}

// Response is the normalized model reply. Content may include tool_use
// blocks when the model requests tool dispatch.
type Response struct {
	Model      string
	Content    []v1.ContentBlock
	StopReason string
	Usage      v1.Usage
}

// ToolUses returns the tool_use blocks of the response in order.
func (r *Response) ToolUses() []v1.ContentBlock {
	var uses []v1.ContentBlock
	for _, b := range r.Content {
		if b.Type == v1.BlockTypeToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// Client is the abstract model provider contract.
type Client interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// apiError carries an HTTP status so the retry layer can distinguish
// transient failures (429/503/504) from protocol errors.
type apiError struct {
	statusCode int
	body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("model API error (status %d): %s", e.statusCode, e.body)
}

func (e *apiError) StatusCode() int { return e.statusCode }

// NewAPIError builds a status-carrying provider error.
func NewAPIError(statusCode int, body string) error {
	return &apiError{statusCode: statusCode, body: body}
}
