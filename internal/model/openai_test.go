package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// Wire shapes for asserting what the SDK put on the request.
type capturedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role       string `json:"role"`
		Content    any    `json:"content"`
		ToolCallID string `json:"tool_call_id"`
		ToolCalls  []struct {
			ID       string `json:"id"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"messages"`
	Tools []struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools"`
}

func contentString(t *testing.T, content any) string {
	t.Helper()
	s, ok := content.(string)
	require.True(t, ok, "expected string content, got %T", content)
	return s
}

func TestOpenAIClient_Generate(t *testing.T) {
	var captured capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "gpt-4o",
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Let me search.",
					"tool_calls": []map[string]any{{
						"id":   "tc-1",
						"type": "function",
						"function": map[string]any{
							"name":      "grep",
							"arguments": `{"pattern":"TODO"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
			"usage": map[string]any{"prompt_tokens": 42, "completion_tokens": 7},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient(
		WithOpenAIAPIKey("test-key"),
		WithOpenAIEndpoint(server.URL),
	)

	resp, err := client.Generate(context.Background(), &Request{
		SystemPrompt: "You are helpful.",
		Messages: []Message{
			{Role: v1.RoleUser, Content: []v1.ContentBlock{v1.TextBlock("find TODOs")}},
		},
		Tools: []ToolSchema{{
			Name:        "grep",
			Description: "search the workspace",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	})
	require.NoError(t, err)

	// System prompt leads the message list.
	require.NotEmpty(t, captured.Messages)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "You are helpful.", contentString(t, captured.Messages[0].Content))
	require.Len(t, captured.Tools, 1)
	assert.Equal(t, "grep", captured.Tools[0].Function.Name)

	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Equal(t, 42, resp.Usage.InputTokens)
	assert.Equal(t, 7, resp.Usage.OutputTokens)

	uses := resp.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "tc-1", uses[0].ID)
	assert.Equal(t, "grep", uses[0].Name)
	assert.JSONEq(t, `{"pattern":"TODO"}`, string(uses[0].Input))
}

func TestOpenAIClient_ToolResultConversion(t *testing.T) {
	var captured capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-2",
			"model": "gpt-4o",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "Done."},
				"finish_reason": "stop",
			}},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient(WithOpenAIAPIKey("k"), WithOpenAIEndpoint(server.URL))

	_, err := client.Generate(context.Background(), &Request{
		Messages: []Message{
			{Role: v1.RoleUser, Content: []v1.ContentBlock{v1.TextBlock("go")}},
			{Role: v1.RoleAssistant, Content: []v1.ContentBlock{
				v1.TextBlock("searching"),
				v1.ToolUseBlock("tc-1", "grep", json.RawMessage(`{}`)),
			}},
			{Role: v1.RoleTool, Content: []v1.ContentBlock{
				v1.ToolResultBlock("tc-1", []v1.ContentBlock{v1.TextBlock("found 3")}, false),
			}},
		},
	})
	require.NoError(t, err)

	require.Len(t, captured.Messages, 3)
	assert.Equal(t, "user", captured.Messages[0].Role)

	assistant := captured.Messages[1]
	assert.Equal(t, "assistant", assistant.Role)
	assert.Equal(t, "searching", contentString(t, assistant.Content))
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "tc-1", assistant.ToolCalls[0].ID)

	result := captured.Messages[2]
	assert.Equal(t, "tool", result.Role)
	assert.Equal(t, "tc-1", result.ToolCallID)
	assert.Equal(t, "found 3", contentString(t, result.Content))
}

func TestOpenAIClient_RetriesOn429(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-3",
			"model": "gpt-4o",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "ok"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient(WithOpenAIAPIKey("k"), WithOpenAIEndpoint(server.URL))
	client.retryBaseWait = time.Millisecond

	resp, err := client.Generate(context.Background(), &Request{
		Messages: []Message{{Role: v1.RoleUser, Content: []v1.ContentBlock{v1.TextBlock("hi")}}},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, StopEndTurn, resp.StopReason)
}

func TestOpenAIClient_DoesNotRetryOn400(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(WithOpenAIAPIKey("k"), WithOpenAIEndpoint(server.URL))
	client.retryBaseWait = time.Millisecond

	_, err := client.Generate(context.Background(), &Request{
		Messages: []Message{{Role: v1.RoleUser, Content: []v1.ContentBlock{v1.TextBlock("hi")}}},
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
