package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/logger"
	"github.com/tentickle/tentickle/internal/gateway"
	"github.com/tentickle/tentickle/internal/memory"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

func registerTools(s *server.MCPServer, gw *gateway.Gateway, mem *memory.Memory, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("remember",
			mcp.WithDescription("Store a fact in the agent's long-term memory."),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The fact to remember"),
			),
			mcp.WithString("topic",
				mcp.Description("Topic label for grouping related facts (optional)"),
			),
			mcp.WithNumber("importance",
				mcp.Description("Importance from 0 to 1, default 0.5 (optional)"),
			),
		),
		rememberHandler(mem, log),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Search the agent's long-term memory."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Free-text search query"),
			),
			mcp.WithString("topic",
				mcp.Description("Restrict results to one topic (optional)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of results, default 5 (optional)"),
			),
		),
		recallHandler(mem, log),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription(
				"Send a message to an agent session and wait for its reply. "+
					"The session key is app:localKey, or a bare local key for the default app."),
			mcp.WithString("session",
				mcp.Required(),
				mcp.Description("The session key to deliver the message to"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message text"),
			),
		),
		sendMessageHandler(gw, log),
	)
}

func rememberHandler(mem *memory.Memory, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		entry, err := mem.Remember(ctx, memory.RememberInput{
			Content:    content,
			Topic:      req.GetString("topic", ""),
			Importance: req.GetFloat("importance", 0.5),
		})
		if err != nil {
			log.Error("remember failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to store memory: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Remembered (id %s).", entry.ID)), nil
	}
}

func recallHandler(mem *memory.Memory, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result, err := mem.Recall(ctx, query, memory.RecallOptions{
			Topic: req.GetString("topic", ""),
			Limit: req.GetInt("limit", 5),
		})
		if err != nil {
			log.Error("recall failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to search memory: %v", err)), nil
		}
		if len(result.Entries) == 0 {
			return mcp.NewToolResultText("No matching memories."), nil
		}

		var b strings.Builder
		for i, entry := range result.Entries {
			fmt.Fprintf(&b, "%d. %s", i+1, entry.Content)
			if entry.Topic != "" {
				fmt.Fprintf(&b, " (topic: %s)", entry.Topic)
			}
			b.WriteString("\n")
		}
		if len(result.Hints.RelatedTopics) > 0 {
			fmt.Fprintf(&b, "\nRelated topics: %s\n", strings.Join(result.Hints.RelatedTopics, ", "))
		}
		return mcp.NewToolResultText(b.String()), nil
	}
}

func sendMessageHandler(gw *gateway.Gateway, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionKey, err := req.RequireString("session")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		// Subscribe before sending so the execution end is not missed.
		sub, sessionID, err := gw.Subscribe(ctx, sessionKey, v1.EventExecutionEnd)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to reach session: %v", err)), nil
		}
		defer sub.Close()

		_, execID, err := gw.Send(ctx, sessionKey, v1.UserInput(message))
		if err != nil {
			log.Error("send failed", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to deliver message: %v", err)), nil
		}

		for {
			select {
			case <-ctx.Done():
				return mcp.NewToolResultError("Cancelled while waiting for the reply."), nil
			case ev, ok := <-sub.Events():
				if !ok {
					return mcp.NewToolResultError("Session event stream closed."), nil
				}
				if ev.ExecutionID != execID {
					continue
				}
				if ev.Error != "" {
					return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %s", ev.Error)), nil
				}
				if ev.Output == "" {
					return mcp.NewToolResultText("(no reply)"), nil
				}
				return mcp.NewToolResultText(ev.Output), nil
			}
		}
	}
}
