// Package v1 defines the wire and storage types shared by the runtime,
// its transports, and external clients: content blocks, timeline entries,
// execution events, and the persistent record types.
package v1

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BlockType discriminates the content block union.
type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeImage      BlockType = "image"
	BlockTypeAudio      BlockType = "audio"
	BlockTypeVideo      BlockType = "video"
	BlockTypeDocument   BlockType = "document"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
	BlockTypeCode       BlockType = "code"
	BlockTypeJSON       BlockType = "json"
)

// MediaSource points at media content, either inline (base64) or by
// content hash into the media table.
type MediaSource struct {
	Kind      string `json:"kind"` // "base64" or "hash"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	Hash      string `json:"hash,omitempty"`
}

// ContentBlock is one element of a message's content. It is a tagged union
// discriminated by Type; only the fields relevant to that type are set.
// Dispatch sites must switch exhaustively over Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text / code / document text
	Text string `json:"text,omitempty"`

	// code
	Language string `json:"language,omitempty"`

	// json
	Data json.RawMessage `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`

	// media
	Source *MediaSource `json:"source,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// Transient fields populated during rendering. Never persisted:
	// CommitEntry strips them before serialization.
	Semantic  map[string]any `json:"semantic,omitempty"`
	Formatted string         `json:"formatted,omitempty"`
}

// TextBlock returns a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// ToolUseBlock returns a tool invocation block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockTypeToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock returns a tool result block referencing the originating call.
func ToolResultBlock(toolUseID string, content []ContentBlock, isError bool) ContentBlock {
	return ContentBlock{Type: BlockTypeToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// IsMedia reports whether the block carries media content. tool_use blocks
// are never media even when their input references attachments.
func (b ContentBlock) IsMedia() bool {
	switch b.Type {
	case BlockTypeImage, BlockTypeAudio, BlockTypeVideo, BlockTypeDocument:
		return true
	case BlockTypeText, BlockTypeToolUse, BlockTypeToolResult, BlockTypeCode, BlockTypeJSON:
		return false
	default:
		return false
	}
}

// ExtractText returns the searchable text content of the block, descending
// into nested tool_result content.
func (b ContentBlock) ExtractText() string {
	switch b.Type {
	case BlockTypeText, BlockTypeCode:
		return b.Text
	case BlockTypeJSON:
		return string(b.Data)
	case BlockTypeToolUse:
		return string(b.Input)
	case BlockTypeToolResult:
		parts := make([]string, 0, len(b.Content))
		for _, nested := range b.Content {
			if t := nested.ExtractText(); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, "\n")
	case BlockTypeImage, BlockTypeAudio, BlockTypeVideo, BlockTypeDocument:
		return b.Text
	default:
		return ""
	}
}

// StripTransient returns a copy of the block with transient rendering fields
// cleared, recursively through nested content.
func (b ContentBlock) StripTransient() ContentBlock {
	out := b
	out.Semantic = nil
	out.Formatted = ""
	if len(b.Content) > 0 {
		out.Content = make([]ContentBlock, len(b.Content))
		for i, nested := range b.Content {
			out.Content[i] = nested.StripTransient()
		}
	}
	return out
}

// Validate checks that the discriminator is known and its required fields
// are present.
func (b ContentBlock) Validate() error {
	switch b.Type {
	case BlockTypeText, BlockTypeCode:
		return nil
	case BlockTypeJSON:
		return nil
	case BlockTypeToolUse:
		if b.ID == "" || b.Name == "" {
			return fmt.Errorf("tool_use block requires id and name")
		}
		return nil
	case BlockTypeToolResult:
		if b.ToolUseID == "" {
			return fmt.Errorf("tool_result block requires tool_use_id")
		}
		return nil
	case BlockTypeImage, BlockTypeAudio, BlockTypeVideo, BlockTypeDocument:
		return nil
	default:
		return fmt.Errorf("unknown content block type %q", b.Type)
	}
}

// BlockTypeCounts summarizes non-text block types for compaction previews,
// e.g. "[image ×3, document]".
func BlockTypeCounts(blocks []ContentBlock) string {
	counts := make(map[BlockType]int)
	var order []BlockType
	for _, b := range blocks {
		if b.Type == BlockTypeText {
			continue
		}
		if counts[b.Type] == 0 {
			order = append(order, b.Type)
		}
		counts[b.Type]++
	}
	if len(order) == 0 {
		return ""
	}
	parts := make([]string, 0, len(order))
	for _, t := range order {
		if counts[t] > 1 {
			parts = append(parts, fmt.Sprintf("%s ×%d", t, counts[t]))
		} else {
			parts = append(parts, string(t))
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
