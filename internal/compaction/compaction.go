// Package compaction rewrites historical timeline entries for model
// consumption. The persistent timeline is never modified; compaction
// produces a parallel view in which old tool results and media-bearing
// user messages collapse to short summaries that can be expanded back on
// demand through reactive knobs.
package compaction

import (
	"fmt"
	"strings"
	"time"

	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

const (
	// Summaries keep headLen leading and tailLen trailing characters when
	// the text exceeds truncateThreshold.
	headLen           = 140
	tailLen           = 140
	truncateThreshold = 280
)

// KnobName returns the expansion knob key for a timeline index. Setting
// the knob to true expands the entry back to full fidelity on the next
// render; knobs reset each execution.
func KnobName(index int) string {
	return fmt.Sprintf("ref:%d", index)
}

// Options controls one compaction pass.
type Options struct {
	// ExecutionStart bounds history: entries created at or after it are
	// part of the current execution and left intact.
	ExecutionStart time.Time
	// Expanded reports whether the expansion knob for a timeline index is
	// set. Nil means nothing is expanded.
	Expanded func(index int) bool
}

// Compact returns the model-facing view of the timeline. Entries are
// shared with the input where unmodified and copied where summarized.
func Compact(timeline []*v1.TimelineEntry, opts Options) []*v1.TimelineEntry {
	out := make([]*v1.TimelineEntry, len(timeline))
	for i, entry := range timeline {
		out[i] = compactEntry(entry, i, opts)
	}
	return out
}

func compactEntry(entry *v1.TimelineEntry, index int, opts Options) *v1.TimelineEntry {
	// Current-execution entries are always full fidelity.
	if !entry.CreatedAt.Before(opts.ExecutionStart) {
		return entry
	}
	if opts.Expanded != nil && opts.Expanded(index) {
		return entry
	}

	switch entry.Role {
	case v1.RoleAssistant:
		// Never modified: altering prior assistant text risks in-context
		// learning corruption.
		return entry
	case v1.RoleTool:
		return summarizeTool(entry, index)
	case v1.RoleUser:
		if hasMedia(entry) {
			return summarizeUser(entry, index)
		}
		return entry
	default:
		return entry
	}
}

func hasMedia(entry *v1.TimelineEntry) bool {
	for _, block := range entry.Content {
		if block.IsMedia() {
			return true
		}
	}
	return false
}

// summarizeTool collapses a historical tool message to truncated text
// plus a non-text block inventory, tagged with its expansion knob.
func summarizeTool(entry *v1.TimelineEntry, index int) *v1.TimelineEntry {
	var parts []string
	if text := extractAllText(entry.Content); text != "" {
		parts = append(parts, truncateMiddle(text))
	}
	if counts := v1.BlockTypeCounts(flattenBlocks(entry.Content)); counts != "" {
		parts = append(parts, counts)
	}
	if len(parts) == 0 {
		parts = append(parts, "[tool result]")
	}
	parts = append(parts, "("+KnobName(index)+")")

	return replaceContent(entry, strings.Join(parts, " "))
}

// summarizeUser preserves the user's (truncated) words and inventories
// the attached media.
func summarizeUser(entry *v1.TimelineEntry, index int) *v1.TimelineEntry {
	var parts []string
	if text := extractAllText(entry.Content); text != "" {
		parts = append(parts, truncateMiddle(text))
	}
	var media []v1.ContentBlock
	for _, block := range entry.Content {
		if block.IsMedia() {
			media = append(media, block)
		}
	}
	if counts := v1.BlockTypeCounts(media); counts != "" {
		parts = append(parts, counts)
	}
	if len(parts) == 0 {
		parts = append(parts, "[message]")
	}
	parts = append(parts, "("+KnobName(index)+")")

	return replaceContent(entry, strings.Join(parts, " "))
}

func replaceContent(entry *v1.TimelineEntry, summary string) *v1.TimelineEntry {
	out := *entry
	out.Content = []v1.ContentBlock{v1.TextBlock(summary)}
	return &out
}

func extractAllText(blocks []v1.ContentBlock) string {
	var parts []string
	for _, block := range blocks {
		if block.IsMedia() {
			continue
		}
		if t := block.ExtractText(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// flattenBlocks unwraps tool_result wrappers so the inventory reflects
// what the tool actually produced.
func flattenBlocks(blocks []v1.ContentBlock) []v1.ContentBlock {
	var out []v1.ContentBlock
	for _, block := range blocks {
		if block.Type == v1.BlockTypeToolResult {
			out = append(out, flattenBlocks(block.Content)...)
			continue
		}
		out = append(out, block)
	}
	return out
}

// truncateMiddle keeps the leading and trailing runs of a long text
// around an ellipsis. Short text passes through unchanged.
func truncateMiddle(text string) string {
	runes := []rune(text)
	if len(runes) <= truncateThreshold {
		return text
	}
	return string(runes[:headLen]) + " … " + string(runes[len(runes)-tailLen:])
}
