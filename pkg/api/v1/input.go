package v1

import "fmt"

// InputMessage is one message in a send envelope.
type InputMessage struct {
	Role     Role           `json:"role"`
	Content  []ContentBlock `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Attachment is an inline binary carried alongside a send.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// Input is the envelope accepted by Gateway.Send and Session.Send.
type Input struct {
	Messages    []InputMessage `json:"messages"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// UserInput wraps plain text as a single user message.
func UserInput(text string) *Input {
	return &Input{Messages: []InputMessage{{
		Role:    RoleUser,
		Content: []ContentBlock{TextBlock(text)},
	}}}
}

// Validate checks the envelope for structural problems before it enters
// the execution queue.
func (in *Input) Validate() error {
	if len(in.Messages) == 0 {
		return fmt.Errorf("input requires at least one message")
	}
	for i, msg := range in.Messages {
		if len(msg.Content) == 0 {
			return fmt.Errorf("input message %d has no content", i)
		}
		for j, block := range msg.Content {
			if err := block.Validate(); err != nil {
				return fmt.Errorf("input message %d block %d: %w", i, j, err)
			}
		}
	}
	return nil
}
