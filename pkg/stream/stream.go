// Package stream normalizes the two upstream LLM wire formats into one
// fragment vocabulary and reconstructs complete tool invocations from
// incremental deltas. Both provider adapters reduce their native events
// to block-start / block-delta / block-stop / message-stop before
// anything downstream sees them, so the extractor is provider-agnostic.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
)

// FragmentKind discriminates the normalized stream vocabulary.
type FragmentKind int

const (
	FragmentBlockStart FragmentKind = iota
	FragmentBlockDelta
	FragmentBlockStop
	FragmentMessageStop
)

// BlockType distinguishes plain text from tool invocations.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockToolUse BlockType = "tool_use"
)

// Fragment is one normalized streaming unit. Which fields are set
// depends on Kind: start carries Block/ToolID/ToolName, delta carries
// Text or PartialJSON, message-stop carries final usage. Err is a
// turn-level stream failure and terminates the sequence.
type Fragment struct {
	Kind        FragmentKind
	Block       BlockType
	ToolID      string
	ToolName    string
	Text        string
	PartialJSON string
	Usage       Usage
	Err         error
}

// Usage is the token accounting reported at end of turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolCall is a fully materialized tool invocation extracted from a
// streamed turn. It lives only for the duration of one loop iteration.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Message is one conversation turn handed to a provider.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Request is the provider-agnostic shape of one model turn.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float64
}

// Provider is the upstream model capability. Stream yields normalized
// fragments until a message-stop or error fragment, then closes the
// channel. Each call owns an independent stream.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Fragment, error)
}

// NewProvider builds a provider adapter by name. The two wire formats
// the runtime understands are Anthropic's SSE message events and
// OpenAI's chat-completion chunks.
func NewProvider(name, apiKey string) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}

// encodeArguments renders a call's argument object back to JSON for
// providers that carry arguments as a string.
func encodeArguments(args map[string]interface{}) (string, error) {
	if args == nil {
		return "{}", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tool arguments: %w", err)
	}
	return string(data), nil
}
