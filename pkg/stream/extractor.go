package stream

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Extractor accumulates per-block state from a sequence of normalized
// fragments and materializes complete tool calls when their terminal
// marker arrives. It is a sequential, single-pass accumulator tied to one
// streamed turn; Reset prepares it for the next turn.
type Extractor struct {
	logger zerolog.Logger

	current   *blockState
	completed []ToolCall
	texts     []string
}

type blockState struct {
	block    BlockType
	toolID   string
	toolName string
	text     []byte
	argJSON  []byte
}

// NewExtractor creates an extractor for one streamed turn.
func NewExtractor(logger zerolog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Consume feeds one fragment into the accumulator. Fragments must arrive
// in stream order; a block's content is only visible after its stop
// marker.
func (e *Extractor) Consume(f Fragment) {
	switch f.Kind {
	case FragmentBlockStart:
		e.current = &blockState{
			block:    f.Block,
			toolID:   f.ToolID,
			toolName: f.ToolName,
		}

	case FragmentBlockDelta:
		if e.current == nil {
			// Delta with no open block: tolerate by opening an
			// implicit text block, mirroring lenient SSE consumers.
			e.current = &blockState{block: BlockText}
		}
		if f.Text != "" {
			e.current.text = append(e.current.text, f.Text...)
		}
		if f.PartialJSON != "" {
			e.current.argJSON = append(e.current.argJSON, f.PartialJSON...)
		}

	case FragmentBlockStop:
		e.finishBlock()

	case FragmentMessageStop:
		// A well-formed stream closes every block before message stop,
		// but close a dangling one rather than lose its content.
		e.finishBlock()
	}
}

func (e *Extractor) finishBlock() {
	block := e.current
	e.current = nil
	if block == nil {
		return
	}

	switch block.block {
	case BlockToolUse:
		args := map[string]interface{}{}
		raw := block.argJSON
		if len(raw) == 0 {
			raw = []byte("{}")
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			// Malformed argument JSON: drop this call only. The turn
			// is considered malformed for this call, not aborted.
			e.logger.Warn().
				Str("tool", block.toolName).
				Str("tool_id", block.toolID).
				Err(err).
				Msg("Dropping tool call with unparseable arguments")
			return
		}
		e.completed = append(e.completed, ToolCall{
			ID:        block.toolID,
			Name:      block.toolName,
			Arguments: args,
		})

	case BlockText:
		if len(block.text) > 0 {
			e.texts = append(e.texts, string(block.text))
		}
	}
}

// Calls returns the tool calls completed so far, in stream order.
func (e *Extractor) Calls() []ToolCall {
	out := make([]ToolCall, len(e.completed))
	copy(out, e.completed)
	return out
}

// HasCalls reports whether any complete tool call has been extracted.
func (e *Extractor) HasCalls() bool {
	return len(e.completed) > 0
}

// TextFragments returns the plain-text blocks seen so far.
func (e *Extractor) TextFragments() []string {
	out := make([]string, len(e.texts))
	copy(out, e.texts)
	return out
}

// Text concatenates the plain-text blocks of the turn.
func (e *Extractor) Text() string {
	total := 0
	for _, t := range e.texts {
		total += len(t)
	}
	buf := make([]byte, 0, total)
	for _, t := range e.texts {
		buf = append(buf, t...)
	}
	return string(buf)
}

// Reset clears all accumulated state for reuse across turns.
func (e *Extractor) Reset() {
	e.current = nil
	e.completed = nil
	e.texts = nil
}
