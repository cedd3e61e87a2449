package stream

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider adapts Anthropic's SSE message events to the
// normalized fragment vocabulary.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates an Anthropic adapter.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Stream opens a streaming message turn and reduces its events to
// normalized fragments. The native events map one-to-one:
// content_block_start/delta/stop and message_stop.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Fragment, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan Fragment)

	go func() {
		defer close(out)

		sse := p.client.Messages.NewStreaming(ctx, params)
		var usage Usage

		for sse.Next() {
			event := sse.Current()

			switch event.Type {
			case "message_start":
				messageStart := event.AsMessageStart()
				if messageStart.Message.Usage.InputTokens > 0 {
					usage.InputTokens = int(messageStart.Message.Usage.InputTokens)
				}

			case "content_block_start":
				blockStart := event.AsContentBlockStart()
				contentBlock := blockStart.ContentBlock
				switch contentBlock.Type {
				case "tool_use":
					toolUse := contentBlock.AsToolUse()
					out <- Fragment{
						Kind:     FragmentBlockStart,
						Block:    BlockToolUse,
						ToolID:   toolUse.ID,
						ToolName: toolUse.Name,
					}
				default:
					out <- Fragment{Kind: FragmentBlockStart, Block: BlockText}
				}

			case "content_block_delta":
				blockDelta := event.AsContentBlockDelta()
				delta := blockDelta.Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						out <- Fragment{Kind: FragmentBlockDelta, Text: delta.Text}
					}
				case "input_json_delta":
					if delta.PartialJSON != "" {
						out <- Fragment{Kind: FragmentBlockDelta, PartialJSON: delta.PartialJSON}
					}
				}

			case "content_block_stop":
				out <- Fragment{Kind: FragmentBlockStop}

			case "message_delta":
				messageDelta := event.AsMessageDelta()
				if messageDelta.Usage.OutputTokens > 0 {
					usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
				}

			case "message_stop":
				out <- Fragment{Kind: FragmentMessageStop, Usage: usage}
				return
			}
		}

		if err := sse.Err(); err != nil {
			out <- Fragment{Err: err}
		}
	}()

	return out, nil
}

func (p *AnthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages := []anthropic.MessageParam{}

	for _, msg := range req.Messages {
		switch {
		case msg.Role == "system":
			// System prompt is carried separately in this API.

		case msg.Role == "tool":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		case msg.Role == "assistant":
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})

		default:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []anthropic.ToolUnionParam{}
		for _, tool := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
			}
			if tool.InputSchema != nil {
				toolParam.InputSchema = anthropic.ToolInputSchemaParam{
					Properties: tool.InputSchema["properties"],
				}
				if required, ok := tool.InputSchema["required"].([]string); ok {
					toolParam.InputSchema.Required = required
				}
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params, nil
}
