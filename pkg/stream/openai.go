package stream

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider adapts OpenAI's chat-completion chunks to the
// normalized fragment vocabulary. Unlike the Anthropic wire format there
// are no explicit block markers: text and tool-call deltas interleave on
// one choice, and tool calls are distinguished by index. The adapter
// synthesizes block boundaries whenever the active block changes.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates an OpenAI adapter.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Stream opens a streaming completion and reduces its chunks to
// normalized fragments.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Fragment, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan Fragment)

	go func() {
		defer close(out)

		sse := p.client.Chat.Completions.NewStreaming(ctx, params)

		const (
			blockNone = iota
			blockText
			blockTool
		)
		open := blockNone
		openToolIndex := int64(-1)
		var usage Usage

		closeBlock := func() {
			if open != blockNone {
				out <- Fragment{Kind: FragmentBlockStop}
				open = blockNone
				openToolIndex = -1
			}
		}

		for sse.Next() {
			chunk := sse.Current()

			if chunk.Usage.TotalTokens > 0 {
				usage.InputTokens = int(chunk.Usage.PromptTokens)
				usage.OutputTokens = int(chunk.Usage.CompletionTokens)
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			if delta.Content != "" {
				if open != blockText {
					closeBlock()
					out <- Fragment{Kind: FragmentBlockStart, Block: BlockText}
					open = blockText
				}
				out <- Fragment{Kind: FragmentBlockDelta, Text: delta.Content}
			}

			for _, tc := range delta.ToolCalls {
				if open != blockTool || tc.Index != openToolIndex {
					closeBlock()
					out <- Fragment{
						Kind:     FragmentBlockStart,
						Block:    BlockToolUse,
						ToolID:   tc.ID,
						ToolName: tc.Function.Name,
					}
					open = blockTool
					openToolIndex = tc.Index
				}
				if tc.Function.Arguments != "" {
					out <- Fragment{Kind: FragmentBlockDelta, PartialJSON: tc.Function.Arguments}
				}
			}

			if choice.FinishReason != "" {
				closeBlock()
			}
		}

		if err := sse.Err(); err != nil {
			out <- Fragment{Err: err}
			return
		}

		closeBlock()
		out <- Fragment{Kind: FragmentMessageStop, Usage: usage}
	}()

	return out, nil
}

func (p *OpenAIProvider) buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// Carried above.
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				toolCalls := []openai.ChatCompletionMessageToolCall{}
				for _, tc := range msg.ToolCalls {
					args, err := encodeArguments(tc.Arguments)
					if err != nil {
						return openai.ChatCompletionNewParams{}, err
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      tc.Name,
							Arguments: args,
						},
					})
				}
				assistantMsg := openai.ChatCompletionMessage{
					Role:      "assistant",
					Content:   msg.Content,
					ToolCalls: toolCalls,
				}
				messages = append(messages, assistantMsg.ToParam())
			} else {
				messages = append(messages, openai.AssistantMessage(msg.Content))
			}
		case "tool":
			messages = append(messages, openai.ToolMessage(msg.ToolCallID, msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []openai.ChatCompletionToolParam{}
		for _, tool := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}
