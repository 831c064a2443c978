package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jedikim/jedisos-sub000/internal/llm"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// anthropicDefaultMaxTokens caps completions when the request leaves
// MaxTokens unset; the Messages API requires a positive value.
const anthropicDefaultMaxTokens = 4096

// AnthropicProvider serves claude-* models through the Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

func NewAnthropicProvider(apiKey string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	return &AnthropicProvider{client: anthropic.NewClient(option.WithAPIKey(apiKey))}, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete issues a non-streaming Messages call and flattens the content
// blocks into text plus tool-call intents.
func (p *AnthropicProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	out := &llm.Response{
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					args = map[string]any{}
				}
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	return out, nil
}

// Stream opens a streaming Messages call. Tool-use blocks arrive as one
// start event carrying id and name followed by JSON fragments; both are
// forwarded as deltas under a running block index so the consumer can
// accumulate them the same way it does for every provider.
func (p *AnthropicProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	chunks := make(chan llm.Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		toolIndex := -1
		inToolBlock := false
		var inputTokens, outputTokens int

		for stream.Next() {
			if ctx.Err() != nil {
				chunks <- llm.Chunk{Err: ctx.Err()}
				return
			}
			event := stream.Current()

			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				inputTokens = int(start.Message.Usage.InputTokens)

			case "content_block_start":
				blockStart := event.AsContentBlockStart()
				if blockStart.ContentBlock.Type == "tool_use" {
					toolUse := blockStart.ContentBlock.AsToolUse()
					toolIndex++
					inToolBlock = true
					chunks <- llm.Chunk{ToolDelta: &llm.ToolCallDelta{
						Index: toolIndex,
						ID:    toolUse.ID,
						Name:  toolUse.Name,
					}}
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						chunks <- llm.Chunk{Text: delta.Text}
					}
				case "input_json_delta":
					if inToolBlock && delta.PartialJSON != "" {
						chunks <- llm.Chunk{ToolDelta: &llm.ToolCallDelta{
							Index:     toolIndex,
							Arguments: delta.PartialJSON,
						}}
					}
				}

			case "content_block_stop":
				inToolBlock = false

			case "message_delta":
				messageDelta := event.AsMessageDelta()
				if messageDelta.Usage.OutputTokens > 0 {
					outputTokens = int(messageDelta.Usage.OutputTokens)
				}

			case "message_stop":
				chunks <- llm.Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
				return
			}
		}

		if err := stream.Err(); err != nil {
			chunks <- llm.Chunk{Err: fmt.Errorf("anthropic: %w", err)}
			return
		}
		chunks <- llm.Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req llm.Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	var system []anthropic.TextBlockParam
	if req.System != "" {
		system = append(system, anthropic.TextBlockParam{Text: req.System})
	}

	for _, msg := range req.Messages {
		role := models.NormalizeRole(string(msg.Role))

		// System sections inside the transcript join the top-level prompt.
		if role == models.RoleSystem {
			if msg.Content != "" {
				system = append(system, anthropic.TextBlockParam{Text: msg.Content})
			}
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			input := tc.Arguments
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if role == models.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(content...))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(content...))
		}
	}

	if len(system) > 0 {
		params.System = system
	}

	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return params, fmt.Errorf("anthropic: tool %s schema: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return params, fmt.Errorf("anthropic: tool %s: invalid definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		params.Tools = append(params.Tools, toolParam)
	}

	return params, nil
}
