// Package providers holds the vendor adapters behind llm.Provider. Each
// adapter owns one SDK and translates both directions: process messages
// out, text and tool-call intents back in.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jedikim/jedisos-sub000/internal/llm"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// OpenAIProvider serves gpt-* and o-series models through the OpenAI
// chat completions API. Safe for concurrent use.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider builds the adapter. The key must be non-empty; the
// credential filter in FromEnv guarantees that.
func NewOpenAIProvider(apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	return &OpenAIProvider{client: openai.NewClient(apiKey)}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete issues a non-streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty response")
	}

	msg := resp.Choices[0].Message
	out := &llm.Response{
		Text:         msg.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

// Stream opens a streaming chat completion. Text deltas and tool-call
// fragments pass through as they arrive; accumulation is the caller's job.
func (p *OpenAIProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	chunks := make(chan llm.Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		var inputTokens, outputTokens int
		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					chunks <- llm.Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
					return
				}
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				chunks <- llm.Chunk{Err: fmt.Errorf("openai: %w", err)}
				return
			}

			// The final usage frame arrives with an empty choice list.
			if resp.Usage != nil {
				inputTokens = resp.Usage.PromptTokens
				outputTokens = resp.Usage.CompletionTokens
			}
			if len(resp.Choices) == 0 {
				continue
			}

			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				chunks <- llm.Chunk{Text: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				chunks <- llm.Chunk{ToolDelta: &llm.ToolCallDelta{
					Index:     index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}}
			}
		}
	}()
	return chunks, nil
}

func (p *OpenAIProvider) buildRequest(req llm.Request, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.System, req.Messages),
		Stream:   stream,
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		out.Temperature = float32(req.Temperature)
	}
	for _, tool := range req.Tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

func toOpenAIMessages(system string, messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch models.NormalizeRole(string(msg.Role)) {
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.ArgumentsJSON(),
					},
				})
			}
			out = append(out, m)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(models.NormalizeRole(string(msg.Role))),
				Content: msg.Content,
			})
		}
	}
	return out
}
