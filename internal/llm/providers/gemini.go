package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/jedikim/jedisos-sub000/internal/llm"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// GeminiProvider serves gemini-* models through the Google Gen AI SDK.
type GeminiProvider struct {
	client *genai.Client
}

func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Complete issues a non-streaming GenerateContent call.
func (p *GeminiProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	contents, config := p.buildRequest(req)
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	out := &llm.Response{Model: req.Model}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				out.Text += part.Text
			}
			if part.FunctionCall != nil {
				out.ToolCalls = append(out.ToolCalls, models.ToolCall{
					ID:        newGeminiCallID(part.FunctionCall.Name),
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				})
			}
		}
	}
	return out, nil
}

// Stream opens a streaming GenerateContent call. Gemini delivers function
// calls whole rather than fragmented, so each one becomes a single
// complete delta under its own index.
func (p *GeminiProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	contents, config := p.buildRequest(req)

	chunks := make(chan llm.Chunk)
	go func() {
		defer close(chunks)

		toolIndex := -1
		var inputTokens, outputTokens int

		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if ctx.Err() != nil {
				chunks <- llm.Chunk{Err: ctx.Err()}
				return
			}
			if err != nil {
				chunks <- llm.Chunk{Err: fmt.Errorf("gemini: %w", err)}
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				inputTokens = int(resp.UsageMetadata.PromptTokenCount)
				outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						chunks <- llm.Chunk{Text: part.Text}
					}
					if part.FunctionCall != nil {
						argsJSON, err := json.Marshal(part.FunctionCall.Args)
						if err != nil {
							argsJSON = []byte("{}")
						}
						toolIndex++
						chunks <- llm.Chunk{ToolDelta: &llm.ToolCallDelta{
							Index:     toolIndex,
							ID:        newGeminiCallID(part.FunctionCall.Name),
							Name:      part.FunctionCall.Name,
							Arguments: string(argsJSON),
						}}
					}
				}
			}
		}

		chunks <- llm.Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
	}()
	return chunks, nil
}

func (p *GeminiProvider) buildRequest(req llm.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxTokens, 1<<31-1))
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}

	var systemParts []*genai.Part
	if req.System != "" {
		systemParts = append(systemParts, &genai.Part{Text: req.System})
	}

	var contents []*genai.Content
	for _, msg := range req.Messages {
		role := models.NormalizeRole(string(msg.Role))
		if role == models.RoleSystem {
			if msg.Content != "" {
				systemParts = append(systemParts, &genai.Part{Text: msg.Content})
			}
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		if role == models.RoleTool {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameForCall(msg.ToolCallID, req.Messages),
					Response: toolResponseMap(msg.Content),
				},
			})
		} else if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			args := tc.Arguments
			if args == nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}

		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}

	if len(systemParts) > 0 {
		config.SystemInstruction = &genai.Content{Parts: systemParts}
	}
	if len(req.Tools) > 0 {
		config.Tools = toGeminiTools(req.Tools)
	}
	return contents, config
}

// toolResponseMap parses a tool outcome for the FunctionResponse payload.
// Non-object JSON is wrapped so the API always receives a mapping.
func toolResponseMap(content string) map[string]any {
	var response map[string]any
	if err := json.Unmarshal([]byte(content), &response); err != nil {
		return map[string]any{"result": content}
	}
	return response
}

// toolNameForCall resolves the function name a result answers by scanning
// earlier assistant intents, falling back to the call_<name>_<nano> shape.
func toolNameForCall(callID string, messages []models.Message) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == callID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(callID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return callID
}

// newGeminiCallID synthesizes an intent id; the API does not assign one.
func newGeminiCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

func toGeminiTools(tools []llm.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map into the SDK's typed schema.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}
