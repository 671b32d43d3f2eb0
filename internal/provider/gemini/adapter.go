// Package gemini converts between the unified model and the Gemini
// generateContent API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/provider/convert"
	"github.com/davidbz/corebridge/internal/usage"
)

const (
	roleModel = "model"

	generateAction       = ":generateContent"
	streamGenerateAction = ":streamGenerateContent"
)

// Converter implements domain.Converter for Gemini.
type Converter struct{}

// NewConverter creates a new Gemini converter.
func NewConverter() *Converter {
	return &Converter{}
}

// Family returns the protocol family.
func (c *Converter) Family() domain.ProtocolFamily {
	return domain.ProtocolGemini
}

// BuildRequest converts a unified request to a generateContent body.
func (c *Converter) BuildRequest(
	ctx context.Context,
	endpoint domain.Endpoint,
	req *domain.UnifiedRequest,
) (*domain.OutboundRequest, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	convert.WarnStrippedFields(ctx, c.Family(), req)

	maxTokens, thinking := convert.ResolveThinking(ctx, req)
	system, messages := convert.SystemPrompt(req)

	body := geminiRequest{
		Contents: toGeminiContents(messages),
		Tools:    toGeminiTools(req.Tools),
	}
	if system != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	generation := geminiGenerationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
	}
	if maxTokens > 0 {
		generation.MaxOutputTokens = &maxTokens
	}
	if thinking != nil {
		generation.ThinkingConfig = &geminiThinkingConfig{ThinkingBudget: thinking.BudgetTokens}
	}
	if generation.MaxOutputTokens != nil || generation.Temperature != nil || generation.TopP != nil ||
		len(generation.StopSequences) > 0 || generation.ThinkingConfig != nil {
		body.GenerationConfig = &generation
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	model := endpoint.Model
	if model == "" {
		model = req.Model
	}
	model = strings.TrimPrefix(model, "models/")

	outbound := &domain.OutboundRequest{
		Method: http.MethodPost,
		Path:   "/models/" + model + generateAction,
		Body:   payload,
		Stream: req.Stream,
	}
	if req.Stream {
		outbound.Path = "/models/" + model + streamGenerateAction
		outbound.Query = map[string]string{"alt": "sse"}
	}

	return outbound, nil
}

// ParseResponse decodes a generateContent response.
func (c *Converter) ParseResponse(ctx context.Context, body []byte) (*domain.UnifiedResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, domain.NewConversionError("body", body, errors.New("invalid JSON"))
	}

	parsed := gjson.ParseBytes(body)
	candidates := parsed.Get("candidates")
	if !candidates.IsArray() {
		return nil, domain.NewConversionError("candidates", body, errors.New("missing candidates"))
	}

	resp := &domain.UnifiedResponse{
		ID:    parsed.Get("responseId").String(),
		Model: parsed.Get("modelVersion").String(),
	}

	candidate := candidates.Get("0")
	var text strings.Builder
	for _, part := range candidate.Get("content.parts").Array() {
		if part.Get("thought").Bool() {
			continue
		}
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
			continue
		}
		if call := part.Get("functionCall"); call.Exists() {
			resp.ToolCalls = append(resp.ToolCalls, domain.ToolCall{
				ID:        toolCallID(call, len(resp.ToolCalls)),
				Name:      call.Get("name").String(),
				Arguments: string(convert.ToolInput(json.RawMessage(call.Get("args").Raw))),
			})
		}
	}
	resp.Content = text.String()
	resp.StopReason = stopReason(candidate.Get("finishReason").String(), len(resp.ToolCalls) > 0)
	resp.Usage = usage.FromGemini("usageMetadata", parsed.Get("usageMetadata")).Resolve(ctx)

	return resp, nil
}

// NewChunkConverter returns a converter for one Gemini SSE stream.
func (c *Converter) NewChunkConverter() domain.ChunkConverter {
	return &chunkConverter{}
}

// stopReason maps finishReason; Gemini reports STOP after function calls.
func stopReason(finishReason string, hasToolCalls bool) domain.StopReason {
	reason := domain.MapStopReason(domain.ProtocolGemini, finishReason)
	if hasToolCalls && reason == domain.StopReasonStop {
		return domain.StopReasonToolCalls
	}
	return reason
}

func toolCallID(call gjson.Result, index int) string {
	if id := call.Get("id").String(); id != "" {
		return id
	}
	return fmt.Sprintf("call_%s_%d", call.Get("name").String(), index)
}

func toGeminiContents(messages []domain.Message) []geminiContent {
	// functionResponse needs the function name; tool results only carry the call id.
	toolNames := make(map[string]string)

	out := make([]geminiContent, 0, len(messages))
	for _, msg := range messages {
		role := domain.RoleUser
		if msg.Role == domain.RoleAssistant {
			role = roleModel
		}

		parts := make([]geminiPart, 0, 1)
		for _, block := range convert.Blocks(msg.Content) {
			switch block.Type {
			case domain.BlockText:
				if block.Text != "" {
					parts = append(parts, geminiPart{Text: block.Text})
				}
			case domain.BlockImage:
				if block.Data != "" {
					parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: block.MediaType, Data: block.Data}})
				} else if block.ImageURL != "" {
					parts = append(parts, geminiPart{FileData: &geminiFileData{MimeType: block.MediaType, FileURI: block.ImageURL}})
				}
			case domain.BlockToolUse:
				toolNames[block.ToolUseID] = block.ToolName
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: block.ToolName,
					Args: convert.ToolInput(block.ToolInput),
				}})
			case domain.BlockToolResult:
				parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
					Name:     toolNames[block.ToolUseID],
					Response: map[string]any{"content": block.ToolResult},
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			continue
		}
		out = append(out, geminiContent{Role: role, Parts: parts})
	}
	return out
}

func toGeminiTools(tools []domain.Tool) []geminiTool {
	if len(tools) == 0 {
		return nil
	}

	declarations := make([]geminiFunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		declarations = append(declarations, geminiFunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convert.Schema(tool.Parameters),
		})
	}
	return []geminiTool{{FunctionDeclarations: declarations}}
}
