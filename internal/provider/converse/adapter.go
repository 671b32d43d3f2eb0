// Package converse converts between the unified model and the Bedrock
// Converse API used by Claude 3.7 and newer.
package converse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/observability"
	"github.com/davidbz/corebridge/internal/provider/convert"
	"github.com/davidbz/corebridge/internal/usage"
)

const (
	conversePath       = "/converse"
	converseStreamPath = "/converse-stream"
)

// Converter implements domain.Converter for Bedrock Converse.
type Converter struct{}

// NewConverter creates a new Converse converter.
func NewConverter() *Converter {
	return &Converter{}
}

// Family returns the protocol family.
func (c *Converter) Family() domain.ProtocolFamily {
	return domain.ProtocolClaudeConverse
}

// BuildRequest converts a unified request to a Converse body. Converse has no
// cache_control, so it is stripped with a warning.
func (c *Converter) BuildRequest(
	ctx context.Context,
	_ domain.Endpoint,
	req *domain.UnifiedRequest,
) (*domain.OutboundRequest, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	convert.WarnStrippedFields(ctx, c.Family(), req)

	maxTokens, thinking := convert.ResolveThinking(ctx, req)
	system, messages := convert.SystemPrompt(req)

	body := converseRequest{
		Messages: toConverseMessages(ctx, messages),
	}
	if system != "" {
		body.System = []converseTextBlock{{Text: system}}
	}

	inference := converseInferenceConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
	}
	if maxTokens > 0 {
		inference.MaxTokens = &maxTokens
	}
	if inference.MaxTokens != nil || inference.Temperature != nil || inference.TopP != nil ||
		len(inference.StopSequences) > 0 {
		body.InferenceConfig = &inference
	}

	if tools := toConverseTools(req.Tools); len(tools) > 0 {
		body.ToolConfig = &converseToolConfig{Tools: tools}
	}

	if thinking != nil {
		body.AdditionalModelRequestFields = map[string]any{
			"thinking": map[string]any{
				"type":          thinking.Type,
				"budget_tokens": thinking.BudgetTokens,
			},
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	path := conversePath
	if req.Stream {
		path = converseStreamPath
	}

	return &domain.OutboundRequest{
		Method: http.MethodPost,
		Path:   path,
		Body:   payload,
		Stream: req.Stream,
	}, nil
}

// ParseResponse decodes a Converse response.
func (c *Converter) ParseResponse(ctx context.Context, body []byte) (*domain.UnifiedResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, domain.NewConversionError("body", body, errors.New("invalid JSON"))
	}

	parsed := gjson.ParseBytes(body)
	content := parsed.Get("output.message.content")
	if !content.IsArray() {
		return nil, domain.NewConversionError("output.message.content", body, errors.New("missing content array"))
	}

	resp := &domain.UnifiedResponse{
		StopReason: domain.MapStopReason(c.Family(), parsed.Get("stopReason").String()),
	}

	var text strings.Builder
	for _, block := range content.Array() {
		if t := block.Get("text"); t.Exists() {
			text.WriteString(t.String())
			continue
		}
		if toolUse := block.Get("toolUse"); toolUse.Exists() {
			resp.ToolCalls = append(resp.ToolCalls, domain.ToolCall{
				ID:        toolUse.Get("toolUseId").String(),
				Name:      toolUse.Get("name").String(),
				Arguments: string(convert.ToolInput(json.RawMessage(toolUse.Get("input").Raw))),
			})
		}
	}
	resp.Content = text.String()
	resp.Usage = usage.FromConverse("response", parsed.Get("usage")).Resolve(ctx)

	return resp, nil
}

// NewChunkConverter returns a converter for one ConverseStream.
func (c *Converter) NewChunkConverter() domain.ChunkConverter {
	return newChunkConverter()
}

func toConverseMessages(ctx context.Context, messages []domain.Message) []converseMessage {
	out := make([]converseMessage, 0, len(messages))
	for _, msg := range messages {
		role := domain.RoleUser
		if msg.Role == domain.RoleAssistant {
			role = domain.RoleAssistant
		}

		blocks := toConverseBlocks(ctx, convert.Blocks(msg.Content))
		if len(blocks) == 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, converseMessage{Role: role, Content: blocks})
	}
	return out
}

func toConverseBlocks(ctx context.Context, blocks []domain.ContentBlock) []converseBlock {
	out := make([]converseBlock, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case domain.BlockText:
			text := block.Text
			out = append(out, converseBlock{Text: &text})
		case domain.BlockImage:
			if block.Data == "" {
				observability.FromContext(ctx).Warn("skipping image without inline data",
					observability.String("image_url", block.ImageURL))
				continue
			}
			out = append(out, converseBlock{Image: &converseImage{
				Format: imageFormat(block.MediaType),
				Source: converseImageSource{Bytes: block.Data},
			}})
		case domain.BlockToolUse:
			out = append(out, converseBlock{ToolUse: &converseToolUse{
				ToolUseID: block.ToolUseID,
				Name:      block.ToolName,
				Input:     convert.ToolInput(block.ToolInput),
			}})
		case domain.BlockToolResult:
			out = append(out, converseBlock{ToolResult: &converseToolResult{
				ToolUseID: block.ToolUseID,
				Content:   []converseTextBlock{{Text: block.ToolResult}},
			}})
		}
	}
	return out
}

// imageFormat maps a media type such as image/png to the Converse format name.
func imageFormat(mediaType string) string {
	format := strings.TrimPrefix(strings.ToLower(mediaType), "image/")
	if format == "jpg" {
		return "jpeg"
	}
	if format == "" {
		return "png"
	}
	return format
}

func toConverseTools(tools []domain.Tool) []converseTool {
	if len(tools) == 0 {
		return nil
	}

	out := make([]converseTool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, converseTool{ToolSpec: converseToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: converseInputSchema{JSON: convert.Schema(tool.Parameters)},
		}})
	}
	return out
}
