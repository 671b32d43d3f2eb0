// Package invoke converts between the unified model and Anthropic Messages
// payloads sent through the Bedrock InvokeModel API.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/observability"
	"github.com/davidbz/corebridge/internal/provider/convert"
	"github.com/davidbz/corebridge/internal/usage"
)

const (
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 4096

	invokePath       = "/invoke"
	invokeStreamPath = "/invoke-with-response-stream"

	cacheControlField = "cache_control"
)

// Converter implements domain.Converter for Bedrock Invoke.
type Converter struct{}

// NewConverter creates a new Invoke converter.
func NewConverter() *Converter {
	return &Converter{}
}

// Family returns the protocol family.
func (c *Converter) Family() domain.ProtocolFamily {
	return domain.ProtocolClaudeInvoke
}

// BuildRequest converts a unified request to an Anthropic Messages body.
// cache_control is forwarded since the Messages schema accepts it.
func (c *Converter) BuildRequest(
	ctx context.Context,
	_ domain.Endpoint,
	req *domain.UnifiedRequest,
) (*domain.OutboundRequest, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	convert.WarnStrippedFields(ctx, c.Family(), req, cacheControlField)

	maxTokens, thinking := convert.ResolveThinking(ctx, req)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	system, messages := convert.SystemPrompt(req)
	body := invokeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		System:           system,
		Messages:         toInvokeMessages(ctx, messages),
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		StopSequences:    req.StopSequences,
		Tools:            toInvokeTools(req.Tools),
	}
	if thinking != nil {
		body.Thinking = &invokeThinking{Type: thinking.Type, BudgetTokens: thinking.BudgetTokens}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	path := invokePath
	if req.Stream {
		path = invokeStreamPath
	}

	return &domain.OutboundRequest{
		Method: http.MethodPost,
		Path:   path,
		Body:   payload,
		Stream: req.Stream,
	}, nil
}

// ParseResponse decodes an Anthropic Messages response.
func (c *Converter) ParseResponse(ctx context.Context, body []byte) (*domain.UnifiedResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, domain.NewConversionError("body", body, errors.New("invalid JSON"))
	}

	parsed := gjson.ParseBytes(body)
	content := parsed.Get("content")
	if !content.IsArray() {
		return nil, domain.NewConversionError("content", body, errors.New("missing content array"))
	}

	resp := &domain.UnifiedResponse{
		ID:         parsed.Get("id").String(),
		Model:      parsed.Get("model").String(),
		StopReason: domain.MapStopReason(c.Family(), parsed.Get("stop_reason").String()),
	}

	var text []byte
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case domain.BlockText:
			text = append(text, block.Get("text").String()...)
		case domain.BlockToolUse:
			resp.ToolCalls = append(resp.ToolCalls, domain.ToolCall{
				ID:        block.Get("id").String(),
				Name:      block.Get("name").String(),
				Arguments: string(convert.ToolInput(json.RawMessage(block.Get("input").Raw))),
			})
		}
	}
	resp.Content = string(text)
	resp.Usage = usage.FromAnthropic("response", parsed.Get("usage")).Resolve(ctx)

	return resp, nil
}

// NewChunkConverter returns a converter for one Invoke stream.
func (c *Converter) NewChunkConverter() domain.ChunkConverter {
	return newChunkConverter()
}

// toInvokeMessages converts messages to Anthropic blocks and merges
// consecutive turns of the same role, which the Messages API rejects.
func toInvokeMessages(ctx context.Context, messages []domain.Message) []invokeMessage {
	out := make([]invokeMessage, 0, len(messages))
	for _, msg := range messages {
		role := domain.RoleUser
		if msg.Role == domain.RoleAssistant {
			role = domain.RoleAssistant
		}

		blocks := toInvokeBlocks(ctx, convert.Blocks(msg.Content))
		if len(blocks) == 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, invokeMessage{Role: role, Content: blocks})
	}
	return out
}

func toInvokeBlocks(ctx context.Context, blocks []domain.ContentBlock) []invokeBlock {
	out := make([]invokeBlock, 0, len(blocks))
	for _, block := range blocks {
		converted := invokeBlock{
			Type:         block.Type,
			CacheControl: block.Extra[cacheControlField],
		}

		switch block.Type {
		case domain.BlockText:
			converted.Text = block.Text
		case domain.BlockImage:
			if block.Data == "" {
				observability.FromContext(ctx).Warn("skipping image without inline data",
					observability.String("image_url", block.ImageURL))
				continue
			}
			converted.Source = &invokeImageSource{Type: "base64", MediaType: block.MediaType, Data: block.Data}
		case domain.BlockToolUse:
			converted.ID = block.ToolUseID
			converted.Name = block.ToolName
			converted.Input = convert.ToolInput(block.ToolInput)
		case domain.BlockToolResult:
			converted.ToolUseID = block.ToolUseID
			converted.Content = block.ToolResult
		default:
			continue
		}
		out = append(out, converted)
	}
	return out
}

func toInvokeTools(tools []domain.Tool) []invokeTool {
	if len(tools) == 0 {
		return nil
	}

	out := make([]invokeTool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, invokeTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: convert.Schema(tool.Parameters),
		})
	}
	return out
}
