// Package openai converts between the unified model and the OpenAI Chat
// Completions format. Responses are decoded with the official SDK types.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/observability"
	"github.com/davidbz/corebridge/internal/provider/convert"
	"github.com/davidbz/corebridge/internal/usage"
)

const chatCompletionsPath = "/chat/completions"

// Converter implements domain.Converter for OpenAI-compatible backends.
type Converter struct {
	config Config
}

// NewConverter creates a new OpenAI converter.
func NewConverter(config Config) *Converter {
	return &Converter{config: config}
}

// Family returns the protocol family.
func (c *Converter) Family() domain.ProtocolFamily {
	return domain.ProtocolOpenAIChat
}

// BuildRequest converts a unified request to a chat completions call.
func (c *Converter) BuildRequest(
	ctx context.Context,
	endpoint domain.Endpoint,
	req *domain.UnifiedRequest,
) (*domain.OutboundRequest, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	convert.WarnStrippedFields(ctx, c.Family(), req)
	if req.Thinking != nil {
		logger.Warn("dropping thinking configuration for OpenAI-compatible target",
			observability.Int("budget_tokens", req.Thinking.BudgetTokens))
	}

	model := endpoint.Model
	if model == "" {
		model = req.Model
	}

	body := openAIRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.StopSequences,
		Tools:       toOpenAITools(req.Tools),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if req.Stream {
		if payload, err = sjson.SetBytes(payload, "stream", true); err != nil {
			return nil, fmt.Errorf("failed to set stream flag: %w", err)
		}
		if c.config.IncludeStreamUsage {
			if payload, err = sjson.SetBytes(payload, "stream_options.include_usage", true); err != nil {
				return nil, fmt.Errorf("failed to set stream options: %w", err)
			}
		}
	}

	outbound := &domain.OutboundRequest{
		Method: http.MethodPost,
		Path:   chatCompletionsPath,
		Body:   payload,
		Stream: req.Stream,
	}
	if c.config.APIVersion != "" {
		outbound.Query = map[string]string{"api-version": c.config.APIVersion}
	}

	return outbound, nil
}

// ParseResponse decodes a chat completion body.
func (c *Converter) ParseResponse(ctx context.Context, body []byte) (*domain.UnifiedResponse, error) {
	var completion openai.ChatCompletion
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, domain.NewConversionError("body", body, err)
	}

	if !gjson.GetBytes(body, "choices").IsArray() {
		return nil, domain.NewConversionError("choices", body, errors.New("missing choices"))
	}

	resp := &domain.UnifiedResponse{
		ID:         completion.ID,
		Model:      completion.Model,
		StopReason: domain.StopReasonStop,
	}

	if len(completion.Choices) > 0 {
		choice := completion.Choices[0]
		resp.Content = choice.Message.Content
		resp.StopReason = domain.MapStopReason(c.Family(), choice.FinishReason)
		for _, call := range choice.Message.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, domain.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
	}

	resp.Usage = usage.FromOpenAI("response", gjson.GetBytes(body, "usage")).Resolve(ctx)
	return resp, nil
}

// NewChunkConverter returns a converter for one OpenAI stream.
func (c *Converter) NewChunkConverter() domain.ChunkConverter {
	return &chunkConverter{}
}

func toOpenAIMessages(req *domain.UnifiedRequest) []openAIMessage {
	system, messages := convert.SystemPrompt(req)

	out := make([]openAIMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openAIMessage{Role: domain.RoleSystem, Content: system})
	}

	for _, msg := range messages {
		if !msg.Content.IsBlocks() {
			out = append(out, openAIMessage{Role: msg.Role, Content: msg.Content.Text})
			continue
		}
		out = append(out, fromBlocks(msg)...)
	}
	return out
}

// fromBlocks splits a block message into OpenAI messages: tool results become
// tool-role messages and tool uses become assistant tool_calls.
func fromBlocks(msg domain.Message) []openAIMessage {
	var (
		out       []openAIMessage
		parts     []openAIContentPart
		toolCalls []openAIToolCall
	)

	for _, block := range msg.Content.Blocks {
		switch block.Type {
		case domain.BlockText:
			parts = append(parts, openAIContentPart{Type: "text", Text: block.Text})
		case domain.BlockImage:
			url := block.ImageURL
			if url == "" && block.Data != "" {
				url = "data:" + block.MediaType + ";base64," + block.Data
			}
			parts = append(parts, openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: url}})
		case domain.BlockToolUse:
			toolCalls = append(toolCalls, openAIToolCall{
				ID:   block.ToolUseID,
				Type: "function",
				Function: openAIToolCallFunction{
					Name:      block.ToolName,
					Arguments: string(convert.ToolInput(block.ToolInput)),
				},
			})
		case domain.BlockToolResult:
			out = append(out, openAIMessage{
				Role:       domain.RoleTool,
				Content:    block.ToolResult,
				ToolCallID: block.ToolUseID,
			})
		}
	}

	role := msg.Role
	if role == domain.RoleTool {
		return out
	}

	if len(parts) == 0 && len(toolCalls) == 0 {
		return out
	}

	message := openAIMessage{Role: role, ToolCalls: toolCalls}
	switch {
	case len(parts) == 0:
		message.Content = nil
	case allText(parts):
		message.Content = convert.Text(msg.Content)
	default:
		message.Content = parts
	}
	return append(out, message)
}

func allText(parts []openAIContentPart) bool {
	for _, part := range parts {
		if part.Type != "text" {
			return false
		}
	}
	return true
}

func toOpenAITools(tools []domain.Tool) []openAITool {
	if len(tools) == 0 {
		return nil
	}

	out := make([]openAITool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  convert.Schema(tool.Parameters),
			},
		})
	}
	return out
}
