package clientformat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/provider/convert"
)

const (
	anthropicEventMessageStart      = "message_start"
	anthropicEventContentBlockStart = "content_block_start"
	anthropicEventContentBlockDelta = "content_block_delta"
	anthropicEventContentBlockStop  = "content_block_stop"
	anthropicEventMessageDelta      = "message_delta"
	anthropicEventMessageStop       = "message_stop"
	anthropicEventError             = "error"
)

// Anthropic request structures.
type anthropicMessagesRequest struct {
	Model         string                 `json:"model"`
	System        json.RawMessage        `json:"system"`
	Messages      []anthropicMessageWire `json:"messages"`
	MaxTokens     *int                   `json:"max_tokens"`
	Temperature   *float64               `json:"temperature"`
	TopP          *float64               `json:"top_p"`
	StopSequences []string               `json:"stop_sequences"`
	Stream        bool                   `json:"stream"`
	Tools         []anthropicToolWire    `json:"tools"`
	Thinking      json.RawMessage        `json:"thinking"`
}

type anthropicMessageWire struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicToolWire struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Anthropic response structures.
type anthropicMessageResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Model        string                  `json:"model"`
	Content      []anthropicContentBlock `json:"content"`
	StopReason   *string                 `json:"stop_reason"`
	StopSequence *string                 `json:"stop_sequence"`
	Usage        anthropicUsageWire      `json:"usage"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  *string         `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsageWire struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens,omitempty"`
}

type anthropicErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Anthropic is the Messages API wire format.
type Anthropic struct{}

// NewAnthropic creates the Messages format.
func NewAnthropic() *Anthropic {
	return &Anthropic{}
}

// Name returns the format name.
func (f *Anthropic) Name() string {
	return "anthropic"
}

// DecodeRequest parses a Messages request.
func (f *Anthropic) DecodeRequest(body []byte) (*domain.UnifiedRequest, error) {
	var wire anthropicMessagesRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	req := &domain.UnifiedRequest{
		Model:         wire.Model,
		MaxTokens:     wire.MaxTokens,
		Temperature:   wire.Temperature,
		TopP:          wire.TopP,
		StopSequences: wire.StopSequences,
		Stream:        wire.Stream,
	}

	system, err := decodeAnthropicSystem(wire.System)
	if err != nil {
		return nil, fmt.Errorf("%w: system: %w", ErrInvalidRequest, err)
	}
	req.System = system

	thinking, err := decodeThinking(wire.Thinking)
	if err != nil {
		return nil, fmt.Errorf("%w: thinking: %w", ErrInvalidRequest, err)
	}
	req.Thinking = thinking

	for _, tool := range wire.Tools {
		req.Tools = append(req.Tools, domain.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}

	for i, msg := range wire.Messages {
		if msg.Role != domain.RoleUser && msg.Role != domain.RoleAssistant {
			return nil, fmt.Errorf("%w: messages[%d]: unknown role %q", ErrInvalidRequest, i, msg.Role)
		}
		content, err := decodeAnthropicContent(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: messages[%d]: %w", ErrInvalidRequest, i, err)
		}
		req.Messages = append(req.Messages, domain.Message{Role: msg.Role, Content: content})
	}

	return req, nil
}

// decodeAnthropicSystem accepts a string or a list of text blocks.
func decodeAnthropicSystem(raw json.RawMessage) (string, error) {
	content, err := decodeAnthropicContent(raw)
	if err != nil {
		return "", err
	}
	if !content.IsBlocks() {
		return content.Text, nil
	}

	parts := make([]string, 0, len(content.Blocks))
	for _, block := range content.Blocks {
		if block.Type == domain.BlockText && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func decodeAnthropicContent(raw json.RawMessage) (domain.MessageContent, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return domain.MessageContent{}, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return domain.MessageContent{Text: text}, nil
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return domain.MessageContent{}, errors.New("content must be a string or an array")
	}

	out := make([]domain.ContentBlock, 0, len(blocks))
	for _, rawBlock := range blocks {
		block, err := decodeAnthropicBlock(rawBlock)
		if err != nil {
			return domain.MessageContent{}, err
		}
		out = append(out, block)
	}
	return domain.MessageContent{Blocks: out}, nil
}

//nolint:cyclop // one case per block type
func decodeAnthropicBlock(raw json.RawMessage) (domain.ContentBlock, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.Type == "" {
		return domain.ContentBlock{}, errors.New("content block without type")
	}

	switch head.Type {
	case "text":
		fields, extra, err := splitExtra(raw, "type", "text")
		if err != nil {
			return domain.ContentBlock{}, err
		}
		block := domain.ContentBlock{Type: domain.BlockText, Extra: extra}
		if err := json.Unmarshal(fields["text"], &block.Text); err != nil {
			return block, errors.New("text block without text")
		}
		return block, nil

	case "image":
		fields, extra, err := splitExtra(raw, "type", "source")
		if err != nil {
			return domain.ContentBlock{}, err
		}
		var source struct {
			Type      string `json:"type"`
			MediaType string `json:"media_type"`
			Data      string `json:"data"`
			URL       string `json:"url"`
		}
		if err := json.Unmarshal(fields["source"], &source); err != nil {
			return domain.ContentBlock{}, errors.New("image block without source")
		}
		return domain.ContentBlock{
			Type:      domain.BlockImage,
			MediaType: source.MediaType,
			Data:      source.Data,
			ImageURL:  source.URL,
			Extra:     extra,
		}, nil

	case "tool_use":
		fields, extra, err := splitExtra(raw, "type", "id", "name", "input")
		if err != nil {
			return domain.ContentBlock{}, err
		}
		block := domain.ContentBlock{Type: domain.BlockToolUse, Extra: extra, ToolInput: fields["input"]}
		_ = json.Unmarshal(fields["id"], &block.ToolUseID)
		_ = json.Unmarshal(fields["name"], &block.ToolName)
		return block, nil

	case "tool_result":
		fields, extra, err := splitExtra(raw, "type", "tool_use_id", "content", "is_error")
		if err != nil {
			return domain.ContentBlock{}, err
		}
		block := domain.ContentBlock{Type: domain.BlockToolResult, Extra: extra}
		_ = json.Unmarshal(fields["tool_use_id"], &block.ToolUseID)
		content, err := decodeAnthropicContent(fields["content"])
		if err != nil {
			return block, fmt.Errorf("tool_result content: %w", err)
		}
		block.ToolResult = convert.Text(content)
		return block, nil

	default:
		return domain.ContentBlock{}, fmt.Errorf("unsupported content block %q", head.Type)
	}
}

// EncodeResponse renders a Messages response.
func (f *Anthropic) EncodeResponse(resp *domain.UnifiedResponse) ([]byte, error) {
	content := make([]anthropicContentBlock, 0, 1+len(resp.ToolCalls))
	if resp.Content != "" || len(resp.ToolCalls) == 0 {
		text := resp.Content
		content = append(content, anthropicContentBlock{Type: "text", Text: &text})
	}
	for _, call := range resp.ToolCalls {
		content = append(content, anthropicContentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Name,
			Input: convert.ToolArguments(call.Arguments),
		})
	}

	stopReason := resp.StopReason.Anthropic()
	return json.Marshal(anthropicMessageResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       domain.RoleAssistant,
		Model:      resp.Model,
		Content:    content,
		StopReason: &stopReason,
		Usage:      anthropicUsage(resp.Usage),
	})
}

// EncodeError renders {"type":"error","error":{...}}.
func (f *Anthropic) EncodeError(status int, message string) []byte {
	data, _ := json.Marshal(anthropicError(status, message))
	return data
}

// NewStreamEncoder returns a Messages SSE encoder.
func (f *Anthropic) NewStreamEncoder() StreamEncoder {
	return &anthropicStreamEncoder{openIndex: -1, toolBlocks: make(map[int]int)}
}

func anthropicError(status int, message string) anthropicErrorBody {
	body := anthropicErrorBody{Type: "error"}
	body.Error.Type = errorType(status)
	body.Error.Message = message
	return body
}

// anthropicUsage reports input tokens net of cache reads, as the Messages API does.
func anthropicUsage(usage domain.TokenUsage) anthropicUsageWire {
	return anthropicUsageWire{
		InputTokens:          usage.BilledPromptTokens(),
		OutputTokens:         usage.CompletionTokens,
		CacheReadInputTokens: usage.CachedTokens,
	}
}

// anthropicStreamEncoder tracks content block indexes: text and each tool call
// get their own block, opened on first use and closed before the next one.
type anthropicStreamEncoder struct {
	nextIndex  int
	openIndex  int
	textIndex  int
	hasText    bool
	toolBlocks map[int]int
}

//nolint:cyclop // one case per event type
func (e *anthropicStreamEncoder) WriteEvent(w io.Writer, event domain.StreamEvent) error {
	switch event.Type {
	case domain.EventRole:
		return writeData(w, anthropicEventMessageStart, map[string]any{
			"type": anthropicEventMessageStart,
			"message": map[string]any{
				"id":            event.StreamID,
				"type":          "message",
				"role":          domain.RoleAssistant,
				"model":         event.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         anthropicUsageWire{},
			},
		})

	case domain.EventDelta:
		if !e.hasText || e.openIndex != e.textIndex {
			if err := e.startBlock(w, map[string]any{"type": "text", "text": ""}); err != nil {
				return err
			}
			e.hasText = true
			e.textIndex = e.openIndex
		}
		return e.delta(w, e.textIndex, map[string]any{"type": "text_delta", "text": event.Delta})

	case domain.EventToolCall:
		if event.ToolCall == nil {
			return nil
		}
		index, known := e.toolBlocks[event.ToolCall.Index]
		if !known {
			err := e.startBlock(w, map[string]any{
				"type":  "tool_use",
				"id":    event.ToolCall.ID,
				"name":  event.ToolCall.Name,
				"input": map[string]any{},
			})
			if err != nil {
				return err
			}
			index = e.openIndex
			e.toolBlocks[event.ToolCall.Index] = index
		}
		if event.ToolCall.Arguments == "" {
			return nil
		}
		return e.delta(w, index, map[string]any{"type": "input_json_delta", "partial_json": event.ToolCall.Arguments})

	case domain.EventFinish:
		if err := e.stopBlock(w); err != nil {
			return err
		}
		usage := anthropicUsageWire{}
		if event.Usage != nil {
			usage = anthropicUsage(*event.Usage)
		}
		return writeData(w, anthropicEventMessageDelta, map[string]any{
			"type":  anthropicEventMessageDelta,
			"delta": map[string]any{"stop_reason": event.StopReason.Anthropic(), "stop_sequence": nil},
			"usage": usage,
		})

	case domain.EventDone:
		return writeData(w, anthropicEventMessageStop, map[string]any{"type": anthropicEventMessageStop})

	case domain.EventError:
		message := "stream failed"
		if event.Err != nil {
			message = event.Err.Error()
		}
		return writeData(w, anthropicEventError, anthropicError(0, message))
	}
	return nil
}

func (e *anthropicStreamEncoder) startBlock(w io.Writer, block map[string]any) error {
	if err := e.stopBlock(w); err != nil {
		return err
	}
	e.openIndex = e.nextIndex
	e.nextIndex++
	return writeData(w, anthropicEventContentBlockStart, map[string]any{
		"type":          anthropicEventContentBlockStart,
		"index":         e.openIndex,
		"content_block": block,
	})
}

func (e *anthropicStreamEncoder) stopBlock(w io.Writer) error {
	if e.openIndex < 0 {
		return nil
	}
	index := e.openIndex
	e.openIndex = -1
	return writeData(w, anthropicEventContentBlockStop, map[string]any{
		"type":  anthropicEventContentBlockStop,
		"index": index,
	})
}

func (e *anthropicStreamEncoder) delta(w io.Writer, index int, delta map[string]any) error {
	return writeData(w, anthropicEventContentBlockDelta, map[string]any{
		"type":  anthropicEventContentBlockDelta,
		"index": index,
		"delta": delta,
	})
}
