package clientformat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/provider/convert"
)

// OpenAI request structures.
type openAIChatRequest struct {
	Model               string              `json:"model"`
	Messages            []openAIChatMessage `json:"messages"`
	MaxTokens           *int                `json:"max_tokens"`
	MaxCompletionTokens *int                `json:"max_completion_tokens"`
	Temperature         *float64            `json:"temperature"`
	TopP                *float64            `json:"top_p"`
	Stop                json.RawMessage     `json:"stop"`
	Stream              bool                `json:"stream"`
	Tools               []openAIChatTool    `json:"tools"`
	Thinking            json.RawMessage     `json:"thinking"`
}

type openAIChatMessage struct {
	Role       string               `json:"role"`
	Content    json.RawMessage      `json:"content"`
	ToolCalls  []openAIChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

type openAIChatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type openAIChatToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// OpenAI response structures.
type openAIChatResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []openAIChatChoice `json:"choices"`
	Usage   *openAIChatUsage   `json:"usage,omitempty"`
}

type openAIChatChoice struct {
	Index        int               `json:"index"`
	Message      *openAIChatOutput `json:"message,omitempty"`
	Delta        *openAIChatOutput `json:"delta,omitempty"`
	FinishReason *string           `json:"finish_reason"`
}

type openAIChatOutput struct {
	Role      string               `json:"role,omitempty"`
	Content   *string              `json:"content,omitempty"`
	ToolCalls []openAIChatToolCall `json:"tool_calls,omitempty"`
}

type openAIChatUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// OpenAI is the Chat Completions wire format.
type OpenAI struct {
	now func() time.Time
}

// NewOpenAI creates the Chat Completions format.
func NewOpenAI() *OpenAI {
	return &OpenAI{now: time.Now}
}

// Name returns the format name.
func (f *OpenAI) Name() string {
	return "openai"
}

// DecodeRequest parses a Chat Completions request.
func (f *OpenAI) DecodeRequest(body []byte) (*domain.UnifiedRequest, error) {
	var wire openAIChatRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	req := &domain.UnifiedRequest{
		Model:       wire.Model,
		MaxTokens:   wire.MaxTokens,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stream:      wire.Stream,
	}
	if req.MaxTokens == nil {
		req.MaxTokens = wire.MaxCompletionTokens
	}

	stop, err := stringOrList(wire.Stop)
	if err != nil {
		return nil, fmt.Errorf("%w: stop: %w", ErrInvalidRequest, err)
	}
	req.StopSequences = stop

	thinking, err := decodeThinking(wire.Thinking)
	if err != nil {
		return nil, fmt.Errorf("%w: thinking: %w", ErrInvalidRequest, err)
	}
	req.Thinking = thinking

	for _, tool := range wire.Tools {
		req.Tools = append(req.Tools, domain.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}

	for i, msg := range wire.Messages {
		converted, err := decodeOpenAIMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: messages[%d]: %w", ErrInvalidRequest, i, err)
		}
		req.Messages = append(req.Messages, converted)
	}

	return req, nil
}

func decodeOpenAIMessage(msg openAIChatMessage) (domain.Message, error) {
	out := domain.Message{Role: msg.Role}

	switch msg.Role {
	case domain.RoleTool:
		text, err := decodeOpenAIText(msg.Content)
		if err != nil {
			return out, err
		}
		out.Content.Blocks = []domain.ContentBlock{{
			Type:       domain.BlockToolResult,
			ToolUseID:  msg.ToolCallID,
			ToolResult: text,
		}}
		return out, nil

	case domain.RoleSystem, domain.RoleUser, domain.RoleAssistant:
	default:
		return out, fmt.Errorf("unknown role %q", msg.Role)
	}

	content, err := decodeOpenAIContent(msg.Content)
	if err != nil {
		return out, err
	}
	out.Content = content

	if len(msg.ToolCalls) > 0 {
		blocks := convert.Blocks(out.Content)
		for _, call := range msg.ToolCalls {
			blocks = append(blocks, domain.ContentBlock{
				Type:      domain.BlockToolUse,
				ToolUseID: call.ID,
				ToolName:  call.Function.Name,
				ToolInput: convert.ToolArguments(call.Function.Arguments),
			})
		}
		out.Content = domain.MessageContent{Blocks: blocks}
	}

	return out, nil
}

// decodeOpenAIContent accepts a string or a list of content parts.
func decodeOpenAIContent(raw json.RawMessage) (domain.MessageContent, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return domain.MessageContent{}, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return domain.MessageContent{Text: text}, nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return domain.MessageContent{}, errors.New("content must be a string or an array")
	}

	blocks := make([]domain.ContentBlock, 0, len(parts))
	for _, part := range parts {
		block, err := decodeOpenAIPart(part)
		if err != nil {
			return domain.MessageContent{}, err
		}
		blocks = append(blocks, block)
	}
	return domain.MessageContent{Blocks: blocks}, nil
}

func decodeOpenAIPart(raw json.RawMessage) (domain.ContentBlock, error) {
	fields, extra, err := splitExtra(raw, "type", "text", "image_url")
	if err != nil {
		return domain.ContentBlock{}, err
	}

	var partType string
	if err := json.Unmarshal(fields["type"], &partType); err != nil {
		return domain.ContentBlock{}, errors.New("content part without type")
	}

	block := domain.ContentBlock{Extra: extra}
	switch partType {
	case "text":
		block.Type = domain.BlockText
		if err := json.Unmarshal(fields["text"], &block.Text); err != nil {
			return block, errors.New("text part without text")
		}
	case "image_url":
		var image struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(fields["image_url"], &image); err != nil || image.URL == "" {
			return block, errors.New("image_url part without url")
		}
		block.Type = domain.BlockImage
		if mediaType, data, ok := parseDataURL(image.URL); ok {
			block.MediaType = mediaType
			block.Data = data
		} else {
			block.ImageURL = image.URL
		}
	default:
		return block, fmt.Errorf("unsupported content part %q", partType)
	}
	return block, nil
}

func decodeOpenAIText(raw json.RawMessage) (string, error) {
	content, err := decodeOpenAIContent(raw)
	if err != nil {
		return "", err
	}
	return convert.Text(content), nil
}

// EncodeResponse renders a chat.completion object.
func (f *OpenAI) EncodeResponse(resp *domain.UnifiedResponse) ([]byte, error) {
	content := resp.Content
	finish := resp.StopReason.OpenAI()

	message := &openAIChatOutput{Role: domain.RoleAssistant, Content: &content}
	for _, call := range resp.ToolCalls {
		wireCall := openAIChatToolCall{ID: call.ID, Type: "function"}
		wireCall.Function.Name = call.Name
		wireCall.Function.Arguments = call.Arguments
		message.ToolCalls = append(message.ToolCalls, wireCall)
	}

	return json.Marshal(openAIChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: f.created(resp.FinishTime),
		Model:   resp.Model,
		Choices: []openAIChatChoice{{Index: 0, Message: message, FinishReason: &finish}},
		Usage:   openAIUsage(resp.Usage),
	})
}

// EncodeError renders {"error":{"message","type"}}.
func (f *OpenAI) EncodeError(status int, message string) []byte {
	var body openAIErrorBody
	body.Error.Message = message
	body.Error.Type = errorType(status)

	data, _ := json.Marshal(body)
	return data
}

// NewStreamEncoder returns a chat.completion.chunk encoder.
func (f *OpenAI) NewStreamEncoder() StreamEncoder {
	return &openAIStreamEncoder{created: f.now().Unix()}
}

func (f *OpenAI) created(finish time.Time) int64 {
	if finish.IsZero() {
		return f.now().Unix()
	}
	return finish.Unix()
}

func openAIUsage(usage domain.TokenUsage) *openAIChatUsage {
	out := &openAIChatUsage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
	out.PromptTokensDetails.CachedTokens = usage.CachedTokens
	return out
}

type openAIStreamEncoder struct {
	created int64
}

// WriteEvent writes one event as a data line; Done becomes data: [DONE].
func (e *openAIStreamEncoder) WriteEvent(w io.Writer, event domain.StreamEvent) error {
	switch event.Type {
	case domain.EventDone:
		_, err := io.WriteString(w, "data: [DONE]\n\n")
		return err

	case domain.EventError:
		message := "stream failed"
		if event.Err != nil {
			message = event.Err.Error()
		}
		var body openAIErrorBody
		body.Error.Message = message
		body.Error.Type = errorType(0)
		return writeData(w, "", body)
	}

	chunk := openAIChatResponse{
		ID:      event.StreamID,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   event.Model,
	}
	choice := openAIChatChoice{Index: 0, Delta: &openAIChatOutput{}}

	switch event.Type {
	case domain.EventRole:
		empty := ""
		choice.Delta.Role = domain.RoleAssistant
		choice.Delta.Content = &empty
	case domain.EventDelta:
		delta := event.Delta
		choice.Delta.Content = &delta
	case domain.EventToolCall:
		if event.ToolCall == nil {
			return nil
		}
		index := event.ToolCall.Index
		call := openAIChatToolCall{Index: &index, ID: event.ToolCall.ID}
		if event.ToolCall.ID != "" {
			call.Type = "function"
		}
		call.Function.Name = event.ToolCall.Name
		call.Function.Arguments = event.ToolCall.Arguments
		choice.Delta.ToolCalls = []openAIChatToolCall{call}
	case domain.EventFinish:
		finish := event.StopReason.OpenAI()
		choice.FinishReason = &finish
		if event.Usage != nil {
			chunk.Usage = openAIUsage(*event.Usage)
		}
	default:
		return nil
	}

	chunk.Choices = []openAIChatChoice{choice}
	return writeData(w, "", chunk)
}

// writeData writes an optional event line and a JSON data line.
func writeData(w io.Writer, eventName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal stream event: %w", err)
	}

	if eventName != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", eventName); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
