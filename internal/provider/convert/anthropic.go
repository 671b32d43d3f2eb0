package convert

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/usage"
)

const invocationMetricsField = "amazon-bedrock-invocationMetrics"

// AnthropicEvents converts Anthropic Messages stream events. It tracks which
// content blocks are tool calls, so one value serves exactly one stream.
type AnthropicEvents struct {
	toolIndex map[int64]int
}

// NewAnthropicEvents returns a converter for one stream.
func NewAnthropicEvents() *AnthropicEvents {
	return &AnthropicEvents{toolIndex: make(map[int64]int)}
}

// IsAnthropicEvent reports whether data looks like an Anthropic Messages
// event, either bare or Bedrock-wrapped as {"bytes":"<base64>"}.
func IsAnthropicEvent(data []byte) bool {
	if gjson.GetBytes(data, "bytes").Exists() {
		return true
	}
	return gjson.GetBytes(data, "type").Type == gjson.String
}

// Convert handles one event payload. Bedrock-wrapped events are decoded first.
// Known is false when the event type is not part of the Messages protocol.
func (a *AnthropicEvents) Convert(data []byte) (result domain.ChunkResult, known bool, err error) {
	if !gjson.ValidBytes(data) {
		return result, false, domain.NewConversionError("chunk", data, errors.New("invalid JSON"))
	}

	if wrapped := gjson.GetBytes(data, "bytes"); wrapped.Exists() {
		decoded, decodeErr := base64.StdEncoding.DecodeString(wrapped.String())
		if decodeErr != nil {
			return result, false, domain.NewConversionError("bytes", data, decodeErr)
		}
		if !gjson.ValidBytes(decoded) {
			return result, false, domain.NewConversionError("bytes", decoded, errors.New("invalid JSON"))
		}
		data = decoded
	}

	event := gjson.ParseBytes(data)
	known = true

	switch event.Get("type").String() {
	case "message_start":
		message := event.Get("message")
		result.StreamID = message.Get("id").String()
		if u := usage.FromAnthropic("message_start", message.Get("usage")); !u.Empty() {
			result.Usage = append(result.Usage, u)
		}

	case "content_block_start":
		block := event.Get("content_block")
		switch block.Get("type").String() {
		case domain.BlockToolUse:
			index := len(a.toolIndex)
			a.toolIndex[event.Get("index").Int()] = index
			result.Events = append(result.Events, domain.StreamEvent{
				Type: domain.EventToolCall,
				ToolCall: &domain.ToolCallDelta{
					Index: index,
					ID:    block.Get("id").String(),
					Name:  block.Get("name").String(),
				},
			})
		case domain.BlockText:
			if text := block.Get("text").String(); text != "" {
				result.Events = append(result.Events, domain.StreamEvent{Type: domain.EventDelta, Delta: text})
			}
		}

	case "content_block_delta":
		delta := event.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			if text := delta.Get("text").String(); text != "" {
				result.Events = append(result.Events, domain.StreamEvent{Type: domain.EventDelta, Delta: text})
			}
		case "input_json_delta":
			index, ok := a.toolIndex[event.Get("index").Int()]
			if !ok {
				return result, known, domain.NewConversionError("index", data, errors.New("input delta for unknown tool block"))
			}
			result.Events = append(result.Events, domain.StreamEvent{
				Type:     domain.EventToolCall,
				ToolCall: &domain.ToolCallDelta{Index: index, Arguments: delta.Get("partial_json").String()},
			})
		}

	case "content_block_stop", "ping":

	case "message_delta":
		if reason := event.Get("delta.stop_reason").String(); reason != "" {
			result.StopReason = domain.MapStopReason(domain.ProtocolClaudeInvoke, reason)
		}
		if u := usage.FromAnthropic("message_delta", event.Get("usage")); !u.Empty() {
			result.Usage = append(result.Usage, u)
		}

	case "message_stop":
		result.Done = true
		if u := usage.FromInvocationMetrics("invocation_metrics", event.Get(invocationMetricsField)); !u.Empty() {
			result.Usage = append(result.Usage, u)
		}

	case "error":
		return result, known, AnthropicError(event)

	default:
		known = false
	}

	return result, known, nil
}

// AnthropicError converts an in-band error event. Overload errors are
// transient; anything else is a rejection.
func AnthropicError(event gjson.Result) error {
	detail := event.Get("error.message").String()
	if detail == "" {
		detail = event.Get("error").Raw
	}

	switch event.Get("error.type").String() {
	case "overloaded_error", "rate_limit_error", "api_error":
		return &domain.TransientBackendError{StatusCode: http.StatusServiceUnavailable, Detail: detail}
	default:
		return &domain.UpstreamRejectedError{StatusCode: http.StatusBadGateway, Detail: detail}
	}
}
