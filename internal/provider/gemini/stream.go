package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/provider/convert"
	"github.com/davidbz/corebridge/internal/usage"
)

// chunkConverter numbers function calls across the chunks of one stream.
// Gemini sends each function call whole, in a single chunk.
type chunkConverter struct {
	toolCalls int
}

func (c *chunkConverter) Convert(_ context.Context, event domain.UpstreamEvent) (domain.ChunkResult, error) {
	data := bytes.TrimSpace(event.Data)
	if len(data) == 0 {
		return domain.ChunkResult{}, nil
	}
	if !gjson.ValidBytes(data) {
		return domain.ChunkResult{}, domain.NewConversionError("chunk", data, errors.New("invalid JSON"))
	}

	chunk := gjson.ParseBytes(data)
	if errObj := chunk.Get("error"); errObj.Exists() {
		detail := errObj.Get("message").String()
		if detail == "" {
			detail = errObj.Raw
		}
		switch code := int(errObj.Get("code").Int()); code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
			return domain.ChunkResult{}, &domain.TransientBackendError{StatusCode: code, Detail: detail}
		default:
			return domain.ChunkResult{}, &domain.UpstreamRejectedError{StatusCode: http.StatusBadGateway, Detail: detail}
		}
	}

	result := domain.ChunkResult{StreamID: chunk.Get("responseId").String()}

	candidate := chunk.Get("candidates.0")
	for _, part := range candidate.Get("content.parts").Array() {
		if part.Get("thought").Bool() {
			continue
		}
		if text := part.Get("text").String(); text != "" {
			result.Events = append(result.Events, domain.StreamEvent{Type: domain.EventDelta, Delta: text})
			continue
		}
		if call := part.Get("functionCall"); call.Exists() {
			result.Events = append(result.Events, domain.StreamEvent{
				Type: domain.EventToolCall,
				ToolCall: &domain.ToolCallDelta{
					Index:     c.toolCalls,
					ID:        toolCallID(call, c.toolCalls),
					Name:      call.Get("name").String(),
					Arguments: string(convert.ToolInput(json.RawMessage(call.Get("args").Raw))),
				},
			})
			c.toolCalls++
		}
	}

	if finish := candidate.Get("finishReason").String(); finish != "" {
		result.StopReason = stopReason(finish, c.toolCalls > 0)
		result.Done = true
	}

	if u := usage.FromGemini("usageMetadata", chunk.Get("usageMetadata")); !u.Empty() {
		result.Usage = append(result.Usage, u)
	}

	return result, nil
}
