package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/tidwall/gjson"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/usage"
)

var doneMarker = []byte("[DONE]")

// chunkConverter converts chat.completion.chunk events. It is stateless, but
// one instance is still created per stream like every other family.
type chunkConverter struct{}

func (c *chunkConverter) Convert(_ context.Context, event domain.UpstreamEvent) (domain.ChunkResult, error) {
	data := bytes.TrimSpace(event.Data)
	if len(data) == 0 {
		return domain.ChunkResult{}, nil
	}
	if bytes.Equal(data, doneMarker) {
		return domain.ChunkResult{Done: true}, nil
	}

	if errObj := gjson.GetBytes(data, "error"); errObj.Exists() {
		detail := errObj.Get("message").String()
		if detail == "" {
			detail = errObj.Raw
		}
		switch {
		case errObj.Get("type").String() == "server_error":
			return domain.ChunkResult{}, &domain.TransientBackendError{StatusCode: http.StatusServiceUnavailable, Detail: detail}
		case errObj.Get("code").String() == "rate_limit_exceeded":
			return domain.ChunkResult{}, &domain.TransientBackendError{StatusCode: http.StatusTooManyRequests, Detail: detail}
		default:
			return domain.ChunkResult{}, &domain.UpstreamRejectedError{StatusCode: http.StatusBadGateway, Detail: detail}
		}
	}

	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return domain.ChunkResult{}, domain.NewConversionError("chunk", data, err)
	}

	result := domain.ChunkResult{StreamID: chunk.ID}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			result.Events = append(result.Events, domain.StreamEvent{
				Type:  domain.EventDelta,
				Delta: choice.Delta.Content,
			})
		}

		for _, call := range choice.Delta.ToolCalls {
			result.Events = append(result.Events, domain.StreamEvent{
				Type: domain.EventToolCall,
				ToolCall: &domain.ToolCallDelta{
					Index:     int(call.Index),
					ID:        call.ID,
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			})
		}

		if choice.FinishReason != "" {
			result.StopReason = domain.MapStopReason(domain.ProtocolOpenAIChat, choice.FinishReason)
		}
	}

	if usageObj := gjson.GetBytes(data, "usage"); usageObj.IsObject() {
		result.Usage = append(result.Usage, usage.FromOpenAI("chunk", usageObj))
	}

	return result, nil
}
