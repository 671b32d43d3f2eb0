package converse

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/observability"
	"github.com/davidbz/corebridge/internal/provider/convert"
	"github.com/davidbz/corebridge/internal/usage"
)

const (
	eventMessageStart      = "messageStart"
	eventContentBlockStart = "contentBlockStart"
	eventContentBlockDelta = "contentBlockDelta"
	eventContentBlockStop  = "contentBlockStop"
	eventMessageStop       = "messageStop"
	eventMetadata          = "metadata"
)

//nolint:gochecknoglobals // fixed event set
var knownEvents = map[string]struct{}{
	eventMessageStart:      {},
	eventContentBlockStart: {},
	eventContentBlockDelta: {},
	eventContentBlockStop:  {},
	eventMessageStop:       {},
	eventMetadata:          {},
}

// chunkConverter tracks tool-use content blocks within one ConverseStream.
// Deployments that answer a converse-stream call with Anthropic Messages
// events are handled by the shared Anthropic conversion.
type chunkConverter struct {
	toolIndex map[int64]int
	anthropic *convert.AnthropicEvents
}

func newChunkConverter() *chunkConverter {
	return &chunkConverter{
		toolIndex: make(map[int64]int),
		anthropic: convert.NewAnthropicEvents(),
	}
}

// Convert handles one stream event. With the binary event stream the event
// name comes from the :event-type header; over SSE the payload is wrapped
// in a single-key object named after the event.
func (c *chunkConverter) Convert(ctx context.Context, event domain.UpstreamEvent) (domain.ChunkResult, error) {
	data := bytes.TrimSpace(event.Data)
	if len(data) == 0 {
		return domain.ChunkResult{}, nil
	}
	if !gjson.ValidBytes(data) {
		return domain.ChunkResult{}, domain.NewConversionError("chunk", data, errors.New("invalid JSON"))
	}

	name := event.Type
	payload := gjson.ParseBytes(data)
	if _, ok := knownEvents[name]; !ok {
		if convert.IsAnthropicEvent(data) {
			return c.convertAnthropic(ctx, event.Type, data)
		}
		name, payload = unwrap(payload)
	}

	if strings.HasSuffix(name, "Exception") {
		detail := payload.Get("message").String()
		if detail == "" {
			detail = name
		}
		return domain.ChunkResult{}, &domain.UpstreamRejectedError{StatusCode: http.StatusBadGateway, Detail: detail}
	}

	if _, ok := knownEvents[name]; !ok {
		observability.FromContext(ctx).Warn("ignoring unrecognized stream event",
			observability.String("event", name))
		return domain.ChunkResult{}, nil
	}

	return c.convertEvent(name, payload, data)
}

func (c *chunkConverter) convertAnthropic(ctx context.Context, name string, data []byte) (domain.ChunkResult, error) {
	result, known, err := c.anthropic.Convert(data)
	if err != nil {
		return result, err
	}
	if !known {
		observability.FromContext(ctx).Warn("ignoring unrecognized stream event",
			observability.String("event", name))
	}
	return result, nil
}

// unwrap returns the single key of a wrapped event and its value.
func unwrap(payload gjson.Result) (string, gjson.Result) {
	var (
		name  string
		inner gjson.Result
	)
	payload.ForEach(func(key, value gjson.Result) bool {
		name = key.String()
		inner = value
		return false
	})
	return name, inner
}

func (c *chunkConverter) convertEvent(name string, payload gjson.Result, raw []byte) (domain.ChunkResult, error) {
	var result domain.ChunkResult

	switch name {
	case eventMessageStart, eventContentBlockStop:
		// Nothing to emit: the role event comes from the engine.

	case eventContentBlockStart:
		toolUse := payload.Get("start.toolUse")
		if !toolUse.Exists() {
			break
		}
		index := len(c.toolIndex)
		c.toolIndex[payload.Get("contentBlockIndex").Int()] = index
		result.Events = append(result.Events, domain.StreamEvent{
			Type: domain.EventToolCall,
			ToolCall: &domain.ToolCallDelta{
				Index: index,
				ID:    toolUse.Get("toolUseId").String(),
				Name:  toolUse.Get("name").String(),
			},
		})

	case eventContentBlockDelta:
		delta := payload.Get("delta")
		if text := delta.Get("text"); text.Exists() {
			if text.String() != "" {
				result.Events = append(result.Events, domain.StreamEvent{Type: domain.EventDelta, Delta: text.String()})
			}
			break
		}
		if input := delta.Get("toolUse.input"); input.Exists() {
			index, ok := c.toolIndex[payload.Get("contentBlockIndex").Int()]
			if !ok {
				return result, domain.NewConversionError("contentBlockIndex", raw, errors.New("tool input for unknown block"))
			}
			result.Events = append(result.Events, domain.StreamEvent{
				Type:     domain.EventToolCall,
				ToolCall: &domain.ToolCallDelta{Index: index, Arguments: input.String()},
			})
		}

	case eventMessageStop:
		result.StopReason = domain.MapStopReason(domain.ProtocolClaudeConverse, payload.Get("stopReason").String())

	case eventMetadata:
		result.Done = true
		if u := usage.FromConverse(eventMetadata, payload.Get("usage")); !u.Empty() {
			result.Usage = append(result.Usage, u)
		}
	}

	return result, nil
}
