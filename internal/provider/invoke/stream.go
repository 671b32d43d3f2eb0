package invoke

import (
	"bytes"
	"context"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/observability"
	"github.com/davidbz/corebridge/internal/provider/convert"
)

// chunkConverter adapts the shared Anthropic event conversion to one stream.
type chunkConverter struct {
	events *convert.AnthropicEvents
}

func newChunkConverter() *chunkConverter {
	return &chunkConverter{events: convert.NewAnthropicEvents()}
}

// Convert handles one stream event. Bedrock wraps each Anthropic event as
// {"bytes":"<base64>"}; unwrapped Anthropic events are accepted as well.
func (c *chunkConverter) Convert(ctx context.Context, event domain.UpstreamEvent) (domain.ChunkResult, error) {
	data := bytes.TrimSpace(event.Data)
	if len(data) == 0 {
		return domain.ChunkResult{}, nil
	}

	result, known, err := c.events.Convert(data)
	if err != nil {
		return result, err
	}
	if !known {
		observability.FromContext(ctx).Warn("ignoring unrecognized stream event",
			observability.String("event", event.Type))
	}
	return result, nil
}
