package domain

import (
	"context"
	"time"
)

// Converter translates between the unified model and one protocol family.
type Converter interface {
	// Family returns the protocol family this converter speaks.
	Family() ProtocolFamily

	// BuildRequest produces the provider-native request for an endpoint.
	BuildRequest(ctx context.Context, endpoint Endpoint, req *UnifiedRequest) (*OutboundRequest, error)

	// ParseResponse decodes a complete non-streaming provider body.
	ParseResponse(ctx context.Context, body []byte) (*UnifiedResponse, error)

	// NewChunkConverter returns a converter for one stream. Chunk converters
	// carry per-stream state and must not be shared between streams.
	NewChunkConverter() ChunkConverter
}

// ChunkConverter converts upstream stream events into unified stream events.
type ChunkConverter interface {
	Convert(ctx context.Context, event UpstreamEvent) (ChunkResult, error)
}

// ConverterRegistry resolves the converter of a family.
type ConverterRegistry interface {
	Get(family ProtocolFamily) (Converter, error)
}

// EventReader reads raw events from an open upstream stream.
// Next returns io.EOF once the stream is exhausted.
type EventReader interface {
	Next() (UpstreamEvent, error)
	Close() error
}

// Transport sends outbound requests to endpoints.
type Transport interface {
	// Do performs a non-streaming request and returns the response body.
	Do(ctx context.Context, endpoint Endpoint, req *OutboundRequest) ([]byte, error)

	// Stream opens a streaming request.
	Stream(ctx context.Context, endpoint Endpoint, req *OutboundRequest) (EventReader, error)
}

// Balancer selects the endpoint that serves the next request for a model.
type Balancer interface {
	// Resolve maps a requested name (alias, vendor-prefixed or differently
	// spelled) to its canonical routing name.
	Resolve(model string) (string, bool)

	SelectEndpoint(ctx context.Context, model string) (Endpoint, error)
}

// Cursor is a monotonically increasing request counter.
type Cursor interface {
	Next(ctx context.Context) (uint64, error)
}

// Retrier runs an operation under a retry policy. attempt starts at 1.
type Retrier interface {
	Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error
}

// TokenProvider issues bearer tokens per tenant.
type TokenProvider interface {
	BearerToken(ctx context.Context, tenantID string) (string, time.Time, error)
}

// MetricsRecorder receives request-level measurements.
type MetricsRecorder interface {
	ObserveRequest(family string, stream bool, outcome string, elapsed time.Duration)
	IncRetry(family string)
	IncStreamEvent(family, eventType string)
	AddTokens(family string, prompt, completion, cached int)
	AddCost(model string, cost float64)
}
