package domain

import (
	"encoding/json"
	"time"
)

// Message roles shared by every wire format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content block types.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// UnifiedRequest is the protocol-agnostic chat request.
// It is built once per incoming request and not mutated afterwards.
type UnifiedRequest struct {
	Model         string
	Messages      []Message
	System        string
	Tools         []Tool
	MaxTokens     *int
	Temperature   *float64
	TopP          *float64
	StopSequences []string
	Stream        bool
	Thinking      *Thinking
}

// Message is one conversation turn.
type Message struct {
	Role    string
	Content MessageContent
}

// MessageContent holds either plain text or a list of typed blocks.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
}

// IsBlocks reports whether the content arrived as a block list.
func (c MessageContent) IsBlocks() bool {
	return len(c.Blocks) > 0
}

// ContentBlock is a typed unit of message content.
type ContentBlock struct {
	Type string

	Text string

	// Image: either a URL or inline base64 data.
	ImageURL  string
	MediaType string
	Data      string

	// Tool use / tool result.
	ToolUseID  string
	ToolName   string
	ToolInput  json.RawMessage
	ToolResult string

	// Extra holds client-supplied fields the gateway does not model (e.g. cache_control).
	Extra map[string]json.RawMessage
}

// Tool is a function definition offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Thinking is the reasoning budget configuration.
type Thinking struct {
	Type         string
	BudgetTokens int
	Extra        map[string]json.RawMessage
}

// UnifiedResponse is the protocol-agnostic non-streaming reply.
type UnifiedResponse struct {
	ID         string
	Model      string
	Family     ProtocolFamily
	Content    string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      TokenUsage
	Cost       float64
	FinishTime time.Time
}

// ToolCall is a completed function call produced by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens"`
}

// BilledPromptTokens is the prompt count excluding cache reads.
func (u TokenUsage) BilledPromptTokens() int {
	billed := u.PromptTokens - u.CachedTokens
	if billed < 0 {
		return 0
	}
	return billed
}

// Endpoint is one concrete deployment serving a model under a tenant.
type Endpoint struct {
	TenantID string
	URL      string
	// Model is the backend-side model id (may differ from the requested alias).
	Model   string
	Headers map[string]string
}

// TenantEndpoints is the ordered endpoint list of one tenant.
type TenantEndpoints struct {
	TenantID  string
	Endpoints []Endpoint
}

// RoutingEntry maps a model name to the tenants serving it.
type RoutingEntry struct {
	Model   string
	Tenants []TenantEndpoints
}

// OutboundRequest is a provider-native request ready to send.
type OutboundRequest struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    []byte
	Stream  bool
}

// UpstreamEvent is one raw event read from a provider stream.
type UpstreamEvent struct {
	// Type is the SSE event name or the binary event-stream :event-type header.
	Type string
	Data []byte
}

// StreamEventType enumerates client-facing stream events.
type StreamEventType int

const (
	EventRole StreamEventType = iota
	EventDelta
	EventToolCall
	EventFinish
	EventError
	EventDone
)

// String returns the event type name used in logs and metrics.
func (t StreamEventType) String() string {
	switch t {
	case EventRole:
		return "role"
	case EventDelta:
		return "delta"
	case EventToolCall:
		return "tool_call"
	case EventFinish:
		return "finish"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// StreamEvent is one client-facing streaming event.
type StreamEvent struct {
	Type       StreamEventType
	StreamID   string
	Model      string
	Role       string
	Delta      string
	ToolCall   *ToolCallDelta
	StopReason StopReason
	Usage      *TokenUsage
	Err        error
}

// ToolCallDelta is an incremental piece of a streamed tool call.
// ID and Name are set on the first delta of a call only.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// ChunkResult is what a chunk converter extracts from one upstream event.
type ChunkResult struct {
	// StreamID is a provider message/stream identifier, when the event carries one.
	StreamID   string
	Events     []StreamEvent
	Usage      []UsageObservation
	StopReason StopReason
	// Done reports that the upstream signalled the end of the message.
	Done bool
}
