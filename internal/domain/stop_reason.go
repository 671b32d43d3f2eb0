package domain

import "strings"

// StopReason is the unified reason a generation ended.
type StopReason string

const (
	StopReasonStop          StopReason = "stop"
	StopReasonLength        StopReason = "length"
	StopReasonContentFilter StopReason = "content_filter"
	StopReasonToolCalls     StopReason = "tool_calls"
)

//nolint:gochecknoglobals // static lookup tables
var (
	openAIStopReasons = map[string]StopReason{
		"stop":           StopReasonStop,
		"length":         StopReasonLength,
		"content_filter": StopReasonContentFilter,
		"tool_calls":     StopReasonToolCalls,
		"function_call":  StopReasonToolCalls,
	}

	// Shared by Bedrock Invoke (snake_case) and Converse (camelCase), keyed lowercase.
	claudeStopReasons = map[string]StopReason{
		"end_turn":                      StopReasonStop,
		"stop_sequence":                 StopReasonStop,
		"pause_turn":                    StopReasonStop,
		"max_tokens":                    StopReasonLength,
		"model_context_window_exceeded": StopReasonLength,
		"tool_use":                      StopReasonToolCalls,
		"refusal":                       StopReasonContentFilter,
		"guardrail_intervened":          StopReasonContentFilter,
		"content_filtered":              StopReasonContentFilter,
	}

	geminiStopReasons = map[string]StopReason{
		"STOP":                      StopReasonStop,
		"FINISH_REASON_UNSPECIFIED": StopReasonStop,
		"OTHER":                     StopReasonStop,
		"MAX_TOKENS":                StopReasonLength,
		"SAFETY":                    StopReasonContentFilter,
		"RECITATION":                StopReasonContentFilter,
		"LANGUAGE":                  StopReasonContentFilter,
		"BLOCKLIST":                 StopReasonContentFilter,
		"PROHIBITED_CONTENT":        StopReasonContentFilter,
		"SPII":                      StopReasonContentFilter,
		"IMAGE_SAFETY":              StopReasonContentFilter,
		"MALFORMED_FUNCTION_CALL":   StopReasonToolCalls,
		"UNEXPECTED_TOOL_CALL":      StopReasonToolCalls,
	}
)

// MapStopReason maps a family's native stop/finish reason onto the unified enum.
// Unrecognized values map to StopReasonStop.
func MapStopReason(family ProtocolFamily, native string) StopReason {
	var (
		reason StopReason
		ok     bool
	)

	switch family {
	case ProtocolOpenAIChat:
		reason, ok = openAIStopReasons[strings.ToLower(native)]
	case ProtocolClaudeInvoke, ProtocolClaudeConverse:
		reason, ok = claudeStopReasons[camelToSnake(native)]
	case ProtocolGemini:
		reason, ok = geminiStopReasons[strings.ToUpper(native)]
	}

	if !ok {
		return StopReasonStop
	}
	return reason
}

// OpenAI returns the OpenAI finish_reason for the unified value.
func (r StopReason) OpenAI() string {
	switch r {
	case StopReasonStop:
		return "stop"
	case StopReasonLength:
		return "length"
	case StopReasonContentFilter:
		return "content_filter"
	case StopReasonToolCalls:
		return "tool_calls"
	default:
		return "stop"
	}
}

// Anthropic returns the Anthropic Messages stop_reason for the unified value.
func (r StopReason) Anthropic() string {
	switch r {
	case StopReasonStop:
		return "end_turn"
	case StopReasonLength:
		return "max_tokens"
	case StopReasonContentFilter:
		return "refusal"
	case StopReasonToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

// camelToSnake lowercases Converse values such as "endTurn" into "end_turn".
func camelToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
