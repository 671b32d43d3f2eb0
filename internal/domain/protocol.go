package domain

import "strings"

// ProtocolFamily groups backends that share one wire format.
type ProtocolFamily int

const (
	// ProtocolOpenAIChat is the OpenAI Chat Completions format (pass-through default).
	ProtocolOpenAIChat ProtocolFamily = iota
	// ProtocolClaudeInvoke is Anthropic Messages over Bedrock /invoke (older Claude models).
	ProtocolClaudeInvoke
	// ProtocolClaudeConverse is Bedrock /converse (Claude 3.7 and newer).
	ProtocolClaudeConverse
	// ProtocolGemini is Gemini generateContent.
	ProtocolGemini
)

// AllProtocols lists every family, in declaration order.
func AllProtocols() []ProtocolFamily {
	return []ProtocolFamily{
		ProtocolOpenAIChat,
		ProtocolClaudeInvoke,
		ProtocolClaudeConverse,
		ProtocolGemini,
	}
}

// String returns the stable name used in logs and metrics.
func (p ProtocolFamily) String() string {
	switch p {
	case ProtocolOpenAIChat:
		return "openai_chat"
	case ProtocolClaudeInvoke:
		return "claude_invoke"
	case ProtocolClaudeConverse:
		return "claude_converse"
	case ProtocolGemini:
		return "gemini"
	default:
		return "unknown"
	}
}

//nolint:gochecknoglobals // fixed keyword tables
var (
	claudeKeywords = []string{"claude", "sonnet", "opus", "haiku"}

	// Version markers of Claude 3.7 and later. Bare digits are not used because
	// release dates such as 20240307 would match them.
	claudeConverseMarkers = []string{
		"3-7", "3.7", "3_7",
		"claude-4", "sonnet-4", "opus-4", "haiku-4",
		"-4-", "-4.", "4-5", "4.5", "4-1", "4.1",
		"claude-5", "sonnet-5", "opus-5",
	}

	geminiKeywords = []string{"gemini"}
)

// DetectProtocol classifies a model name into a protocol family.
// It never fails: unknown and empty names map to ProtocolOpenAIChat.
func DetectProtocol(model string) ProtocolFamily {
	name := strings.ToLower(strings.TrimSpace(model))
	name = strings.TrimPrefix(name, "models/")

	if name == "" {
		return ProtocolOpenAIChat
	}

	if containsAny(name, claudeKeywords) {
		if containsAny(name, claudeConverseMarkers) {
			return ProtocolClaudeConverse
		}
		return ProtocolClaudeInvoke
	}

	if containsAny(name, geminiKeywords) {
		return ProtocolGemini
	}

	return ProtocolOpenAIChat
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
