package domain_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/corebridge/internal/domain"
)

func TestDetectProtocol(t *testing.T) {
	tests := []struct {
		model    string
		expected domain.ProtocolFamily
	}{
		{model: "gpt-4o", expected: domain.ProtocolOpenAIChat},
		{model: "gpt-4.1-mini", expected: domain.ProtocolOpenAIChat},
		{model: "o3-mini", expected: domain.ProtocolOpenAIChat},
		{model: "", expected: domain.ProtocolOpenAIChat},
		{model: "   ", expected: domain.ProtocolOpenAIChat},
		{model: "some-unknown-model", expected: domain.ProtocolOpenAIChat},
		{model: "anthropic--claude-3-haiku", expected: domain.ProtocolClaudeInvoke},
		{model: "anthropic.claude-3-5-sonnet-20240620-v1:0", expected: domain.ProtocolClaudeInvoke},
		{model: "claude-3-haiku-20240307", expected: domain.ProtocolClaudeInvoke},
		{model: "anthropic--claude-3.7-sonnet", expected: domain.ProtocolClaudeConverse},
		{model: "claude-3-7-sonnet-20250219", expected: domain.ProtocolClaudeConverse},
		{model: "anthropic--claude-4-sonnet", expected: domain.ProtocolClaudeConverse},
		{model: "claude-sonnet-4-20250514", expected: domain.ProtocolClaudeConverse},
		{model: "claude-opus-4-1", expected: domain.ProtocolClaudeConverse},
		{model: "Claude-Sonnet-4.5", expected: domain.ProtocolClaudeConverse},
		{model: "gemini-1.5-pro", expected: domain.ProtocolGemini},
		{model: "models/gemini-2.5-flash", expected: domain.ProtocolGemini},
		{model: "GEMINI-2.0-FLASH", expected: domain.ProtocolGemini},
	}

	for _, tt := range tests {
		t.Run("should classify "+tt.model, func(t *testing.T) {
			require.Equal(t, tt.expected, domain.DetectProtocol(tt.model))
		})
	}
}

func TestProtocolFamily_String(t *testing.T) {
	t.Run("should name every family", func(t *testing.T) {
		names := make(map[string]struct{})
		for _, family := range domain.AllProtocols() {
			name := family.String()
			require.NotEqual(t, "unknown", name)
			names[name] = struct{}{}
		}
		require.Len(t, names, len(domain.AllProtocols()))
	})

	t.Run("should return unknown for out of range values", func(t *testing.T) {
		require.Equal(t, "unknown", domain.ProtocolFamily(42).String())
	})
}
