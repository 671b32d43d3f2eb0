package invoke

import "encoding/json"

// Anthropic Messages body as accepted by Bedrock InvokeModel.
type invokeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	System           string          `json:"system,omitempty"`
	Messages         []invokeMessage `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	StopSequences    []string        `json:"stop_sequences,omitempty"`
	Tools            []invokeTool    `json:"tools,omitempty"`
	Thinking         *invokeThinking `json:"thinking,omitempty"`
}

type invokeMessage struct {
	Role    string        `json:"role"`
	Content []invokeBlock `json:"content"`
}

type invokeBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *invokeImageSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

type invokeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type invokeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type invokeThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}
