package converse

import "encoding/json"

// Bedrock Converse request body.
type converseRequest struct {
	Messages                     []converseMessage        `json:"messages"`
	System                       []converseTextBlock      `json:"system,omitempty"`
	InferenceConfig              *converseInferenceConfig `json:"inferenceConfig,omitempty"`
	ToolConfig                   *converseToolConfig      `json:"toolConfig,omitempty"`
	AdditionalModelRequestFields map[string]any           `json:"additionalModelRequestFields,omitempty"`
}

type converseMessage struct {
	Role    string          `json:"role"`
	Content []converseBlock `json:"content"`
}

type converseTextBlock struct {
	Text string `json:"text"`
}

// converseBlock is a union: exactly one member is set.
type converseBlock struct {
	Text       *string             `json:"text,omitempty"`
	Image      *converseImage      `json:"image,omitempty"`
	ToolUse    *converseToolUse    `json:"toolUse,omitempty"`
	ToolResult *converseToolResult `json:"toolResult,omitempty"`
}

type converseImage struct {
	Format string              `json:"format"`
	Source converseImageSource `json:"source"`
}

type converseImageSource struct {
	Bytes string `json:"bytes"`
}

type converseToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type converseToolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []converseTextBlock `json:"content"`
}

type converseInferenceConfig struct {
	MaxTokens     *int     `json:"maxTokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type converseToolConfig struct {
	Tools []converseTool `json:"tools"`
}

type converseTool struct {
	ToolSpec converseToolSpec `json:"toolSpec"`
}

type converseToolSpec struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	InputSchema converseInputSchema `json:"inputSchema"`
}

type converseInputSchema struct {
	JSON json.RawMessage `json:"json"`
}
