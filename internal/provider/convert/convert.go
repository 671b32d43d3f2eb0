// Package convert holds helpers shared by the provider converters.
package convert

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/observability"
)

// ThinkingSupported lists the thinking sub-fields every Claude target accepts.
//
//nolint:gochecknoglobals // fixed field list
var ThinkingSupported = []string{"type", "budget_tokens"}

// Text flattens message content into a single string. Non-text blocks are skipped.
func Text(content domain.MessageContent) string {
	if !content.IsBlocks() {
		return content.Text
	}

	var b strings.Builder
	for _, block := range content.Blocks {
		if block.Type != domain.BlockText {
			continue
		}
		if b.Len() > 0 && block.Text != "" {
			b.WriteString("\n")
		}
		b.WriteString(block.Text)
	}
	return b.String()
}

// Blocks returns content as a block list, wrapping plain text in one text block.
func Blocks(content domain.MessageContent) []domain.ContentBlock {
	if content.IsBlocks() {
		return content.Blocks
	}
	if content.Text == "" {
		return nil
	}
	return []domain.ContentBlock{{Type: domain.BlockText, Text: content.Text}}
}

// SystemPrompt merges the top-level system prompt with system-role messages
// and returns the remaining messages. The system text is never duplicated.
func SystemPrompt(req *domain.UnifiedRequest) (string, []domain.Message) {
	parts := make([]string, 0, 1)
	if req.System != "" {
		parts = append(parts, req.System)
	}

	messages := make([]domain.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == domain.RoleSystem {
			if text := Text(msg.Content); text != "" && !slices.Contains(parts, text) {
				parts = append(parts, text)
			}
			continue
		}
		messages = append(messages, msg)
	}
	return strings.Join(parts, "\n\n"), messages
}

// WarnStrippedFields logs once per request the block fields a target does not accept.
// Fields listed in keep are considered forwarded and not reported.
func WarnStrippedFields(ctx context.Context, family domain.ProtocolFamily, req *domain.UnifiedRequest, keep ...string) {
	var stripped []string
	for _, msg := range req.Messages {
		for _, block := range msg.Content.Blocks {
			for key := range block.Extra {
				if slices.Contains(keep, key) || slices.Contains(stripped, key) {
					continue
				}
				stripped = append(stripped, key)
			}
		}
	}
	if len(stripped) == 0 {
		return
	}

	slices.Sort(stripped)
	observability.FromContext(ctx).Warn("stripping unsupported content fields",
		observability.String("target", family.String()),
		observability.Strings("fields", stripped))
}

// ForwardedExtra returns the subset of extra fields named in keep.
func ForwardedExtra(extra map[string]json.RawMessage, keep ...string) map[string]json.RawMessage {
	var out map[string]json.RawMessage
	for _, key := range keep {
		if value, ok := extra[key]; ok {
			if out == nil {
				out = make(map[string]json.RawMessage, len(keep))
			}
			out[key] = value
		}
	}
	return out
}

// Thinking is the normalized reasoning configuration of a request.
type Thinking struct {
	Type         string
	BudgetTokens int
}

// ResolveThinking applies the thinking budget rules: unsupported sub-fields are
// dropped with a log line, and the output limit is raised to budget+1 when it
// is absent or not above the budget. It returns the limit to send (0 means
// unset) and the thinking config, nil when the request has none.
func ResolveThinking(ctx context.Context, req *domain.UnifiedRequest) (int, *Thinking) {
	maxTokens := 0
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	if req.Thinking == nil {
		return maxTokens, nil
	}

	logger := observability.FromContext(ctx)
	if len(req.Thinking.Extra) > 0 {
		dropped := make([]string, 0, len(req.Thinking.Extra))
		for key := range req.Thinking.Extra {
			dropped = append(dropped, key)
		}
		slices.Sort(dropped)
		logger.Warn("dropping unsupported thinking fields", observability.Strings("fields", dropped))
	}

	thinkingType := req.Thinking.Type
	if thinkingType == "" {
		thinkingType = "enabled"
	}
	thinking := &Thinking{Type: thinkingType, BudgetTokens: req.Thinking.BudgetTokens}

	if thinking.BudgetTokens > 0 && maxTokens <= thinking.BudgetTokens {
		logger.Info("raising max tokens above thinking budget",
			observability.Int("max_tokens", maxTokens),
			observability.Int("budget_tokens", thinking.BudgetTokens))
		maxTokens = thinking.BudgetTokens + 1
	}
	return maxTokens, thinking
}

// ToolInput returns a JSON object for a tool call input, defaulting to {}.
func ToolInput(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`)
	}
	return raw
}

// ToolArguments parses a tool arguments string into a JSON object, defaulting to {}.
func ToolArguments(arguments string) json.RawMessage {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}

// Schema returns a tool parameter schema, defaulting to an empty object schema.
func Schema(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}
