package converse_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/observability"
	"github.com/davidbz/corebridge/internal/provider/converse"
)

func intPtr(v int) *int { return &v }

func TestConverter_BuildRequest(t *testing.T) {
	ctx := context.Background()
	converter := converse.NewConverter()
	endpoint := domain.Endpoint{URL: "https://bedrock.example.com/model/claude-sonnet-4"}

	t.Run("should build a converse body", func(t *testing.T) {
		req := &domain.UnifiedRequest{
			Model:         "anthropic--claude-4-sonnet",
			System:        "be brief",
			MaxTokens:     intPtr(256),
			StopSequences: []string{"END"},
			Messages: []domain.Message{
				{Role: domain.RoleUser, Content: domain.MessageContent{Text: "hi"}},
			},
		}

		out, err := converter.BuildRequest(ctx, endpoint, req)
		require.NoError(t, err)
		require.Equal(t, "/converse", out.Path)

		body := gjson.ParseBytes(out.Body)
		require.Equal(t, "be brief", body.Get("system.0.text").String())
		require.Equal(t, "hi", body.Get("messages.0.content.0.text").String())
		require.Equal(t, int64(256), body.Get("inferenceConfig.maxTokens").Int())
		require.Equal(t, "END", body.Get("inferenceConfig.stopSequences.0").String())
		require.False(t, body.Get("toolConfig").Exists())
		require.False(t, body.Get("additionalModelRequestFields").Exists())
	})

	t.Run("should omit inference config when nothing is set", func(t *testing.T) {
		out, err := converter.BuildRequest(ctx, endpoint, &domain.UnifiedRequest{
			Model:    "claude-sonnet-4",
			Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.MessageContent{Text: "hi"}}},
			Stream:   true,
		})
		require.NoError(t, err)
		require.Equal(t, "/converse-stream", out.Path)
		require.False(t, gjson.GetBytes(out.Body, "inferenceConfig").Exists())
	})

	t.Run("should strip cache_control with a warning naming it", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		restore := observability.ReplaceLogger(zap.New(core))
		defer restore()

		req := &domain.UnifiedRequest{
			Model: "claude-sonnet-4",
			Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.MessageContent{Blocks: []domain.ContentBlock{{
				Type:  domain.BlockText,
				Text:  "context",
				Extra: map[string]json.RawMessage{"cache_control": json.RawMessage(`{"type":"ephemeral"}`)},
			}}}}},
		}

		out, err := converter.BuildRequest(ctx, endpoint, req)
		require.NoError(t, err)
		require.NotContains(t, string(out.Body), "cache_control")

		entries := logs.FilterMessage("stripping unsupported content fields").All()
		require.Len(t, entries, 1)
		require.Equal(t, []interface{}{"cache_control"}, entries[0].ContextMap()["fields"])
	})

	t.Run("should carry thinking and tools", func(t *testing.T) {
		req := &domain.UnifiedRequest{
			Model:    "claude-sonnet-4",
			Thinking: &domain.Thinking{Type: "enabled", BudgetTokens: 4000},
			Tools:    []domain.Tool{{Name: "search", Description: "web search"}},
			Messages: []domain.Message{
				{Role: domain.RoleUser, Content: domain.MessageContent{Text: "find it"}},
				{Role: domain.RoleAssistant, Content: domain.MessageContent{Blocks: []domain.ContentBlock{{
					Type: domain.BlockToolUse, ToolUseID: "tu_1", ToolName: "search",
				}}}},
				{Role: domain.RoleTool, Content: domain.MessageContent{Blocks: []domain.ContentBlock{{
					Type: domain.BlockToolResult, ToolUseID: "tu_1", ToolResult: "found",
				}}}},
			},
		}

		out, err := converter.BuildRequest(ctx, endpoint, req)
		require.NoError(t, err)

		body := gjson.ParseBytes(out.Body)
		require.Equal(t, int64(4001), body.Get("inferenceConfig.maxTokens").Int())
		require.Equal(t, int64(4000), body.Get("additionalModelRequestFields.thinking.budget_tokens").Int())
		require.Equal(t, "search", body.Get("toolConfig.tools.0.toolSpec.name").String())
		require.Equal(t, "object", body.Get("toolConfig.tools.0.toolSpec.inputSchema.json.type").String())
		require.Equal(t, "tu_1", body.Get("messages.1.content.0.toolUse.toolUseId").String())
		require.JSONEq(t, `{}`, body.Get("messages.1.content.0.toolUse.input").Raw)
		require.Equal(t, "user", body.Get("messages.2.role").String())
		require.Equal(t, "found", body.Get("messages.2.content.0.toolResult.content.0.text").String())
	})

	t.Run("should encode inline images", func(t *testing.T) {
		req := &domain.UnifiedRequest{
			Model: "claude-sonnet-4",
			Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.MessageContent{Blocks: []domain.ContentBlock{{
				Type: domain.BlockImage, MediaType: "image/jpg", Data: "aGVsbG8=",
			}}}}},
		}

		out, err := converter.BuildRequest(ctx, endpoint, req)
		require.NoError(t, err)
		require.Equal(t, "jpeg", gjson.GetBytes(out.Body, "messages.0.content.0.image.format").String())
		require.Equal(t, "aGVsbG8=", gjson.GetBytes(out.Body, "messages.0.content.0.image.source.bytes").String())
	})
}

func TestConverter_ParseResponse(t *testing.T) {
	ctx := context.Background()
	converter := converse.NewConverter()

	t.Run("should parse content and usage", func(t *testing.T) {
		body := []byte(`{"output":{"message":{"role":"assistant","content":[{"text":"Hi"},{"text":" there"}]}},
			"stopReason":"max_tokens","usage":{"inputTokens":9,"outputTokens":2,"totalTokens":11}}`)

		resp, err := converter.ParseResponse(ctx, body)
		require.NoError(t, err)
		require.Equal(t, "Hi there", resp.Content)
		require.Equal(t, domain.StopReasonLength, resp.StopReason)
		require.Equal(t, domain.TokenUsage{PromptTokens: 9, CompletionTokens: 2, TotalTokens: 11}, resp.Usage)
	})

	t.Run("should reject missing output", func(t *testing.T) {
		_, err := converter.ParseResponse(ctx, []byte(`{"stopReason":"end_turn"}`))
		var convErr *domain.ConversionError
		require.ErrorAs(t, err, &convErr)
	})
}

func TestChunkConverter_Convert(t *testing.T) {
	ctx := context.Background()

	t.Run("should convert event-stream events", func(t *testing.T) {
		chunker := converse.NewConverter().NewChunkConverter()

		delta, err := chunker.Convert(ctx, domain.UpstreamEvent{
			Type: "contentBlockDelta", Data: []byte(`{"contentBlockIndex":0,"delta":{"text":"Hello"}}`),
		})
		require.NoError(t, err)
		require.Equal(t, "Hello", delta.Events[0].Delta)

		stop, err := chunker.Convert(ctx, domain.UpstreamEvent{Type: "messageStop", Data: []byte(`{"stopReason":"end_turn"}`)})
		require.NoError(t, err)
		require.Equal(t, domain.StopReasonStop, stop.StopReason)

		meta, err := chunker.Convert(ctx, domain.UpstreamEvent{
			Type: "metadata", Data: []byte(`{"usage":{"inputTokens":5,"outputTokens":3,"totalTokens":8},"metrics":{"latencyMs":10}}`),
		})
		require.NoError(t, err)
		require.True(t, meta.Done)
		require.Equal(t, 8, meta.Usage[0].Usage.TotalTokens)
	})

	t.Run("should unwrap sse single-key events", func(t *testing.T) {
		chunker := converse.NewConverter().NewChunkConverter()

		start, err := chunker.Convert(ctx, domain.UpstreamEvent{Data: []byte(
			`{"contentBlockStart":{"contentBlockIndex":1,"start":{"toolUse":{"toolUseId":"tu_9","name":"search"}}}}`)})
		require.NoError(t, err)
		require.Equal(t, "tu_9", start.Events[0].ToolCall.ID)

		input, err := chunker.Convert(ctx, domain.UpstreamEvent{Data: []byte(
			`{"contentBlockDelta":{"contentBlockIndex":1,"delta":{"toolUse":{"input":"{\"q\":"}}}}`)})
		require.NoError(t, err)
		require.Equal(t, `{"q":`, input.Events[0].ToolCall.Arguments)
		require.Equal(t, 0, input.Events[0].ToolCall.Index)
	})

	t.Run("should surface exceptions", func(t *testing.T) {
		_, err := converse.NewConverter().NewChunkConverter().Convert(ctx, domain.UpstreamEvent{Data: []byte(
			`{"throttlingException":{"message":"slow down"}}`)})
		var rejected *domain.UpstreamRejectedError
		require.ErrorAs(t, err, &rejected)
		require.Equal(t, "slow down", rejected.Detail)
	})

	t.Run("should convert anthropic messages events", func(t *testing.T) {
		chunker := converse.NewConverter().NewChunkConverter()

		var (
			text   string
			stop   domain.StopReason
			done   bool
			counts []int
		)
		for _, data := range []string{
			`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":15,"output_tokens":1}}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`,
			`{"type":"message_stop"}`,
		} {
			result, err := chunker.Convert(ctx, domain.UpstreamEvent{Data: []byte(data)})
			require.NoError(t, err)
			for _, ev := range result.Events {
				text += ev.Delta
			}
			for _, obs := range result.Usage {
				counts = append(counts, obs.Usage.PromptTokens, obs.Usage.CompletionTokens)
			}
			if result.StopReason != "" {
				stop = result.StopReason
			}
			done = done || result.Done
		}

		require.Equal(t, "Hello", text)
		require.Equal(t, domain.StopReasonStop, stop)
		require.True(t, done)
		require.Contains(t, counts, 15)
		require.Contains(t, counts, 4)
	})

	t.Run("should log unrecognized events", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		restore := observability.ReplaceLogger(zap.New(core))
		defer restore()

		result, err := converse.NewConverter().NewChunkConverter().Convert(ctx,
			domain.UpstreamEvent{Data: []byte(`{"somethingNew":{"x":1}}`)})
		require.NoError(t, err)
		require.Empty(t, result.Events)
		require.Equal(t, 1, logs.FilterMessage("ignoring unrecognized stream event").Len())
	})
}
