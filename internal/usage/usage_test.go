package usage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/usage"
)

func TestFromOpenAI(t *testing.T) {
	t.Run("should read prompt, completion, total and cached tokens", func(t *testing.T) {
		raw := `{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17,"prompt_tokens_details":{"cached_tokens":4}}`
		obs := usage.FromOpenAI("chunk", gjson.Parse(raw))

		require.Equal(t, domain.TokenUsage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17, CachedTokens: 4}, obs.Usage)
		require.True(t, obs.Fields.Has(domain.UsageTotal))
	})

	t.Run("should report nothing for a missing object", func(t *testing.T) {
		require.True(t, usage.FromOpenAI("chunk", gjson.Parse(`null`)).Empty())
	})
}

func TestFromAnthropic(t *testing.T) {
	t.Run("should fold cache tokens into the prompt", func(t *testing.T) {
		raw := `{"input_tokens":10,"cache_read_input_tokens":100,"cache_creation_input_tokens":5,"output_tokens":3}`
		obs := usage.FromAnthropic("message_start", gjson.Parse(raw))

		require.Equal(t, 115, obs.Usage.PromptTokens)
		require.Equal(t, 100, obs.Usage.CachedTokens)
		require.Equal(t, 3, obs.Usage.CompletionTokens)
		require.Equal(t, 118, obs.Resolve(context.Background()).TotalTokens)
	})

	t.Run("should flag only output tokens on message_delta", func(t *testing.T) {
		obs := usage.FromAnthropic("message_delta", gjson.Parse(`{"output_tokens":4}`))
		require.False(t, obs.Fields.Has(domain.UsagePrompt))
		require.True(t, obs.Fields.Has(domain.UsageCompletion))
	})
}

func TestFromConverse(t *testing.T) {
	t.Run("should keep a consistent provider total", func(t *testing.T) {
		obs := usage.FromConverse("metadata", gjson.Parse(`{"inputTokens":8,"outputTokens":2,"totalTokens":10}`))
		require.Equal(t, domain.TokenUsage{PromptTokens: 8, CompletionTokens: 2, TotalTokens: 10}, obs.Usage)
	})

	t.Run("should drop a total that excludes cache tokens", func(t *testing.T) {
		raw := `{"inputTokens":8,"outputTokens":2,"totalTokens":10,"cacheReadInputTokens":50}`
		obs := usage.FromConverse("metadata", gjson.Parse(raw))
		require.Equal(t, 60, obs.Resolve(context.Background()).TotalTokens)
		require.Equal(t, 50, obs.Usage.CachedTokens)
	})
}

func TestFromInvocationMetrics(t *testing.T) {
	t.Run("should read bedrock invocation metrics", func(t *testing.T) {
		raw := `{"inputTokenCount":15,"outputTokenCount":4,"invocationLatency":100}`
		obs := usage.FromInvocationMetrics("invocation_metrics", gjson.Parse(raw))
		require.Equal(t, domain.TokenUsage{PromptTokens: 15, CompletionTokens: 4}, obs.Usage)
	})
}

func TestFromGemini(t *testing.T) {
	t.Run("should count thoughts as completion", func(t *testing.T) {
		raw := `{"promptTokenCount":20,"candidatesTokenCount":5,"thoughtsTokenCount":7,"totalTokenCount":32,"cachedContentTokenCount":10}`
		obs := usage.FromGemini("usageMetadata", gjson.Parse(raw))
		require.Equal(t, domain.TokenUsage{PromptTokens: 20, CompletionTokens: 12, TotalTokens: 32, CachedTokens: 10}, obs.Usage)
	})
}
