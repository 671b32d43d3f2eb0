// Package usage extracts token counts from provider payloads.
package usage

import (
	"github.com/tidwall/gjson"

	"github.com/davidbz/corebridge/internal/domain"
)

// FromOpenAI reads an OpenAI "usage" object.
func FromOpenAI(source string, usage gjson.Result) domain.UsageObservation {
	obs := domain.UsageObservation{Source: source}
	if !usage.IsObject() {
		return obs
	}

	setInt(&obs, usage.Get("prompt_tokens"), domain.UsagePrompt, &obs.Usage.PromptTokens)
	setInt(&obs, usage.Get("completion_tokens"), domain.UsageCompletion, &obs.Usage.CompletionTokens)
	setInt(&obs, usage.Get("total_tokens"), domain.UsageTotal, &obs.Usage.TotalTokens)
	setInt(&obs, usage.Get("prompt_tokens_details.cached_tokens"), domain.UsageCached, &obs.Usage.CachedTokens)
	return obs
}

// FromAnthropic reads an Anthropic Messages "usage" object. Cache reads and
// writes are part of the prompt; cache reads are reported as cached tokens.
func FromAnthropic(source string, usage gjson.Result) domain.UsageObservation {
	obs := domain.UsageObservation{Source: source}
	if !usage.IsObject() {
		return obs
	}

	input := usage.Get("input_tokens")
	cacheRead := usage.Get("cache_read_input_tokens")
	cacheWrite := usage.Get("cache_creation_input_tokens")
	if input.Exists() || cacheRead.Exists() || cacheWrite.Exists() {
		obs.Fields |= domain.UsagePrompt
		obs.Usage.PromptTokens = int(input.Int() + cacheRead.Int() + cacheWrite.Int())
	}
	setInt(&obs, usage.Get("output_tokens"), domain.UsageCompletion, &obs.Usage.CompletionTokens)
	setInt(&obs, cacheRead, domain.UsageCached, &obs.Usage.CachedTokens)
	return obs
}

// FromConverse reads a Bedrock Converse "usage" object.
func FromConverse(source string, usage gjson.Result) domain.UsageObservation {
	obs := domain.UsageObservation{Source: source}
	if !usage.IsObject() {
		return obs
	}

	input := usage.Get("inputTokens")
	cacheRead := usage.Get("cacheReadInputTokens")
	cacheWrite := usage.Get("cacheWriteInputTokens")
	if input.Exists() || cacheRead.Exists() || cacheWrite.Exists() {
		obs.Fields |= domain.UsagePrompt
		obs.Usage.PromptTokens = int(input.Int() + cacheRead.Int() + cacheWrite.Int())
	}
	setInt(&obs, usage.Get("outputTokens"), domain.UsageCompletion, &obs.Usage.CompletionTokens)
	setInt(&obs, usage.Get("totalTokens"), domain.UsageTotal, &obs.Usage.TotalTokens)
	setInt(&obs, cacheRead, domain.UsageCached, &obs.Usage.CachedTokens)

	// totalTokens excludes cache tokens; a total that disagrees with the
	// prompt including cache is dropped so the sum is used instead.
	if obs.Fields.Has(domain.UsageTotal) &&
		obs.Usage.TotalTokens < obs.Usage.PromptTokens+obs.Usage.CompletionTokens {
		obs.Fields &^= domain.UsageTotal
		obs.Usage.TotalTokens = 0
	}
	return obs
}

// FromInvocationMetrics reads the "amazon-bedrock-invocationMetrics" object
// Bedrock appends to the last Invoke stream chunk.
func FromInvocationMetrics(source string, metrics gjson.Result) domain.UsageObservation {
	obs := domain.UsageObservation{Source: source}
	if !metrics.IsObject() {
		return obs
	}

	setInt(&obs, metrics.Get("inputTokenCount"), domain.UsagePrompt, &obs.Usage.PromptTokens)
	setInt(&obs, metrics.Get("outputTokenCount"), domain.UsageCompletion, &obs.Usage.CompletionTokens)
	if cacheRead := metrics.Get("cacheReadInputTokenCount"); cacheRead.Exists() {
		obs.Usage.PromptTokens += int(cacheRead.Int())
		obs.Usage.CachedTokens = int(cacheRead.Int())
		obs.Fields |= domain.UsageCached | domain.UsagePrompt
	}
	if cacheWrite := metrics.Get("cacheWriteInputTokenCount"); cacheWrite.Exists() {
		obs.Usage.PromptTokens += int(cacheWrite.Int())
		obs.Fields |= domain.UsagePrompt
	}
	return obs
}

// FromGemini reads a Gemini "usageMetadata" object. Thinking tokens count as completion.
func FromGemini(source string, metadata gjson.Result) domain.UsageObservation {
	obs := domain.UsageObservation{Source: source}
	if !metadata.IsObject() {
		return obs
	}

	setInt(&obs, metadata.Get("promptTokenCount"), domain.UsagePrompt, &obs.Usage.PromptTokens)

	candidates := metadata.Get("candidatesTokenCount")
	thoughts := metadata.Get("thoughtsTokenCount")
	if candidates.Exists() || thoughts.Exists() {
		obs.Fields |= domain.UsageCompletion
		obs.Usage.CompletionTokens = int(candidates.Int() + thoughts.Int())
	}
	setInt(&obs, metadata.Get("totalTokenCount"), domain.UsageTotal, &obs.Usage.TotalTokens)
	setInt(&obs, metadata.Get("cachedContentTokenCount"), domain.UsageCached, &obs.Usage.CachedTokens)
	return obs
}

func setInt(obs *domain.UsageObservation, value gjson.Result, field domain.UsageField, target *int) {
	if !value.Exists() || value.Type == gjson.Null {
		return
	}
	*target = int(value.Int())
	obs.Fields |= field
}
