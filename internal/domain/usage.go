package domain

import (
	"context"

	"github.com/davidbz/corebridge/internal/observability"
)

// UsageField flags which usage fields an upstream payload actually carried.
type UsageField uint8

const (
	UsagePrompt UsageField = 1 << iota
	UsageCompletion
	UsageTotal
	UsageCached
)

// Has reports whether f contains all bits of other.
func (f UsageField) Has(other UsageField) bool {
	return f&other == other
}

// UsageObservation is usage read from one provider payload.
type UsageObservation struct {
	// Source names the payload kind, e.g. "message_start" or "metadata".
	Source string
	Usage  TokenUsage
	Fields UsageField
}

// Empty reports whether the payload carried no usage at all.
func (o UsageObservation) Empty() bool {
	return o.Fields == 0
}

// Resolve returns the usage with TotalTokens filled in. A provider total wins
// over the computed sum; a mismatch is logged.
func (o UsageObservation) Resolve(ctx context.Context) TokenUsage {
	u := o.Usage
	sum := u.PromptTokens + u.CompletionTokens

	if !o.Fields.Has(UsageTotal) {
		u.TotalTokens = sum
		return u
	}

	if u.TotalTokens != sum {
		observability.FromContext(ctx).Debug("provider total differs from prompt+completion",
			observability.String("source", o.Source),
			observability.Int("provider_total", u.TotalTokens),
			observability.Int("computed_total", sum))
	}
	return u
}
