package domain

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/davidbz/corebridge/internal/observability"
)

const streamIDPrefix = "chatcmpl-"

// StreamState is the per-stream accumulator.
// It is created before the first upstream byte so a stream always has an id.
type StreamState struct {
	mu sync.Mutex

	streamID     string
	usage        TokenUsage
	usageSources map[string]struct{}
	stopReason   StopReason
	roleSent     bool
	finished     bool
}

// NewStreamState creates a state with a generated fallback stream id.
func NewStreamState() *StreamState {
	return &StreamState{
		streamID:     streamIDPrefix + uuid.NewString(),
		usageSources: make(map[string]struct{}),
	}
}

// StreamID returns the current stream id. It is never empty.
func (s *StreamState) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// AdoptStreamID replaces the fallback id with the provider's one. Empty ids are ignored.
func (s *StreamState) AdoptStreamID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamID = id
}

// ApplyUsage merges a usage observation. Each field keeps the largest value
// seen, so repeated reports of the same counter are never summed.
// Observations arriving after Finish are ignored.
func (s *StreamState) ApplyUsage(ctx context.Context, obs UsageObservation) {
	if obs.Empty() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		observability.FromContext(ctx).Debug("usage arrived after stream finished, ignoring",
			observability.String("source", obs.Source))
		return
	}

	resolved := obs.Resolve(ctx)
	s.usage.PromptTokens = max(s.usage.PromptTokens, resolved.PromptTokens)
	s.usage.CompletionTokens = max(s.usage.CompletionTokens, resolved.CompletionTokens)
	s.usage.CachedTokens = max(s.usage.CachedTokens, resolved.CachedTokens)
	if obs.Fields.Has(UsageTotal) {
		s.usage.TotalTokens = max(s.usage.TotalTokens, resolved.TotalTokens)
	}
	s.usageSources[obs.Source] = struct{}{}
}

// SetStopReason records the unified stop reason. Empty values are ignored.
func (s *StreamState) SetStopReason(reason StopReason) {
	if reason == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopReason = reason
}

// StopReason returns the recorded stop reason, defaulting to StopReasonStop.
func (s *StreamState) StopReason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopReason == "" {
		return StopReasonStop
	}
	return s.stopReason
}

// MarkRoleSent reports true the first time it is called.
func (s *StreamState) MarkRoleSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roleSent {
		return false
	}
	s.roleSent = true
	return true
}

// Usage returns the merged usage with a consistent total.
func (s *StreamState) Usage() TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolvedUsage()
}

// UsageSources lists the payload kinds that contributed usage.
func (s *StreamState) UsageSources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sources := make([]string, 0, len(s.usageSources))
	for source := range s.usageSources {
		sources = append(sources, source)
	}
	return sources
}

// Finish freezes usage and returns the final values.
func (s *StreamState) Finish() TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return s.resolvedUsage()
}

func (s *StreamState) resolvedUsage() TokenUsage {
	u := s.usage
	if u.TotalTokens < u.PromptTokens+u.CompletionTokens {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}
