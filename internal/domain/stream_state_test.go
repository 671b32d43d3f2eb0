package domain_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/corebridge/internal/domain"
)

func TestStreamState_StreamID(t *testing.T) {
	t.Run("should start with a generated id", func(t *testing.T) {
		state := domain.NewStreamState()
		require.True(t, strings.HasPrefix(state.StreamID(), "chatcmpl-"))
		require.NotEqual(t, state.StreamID(), domain.NewStreamState().StreamID())
	})

	t.Run("should adopt provider ids and ignore empty ones", func(t *testing.T) {
		state := domain.NewStreamState()
		state.AdoptStreamID("msg_123")
		state.AdoptStreamID("")
		require.Equal(t, "msg_123", state.StreamID())
	})
}

func TestStreamState_ApplyUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("should combine input and output from separate events", func(t *testing.T) {
		state := domain.NewStreamState()
		state.ApplyUsage(ctx, domain.UsageObservation{
			Source: "message_start",
			Usage:  domain.TokenUsage{PromptTokens: 15},
			Fields: domain.UsagePrompt,
		})
		state.ApplyUsage(ctx, domain.UsageObservation{
			Source: "message_delta",
			Usage:  domain.TokenUsage{CompletionTokens: 4},
			Fields: domain.UsageCompletion,
		})

		usage := state.Finish()
		require.Equal(t, domain.TokenUsage{PromptTokens: 15, CompletionTokens: 4, TotalTokens: 19}, usage)
		require.ElementsMatch(t, []string{"message_start", "message_delta"}, state.UsageSources())
	})

	t.Run("should keep the larger value instead of summing duplicates", func(t *testing.T) {
		state := domain.NewStreamState()
		for _, completion := range []int{3, 9, 9} {
			state.ApplyUsage(ctx, domain.UsageObservation{
				Source: "message_delta",
				Usage:  domain.TokenUsage{PromptTokens: 10, CompletionTokens: completion},
				Fields: domain.UsagePrompt | domain.UsageCompletion,
			})
		}
		usage := state.Usage()
		require.Equal(t, 10, usage.PromptTokens)
		require.Equal(t, 9, usage.CompletionTokens)
		require.Equal(t, 19, usage.TotalTokens)
	})

	t.Run("should prefer the provider total", func(t *testing.T) {
		state := domain.NewStreamState()
		state.ApplyUsage(ctx, domain.UsageObservation{
			Source: "metadata",
			Usage:  domain.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 20},
			Fields: domain.UsagePrompt | domain.UsageCompletion | domain.UsageTotal,
		})
		require.Equal(t, 20, state.Usage().TotalTokens)
	})

	t.Run("should ignore usage after finish", func(t *testing.T) {
		state := domain.NewStreamState()
		state.Finish()
		state.ApplyUsage(ctx, domain.UsageObservation{
			Source: "late",
			Usage:  domain.TokenUsage{PromptTokens: 99},
			Fields: domain.UsagePrompt,
		})
		require.Equal(t, domain.TokenUsage{}, state.Usage())
	})

	t.Run("should report zero usage when nothing arrived", func(t *testing.T) {
		require.Equal(t, domain.TokenUsage{}, domain.NewStreamState().Finish())
	})
}

func TestStreamState_RoleAndStopReason(t *testing.T) {
	t.Run("should mark role sent exactly once", func(t *testing.T) {
		state := domain.NewStreamState()
		var wg sync.WaitGroup
		var mu sync.Mutex
		firsts := 0
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if state.MarkRoleSent() {
					mu.Lock()
					firsts++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, firsts)
	})

	t.Run("should default stop reason to stop", func(t *testing.T) {
		state := domain.NewStreamState()
		require.Equal(t, domain.StopReasonStop, state.StopReason())
		state.SetStopReason(domain.StopReasonLength)
		state.SetStopReason("")
		require.Equal(t, domain.StopReasonLength, state.StopReason())
	})
}

func TestUsageObservation_Resolve(t *testing.T) {
	t.Run("should compute total when absent", func(t *testing.T) {
		obs := domain.UsageObservation{
			Usage:  domain.TokenUsage{PromptTokens: 2, CompletionTokens: 3},
			Fields: domain.UsagePrompt | domain.UsageCompletion,
		}
		require.Equal(t, 5, obs.Resolve(context.Background()).TotalTokens)
	})
}

func TestNewConversionError(t *testing.T) {
	t.Run("should bound the payload snippet", func(t *testing.T) {
		payload := []byte(strings.Repeat("x", 1000))
		err := domain.NewConversionError("choices", payload, nil)
		require.Len(t, err.Snippet, 256)
		require.Contains(t, err.Error(), "choices")
	})
}
