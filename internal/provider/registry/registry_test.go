package registry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/provider/converse"
	"github.com/davidbz/corebridge/internal/provider/gemini"
	"github.com/davidbz/corebridge/internal/provider/invoke"
	"github.com/davidbz/corebridge/internal/provider/openai"
	"github.com/davidbz/corebridge/internal/provider/registry"
)

func TestRegistry_Register(t *testing.T) {
	t.Run("should register every family once", func(t *testing.T) {
		reg := registry.NewRegistry()

		require.NoError(t, reg.Register(openai.NewConverter(openai.Config{})))
		require.NoError(t, reg.Register(invoke.NewConverter()))
		require.NoError(t, reg.Register(converse.NewConverter()))
		require.NoError(t, reg.Register(gemini.NewConverter()))

		require.Equal(t, domain.AllProtocols(), reg.Families())
	})

	t.Run("should reject duplicates", func(t *testing.T) {
		reg := registry.NewRegistry()
		require.NoError(t, reg.Register(invoke.NewConverter()))

		err := reg.Register(invoke.NewConverter())
		require.Error(t, err)
		require.Contains(t, err.Error(), "already registered")
	})

	t.Run("should reject nil", func(t *testing.T) {
		require.Error(t, registry.NewRegistry().Register(nil))
	})
}

func TestRegistry_Get(t *testing.T) {
	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(gemini.NewConverter()))

	t.Run("should return the registered converter", func(t *testing.T) {
		converter, err := reg.Get(domain.ProtocolGemini)
		require.NoError(t, err)
		require.Equal(t, domain.ProtocolGemini, converter.Family())
	})

	t.Run("should fail for unregistered families", func(t *testing.T) {
		_, err := reg.Get(domain.ProtocolClaudeInvoke)
		require.Error(t, err)
	})
}
