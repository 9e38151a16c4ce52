package backends

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/models"
)

func TestNewRegistry(t *testing.T) {
	cfg := &config.Config{
		Providers: map[string]*config.ProviderConfig{
			"deepseek": {
				Name:    "deepseek",
				Backend: models.BackendHTTP,
				Enabled: true,
				HTTP:    &config.HTTPBackendConfig{Endpoint: "https://api.deepseek.com/chat/completions"},
			},
			"gemini": {
				Name:    "gemini",
				Backend: models.BackendCLI,
				Enabled: true,
				CLI:     &config.CLIBackendConfig{Command: "gemini"},
			},
			"codex": {
				Name:    "codex",
				Backend: models.BackendCLIInteractive,
				Enabled: true,
				CLI: &config.CLIBackendConfig{
					Command:         "codex",
					PromptSentinels: []string{"> "},
				},
			},
			"disabled": {
				Name:    "disabled",
				Backend: models.BackendHTTP,
				Enabled: false,
				HTTP:    &config.HTTPBackendConfig{Endpoint: "https://example.com"},
			},
			"broken": {
				Name:    "broken",
				Backend: models.BackendKind("carrier-pigeon"),
				Enabled: true,
			},
		},
	}

	registry := NewRegistry(cfg)
	assert.Equal(t, 3, registry.Len())
	assert.Equal(t, []string{"codex", "deepseek", "gemini"}, registry.Names())

	deepseek, ok := registry.Get("deepseek")
	require.True(t, ok)
	assert.Equal(t, models.BackendHTTP, deepseek.Kind())

	gemini, ok := registry.Get("gemini")
	require.True(t, ok)
	assert.Equal(t, models.BackendCLI, gemini.Kind())

	codex, ok := registry.Get("codex")
	require.True(t, ok)
	assert.Equal(t, models.BackendCLIInteractive, codex.Kind())

	_, ok = registry.Get("disabled")
	assert.False(t, ok)
	_, ok = registry.Get("broken")
	assert.False(t, ok)

	registry.ShutdownAll(context.Background())
}

func TestNew(t *testing.T) {
	t.Run("unknown backend kind", func(t *testing.T) {
		_, err := New(&config.ProviderConfig{Name: "p", Backend: models.BackendKind("smoke-signal")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown backend kind")
	})

	t.Run("http backend requires http configuration", func(t *testing.T) {
		_, err := New(&config.ProviderConfig{Name: "p", Backend: models.BackendHTTP})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no http configuration")
	})

	t.Run("cli backend requires cli configuration", func(t *testing.T) {
		_, err := New(&config.ProviderConfig{Name: "p", Backend: models.BackendCLI})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no cli configuration")
	})

	t.Run("interactive cli backend requires cli configuration", func(t *testing.T) {
		_, err := New(&config.ProviderConfig{Name: "p", Backend: models.BackendCLIInteractive})
		require.Error(t, err)
	})
}
