package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsync/internal/core"
	"healthsync/internal/llm"
)

func load(t *testing.T, configFile string, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	v, err := NewViper(configFile)
	require.NoError(t, err)
	require.NoError(t, BindFlags(v, fs))
	return Load(v)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HEALTHSYNC_LLM_API_KEY", "k")

	cfg, err := load(t, "")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.BindAddr)
	assert.Equal(t, llm.DefaultBaseURL, cfg.LLM.BaseURL)
	assert.Equal(t, llm.DefaultModel, cfg.LLM.Model)
	assert.Equal(t, core.VariantIntake, cfg.Variant)
	assert.Equal(t, 50, cfg.MessageCap)
	assert.True(t, cfg.Window.Unbounded())
	assert.Equal(t, 30*time.Minute, cfg.SessionInactivityTimeout)
	assert.Zero(t, cfg.LLM.Timeout)
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("HEALTHSYNC_LLM_API_KEY", "")
	t.Setenv("TOGETHER_API_KEY", "")

	_, err := load(t, "")
	assert.ErrorIs(t, err, llm.ErrMissingCredential)
}

func TestLoadTogetherKeyFallback(t *testing.T) {
	t.Setenv("HEALTHSYNC_LLM_API_KEY", "")
	t.Setenv("TOGETHER_API_KEY", "together")

	cfg, err := load(t, "")
	require.NoError(t, err)
	assert.Equal(t, "together", cfg.LLM.APIKey)
}

func TestLoadEnvFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "healthsync.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
schema:
  variant: soap
session:
  message_cap: 10
context:
  max_turns: 12
log:
  format: json
`), 0o600))

	t.Setenv("HEALTHSYNC_LLM_API_KEY", "k")
	t.Setenv("HEALTHSYNC_SESSION_MESSAGE_CAP", "20")

	cfg, err := load(t, file, "--variant", "chart-delta", "--max-context-tokens", "4000")
	require.NoError(t, err)
	assert.Equal(t, core.VariantChartDelta, cfg.Variant, "flag beats file")
	assert.Equal(t, 20, cfg.MessageCap, "env beats file")
	assert.Equal(t, 12, cfg.Window.MaxTurns)
	assert.Equal(t, 4000, cfg.Window.MaxTokens)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("HEALTHSYNC_LLM_API_KEY", "k")

	cases := map[string][]string{
		"unknown variant":      {"--variant", "billing"},
		"negative cap":         {"--message-cap", "-1"},
		"short inactivity":     {"--inactivity-timeout", "1s"},
		"negative turn window": {"--max-context-turns", "-2"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(t, "", args...)
			assert.Error(t, err)
		})
	}
}
