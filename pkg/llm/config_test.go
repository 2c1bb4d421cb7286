package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigNormaliseDefaults(t *testing.T) {
	cfg := &Config{APIKey: "sk-test"}
	require.NoError(t, cfg.Normalise())
	require.Equal(t, "https://api.openai.com/v1", cfg.BaseURL)
	require.Equal(t, "low", cfg.ReasoningEffort)
	require.Equal(t, "low", cfg.Verbosity)
	require.Equal(t, 60*time.Second, cfg.Timeout)
	require.NoError(t, cfg.Validate())
}

func TestConfigTimeoutParsing(t *testing.T) {
	cfg := &Config{APIKey: "sk-test", TimeoutRaw: "90s"}
	require.NoError(t, cfg.Normalise())
	require.Equal(t, 90*time.Second, cfg.Timeout)

	bad := &Config{APIKey: "sk-test", TimeoutRaw: "ninety"}
	require.Error(t, bad.Normalise())
}

func TestConfigValidation(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Normalise())
	require.Error(t, cfg.Validate())

	cfg = &Config{APIKey: "sk-test", ReasoningEffort: "extreme"}
	require.Error(t, cfg.Validate())
}

func TestConfigClone(t *testing.T) {
	cfg := &Config{APIKey: "sk-test", Model: "gpt-5-mini"}
	clone := cfg.Clone()
	clone.Model = "other"
	require.Equal(t, "gpt-5-mini", cfg.Model)
}

func TestNewClientRequiresConfig(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)

	_, err = NewClient(&Config{})
	require.Error(t, err)

	client, err := NewClient(&Config{APIKey: "sk-test"})
	require.NoError(t, err)
	require.Equal(t, "gpt-5-mini", client.GetConfig().Model)
}
