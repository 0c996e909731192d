package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		old, had := os.LookupEnv(k)
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(k, old)
			} else {
				_ = os.Unsetenv(k)
			}
		})
		_ = os.Setenv(k, v)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	withEnv(t, map[string]string{
		"LLMCOUNCIL_HOST":              "",
		"LLMCOUNCIL_PORT":              "",
		"LLMCOUNCIL_DATA_DIR":          "",
		"LLMCOUNCIL_AUTH_ENABLED":      "",
		"LLMCOUNCIL_TRUSTED_PROXY_IPS": "",
	})

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "./data", cfg.DataDir)
	require.False(t, cfg.AuthEnabled)
	require.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoadReadsOverrides(t *testing.T) {
	withEnv(t, map[string]string{
		"LLMCOUNCIL_HOST":              "127.0.0.1",
		"LLMCOUNCIL_PORT":              "9090",
		"LLMCOUNCIL_DATA_DIR":          "/tmp/llmcouncil-data",
		"LLMCOUNCIL_GATEWAY_BASE_URL":  "https://gateway.example/v1",
		"LLMCOUNCIL_GATEWAY_API_KEY":   "secret-key",
		"LLMCOUNCIL_DEFAULT_MODELS":    "gpt-4o, claude-3-opus ,gemini-pro",
		"LLMCOUNCIL_CHAIRMAN_MODEL":    "gpt-4o",
		"LLMCOUNCIL_AUTH_ENABLED":      "true",
		"LLMCOUNCIL_TRUSTED_PROXY_IPS": "10.1.0.0/16, 192.0.2.5",
	})

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, "127.0.0.1:9090", cfg.Addr())
	require.Equal(t, "/tmp/llmcouncil-data", cfg.DataDir)
	require.Equal(t, "https://gateway.example/v1", cfg.GatewayBaseURL)
	require.Equal(t, "secret-key", cfg.GatewayAPIKey)
	require.Equal(t, []string{"gpt-4o", "claude-3-opus", "gemini-pro"}, cfg.DefaultCouncilModels)
	require.Equal(t, "gpt-4o", cfg.DefaultChairmanModel)
	require.True(t, cfg.AuthEnabled)
	require.Equal(t, []string{"10.1.0.0/16", "192.0.2.5"}, cfg.TrustedProxyIPs)
}
