package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(envConfigFile, "")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, defaultListen, cfg.Listen)
	require.Equal(t, defaultIndexerURL, cfg.IndexerURL)
	require.Equal(t, defaultPollInterval, cfg.PollInterval)
	require.Equal(t, uint32(defaultLTVBps), cfg.LTVBps)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creditd.yaml")
	raw := `
listen: "127.0.0.1:8080"
environment: staging
indexer_url: "https://indexer.example.com/"
indexer_token: sekrit
poll_interval: 10s
rate_per_min: 30
ltv_bps: 8000
telemetry:
  endpoint: otel.example.com:4318
  traces: true
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	t.Setenv(envConfigFile, path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.Listen)
	require.Equal(t, "staging", cfg.Environment)
	require.Equal(t, "https://indexer.example.com", cfg.IndexerURL, "trailing slash must be trimmed")
	require.Equal(t, 10*time.Second, cfg.PollInterval)
	require.Equal(t, 30, cfg.RatePerMin)
	require.Equal(t, uint32(8000), cfg.LTVBps)
	require.True(t, cfg.Telemetry.Traces)
	require.Equal(t, "otel.example.com:4318", cfg.Telemetry.Endpoint)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creditd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \"127.0.0.1:8080\"\n"), 0o600))
	t.Setenv(envConfigFile, path)
	t.Setenv(envListen, "0.0.0.0:9999")
	t.Setenv(envIndexerToken, "override-token")
	t.Setenv(envPollInterval, "5s")
	t.Setenv(envLTVBps, "7500")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.Listen, "env must win over file")
	require.Equal(t, "override-token", cfg.IndexerToken)
	require.Equal(t, 5*time.Second, cfg.PollInterval)
	require.Equal(t, uint32(7500), cfg.LTVBps)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		return Config{
			Listen:       defaultListen,
			IndexerURL:   defaultIndexerURL,
			WalletKeyEnv: defaultWalletKeyEnv,
			PollInterval: defaultPollInterval,
			RatePerMin:   defaultRatePerMin,
			LTVBps:       defaultLTVBps,
		}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"empty indexer", func(c *Config) { c.IndexerURL = "" }},
		{"empty wallet env", func(c *Config) { c.WalletKeyEnv = "" }},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }},
		{"negative rate", func(c *Config) { c.RatePerMin = -1 }},
		{"zero ltv", func(c *Config) { c.LTVBps = 0 }},
		{"ltv above hundred percent", func(c *Config) { c.LTVBps = 10_001 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestSanitizedMasksToken(t *testing.T) {
	cfg := Config{IndexerToken: "super-secret-token"}
	masked := cfg.Sanitized().IndexerToken
	require.NotEqual(t, cfg.IndexerToken, masked)
	require.NotEmpty(t, masked, "masked token must stay non-empty for log correlation")
}
