package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"crosscredit/observability/logging"
)

// Config captures the runtime settings for creditd. A YAML file supplies the
// base configuration; environment variables override individual fields so
// deployments can inject secrets without touching the file.
type Config struct {
	Listen         string          `yaml:"listen"`
	Environment    string          `yaml:"environment"`
	IndexerURL     string          `yaml:"indexer_url"`
	IndexerToken   string          `yaml:"indexer_token"`
	RegistryPath   string          `yaml:"registry"`
	SnapshotPath   string          `yaml:"snapshot_db"`
	WalletKeyEnv   string          `yaml:"wallet_key_env"`
	PollInterval   time.Duration   `yaml:"poll_interval"`
	RatePerMin     int             `yaml:"rate_per_min"`
	LTVBps         uint32          `yaml:"ltv_bps"`
	GaslessDefault bool            `yaml:"gasless_default"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
	Traces   bool   `yaml:"traces"`
	Metrics  bool   `yaml:"metrics"`
}

const (
	envConfigFile   = "CREDITD_CONFIG"
	envListen       = "CREDITD_LISTEN"
	envEnvironment  = "CREDITD_ENV"
	envIndexerURL   = "CREDITD_INDEXER_URL"
	envIndexerToken = "CREDITD_INDEXER_TOKEN"
	envRegistryPath = "CREDITD_REGISTRY"
	envSnapshotPath = "CREDITD_SNAPSHOT_DB"
	envWalletKeyEnv = "CREDITD_WALLET_KEY_ENV"
	envPollInterval = "CREDITD_POLL_INTERVAL"
	envRatePerMin   = "CREDITD_RATE_PER_MIN"
	envLTVBps       = "CREDITD_LTV_BPS"
	envGasless      = "CREDITD_GASLESS"
	envOTLPEndpoint = "CREDITD_OTLP_ENDPOINT"
	envOTLPHeaders  = "CREDITD_OTLP_HEADERS"

	defaultListen       = "0.0.0.0:9610"
	defaultIndexerURL   = "http://127.0.0.1:3000"
	defaultSnapshotPath = "creditd-snapshots.db"
	defaultWalletKeyEnv = "CREDITD_WALLET_KEY"
	defaultPollInterval = 30 * time.Second
	defaultRatePerMin   = 120
	defaultLTVBps       = 9000
)

// LoadConfig builds the configuration from the optional YAML file named by
// CREDITD_CONFIG, then applies environment overrides and validates.
func LoadConfig() (Config, error) {
	cfg := Config{
		Listen:       defaultListen,
		IndexerURL:   defaultIndexerURL,
		SnapshotPath: defaultSnapshotPath,
		WalletKeyEnv: defaultWalletKeyEnv,
		PollInterval: defaultPollInterval,
		RatePerMin:   defaultRatePerMin,
		LTVBps:       defaultLTVBps,
		// Relay-sponsored borrows are the default flow; the executor falls
		// back to the direct path for contract wallets on its own.
		GaslessDefault: true,
	}
	if path := strings.TrimSpace(os.Getenv(envConfigFile)); path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	overrideString(&cfg.Listen, envListen)
	overrideString(&cfg.Environment, envEnvironment)
	overrideString(&cfg.IndexerURL, envIndexerURL)
	overrideString(&cfg.IndexerToken, envIndexerToken)
	overrideString(&cfg.RegistryPath, envRegistryPath)
	overrideString(&cfg.SnapshotPath, envSnapshotPath)
	overrideString(&cfg.WalletKeyEnv, envWalletKeyEnv)
	overrideString(&cfg.Telemetry.Endpoint, envOTLPEndpoint)
	overrideString(&cfg.Telemetry.Headers, envOTLPHeaders)
	if raw := strings.TrimSpace(os.Getenv(envPollInterval)); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			cfg.PollInterval = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv(envRatePerMin)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			cfg.RatePerMin = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv(envLTVBps)); raw != "" {
		if parsed, err := strconv.ParseUint(raw, 10, 32); err == nil {
			cfg.LTVBps = uint32(parsed)
		}
	}
	if raw := strings.TrimSpace(os.Getenv(envGasless)); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			cfg.GaslessDefault = parsed
		}
	}
}

func overrideString(target *string, key string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		*target = raw
	}
}

func (cfg *Config) normalize() {
	cfg.Listen = strings.TrimSpace(cfg.Listen)
	cfg.IndexerURL = strings.TrimRight(strings.TrimSpace(cfg.IndexerURL), "/")
	cfg.RegistryPath = strings.TrimSpace(cfg.RegistryPath)
	cfg.SnapshotPath = strings.TrimSpace(cfg.SnapshotPath)
	cfg.WalletKeyEnv = strings.TrimSpace(cfg.WalletKeyEnv)
}

// Validate ensures the configuration is internally consistent.
func (cfg Config) Validate() error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address required")
	}
	if cfg.IndexerURL == "" {
		return fmt.Errorf("indexer url required")
	}
	if cfg.WalletKeyEnv == "" {
		return fmt.Errorf("wallet key environment variable name required")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if cfg.RatePerMin < 0 {
		return fmt.Errorf("rate limit per minute must be non-negative")
	}
	if cfg.LTVBps == 0 || cfg.LTVBps > 10_000 {
		return fmt.Errorf("ltv basis points must be in (0, 10000]")
	}
	return nil
}

// Sanitized returns a copy with secrets masked for logging.
func (cfg Config) Sanitized() Config {
	clone := cfg
	clone.IndexerToken = logging.MaskSecret(clone.IndexerToken)
	return clone
}
