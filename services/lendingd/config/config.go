package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"ofzlend/native/srub"
	"ofzlend/observability/logging"
)

const (
	defaultListen      = ":8090"
	defaultStorePath   = "lendingd.db"
	defaultStartBlock  = 3820577
	defaultScanWindow  = 1000
	defaultSettleDelay = 500 * time.Millisecond
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime settings for the lending daemon.
type Config struct {
	ListenAddress  string          `yaml:"listen" toml:"listen"`
	Environment    string          `yaml:"environment" toml:"environment"`
	AllowedOrigins []string        `yaml:"allowed_origins" toml:"allowed_origins"`
	Log            LogConfig       `yaml:"log" toml:"log"`
	Telemetry      TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Chain          ChainConfig     `yaml:"chain" toml:"chain"`
	Contracts      ContractsConfig `yaml:"contracts" toml:"contracts"`
	Wallet         WalletConfig    `yaml:"wallet" toml:"wallet"`
	Risk           RiskConfig      `yaml:"risk" toml:"risk"`
	Engine         EngineConfig    `yaml:"engine" toml:"engine"`
	Store          StoreConfig     `yaml:"store" toml:"store"`
	MarketData     MarketConfig    `yaml:"market_data" toml:"market_data"`
	Auth           AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig points the OTLP exporters at a collector.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
}

// ChainConfig describes the RPC endpoint and transaction policy.
type ChainConfig struct {
	RPCURL        string   `yaml:"rpc_url" toml:"rpc_url"`
	ChainID       int64    `yaml:"chain_id" toml:"chain_id"`
	Confirmations uint64   `yaml:"confirmations" toml:"confirmations"`
	PollInterval  Duration `yaml:"poll_interval" toml:"poll_interval"`
	GasMultiplier uint64   `yaml:"gas_multiplier" toml:"gas_multiplier"`
}

// ContractsConfig lists deployed contract addresses.
type ContractsConfig struct {
	SRUB        string `yaml:"srub" toml:"srub"`
	Multicall   string `yaml:"multicall" toml:"multicall"`
	BondFactory string `yaml:"bond_factory" toml:"bond_factory"`
	BondOracle  string `yaml:"bond_oracle" toml:"bond_oracle"`
	StartBlock  uint64 `yaml:"start_block" toml:"start_block"`
	ScanWindow  uint64 `yaml:"scan_window" toml:"scan_window"`
}

// WalletConfig locates the signing key.
type WalletConfig struct {
	Keystore       string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv  string `yaml:"passphrase_env" toml:"passphrase_env"`
	PassphraseFile string `yaml:"passphrase_file" toml:"passphrase_file"`
}

// RiskConfig holds the configured protocol parameters in percent.
type RiskConfig struct {
	CollateralizationRatio uint64 `yaml:"collateralization_ratio" toml:"collateralization_ratio"`
	LiquidationThreshold   uint64 `yaml:"liquidation_threshold" toml:"liquidation_threshold"`
	LiquidationPenalty     uint64 `yaml:"liquidation_penalty" toml:"liquidation_penalty"`
}

// EngineConfig tunes the transaction sequencer.
type EngineConfig struct {
	SettleDelay    Duration `yaml:"settle_delay" toml:"settle_delay"`
	ConfirmTimeout Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
}

// StoreConfig locates the Bolt database.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// MarketConfig points at the market data API used for bond short names.
type MarketConfig struct {
	URL     string   `yaml:"url" toml:"url"`
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// AuthConfig configures JWT bearer authentication for the API.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled" toml:"enabled"`
	HMACSecret string   `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	Audience   string   `yaml:"audience" toml:"audience"`
	ScopeClaim string   `yaml:"scope_claim" toml:"scope_claim"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// Load reads the configuration from disk, applies LENDINGD_* environment
// overrides and validates the result. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	if path == "" {
		return Config{}, fmt.Errorf("config path required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.NewDecoder(bytes.NewReader(raw)).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	} else {
		decoder := yaml.NewDecoder(bytes.NewReader(raw))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	str("LENDINGD_LISTEN", &cfg.ListenAddress)
	str("LENDINGD_ENV", &cfg.Environment)
	str("LENDINGD_LOG_LEVEL", &cfg.Log.Level)
	str("LENDINGD_RPC_URL", &cfg.Chain.RPCURL)
	str("LENDINGD_KEYSTORE", &cfg.Wallet.Keystore)
	str("LENDINGD_STORE_PATH", &cfg.Store.Path)
	str("LENDINGD_MARKET_DATA_URL", &cfg.MarketData.URL)
	str("LENDINGD_OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("LENDINGD_AUTH_SECRET", &cfg.Auth.HMACSecret)
	if v, ok := lookup("LENDINGD_CHAIN_ID"); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("LENDINGD_CHAIN_ID: %w", err)
		}
		cfg.Chain.ChainID = id
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.AllowedOrigins = origins

	cfg.Chain.RPCURL = strings.TrimSpace(cfg.Chain.RPCURL)
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 1
	}
	if cfg.Chain.PollInterval.Duration <= 0 {
		cfg.Chain.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Chain.GasMultiplier == 0 {
		cfg.Chain.GasMultiplier = 120
	}

	c := &cfg.Contracts
	c.SRUB = strings.TrimSpace(c.SRUB)
	c.Multicall = strings.TrimSpace(c.Multicall)
	c.BondFactory = strings.TrimSpace(c.BondFactory)
	c.BondOracle = strings.TrimSpace(c.BondOracle)
	if c.StartBlock == 0 {
		c.StartBlock = defaultStartBlock
	}
	if c.ScanWindow == 0 {
		c.ScanWindow = defaultScanWindow
	}

	cfg.Wallet.Keystore = strings.TrimSpace(cfg.Wallet.Keystore)
	cfg.Wallet.PassphraseEnv = strings.TrimSpace(cfg.Wallet.PassphraseEnv)
	cfg.Wallet.PassphraseFile = strings.TrimSpace(cfg.Wallet.PassphraseFile)

	defaults := srub.DefaultRiskParameters()
	if cfg.Risk.CollateralizationRatio == 0 {
		cfg.Risk.CollateralizationRatio = defaults.CollateralizationRatio
	}
	if cfg.Risk.LiquidationThreshold == 0 {
		cfg.Risk.LiquidationThreshold = defaults.LiquidationThreshold
	}
	if cfg.Risk.LiquidationPenalty == 0 {
		cfg.Risk.LiquidationPenalty = defaults.LiquidationPenalty
	}

	if cfg.Engine.SettleDelay.Duration <= 0 {
		cfg.Engine.SettleDelay.Duration = defaultSettleDelay
	}
	if cfg.Engine.ConfirmTimeout.Duration <= 0 {
		cfg.Engine.ConfirmTimeout.Duration = 5 * time.Minute
	}
	cfg.Store.Path = strings.TrimSpace(cfg.Store.Path)
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath
	}
	cfg.MarketData.URL = strings.TrimSpace(cfg.MarketData.URL)
	if cfg.MarketData.Timeout.Duration <= 0 {
		cfg.MarketData.Timeout.Duration = 5 * time.Second
	}
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
}

func (cfg *Config) validate() error {
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain: rpc_url is required")
	}
	if cfg.Chain.GasMultiplier < 100 {
		return fmt.Errorf("chain: gas_multiplier must be at least 100")
	}
	if err := requireAddress("contracts.srub", cfg.Contracts.SRUB); err != nil {
		return err
	}
	for name, value := range map[string]string{
		"contracts.multicall":    cfg.Contracts.Multicall,
		"contracts.bond_factory": cfg.Contracts.BondFactory,
		"contracts.bond_oracle":  cfg.Contracts.BondOracle,
	} {
		if value != "" && !common.IsHexAddress(value) {
			return fmt.Errorf("%s: invalid address %q", name, value)
		}
	}
	if (cfg.Contracts.BondFactory == "") != (cfg.Contracts.BondOracle == "") {
		return fmt.Errorf("contracts: bond_factory and bond_oracle must be configured together")
	}
	if cfg.Wallet.Keystore == "" {
		return fmt.Errorf("wallet: keystore is required")
	}
	if err := cfg.RiskParameters().Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: hmac_secret is required when auth is enabled")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	return nil
}

func requireAddress(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%s: invalid address %q", name, value)
	}
	return nil
}

// RiskParameters converts the configured percentages.
func (cfg Config) RiskParameters() srub.RiskParameters {
	return srub.RiskParameters{
		CollateralizationRatio: cfg.Risk.CollateralizationRatio,
		LiquidationThreshold:   cfg.Risk.LiquidationThreshold,
		LiquidationPenalty:     cfg.Risk.LiquidationPenalty,
	}
}

// PortfolioEnabled reports whether bond discovery is configured.
func (c ContractsConfig) PortfolioEnabled() bool {
	return c.BondFactory != "" && c.BondOracle != ""
}

// LogAttrs summarises the loaded configuration for the startup log. Secrets
// and credential-bearing endpoints are masked.
func (c Config) LogAttrs() []any {
	return []any{
		logging.MaskField("env", c.Environment),
		logging.MaskField("listen", c.ListenAddress),
		logging.MaskURL("rpc", c.Chain.RPCURL),
		slog.Int64("chain_id", c.Chain.ChainID),
		logging.MaskField("spender", c.Contracts.SRUB),
		logging.MaskField("keystore", c.Wallet.Keystore),
		logging.MaskField("passphrase_file", c.Wallet.PassphraseFile),
		logging.MaskField("hmac_secret", c.Auth.HMACSecret),
		logging.MaskField("otel_headers", c.Telemetry.Headers),
		slog.Bool("auth", c.Auth.Enabled),
		slog.Bool("portfolio", c.Contracts.PortfolioEnabled()),
	}
}
