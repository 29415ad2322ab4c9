package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"stakeportal/network"
	"stakeportal/observability/logging"
)

// Duration wraps time.Duration to support YAML unmarshalling.
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
	raw := value.Value
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

// Config captures the runtime configuration for the portal.
type Config struct {
	ListenAddress string             `yaml:"listen"`
	Env           string             `yaml:"env"`
	StateDir      string             `yaml:"state_dir"`
	NetworksFile  string             `yaml:"networks_file"`
	Log           LogConfig          `yaml:"log"`
	Telemetry     TelemetryConfig    `yaml:"telemetry"`
	Gateway       GatewayConfig      `yaml:"gateway"`
	Notifications NotificationConfig `yaml:"notifications"`
	Deployment    DeploymentConfig   `yaml:"deployment"`
	Wallet        WalletConfig       `yaml:"wallet"`
}

// LogConfig selects the log sink.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Level      string `yaml:"level"`
}

// Options converts the section into logger options.
func (l LogConfig) Options() (logging.Options, error) {
	opts := logging.Options{
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
	if strings.TrimSpace(l.Level) != "" {
		if err := opts.Level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
			return opts, fmt.Errorf("log level: %w", err)
		}
	}
	return opts, nil
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Traces   bool   `yaml:"traces"`
	Metrics  bool   `yaml:"metrics"`
}

// GatewayConfig tunes the local HTTP surface.
type GatewayConfig struct {
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
}

// NotificationConfig tunes user notifications.
type NotificationConfig struct {
	DedupWindow Duration `yaml:"dedup_window"`
}

// DeploymentConfig is the explicit per-deployment record: which chain, which
// contract and which amount policy.
type DeploymentConfig struct {
	Name          string            `yaml:"name"`
	Kind          string            `yaml:"kind"`
	ChainID       string            `yaml:"chain_id"`
	Contract      string            `yaml:"contract"`
	Interface     string            `yaml:"interface"`
	Decimals      uint8             `yaml:"decimals"`
	Symbol        string            `yaml:"symbol"`
	Minimums      map[string]string `yaml:"minimums"`
	PriceMethod   string            `yaml:"price_method"`
	Confirmations uint64            `yaml:"confirmations"`
	PollInterval  Duration          `yaml:"poll_interval"`
}

// ContractAddress returns the parsed contract address.
func (d DeploymentConfig) ContractAddress() common.Address {
	return common.HexToAddress(d.Contract)
}

// WalletConfig selects and configures the wallet provider.
type WalletConfig struct {
	Mode                string   `yaml:"mode"`
	Endpoint            string   `yaml:"endpoint"`
	Keystore            string   `yaml:"keystore"`
	PassphraseEnv       string   `yaml:"passphrase_env"`
	PassphraseFile      string   `yaml:"passphrase_file"`
	AccountPollInterval Duration `yaml:"account_poll_interval"`
	RequestsPerSecond   float64  `yaml:"requests_per_second"`
	AppLink             string   `yaml:"app_link"`
	UserAgent           string   `yaml:"user_agent"`
	PageURL             string   `yaml:"page_url"`
}

// Wallet modes.
const (
	WalletModeRPC      = "rpc"
	WalletModeKeystore = "keystore"
	// WalletModeNone runs without a wallet, as a browser without an
	// injected provider would.
	WalletModeNone = "none"
)

// LoadConfig reads configuration from the supplied path. Relative paths in
// the file resolve against the file's directory.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Wallet.normalise(); err != nil {
		return cfg, fmt.Errorf("wallet: %w", err)
	}
	if err := cfg.Deployment.normalise(); err != nil {
		return cfg, fmt.Errorf("deployment: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "./data"
	}
	if cfg.NetworksFile == "" {
		cfg.NetworksFile = "networks.toml"
	}
	if cfg.Gateway.RequestsPerSecond <= 0 {
		cfg.Gateway.RequestsPerSecond = 5
	}
	if cfg.Gateway.Burst <= 0 {
		cfg.Gateway.Burst = 10
	}
	if cfg.Notifications.DedupWindow.Duration == 0 {
		cfg.Notifications.DedupWindow.Duration = 5 * time.Second
	}
	if cfg.Deployment.Decimals == 0 {
		cfg.Deployment.Decimals = 18
	}
	if cfg.Deployment.Confirmations == 0 {
		cfg.Deployment.Confirmations = 1
	}
	if cfg.Deployment.PollInterval.Duration == 0 {
		cfg.Deployment.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Deployment.Minimums == nil {
		cfg.Deployment.Minimums = map[string]string{}
	}
	if cfg.Wallet.Mode == "" {
		cfg.Wallet.Mode = WalletModeRPC
	}
	if cfg.Wallet.AccountPollInterval.Duration == 0 {
		cfg.Wallet.AccountPollInterval.Duration = 3 * time.Second
	}
	if cfg.Wallet.RequestsPerSecond == 0 {
		cfg.Wallet.RequestsPerSecond = 10
	}
	if cfg.Wallet.AppLink == "" {
		cfg.Wallet.AppLink = "https://metamask.app.link"
	}
}

func applyEnv(cfg *Config) {
	if env := strings.TrimSpace(os.Getenv("PORTAL_ENV")); env != "" {
		cfg.Env = env
	}
	if listen := strings.TrimSpace(os.Getenv("PORTAL_LISTEN")); listen != "" {
		cfg.ListenAddress = listen
	}
}

func (cfg *Config) resolvePaths(base string) {
	resolve := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	cfg.StateDir = resolve(cfg.StateDir)
	cfg.NetworksFile = resolve(cfg.NetworksFile)
	cfg.Log.File = resolve(cfg.Log.File)
	cfg.Wallet.Keystore = resolve(cfg.Wallet.Keystore)
	cfg.Wallet.PassphraseFile = resolve(cfg.Wallet.PassphraseFile)
	if iface := strings.TrimSpace(cfg.Deployment.Interface); strings.HasSuffix(strings.ToLower(iface), ".json") {
		cfg.Deployment.Interface = resolve(iface)
	}
}

func (w *WalletConfig) normalise() error {
	w.Mode = strings.ToLower(strings.TrimSpace(w.Mode))
	w.PassphraseEnv = strings.TrimSpace(w.PassphraseEnv)
	if w.Mode != WalletModeKeystore {
		return nil
	}
	if w.PassphraseFile != "" {
		info, err := os.Stat(w.PassphraseFile)
		if err != nil {
			return fmt.Errorf("passphrase_file: %w", err)
		}
		if info.Mode().Perm()&0o077 != 0 {
			return fmt.Errorf("passphrase_file %s must not be readable by group or others", w.PassphraseFile)
		}
	}
	return nil
}

func (d *DeploymentConfig) normalise() error {
	d.Kind = strings.ToLower(strings.TrimSpace(d.Kind))
	if strings.TrimSpace(d.ChainID) != "" {
		id, err := network.NormalizeChainID(d.ChainID)
		if err != nil {
			return err
		}
		d.ChainID = id
	}
	minimums := make(map[string]string, len(d.Minimums))
	for kind, value := range d.Minimums {
		minimums[strings.ToLower(strings.TrimSpace(kind))] = strings.TrimSpace(value)
	}
	d.Minimums = minimums
	if d.Interface == "" {
		switch d.Kind {
		case "staking":
			d.Interface = "staking"
		case "sale":
			d.Interface = "sale-bnb"
		}
	}
	return nil
}

func validateConfig(cfg Config) error {
	if _, err := cfg.Log.Options(); err != nil {
		return err
	}
	switch cfg.Deployment.Kind {
	case "staking", "sale":
	default:
		return fmt.Errorf("deployment kind must be staking or sale, got %q", cfg.Deployment.Kind)
	}
	if cfg.Deployment.ChainID == "" {
		return fmt.Errorf("deployment chain_id must be configured")
	}
	if !common.IsHexAddress(cfg.Deployment.Contract) {
		return fmt.Errorf("deployment contract must be a hex address")
	}
	if cfg.Deployment.ContractAddress() == (common.Address{}) {
		return fmt.Errorf("deployment contract must not be the zero address")
	}
	for kind := range cfg.Deployment.Minimums {
		switch kind {
		case "stake", "unstake", "buy":
		default:
			return fmt.Errorf("deployment minimums: unknown action %q", kind)
		}
	}
	switch cfg.Wallet.Mode {
	case WalletModeRPC:
		if strings.TrimSpace(cfg.Wallet.Endpoint) == "" {
			return fmt.Errorf("wallet endpoint must be configured for rpc mode")
		}
	case WalletModeKeystore:
		if strings.TrimSpace(cfg.Wallet.Keystore) == "" {
			return fmt.Errorf("wallet keystore must be configured for keystore mode")
		}
	case WalletModeNone:
	default:
		return fmt.Errorf("wallet mode must be rpc, keystore or none, got %q", cfg.Wallet.Mode)
	}
	if cfg.Wallet.RequestsPerSecond < 0 {
		return fmt.Errorf("wallet requests_per_second must not be negative")
	}
	return nil
}
