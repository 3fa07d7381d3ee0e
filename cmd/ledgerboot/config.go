package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/artpar/ledgerboot/internal/core/artifact"
	"github.com/artpar/ledgerboot/internal/core/crypto"
	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/identity"
	"github.com/artpar/ledgerboot/internal/core/plan"
	"github.com/artpar/ledgerboot/internal/shell/bootstrap"
	"github.com/artpar/ledgerboot/internal/shell/contract"
	"github.com/artpar/ledgerboot/internal/shell/ledger"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Receipts   ReceiptsConfig   `mapstructure:"receipts"`
	Submission SubmissionConfig `mapstructure:"submission"`
	Accounts   AccountsConfig   `mapstructure:"accounts"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	Plan       PlanConfig       `mapstructure:"plan"`
	Resume     ResumeConfig     `mapstructure:"resume"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
	Output     OutputConfig     `mapstructure:"output"`
}

// LedgerConfig holds the node connection settings.
type LedgerConfig struct {
	RPCURL    string `mapstructure:"rpc_url"`
	ChainID   uint64 `mapstructure:"chain_id"`
	GasBudget uint64 `mapstructure:"gas_budget"`
	// GasPrice in wei as a decimal string. Empty asks the node.
	GasPrice string `mapstructure:"gas_price"`
}

// ReceiptsConfig controls receipt polling.
type ReceiptsConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// SubmissionConfig bounds how fast transactions go out.
type SubmissionConfig struct {
	Rate        float64 `mapstructure:"rate"`
	Burst       int     `mapstructure:"burst"`
	MaxInFlight int     `mapstructure:"max_in_flight"`
}

// AccountsConfig holds the account secrets. Secrets may be sealed with
// crypto.Seal; Passphrase opens them.
type AccountsConfig struct {
	Secrets            []string `mapstructure:"secrets"`
	Passphrase         string   `mapstructure:"passphrase"`
	MnemonicAccounts   int      `mapstructure:"mnemonic_accounts"`
	MnemonicPassphrase string   `mapstructure:"mnemonic_passphrase"`
}

// ArtifactsConfig locates the compiler output.
type ArtifactsConfig struct {
	Path         string `mapstructure:"path"`
	SourcePrefix string `mapstructure:"source_prefix"`
}

// PlanConfig is the plan configuration plus the funding amount, which is
// read as a decimal string so it can exceed 64 bits.
type PlanConfig struct {
	plan.Config   `mapstructure:",squash"`
	FundingAmount string `mapstructure:"funding_amount"`
}

// ResumeConfig points at the manifest of an earlier run whose contracts
// are reused.
type ResumeConfig struct {
	Manifest string `mapstructure:"manifest"`
}

// MetricsConfig holds the metrics endpoint settings. An empty Addr
// disables the endpoint.
type MetricsConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OutputConfig controls where the result manifest is written. An empty
// Path writes to stdout.
type OutputConfig struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadEnvFile loads a dotenv file into the process environment. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	contractDefaults := contract.DefaultConfig()
	v.SetDefault("ledger.rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("ledger.chain_id", 0)
	v.SetDefault("ledger.gas_budget", contractDefaults.Gas)
	v.SetDefault("ledger.gas_price", "")
	v.SetDefault("receipts.timeout", contractDefaults.ReceiptTimeout)
	v.SetDefault("receipts.initial_interval", contractDefaults.PollInterval)
	v.SetDefault("receipts.max_interval", contractDefaults.MaxPollInterval)
	v.SetDefault("submission.rate", 0)
	v.SetDefault("submission.burst", 1)
	v.SetDefault("submission.max_in_flight", bootstrap.DefaultConfig().MaxInFlight)
	v.SetDefault("accounts.secrets", []string{})
	v.SetDefault("accounts.passphrase", "")
	v.SetDefault("accounts.mnemonic_accounts", identity.DefaultMnemonicAccounts)
	v.SetDefault("accounts.mnemonic_passphrase", "")
	v.SetDefault("artifacts.path", "./contracts.json")
	v.SetDefault("artifacts.source_prefix", artifact.DefaultSourcePrefix)
	v.SetDefault("resume.manifest", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.shutdown_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("output.path", "")
	v.SetDefault("output.format", FormatYAML)
	setPlanDefaults(v, plan.DefaultConfig())

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	v.SetEnvPrefix("LEDGERBOOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setPlanDefaults(v *viper.Viper, d plan.Config) {
	initialize := make([]map[string]interface{}, len(d.Initialize))
	for i, entry := range d.Initialize {
		initialize[i] = map[string]interface{}{"name": entry.Name, "method": string(entry.Method)}
	}

	v.SetDefault("plan.registry.source", d.Registry.Source)
	v.SetDefault("plan.registry.name", d.Registry.Name)
	v.SetDefault("plan.registry_methods.owner", d.RegistryMethods.Owner)
	v.SetDefault("plan.registry_methods.set_value", d.RegistryMethods.SetValue)
	v.SetDefault("plan.registry_methods.whitelist", d.RegistryMethods.Whitelist)
	v.SetDefault("plan.delegator.source", d.Delegator.Source)
	v.SetDefault("plan.delegator.name", d.Delegator.Name)
	v.SetDefault("plan.delegated", d.Delegated)
	v.SetDefault("plan.whitelist_group", d.WhitelistGroup)
	v.SetDefault("plan.initialize", initialize)
	v.SetDefault("plan.approve_tokens", d.ApproveTokens)
	v.SetDefault("plan.authority", d.Authority)
	v.SetDefault("plan.genesis", d.Genesis)
	v.SetDefault("plan.cash", d.Cash)
	v.SetDefault("plan.funding_identity", d.FundingIdentity)
	v.SetDefault("plan.funding_amount", d.FundingAmount.String())
	v.SetDefault("plan.market_creation", d.MarketCreation)
	v.SetDefault("plan.fee_calculator", d.FeeCalculator)
	v.SetDefault("plan.market_type", d.MarketType)
	v.SetDefault("plan.market_created_event", d.MarketCreatedEvent)
}

// =============================================================================
// Conversions
// =============================================================================

// BootstrapConfig converts the loaded configuration into a sequencer
// configuration.
func (c *Config) BootstrapConfig() (bootstrap.Config, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(c.Plan.FundingAmount), 10)
	if !ok {
		return bootstrap.Config{}, fmt.Errorf("%w: plan.funding_amount %q is not a decimal integer", domain.ErrConfiguration, c.Plan.FundingAmount)
	}

	cfg := bootstrap.DefaultConfig()
	cfg.Plan = c.Plan.Config
	cfg.Plan.FundingAmount = amount
	cfg.Contract = contract.Config{
		Gas:             c.Ledger.GasBudget,
		ReceiptTimeout:  c.Receipts.Timeout,
		PollInterval:    c.Receipts.InitialInterval,
		MaxPollInterval: c.Receipts.MaxInterval,
		SubmitRate:      c.Submission.Rate,
		SubmitBurst:     c.Submission.Burst,
	}
	cfg.Identity = identity.Options{
		MnemonicAccounts:   c.Accounts.MnemonicAccounts,
		MnemonicPassphrase: c.Accounts.MnemonicPassphrase,
	}
	cfg.MaxInFlight = c.Submission.MaxInFlight
	return cfg, nil
}

// RPCConfig returns the ledger client configuration.
func (c *Config) RPCConfig() (ledger.RPCConfig, error) {
	cfg := ledger.RPCConfig{URL: c.Ledger.RPCURL, ChainID: c.Ledger.ChainID}
	if price := strings.TrimSpace(c.Ledger.GasPrice); price != "" {
		wei, ok := new(big.Int).SetString(price, 10)
		if !ok || wei.Sign() < 0 {
			return ledger.RPCConfig{}, fmt.Errorf("%w: ledger.gas_price %q is not a wei amount", domain.ErrConfiguration, c.Ledger.GasPrice)
		}
		cfg.GasPrice = wei
	}
	return cfg, nil
}

// LoadOptions returns the artifact loader options.
func (c *Config) LoadOptions() artifact.LoadOptions {
	return artifact.LoadOptions{SourcePrefix: c.Artifacts.SourcePrefix}
}

// OpenSecrets returns the plaintext account secrets.
func (c AccountsConfig) OpenSecrets() ([]string, error) {
	if len(c.Secrets) == 0 {
		return nil, fmt.Errorf("%w: accounts.secrets is empty", domain.ErrInvalidSecret)
	}
	secrets, err := crypto.OpenAll(c.Secrets, c.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: open secrets: %v", domain.ErrInvalidSecret, err)
	}
	return secrets, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Logs
// go to stderr so the manifest can be written to stdout.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
