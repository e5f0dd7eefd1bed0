// Package config loads the maker service configuration.
//
// Sources, lowest precedence first: defaults, an optional config file
// (yaml, json or toml), a .env file, MAKER_* environment variables and
// flags bound to the viper instance by the caller.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/keys"
	"rollup-swap/internal/logger"
	"rollup-swap/internal/pricing"
	"rollup-swap/internal/rollup"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "MAKER"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the maker service configuration.
type Config struct {
	Network     string `mapstructure:"network"`
	RPCEndpoint string `mapstructure:"rpc_endpoint"`
	WSEndpoint  string `mapstructure:"ws_endpoint"`

	KeyFile       string `mapstructure:"key_file"`
	KeyPassphrase string `mapstructure:"key_passphrase"`
	EthPrivateKey string `mapstructure:"eth_private_key"`

	WithdrawMode string `mapstructure:"withdraw_mode"`

	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	PostgresDSN   string `mapstructure:"postgres_dsn"`
	ClickhouseDSN string `mapstructure:"clickhouse_dsn"`
	UseMemory     bool   `mapstructure:"use_memory"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Filled by Load from min_rates and max_buy_amounts, which accept a
	// config-file table or a JSON object string from the environment.
	MinRates      map[string]string `mapstructure:"-"`
	MaxBuyAmounts map[string]string `mapstructure:"-"`

	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	RPCTimeout          time.Duration `mapstructure:"rpc_timeout"`

	// SettleMargin is the minimum time left before the claim deadline for
	// the maker to release signatures or deposit its own leg.
	SettleMargin time.Duration `mapstructure:"settle_margin"`
}

// SetDefaults registers every key with its default so that environment
// variables are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("network", string(rollup.NetworkLocalhost))
	v.SetDefault("rpc_endpoint", "")
	v.SetDefault("ws_endpoint", "")
	v.SetDefault("key_file", "")
	v.SetDefault("key_passphrase", "")
	v.SetDefault("eth_private_key", "")
	v.SetDefault("withdraw_mode", string(domain.WithdrawRollup))
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("clickhouse_dsn", "")
	v.SetDefault("use_memory", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("min_rates", map[string]string{})
	v.SetDefault("max_buy_amounts", map[string]string{})
	v.SetDefault("receipt_poll_interval", time.Second)
	v.SetDefault("rpc_timeout", 30*time.Second)
	v.SetDefault("settle_margin", time.Minute)
}

// Prepare loads .env (a missing file is ignored), enables MAKER_*
// environment variables, registers defaults and merges configFile when set.
func Prepare(v *viper.Viper, configFile string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	return nil
}

// Load prepares v, unmarshals it and validates the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if err := Prepare(v, configFile); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.MinRates = v.GetStringMapString("min_rates")
	cfg.MaxBuyAmounts = v.GetStringMapString("max_buy_amounts")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills derived defaults and rejects invalid values.
func (c *Config) Validate() error {
	network, err := rollup.ParseNetwork(c.Network)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.Network = string(network)

	endpoints := network.Endpoints()
	if c.RPCEndpoint == "" {
		c.RPCEndpoint = endpoints.HTTP
	}
	if c.WSEndpoint == "" {
		c.WSEndpoint = endpoints.WS
	}

	mode, err := domain.ParseWithdrawMode(strings.ToUpper(c.WithdrawMode))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.WithdrawMode = string(mode)

	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("%w: log format must be 'json' or 'console'", ErrInvalid)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch {
	case c.KeyFile != "" && c.EthPrivateKey != "":
		return fmt.Errorf("%w: set only one of key_file and eth_private_key", ErrInvalid)
	case c.KeyFile == "" && c.EthPrivateKey == "":
		return fmt.Errorf("%w: key_file or eth_private_key is required", ErrInvalid)
	}

	if !c.UseMemory && (c.PostgresDSN == "" || c.ClickhouseDSN == "") {
		return fmt.Errorf("%w: postgres_dsn and clickhouse_dsn are required (or use_memory)", ErrInvalid)
	}

	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.ReceiptPollInterval <= 0 {
		c.ReceiptPollInterval = time.Second
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 30 * time.Second
	}

	if c.SettleMargin < 0 {
		return fmt.Errorf("%w: settle_margin must not be negative", ErrInvalid)
	}

	if _, err := c.RateCheck(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Mode returns the validated withdraw mode.
func (c *Config) Mode() domain.WithdrawMode {
	mode, _ := domain.ParseWithdrawMode(c.WithdrawMode)
	return mode
}

// RateCheck builds the profitability check from min_rates and max_buy_amounts.
func (c *Config) RateCheck() (*pricing.RateCheck, error) {
	return pricing.NewRateCheck(c.MinRates, c.MaxBuyAmounts)
}

// MakerKey loads the maker's Ethereum key from key_file or eth_private_key.
func (c *Config) MakerKey() (*ecdsa.PrivateKey, error) {
	switch {
	case c.KeyFile != "":
		return keys.Load(c.KeyFile, c.KeyPassphrase)
	case c.EthPrivateKey != "":
		return keys.FromHex(c.EthPrivateKey)
	default:
		return nil, fmt.Errorf("%w: no maker key configured", ErrInvalid)
	}
}
