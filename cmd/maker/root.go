package main

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"rollup-swap/internal/config"
	"rollup-swap/internal/keys"
	"rollup-swap/internal/logger"
)

// app carries the configuration shared by subcommands.
type app struct {
	v          *viper.Viper
	configFile string
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "maker",
		Short:         "Maker service for rollup atomic swaps",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "Config file (yaml, json or toml)")
	flags.String("network", "localhost", "Rollup network: localhost, mainnet, ropsten, rinkeby")
	flags.String("rpc-endpoint", "", "Rollup JSON-RPC HTTP endpoint (defaults to the network's)")
	flags.String("ws-endpoint", "", "Rollup JSON-RPC websocket endpoint (defaults to the network's)")
	flags.String("key-file", "", "age-encrypted maker key file")
	flags.String("postgres-dsn", "", "PostgreSQL DSN for the swap journal")
	flags.String("clickhouse-dsn", "", "ClickHouse DSN for swap outcomes")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "console", "Log format: console or json")
	a.bind(flags, "network", "rpc-endpoint", "ws-endpoint", "key-file",
		"postgres-dsn", "clickhouse-dsn", "log-level", "log-format")

	rootCmd.AddCommand(a.serveCmd())
	rootCmd.AddCommand(a.migrateCmd())
	rootCmd.AddCommand(a.addressCmd())
	rootCmd.AddCommand(a.keygenCmd())
	rootCmd.AddCommand(a.reportCmd())
	return rootCmd
}

// bind binds flags to the viper key with dashes replaced by underscores.
func (a *app) bind(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := a.v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// load reads and validates the full configuration and builds the logger.
func (a *app) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

// prepare reads the configuration sources without validating them, for
// subcommands that need only part of the settings.
func (a *app) prepare() (zerolog.Logger, error) {
	if err := config.Prepare(a.v, a.configFile); err != nil {
		return zerolog.Nop(), err
	}
	return logger.New(a.v.GetString("log_level"), a.v.GetString("log_format"))
}

// makerKey loads the maker key from the prepared settings.
func (a *app) makerKey() (*keys.Maker, error) {
	partial := &config.Config{
		KeyFile:       a.v.GetString("key_file"),
		KeyPassphrase: a.v.GetString("key_passphrase"),
		EthPrivateKey: a.v.GetString("eth_private_key"),
	}
	ethKey, err := partial.MakerKey()
	if err != nil {
		return nil, err
	}
	return keys.NewMaker(ethKey)
}
