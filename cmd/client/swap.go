package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/keys"
	"rollup-swap/internal/logger"
	"rollup-swap/internal/rollup"
	"rollup-swap/internal/taker"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "client",
		Short:         "Counterparty for rollup atomic swaps",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(swapCmd(v))
	return rootCmd
}

func swapCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swap",
		Short: "Negotiate, fund and await one swap, refunding if it does not settle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			log, err := logger.New(v.GetString("log-level"), v.GetString("log-format"))
			if err != nil {
				return err
			}

			agreement, err := agreementFrom(v)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runSwap(ctx, v, agreement, log)
		},
	}

	flags := cmd.Flags()
	flags.String("maker", "http://localhost:8080", "Maker API base URL")
	flags.String("network", "localhost", "Rollup network: localhost, mainnet, ropsten, rinkeby")
	flags.String("rpc-endpoint", "", "Rollup JSON-RPC HTTP endpoint (defaults to the network's)")
	flags.String("key-file", "", "age-encrypted key file")
	flags.String("key-passphrase", "", "Key file passphrase")
	flags.String("eth-private-key", "", "Hex Ethereum private key")
	flags.String("sell", "", "Sold leg as TOKEN:AMOUNT in base units")
	flags.String("buy", "", "Bought leg as TOKEN:AMOUNT in base units")
	flags.Int64("timeout", 3600, "Seconds until the refund path opens")
	flags.String("code-hash", "", "Joint account code hash (hex)")
	flags.String("salt", "", "Joint account deployment salt (hex, random if empty)")
	flags.Duration("refund-after", 0, "Give up waiting for settlement after this long and refund (defaults to the timeout)")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "console", "Log format: console or json")

	v.SetEnvPrefix("CLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	return cmd
}

// parseLeg parses TOKEN:AMOUNT.
func parseLeg(s string) (domain.Leg, error) {
	token, amount, ok := strings.Cut(s, ":")
	if !ok || token == "" {
		return domain.Leg{}, fmt.Errorf("leg %q: expected TOKEN:AMOUNT", s)
	}
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return domain.Leg{}, fmt.Errorf("leg %q: invalid amount", s)
	}
	return domain.Leg{Token: domain.TokenLike(token), Amount: n}, nil
}

func agreementFrom(v *viper.Viper) (domain.SwapAgreement, error) {
	sell, err := parseLeg(v.GetString("sell"))
	if err != nil {
		return domain.SwapAgreement{}, err
	}
	buy, err := parseLeg(v.GetString("buy"))
	if err != nil {
		return domain.SwapAgreement{}, err
	}

	salt := common.HexToHash(v.GetString("salt"))
	if v.GetString("salt") == "" {
		if _, err := rand.Read(salt[:]); err != nil {
			return domain.SwapAgreement{}, err
		}
	}

	agreement := domain.SwapAgreement{
		Sell:           sell,
		Buy:            buy,
		TimeoutSeconds: v.GetInt64("timeout"),
		Deployment: domain.Deployment{
			Salt:     salt,
			CodeHash: common.HexToHash(v.GetString("code-hash")),
		},
	}
	return agreement, agreement.Validate()
}

func loadKey(v *viper.Viper) (*keys.Maker, error) {
	switch {
	case v.GetString("key-file") != "":
		key, err := keys.Load(v.GetString("key-file"), v.GetString("key-passphrase"))
		if err != nil {
			return nil, err
		}
		return keys.NewMaker(key)
	case v.GetString("eth-private-key") != "":
		key, err := keys.FromHex(v.GetString("eth-private-key"))
		if err != nil {
			return nil, err
		}
		return keys.NewMaker(key)
	default:
		return nil, errors.New("no key configured: --key-file or --eth-private-key")
	}
}

func runSwap(ctx context.Context, v *viper.Viper, agreement domain.SwapAgreement, log zerolog.Logger) error {
	network, err := rollup.ParseNetwork(v.GetString("network"))
	if err != nil {
		return err
	}
	endpoint := v.GetString("rpc-endpoint")
	if endpoint == "" {
		endpoint = network.Endpoints().HTTP
	}

	identity, err := loadKey(v)
	if err != nil {
		return err
	}
	rpc := rollup.NewHTTPClient(endpoint)
	wallet := rollup.NewWallet(rpc, identity.Rollup, identity.Address)

	client, err := taker.New(taker.Options{
		BaseURL: v.GetString("maker"),
		Key:     identity.Rollup,
		Wallet:  wallet,
		Rollup:  rpc,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	result, err := client.Swap(ctx, agreement)
	if err != nil {
		return err
	}
	log.Info().Str("swap_id", result.SwapID).Str("joint_address", result.JointAddress.Hex()).Msg("bundle signed, awaiting settlement")

	wait := v.GetDuration("refund-after")
	if wait == 0 {
		wait = time.Duration(agreement.TimeoutSeconds) * time.Second
	}
	awaitCtx, cancel := context.WithTimeout(ctx, wait)
	state, err := client.Await(awaitCtx, result.SwapID)
	cancel()
	if err == nil {
		log.Info().Str("swap_id", result.SwapID).Str("state", string(state)).Msg("swap settled")
		return nil
	}
	log.Warn().Err(err).Str("swap_id", result.SwapID).Msg("swap did not settle, refunding after the deadline")

	return refund(ctx, client, result, log)
}

// refund retries until the timeout transactions become valid.
func refund(ctx context.Context, client *taker.Client, result *taker.Result, log zerolog.Logger) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		err := client.Refund(ctx, result.JointAddress, result.Signed)
		if err == nil {
			log.Info().Str("swap_id", result.SwapID).Msg("refunded")
			return nil
		}
		if !errors.Is(err, rollup.ErrTxRejected) {
			return err
		}
		log.Debug().Err(err).Msg("refund not yet valid")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
