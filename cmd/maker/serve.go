package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"rollup-swap/internal/api"
	"rollup-swap/internal/config"
	"rollup-swap/internal/jointaccount"
	"rollup-swap/internal/keys"
	"rollup-swap/internal/observability"
	"rollup-swap/internal/orchestrator"
	"rollup-swap/internal/rollup"
	"rollup-swap/internal/storage"
	chstore "rollup-swap/internal/storage/clickhouse"
	"rollup-swap/internal/storage/memory"
	pgstore "rollup-swap/internal/storage/postgres"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the maker API and settle swaps",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := a.load()
			if err != nil {
				return err
			}
			return serve(cfg, log)
		},
	}

	flags := cmd.Flags()
	flags.String("listen-addr", ":8080", "Maker API address")
	flags.String("metrics-addr", ":9090", "Prometheus metrics and health address")
	flags.String("withdraw-mode", "L2", "Proceeds delivery: L2 (rollup transfer) or L1 (withdraw)")
	flags.Bool("use-memory", false, "Keep the journal in memory")
	a.bind(flags, "listen-addr", "metrics-addr", "withdraw-mode", "use-memory")
	return cmd
}

// journalStores holds the orchestrator's journal.
type journalStores struct {
	sessions    storage.SessionStore
	transitions storage.TransitionStore
	bundles     storage.BundleStore
	outcomes    storage.OutcomeStore
}

func createStores(ctx context.Context, cfg *config.Config) (*journalStores, func(), error) {
	if cfg.UseMemory {
		stores := &journalStores{
			sessions:    memory.NewSessionStore(),
			transitions: memory.NewTransitionStore(),
			bundles:     memory.NewBundleStore(),
			outcomes:    memory.NewOutcomeStore(),
		}
		return stores, func() {}, nil
	}

	// PostgreSQL
	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// ClickHouse
	chConn, err := chstore.NewConn(ctx, cfg.ClickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}

	stores := &journalStores{
		// PostgreSQL stores (protocol journal)
		sessions:    pgstore.NewSessionStore(pool),
		transitions: pgstore.NewTransitionStore(pool),
		bundles:     pgstore.NewBundleStore(pool),

		// ClickHouse stores (analytics)
		outcomes: chstore.NewOutcomeStore(chConn),
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return stores, cleanup, nil
}

// newRollupClient connects the receipt watcher and the JSON-RPC client.
// Without a websocket connection receipts are polled.
func newRollupClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*rollup.HTTPClient, func()) {
	opts := []rollup.ClientOption{
		rollup.WithTimeout(cfg.RPCTimeout),
		rollup.WithPollInterval(cfg.ReceiptPollInterval),
	}

	wsConfig := rollup.DefaultWSConfig()
	wsConfig.Logger = log.With().Str("component", "ws").Logger()
	ws, err := rollup.NewWSClient(ctx, cfg.WSEndpoint, &wsConfig)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", cfg.WSEndpoint).Msg("websocket unavailable, polling receipts")
		return rollup.NewHTTPClient(cfg.RPCEndpoint, opts...), func() {}
	}

	opts = append(opts, rollup.WithReceiptWatcher(ws))
	return rollup.NewHTTPClient(cfg.RPCEndpoint, opts...), func() { ws.Close() }
}

func serve(cfg *config.Config, log zerolog.Logger) error {
	ethKey, err := cfg.MakerKey()
	if err != nil {
		return err
	}
	maker, err := keys.NewMaker(ethKey)
	if err != nil {
		return err
	}
	log.Info().
		Str("network", cfg.Network).
		Str("address", maker.Address.Hex()).
		Str("withdraw_mode", cfg.WithdrawMode).
		Msg("starting maker")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, closeStores, err := createStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	client, closeClient := newRollupClient(ctx, cfg, log)
	defer closeClient()

	wallet := rollup.NewWallet(client, maker.Rollup, maker.Address)
	checkWallet(ctx, client, wallet, log)

	rates, err := cfg.RateCheck()
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Client:          client,
		Wallet:          wallet,
		Key:             maker.Rollup,
		SessionStore:    stores.sessions,
		TransitionStore: stores.transitions,
		BundleStore:     stores.bundles,
		OutcomeStore:    stores.outcomes,
		WithdrawMode:    cfg.Mode(),
		SettleMargin:    cfg.SettleMargin,
		Logger:          log,
	})
	if err != nil {
		return err
	}

	srv, err := api.NewServer(api.Options{
		Maker:  orch,
		Check:  rates.Accept,
		Logger: log,
	})
	if err != nil {
		return err
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe(cfg.ListenAddr) }()
	metrics := startMetricsServer(cfg.MetricsAddr, log)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("api server stopped")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	go func() {
		// Second signal forces exit
		select {
		case sig := <-sigCh:
			log.Warn().Str("signal", sig.String()).Msg("forcing immediate shutdown")
			os.Exit(1)
		case <-shutdownCtx.Done():
		}
	}()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api shutdown")
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics shutdown")
	}
	if active, ok := orch.Active(); ok {
		log.Warn().Str("swap_id", active.ID()).Str("state", string(active.State())).Msg("swap still open at shutdown")
	}

	log.Info().Msg("shutdown complete")
	return nil
}

// checkWallet warns when the maker's rollup account cannot sign transfers yet.
func checkWallet(ctx context.Context, client rollup.Client, wallet *rollup.Wallet, log zerolog.Logger) {
	state, err := client.GetAccountState(ctx, wallet.Address())
	if err != nil {
		log.Warn().Err(err).Msg("cannot read maker account")
		return
	}
	want := jointaccount.PubKeyHash(wallet.PubKeyHash()).String()
	if state.ID == nil || state.Committed.PubKeyHash != want {
		log.Warn().
			Str("address", wallet.Address().Hex()).
			Str("pub_key_hash", want).
			Msg("maker account has no signing key set, deposits will fail")
	}
}

// startMetricsServer serves /metrics and /health.
func startMetricsServer(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("/metrics", observability.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server")
		}
	}()
	return srv
}
