package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pelletbridge/internal/auditlog"
	"pelletbridge/internal/bridge"
	"pelletbridge/internal/chain"
	"pelletbridge/internal/config"
	"pelletbridge/internal/game"
	"pelletbridge/internal/observability"
	"pelletbridge/internal/server"
)

func main() {
	log := observability.NewLogger("bridged")
	log.Info().Msg("pellet bridge starting")

	cfg, err := config.Load(log)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Game state ---
	registry := game.NewRegistry(metrics)
	hub := server.NewHub(registry, metrics, observability.NewLogger("hub"))
	field := game.NewPelletField(registry, hub, metrics, observability.NewLogger("pellets"))
	hub.SetField(field)

	// --- Economy bridge ---
	// A missing custodian key or mint disables transfers but never the
	// game: deposits and withdrawals stay nil and the API reports
	// server-not-configured.
	var deposits *bridge.Deposits
	var withdrawals *bridge.Withdrawals

	chainClient := buildChainClient(cfg, metrics)

	if cfg.TransfersEnabled() {
		sigStore, err := auditlog.OpenSignatureStore(
			filepath.Join(cfg.DataDir, "consumed_signatures.json"),
			metrics, observability.NewLogger("signatures"),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("open signature store")
		}

		withdrawalLog, err := auditlog.OpenWithdrawalLog(
			filepath.Join(cfg.DataDir, "transactions.json"),
			metrics, observability.NewLogger("auditlog"),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("open withdrawal log")
		}

		deposits = bridge.NewDeposits(
			chainClient, cfg.Custodian, cfg.Mint, cfg.TokenDecimals,
			cfg.ConversionFactor(), registry, hub, sigStore, metrics,
			observability.NewLogger("deposits"),
		)
		withdrawals = bridge.NewWithdrawals(
			chainClient, cfg.Custodian, cfg.Mint, cfg.TokenDecimals,
			cfg.ConversionFactor(), cfg.ResolvedFeeBps(), registry, hub,
			withdrawalLog, metrics, observability.NewLogger("withdrawals"),
		)

		// Best-effort: make sure the custodian can receive deposits.
		ensureCtx, ensureCancel := context.WithTimeout(ctx, 30*time.Second)
		if _, err := chainClient.EnsureTokenAccount(ensureCtx, cfg.Custodian, cfg.Mint, cfg.Custodian.Address()); err != nil {
			log.Warn().Err(err).Msg("ensure custodian token account failed")
		}
		ensureCancel()

		log.Info().
			Str("custodian", string(cfg.Custodian.Address())).
			Str("mint", string(cfg.Mint)).
			Int("feeBps", cfg.ResolvedFeeBps()).
			Msg("transfers enabled")
	} else {
		log.Warn().Msg("transfers disabled, session and pellet flows only")
	}

	// --- HTTP servers ---
	api := server.NewAPI(cfg, registry, hub, deposits, withdrawals, observability.NewLogger("api"))

	apiServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: api.Handler(),
	}
	opsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: server.NewOpsHandler(healthChecker),
	}

	errChan := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr()).Msg("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("ops server listening")
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("ops server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Info().Msg("pellet bridge ready")

	select {
	case s := <-sigChan:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("server failed, shutting down")
	}

	healthChecker.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown")
	}
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ops shutdown")
	}

	log.Info().Msg("pellet bridge shutdown complete")
}

func buildChainClient(cfg *config.Config, metrics *observability.Metrics) *chain.RPCClient {
	return chain.NewRPCClient(cfg.RPCURL, observability.NewLogger("chain"), metrics)
}
