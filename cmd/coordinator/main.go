package main

// Prover Coordination is a rollup-style proving coordinator.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"prover-coordination/internal/config"
	"prover-coordination/internal/logging"
	"prover-coordination/internal/metrics"
	"prover-coordination/internal/notifier"
	"prover-coordination/internal/notifier/wsrpc"
	"prover-coordination/internal/registry"
	"prover-coordination/internal/registry/api"
	"prover-coordination/internal/registry/store"
	"prover-coordination/pkg/coordination"
)

func redactedSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}

func logConfig(logger *slog.Logger, cfg config.CoordinatorConfig) {
	logger.Info("coordinator configuration",
		slog.String("prover_server_bind", cfg.ProverServerBind),
		slog.String("ws_api_bind", cfg.WSAPIBind),
		slog.String("metrics_bind", cfg.MetricsBind),
		slog.String("registry_db_path", cfg.RegistryDBPath),
		slog.String("log_level", cfg.LogLevel),
		slog.String("worker_auth_token", redactedSecret(cfg.WorkerAuthToken)),
		slog.Int("ws_max_connections", cfg.WSMaxConnections),
		slog.Int("command_channel_capacity", cfg.CommandChannelCapacity),
		slog.Int("api_requests_caches_size", cfg.APIRequestsCachesSize),
		slog.Duration("prover_gone_timeout", cfg.ProverGoneTimeout),
		slog.Duration("prover_prepare_data_interval", cfg.ProverPrepareInterval),
	)
}

func main() {
	cfg := config.ParseCoordinatorConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)
	logConfig(logger, cfg)

	st, err := store.Open(context.Background(), cfg.RegistryDBPath)
	if err != nil {
		logger.Error("failed to open registry store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	reg := registry.New(st, registry.DeterministicWitnessOracle{}, logger)
	reg.SetPollInterval(cfg.ProverPrepareInterval)

	regAPI := api.New(reg, logger)
	regAPI.AuthToken = cfg.WorkerAuthToken
	regMux := http.NewServeMux()
	regAPI.Register(regMux)
	regMux.Handle("/metrics", metrics.Handler())

	executedTxStream := make(chan coordination.ExecutedOpsNotify)
	n := notifier.New(reg.Operations(), executedTxStream, cfg.CommandChannelCapacity, cfg.APIRequestsCachesSize, nil, logger)

	wsServer := wsrpc.NewServer(n, cfg.WSMaxConnections, logger)
	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", wsServer)

	notifierCtx, notifierCancel := context.WithCancel(context.Background())
	go func() {
		if err := n.Run(notifierCtx); err != nil && notifierCtx.Err() == nil {
			logger.Error("notifier loop exited", slog.Any("error", err))
		}
	}()

	registryServer := &http.Server{
		Addr:              cfg.ProverServerBind,
		Handler:           regMux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	wsServerHTTP := &http.Server{
		Addr:              cfg.WSAPIBind,
		Handler:           wsMux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("worker-facing HTTP server listening", slog.String("addr", cfg.ProverServerBind))
		if err := registryServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("registry http server: %w", err)
		}
	}()
	go func() {
		logger.Info("JSON-RPC websocket server listening", slog.String("addr", cfg.WSAPIBind))
		if err := wsServerHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ws rpc server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server error", slog.Any("error", err))
	}

	notifierCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := registryServer.Shutdown(ctx); err != nil {
		logger.Error("registry server graceful shutdown failed", slog.Any("error", err))
	}
	if err := wsServerHTTP.Shutdown(ctx); err != nil {
		logger.Error("ws rpc server graceful shutdown failed", slog.Any("error", err))
	}
	logger.Info("coordinator stopped")
}
