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
	"prover-coordination/internal/worker"
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

func logConfig(logger *slog.Logger, cfg config.ProverConfig) {
	logger.Info("prover configuration",
		slog.String("worker_name", cfg.WorkerName),
		slog.String("registry_url", cfg.RegistryURL),
		slog.String("metrics_bind", cfg.MetricsBind),
		slog.String("log_level", cfg.LogLevel),
		slog.String("worker_auth_token", redactedSecret(cfg.WorkerAuthToken)),
		slog.Duration("heartbeat_interval", cfg.HeartbeatInterval),
		slog.Duration("cycle_wait", cfg.CycleWait),
		slog.Duration("prover_timeout", cfg.ProverTimeout),
		slog.Duration("local_prove_timeout", cfg.LocalProveTimeout),
		slog.Duration("get_prover_data_timeout", cfg.GetProverDataTimeout),
	)
}

func main() {
	cfg := config.ParseProverConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)
	logConfig(logger, cfg)

	client := worker.NewHTTPClient(cfg.RegistryURL, cfg.WorkerAuthToken, nil)

	ctx, cancel := context.WithCancel(context.Background())
	registerCtx, registerCancel := context.WithTimeout(ctx, 30*time.Second)
	workerID, err := client.RegisterProver(registerCtx, cfg.WorkerName)
	registerCancel()
	if err != nil {
		logger.Error("failed to register with the job registry", slog.Any("error", err))
		cancel()
		os.Exit(1)
	}
	logger.Info("registered with job registry", slog.Int64("worker_id", workerID))

	w := worker.NewWorker(client, worker.DeterministicCircuitProver{}, worker.Config{
		WorkerName:           cfg.WorkerName,
		CycleWait:            cfg.CycleWait,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ProverTimeout:        cfg.ProverTimeout,
		GetProverDataTimeout: cfg.GetProverDataTimeout,
		LocalProveTimeout:    cfg.LocalProveTimeout,
	}, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsBind,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("prover metrics listening", slog.String("addr", cfg.MetricsBind))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- w.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, stopping worker", slog.String("signal", sig.String()))
		w.Stop()
	case err := <-runErrCh:
		logger.Error("worker rounds loop exited", slog.Any("error", err))
		cancel()
		shutdown(logger, metricsServer)
		os.Exit(1)
	}

	<-runErrCh
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := client.ProverStopped(stopCtx, workerID); err != nil {
		logger.Warn("failed to deregister from job registry", slog.Any("error", err))
	}
	stopCancel()

	shutdown(logger, metricsServer)
	logger.Info("prover stopped")
}

func shutdown(logger *slog.Logger, metricsServer *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}
