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

// Package config loads the Coordinator and Prover binaries' runtime
// configuration from environment variables, with flags overriding them.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func getenvSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	s, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(s) * time.Second
}

// CoordinatorConfig holds runtime configuration for the coordinator
// binary, which hosts the Job Registry and the Event Notifier.
type CoordinatorConfig struct {
	ProverServerBind       string        // PROVER_SERVER_BIND
	WSAPIBind              string        // WS_API_BIND
	MetricsBind            string        // METRICS_BIND
	RegistryDBPath         string        // REGISTRY_DB_PATH
	LogLevel               string        // LOG_LEVEL
	WorkerAuthToken        string        // WORKER_AUTH_TOKEN (do not log value)
	WSMaxConnections       int           // WS_MAX_CONNECTIONS
	CommandChannelCapacity int           // COMMAND_CHANNEL_CAPACITY
	APIRequestsCachesSize  int           // API_REQUESTS_CACHES_SIZE
	ProverGoneTimeout      time.Duration // PROVER_GONE_TIMEOUT_MS
	ProverPrepareInterval  time.Duration // PROVER_PREPARE_DATA_INTERVAL_MS
}

func defaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		ProverServerBind:       ":8110",
		WSAPIBind:              ":8111",
		MetricsBind:            ":9110",
		RegistryDBPath:         "./prover-coordination.db",
		LogLevel:               "info",
		WorkerAuthToken:        "",
		WSMaxConnections:       1000,
		CommandChannelCapacity: 2048,
		APIRequestsCachesSize:  10_000,
		ProverGoneTimeout:      60 * time.Second,
		ProverPrepareInterval:  50 * time.Millisecond,
	}
}

// ParseCoordinatorConfig builds a CoordinatorConfig from env, then lets
// flags override it.
func ParseCoordinatorConfig() CoordinatorConfig {
	def := defaultCoordinatorConfig()

	cfg := CoordinatorConfig{
		ProverServerBind:       getenv("PROVER_SERVER_BIND", def.ProverServerBind),
		WSAPIBind:              getenv("WS_API_BIND", def.WSAPIBind),
		MetricsBind:            getenv("METRICS_BIND", def.MetricsBind),
		RegistryDBPath:         getenv("REGISTRY_DB_PATH", def.RegistryDBPath),
		LogLevel:               getenv("LOG_LEVEL", def.LogLevel),
		WorkerAuthToken:        getenv("WORKER_AUTH_TOKEN", def.WorkerAuthToken),
		WSMaxConnections:       getenvInt("WS_MAX_CONNECTIONS", def.WSMaxConnections),
		CommandChannelCapacity: getenvInt("COMMAND_CHANNEL_CAPACITY", def.CommandChannelCapacity),
		APIRequestsCachesSize:  getenvInt("API_REQUESTS_CACHES_SIZE", def.APIRequestsCachesSize),
		ProverGoneTimeout:      getenvMillis("PROVER_GONE_TIMEOUT_MS", def.ProverGoneTimeout),
		ProverPrepareInterval:  getenvMillis("PROVER_PREPARE_DATA_INTERVAL_MS", def.ProverPrepareInterval),
	}

	flag.StringVar(&cfg.ProverServerBind, "prover-server-bind", cfg.ProverServerBind, "worker-facing HTTP bind address (env PROVER_SERVER_BIND)")
	flag.StringVar(&cfg.WSAPIBind, "ws-api-bind", cfg.WSAPIBind, "JSON-RPC websocket bind address (env WS_API_BIND)")
	flag.StringVar(&cfg.MetricsBind, "metrics-bind", cfg.MetricsBind, "metrics bind address, logged only: the coordinator serves /metrics on the worker-facing listener (env METRICS_BIND)")
	flag.StringVar(&cfg.RegistryDBPath, "registry-db", cfg.RegistryDBPath, "SQLite DB path for the Job Registry (env REGISTRY_DB_PATH)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error (env LOG_LEVEL)")
	flag.StringVar(&cfg.WorkerAuthToken, "worker-auth-token", cfg.WorkerAuthToken, "bearer token workers must present (env WORKER_AUTH_TOKEN)")
	flag.IntVar(&cfg.WSMaxConnections, "ws-max-connections", cfg.WSMaxConnections, "max concurrent websocket connections (env WS_MAX_CONNECTIONS)")
	flag.IntVar(&cfg.CommandChannelCapacity, "command-channel-capacity", cfg.CommandChannelCapacity, "notifier subscribe/unsubscribe queue capacity (env COMMAND_CHANNEL_CAPACITY)")
	flag.IntVar(&cfg.APIRequestsCachesSize, "api-requests-caches-size", cfg.APIRequestsCachesSize, "per-action account state LRU cache size (env API_REQUESTS_CACHES_SIZE)")
	flag.DurationVar(&cfg.ProverGoneTimeout, "prover-gone-timeout", cfg.ProverGoneTimeout, "validated and logged only: lease expiry uses the prover_timeout each worker sends (env PROVER_GONE_TIMEOUT_MS, milliseconds)")
	flag.DurationVar(&cfg.ProverPrepareInterval, "prover-prepare-data-interval", cfg.ProverPrepareInterval, "witness readiness poll interval (env PROVER_PREPARE_DATA_INTERVAL_MS, milliseconds)")

	flag.Parse()
	return cfg
}

// Validate checks the coordinator configuration for obviously broken
// values before the process starts serving.
func (c *CoordinatorConfig) Validate() error {
	if c.RegistryDBPath == "" {
		return fmt.Errorf("REGISTRY_DB_PATH cannot be empty")
	}
	if c.WSMaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be at least 1")
	}
	if c.CommandChannelCapacity < 1 {
		return fmt.Errorf("COMMAND_CHANNEL_CAPACITY must be at least 1")
	}
	if c.APIRequestsCachesSize < 1 {
		return fmt.Errorf("API_REQUESTS_CACHES_SIZE must be at least 1")
	}
	if c.ProverGoneTimeout < time.Second {
		return fmt.Errorf("PROVER_GONE_TIMEOUT_MS must be at least 1000")
	}
	return nil
}

// ProverConfig holds runtime configuration for the prover binary, which
// runs a single Prover Worker against a coordinator's worker-facing API.
type ProverConfig struct {
	WorkerName           string        // PROVER_WORKER_NAME
	RegistryURL          string        // PROVER_SERVER_BIND (dialed as a base URL by the worker)
	WorkerAuthToken      string        // WORKER_AUTH_TOKEN (do not log value)
	MetricsBind          string        // METRICS_BIND
	LogLevel             string        // LOG_LEVEL
	HeartbeatInterval    time.Duration // HEARTBEAT_INTERVAL_MS
	CycleWait            time.Duration // PROVER_CYCLE_WAIT_S
	ProverTimeout        time.Duration // PROVER_GONE_TIMEOUT_MS (lease duration requested from the registry)
	LocalProveTimeout    time.Duration // PROVER_TIMEOUT_S
	GetProverDataTimeout time.Duration // PROVER_PREPARE_DATA_INTERVAL_MS (data-readiness wait budget)
}

func defaultProverConfig() ProverConfig {
	return ProverConfig{
		WorkerName:           "",
		RegistryURL:          "http://127.0.0.1:8110",
		WorkerAuthToken:      "",
		MetricsBind:          ":9111",
		LogLevel:             "info",
		HeartbeatInterval:    500 * time.Millisecond,
		CycleWait:            time.Second,
		ProverTimeout:        60 * time.Second,
		LocalProveTimeout:    60 * time.Second,
		GetProverDataTimeout: 30 * time.Second,
	}
}

// ParseProverConfig builds a ProverConfig from env, then lets flags
// override it.
func ParseProverConfig() ProverConfig {
	def := defaultProverConfig()

	cfg := ProverConfig{
		WorkerName:           getenv("PROVER_WORKER_NAME", def.WorkerName),
		RegistryURL:          getenv("PROVER_SERVER_BIND", def.RegistryURL),
		WorkerAuthToken:      getenv("WORKER_AUTH_TOKEN", def.WorkerAuthToken),
		MetricsBind:          getenv("METRICS_BIND", def.MetricsBind),
		LogLevel:             getenv("LOG_LEVEL", def.LogLevel),
		HeartbeatInterval:    getenvMillis("HEARTBEAT_INTERVAL_MS", def.HeartbeatInterval),
		CycleWait:            getenvSeconds("PROVER_CYCLE_WAIT_S", def.CycleWait),
		ProverTimeout:        getenvMillis("PROVER_GONE_TIMEOUT_MS", def.ProverTimeout),
		LocalProveTimeout:    getenvSeconds("PROVER_TIMEOUT_S", def.LocalProveTimeout),
		GetProverDataTimeout: getenvMillis("PROVER_PREPARE_DATA_INTERVAL_MS", def.GetProverDataTimeout),
	}

	flag.StringVar(&cfg.WorkerName, "worker-name", cfg.WorkerName, "this worker's registered name (env PROVER_WORKER_NAME)")
	flag.StringVar(&cfg.RegistryURL, "registry-url", cfg.RegistryURL, "base URL of the coordinator's worker-facing API (env PROVER_SERVER_BIND)")
	flag.StringVar(&cfg.WorkerAuthToken, "worker-auth-token", cfg.WorkerAuthToken, "bearer token presented to the coordinator (env WORKER_AUTH_TOKEN)")
	flag.StringVar(&cfg.MetricsBind, "metrics-bind", cfg.MetricsBind, "Prometheus metrics bind address (env METRICS_BIND)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error (env LOG_LEVEL)")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "heartbeat send interval (env HEARTBEAT_INTERVAL_MS, milliseconds)")
	flag.DurationVar(&cfg.CycleWait, "cycle-wait", cfg.CycleWait, "delay between rounds (env PROVER_CYCLE_WAIT_S, seconds)")
	flag.DurationVar(&cfg.ProverTimeout, "prover-timeout", cfg.ProverTimeout, "lease duration requested from the registry (env PROVER_GONE_TIMEOUT_MS, milliseconds)")
	flag.DurationVar(&cfg.LocalProveTimeout, "local-prove-timeout", cfg.LocalProveTimeout, "wall-clock cap on a single Prove call (env PROVER_TIMEOUT_S, seconds)")
	flag.DurationVar(&cfg.GetProverDataTimeout, "get-prover-data-timeout", cfg.GetProverDataTimeout, "budget to wait for witness data (env PROVER_PREPARE_DATA_INTERVAL_MS, milliseconds)")

	flag.Parse()
	return cfg
}

// Validate checks the prover configuration for obviously broken values.
func (c *ProverConfig) Validate() error {
	if c.WorkerName == "" {
		return fmt.Errorf("PROVER_WORKER_NAME cannot be empty")
	}
	if c.RegistryURL == "" {
		return fmt.Errorf("PROVER_SERVER_BIND cannot be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_MS must be positive")
	}
	if c.CycleWait <= 0 {
		return fmt.Errorf("PROVER_CYCLE_WAIT_S must be positive")
	}
	return nil
}
