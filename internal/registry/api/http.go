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

// Package api implements the Job Registry's worker-facing HTTP surface:
//
//	POST /register
//	POST /stopped
//	POST /block_to_prove
//	POST /working_on
//	POST /prover_data
//	POST /publish
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"prover-coordination/internal/metrics"
	"prover-coordination/internal/registry"
)

// Registry defines the Job Registry operations the HTTP layer needs.
type Registry interface {
	RegisterProver(ctx context.Context, workerName string) (int64, error)
	ProverStopped(ctx context.Context, workerID int64) error
	NextUnverifiedCommit(ctx context.Context, workerName string, proverTimeout time.Duration) (block int64, jobID int64, found bool, err error)
	WorkingOn(ctx context.Context, jobID int64) error
	ProverData(ctx context.Context, block int64, timeout time.Duration) ([]byte, error)
	PublishProof(ctx context.Context, block int64, proof []byte) error
}

// API is the HTTP layer for the Job Registry.
type API struct {
	Registry Registry
	Logger   *slog.Logger

	// AuthToken, if non-empty, is required as a Bearer token on every
	// request. Empty disables authentication (suitable for local/dev use
	// and for the existing test suite, which exercises no credentials).
	AuthToken string
}

// New constructs an API over reg.
func New(reg Registry, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{Registry: reg, Logger: logger}
}

// Register attaches the registry's handlers to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/register", a.withAuth(a.withMetrics(metrics.OpRegisterProver, a.handleRegister)))
	mux.HandleFunc("/stopped", a.withAuth(a.withMetrics(metrics.OpProverStopped, a.handleStopped)))
	mux.HandleFunc("/block_to_prove", a.withAuth(a.withMetrics(metrics.OpNextUnverified, a.handleBlockToProve)))
	mux.HandleFunc("/working_on", a.withAuth(a.withMetrics(metrics.OpWorkingOn, a.handleWorkingOn)))
	mux.HandleFunc("/prover_data", a.withAuth(a.withMetrics(metrics.OpProverData, a.handleProverData)))
	mux.HandleFunc("/publish", a.withAuth(a.withMetrics(metrics.OpPublishProof, a.handlePublish)))
}

// withAuth enforces a Bearer token match against AuthToken using a
// constant-time comparison. A no-op when AuthToken is empty.
func (a *API) withAuth(h http.HandlerFunc) http.HandlerFunc {
	if a.AuthToken == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		presented := strings.TrimPrefix(header, prefix)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(a.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		h(w, r)
	}
}

// --------------- Wire models ---------------

type registerRequest struct {
	WorkerName string `json:"worker_name"`
}

type registerResponse struct {
	WorkerID int64 `json:"worker_id"`
}

type stoppedRequest struct {
	WorkerID int64 `json:"worker_id"`
}

type blockToProveRequest struct {
	WorkerName      string `json:"worker_name"`
	ProverTimeoutMs int64  `json:"prover_timeout_ms"`
}

type blockToProveResponse struct {
	Block int64 `json:"block"`
	JobID int64 `json:"job_id"`
}

type workingOnRequest struct {
	JobID int64 `json:"job_id"`
}

type proverDataRequest struct {
	Block     int64 `json:"block"`
	TimeoutMs int64 `json:"timeout_ms"`
}

type publishRequest struct {
	Block int64  `json:"block"`
	Proof []byte `json:"proof"`
}

type jsonError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonError{Error: msg})
}

func (a *API) withMetrics(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		metrics.ObserveRegistryOp(op, sw.status, time.Since(started))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// --------------- Handlers ---------------

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := a.Registry.RegisterProver(r.Context(), req.WorkerName)
	if err != nil {
		if errors.Is(err, registry.ErrEmptyWorkerName) {
			writeError(w, http.StatusBadRequest, "worker_name must not be empty")
			return
		}
		a.Logger.Error("register_prover failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{WorkerID: id})
}

func (a *API) handleStopped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req stoppedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.Registry.ProverStopped(r.Context(), req.WorkerID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown worker_id")
			return
		}
		a.Logger.Error("prover_stopped failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (a *API) handleBlockToProve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req blockToProveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerName == "" {
		writeError(w, http.StatusBadRequest, "worker_name must not be empty")
		return
	}
	timeout := time.Duration(req.ProverTimeoutMs) * time.Millisecond
	block, jobID, found, err := a.Registry.NextUnverifiedCommit(r.Context(), req.WorkerName, timeout)
	if err != nil {
		a.Logger.Error("next_unverified_commit failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, blockToProveResponse{Block: block, JobID: jobID})
}

func (a *API) handleWorkingOn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req workingOnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.Registry.WorkingOn(r.Context(), req.JobID); err != nil {
		a.Logger.Error("working_on failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (a *API) handleProverData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req proverDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	witness, err := a.Registry.ProverData(r.Context(), req.Block, timeout)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown block")
		case errors.Is(err, registry.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, "timed out waiting for prover data")
		default:
			a.Logger.Error("prover_data failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(witness)
}

func (a *API) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.Registry.PublishProof(r.Context(), req.Block, req.Proof); err != nil {
		switch {
		case errors.Is(err, registry.ErrAlreadyPublished):
			writeError(w, http.StatusConflict, "already published")
		case errors.Is(err, registry.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown block")
		default:
			a.Logger.Error("publish_proof failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
