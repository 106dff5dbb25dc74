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

// Package worker implements the Prover Worker: a stateless client of the
// Job Registry that runs a sequential rounds loop computing proofs,
// coupled to a parallel heartbeat loop, communicating only through a
// single-capacity (job_id, quit) channel.
package worker

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"prover-coordination/internal/errs"
	"prover-coordination/internal/metrics"
)

var (
	errStopRequested           = errors.New("stop requested")
	errLocalVerificationFailed = errors.New("proof failed local verification")
)

// ApiClient is the Prover Worker's view of the Job Registry.
type ApiClient interface {
	BlockToProve(ctx context.Context, workerName string, proverTimeout time.Duration) (block int64, jobID int64, found bool, err error)
	WorkingOn(ctx context.Context, jobID int64) error
	ProverData(ctx context.Context, block int64, timeout time.Duration) ([]byte, error)
	Publish(ctx context.Context, block int64, proof []byte) error
}

// CircuitProver is the opaque zk-SNARK construction oracle: it builds a
// proof from a witness and can locally self-check it. This boundary is
// explicitly out of scope for the coordination core (§1); the worker only
// depends on this interface.
type CircuitProver interface {
	Prove(ctx context.Context, witness []byte) (proof []byte, err error)
	Verify(proof, witness []byte) bool
}

// DeterministicCircuitProver is a stand-in CircuitProver used when no real
// circuit backend is wired in: the "proof" is a digest of the witness, and
// verification recomputes the same digest. It exists so the worker and
// registry can be exercised end-to-end without a real proving system,
// mirroring the reference system's dummy prover.
type DeterministicCircuitProver struct{}

func (DeterministicCircuitProver) Prove(_ context.Context, witness []byte) ([]byte, error) {
	sum := sha256.Sum256(witness)
	return sum[:], nil
}

func (DeterministicCircuitProver) Verify(proof, witness []byte) bool {
	want := sha256.Sum256(witness)
	return subtle.ConstantTimeCompare(proof, want[:]) == 1
}

// Config configures a single Prover Worker instance.
type Config struct {
	WorkerName           string
	CycleWait            time.Duration
	HeartbeatInterval    time.Duration
	ProverTimeout        time.Duration
	GetProverDataTimeout time.Duration
	// LocalProveTimeout bounds a single CircuitProver.Prove call, sourced
	// from PROVER_TIMEOUT_S. It is independent of ProverTimeout, which is
	// instead the lease duration reported to the registry.
	LocalProveTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.CycleWait <= 0 {
		c.CycleWait = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 500 * time.Millisecond
	}
	if c.ProverTimeout <= 0 {
		c.ProverTimeout = 30 * time.Second
	}
	if c.GetProverDataTimeout <= 0 {
		c.GetProverDataTimeout = 30 * time.Second
	}
	if c.LocalProveTimeout <= 0 {
		c.LocalProveTimeout = 60 * time.Second
	}
}

// heartbeatSignal is sent from the rounds stream to the heartbeat stream.
// job_id == 0 means "no current job"; Quit is sent exactly once, when the
// rounds stream itself exits.
type heartbeatSignal struct {
	jobID int64
	quit  bool
}

// Worker is a long-lived process pinned to one worker name.
type Worker struct {
	cfg     Config
	client  ApiClient
	circuit CircuitProver
	logger  *slog.Logger

	stopping atomic.Bool
	signals  chan heartbeatSignal
}

// NewWorker constructs a Worker. client and circuit must not be nil.
func NewWorker(client ApiClient, circuit CircuitProver, cfg Config, logger *slog.Logger) *Worker {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:     cfg,
		client:  client,
		circuit: circuit,
		logger:  logger,
		signals: make(chan heartbeatSignal, 1),
	}
}

// Stop requests a graceful shutdown. It is level-triggered: the rounds
// stream checks it between every sleep and every network call.
func (w *Worker) Stop() {
	w.stopping.Store(true)
}

// Run drives both streams until the rounds stream exits — on an Internal
// error, on Stop, or on ctx cancellation — and returns that terminal
// error. The heartbeat stream always receives exactly one quit signal.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.keepSendingWorkHeartbeats(ctx)
	}()

	err := w.runRounds(ctx)
	w.sendSignal(heartbeatSignal{quit: true})
	wg.Wait()
	return err
}

func (w *Worker) sendSignal(sig heartbeatSignal) {
	// The channel is single-capacity; drop a stale pending signal so the
	// most recent one always wins, rather than blocking the rounds
	// stream on a slow heartbeat stream.
	select {
	case <-w.signals:
	default:
	}
	w.signals <- sig
}

func (w *Worker) runRounds(ctx context.Context) error {
	for {
		if w.stopping.Load() {
			return errs.New(errs.Cancelled, errStopRequested)
		}
		select {
		case <-ctx.Done():
			return errs.New(errs.Cancelled, ctx.Err())
		default:
		}

		started := time.Now()
		err := w.nextRound(ctx)
		if err != nil {
			switch errs.KindOf(err) {
			case errs.Internal:
				w.logger.Error("worker round failed fatally", slog.Any("error", err))
				metrics.ObserveWorkerRound("internal_error", time.Since(started))
				return err
			case errs.Cancelled:
				metrics.ObserveWorkerRound("cancelled", time.Since(started))
				return err
			default:
				w.logger.Warn("worker round failed transiently, continuing", slog.Any("error", err))
				metrics.ObserveWorkerRound("transient_error", time.Since(started))
			}
		} else {
			metrics.ObserveWorkerRound("ok", time.Since(started))
		}

		if w.stopping.Load() {
			return errs.New(errs.Cancelled, errStopRequested)
		}
		select {
		case <-ctx.Done():
			return errs.New(errs.Cancelled, ctx.Err())
		case <-time.After(w.cfg.CycleWait):
		}
	}
}

// nextRound runs one fetch-job, compute-proof, publish cycle.
func (w *Worker) nextRound(ctx context.Context) error {
	block, jobID, found, err := w.client.BlockToProve(ctx, w.cfg.WorkerName, w.cfg.ProverTimeout)
	if err != nil {
		return errs.New(errs.Transient, err)
	}
	if !found {
		w.sendSignal(heartbeatSignal{jobID: 0})
		return nil
	}
	w.sendSignal(heartbeatSignal{jobID: jobID})

	if w.stopping.Load() {
		return errs.New(errs.Cancelled, errStopRequested)
	}
	witness, err := w.client.ProverData(ctx, block, w.cfg.GetProverDataTimeout)
	if err != nil {
		return errs.New(errs.Transient, err)
	}

	proveCtx, cancel := context.WithTimeout(ctx, w.cfg.LocalProveTimeout)
	proof, err := w.circuit.Prove(proveCtx, witness)
	cancel()
	if err != nil {
		return errs.New(errs.Internal, err)
	}

	if !w.circuit.Verify(proof, witness) {
		return errs.New(errs.Internal, errLocalVerificationFailed)
	}

	if w.stopping.Load() {
		return errs.New(errs.Cancelled, errStopRequested)
	}
	if err := w.client.Publish(ctx, block, proof); err != nil {
		return errs.New(errs.Transient, err)
	}
	return nil
}

// keepSendingWorkHeartbeats holds the last-received job_id as local state
// and does not share mutable state with the rounds stream beyond the
// signals channel and the stop flag.
func (w *Worker) keepSendingWorkHeartbeats(ctx context.Context) {
	var currentJobID int64
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-w.signals:
			if sig.quit {
				return
			}
			currentJobID = sig.jobID
		case <-ticker.C:
			if currentJobID == 0 {
				continue
			}
			if err := w.client.WorkingOn(ctx, currentJobID); err != nil {
				w.logger.Warn("heartbeat failed, continuing", slog.Int64("job_id", currentJobID), slog.Any("error", err))
			}
		case <-ctx.Done():
			return
		}
	}
}
