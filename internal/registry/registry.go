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

// Package registry implements the Job Registry: the authoritative store
// of blocks-awaiting-proof, their lease state, and completed proofs.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"prover-coordination/internal/metrics"
	"prover-coordination/internal/registry/store"
	"prover-coordination/pkg/coordination"
)

// ErrEmptyWorkerName is returned by RegisterProver for an empty worker
// name; the registry refuses empty names.
var ErrEmptyWorkerName = errors.New("worker_name must not be empty")

// ErrTimeout is returned by ProverData when the witness oracle has not
// materialized the block's data within the requested timeout.
var ErrTimeout = errors.New("timeout waiting for prover data")

// Re-exported so callers only need to import this package.
var (
	ErrNotFound         = store.ErrNotFound
	ErrAlreadyPublished = store.ErrAlreadyPublished
	ErrNoJobAvailable   = store.ErrNoJobAvailable
)

// WitnessOracle materializes the opaque witness blob a worker needs to
// construct a proof for a block. Two calls for the same block must return
// equal blobs.
type WitnessOracle interface {
	Generate(ctx context.Context, block int64) ([]byte, error)
}

// DeterministicWitnessOracle is a stand-in witness generator used when no
// real circuit backend is wired in: it derives a deterministic blob from
// the block number alone, mirroring the reference system's dummy prover
// data path.
type DeterministicWitnessOracle struct{}

func (DeterministicWitnessOracle) Generate(_ context.Context, block int64) ([]byte, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(block))
	sum := sha256.Sum256(buf[:])
	return sum[:], nil
}

// defaultWitnessPollInterval is how often ProverData re-checks the store
// while waiting for the background materializer to finish, unless
// overridden by SetPollInterval (sourced from PROVER_PREPARE_DATA_INTERVAL_MS).
const defaultWitnessPollInterval = 50 * time.Millisecond

// operationsBufferSize bounds the internal Commit/Verify event stream fed
// to the Event Notifier. Unlike the Notifier's subscriber-facing command
// channel, this is a trusted internal pipe between two components owned
// by the same process, so it blocks rather than drops on overflow.
const operationsBufferSize = 4096

// Registry is the Job Registry component.
type Registry struct {
	store  *store.Store
	oracle WitnessOracle
	logger *slog.Logger

	pollInterval time.Duration
	operations   chan coordination.Operation
}

// New constructs a Registry over st, materializing witnesses with oracle.
func New(st *store.Store, oracle WitnessOracle, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:        st,
		oracle:       oracle,
		logger:       logger,
		pollInterval: defaultWitnessPollInterval,
		operations:   make(chan coordination.Operation, operationsBufferSize),
	}
}

// SetPollInterval overrides how often ProverData re-checks the store while
// waiting on witness materialization.
func (r *Registry) SetPollInterval(d time.Duration) {
	if d > 0 {
		r.pollInterval = d
	}
}

// Operations returns the Registry's outgoing Commit/Verify event stream,
// consumed by the Event Notifier in commit order.
func (r *Registry) Operations() <-chan coordination.Operation {
	return r.operations
}

// IngestCommit records block as committed, creating a Free Job iff one
// does not already exist, emits a Commit Operation, and kicks off
// background witness materialization for it.
func (r *Registry) IngestCommit(ctx context.Context, block int64) error {
	if err := r.store.IngestCommit(ctx, block, time.Now().UTC()); err != nil {
		return fmt.Errorf("ingest commit: %w", err)
	}
	r.emit(coordination.Operation{Block: block, Action: coordination.ActionCommit})

	go func() {
		materializeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		witness, err := r.oracle.Generate(materializeCtx, block)
		if err != nil {
			r.logger.Error("witness generation failed", slog.Int64("block", block), slog.Any("error", err))
			return
		}
		if err := r.store.PutProverData(materializeCtx, block, witness); err != nil {
			r.logger.Error("failed to persist witness", slog.Int64("block", block), slog.Any("error", err))
		}
	}()

	return nil
}

func (r *Registry) emit(op coordination.Operation) {
	r.operations <- op
}

// RegisterProver records a new worker registration.
func (r *Registry) RegisterProver(ctx context.Context, workerName string) (int64, error) {
	if workerName == "" {
		return 0, ErrEmptyWorkerName
	}
	id, err := r.store.RegisterProver(ctx, workerName)
	if err != nil {
		return 0, fmt.Errorf("register prover: %w", err)
	}
	return id, nil
}

// ProverStopped marks a worker as stopped. Idempotent.
func (r *Registry) ProverStopped(ctx context.Context, workerID int64) error {
	if err := r.store.ProverStopped(ctx, workerID); err != nil {
		return fmt.Errorf("prover stopped: %w", err)
	}
	return nil
}

// NextUnverifiedCommit atomically selects and leases the next eligible
// Job for workerName, or reports that none is available.
func (r *Registry) NextUnverifiedCommit(ctx context.Context, workerName string, proverTimeout time.Duration) (block int64, jobID int64, found bool, err error) {
	var reclaimed bool
	block, jobID, reclaimed, err = r.store.NextUnverifiedCommit(ctx, workerName, proverTimeout)
	if errors.Is(err, store.ErrNoJobAvailable) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("next unverified commit: %w", err)
	}
	if reclaimed {
		metrics.IncLeaseReclaim(workerName)
	}
	return block, jobID, true, nil
}

// WorkingOn refreshes the heartbeat for jobID. job_id == 0 (the "no
// current job" sentinel) is always a silent no-op.
func (r *Registry) WorkingOn(ctx context.Context, jobID int64) error {
	if jobID == 0 {
		return nil
	}
	if err := r.store.WorkingOn(ctx, jobID); err != nil {
		return fmt.Errorf("working on: %w", err)
	}
	return nil
}

// ProverData blocks up to timeout waiting for the witness blob for block
// to be materialized. Returns ErrNotFound if the block has no Job at all,
// ErrTimeout if the timeout elapses first.
func (r *Registry) ProverData(ctx context.Context, block int64, timeout time.Duration) ([]byte, error) {
	if _, err := r.store.GetJob(ctx, block); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("prover data: %w", err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		witness, err := r.store.GetProverData(ctx, block)
		if err == nil {
			return witness, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("prover data: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PublishProof transitions the Job for block to Done and emits a Verify
// Operation. Returns ErrAlreadyPublished if the Job is already Done.
func (r *Registry) PublishProof(ctx context.Context, block int64, proof []byte) error {
	late, err := r.store.PublishProof(ctx, block, proof)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyPublished) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("publish proof: %w", err)
	}
	metrics.IncProofPublished(late)
	r.emit(coordination.Operation{Block: block, Action: coordination.ActionVerify})
	return nil
}
