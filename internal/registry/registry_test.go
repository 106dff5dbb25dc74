package registry

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
	"errors"
	"path/filepath"
	"testing"
	"time"

	"prover-coordination/internal/registry/store"
	"prover-coordination/pkg/coordination"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	st, err := store.Open(ctx, filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return New(st, DeterministicWitnessOracle{}, nil)
}

func TestRegisterProver_EmptyNameRejected(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.RegisterProver(context.Background(), ""); !errors.Is(err, ErrEmptyWorkerName) {
		t.Fatalf("expected ErrEmptyWorkerName, got %v", err)
	}
}

// TestRegisterAndStop exercises scenario S1.
func TestRegisterAndStop(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.RegisterProver(ctx, "foo")
	if err != nil {
		t.Fatalf("RegisterProver failed: %v", err)
	}
	if err := r.ProverStopped(ctx, id); err != nil {
		t.Fatalf("ProverStopped failed: %v", err)
	}
}

func TestIngestCommit_EmitsCommitOperation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.IngestCommit(ctx, 42); err != nil {
		t.Fatalf("IngestCommit failed: %v", err)
	}

	select {
	case op := <-r.Operations():
		if op.Block != 42 || op.Action != coordination.ActionCommit {
			t.Fatalf("unexpected operation: %+v", op)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Commit operation")
	}
}

func TestPublishProof_EmitsVerifyOperation_AndRejectsDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.IngestCommit(ctx, 7); err != nil {
		t.Fatalf("IngestCommit failed: %v", err)
	}
	<-r.Operations() // drain the Commit

	if err := r.PublishProof(ctx, 7, []byte("proof")); err != nil {
		t.Fatalf("PublishProof failed: %v", err)
	}

	select {
	case op := <-r.Operations():
		if op.Block != 7 || op.Action != coordination.ActionVerify {
			t.Fatalf("unexpected operation: %+v", op)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Verify operation")
	}

	if err := r.PublishProof(ctx, 7, []byte("proof-2")); !errors.Is(err, ErrAlreadyPublished) {
		t.Fatalf("expected ErrAlreadyPublished, got %v", err)
	}
}

// TestNextUnverifiedCommit_RoundTripLaw: publish_proof(B, P) followed by
// any next_unverified_commit never returns B.
func TestNextUnverifiedCommit_RoundTripLaw(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.IngestCommit(ctx, 9); err != nil {
		t.Fatal(err)
	}
	if err := r.PublishProof(ctx, 9, []byte("p")); err != nil {
		t.Fatal(err)
	}
	<-r.Operations()
	<-r.Operations()

	_, _, found, err := r.NextUnverifiedCommit(ctx, "A", time.Second)
	if err != nil {
		t.Fatalf("NextUnverifiedCommit failed: %v", err)
	}
	if found {
		t.Fatalf("expected no job available, Done jobs must never be reselected")
	}
}

func TestProverData_TimeoutWhenNeverMaterialized(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.oracle = blockingOracle{}

	if err := r.IngestCommit(ctx, 1); err != nil {
		t.Fatal(err)
	}
	<-r.Operations()

	_, err := r.ProverData(ctx, 1, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestProverData_UnknownBlockNotFound(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.ProverData(context.Background(), 1234, time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProverData_DeterministicAcrossCalls(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	if err := r.IngestCommit(ctx, 55); err != nil {
		t.Fatal(err)
	}
	<-r.Operations()

	a, err := r.ProverData(ctx, 55, time.Second)
	if err != nil {
		t.Fatalf("first ProverData failed: %v", err)
	}
	b, err := r.ProverData(ctx, 55, time.Second)
	if err != nil {
		t.Fatalf("second ProverData failed: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected deterministic witness, got %x vs %x", a, b)
	}
}

// blockingOracle never produces data, used to exercise the ProverData
// timeout path deterministically.
type blockingOracle struct{}

func (blockingOracle) Generate(ctx context.Context, block int64) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
