package store

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

// Tests for the store layer: migrations, prover registration, and the
// proving-job lease state machine.

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegisterAndStopProver(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.RegisterProver(ctx, "foo")
	if err != nil {
		t.Fatalf("RegisterProver failed: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected non-zero worker id")
	}

	if err := s.ProverStopped(ctx, id); err != nil {
		t.Fatalf("ProverStopped failed: %v", err)
	}

	got, err := s.GetProver(ctx, id)
	if err != nil {
		t.Fatalf("GetProver failed: %v", err)
	}
	if got.StoppedAt == nil {
		t.Fatalf("expected StoppedAt to be set")
	}

	// Idempotent: calling it again must not error.
	if err := s.ProverStopped(ctx, id); err != nil {
		t.Fatalf("second ProverStopped failed: %v", err)
	}
}

func TestProverStopped_UnknownWorker(t *testing.T) {
	s := newTestStore(t)
	if err := s.ProverStopped(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIngestCommit_IsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.IngestCommit(ctx, 17, now); err != nil {
		t.Fatalf("IngestCommit failed: %v", err)
	}
	if err := s.IngestCommit(ctx, 17, now.Add(time.Minute)); err != nil {
		t.Fatalf("re-ingest failed: %v", err)
	}

	job, err := s.GetJob(ctx, 17)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if !job.CreatedAt.Equal(now) {
		t.Fatalf("re-ingestion must not overwrite created_at: got %v want %v", job.CreatedAt, now)
	}
}

// TestNextUnverifiedCommit_LeaseExpiryAndReclaim exercises scenario S2:
// a held lease is unavailable until prover_timeout elapses, then is
// reclaimed with a fresh job id.
func TestNextUnverifiedCommit_LeaseExpiryAndReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.IngestCommit(ctx, 17, time.Now().UTC()); err != nil {
		t.Fatalf("IngestCommit failed: %v", err)
	}

	block, jobID1, _, err := s.NextUnverifiedCommit(ctx, "A", time.Second)
	if err != nil {
		t.Fatalf("first NextUnverifiedCommit failed: %v", err)
	}
	if block != 17 || jobID1 == 0 {
		t.Fatalf("unexpected first lease: block=%d job_id=%d", block, jobID1)
	}

	if _, _, _, err := s.NextUnverifiedCommit(ctx, "B", time.Second); !errors.Is(err, ErrNoJobAvailable) {
		t.Fatalf("expected ErrNoJobAvailable immediately after lease, got %v", err)
	}

	// Force the heartbeat far enough into the past that the 1s timeout
	// has elapsed without sleeping in the test.
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET heartbeat_at=? WHERE block_number=?`,
		time.Now().UTC().Add(-10*time.Second), 17); err != nil {
		t.Fatalf("failed to age heartbeat: %v", err)
	}

	block, jobID2, reclaimed, err := s.NextUnverifiedCommit(ctx, "B", time.Second)
	if err != nil {
		t.Fatalf("reclaim NextUnverifiedCommit failed: %v", err)
	}
	if block != 17 {
		t.Fatalf("expected reclaim of block 17, got %d", block)
	}
	if jobID2 == jobID1 {
		t.Fatalf("expected a fresh job id on reclaim, got the same %d", jobID1)
	}
	if !reclaimed {
		t.Fatalf("expected reclaimed=true on reclaim")
	}
}

// TestWorkingOn_KeepsLease exercises scenario S3: heartbeats before the
// timeout elapses prevent another worker from reclaiming the lease.
func TestWorkingOn_KeepsLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.IngestCommit(ctx, 5, time.Now().UTC()); err != nil {
		t.Fatalf("IngestCommit failed: %v", err)
	}
	_, jobID, _, err := s.NextUnverifiedCommit(ctx, "A", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NextUnverifiedCommit failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		if err := s.WorkingOn(ctx, jobID); err != nil {
			t.Fatalf("WorkingOn failed: %v", err)
		}
		if _, _, _, err := s.NextUnverifiedCommit(ctx, "B", 50*time.Millisecond); !errors.Is(err, ErrNoJobAvailable) {
			t.Fatalf("expected lease to be held, got %v", err)
		}
	}
}

func TestWorkingOn_StaleJobIDIsSilentNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.WorkingOn(ctx, 123456); err != nil {
		t.Fatalf("WorkingOn on stale job id must not error, got %v", err)
	}
}

// TestPublishProof_LateSubmissionRaces exercises scenario S4: once another
// worker has reclaimed and published, the original holder's publish is
// rejected with ErrAlreadyPublished.
func TestPublishProof_LateSubmissionRaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.IngestCommit(ctx, 17, time.Now().UTC()); err != nil {
		t.Fatalf("IngestCommit failed: %v", err)
	}
	if _, _, _, err := s.NextUnverifiedCommit(ctx, "A", time.Second); err != nil {
		t.Fatalf("lease A failed: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET heartbeat_at=? WHERE block_number=?`,
		time.Now().UTC().Add(-10*time.Second), 17); err != nil {
		t.Fatalf("failed to age heartbeat: %v", err)
	}
	if _, _, _, err := s.NextUnverifiedCommit(ctx, "B", time.Second); err != nil {
		t.Fatalf("lease B failed: %v", err)
	}

	if _, err := s.PublishProof(ctx, 17, []byte("proof-b")); err != nil {
		t.Fatalf("PublishProof by B failed: %v", err)
	}
	if _, err := s.PublishProof(ctx, 17, []byte("proof-a")); !errors.Is(err, ErrAlreadyPublished) {
		t.Fatalf("expected ErrAlreadyPublished for late A publish, got %v", err)
	}
}

func TestPublishProof_LateToFreeJobIsAccepted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.IngestCommit(ctx, 3, time.Now().UTC()); err != nil {
		t.Fatalf("IngestCommit failed: %v", err)
	}
	// No one ever leased block 3; publish must still be accepted per the
	// registry's permissive late-publish contract.
	late, err := s.PublishProof(ctx, 3, []byte("proof"))
	if err != nil {
		t.Fatalf("PublishProof on Free job failed: %v", err)
	}
	if !late {
		t.Fatalf("expected late=true for a publish against a Free job")
	}
	job, err := s.GetJob(ctx, 3)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Lease != "done" {
		t.Fatalf("expected Done lease, got %v", job.Lease)
	}
}

func TestNextUnverifiedCommit_OrderingByBlockThenCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	if err := s.IngestCommit(ctx, 20, base); err != nil {
		t.Fatal(err)
	}
	if err := s.IngestCommit(ctx, 10, base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	block, _, _, err := s.NextUnverifiedCommit(ctx, "A", time.Second)
	if err != nil {
		t.Fatalf("NextUnverifiedCommit failed: %v", err)
	}
	if block != 10 {
		t.Fatalf("expected lowest block_number 10 first, got %d", block)
	}
}

func TestProverDataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetProverData(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before materialization, got %v", err)
	}
	if err := s.PutProverData(ctx, 1, []byte("witness-blob")); err != nil {
		t.Fatalf("PutProverData failed: %v", err)
	}
	got, err := s.GetProverData(ctx, 1)
	if err != nil {
		t.Fatalf("GetProverData failed: %v", err)
	}
	if string(got) != "witness-blob" {
		t.Fatalf("witness mismatch: got %q", got)
	}
}
