package worker

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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"prover-coordination/internal/errs"
)

// fakeClient serves each block in blocks once, in order, then reports none
// available, so a test worker naturally idles once they are used up.
type fakeClient struct {
	mu            sync.Mutex
	blocks        []int64
	nextJobID     int64
	heartbeats    int32
	publishedErr  error
	proverDataErr error
}

func (f *fakeClient) BlockToProve(ctx context.Context, workerName string, timeout time.Duration) (int64, int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.blocks) == 0 {
		return 0, 0, false, nil
	}
	block := f.blocks[0]
	f.blocks = f.blocks[1:]
	f.nextJobID++
	return block, f.nextJobID, true, nil
}

func (f *fakeClient) WorkingOn(ctx context.Context, jobID int64) error {
	atomic.AddInt32(&f.heartbeats, 1)
	return nil
}

func (f *fakeClient) ProverData(ctx context.Context, block int64, timeout time.Duration) ([]byte, error) {
	if f.proverDataErr != nil {
		return nil, f.proverDataErr
	}
	return []byte{byte(block)}, nil
}

func (f *fakeClient) Publish(ctx context.Context, block int64, proof []byte) error {
	return f.publishedErr
}

func TestWorker_CompletesOneRoundThenIdles(t *testing.T) {
	client := &fakeClient{blocks: []int64{1}}
	w := NewWorker(client, DeterministicCircuitProver{}, Config{
		WorkerName:        "A",
		CycleWait:         10 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	if errs.KindOf(err) != errs.Cancelled {
		t.Fatalf("expected a Cancelled error on context deadline, got %v (kind=%v)", err, errs.KindOf(err))
	}
}

func TestWorker_LocalVerificationFailureIsFatal(t *testing.T) {
	client := &fakeClient{blocks: []int64{1}}
	w := NewWorker(client, failingCircuitProver{}, Config{
		WorkerName:        "A",
		CycleWait:         5 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := w.Run(ctx)
	if errs.KindOf(err) != errs.Internal {
		t.Fatalf("expected Internal error, got %v (kind=%v)", err, errs.KindOf(err))
	}
}

func TestWorker_StopSignalYieldsCancelled(t *testing.T) {
	client := &fakeClient{}
	w := NewWorker(client, DeterministicCircuitProver{}, Config{
		WorkerName:        "A",
		CycleWait:         5 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
	}, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Stop()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := w.Run(ctx)
	if errs.KindOf(err) != errs.Cancelled {
		t.Fatalf("expected Cancelled error, got %v", err)
	}
}

func TestWorker_HeartbeatsWhileHoldingJob(t *testing.T) {
	client := &fakeClient{blocks: []int64{1}}
	w := NewWorker(client, slowCircuitProver{delay: 60 * time.Millisecond}, Config{
		WorkerName:        "A",
		CycleWait:         5 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	if atomic.LoadInt32(&client.heartbeats) == 0 {
		t.Fatalf("expected at least one heartbeat while the circuit was proving")
	}
}

type failingCircuitProver struct{}

func (failingCircuitProver) Prove(ctx context.Context, witness []byte) ([]byte, error) {
	return []byte("wrong-proof"), nil
}
func (failingCircuitProver) Verify(proof, witness []byte) bool { return false }

type slowCircuitProver struct{ delay time.Duration }

func (s slowCircuitProver) Prove(ctx context.Context, witness []byte) ([]byte, error) {
	time.Sleep(s.delay)
	return DeterministicCircuitProver{}.Prove(ctx, witness)
}
func (s slowCircuitProver) Verify(proof, witness []byte) bool {
	return DeterministicCircuitProver{}.Verify(proof, witness)
}
