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

// Package store provides the SQLite-backed persistence layer for the job
// registry: schema migrations, the proving-job lease state machine, and
// worker registration bookkeeping.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"prover-coordination/pkg/coordination"
)

const defaultBusyTimeout = 5 * time.Second

var (
	// ErrNotFound indicates no row matched the query.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyPublished indicates publish_proof was called for a block
	// whose Job is already in the Done state.
	ErrAlreadyPublished = errors.New("already published")

	// ErrNoJobAvailable indicates next_unverified_commit found no Free or
	// expired-Held job to select.
	ErrNoJobAvailable = errors.New("no job available")
)

// Store wraps a SQLite database connection and provides typed accessors
// for the registry's tables.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a serializable transaction, rolling back on
// error or panic and committing otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_id_seq (
  id INTEGER PRIMARY KEY AUTOINCREMENT
);`,
		// jobs is keyed by block_number: one row per committed block, for
		// its whole lifetime. job_id is the current lease token, reissued
		// on every transition into Held.
		`CREATE TABLE IF NOT EXISTS jobs (
  block_number  INTEGER PRIMARY KEY,
  job_id        INTEGER NOT NULL DEFAULT 0,
  status        TEXT NOT NULL CHECK (status IN ('free','held','done')),
  created_at    TIMESTAMP NOT NULL,
  worker_name   TEXT NULL,
  heartbeat_at  TIMESTAMP NULL,
  proof         BLOB NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_order ON jobs(status, block_number, created_at);`,
		`CREATE TABLE IF NOT EXISTS provers (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  worker_name TEXT NOT NULL,
  started_at TIMESTAMP NOT NULL,
  stopped_at TIMESTAMP NULL
);`,
		`CREATE TABLE IF NOT EXISTS prover_data (
  block_number INTEGER PRIMARY KEY REFERENCES jobs(block_number) ON DELETE CASCADE,
  witness      BLOB NOT NULL,
  created_at   TIMESTAMP NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Provers ---------------

// RegisterProver inserts a new worker registration and returns its id.
func (s *Store) RegisterProver(ctx context.Context, workerName string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO provers(worker_name, started_at) VALUES(?, ?)`, workerName, now)
	if err != nil {
		return 0, fmt.Errorf("register prover: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("register prover: %w", err)
	}
	return id, nil
}

// ProverStopped marks a worker as stopped. Idempotent: calling it again on
// an already-stopped worker is a no-op success. Returns ErrNotFound if the
// worker id is unknown.
func (s *Store) ProverStopped(ctx context.Context, workerID int64) error {
	var stoppedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT stopped_at FROM provers WHERE id=?`, workerID).Scan(&stoppedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup prover: %w", err)
	}
	if stoppedAt.Valid {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `UPDATE provers SET stopped_at=? WHERE id=?`, time.Now().UTC(), workerID)
	if err != nil {
		return fmt.Errorf("mark prover stopped: %w", err)
	}
	return nil
}

// GetProver fetches a worker registration by id.
func (s *Store) GetProver(ctx context.Context, workerID int64) (*coordination.Prover, error) {
	var (
		name      string
		startedAt time.Time
		stoppedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT worker_name, started_at, stopped_at FROM provers WHERE id=?`, workerID).
		Scan(&name, &startedAt, &stoppedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prover: %w", err)
	}
	p := &coordination.Prover{WorkerID: workerID, WorkerName: name, StartedAt: startedAt.UTC()}
	if stoppedAt.Valid {
		t := stoppedAt.Time.UTC()
		p.StoppedAt = &t
	}
	return p, nil
}

// --------------- Jobs / leasing ---------------

// IngestCommit creates a Free Job for block iff none exists yet.
// Re-ingestion of the same block is a no-op.
func (s *Store) IngestCommit(ctx context.Context, block int64, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(block_number, job_id, status, created_at) VALUES(?, 0, 'free', ?)
ON CONFLICT(block_number) DO NOTHING`, block, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("ingest commit: %w", err)
	}
	return nil
}

// NextUnverifiedCommit atomically selects the lowest-block-number Job that
// is Free, or Held with a heartbeat older than proverTimeout, transitions
// it to Held under workerName with a freshly allocated job_id, and returns
// the (block, job_id) pair. Returns ErrNoJobAvailable if none qualifies.
func (s *Store) NextUnverifiedCommit(ctx context.Context, workerName string, proverTimeout time.Duration) (block int64, jobID int64, reclaimed bool, err error) {
	now := time.Now().UTC()
	cutoff := now.Add(-proverTimeout)

	txErr := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT block_number, status FROM jobs
WHERE status='free' OR (status='held' AND heartbeat_at < ?)
ORDER BY block_number ASC, created_at ASC LIMIT 1`
		var candidate int64
		var priorStatus string
		if err := tx.QueryRowContext(ctx, sel, cutoff).Scan(&candidate, &priorStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNoJobAvailable
			}
			return fmt.Errorf("select candidate job: %w", err)
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO job_id_seq DEFAULT VALUES`)
		if err != nil {
			return fmt.Errorf("allocate job id: %w", err)
		}
		newJobID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("allocate job id: %w", err)
		}

		const upd = `UPDATE jobs SET status='held', job_id=?, worker_name=?, heartbeat_at=?
WHERE block_number=? AND (status='free' OR (status='held' AND heartbeat_at < ?))`
		ures, err := tx.ExecContext(ctx, upd, newJobID, workerName, now, candidate, cutoff)
		if err != nil {
			return fmt.Errorf("acquire job: %w", err)
		}
		affected, _ := ures.RowsAffected()
		if affected != 1 {
			// Lost the race to another worker between select and update.
			return ErrNoJobAvailable
		}

		block = candidate
		jobID = newJobID
		reclaimed = priorStatus == "held"
		return nil
	})
	if txErr != nil {
		return 0, 0, false, txErr
	}
	return block, jobID, reclaimed, nil
}

// WorkingOn refreshes the heartbeat for the Job identified by jobID, iff
// it is currently Held under that exact job_id. A stale job_id (because
// the lease was reclaimed) is accepted silently: rows affected may be 0
// and that is not an error.
func (s *Store) WorkingOn(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at=? WHERE job_id=? AND status='held'`, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("working on: %w", err)
	}
	return nil
}

// PublishProof transitions the Job for block to Done, storing proof.
// Returns ErrAlreadyPublished if the Job is already Done. Succeeds
// regardless of which (if any) worker currently holds the lease — a late
// submission to a Free or re-leased job is accepted, per the registry's
// permissive lease contract.
func (s *Store) PublishProof(ctx context.Context, block int64, proof []byte) (late bool, err error) {
	txErr := s.WithTx(ctx, func(tx *sql.Tx) error {
		var priorStatus string
		qerr := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE block_number=?`, block).Scan(&priorStatus)
		if errors.Is(qerr, sql.ErrNoRows) {
			return ErrNotFound
		}
		if qerr != nil {
			return fmt.Errorf("lookup job: %w", qerr)
		}
		if priorStatus == "done" {
			return ErrAlreadyPublished
		}

		res, uerr := tx.ExecContext(ctx,
			`UPDATE jobs SET status='done', proof=? WHERE block_number=? AND status != 'done'`, proof, block)
		if uerr != nil {
			return fmt.Errorf("publish proof: %w", uerr)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			// Raced with another publish between the lookup and the update.
			return ErrAlreadyPublished
		}

		// A publish against a Free job means the job was never leased at
		// all. An expired lease stays 'held' until the next selection
		// reclaims it, so a publish after a lapsed lease is not reported
		// as late.
		late = priorStatus == "free"
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return late, nil
}

// GetJob fetches the current state of the Job for block.
func (s *Store) GetJob(ctx context.Context, block int64) (*coordination.Job, error) {
	var (
		jobID       int64
		status      string
		createdAt   time.Time
		workerName  sql.NullString
		heartbeatAt sql.NullTime
		proof       []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, status, created_at, worker_name, heartbeat_at, proof FROM jobs WHERE block_number=?`, block).
		Scan(&jobID, &status, &createdAt, &workerName, &heartbeatAt, &proof)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	j := &coordination.Job{
		BlockNumber: block,
		JobID:       jobID,
		Lease:       coordination.LeaseState(status),
		CreatedAt:   createdAt.UTC(),
		Proof:       proof,
	}
	if workerName.Valid {
		j.WorkerName = workerName.String
	}
	if heartbeatAt.Valid {
		j.HeartbeatAt = heartbeatAt.Time.UTC()
	}
	return j, nil
}

// --------------- Prover data (witness) ---------------

// PutProverData stores the materialized witness blob for block.
func (s *Store) PutProverData(ctx context.Context, block int64, witness []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prover_data(block_number, witness, created_at) VALUES(?, ?, ?)
ON CONFLICT(block_number) DO UPDATE SET witness=excluded.witness, created_at=excluded.created_at`,
		block, witness, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put prover data: %w", err)
	}
	return nil
}

// GetProverData returns the witness blob for block, or ErrNotFound if it
// has not been materialized yet.
func (s *Store) GetProverData(ctx context.Context, block int64) ([]byte, error) {
	var witness []byte
	err := s.db.QueryRowContext(ctx, `SELECT witness FROM prover_data WHERE block_number=?`, block).Scan(&witness)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prover data: %w", err)
	}
	return witness, nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
