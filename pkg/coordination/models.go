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

// Package coordination contains the shared data models used by the job
// registry, the prover worker, and the event notifier.
package coordination

import "time"

// LeaseState is the lifecycle state of a Proving Job's lease.
type LeaseState string

const (
	LeaseFree LeaseState = "free"
	LeaseHeld LeaseState = "held"
	LeaseDone LeaseState = "done"
)

// Valid reports whether s is one of the allowed lease states.
func (s LeaseState) Valid() bool {
	switch s {
	case LeaseFree, LeaseHeld, LeaseDone:
		return true
	default:
		return false
	}
}

func (s LeaseState) String() string { return string(s) }

// Action is the lifecycle stage a subscription fires on, and the kind of
// Operation emitted by the state keeper.
type Action string

const (
	ActionCommit Action = "COMMIT"
	ActionVerify Action = "VERIFY"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCommit, ActionVerify:
		return true
	default:
		return false
	}
}

func (a Action) String() string { return string(a) }

// Job is a Registry entry binding a block to its lease state and eventual
// proof. JobID is a positive, process-lifetime-unique integer; 0 is never
// a valid job id and is reserved as the "no current job" sentinel used on
// the worker's heartbeat channel.
type Job struct {
	BlockNumber   int64
	JobID         int64
	CreatedAt     time.Time
	Lease         LeaseState
	WorkerName    string
	HeartbeatAt   time.Time
	Proof         []byte
}

// Prover is a worker registration record.
type Prover struct {
	WorkerID   int64
	WorkerName string
	StartedAt  time.Time
	StoppedAt  *time.Time
}

// Operation is a block-level event emitted by the state keeper (Commit) or
// re-emitted by the Registry once a proof has been published (Verify).
type Operation struct {
	Block           int64
	Action          Action
	AccountsUpdated []string
}

// ExecutedOpsNotify is a per-transaction completion notification fired as
// the state keeper finalizes the contents of a mini-block, ahead of the
// block's own Commit operation.
type ExecutedOpsNotify struct {
	Block        int64
	TxHashes     []string
	PriorityOps  []int64
	Success      bool
}

// SubscriptionKind identifies which of the three subscription families a
// Subscription belongs to.
type SubscriptionKind string

const (
	SubscriptionTx         SubscriptionKind = "tx"
	SubscriptionPriorityOp SubscriptionKind = "priority_op"
	SubscriptionAccount    SubscriptionKind = "account"
)

// Subscription is a single pending subscriber interest, removed the
// instant it fires.
type Subscription struct {
	ID     string
	Kind   SubscriptionKind
	Action Action

	// exactly one of these is populated, selected by Kind.
	TxHash     string
	SerialID   int64
	Address    string

	Sink func(payload any)
}

// TransactionInfoResp is the notification payload for tx_subscribe.
type TransactionInfoResp struct {
	Hash   string `json:"hash"`
	Block  int64  `json:"block"`
	Action Action `json:"action"`
}

// ETHOpInfoResp is the notification payload for ethop_subscribe.
type ETHOpInfoResp struct {
	SerialID int64  `json:"serial_id"`
	Block    int64  `json:"block"`
	Action   Action `json:"action"`
}

// ResponseAccountState is the notification payload for account_subscribe:
// the full account state at the point the account's containing block
// reaches the subscribed action.
type ResponseAccountState struct {
	Address string         `json:"address"`
	Block   int64          `json:"block"`
	Action  Action         `json:"action"`
	Balance map[string]string `json:"balances"`
	Nonce   int64          `json:"nonce"`
}
