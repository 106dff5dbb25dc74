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

// Package notifier implements the Event Notifier: a single-threaded
// cooperative loop that matches committed/verified operations against
// live subscriptions and dispatches one-shot notifications.
package notifier

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"prover-coordination/internal/metrics"
	"prover-coordination/pkg/coordination"
)

// StateLookup is the Notifier's view of the state keeper's storage,
// consulted at subscribe time (to discover an event already happened)
// and to resolve account-state payloads on a cache miss.
type StateLookup interface {
	TxStatus(ctx context.Context, hash string) (block int64, action coordination.Action, found bool, err error)
	PriorityOpStatus(ctx context.Context, serialID int64) (block int64, action coordination.Action, found bool, err error)
	AccountStatus(ctx context.Context, address string) (block int64, action coordination.Action, found bool, err error)
	AccountState(ctx context.Context, address string, action coordination.Action) (coordination.ResponseAccountState, bool, error)
}

// NullStateLookup never finds anything, so every subscription behaves as
// pending until a live operation or executed-tx event fires it. Useful
// when no state-keeper storage is wired in.
type NullStateLookup struct{}

func (NullStateLookup) TxStatus(context.Context, string) (int64, coordination.Action, bool, error) {
	return 0, "", false, nil
}
func (NullStateLookup) PriorityOpStatus(context.Context, int64) (int64, coordination.Action, bool, error) {
	return 0, "", false, nil
}
func (NullStateLookup) AccountStatus(context.Context, string) (int64, coordination.Action, bool, error) {
	return 0, "", false, nil
}
func (NullStateLookup) AccountState(context.Context, string, coordination.Action) (coordination.ResponseAccountState, bool, error) {
	return coordination.ResponseAccountState{}, false, nil
}

// SubscribeRequest is a request to register a new Subscription.
type SubscribeRequest struct {
	ID       string
	Kind     coordination.SubscriptionKind
	Action   coordination.Action
	TxHash   string
	SerialID int64
	Address  string
	// Sink delivers the resolved payload exactly once. Implementations
	// must tolerate being called after the remote peer has disconnected.
	Sink func(payload any)
}

// command is the Notifier's internal command-channel element; exactly one
// field is populated.
type command struct {
	subscribe   *SubscribeRequest
	unsubscribe *string
}

type txKey struct {
	hash   string
	action coordination.Action
}

type priorityOpKey struct {
	serialID int64
	action   coordination.Action
}

type addressKey struct {
	address string
	action  coordination.Action
}

// Notifier is the Event Notifier component.
type Notifier struct {
	opStream          <-chan coordination.Operation
	executedTxStream  <-chan coordination.ExecutedOpsNotify
	commands          chan command
	lookup            StateLookup
	logger            *slog.Logger

	commitAccountCache *lru.Cache[string, coordination.ResponseAccountState]
	verifyAccountCache *lru.Cache[string, coordination.ResponseAccountState]

	byTxHash     map[txKey]map[string]*coordination.Subscription
	byPriorityOp map[priorityOpKey]map[string]*coordination.Subscription
	byAddress    map[addressKey]map[string]*coordination.Subscription

	// blockContents bridges a block number to the tx hashes and priority
	// op serial ids learned from executed-tx events, so that a later
	// Verify Operation (which carries only block and accounts_updated)
	// can still resolve which hash/serial-id subscriptions it covers.
	blockContents map[int64]*blockContent
}

type blockContent struct {
	txHashes    []string
	priorityOps []int64
}

// New constructs a Notifier. commandCapacity bounds the subscribe/
// unsubscribe command channel; cacheSize bounds each action's account
// state LRU cache.
func New(opStream <-chan coordination.Operation, executedTxStream <-chan coordination.ExecutedOpsNotify, commandCapacity, cacheSize int, lookup StateLookup, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if lookup == nil {
		lookup = NullStateLookup{}
	}
	commitCache, _ := lru.New[string, coordination.ResponseAccountState](cacheSize)
	verifyCache, _ := lru.New[string, coordination.ResponseAccountState](cacheSize)
	return &Notifier{
		opStream:           opStream,
		executedTxStream:   executedTxStream,
		commands:           make(chan command, commandCapacity),
		lookup:             lookup,
		logger:             logger,
		commitAccountCache: commitCache,
		verifyAccountCache: verifyCache,
		byTxHash:           make(map[txKey]map[string]*coordination.Subscription),
		byPriorityOp:       make(map[priorityOpKey]map[string]*coordination.Subscription),
		byAddress:          make(map[addressKey]map[string]*coordination.Subscription),
		blockContents:      make(map[int64]*blockContent),
	}
}

// TrySubscribe enqueues req for processing by Run. It is a non-blocking
// try-send: under back-pressure the request is dropped and this returns
// false; the caller observes no response and may retry.
func (n *Notifier) TrySubscribe(req SubscribeRequest) bool {
	select {
	case n.commands <- command{subscribe: &req}:
		return true
	default:
		metrics.IncNotifierDropped("subscribe")
		return false
	}
}

// TryUnsubscribe enqueues an unsubscribe-by-id command. Same back-pressure
// contract as TrySubscribe.
func (n *Notifier) TryUnsubscribe(id string) bool {
	select {
	case n.commands <- command{unsubscribe: &id}:
		return true
	default:
		metrics.IncNotifierDropped("unsubscribe")
		return false
	}
}

// Run is the single-threaded cooperative loop. It multiplexes the
// operation stream, the executed-tx stream, and the command channel
// without blocking on any of them beyond the sink delivery and state
// lookups inside the fireAndDelete*/fireAccount helpers, and processes
// op_stream strictly in arrival order.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op, ok := <-n.opStream:
			if !ok {
				return nil
			}
			n.handleOperation(ctx, op)
		case ex := <-n.executedTxStream:
			n.handleExecutedTx(ctx, ex)
		case cmd := <-n.commands:
			n.handleCommand(ctx, cmd)
		}
	}
}

func (n *Notifier) handleCommand(ctx context.Context, cmd command) {
	if cmd.subscribe != nil {
		n.subscribe(ctx, *cmd.subscribe)
		return
	}
	if cmd.unsubscribe != nil {
		n.unsubscribeByID(*cmd.unsubscribe)
	}
}

// reached reports whether having arrived at current already satisfies a
// subscription waiting for wanted (Verify implies Commit already passed).
func reached(current, wanted coordination.Action) bool {
	if wanted == coordination.ActionCommit {
		return current == coordination.ActionCommit || current == coordination.ActionVerify
	}
	return current == coordination.ActionVerify
}

func (n *Notifier) subscribe(ctx context.Context, req SubscribeRequest) {
	switch req.Kind {
	case coordination.SubscriptionTx:
		if block, current, found, err := n.lookup.TxStatus(ctx, req.TxHash); err == nil && found && reached(current, req.Action) {
			req.Sink(coordination.TransactionInfoResp{Hash: req.TxHash, Block: block, Action: req.Action})
			return
		}
		indexSub(n.byTxHash, txKey{req.TxHash, req.Action}, req)
		n.reportCounts()
	case coordination.SubscriptionPriorityOp:
		if block, current, found, err := n.lookup.PriorityOpStatus(ctx, req.SerialID); err == nil && found && reached(current, req.Action) {
			req.Sink(coordination.ETHOpInfoResp{SerialID: req.SerialID, Block: block, Action: req.Action})
			return
		}
		indexSub(n.byPriorityOp, priorityOpKey{req.SerialID, req.Action}, req)
		n.reportCounts()
	case coordination.SubscriptionAccount:
		if block, current, found, err := n.lookup.AccountStatus(ctx, req.Address); err == nil && found && reached(current, req.Action) {
			n.fireAccount(ctx, &coordination.Subscription{
				ID: req.ID, Kind: req.Kind, Action: req.Action, Address: req.Address, Sink: req.Sink,
			}, block)
			return
		}
		indexSub(n.byAddress, addressKey{req.Address, req.Action}, req)
		n.reportCounts()
	}
}

func indexSub[K comparable](idx map[K]map[string]*coordination.Subscription, key K, req SubscribeRequest) {
	sub := &coordination.Subscription{
		ID: req.ID, Kind: req.Kind, Action: req.Action,
		TxHash: req.TxHash, SerialID: req.SerialID, Address: req.Address,
		Sink: req.Sink,
	}
	bucket, ok := idx[key]
	if !ok {
		bucket = make(map[string]*coordination.Subscription)
		idx[key] = bucket
	}
	bucket[req.ID] = sub
}

// unsubscribeByID removes a pending subscription from whichever index
// holds it. Absent ids (already fired, or never existed) are a no-op.
func (n *Notifier) unsubscribeByID(id string) {
	for key, bucket := range n.byTxHash {
		if _, ok := bucket[id]; ok {
			delete(bucket, id)
			pruneIfEmpty(n.byTxHash, key)
			n.reportCounts()
			return
		}
	}
	for key, bucket := range n.byPriorityOp {
		if _, ok := bucket[id]; ok {
			delete(bucket, id)
			pruneIfEmpty(n.byPriorityOp, key)
			n.reportCounts()
			return
		}
	}
	for key, bucket := range n.byAddress {
		if _, ok := bucket[id]; ok {
			delete(bucket, id)
			pruneIfEmpty(n.byAddress, key)
			n.reportCounts()
			return
		}
	}
}

func pruneIfEmpty[K comparable](idx map[K]map[string]*coordination.Subscription, key K) {
	if len(idx[key]) == 0 {
		delete(idx, key)
	}
}

func (n *Notifier) handleExecutedTx(ctx context.Context, ex coordination.ExecutedOpsNotify) {
	bc, ok := n.blockContents[ex.Block]
	if !ok {
		bc = &blockContent{}
		n.blockContents[ex.Block] = bc
	}
	bc.txHashes = append(bc.txHashes, ex.TxHashes...)
	bc.priorityOps = append(bc.priorityOps, ex.PriorityOps...)

	if !ex.Success {
		return
	}
	for _, hash := range ex.TxHashes {
		n.fireAndDeleteTx(hash, coordination.ActionCommit, ex.Block)
	}
	for _, serial := range ex.PriorityOps {
		n.fireAndDeletePriorityOp(serial, coordination.ActionCommit, ex.Block)
	}
}

func (n *Notifier) handleOperation(ctx context.Context, op coordination.Operation) {
	for _, addr := range op.AccountsUpdated {
		n.fireAndDeleteAccount(ctx, addr, op.Action, op.Block)
	}

	bc := n.blockContents[op.Block]
	if bc != nil {
		for _, hash := range bc.txHashes {
			n.fireAndDeleteTx(hash, op.Action, op.Block)
		}
		for _, serial := range bc.priorityOps {
			n.fireAndDeletePriorityOp(serial, op.Action, op.Block)
		}
	}

	if op.Action == coordination.ActionVerify {
		delete(n.blockContents, op.Block)
	}
}

func (n *Notifier) fireAndDeleteTx(hash string, action coordination.Action, block int64) {
	key := txKey{hash, action}
	bucket, ok := n.byTxHash[key]
	if !ok {
		return
	}
	for id, sub := range bucket {
		sub.Sink(coordination.TransactionInfoResp{Hash: hash, Block: block, Action: action})
		delete(bucket, id)
	}
	pruneIfEmpty(n.byTxHash, key)
	n.reportCounts()
}

func (n *Notifier) fireAndDeletePriorityOp(serial int64, action coordination.Action, block int64) {
	key := priorityOpKey{serial, action}
	bucket, ok := n.byPriorityOp[key]
	if !ok {
		return
	}
	for id, sub := range bucket {
		sub.Sink(coordination.ETHOpInfoResp{SerialID: serial, Block: block, Action: action})
		delete(bucket, id)
	}
	pruneIfEmpty(n.byPriorityOp, key)
	n.reportCounts()
}

func (n *Notifier) fireAndDeleteAccount(ctx context.Context, address string, action coordination.Action, block int64) {
	key := addressKey{address, action}
	bucket, ok := n.byAddress[key]
	if !ok {
		return
	}
	for id, sub := range bucket {
		n.fireAccount(ctx, sub, block)
		delete(bucket, id)
	}
	pruneIfEmpty(n.byAddress, key)
	n.reportCounts()
}

func (n *Notifier) fireAccount(ctx context.Context, sub *coordination.Subscription, block int64) {
	state, err := n.resolveAccountState(ctx, sub.Address, sub.Action)
	if err != nil {
		n.logger.Warn("failed to resolve account state", slog.String("address", sub.Address), slog.Any("error", err))
		return
	}
	state.Block = block
	state.Address = sub.Address
	state.Action = sub.Action
	sub.Sink(state)
}

func (n *Notifier) resolveAccountState(ctx context.Context, address string, action coordination.Action) (coordination.ResponseAccountState, error) {
	cache := n.cacheFor(action)
	if v, ok := cache.Get(address); ok {
		return v, nil
	}
	state, found, err := n.lookup.AccountState(ctx, address, action)
	if err != nil {
		return coordination.ResponseAccountState{}, err
	}
	if found {
		cache.Add(address, state)
	}
	return state, nil
}

func (n *Notifier) cacheFor(action coordination.Action) *lru.Cache[string, coordination.ResponseAccountState] {
	if action == coordination.ActionVerify {
		return n.verifyAccountCache
	}
	return n.commitAccountCache
}

func (n *Notifier) reportCounts() {
	metrics.SetNotifierSubscriptions("tx", countSubs(n.byTxHash))
	metrics.SetNotifierSubscriptions("priority_op", countSubs(n.byPriorityOp))
	metrics.SetNotifierSubscriptions("account", countSubs(n.byAddress))
}

func countSubs[K comparable](idx map[K]map[string]*coordination.Subscription) int {
	total := 0
	for _, bucket := range idx {
		total += len(bucket)
	}
	return total
}
