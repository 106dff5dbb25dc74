package wsrpc

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
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"prover-coordination/internal/notifier"
	"prover-coordination/pkg/coordination"
)

func dialTestServer(t *testing.T, sub Subscriber) (*websocket.Conn, func()) {
	t.Helper()
	srv := NewServer(sub, 0, nil)
	ts := httptest.NewServer(srv)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn, func() {
		conn.Close()
		ts.Close()
	}
}

func TestTxSubscribe_ReturnsSubscriptionID(t *testing.T) {
	ops := make(chan coordination.Operation, 4)
	executed := make(chan coordination.ExecutedOpsNotify, 4)
	n := notifier.New(ops, executed, 64, 16, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = n.Run(ctx) }()
	defer func() { cancel(); <-done }()

	conn, closeConn := dialTestServer(t, n)
	defer closeConn()

	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tx_subscribe", "params": []any{"0xabc", "COMMIT"}}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp rpcResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	subID, ok := resp.Result.(string)
	if !ok || subID == "" {
		t.Fatalf("expected a non-empty subscription id, got %v", resp.Result)
	}
}

func TestTxSubscribe_DeliversNotificationOnCommit(t *testing.T) {
	ops := make(chan coordination.Operation, 4)
	executed := make(chan coordination.ExecutedOpsNotify, 4)
	n := notifier.New(ops, executed, 64, 16, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = n.Run(ctx) }()
	defer func() { cancel(); <-done }()

	conn, closeConn := dialTestServer(t, n)
	defer closeConn()

	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tx_sub", "params": []any{"0xdeadbeef", "COMMIT"}}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp rpcResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	executed <- coordination.ExecutedOpsNotify{Block: 3, TxHashes: []string{"0xdeadbeef"}, Success: true}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var notif rpcNotification
	if err := conn.ReadJSON(&notif); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if notif.Method != "tx_notification" {
		t.Fatalf("expected tx_notification, got %s", notif.Method)
	}

	raw, err := json.Marshal(notif.Params.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var payload coordination.TransactionInfoResp
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Hash != "0xdeadbeef" || payload.Block != 3 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestUnsubscribe_ReturnsTrue(t *testing.T) {
	ops := make(chan coordination.Operation, 4)
	executed := make(chan coordination.ExecutedOpsNotify, 4)
	n := notifier.New(ops, executed, 64, 16, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = n.Run(ctx) }()
	defer func() { cancel(); <-done }()

	conn, closeConn := dialTestServer(t, n)
	defer closeConn()

	subReq := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tx_subscribe", "params": []any{"0xabc", "COMMIT"}}
	conn.WriteJSON(subReq)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var subResp rpcResponse
	if err := conn.ReadJSON(&subResp); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	subID := subResp.Result.(string)

	unsubReq := map[string]any{"jsonrpc": "2.0", "id": 2, "method": "tx_unsubscribe", "params": []any{subID}}
	conn.WriteJSON(unsubReq)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var unsubResp rpcResponse
	if err := conn.ReadJSON(&unsubResp); err != nil {
		t.Fatalf("read unsubscribe response: %v", err)
	}
	if result, ok := unsubResp.Result.(bool); !ok || !result {
		t.Fatalf("expected unsubscribe result true, got %v", unsubResp.Result)
	}
}

func TestUnknownMethod_ReturnsMethodNotFoundError(t *testing.T) {
	ops := make(chan coordination.Operation, 4)
	executed := make(chan coordination.ExecutedOpsNotify, 4)
	n := notifier.New(ops, executed, 64, 16, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = n.Run(ctx) }()
	defer func() { cancel(); <-done }()

	conn, closeConn := dialTestServer(t, n)
	defer closeConn()

	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "bogus_method", "params": []any{}}
	conn.WriteJSON(req)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp rpcResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}
