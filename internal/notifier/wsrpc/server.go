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

// Package wsrpc implements the JSON-RPC 2.0 pub/sub transport over
// WebSocket: tx_subscribe, ethop_subscribe and account_subscribe (plus
// their _sub aliases and _unsubscribe counterparts), each backed by the
// Event Notifier.
package wsrpc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"prover-coordination/internal/metrics"
	"prover-coordination/internal/notifier"
	"prover-coordination/pkg/coordination"
)

// Subscriber is the wsrpc server's view of the Event Notifier.
type Subscriber interface {
	TrySubscribe(req notifier.SubscribeRequest) bool
	TryUnsubscribe(id string) bool
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerBusy     = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcNotification struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  notificationParams `json:"params"`
}

type notificationParams struct {
	Subscription string `json:"subscription"`
	Result       any    `json:"result"`
}

// Server accepts WebSocket connections and speaks JSON-RPC 2.0 pub/sub
// over each of them, bounded by maxConnections concurrent connections.
type Server struct {
	sub            Subscriber
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	slots          chan struct{}
}

// NewServer constructs a Server. maxConnections <= 0 means unbounded.
func NewServer(sub Subscriber, maxConnections int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	var slots chan struct{}
	if maxConnections > 0 {
		slots = make(chan struct{}, maxConnections)
	}
	return &Server{
		sub:    sub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		slots: slots,
	}
}

// ServeHTTP upgrades the connection and runs its read/write pumps until
// the peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		default:
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &conn{ws: ws, send: make(chan []byte, 64), srv: s, subs: make(map[string]struct{})}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	c.readPump()
	close(c.send)
	wg.Wait()
	c.unsubscribeAll()
}

// conn is one accepted WebSocket connection and its owned subscriptions.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	srv  *Server

	mu   sync.Mutex
	subs map[string]struct{}
}

func (c *conn) readPump() {
	defer c.ws.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(data)
	}
}

func (c *conn) writePump() {
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// trySend is the non-blocking write used both for RPC responses and for
// subscription notifications fired from the Notifier's own goroutine; it
// never blocks that goroutine on a slow peer. A notification fired after
// the peer disconnected (c.send already closed) is dropped.
func (c *conn) trySend(payload any) {
	defer func() {
		if recover() != nil {
			metrics.IncNotifierDropped("ws_closed")
		}
	}()
	data, err := json.Marshal(payload)
	if err != nil {
		c.srv.logger.Warn("failed to marshal ws payload", slog.Any("error", err))
		return
	}
	select {
	case c.send <- data:
	default:
		metrics.IncNotifierDropped("ws_send")
	}
}

func (c *conn) dispatch(data []byte) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.trySend(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		c.trySend(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	switch req.Method {
	case "tx_subscribe", "tx_sub":
		c.handleSubscribe(req, coordination.SubscriptionTx)
	case "tx_unsubscribe":
		c.handleUnsubscribe(req)
	case "ethop_subscribe", "ethop_sub":
		c.handleSubscribe(req, coordination.SubscriptionPriorityOp)
	case "ethop_unsubscribe":
		c.handleUnsubscribe(req)
	case "account_subscribe", "account_sub":
		c.handleSubscribe(req, coordination.SubscriptionAccount)
	case "account_unsubscribe":
		c.handleUnsubscribe(req)
	default:
		c.trySend(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeMethodNotFound, Message: "method not found"}})
	}
}

func (c *conn) handleSubscribe(req rpcRequest, kind coordination.SubscriptionKind) {
	var params []json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) != 2 {
		c.trySend(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidParams, Message: "expected [subject, action]"}})
		return
	}

	var action coordination.Action
	if err := json.Unmarshal(params[1], &action); err != nil || !action.Valid() {
		c.trySend(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidParams, Message: "action must be COMMIT or VERIFY"}})
		return
	}

	id := uuid.NewString()
	sr := notifier.SubscribeRequest{ID: id, Kind: kind, Action: action, Sink: c.notificationSink(req.Method, id)}

	switch kind {
	case coordination.SubscriptionTx:
		var hash string
		if err := json.Unmarshal(params[0], &hash); err != nil {
			c.trySend(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidParams, Message: "hash must be a string"}})
			return
		}
		sr.TxHash = hash
	case coordination.SubscriptionPriorityOp:
		var serial int64
		if err := json.Unmarshal(params[0], &serial); err != nil {
			c.trySend(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidParams, Message: "serial_id must be an integer"}})
			return
		}
		sr.SerialID = serial
	case coordination.SubscriptionAccount:
		var addr string
		if err := json.Unmarshal(params[0], &addr); err != nil {
			c.trySend(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidParams, Message: "address must be a string"}})
			return
		}
		sr.Address = addr
	}

	if !c.srv.sub.TrySubscribe(sr) {
		c.trySend(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeServerBusy, Message: "subscription queue full, retry"}})
		return
	}

	c.mu.Lock()
	c.subs[id] = struct{}{}
	c.mu.Unlock()

	c.trySend(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: id})
}

func (c *conn) handleUnsubscribe(req rpcRequest) {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) != 1 {
		c.trySend(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidParams, Message: "expected [subscription_id]"}})
		return
	}
	id := params[0]

	c.mu.Lock()
	_, owned := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if owned {
		c.srv.sub.TryUnsubscribe(id)
	}
	c.trySend(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: true})
}

// notificationSink builds the Sink used to deliver exactly one
// notification to this connection, named after the subscription method
// that created it.
func (c *conn) notificationSink(subscribeMethod, id string) func(payload any) {
	notifyMethod := fmt.Sprintf("%s_notification", trimSubSuffix(subscribeMethod))
	return func(payload any) {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		c.trySend(rpcNotification{
			JSONRPC: "2.0",
			Method:  notifyMethod,
			Params:  notificationParams{Subscription: id, Result: payload},
		})
	}
}

func trimSubSuffix(method string) string {
	switch method {
	case "tx_subscribe", "tx_sub":
		return "tx"
	case "ethop_subscribe", "ethop_sub":
		return "ethop"
	case "account_subscribe", "account_sub":
		return "account"
	default:
		return method
	}
}

func (c *conn) unsubscribeAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.subs = make(map[string]struct{})
	c.mu.Unlock()

	for _, id := range ids {
		c.srv.sub.TryUnsubscribe(id)
	}
}
