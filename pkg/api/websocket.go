package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"mppt-controller/pkg/runner"
)

const (
	statusInterval = 250 * time.Millisecond
	pingInterval   = 30 * time.Second
	readTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// Hub tracks websocket clients and fans out notifications.
type Hub struct {
	server   *Server
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[int64]*wsClient
	nextID  atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
}

func newHub(s *Server) *Hub {
	return &Hub{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[int64]*wsClient),
		stop:    make(chan struct{}),
	}
}

// Observe pushes decision records to every client immediately. Other
// ticks reach clients through the periodic status update.
func (h *Hub) Observe(rec runner.Record) {
	if !rec.Output.Decided && !rec.Missed {
		return
	}
	method := "notify_decision"
	if rec.Missed {
		method = "notify_missed_sample"
	}
	h.broadcast(notification{JSONRPC: "2.0", Method: method, Params: []any{rec}})
}

func (h *Hub) broadcast(msg any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.send(msg)
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if h.count() == 0 {
				continue
			}
			h.broadcast(notification{
				JSONRPC: "2.0",
				Method:  "notify_status_update",
				Params:  []any{h.server.ctrl.Snapshot()},
			})
		}
	}
}

func (h *Hub) closeAll() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[int64]*wsClient)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.server.log.Warn("websocket upgrade: %v", err)
		return
	}
	c := &wsClient{
		id:     h.nextID.Add(1),
		conn:   conn,
		hub:    h,
		sendCh: make(chan any, sendQueueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.server.log.Debug("websocket client %d connected", c.id)

	go c.writePump()
	c.send(notification{JSONRPC: "2.0", Method: "notify_status_update", Params: []any{h.server.ctrl.Snapshot()}})
	c.readPump()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.server.log.Debug("websocket client %d disconnected", c.id)
}

// dispatch runs one JSON-RPC method.
func (h *Hub) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	s := h.server
	switch method {
	case "server.info":
		return s.serverInfo(), nil
	case "mppt.status":
		return s.status(), nil
	case "mppt.reset":
		if err := s.ctrl.Reset(ctx); err != nil {
			return nil, err
		}
		return "ok", nil
	case "mppt.start":
		if err := s.ctrl.Trigger(); err != nil {
			return nil, err
		}
		return "ok", nil
	case "mppt.history":
		var p struct {
			Limit int    `json:"limit"`
			Since uint64 `json:"since"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		if p.Limit == 0 {
			p.Limit = 50
		}
		return map[string]any{
			"decisions": s.history.List(p.Limit, 0, p.Since),
			"totals":    s.history.Totals(),
		}, nil
	}
	return nil, errMethodNotFound
}

var errMethodNotFound = fmt.Errorf("method not found")

type wsClient struct {
	id     int64
	conn   *websocket.Conn
	hub    *Hub
	sendCh chan any
	done   chan struct{}
	once   sync.Once
}

func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.hub.dropped.Add(1)
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.server.log.Warn("websocket read: %v", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.send(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := c.hub.dispatch(ctx, req.Method, req.Params)
	if err != nil {
		code := -32000
		if err == errMethodNotFound {
			code = -32601
		}
		c.send(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: code, Message: err.Error()}, ID: req.ID})
		return
	}
	c.send(rpcResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}
