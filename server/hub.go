package server

import (
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/tradingagents/analysisd/task"
)

// subscribeRequest is the only message clients send: subscribe to one
// task's updates, or to all of them.
type subscribeRequest struct {
	Action string `json:"action"` // "subscribe" or "subscribe_all"
	TaskID string `json:"task_id,omitempty"`
}

// taskUpdate is the frame pushed to subscribers on every state change.
type taskUpdate struct {
	Type string     `json:"type"` // always "task_update"
	Task *task.Task `json:"task"`
}

// client is one connected WebSocket with its subscription set.
type client struct {
	conn *websocket.Conn

	mu    sync.Mutex
	tasks map[string]bool
	all   bool
}

func (c *client) wants(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.all || c.tasks[taskID]
}

func (c *client) subscribe(req subscribeRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch req.Action {
	case "subscribe_all":
		c.all = true
	case "subscribe":
		if req.TaskID != "" {
			c.tasks[req.TaskID] = true
		}
	}
}

// send serializes writes to the connection; concurrent Notify calls must
// not interleave frames.
func (c *client) send(update taskUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.JSON.Send(c.conn, update)
}

// Hub fans task state changes out to WebSocket subscribers. It implements
// registry.Notifier, so every registry mutation reaches connected clients
// without polling.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*client]bool),
	}
}

// Handler returns the WebSocket endpoint handler.
func (h *Hub) Handler() http.Handler {
	return websocket.Handler(h.serve)
}

func (h *Hub) serve(conn *websocket.Conn) {
	c := &client{conn: conn, tasks: make(map[string]bool)}

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket connected", "clients", count)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
		h.logger.Debug("websocket disconnected")
	}()

	for {
		var req subscribeRequest
		if err := websocket.JSON.Receive(conn, &req); err != nil {
			return
		}
		c.subscribe(req)
	}
}

// NotifyTask implements registry.Notifier. A client that cannot accept the
// frame is dropped rather than allowed to stall the rest.
func (h *Hub) NotifyTask(t *task.Task) {
	update := taskUpdate{Type: "task_update", Task: t}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.wants(t.ID) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.send(update); err != nil {
			h.logger.Debug("dropping slow websocket client", "error", err)
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
			c.conn.Close()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
