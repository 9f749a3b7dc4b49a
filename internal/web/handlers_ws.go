package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"kasa-go-home/internal/platform"
)

// Message types exchanged on /ws besides the forwarded hub events.
const (
	wsTypeStates     = "states"
	wsTypeSubscribed = "subscribed"
	wsTypeError      = "error"

	wsReqSubscribe = "subscribe_events"
	wsReqGetStates = "get_states"
)

// wsRequest is a message sent by a client.
type wsRequest struct {
	Type       string   `json:"type"`
	EventTypes []string `json:"event_types,omitempty"`
}

// WSHub fans hub events out to WebSocket clients.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan platform.Event
	direct     chan wsDirect

	done     chan struct{}
	stopOnce sync.Once
}

type wsDirect struct {
	client *wsClient
	msg    platform.Event
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	filter []string // empty means every event type
}

func (c *wsClient) setFilter(types []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = slices.Clone(types)
}

func (c *wsClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.filter) == 0 || slices.Contains(c.filter, eventType)
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan platform.Event, 256),
		direct:     make(chan wsDirect, 64),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It owns every client send channel.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case d := <-h.direct:
			data, ok := h.encode(d.msg)
			if !ok {
				continue
			}
			h.mu.Lock()
			if _, ok := h.clients[d.client]; ok {
				h.deliver(d.client, data)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			data, ok := h.encode(ev)
			if !ok {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				if client.wants(ev.Type) {
					h.deliver(client, data)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *WSHub) encode(ev platform.Event) ([]byte, bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws marshal", "type", ev.Type, "err", err)
		return nil, false
	}
	return data, true
}

// deliver queues data for client, evicting it when its buffer is full.
// h.mu must be held.
func (h *WSHub) deliver(client *wsClient, data []byte) {
	select {
	case client.send <- data:
	default:
		h.drop(client)
		h.logger.Warn("ws client evicted (too slow)")
	}
}

// drop removes client and closes its send channel. h.mu must be held.
func (h *WSHub) drop(client *wsClient) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast sends an event to every client subscribed to its type.
func (h *WSHub) Broadcast(ev platform.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "type", ev.Type)
	}
}

// sendTo queues a message for a single client.
func (h *WSHub) sendTo(client *wsClient, msg platform.Event) {
	select {
	case h.direct <- wsDirect{client: client, msg: msg}:
	case <-h.done:
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// Without allowedOrigins nhooyr only accepts same-origin requests.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsHub.sendTo(client, s.statesMessage())
	s.wsReadPump(client)
}

func (s *Server) statesMessage() platform.Event {
	return platform.Event{Type: wsTypeStates, Data: nonNil(s.hub.States.All())}
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub; close connection.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleWSRequest(client, data)
	}
}

func (s *Server) handleWSRequest(client *wsClient, data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.wsHub.sendTo(client, wsError("invalid message"))
		return
	}
	switch req.Type {
	case wsReqSubscribe:
		client.setFilter(req.EventTypes)
		s.wsHub.sendTo(client, platform.Event{
			Type: wsTypeSubscribed,
			Data: map[string]any{"event_types": nonNil(req.EventTypes)},
		})
	case wsReqGetStates:
		s.wsHub.sendTo(client, s.statesMessage())
	default:
		s.wsHub.sendTo(client, wsError("unknown message type "+req.Type))
	}
}

func wsError(msg string) platform.Event {
	return platform.Event{Type: wsTypeError, Data: map[string]string{"message": msg}}
}
