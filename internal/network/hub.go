package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrUnknownClient is returned by Send when no client has the given id.
var ErrUnknownClient = errors.New("unknown client")

type Handler func(ctx context.Context, client *Client, env Envelope)

// Client is one websocket subscriber.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *Client) ID() string { return c.id }

func (c *Client) close() {
	c.once.Do(func() { close(c.send) })
}

type HubConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Hub fans envelopes out to websocket clients and dispatches inbound
// envelopes to registered handlers.
type Hub struct {
	logger       *slog.Logger
	sendBuffer   int
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	seq          atomic.Uint64

	mu      sync.RWMutex
	clients map[string]*Client

	handlersMu sync.RWMutex
	handlers   map[MessageType][]Handler
	onConnect  func(*Client)
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		logger:       cfg.Logger.With("component", "feed"),
		sendBuffer:   cfg.SendBuffer,
		writeTimeout: cfg.WriteTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[string]*Client),
		handlers: make(map[MessageType][]Handler),
	}
}

func (h *Hub) Register(msgType MessageType, handler Handler) {
	h.handlersMu.Lock()
	h.handlers[msgType] = append(h.handlers[msgType], handler)
	h.handlersMu.Unlock()
}

// OnConnect sets a callback run after a client joins and before its
// messages are read.
func (h *Hub) OnConnect(fn func(*Client)) {
	h.handlersMu.Lock()
	h.onConnect = fn
	h.handlersMu.Unlock()
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and blocks reading from the client until
// it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade websocket", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
	}
	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
	h.logger.Info("client connected", "client", client.id, "remote", r.RemoteAddr)

	go h.writePump(client)

	h.handlersMu.RLock()
	onConnect := h.onConnect
	h.handlersMu.RUnlock()
	if onConnect != nil {
		onConnect(client)
	}

	h.readPump(r.Context(), client)
}

func (h *Hub) readPump(ctx context.Context, client *Client) {
	defer h.remove(client)

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("read websocket", "client", client.id, "error", err)
			}
			return
		}

		env, err := Decode(data)
		if err != nil {
			h.logger.Warn("decode message", "client", client.id, "error", err)
			continue
		}
		for _, handler := range h.handlersFor(env.Type) {
			handler(ctx, client, env)
		}
	}
}

func (h *Hub) writePump(client *Client) {
	defer client.conn.Close()

	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Warn("write websocket", "client", client.id, "error", err)
			h.remove(client)
			for range client.send {
			}
			return
		}
	}

	client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if current, ok := h.clients[client.id]; ok && current == client {
		delete(h.clients, client.id)
		h.logger.Info("client disconnected", "client", client.id)
	}
	h.mu.Unlock()
	client.close()
}

func (h *Hub) handlersFor(msgType MessageType) []Handler {
	h.handlersMu.RLock()
	defer h.handlersMu.RUnlock()
	return append([]Handler(nil), h.handlers[msgType]...)
}

// Broadcast sends one envelope to every client. Clients whose buffers are
// full are disconnected.
func (h *Hub) Broadcast(msgType MessageType, payload any) error {
	data, err := h.prepare(msgType, payload)
	if err != nil {
		return err
	}

	var slow []*Client
	h.mu.RLock()
	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("dropping slow client", "client", client.id)
		h.remove(client)
	}
	return nil
}

func (h *Hub) Send(clientID string, msgType MessageType, payload any) error {
	data, err := h.prepare(msgType, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	client, ok := h.clients[clientID]
	delivered := false
	if ok {
		select {
		case client.send <- data:
			delivered = true
		default:
		}
	}
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	if !delivered {
		h.remove(client)
		return fmt.Errorf("client %s send buffer full", clientID)
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for id, client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

func (h *Hub) prepare(msgType MessageType, payload any) ([]byte, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	env := Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Seq:       h.seq.Add(1),
		Payload:   raw,
	}
	return Encode(env)
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
