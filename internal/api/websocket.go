package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeMessage     = "message"
	WSTypeState       = "state"
	WSTypeComplete    = "complete"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// WSMessage is a frame sent to a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is a frame received from a WebSocket client.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload opens a topic subscription.
type WSSubscribePayload struct {
	Provider string   `json:"provider,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	Topics   []string `json:"topics"`
}

// WSUnsubscribePayload ends a subscription by the ID returned on subscribe.
type WSUnsubscribePayload struct {
	Subscription string `json:"subscription"`
}

// WSDelivery is the payload of a "message" frame.
type WSDelivery struct {
	Subscription string `json:"subscription"`
	Provider     string `json:"provider"`
	Topic        string `json:"topic"`
	Value        any    `json:"value"`
}

// WSStateEvent is the payload of a "state" frame.
type WSStateEvent struct {
	Provider string                 `json:"provider"`
	State    pubsub.ConnectionState `json:"state"`
	At       string                 `json:"at"`
}

// Hub tracks WebSocket connections and fans state changes out to them.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one connected WebSocket client.
//
// Each client owns its topic subscriptions. They end when the client
// unsubscribes or disconnects.
type WSClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	// provider filters state events. Empty receives every provider's events.
	provider string

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*pubsub.Subscription
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub and ends its subscriptions.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		client.stop()
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// BroadcastState sends a state change to every client watching its provider.
// It has the signature of a Provider.OnStateChange listener and never blocks.
func (h *Hub) BroadcastState(ev pubsub.StateChange) {
	data, err := encodeFrame(WSMessage{
		Type:      WSTypeState,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload: WSStateEvent{
			Provider: ev.Provider,
			State:    ev.State,
			At:       ev.At.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		h.logger.Error("failed to marshal state event", "error", err)
		return
	}

	// Snapshot client list under hub lock, then release before sending
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if client.provider == "" || client.provider == ev.Provider {
			client.trySend(data)
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("state event sent", "provider", ev.Provider, "state", ev.State, "recipients", sent)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.stop()
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// handleWebSocket upgrades the connection and starts the client pumps.
//
// Query parameters:
//   - provider: provider for topic subscriptions and state events (optional)
//   - topic: filter to subscribe to immediately (repeatable)
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	if provider != "" {
		if _, err := s.pubsub.Provider(provider); err != nil {
			writePubSubError(w, err)
			return
		}
	}
	topics := r.URL.Query()["topic"]
	for _, topic := range topics {
		if err := pubsub.ValidateFilter(topic); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := s.newWSClient(conn, provider)
	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)

	if len(topics) > 0 {
		client.subscribe("", WSSubscribePayload{Provider: provider, Topics: topics})
	}
}

// newWSClient creates a client bound to the server's lifetime.
func (s *Server) newWSClient(conn *websocket.Conn, provider string) *WSClient {
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	return &WSClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		server:   s,
		provider: provider,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]*pubsub.Subscription),
	}
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval, pongWait := wsTimings(cfg)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval, pongWait := wsTimings(cfg)
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket frame.
func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		var p WSSubscribePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			c.sendError(req.ID, "invalid subscribe payload")
			return
		}
		if p.Provider == "" {
			p.Provider = c.provider
		}
		c.subscribe(req.ID, p)
	case WSTypeUnsubscribe:
		var p WSUnsubscribePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || p.Subscription == "" {
			c.sendError(req.ID, "invalid unsubscribe payload")
			return
		}
		c.unsubscribe(req.ID, p.Subscription)
	case WSTypePing:
		c.sendResponse(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

// subscribe observes the requested topics and forwards every message.
func (c *WSClient) subscribe(reqID string, p WSSubscribePayload) {
	stream, err := c.server.pubsub.Subscribe(p.Topics, pubsub.SubscribeOptions{
		Provider: p.Provider,
		ClientID: p.ClientID,
	})
	if err != nil {
		c.sendError(reqID, err.Error())
		return
	}

	id := c.observe(stream)

	c.hub.logger.Info("websocket client subscribed", "subscription", id, "provider", p.Provider, "topics", p.Topics)
	c.sendResponse(reqID, WSTypeResponse, map[string]any{
		"subscription": id,
		"topics":       stream.Filters(),
	})
}

// observe starts stream and tracks it under a new subscription ID until it
// completes. Completion can run before Observe returns, for example when the
// provider closes in between, so the entry is only stored if still live.
func (c *WSClient) observe(stream *pubsub.Stream) string {
	id := uuid.NewString()
	completed := false
	sub := stream.Observe(c.ctx, pubsub.ObserverFuncs{
		OnNext: func(msg pubsub.Message) {
			c.deliver(id, msg)
		},
		OnComplete: func() {
			c.mu.Lock()
			completed = true
			delete(c.subs, id)
			c.mu.Unlock()
			c.sendResponse(id, WSTypeComplete, nil)
		},
	})

	c.mu.Lock()
	if !completed {
		c.subs[id] = sub
	}
	c.mu.Unlock()
	return id
}

// unsubscribe ends one of the client's subscriptions.
func (c *WSClient) unsubscribe(reqID, id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	c.mu.Unlock()
	if !ok {
		c.sendError(reqID, "unknown subscription: "+id)
		return
	}
	sub.Unsubscribe()
	c.sendResponse(reqID, WSTypeResponse, map[string]any{
		"unsubscribed": id,
	})
}

// deliver runs on the provider's dispatch goroutine and must not block.
func (c *WSClient) deliver(id string, msg pubsub.Message) {
	value := msg.Value
	if value == nil && len(msg.Raw) > 0 {
		value = string(msg.Raw)
	}
	data, err := encodeFrame(WSMessage{
		Type:      WSTypeMessage,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload: WSDelivery{
			Subscription: id,
			Provider:     msg.Provider,
			Topic:        msg.Topic,
			Value:        value,
		},
	})
	if err != nil {
		c.hub.logger.Warn("websocket message not encodable", "topic", msg.Topic, "error", err)
		return
	}
	c.trySend(data)

	if c.server.metrics != nil {
		c.server.metrics.WriteMessage(msg.Provider, influxdb.DirectionInbound, msg.Topic, len(msg.Raw))
	}
}

// stop ends every subscription of the client.
func (c *WSClient) stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// sendResponse sends a response frame to the client.
// Routes through trySend to safely handle closed channels during shutdown.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := encodeFrame(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error frame to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}

func encodeFrame(msg WSMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// wsTimings returns the ping interval and pong wait, defaulting unset values.
func wsTimings(cfg config.WebSocketConfig) (pingInterval, pongWait time.Duration) {
	pingInterval = time.Duration(cfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pongWait = time.Duration(cfg.PongTimeout) * time.Second
	if pongWait <= 0 {
		pongWait = defaultPongTimeout
	}
	return pingInterval, pongWait
}
