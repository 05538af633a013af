package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBuffer     = 64

	defaultReauthInterval = time.Minute
	reauthTimeout         = 10 * time.Second
)

type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
	Source    string      `json:"source"`
}

// Authorizer resolves the token a board client connects with.
type Authorizer interface {
	Authorize(ctx context.Context, accessToken string) (auth.AdminUser, error)
}

type Client struct {
	conn   *websocket.Conn
	send   chan Message
	hub    *Hub
	userID string
	token  string
}

// Hub fans order events out to connected admin boards.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	authorizer     Authorizer
	reauthInterval time.Duration
	upgrader       websocket.Upgrader
	logger         *logrus.Logger
}

// NewHub accepts upgrades from the given origins; "*" or an empty list
// allows any.
func NewHub(authorizer Authorizer, allowedOrigins []string, logger *logrus.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		authorizer:     authorizer,
		reauthInterval: defaultReauthInterval,
		logger:         logger,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	return h
}

// SetReauthInterval changes how often a connected board's token is checked
// again. Call it before Run.
func (h *Hub) SetReauthInterval(d time.Duration) {
	if d > 0 {
		h.reauthInterval = d
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.WithFields(logrus.Fields{
				"user_id":      client.userID,
				"client_count": count,
			}).Info("Board client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.WithFields(logrus.Fields{
				"user_id":      client.userID,
				"client_count": count,
			}).Info("Board client disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.logger.WithField("user_id", client.userID).Warn("Board client too slow, disconnecting")
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Broadcast(messageType string, data interface{}, source string) {
	message := Message{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    source,
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.WithField("type", messageType).Warn("Broadcast channel full, dropping message")
	}
}

// HandleWebSocket authorizes the token query parameter before upgrading.
// The token is checked again while the board stays connected.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	user, err := h.authorizer.Authorize(r.Context(), token)
	if err != nil {
		status := http.StatusUnauthorized
		switch {
		case errors.Is(err, apperr.ErrNotRegisteredAsAdmin):
			status = http.StatusForbidden
		case errors.Is(err, apperr.ErrPersistence):
			status = http.StatusServiceUnavailable
		}
		h.logger.WithError(err).Warn("Rejected board connection")
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan Message, sendBuffer),
		hub:    h,
		userID: user.ID,
		token:  token,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump only services control frames; boards never send data.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).WithField("user_id", c.userID).Error("WebSocket error")
			}
			return
		}
	}
}

// revoked reports whether the client's token no longer belongs to an
// administrator. An unreachable auth backend keeps the connection.
func (c *Client) revoked() bool {
	ctx, cancel := context.WithTimeout(context.Background(), reauthTimeout)
	defer cancel()

	_, err := c.hub.authorizer.Authorize(ctx, c.token)
	if err == nil {
		return false
	}
	if errors.Is(err, apperr.ErrInvalidCredentials) || errors.Is(err, apperr.ErrNotRegisteredAsAdmin) {
		return true
	}
	c.hub.logger.WithError(err).WithField("user_id", c.userID).Warn("Could not re-check board authorization")
	return false
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	reauth := time.NewTicker(c.hub.reauthInterval)
	defer func() {
		ticker.Stop()
		reauth.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				c.hub.logger.WithError(err).WithField("type", message.Type).Error("Failed to marshal WebSocket message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-reauth.C:
			if !c.revoked() {
				continue
			}
			c.hub.logger.WithField("user_id", c.userID).Info("Board authorization revoked, disconnecting")
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authorization revoked"))
			return
		}
	}
}
