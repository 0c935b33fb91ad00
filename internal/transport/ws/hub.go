// Package ws рассылает уведомления подключённым websocket-клиентам по группам.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

const (
	defaultSendBuffer = 64
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
)

var droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "orderdesk_ws_dropped_total",
	Help: "Notifications dropped because a websocket client buffer was full.",
})

// Option настраивает Hub.
type Option func(*Hub)

// WithLogger задает logger.
func WithLogger(logger *log.Entry) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithSendBuffer задает размер очереди отправки одного клиента.
func WithSendBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.sendBuffer = size
		}
	}
}

// WithCheckOrigin подменяет проверку Origin при апгрейде.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(h *Hub) {
		if check != nil {
			h.upgrader.CheckOrigin = check
		}
	}
}

// Hub хранит подключения и их группы.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]struct{}
	closed     bool
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *log.Entry
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	groups map[string]struct{}
	once   sync.Once
}

// NewHub создает пустой Hub.
func NewHub(options ...Option) *Hub {
	h := &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		sendBuffer: defaultSendBuffer,
		logger:     log.WithField("component", "ws-hub"),
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// Serve апгрейдит соединение и подписывает клиента на groups.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string, groups []string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		userID: userID,
		groups: make(map[string]struct{}, len(groups)),
	}
	for _, group := range groups {
		c.groups[group] = struct{}{}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("websocket hub is closed")
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.WithFields(log.Fields{"user_id": userID, "groups": groups}).Debug("client registered")

	go c.writePump()
	go c.readPump()
	return nil
}

// Name реализует domain.NotificationSink.
func (h *Hub) Name() string { return "websocket" }

// Publish отправляет уведомление всем клиентам, состоящим хотя бы в одной из групп.
// Отправка не блокируется: клиенту с полной очередью сообщение не достаётся.
func (h *Hub) Publish(_ context.Context, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.member(n.Groups) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			droppedTotal.Inc()
			h.logger.WithFields(log.Fields{
				"user_id":         c.userID,
				"notification_id": n.ID,
			}).Warn("client send buffer is full, notification dropped")
		}
	}
	return nil
}

// ClientCount возвращает число подключённых клиентов.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run держит Hub до отмены ctx, затем закрывает все соединения.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.logger.WithField("clients", len(clients)).Info("websocket hub stopped")
	return nil
}

func (c *client) member(groups []string) bool {
	for _, group := range groups {
		if _, ok := c.groups[group]; ok {
			return true
		}
	}
	return false
}

// close снимает клиента с Hub'а. Канал send закрывается под write-lock Hub'а,
// поэтому Publish не может писать в уже закрытый канал.
func (c *client) close() {
	c.once.Do(func() {
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		close(c.send)
		c.hub.mu.Unlock()
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readPump только держит соединение живым: входящие сообщения клиентов игнорируются.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

var _ domain.NotificationSink = (*Hub)(nil)
