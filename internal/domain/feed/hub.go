package feed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"fieldsync/internal/domain/delta"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"
)

const (
	sendBuffer   = 16
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Hub рассылает уведомления об изменениях подключенным устройствам
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.RWMutex
	clients map[string]*hubClient
}

type hubClient struct {
	id       string
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
}

// NewHub создает пустой Hub
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:     log.With(slog.String("component", "feed_hub")),
		clients: make(map[string]*hubClient),
	}
}

// Handler возвращает http.Handler, переводящий запрос в websocket-соединение.
// deviceOf извлекает идентификатор устройства из аутентифицированного запроса
func (h *Hub) Handler(deviceOf func(r *http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		c := &hubClient{
			id:       uuid.NewString(),
			deviceID: deviceOf(r),
			conn:     conn,
			send:     make(chan []byte, sendBuffer),
		}
		h.register(c)

		go h.writePump(c)
		h.readPump(c)
	})
}

// Notify рассылает уведомление всем клиентам. Клиенты с переполненным буфером отключаются
func (h *Hub) Notify(n delta.Notification) {
	msg, err := json.Marshal(n)
	if err != nil {
		h.log.Error("failed to marshal notification", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("client send buffer full, disconnecting", slog.String("device_id", c.deviceID))
			close(c.send)
			delete(h.clients, id)
		}
	}
}

// Clients количество подключенных клиентов
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close отключает всех клиентов
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.log.Info("client connected", slog.String("device_id", c.deviceID), slog.Int("total", total))
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	h.log.Info("client disconnected", slog.String("device_id", c.deviceID), slog.Int("total", total))
}

// readPump читает только управляющие кадры, чтобы обрабатывать pong и закрытие
func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
