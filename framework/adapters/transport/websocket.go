package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akriventsev/furnel/framework/core"
)

// WebSocketConfig конфигурация для WebSocket адаптера
type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageSize  int64
	// SendBuffer сообщений в очереди клиента; медленный клиент отключается
	SendBuffer int
}

// DefaultWebSocketConfig возвращает конфигурацию WebSocket по умолчанию
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		PingInterval:    54 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		MaxMessageSize:  512,
		SendBuffer:      16,
	}
}

type wsClient struct {
	conn  *websocket.Conn
	topic string
	send  chan any
	once  sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// WebSocketHub рассылка JSON-сообщений клиентам, подписанным на топик.
// Клиенты только читают: входящие сообщения игнорируются.
type WebSocketHub struct {
	config   WebSocketConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	topics  map[string]map[*wsClient]struct{}
	stopped bool
}

// NewWebSocketHub создает хаб
func NewWebSocketHub(config WebSocketConfig, logger *slog.Logger) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultWebSocketConfig().SendBuffer
	}
	return &WebSocketHub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
		topics: make(map[string]map[*wsClient]struct{}),
	}
}

// Name возвращает имя компонента (реализация core.Component)
func (h *WebSocketHub) Name() string {
	return "websocket-hub"
}

// Type возвращает тип компонента (реализация core.Component)
func (h *WebSocketHub) Type() core.ComponentType {
	return core.ComponentTypeTransport
}

// Serve переводит запрос в WebSocket и держит соединение до закрытия.
// initial, если не nil, отправляется первым сообщением.
func (h *WebSocketHub) Serve(w http.ResponseWriter, r *http.Request, topic string, initial any) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &wsClient{conn: conn, topic: topic, send: make(chan any, h.config.SendBuffer)}
	if initial != nil {
		client.send <- initial
	}
	if !h.register(client) {
		_ = conn.Close()
		return nil
	}

	go h.writePump(client)
	h.readPump(client)
	return nil
}

// Publish отправляет сообщение всем клиентам топика
func (h *WebSocketHub) Publish(topic string, message any) {
	h.mu.RLock()
	var slow []*wsClient
	for client := range h.topics[topic] {
		select {
		case client.send <- message:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("dropping slow websocket client", "topic", topic)
		h.unregister(client)
	}
}

// ClientCount число клиентов топика
func (h *WebSocketHub) ClientCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Stop закрывает все соединения
func (h *WebSocketHub) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = true
	topics := h.topics
	h.topics = make(map[string]map[*wsClient]struct{})
	h.mu.Unlock()

	for _, clients := range topics {
		for client := range clients {
			client.close()
		}
	}
	return nil
}

func (h *WebSocketHub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	clients, ok := h.topics[c.topic]
	if !ok {
		clients = make(map[*wsClient]struct{})
		h.topics[c.topic] = clients
	}
	clients[c] = struct{}{}
	return true
}

func (h *WebSocketHub) unregister(c *wsClient) {
	h.mu.Lock()
	if clients, ok := h.topics[c.topic]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.topics, c.topic)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *WebSocketHub) readPump(c *wsClient) {
	defer h.unregister(c)

	c.conn.SetReadLimit(h.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHub) writePump(c *wsClient) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
