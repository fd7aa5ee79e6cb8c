package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/FreshRoute/FreshRoute/internal/common/config"
	"github.com/FreshRoute/FreshRoute/internal/common/logger"
	"github.com/FreshRoute/FreshRoute/internal/common/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// RoleAdmin 运营侧连接的角色标记，司机状态变更会广播到该组。
// 鉴权由上游接入层完成，网关只信任其透传的角色。
const RoleAdmin = "admin"

// MessageHandler 入站消息处理函数。除 panic 外不应使内部错误外溢：
// 业务失败通过 error 事件回给来源连接。
type MessageHandler func(c *Client, msgType string, data json.RawMessage)

// Client 一条 WebSocket 连接及其订阅/限流状态。
type Client struct {
	ID   string
	Role string

	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	limiter middleware.RateLimiter
	log     logger.Logger
}

// Hub 管理全部活跃连接与按配送单组织的订阅组。
// clients / groups 的并发访问由 mu 保护；注册/注销经由 channel 进入 Run 主循环。
type Hub struct {
	cfg config.GatewayConfig

	mu      sync.RWMutex
	clients map[string]*Client
	groups  map[string]map[string]*Client // deliveryID -> clientID -> client

	register   chan *Client
	unregister chan *Client
	handler    MessageHandler
	upgrader   websocket.Upgrader
	log        logger.Logger
}

// NewHub 创建连接管理器。创建后需 SetMessageHandler 并在独立 goroutine 里 Run。
func NewHub(cfg config.GatewayConfig, log logger.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		clients: make(map[string]*Client),
		groups:  make(map[string]map[string]*Client),
		// register 无缓冲：ServeWS 在注册被主循环处理完之前不启动读写泵，
		// 连接即连即断时注销不可能先于注册被处理。
		register:   make(chan *Client),
		unregister: make(chan *Client, 10),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin 校验属于上游接入层；网关挂在内网接入层之后。
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// SetMessageHandler 设置入站消息处理器。
func (h *Hub) SetMessageHandler(handler MessageHandler) {
	h.handler = handler
}

// Run 主循环：处理连接注册/注销，直到 ctx 结束。
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.log.WithFields(map[string]interface{}{
				"client_id": client.ID,
				"role":      client.Role,
			}).Info("ws client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				for deliveryID, group := range h.groups {
					delete(group, client.ID)
					if len(group) == 0 {
						delete(h.groups, deliveryID)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.log.WithField("client_id", client.ID).Info("ws client unregistered")
		}
	}
}

// Join 把连接加入某配送单的订阅组。
func (h *Hub) Join(deliveryID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[deliveryID]
	if !ok {
		group = make(map[string]*Client)
		h.groups[deliveryID] = group
	}
	group[c.ID] = c
}

// Leave 把连接移出某配送单的订阅组。
func (h *Hub) Leave(deliveryID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if group, ok := h.groups[deliveryID]; ok {
		delete(group, c.ID)
		if len(group) == 0 {
			delete(h.groups, deliveryID)
		}
	}
}

// BroadcastToDelivery 向配送单订阅组推送事件。没有订阅者时不是错误。
func (h *Hub) BroadcastToDelivery(deliveryID, msgType string, data any) {
	payload, err := marshalEvent(msgType, data)
	if err != nil {
		h.log.Warnf("marshal broadcast %s: %v", msgType, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.groups[deliveryID] {
		c.enqueue(payload)
	}
}

// BroadcastToRole 向指定角色的全部连接推送事件。
func (h *Hub) BroadcastToRole(role, msgType string, data any) {
	payload, err := marshalEvent(msgType, data)
	if err != nil {
		h.log.Warnf("marshal broadcast %s: %v", msgType, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.Role == role {
			c.enqueue(payload)
		}
	}
}

// ServeWS 处理 WebSocket 升级请求。角色由上游接入层透传（?role=admin 等）。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("ws upgrade failed: %v", err)
		return
	}

	client := &Client{
		ID:      uuid.NewString(),
		Role:    strings.TrimSpace(r.URL.Query().Get("role")),
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
		hub:     h,
		limiter: middleware.NewTokenBucket(h.cfg.MessageBurst, h.cfg.MessagesPerSecond),
		log:     h.log,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// Send 序列化并推送一个带类型的事件；出站缓冲满时丢弃并记日志。
func (c *Client) Send(msgType string, data any) {
	payload, err := marshalEvent(msgType, data)
	if err != nil {
		c.log.Warnf("marshal event %s: %v", msgType, err)
		return
	}
	c.enqueue(payload)
}

// SendError 把业务失败作为 error 事件回给连接（连接保持打开）。
func (c *Client) SendError(message string) {
	c.Send("error", map[string]string{"message": message})
}

func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.log.WithField("client_id", c.ID).Warn("ws send buffer full, message dropped")
	}
}

// readPump 读取入站消息：限流、解包、交给 handler。
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	pongWait := time.Duration(c.hub.cfg.PongWaitSec) * time.Second
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warnf("ws read error client=%s: %v", c.ID, err)
			}
			return
		}

		if !c.limiter.Allow(context.Background()) {
			c.SendError("rate limit exceeded")
			continue
		}

		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data,omitempty"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.SendError("malformed message")
			continue
		}

		if c.hub.handler != nil {
			c.hub.handler(c, msg.Type, msg.Data)
		}
	}
}

// writePump 发送出站消息并维持 ping/pong。
func (c *Client) writePump() {
	ticker := time.NewTicker(time.Duration(c.hub.cfg.PingIntervalSec) * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func marshalEvent(msgType string, data any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": msgType,
		"data": data,
	})
}
