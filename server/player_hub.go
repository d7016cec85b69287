package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"waveplay/core/events"
	"waveplay/logger"
)

// MessageType WebSocket 消息类型
type MessageType string

const (
	MsgTypePing    MessageType = "ping"
	MsgTypePong    MessageType = "pong"
	MsgTypeCommand MessageType = "command" // 客户端 -> 服务端，播放控制
	MsgTypeResult  MessageType = "result"  // 命令执行结果
	MsgTypeSignal  MessageType = "signal"  // 服务端 -> 客户端，播放器信号
	MsgTypeState   MessageType = "state"   // 连接建立时推送的状态快照
)

const (
	wsReadLimit    = 4096
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 256
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// CommandMessage 通过 WebSocket 下发的命令
type CommandMessage struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// ResultMessage 命令执行结果
type ResultMessage struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// CommandFunc 执行一条命令
type CommandFunc func(ctx context.Context, command string, args json.RawMessage) error

// PlayerHub 把播放器信号广播给所有 WebSocket 客户端
type PlayerHub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	stopOnce   sync.Once

	mu sync.RWMutex
}

// Client WebSocket 客户端
type Client struct {
	ID   string
	Hub  *PlayerHub
	Conn *websocket.Conn
	Send chan []byte
}

// NewPlayerHub 创建 Hub
func NewPlayerHub() *PlayerHub {
	return &PlayerHub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// NewClient 创建客户端
func NewClient(hub *PlayerHub, conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.New().String(),
		Hub:  hub,
		Conn: conn,
		Send: make(chan []byte, wsSendBuffer),
	}
}

// Run 运行 Hub 主循环
func (h *PlayerHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Debug("[PlayerHub] 客户端已连接", logger.String("client", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeClientLocked(client)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.Send <- msg:
				default:
					// 发送缓冲区满，认为客户端已失联
					logger.Warn("[PlayerHub] 客户端发送缓冲区已满，断开连接",
						logger.String("client", client.ID))
					h.removeClientLocked(client)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				h.removeClientLocked(client)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *PlayerHub) removeClientLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.Send)
	logger.Debug("[PlayerHub] 客户端已断开", logger.String("client", client.ID))
}

// Stop 停止 Hub
func (h *PlayerHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Register 注册客户端
func (h *PlayerHub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister 注销客户端
func (h *PlayerHub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount 当前连接数
func (h *PlayerHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast 广播一条消息
func (h *PlayerHub) Broadcast(msg *WSMessage) {
	data, err := encodeMessage(msg)
	if err != nil {
		logger.Warn("[PlayerHub] 序列化消息失败", logger.ErrorField(err))
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		logger.Warn("[PlayerHub] 广播队列已满，丢弃消息", logger.String("type", string(msg.Type)))
	}
}

// Forward 把总线信号转发给所有客户端，直到 ctx 取消或信号通道关闭
func (h *PlayerHub) Forward(ctx context.Context, signals <-chan events.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			data, err := json.Marshal(sig)
			if err != nil {
				logger.Warn("[PlayerHub] 序列化信号失败",
					logger.String("type", string(sig.Type)),
					logger.ErrorField(err))
				continue
			}
			h.Broadcast(&WSMessage{Type: MsgTypeSignal, Data: data})
		}
	}
}

func encodeMessage(msg *WSMessage) ([]byte, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(msg)
}

// ReadPump 读取客户端消息
func (c *Client) ReadPump(ctx context.Context, exec CommandFunc) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(wsReadLimit)
	c.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("[PlayerHub] websocket read error",
					logger.ErrorField(err),
					logger.String("client", c.ID))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("[PlayerHub] invalid message format",
				logger.ErrorField(err),
				logger.String("client", c.ID))
			continue
		}

		switch msg.Type {
		case MsgTypePing:
			c.SendMessage(&WSMessage{Type: MsgTypePong})
		case MsgTypeCommand:
			c.handleCommand(ctx, msg.Data, exec)
		default:
			logger.Debug("[PlayerHub] 忽略未知消息类型",
				logger.String("type", string(msg.Type)),
				logger.String("client", c.ID))
		}
	}
}

func (c *Client) handleCommand(ctx context.Context, data json.RawMessage, exec CommandFunc) {
	var cmd CommandMessage
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.Command == "" {
		c.sendResult(ResultMessage{OK: false, Error: "invalid command message"})
		return
	}
	result := ResultMessage{Command: cmd.Command, OK: true}
	if exec == nil {
		result.OK = false
		result.Error = "commands are not accepted"
	} else if err := exec(ctx, cmd.Command, cmd.Args); err != nil {
		result.OK = false
		result.Error = err.Error()
	}
	c.sendResult(result)
}

func (c *Client) sendResult(result ResultMessage) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	c.SendMessage(&WSMessage{Type: MsgTypeResult, Data: data})
}

// WritePump 向客户端写消息
func (c *Client) WritePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// 合并发送队列中的消息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage 发送消息给客户端，缓冲区满时丢弃
func (c *Client) SendMessage(msg *WSMessage) {
	data, err := encodeMessage(msg)
	if err != nil {
		return
	}
	defer func() {
		// Hub 可能已经关闭了 Send
		recover()
	}()
	select {
	case c.Send <- data:
	default:
	}
}
