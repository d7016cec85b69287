package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"waveplay/logger"
)

// SubjectPrefix NATS 主题前缀，完整主题为 waveplay.events.<type>
const SubjectPrefix = "waveplay.events."

// NATSConfig NATS 连接配置
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig 默认配置
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:           url,
		Name:          "waveplay",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// natsMessage 发往 NATS 的消息体
type natsMessage struct {
	EventType Type        `json:"event_type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	NodeID    string      `json:"node_id"`
	MessageID string      `json:"message_id"`
}

// Subject 信号对应的 NATS 主题
func Subject(t Type) string {
	return SubjectPrefix + string(t)
}

func marshalNATSMessage(sig Signal, nodeID string) ([]byte, error) {
	return json.Marshal(natsMessage{
		EventType: sig.Type,
		Payload:   sig.Payload,
		Timestamp: sig.Time,
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}

// NATSPublisher 把总线上的信号转发到 NATS，供锁屏等外部进程订阅
type NATSPublisher struct {
	conn   *nats.Conn
	nodeID string
}

// NewNATSPublisher 连接 NATS
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("[NATS] 连接断开", logger.ErrorField(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("[NATS] 已重连", logger.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn, nodeID: nodeID()}, nil
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "waveplay"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Run 消费订阅 channel 直到 ctx 结束或 channel 关闭
func (p *NATSPublisher) Run(ctx context.Context, signals <-chan Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			// 播放进度信号过于频繁，不转发
			if sig.Type == TypeTimeUpdated {
				continue
			}
			data, err := marshalNATSMessage(sig, p.nodeID)
			if err != nil {
				logger.Warn("[NATS] 序列化信号失败", logger.ErrorField(err))
				continue
			}
			if err := p.conn.Publish(Subject(sig.Type), data); err != nil {
				logger.Warn("[NATS] 发布信号失败",
					logger.String("subject", Subject(sig.Type)),
					logger.ErrorField(err))
			}
		}
	}
}

// Close 刷新缓冲并关闭连接
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
