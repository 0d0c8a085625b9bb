package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dealdesk/gocfd/internal/domain"
	"github.com/dealdesk/gocfd/internal/ports"
)

var wsLog = logrus.WithField("component", "feed_websocket")

// tickMessage 行情源的 tick 线格式
type tickMessage struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TimeMs int64   `json:"timeMs"`
}

// WSClient 行情 WebSocket 客户端：订阅配置的符号，把 tick 逐条交给回调。
// 断线自动重连（递增延迟），重连后重新订阅。
type WSClient struct {
	url     string
	symbols []string

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers []ports.TickHandler

	maxReconnects  int
	reconnectDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSClient 创建行情 WebSocket 客户端
func NewWSClient(url string, symbols []string) *WSClient {
	return &WSClient{
		url:            url,
		symbols:        symbols,
		maxReconnects:  0, // 0 = 不限次数：行情断了引擎就是瞎的，必须一直重试
		reconnectDelay: 2 * time.Second,
	}
}

// OnTick 注册 tick 回调（连接前调用）
func (c *WSClient) OnTick(h ports.TickHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Connect 建立连接并启动读循环
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if err := c.dial(); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.readLoop()
	return nil
}

func (c *WSClient) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return errors.Wrapf(err, "连接行情 WebSocket 失败: %s", c.url)
	}

	sub := map[string]interface{}{"op": "subscribe", "symbols": c.symbols}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return errors.Wrap(err, "发送订阅请求失败")
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	wsLog.Infof("行情 WebSocket 已连接: url=%s symbols=%v", c.url, c.symbols)
	return nil
}

func (c *WSClient) readLoop() {
	defer c.wg.Done()

	attempt := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			attempt++
			if c.maxReconnects > 0 && attempt > c.maxReconnects {
				wsLog.Errorf("行情 WebSocket 重连次数用尽: attempts=%d", attempt)
				return
			}
			delay := time.Duration(attempt) * c.reconnectDelay
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			wsLog.Warnf("行情 WebSocket 读取失败，%s 后重连 (第 %d 次): %v", delay, attempt, err)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			if derr := c.dial(); derr != nil {
				wsLog.Warnf("行情 WebSocket 重连失败: %v", derr)
			}
			continue
		}
		attempt = 0

		var msg tickMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			wsLog.Debugf("丢弃无法解析的行情消息: %v", err)
			continue
		}
		if msg.Symbol == "" || msg.Price <= 0 {
			continue
		}
		if msg.TimeMs == 0 {
			msg.TimeMs = time.Now().UnixMilli()
		}

		tick := domain.Tick{Symbol: msg.Symbol, Price: msg.Price, TimeMs: msg.TimeMs}
		c.mu.RLock()
		handlers := c.handlers
		c.mu.RUnlock()
		for _, h := range handlers {
			h(tick)
		}
	}
}

// Close 断开连接并等待读循环退出
func (c *WSClient) Close() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}
