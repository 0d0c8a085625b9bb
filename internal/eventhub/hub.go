package eventhub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dealdesk/gocfd/internal/events"
	"github.com/dealdesk/gocfd/internal/metrics"
)

var log = logrus.WithField("component", "eventhub")

// Envelope 推给客户端的事件信封
type Envelope struct {
	Type      events.Type `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// subscriber 单条 WebSocket 连接的发送端
type subscriber struct {
	userID string
	send   chan Envelope
}

// replayDepth 每用户保留的最近事件条数，重连时回放
const replayDepth = 64

// Hub 按用户路由事件：每个连接一条有界发送队列，写满丢弃最旧事件
// 并计数，绝不阻塞引擎（投递是 at-most-once，引擎状态才是权威）。
// 每用户另留一个有界的最近事件环，重连的客户端先收到错过的事件。
type Hub struct {
	mu         sync.RWMutex
	byUser     map[string]map[*subscriber]struct{}
	bufferSize int

	recentMu sync.Mutex
	recent   map[string][]Envelope

	upgrader websocket.Upgrader
}

// NewHub 创建事件分发中心。bufferSize 是每连接的事件队列长度。
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		byUser:     make(map[string]map[*subscriber]struct{}),
		bufferSize: bufferSize,
		recent:     make(map[string][]Envelope),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish 实现 ports.EventSink：投递给该用户的所有在线连接。
// 没有订阅者时静默返回（事件同时会进持久层，掉线不丢账）。
func (h *Hub) Publish(userID string, eventType events.Type, payload interface{}) {
	env := Envelope{Type: eventType, Payload: payload, Timestamp: time.Now()}
	h.record(userID, env)

	h.mu.RLock()
	subs := h.byUser[userID]
	for s := range subs {
		select {
		case s.send <- env:
		default:
			// 队列满：丢最旧的一条给新事件腾位（慢消费者看到的是最近状态）
			select {
			case <-s.send:
			default:
			}
			select {
			case s.send <- env:
			default:
			}
			metrics.PublishDrops.Add(1)
		}
	}
	h.mu.RUnlock()
}

// record 追加到该用户的最近事件环（越界丢最旧）
func (h *Hub) record(userID string, env Envelope) {
	h.recentMu.Lock()
	ring := append(h.recent[userID], env)
	if len(ring) > replayDepth {
		ring = ring[len(ring)-replayDepth:]
	}
	h.recent[userID] = ring
	h.recentMu.Unlock()
}

// Recent 返回该用户最近事件环的副本（新连接回放用）
func (h *Hub) Recent(userID string) []Envelope {
	h.recentMu.Lock()
	defer h.recentMu.Unlock()
	ring := h.recent[userID]
	if len(ring) == 0 {
		return nil
	}
	out := make([]Envelope, len(ring))
	copy(out, ring)
	return out
}

// Subscribers 返回某用户的在线连接数
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byUser[s.userID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.byUser[s.userID] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byUser[s.userID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.byUser, s.userID)
	}
}

// ServeWS 升级 HTTP 连接并绑定到 userID 的事件流
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	s := &subscriber{userID: userID, send: make(chan Envelope, h.bufferSize)}
	// 先回放错过的事件再上线，保证回放内容排在实时事件之前
	for _, env := range h.Recent(userID) {
		select {
		case s.send <- env:
		default:
		}
	}
	h.add(s)
	log.Infof("事件流连接: user=%s", userID)

	go h.writePump(conn, s)
	go h.readPump(conn, s)
	return nil
}

// writePump 把队列中的事件写到连接；写失败即关闭
func (h *Hub) writePump(conn *websocket.Conn, s *subscriber) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer func() {
		pingTicker.Stop()
		h.remove(s)
		conn.Close()
	}()

	for {
		select {
		case env, ok := <-s.send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(env); err != nil {
				log.Debugf("事件推送失败，断开连接: user=%s err=%v", s.userID, err)
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只为感知客户端断开；事件流是单向下行的
func (h *Hub) readPump(conn *websocket.Conn, s *subscriber) {
	defer func() {
		h.remove(s)
		conn.Close()
	}()
	conn.SetReadLimit(1024)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
