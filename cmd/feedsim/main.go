package main

import (
	"flag"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dealdesk/gocfd/internal/domain"
	"github.com/dealdesk/gocfd/pkg/logger"
)

var log = logrus.WithField("component", "feedsim")

// walker 单符号随机游走
type walker struct {
	mu    sync.Mutex
	price float64
	vol   float64
}

func (w *walker) next() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.price *= 1 + (rand.Float64()*2-1)*w.vol
	if w.price < 0.0001 {
		w.price = 0.0001
	}
	return w.price
}

// feedsim 本地行情模拟器：WebSocket 推送 + REST 报价端点，
// 与 engined 的 feed 客户端对接，开发环境不依赖真实行情源。
func main() {
	addr := flag.String("addr", ":9090", "监听地址")
	symbols := flag.String("symbols", "EURUSD,BTCUSD,XAUUSD", "模拟符号（逗号分隔）")
	interval := flag.Duration("interval", 200*time.Millisecond, "tick 间隔")
	vol := flag.Float64("vol", 0.0005, "单 tick 波动率")
	flag.Parse()

	_ = logger.Init(logger.Config{Level: "info"})

	walkers := make(map[string]*walker)
	for _, s := range strings.Split(*symbols, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		walkers[s] = &walker{price: 50 + rand.Float64()*100, vol: *vol}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/quote", func(c *gin.Context) {
		symbol := c.Query("symbol")
		w, ok := walkers[symbol]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
			return
		}
		c.JSON(http.StatusOK, domain.Tick{
			Symbol: symbol,
			Price:  w.next(),
			TimeMs: time.Now().UnixMilli(),
		})
	})

	r.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		go serveConn(conn, walkers, *interval)
	})

	log.Infof("feedsim 启动: addr=%s symbols=%v interval=%s", *addr, *symbols, *interval)
	if err := http.ListenAndServe(*addr, r); err != nil {
		log.Fatalf("feedsim 退出: %v", err)
	}
}

type subscribeMessage struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

func serveConn(conn *websocket.Conn, walkers map[string]*walker, interval time.Duration) {
	defer conn.Close()

	// 第一条消息是订阅请求；为空则推送全部符号
	var sub subscribeMessage
	_ = conn.ReadJSON(&sub)
	subscribed := sub.Symbols
	if len(subscribed) == 0 {
		for s := range walkers {
			subscribed = append(subscribed, s)
		}
	}
	log.Infof("订阅连接: symbols=%v", subscribed)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		for _, symbol := range subscribed {
			w, ok := walkers[symbol]
			if !ok {
				continue
			}
			tick := domain.Tick{
				Symbol: symbol,
				Price:  w.next(),
				TimeMs: time.Now().UnixMilli(),
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(tick); err != nil {
				log.Infof("连接断开: %v", err)
				return
			}
		}
	}
}
